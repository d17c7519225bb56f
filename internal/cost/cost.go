// Package cost scores simulated trajectories against reference time series.
package cost

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/stat"

	hpaerrors "github.com/copyleftdev/hpacal/internal/errors"
	"github.com/copyleftdev/hpacal/internal/ode"
)

// DefaultPenalty is the cost assigned to candidates that cannot be scored.
const DefaultPenalty = 1e10

// ErrUnscorable is returned by Score when a trajectory does not cover the
// reference sample times or produces non-finite values.
var ErrUnscorable = errors.New("cost: trajectory cannot be scored")

// Metric selects how residuals are combined.
type Metric int

const (
	// SumSquared sums squared residuals per target and averages the sums
	// across targets.
	SumSquared Metric = iota
	// MaxAbsolute takes the largest absolute residual over all targets.
	MaxAbsolute
)

func (m Metric) String() string {
	switch m {
	case SumSquared:
		return "sse"
	case MaxAbsolute:
		return "max"
	default:
		return fmt.Sprintf("Metric(%d)", int(m))
	}
}

// ParseMetric parses "sse" or "max".
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sse":
		return SumSquared, nil
	case "max", "max_abs":
		return MaxAbsolute, nil
	}
	return 0, hpaerrors.Invalidf("cost", "parse metric", "unknown metric %q", s)
}

// Interpolation selects how the simulation is sampled at reference times.
type Interpolation int

const (
	Linear Interpolation = iota
	Cubic
)

func (i Interpolation) String() string {
	switch i {
	case Linear:
		return "linear"
	case Cubic:
		return "cubic"
	default:
		return fmt.Sprintf("Interpolation(%d)", int(i))
	}
}

// ParseInterpolation parses "linear" or "cubic".
func ParseInterpolation(s string) (Interpolation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "linear":
		return Linear, nil
	case "cubic":
		return Cubic, nil
	}
	return 0, hpaerrors.Invalidf("cost", "parse interpolation", "unknown interpolation %q", s)
}

// Target is a reference series compared with state variable Index.
type Target struct {
	Name   string
	Index  int
	Times  []float64
	Values []float64
}

// Options configure an Evaluator.
type Options struct {
	Metric        Metric
	Interpolation Interpolation
	// Penalty is returned by Cost for unscorable trajectories. Zero selects
	// DefaultPenalty.
	Penalty float64
}

type target struct {
	Target
	mean float64
	norm []float64
}

// Evaluator scores trajectories against a fixed set of targets. It holds no
// mutable state and is safe for concurrent use.
type Evaluator struct {
	targets []target
	opts    Options
	logger  *zap.Logger
}

// NewEvaluator validates the targets and options.
func NewEvaluator(targets []Target, opts Options, logger *zap.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(targets) == 0 {
		return nil, hpaerrors.Invalidf("cost", "new evaluator", "no targets")
	}
	if opts.Metric != SumSquared && opts.Metric != MaxAbsolute {
		return nil, hpaerrors.Invalidf("cost", "new evaluator", "unknown metric %v", opts.Metric)
	}
	if opts.Interpolation != Linear && opts.Interpolation != Cubic {
		return nil, hpaerrors.Invalidf("cost", "new evaluator", "unknown interpolation %v", opts.Interpolation)
	}
	if opts.Penalty == 0 {
		opts.Penalty = DefaultPenalty
	}
	if !(opts.Penalty > 0) || math.IsInf(opts.Penalty, 0) {
		return nil, hpaerrors.Invalidf("cost", "new evaluator", "penalty must be positive and finite, got %v", opts.Penalty)
	}

	e := &Evaluator{opts: opts, logger: logger}
	for _, t := range targets {
		if t.Index < 0 {
			return nil, hpaerrors.Invalidf("cost", "new evaluator", "target %q: negative state index", t.Name)
		}
		if len(t.Times) == 0 || len(t.Times) != len(t.Values) {
			return nil, hpaerrors.Invalidf("cost", "new evaluator",
				"target %q: %d times and %d values", t.Name, len(t.Times), len(t.Values))
		}
		for _, v := range append(append([]float64(nil), t.Times...), t.Values...) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, hpaerrors.Invalidf("cost", "new evaluator", "target %q: non-finite sample", t.Name)
			}
		}
		mean := stat.Mean(t.Values, nil)
		if mean == 0 {
			return nil, hpaerrors.Invalidf("cost", "new evaluator", "target %q: reference mean is zero", t.Name)
		}
		norm := make([]float64, len(t.Values))
		for i, v := range t.Values {
			norm[i] = v / mean
		}
		e.targets = append(e.targets, target{Target: t, mean: mean, norm: norm})
	}
	return e, nil
}

// Penalty returns the cost assigned to unscorable trajectories.
func (e *Evaluator) Penalty() float64 { return e.opts.Penalty }

// Options returns the evaluator options with defaults applied.
func (e *Evaluator) Options() Options { return e.opts }

// Score returns the discrepancy between tr and the targets. Both series are
// divided by the mean of the reference before comparison.
func (e *Evaluator) Score(tr *ode.Trajectory) (float64, error) {
	if tr == nil || tr.Len() < 2 {
		return 0, fmt.Errorf("%w: fewer than two rows", ErrUnscorable)
	}
	first, last := tr.Span()

	var sse, worst float64
	for _, t := range e.targets {
		if t.Index >= tr.Dim() {
			return 0, hpaerrors.Invalidf("cost", "score", "target %q reads state %d of %d", t.Name, t.Index, tr.Dim())
		}
		for _, x := range t.Times {
			if x < first || x > last {
				return 0, fmt.Errorf("%w: target %q sample at %v outside trajectory [%v, %v]",
					ErrUnscorable, t.Name, x, first, last)
			}
		}

		p, err := e.fit(tr.Times, tr.Column(t.Index))
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnscorable, err)
		}
		var sum float64
		for i, x := range t.Times {
			r := p.Predict(x)/t.mean - t.norm[i]
			sum += r * r
			if a := math.Abs(r); a > worst || math.IsNaN(a) {
				worst = a
			}
		}
		sse += sum
	}

	score := worst
	if e.opts.Metric == SumSquared {
		score = sse / float64(len(e.targets))
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, fmt.Errorf("%w: non-finite discrepancy", ErrUnscorable)
	}
	return score, nil
}

// Cost is Score with unscorable trajectories mapped to the penalty.
func (e *Evaluator) Cost(tr *ode.Trajectory) (float64, error) {
	c, err := e.Score(tr)
	if errors.Is(err, ErrUnscorable) {
		e.logger.Debug("candidate could not be scored", zap.Error(err), zap.Float64("penalty", e.opts.Penalty))
		return e.opts.Penalty, nil
	}
	return c, err
}

type predictor interface {
	Predict(x float64) float64
}

func (e *Evaluator) fit(xs, ys []float64) (predictor, error) {
	if e.opts.Interpolation == Cubic {
		var nc interp.NaturalCubic
		if err := nc.Fit(xs, ys); err != nil {
			return nil, err
		}
		return &nc, nil
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, ys); err != nil {
		return nil, err
	}
	return &pl, nil
}
