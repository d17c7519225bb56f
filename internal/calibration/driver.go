// Package calibration repeats bounded global searches over a model's
// parameters and summarizes the spread of the optima.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/hpacal/internal/cost"
	hpaerrors "github.com/copyleftdev/hpacal/internal/errors"
	"github.com/copyleftdev/hpacal/internal/ode"
	"github.com/copyleftdev/hpacal/internal/optimization"
)

// ErrAllFailed is returned with the ensemble when no repetition produced an
// optimum.
var ErrAllFailed = errors.New("calibration: every repetition failed")

// ErrBusy is returned by Run while another Run is in progress.
var ErrBusy = errors.New("calibration: driver is running")

// Problem is what a calibration searches over.
type Problem struct {
	// Simulate integrates the model at params. It must be safe for
	// concurrent use; every call owns its integrator and delay state.
	Simulate func(params []float64) (*ode.Trajectory, error)
	// Evaluator scores trajectories against the reference data.
	Evaluator *cost.Evaluator
	// Bounds holds one closed interval per parameter.
	Bounds [][2]float64
	// Names optionally labels the parameters.
	Names []string
}

// Validate checks the problem before any integration runs.
func (p Problem) Validate() error {
	if p.Simulate == nil {
		return hpaerrors.Invalidf("calibration", "validate", "simulate function is nil")
	}
	if p.Evaluator == nil {
		return hpaerrors.Invalidf("calibration", "validate", "evaluator is nil")
	}
	if err := optimization.ValidateBounds(p.Bounds); err != nil {
		return err
	}
	if p.Names != nil && len(p.Names) != len(p.Bounds) {
		return hpaerrors.Invalidf("calibration", "validate", "%d names for %d bounds", len(p.Names), len(p.Bounds))
	}
	return nil
}

// Options configure a Driver. Zero values select each algorithm's defaults.
type Options struct {
	Repetitions    int
	Algorithm      Algorithm
	PopulationSize int
	MaxIterations  int
	Tolerance      float64
	// Seed seeds repetition r with Seed+r. Zero seeds from the clock.
	Seed    int64
	Workers int
	Logger  *zap.Logger
	Hooks   Hooks
}

// Evaluation describes one objective evaluation.
type Evaluation struct {
	Repetition  int
	Cost        float64
	Unscorable  bool
	Truncated   bool
	DelayMisses int
}

// Hooks observe a run. Nil hooks are skipped. Evaluated may be called
// concurrently.
type Hooks struct {
	Transition func(repetition int, from, to State)
	Evaluated  func(Evaluation)
	Finished   func(RunRecord)
}

// ChainHooks calls every non-nil hook of hs in order.
func ChainHooks(hs ...Hooks) Hooks {
	var out Hooks
	for _, h := range hs {
		if t := h.Transition; t != nil {
			prev := out.Transition
			out.Transition = func(rep int, from, to State) {
				if prev != nil {
					prev(rep, from, to)
				}
				t(rep, from, to)
			}
		}
		if e := h.Evaluated; e != nil {
			prev := out.Evaluated
			out.Evaluated = func(ev Evaluation) {
				if prev != nil {
					prev(ev)
				}
				e(ev)
			}
		}
		if f := h.Finished; f != nil {
			prev := out.Finished
			out.Finished = func(rec RunRecord) {
				if prev != nil {
					prev(rec)
				}
				f(rec)
			}
		}
	}
	return out
}

// RunRecord is the outcome of one repetition.
type RunRecord struct {
	Repetition  int             `json:"repetition"`
	Status      State           `json:"status"`
	Cost        float64         `json:"cost"`
	Parameters  []float64       `json:"parameters"`
	Trajectory  *ode.Trajectory `json:"-"`
	Iterations  int             `json:"iterations"`
	Evaluations int             `json:"evaluations"`
	Unscorable  int             `json:"unscorable"`
	Duration    time.Duration   `json:"duration"`
	Message     string          `json:"message,omitempty"`
	Err         error           `json:"-"`
}

// Ensemble collects the repetitions of a run.
type Ensemble struct {
	Algorithm  Algorithm   `json:"algorithm"`
	Parameters []string    `json:"parameters,omitempty"`
	Records    []RunRecord `json:"records"`
	Summary    Summary     `json:"summary"`
}

// Successful returns the records that produced an optimum.
func (e *Ensemble) Successful() []RunRecord {
	var out []RunRecord
	for _, r := range e.Records {
		if r.Status != Failed {
			out = append(out, r)
		}
	}
	return out
}

// Driver runs the repetitions of one calibration.
type Driver struct {
	problem Problem
	opts    Options
	logger  *zap.Logger

	mu      sync.Mutex
	state   State
	current optimization.Optimizer
}

// NewDriver validates p and opts. Configuration errors are reported here,
// before anything is integrated.
func NewDriver(p Problem, opts Options) (*Driver, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if opts.Repetitions == 0 {
		opts.Repetitions = 1
	}
	if opts.Repetitions < 0 {
		return nil, hpaerrors.Invalidf("calibration", "new driver", "repetitions must be positive, got %d", opts.Repetitions)
	}
	if opts.Algorithm == "" {
		opts.Algorithm = DifferentialEvolution
	}
	if _, err := NewOptimizer(opts.Algorithm); err != nil {
		return nil, err
	}
	if opts.PopulationSize < 0 || opts.MaxIterations < 0 || opts.Workers < 0 || opts.Tolerance < 0 {
		return nil, hpaerrors.Invalidf("calibration", "new driver", "negative population, iteration, worker or tolerance setting")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Driver{
		problem: p,
		opts:    opts,
		logger:  opts.Logger.Named("calibration"),
	}, nil
}

// State returns the current lifecycle state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Stop interrupts the running repetition. Run returns context.Canceled.
func (d *Driver) Stop() {
	d.mu.Lock()
	o := d.current
	d.mu.Unlock()
	if o != nil {
		o.Stop()
	}
}

func (d *Driver) transition(rep int, to State) {
	d.mu.Lock()
	from := d.state
	if !canTransition(from, to) {
		d.mu.Unlock()
		panic(fmt.Sprintf("calibration: illegal transition %v -> %v", from, to))
	}
	d.state = to
	d.mu.Unlock()
	if d.opts.Hooks.Transition != nil {
		d.opts.Hooks.Transition(rep, from, to)
	}
}

// Run performs every repetition and summarizes the successful ones. Failed
// repetitions are recorded and skipped. Invalid configuration detected
// during a repetition and context cancellation abort the run.
func (d *Driver) Run(ctx context.Context) (*Ensemble, error) {
	d.mu.Lock()
	switch d.state {
	case Idle:
	case Done:
		d.state = Idle
	default:
		d.mu.Unlock()
		return nil, ErrBusy
	}
	d.mu.Unlock()

	ens := &Ensemble{Algorithm: d.opts.Algorithm, Parameters: d.problem.Names}
	for rep := 0; rep < d.opts.Repetitions; rep++ {
		if err := ctx.Err(); err != nil {
			return ens, err
		}
		rec, err := d.repetition(ctx, rep)
		ens.Records = append(ens.Records, rec)
		if d.opts.Hooks.Finished != nil {
			d.opts.Hooks.Finished(rec)
		}
		d.transition(rep, Idle)
		if err != nil {
			return ens, err
		}
	}
	d.transition(d.opts.Repetitions, Done)

	ok := ens.Successful()
	ens.Summary = Summarize(ok, len(d.problem.Bounds))
	d.logger.Info("calibration finished",
		zap.Int("repetitions", len(ens.Records)),
		zap.Int("successful", len(ok)),
		zap.Float64s("mean", ens.Summary.Mean),
		zap.Float64s("std", ens.Summary.Std),
	)
	if len(ok) == 0 {
		return ens, ErrAllFailed
	}
	return ens, nil
}

// repetition runs one search. The returned error is non-nil only when the
// whole run must stop.
func (d *Driver) repetition(ctx context.Context, rep int) (RunRecord, error) {
	d.transition(rep, Running)
	start := time.Now()
	rec := RunRecord{Repetition: rep}

	opt, err := NewOptimizer(d.opts.Algorithm)
	if err != nil {
		return d.fail(rep, rec, start, err), err
	}
	d.mu.Lock()
	d.current = opt
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.current = nil
		d.mu.Unlock()
	}()

	var unscorable atomic.Int64
	seed := d.opts.Seed
	if seed != 0 {
		seed += int64(rep)
	}
	res, err := opt.Optimize(ctx, optimization.OptimizerConfig{
		Objective:      d.objective(rep, &unscorable),
		Bounds:         d.problem.Bounds,
		MaxIterations:  d.opts.MaxIterations,
		PopulationSize: d.opts.PopulationSize,
		Tolerance:      d.opts.Tolerance,
		Workers:        d.opts.Workers,
		RandomSeed:     seed,
		Logger:         d.opts.Logger,
	})
	rec.Unscorable = int(unscorable.Load())
	if err != nil {
		return d.fail(rep, rec, start, err), fatal(ctx, err)
	}
	if res.BestSolution == nil {
		err := errors.New("optimizer returned no solution")
		return d.fail(rep, rec, start, err), nil
	}

	rec.Parameters = append([]float64(nil), res.BestSolution.Parameters...)
	rec.Cost = res.BestSolution.Value
	rec.Iterations = res.Iterations
	rec.Evaluations = res.Evaluations
	rec.Message = res.Message

	rec.Trajectory, err = d.problem.Simulate(rec.Parameters)
	if err != nil {
		return d.fail(rep, rec, start, err), fatal(ctx, err)
	}

	rec.Status = stateOf(res.Status)
	rec.Duration = time.Since(start)
	d.transition(rep, rec.Status)
	if rec.Unscorable > 0 {
		d.logger.Warn("unscorable candidates penalized",
			zap.Int("repetition", rep),
			zap.Int("count", rec.Unscorable),
			zap.Float64("penalty", d.problem.Evaluator.Penalty()),
		)
	}
	d.logger.Info("repetition finished",
		zap.Int("repetition", rep),
		zap.Stringer("status", rec.Status),
		zap.Float64("cost", rec.Cost),
		zap.Float64s("parameters", rec.Parameters),
		zap.Int("iterations", rec.Iterations),
		zap.Int("evaluations", rec.Evaluations),
		zap.Duration("duration", rec.Duration),
	)
	return rec, nil
}

func (d *Driver) fail(rep int, rec RunRecord, start time.Time, err error) RunRecord {
	rec.Status = Failed
	rec.Err = err
	rec.Message = err.Error()
	rec.Duration = time.Since(start)
	d.transition(rep, Failed)
	d.logger.Warn("repetition failed", zap.Int("repetition", rep), zap.Error(err))
	return rec
}

// fatal picks the errors that end the whole run.
func fatal(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.Canceled) || hpaerrors.IsInvalidConfig(err) {
		return err
	}
	return nil
}

// objective integrates and scores one candidate. Unscorable trajectories
// cost the evaluator's penalty.
func (d *Driver) objective(rep int, unscorable *atomic.Int64) optimization.ObjectiveFunction {
	return func(x []float64) (float64, error) {
		tr, err := d.problem.Simulate(x)
		if err != nil {
			return 0, err
		}
		ev := Evaluation{Repetition: rep}
		if tr != nil {
			ev.Truncated = tr.Truncated()
			ev.DelayMisses = tr.DelayMisses
		}
		c, err := d.problem.Evaluator.Score(tr)
		switch {
		case errors.Is(err, cost.ErrUnscorable):
			unscorable.Add(1)
			d.logger.Debug("candidate could not be scored", zap.Float64s("parameters", x), zap.Error(err))
			c = d.problem.Evaluator.Penalty()
			ev.Unscorable = true
		case err != nil:
			return 0, err
		}
		ev.Cost = c
		if d.opts.Hooks.Evaluated != nil {
			d.opts.Hooks.Evaluated(ev)
		}
		return c, nil
	}
}
