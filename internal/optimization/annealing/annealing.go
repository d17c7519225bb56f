// Package annealing implements fast simulated annealing with Cauchy visits
// and periodic reannealing.
package annealing

import (
	"context"
	"math"
	"math/rand"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/hpacal/internal/optimization"
)

const (
	defaultMaxIterations = 1000
	defaultTolerance     = 1e-8
)

// Optimizer anneals in the unit cube spanned by the bounds. The temperature
// follows T0/k; when it falls below RestartRatio*T0 the schedule restarts
// from the best point found so far.
type Optimizer struct {
	optimization.Tracker

	// InitialSamples per dimension are drawn to set the initial temperature
	// to the spread of their costs.
	InitialSamples int
	// RestartRatio triggers reannealing.
	RestartRatio float64
	// StallIterations without relative improvement larger than the tolerance
	// end the run as converged. Zero disables the test.
	StallIterations int
}

var _ optimization.Optimizer = (*Optimizer)(nil)

// New returns an optimizer with 10 initial samples per dimension, restarts
// at T0/1000 and a 500 iteration stall limit.
func New() *Optimizer {
	return &Optimizer{
		InitialSamples:  10,
		RestartRatio:    1e-3,
		StallIterations: 500,
	}
}

// Optimize minimizes config.Objective within config.Bounds. Each iteration
// proposes one move per dimension.
func (o *Optimizer) Optimize(ctx context.Context, config optimization.OptimizerConfig) (*optimization.OptimizationResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if o.InitialSamples < 1 || !(o.RestartRatio > 0 && o.RestartRatio < 1) || o.StallIterations < 0 {
		return nil, optimization.Invalidf("initial samples %d, restart ratio %v or stall limit %d out of range",
			o.InitialSamples, o.RestartRatio, o.StallIterations).WithComponent("annealing")
	}
	cfg := config.WithDefaults(defaultMaxIterations, 0, defaultTolerance)
	logger := cfg.Logger.Named("annealing")

	ctx, cancel := o.Reset(ctx)
	defer cancel()

	rng := optimization.NewRand(cfg.RandomSeed)
	dims := len(cfg.Bounds)
	eval := func(u []float64) (float64, error) {
		x := optimization.FromUnit(nil, u, cfg.Bounds)
		v, err := cfg.Objective(x)
		if err != nil {
			return 0, optimization.WrapError(err, "evaluating candidate").WithComponent("annealing")
		}
		if math.IsNaN(v) {
			v = math.Inf(1)
		}
		o.Observe(x, v)
		return v, nil
	}

	samples := optimization.LatinHypercube(rng, o.InitialSamples*dims, dims)
	if cfg.Initial != nil {
		optimization.ToUnit(samples[0], cfg.Initial, cfg.Bounds)
	}
	costs := make([]float64, len(samples))
	current, currentCost := samples[0], math.Inf(1)
	for i, s := range samples {
		c, err := eval(s)
		if err != nil {
			return nil, err
		}
		costs[i] = c
		if c < currentCost {
			current, currentCost = s, c
		}
	}
	t0 := initialTemperature(costs)
	o.Record(0)

	bestCost := currentCost
	best := append([]float64(nil), current...)
	current = append([]float64(nil), current...)
	candidate := make([]float64, dims)
	stall, k := 0, 1
	for iter := 1; iter <= cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		temp := t0 / float64(k)
		if temp < t0*o.RestartRatio {
			logger.Debug("reannealing", zap.Int("iteration", iter), zap.Float64("best", bestCost))
			k = 1
			temp = t0
			copy(current, best)
			currentCost = bestCost
		}
		scale := temp / t0

		improved := false
		for step := 0; step < dims; step++ {
			visit(rng, candidate, current, scale)
			c, err := eval(candidate)
			if err != nil {
				return nil, err
			}
			if accept(rng, c-currentCost, temp) {
				copy(current, candidate)
				currentCost = c
			}
			if c < bestCost {
				if bestCost-c > cfg.AbsTolerance+cfg.Tolerance*math.Abs(bestCost) {
					improved = true
				}
				bestCost = c
				copy(best, candidate)
			}
		}
		o.Record(iter)
		k++

		if improved {
			stall = 0
		} else {
			stall++
		}
		if o.StallIterations > 0 && stall >= o.StallIterations {
			return o.Result(iter, optimization.Converged, "no improvement within stall limit"), nil
		}
	}
	return o.Result(cfg.MaxIterations, optimization.IterationLimitReached, "maximum number of iterations reached"), nil
}

// initialTemperature is the spread of the finite sample costs, or 1 when
// they do not vary.
func initialTemperature(costs []float64) float64 {
	finite := costs[:0:0]
	for _, c := range costs {
		if !math.IsInf(c, 0) {
			finite = append(finite, c)
		}
	}
	if len(finite) < 2 {
		return 1
	}
	_, std := stat.PopMeanStdDev(finite, nil)
	if !(std > 0) {
		return 1
	}
	return std
}

// visit draws a Cauchy step of the given scale from x and reflects it back
// into the unit cube.
func visit(rng *rand.Rand, dst, x []float64, scale float64) {
	for i := range dst {
		v := x[i] + scale*math.Tan(math.Pi*(rng.Float64()-0.5))
		v = math.Mod(v, 2)
		if v < 0 {
			v += 2
		}
		if v > 1 {
			v = 2 - v
		}
		dst[i] = v
	}
}

// accept is the Metropolis criterion.
func accept(rng *rand.Rand, delta, temp float64) bool {
	if delta <= 0 {
		return true
	}
	if math.IsInf(delta, 1) || math.IsNaN(delta) {
		return false
	}
	return rng.Float64() < math.Exp(-delta/temp)
}
