package optimization

import (
	"context"
	"math"
	"sync"

	"gonum.org/v1/gonum/optimize"
)

// boundaryWeight scales the penalty on points proposed outside the unit cube.
const boundaryWeight = 1e3

// Minimize runs a gonum method on the unit cube, mapped onto cfg.Bounds.
// Points the method proposes outside the cube are clamped before the
// objective sees them, so every evaluated parameter vector is in bounds.
// The method itself sees the clamped value plus a penalty growing with the
// squared distance from the cube, so the region outside has no plateaus.
// Evaluations and major iterations are reported to t.
func Minimize(ctx context.Context, cfg OptimizerConfig, method optimize.Method, t *Tracker) (*OptimizationResult, error) {
	dims := len(cfg.Bounds)
	x0 := make([]float64, dims)
	if cfg.Initial != nil {
		ToUnit(x0, cfg.Initial, cfg.Bounds)
	} else {
		for i := range x0 {
			x0[i] = 0.5
		}
	}

	var (
		mu     sync.Mutex
		objErr error
	)
	problem := optimize.Problem{
		Func: func(u []float64) float64 {
			x := make([]float64, dims)
			outside := clampUnit(x, u)
			FromUnit(x, x, cfg.Bounds)
			v, err := cfg.Objective(x)
			if err != nil {
				mu.Lock()
				if objErr == nil {
					objErr = err
				}
				mu.Unlock()
				return math.Inf(1)
			}
			if math.IsNaN(v) {
				v = math.Inf(1)
			}
			t.Observe(x, v)
			return boundaryPenalty(v, outside)
		},
		Status: func() (optimize.Status, error) {
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			mu.Lock()
			defer mu.Unlock()
			if objErr != nil {
				return optimize.Failure, objErr
			}
			return optimize.NotTerminated, nil
		},
	}

	settings := &optimize.Settings{
		MajorIterations: cfg.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   cfg.AbsTolerance,
			Relative:   cfg.Tolerance,
			Iterations: 100,
		},
		Recorder: iterationRecorder{t},
	}
	if cfg.Workers > 1 {
		settings.Concurrent = cfg.Workers
	}

	result, err := optimize.Minimize(problem, x0, settings, method)
	mu.Lock()
	fatal := objErr
	mu.Unlock()
	switch {
	case fatal != nil:
		return nil, WrapError(fatal, "evaluating objective")
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil:
		return nil, WrapError(err, "minimizing")
	}

	status := IterationLimitReached
	switch result.Status {
	case optimize.Success, optimize.MethodConverge, optimize.FunctionConvergence, optimize.FunctionThreshold,
		optimize.GradientThreshold, optimize.StepConvergence:
		status = Converged
	}
	return t.Result(result.Stats.MajorIterations, status, result.Status.String()), nil
}

// clampUnit writes u clamped onto the unit cube into dst and returns the
// squared distance between the two.
func clampUnit(dst, u []float64) float64 {
	d2 := 0.0
	for i, v := range u {
		c := math.Max(0, math.Min(v, 1))
		d := v - c
		d2 += d * d
		dst[i] = c
	}
	return d2
}

// boundaryPenalty adds the out-of-cube penalty to the value v of the clamped
// point. The penalty is relative to |v| so it matters at any cost scale.
func boundaryPenalty(v, outside float64) float64 {
	if outside == 0 || math.IsInf(v, 0) {
		return v
	}
	return v + boundaryWeight*(1+math.Abs(v))*outside
}

type iterationRecorder struct {
	t *Tracker
}

func (iterationRecorder) Init() error { return nil }

func (r iterationRecorder) Record(_ *optimize.Location, op optimize.Operation, stats *optimize.Stats) error {
	if op == optimize.MajorIteration {
		r.t.Record(stats.MajorIterations)
	}
	return nil
}
