// Package simplex wraps gonum's Nelder-Mead method, the deterministic
// alternative to the stochastic searches.
package simplex

import (
	"context"

	"gonum.org/v1/gonum/optimize"

	"github.com/copyleftdev/hpacal/internal/optimization"
)

// Optimizer runs Nelder-Mead in the unit cube spanned by the bounds, starting
// from config.Initial or the center of the box.
type Optimizer struct {
	optimization.Tracker

	Reflection  float64
	Expansion   float64
	Contraction float64
	Shrink      float64
	// SimplexSize is the edge of the initial simplex in unit coordinates.
	SimplexSize float64
}

var _ optimization.Optimizer = (*Optimizer)(nil)

// New returns an optimizer with the standard coefficients.
func New() *Optimizer {
	return &Optimizer{
		Reflection:  1.0,
		Expansion:   2.0,
		Contraction: 0.5,
		Shrink:      0.5,
		SimplexSize: 0.2,
	}
}

// Optimize minimizes config.Objective within config.Bounds.
func (o *Optimizer) Optimize(ctx context.Context, config optimization.OptimizerConfig) (*optimization.OptimizationResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg := config.WithDefaults(5000, 0, 1e-10)

	ctx, cancel := o.Reset(ctx)
	defer cancel()

	method := &optimize.NelderMead{
		Reflection:  o.Reflection,
		Expansion:   o.Expansion,
		Contraction: o.Contraction,
		Shrink:      o.Shrink,
		SimplexSize: o.SimplexSize,
	}
	res, err := optimization.Minimize(ctx, cfg, method, &o.Tracker)
	if err != nil {
		if oe, ok := optimization.IsOptimizationError(err); ok {
			return nil, oe.WithComponent("simplex")
		}
		return nil, err
	}
	return res, nil
}
