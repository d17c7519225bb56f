// Package cmaes adapts gonum's covariance matrix adaptation evolution
// strategy to bounded calibration problems.
package cmaes

import (
	"context"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/optimize"

	"github.com/copyleftdev/hpacal/internal/optimization"
)

// Optimizer runs CMA-ES in the unit cube spanned by the bounds.
type Optimizer struct {
	optimization.Tracker

	// StepSize is the initial standard deviation in unit-cube coordinates.
	StepSize float64
}

var _ optimization.Optimizer = (*Optimizer)(nil)

// New returns an optimizer with an initial step of 0.3.
func New() *Optimizer {
	return &Optimizer{StepSize: 0.3}
}

// Optimize minimizes config.Objective within config.Bounds. PopulationSize,
// when set, is the number of samples per generation.
func (o *Optimizer) Optimize(ctx context.Context, config optimization.OptimizerConfig) (*optimization.OptimizationResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg := config.WithDefaults(1000, 0, 1e-8)

	ctx, cancel := o.Reset(ctx)
	defer cancel()

	seed := uint64(cfg.RandomSeed)
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	method := &optimize.CmaEsChol{
		InitStepSize: o.StepSize,
		Population:   cfg.PopulationSize,
		Src:          rand.NewPCG(seed, seed^0x9e3779b97f4a7c15),
	}
	res, err := optimization.Minimize(ctx, cfg, method, &o.Tracker)
	if err != nil {
		if oe, ok := optimization.IsOptimizationError(err); ok {
			return nil, oe.WithComponent("cmaes")
		}
		return nil, err
	}
	return res, nil
}
