// Package optimization defines the bounded, derivative-free minimizers used
// to calibrate model parameters and the pieces they share.
package optimization

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Optimizer defines the interface for optimization algorithms
type Optimizer interface {
	// Optimize runs the optimization process
	Optimize(ctx context.Context, config OptimizerConfig) (*OptimizationResult, error)

	// GetBestSolution returns the best solution found so far
	GetBestSolution() *Solution

	// GetHistory returns the best solution after each iteration
	GetHistory() []Evaluation

	// Stop gracefully stops the optimization process
	Stop()
}

// OptimizerConfig contains configuration for the optimizer
type OptimizerConfig struct {
	// Objective function to minimize
	Objective ObjectiveFunction

	// Bounds for each dimension [min, max]
	Bounds [][2]float64

	// Maximum number of iterations (generations for population methods)
	MaxIterations int

	// PopulationSize is a multiplier: the population holds
	// PopulationSize*len(Bounds) members.
	PopulationSize int

	// Tolerance is the relative convergence tolerance.
	Tolerance float64

	// AbsTolerance is the absolute convergence tolerance.
	AbsTolerance float64

	// Workers bounds concurrent objective evaluations. Values below 2
	// evaluate serially.
	Workers int

	// Initial is an optional starting point inside the bounds.
	Initial []float64

	// Random seed for reproducibility. Zero seeds from the clock.
	RandomSeed int64

	Logger *zap.Logger
}

// ObjectiveFunction defines the function to be minimized. An error aborts the
// optimization.
type ObjectiveFunction func([]float64) (float64, error)

// Solution represents a solution in the optimization space
type Solution struct {
	Parameters []float64 `json:"parameters"`
	Value      float64   `json:"value"`
}

// Evaluation represents a single evaluation of the objective function
type Evaluation struct {
	Iteration int       `json:"iteration"`
	Solution  *Solution `json:"solution"`
	Error     error     `json:"-"`
}

// Status is the reason an optimization run ended.
type Status int

const (
	// Converged means the algorithm's own convergence test passed.
	Converged Status = iota
	// IterationLimitReached means MaxIterations ran out first.
	IterationLimitReached
)

func (s Status) String() string {
	switch s {
	case Converged:
		return "converged"
	case IterationLimitReached:
		return "iteration_limit"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// OptimizationResult contains the result of an optimization run
type OptimizationResult struct {
	BestSolution *Solution
	History      []Evaluation
	Iterations   int
	Evaluations  int
	Converged    bool
	Status       Status
	Message      string
}

// Validate checks the parts of the config every algorithm relies on.
func (c OptimizerConfig) Validate() error {
	if c.Objective == nil {
		return Invalidf("objective function is nil")
	}
	if err := ValidateBounds(c.Bounds); err != nil {
		return err
	}
	if c.MaxIterations < 0 || c.PopulationSize < 0 || c.Workers < 0 {
		return Invalidf("negative iteration, population or worker count")
	}
	if c.Tolerance < 0 || c.AbsTolerance < 0 {
		return Invalidf("negative tolerance")
	}
	if c.Initial != nil {
		if len(c.Initial) != len(c.Bounds) {
			return Invalidf("initial point has %d values for %d bounds", len(c.Initial), len(c.Bounds))
		}
		for i, x := range c.Initial {
			if x < c.Bounds[i][0] || x > c.Bounds[i][1] {
				return Invalidf("initial value %d = %v outside [%v, %v]", i, x, c.Bounds[i][0], c.Bounds[i][1])
			}
		}
	}
	return nil
}

// WithDefaults fills zero fields with the given defaults.
func (c OptimizerConfig) WithDefaults(maxIter, popSize int, tol float64) OptimizerConfig {
	if c.MaxIterations == 0 {
		c.MaxIterations = maxIter
	}
	if c.PopulationSize == 0 {
		c.PopulationSize = popSize
	}
	if c.Tolerance == 0 {
		c.Tolerance = tol
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}
