package calibration

import (
	"strings"

	hpaerrors "github.com/copyleftdev/hpacal/internal/errors"
	"github.com/copyleftdev/hpacal/internal/optimization"
	"github.com/copyleftdev/hpacal/internal/optimization/annealing"
	"github.com/copyleftdev/hpacal/internal/optimization/bayesian"
	"github.com/copyleftdev/hpacal/internal/optimization/cmaes"
	"github.com/copyleftdev/hpacal/internal/optimization/evolution"
	"github.com/copyleftdev/hpacal/internal/optimization/simplex"
)

// Algorithm names a search method.
type Algorithm string

const (
	DifferentialEvolution Algorithm = "differential_evolution"
	CMAES                 Algorithm = "cmaes"
	NelderMead            Algorithm = "nelder_mead"
	SimulatedAnnealing    Algorithm = "simulated_annealing"
	Bayesian              Algorithm = "bayesian"
)

var factories = map[Algorithm]func() optimization.Optimizer{
	DifferentialEvolution: func() optimization.Optimizer { return evolution.New() },
	CMAES:                 func() optimization.Optimizer { return cmaes.New() },
	NelderMead:            func() optimization.Optimizer { return simplex.New() },
	SimulatedAnnealing:    func() optimization.Optimizer { return annealing.New() },
	Bayesian:              func() optimization.Optimizer { return bayesian.New() },
}

// Algorithms lists the available methods, default first.
func Algorithms() []Algorithm {
	return []Algorithm{DifferentialEvolution, CMAES, NelderMead, SimulatedAnnealing, Bayesian}
}

// ParseAlgorithm accepts an algorithm name in any case. The empty string
// selects differential evolution.
func ParseAlgorithm(s string) (Algorithm, error) {
	if s == "" {
		return DifferentialEvolution, nil
	}
	a := Algorithm(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := factories[a]; !ok {
		return "", hpaerrors.Invalidf("calibration", "parse algorithm", "unknown algorithm %q", s)
	}
	return a, nil
}

// NewOptimizer returns a fresh optimizer for a.
func NewOptimizer(a Algorithm) (optimization.Optimizer, error) {
	f, ok := factories[a]
	if !ok {
		return nil, hpaerrors.Invalidf("calibration", "new optimizer", "unknown algorithm %q", a)
	}
	return f(), nil
}
