// Package evolution implements differential evolution, the default
// population-based global search.
package evolution

import (
	"context"
	"math"
	"math/rand"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/hpacal/internal/optimization"
)

const (
	defaultMaxIterations  = 1000
	defaultPopulationSize = 15
	defaultTolerance      = 0.01
	minPopulation         = 5
)

// Optimizer is a best1bin differential evolution with dithered mutation,
// Latin hypercube initialization and deferred population updates, so every
// generation's trial vectors can be evaluated concurrently.
type Optimizer struct {
	optimization.Tracker

	// Mutation is the dither range of the differential weight, redrawn each
	// generation.
	Mutation [2]float64
	// Recombination is the crossover probability.
	Recombination float64
}

var _ optimization.Optimizer = (*Optimizer)(nil)

// New returns an optimizer with the usual settings: mutation in [0.5, 1),
// recombination 0.7.
func New() *Optimizer {
	return &Optimizer{
		Mutation:      [2]float64{0.5, 1},
		Recombination: 0.7,
	}
}

// Optimize minimizes config.Objective within config.Bounds.
func (o *Optimizer) Optimize(ctx context.Context, config optimization.OptimizerConfig) (*optimization.OptimizationResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if o.Recombination < 0 || o.Recombination > 1 || o.Mutation[0] < 0 || o.Mutation[1] < o.Mutation[0] {
		return nil, optimization.Invalidf("mutation %v or recombination %v out of range", o.Mutation, o.Recombination).WithComponent("evolution")
	}
	cfg := config.WithDefaults(defaultMaxIterations, defaultPopulationSize, defaultTolerance)
	logger := cfg.Logger.Named("evolution")

	ctx, cancel := o.Reset(ctx)
	defer cancel()

	rng := optimization.NewRand(cfg.RandomSeed)
	dims := len(cfg.Bounds)
	size := cfg.PopulationSize * dims
	if size < minPopulation {
		size = minPopulation
	}

	pop := optimization.LatinHypercube(rng, size, dims)
	if cfg.Initial != nil {
		optimization.ToUnit(pop[0], cfg.Initial, cfg.Bounds)
	}
	energies := make([]float64, size)
	if err := o.evaluate(ctx, cfg, pop, energies); err != nil {
		return nil, err
	}
	o.Record(0)

	trials := make([][]float64, size)
	for i := range trials {
		trials[i] = make([]float64, dims)
	}
	trialEnergies := make([]float64, size)

	for gen := 1; gen <= cfg.MaxIterations; gen++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		best := argmin(energies)
		f := o.Mutation[0] + rng.Float64()*(o.Mutation[1]-o.Mutation[0])
		for i := range pop {
			o.trial(rng, trials[i], pop, i, best, f)
		}
		if err := o.evaluate(ctx, cfg, trials, trialEnergies); err != nil {
			return nil, err
		}
		for i := range pop {
			if trialEnergies[i] <= energies[i] {
				copy(pop[i], trials[i])
				energies[i] = trialEnergies[i]
			}
		}
		o.Record(gen)

		mean, std := stat.PopMeanStdDev(energies, nil)
		if ce := logger.Check(zap.DebugLevel, "generation"); ce != nil {
			ce.Write(
				zap.Int("generation", gen),
				zap.Float64("best", energies[argmin(energies)]),
				zap.Float64("mean", mean),
				zap.Float64("std", std),
			)
		}
		if std <= cfg.AbsTolerance+cfg.Tolerance*math.Abs(mean) {
			return o.Result(gen, optimization.Converged, "population energies converged"), nil
		}
	}
	return o.Result(cfg.MaxIterations, optimization.IterationLimitReached, "maximum number of generations reached"), nil
}

// trial builds the best1bin trial vector for member i into dst. Components
// that leave the unit cube are redrawn uniformly.
func (o *Optimizer) trial(rng *rand.Rand, dst []float64, pop [][]float64, i, best int, f float64) {
	r0, r1 := pick2(rng, len(pop), i)
	dims := len(dst)
	fill := rng.Intn(dims)
	for j := 0; j < dims; j++ {
		if j == fill || rng.Float64() < o.Recombination {
			dst[j] = pop[best][j] + f*(pop[r0][j]-pop[r1][j])
		} else {
			dst[j] = pop[i][j]
		}
		if dst[j] < 0 || dst[j] > 1 {
			dst[j] = rng.Float64()
		}
	}
}

// evaluate scores the unit-cube points into out, using up to cfg.Workers
// goroutines. Every evaluation builds its own parameter vector.
func (o *Optimizer) evaluate(ctx context.Context, cfg optimization.OptimizerConfig, points [][]float64, out []float64) error {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range points {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			x := optimization.FromUnit(nil, points[i], cfg.Bounds)
			v, err := cfg.Objective(x)
			if err != nil {
				return optimization.WrapErrorf(err, "evaluating candidate %d", i).WithComponent("evolution")
			}
			if math.IsNaN(v) {
				v = math.Inf(1)
			}
			out[i] = v
			o.Observe(x, v)
			return nil
		})
	}
	return g.Wait()
}

// pick2 draws two distinct indices in [0, n) that differ from exclude.
func pick2(rng *rand.Rand, n, exclude int) (int, int) {
	a := rng.Intn(n - 1)
	if a >= exclude {
		a++
	}
	b := rng.Intn(n - 2)
	lo, hi := a, exclude
	if lo > hi {
		lo, hi = hi, lo
	}
	if b >= lo {
		b++
	}
	if b >= hi {
		b++
	}
	return a, b
}

func argmin(v []float64) int {
	best := 0
	for i, x := range v {
		if x < v[best] {
			best = i
		}
	}
	return best
}
