// Package bayesian implements Gaussian-process Bayesian optimization. It
// spends far fewer objective evaluations than the population methods, which
// pays off when every evaluation is a full model integration.
package bayesian

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/hpacal/internal/optimization"
)

// MaxObservations caps the evaluations of one run. Fitting the surrogate
// is cubic in the number of observations.
const MaxObservations = 150

// lengthScales are the candidate kernel length scales in unit coordinates;
// the one with the highest marginal likelihood is used.
var lengthScales = []float64{0.05, 0.1, 0.2, 0.4, 0.8}

// Optimizer searches the unit cube spanned by the bounds. It evaluates a
// Latin hypercube design of PopulationSize*len(Bounds) points, then one
// point per iteration at the maximum of the expected improvement. A run
// converges when the best expected improvement drops below Tolerance.
type Optimizer struct {
	optimization.Tracker

	// NoiseVar is added to the kernel diagonal.
	NoiseVar float64
	// Xi is the exploration margin of the expected improvement.
	Xi float64
	// Candidates is the number of random points scored before the local
	// search of the acquisition function.
	Candidates int
	// Starts is the number of best candidates refined with Nelder-Mead.
	Starts int
	// RefitEvery reselects the kernel length scale every that many
	// iterations.
	RefitEvery int
}

var _ optimization.Optimizer = (*Optimizer)(nil)

// New returns an optimizer with the default settings.
func New() *Optimizer {
	return &Optimizer{
		NoiseVar:   1e-6,
		Xi:         0.01,
		Candidates: 500,
		Starts:     3,
		RefitEvery: 5,
	}
}

type observation struct {
	u     []float64
	value float64
}

// Optimize minimizes config.Objective within config.Bounds.
func (o *Optimizer) Optimize(ctx context.Context, config optimization.OptimizerConfig) (*optimization.OptimizationResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg := config.WithDefaults(50, 2, 1e-6)
	logger := cfg.Logger.Named("bayesian")
	if o.Candidates < 1 {
		o.Candidates = 1
	}
	if o.RefitEvery < 1 {
		o.RefitEvery = 1
	}

	ctx, cancel := o.Reset(ctx)
	defer cancel()

	dims := len(cfg.Bounds)
	rng := optimization.NewRand(cfg.RandomSeed)

	n0 := cfg.PopulationSize * dims
	if n0 < 3 {
		n0 = 3
	}
	if n0 > MaxObservations {
		n0 = MaxObservations
	}
	design := optimization.LatinHypercube(rng, n0, dims)
	if cfg.Initial != nil {
		design[0] = optimization.ToUnit(nil, cfg.Initial, cfg.Bounds)
	}
	values := make([]float64, n0)
	if err := o.evaluate(ctx, cfg, design, values); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	obs := make([]observation, n0)
	for i := range design {
		obs[i] = observation{u: design[i], value: values[i]}
	}
	o.Record(0)

	iterations := cfg.MaxIterations
	if limit := MaxObservations - n0; iterations > limit {
		iterations = limit
	}

	status := optimization.IterationLimitReached
	message := "iteration limit reached"
	lengthScale := lengthScales[2]
	it := 0
	for it < iterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		x, y := surrogateData(obs)
		if it%o.RefitEvery == 0 {
			lengthScale = selectLengthScale(x, y, o.NoiseVar, lengthScale)
		}
		kernel, err := NewMatern52(lengthScale, 1)
		if err != nil {
			return nil, optimization.WrapError(err, "building kernel").WithComponent("bayesian")
		}
		gp := NewGP(kernel, o.NoiseVar, logger)
		if err := gp.Fit(x, y); err != nil {
			return nil, optimization.WrapError(err, "fitting surrogate").WithComponent("bayesian")
		}

		best := argmin(y)
		acq := ExpectedImprovement{Best: y[best], Xi: o.Xi}
		next, ei := o.propose(gp, acq, rng, dims, x[best])
		if ei < cfg.Tolerance {
			status = optimization.Converged
			message = "expected improvement below tolerance"
			break
		}

		v := make([]float64, 1)
		if err := o.evaluate(ctx, cfg, [][]float64{next}, v); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		obs = append(obs, observation{u: next, value: v[0]})
		it++
		o.Record(it)

		logger.Debug("iteration",
			zap.Int("iteration", it),
			zap.Float64("expected_improvement", ei),
			zap.Float64("length_scale", lengthScale),
			zap.Float64("value", v[0]),
		)
	}

	return o.Result(it, status, message), nil
}

// surrogateData transforms the observations into the training set of the
// surrogate. Values are shifted to start at zero, scaled by their median,
// compressed with log1p and capped at the upper Tukey fence, so penalty
// values do not swamp the fit, then standardized. Non-finite values count
// as the worst finite one.
func surrogateData(obs []observation) ([][]float64, []float64) {
	x := make([][]float64, len(obs))
	y := make([]float64, len(obs))

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, ob := range obs {
		if !math.IsInf(ob.value, 0) && !math.IsNaN(ob.value) {
			lo = math.Min(lo, ob.value)
			hi = math.Max(hi, ob.value)
		}
	}
	if math.IsInf(lo, 1) {
		lo, hi = 0, 0
	}
	for i, ob := range obs {
		x[i] = ob.u
		v := ob.value
		if math.IsInf(v, 0) || math.IsNaN(v) {
			v = hi
		}
		y[i] = v - lo
	}

	sorted := append([]float64(nil), y...)
	sort.Float64s(sorted)
	scale := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	if !(scale > 0) {
		scale = 1
	}
	for i := range y {
		y[i] = math.Log1p(y[i] / scale)
		sorted[i] = math.Log1p(sorted[i] / scale)
	}
	q1 := stat.Quantile(0.25, stat.Empirical, sorted, nil)
	q3 := stat.Quantile(0.75, stat.Empirical, sorted, nil)
	if fence := q3 + 1.5*(q3-q1); fence > 0 {
		for i := range y {
			y[i] = math.Min(y[i], fence)
		}
	}

	mean, std := stat.MeanStdDev(y, nil)
	if !(std > 0) {
		std = 1
	}
	for i := range y {
		y[i] = (y[i] - mean) / std
	}
	return x, y
}

// selectLengthScale returns the candidate length scale with the highest
// marginal likelihood, or fallback if no fit succeeds.
func selectLengthScale(x [][]float64, y []float64, noise, fallback float64) float64 {
	best, bestLML := fallback, math.Inf(-1)
	for _, l := range lengthScales {
		kernel, err := NewMatern52(l, 1)
		if err != nil {
			continue
		}
		gp := NewGP(kernel, noise, nil)
		if err := gp.Fit(x, y); err != nil {
			continue
		}
		if lml := gp.LogMarginalLikelihood(); lml > bestLML {
			best, bestLML = l, lml
		}
	}
	return best
}

// propose maximizes the acquisition function: it scores random candidates
// plus perturbations of incumbent, then refines the best few with
// Nelder-Mead. It returns the winner and its expected improvement.
func (o *Optimizer) propose(gp *GP, acq ExpectedImprovement, rng *rand.Rand, dims int, incumbent []float64) ([]float64, float64) {
	score := func(u []float64) float64 {
		mu, variance, err := gp.Predict(u)
		if err != nil {
			return 0
		}
		return acq.Compute(mu, math.Sqrt(variance))
	}

	type scored struct {
		u  []float64
		ei float64
	}
	cands := make([]scored, 0, o.Candidates+dims)
	for i := 0; i < o.Candidates; i++ {
		u := make([]float64, dims)
		local := i%4 == 0
		for j := range u {
			if local {
				u[j] = clamp01(incumbent[j] + 0.05*rng.NormFloat64())
			} else {
				u[j] = rng.Float64()
			}
		}
		cands = append(cands, scored{u: u, ei: score(u)})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].ei > cands[j].ei })

	best := cands[0]
	problem := optimize.Problem{
		Func: func(u []float64) float64 {
			c := make([]float64, len(u))
			for i, v := range u {
				c[i] = clamp01(v)
			}
			return -score(c)
		},
	}
	settings := &optimize.Settings{
		MajorIterations: 100,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Relative:   1e-8,
			Iterations: 20,
		},
	}
	for s := 0; s < o.Starts && s < len(cands); s++ {
		method := &optimize.NelderMead{SimplexSize: 0.05}
		res, err := optimize.Minimize(problem, cands[s].u, settings, method)
		if err != nil || res == nil {
			continue
		}
		u := make([]float64, dims)
		for i, v := range res.X {
			u[i] = clamp01(v)
		}
		if ei := score(u); ei > best.ei {
			best = scored{u: u, ei: ei}
		}
	}
	return best.u, best.ei
}

// evaluate scores the unit-cube points into out, using up to cfg.Workers
// goroutines.
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
				return optimization.WrapErrorf(err, "evaluating point %d", i).WithComponent("bayesian")
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

func argmin(v []float64) int {
	best := 0
	for i, x := range v {
		if x < v[best] {
			best = i
		}
	}
	return best
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(v, 1))
}
