// Package pipeline resolves a calibration job against the model registry and
// the data directory, and turns the result into tables and archive entries.
package pipeline

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/copyleftdev/hpacal/internal/archive"
	"github.com/copyleftdev/hpacal/internal/calibration"
	"github.com/copyleftdev/hpacal/internal/config"
	"github.com/copyleftdev/hpacal/internal/cost"
	"github.com/copyleftdev/hpacal/internal/dataset"
	hpaerrors "github.com/copyleftdev/hpacal/internal/errors"
	"github.com/copyleftdev/hpacal/internal/model"
	"github.com/copyleftdev/hpacal/internal/ode"
	"github.com/copyleftdev/hpacal/internal/tables"
)

// defaultStates maps each biomarker to the state it is compared with when a
// job lists no targets.
var defaultStates = map[dataset.Biomarker]string{
	dataset.Cortisol: "CORT",
	dataset.ACTH:     "ACTH",
}

// Calibration is a validated job bound to a model and its reference data.
type Calibration struct {
	Job     *config.Job
	Model   *model.Model
	Targets []cost.Target
	Problem calibration.Problem

	free   []int
	base   []float64
	run    model.RunOptions
	logger *zap.Logger
}

// Prepare loads the reference series and builds the problem. Every error is
// a configuration error; nothing is integrated.
func Prepare(job *config.Job, provider *dataset.Provider, logger *zap.Logger) (*Calibration, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	m, err := model.Lookup(job.Model)
	if err != nil {
		return nil, err
	}

	c := &Calibration{Job: job, Model: m, logger: logger}
	if c.Targets, err = loadTargets(job, m, provider); err != nil {
		return nil, err
	}
	c.base = m.Defaults()
	names := m.ParameterNames()
	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}
	for n, v := range job.Fixed {
		c.base[index[n]] = v
	}
	if len(job.Free) == 0 {
		for i := range names {
			c.free = append(c.free, i)
		}
	} else {
		for _, n := range job.Free {
			c.free = append(c.free, index[n])
		}
	}

	all := m.Bounds()
	bounds := make([][2]float64, len(c.free))
	freeNames := make([]string, len(c.free))
	for k, i := range c.free {
		bounds[k] = all[i]
		if b, ok := job.Bounds[names[i]]; ok {
			bounds[k] = [2]float64{b.Lower, b.Upper}
		}
		freeNames[k] = names[i]
	}

	penalty := job.Cost.Penalty
	metric, _ := cost.ParseMetric(job.Cost.Metric)
	interp, _ := cost.ParseInterpolation(job.Cost.Interpolation)
	evaluator, err := cost.NewEvaluator(c.Targets, cost.Options{
		Metric:        metric,
		Interpolation: interp,
		Penalty:       penalty,
	}, logger.Named("cost"))
	if err != nil {
		return nil, err
	}

	c.run = model.RunOptions{
		Settings: job.Solver,
		Initial:  job.Initial,
		Grid:     job.Grid,
		Delays:   job.Delays,
		Logger:   logger.Named("ode"),
	}
	c.Problem = calibration.Problem{
		Simulate:  c.Simulate,
		Evaluator: evaluator,
		Bounds:    bounds,
		Names:     freeNames,
	}
	return c, nil
}

func loadTargets(job *config.Job, m *model.Model, provider *dataset.Provider) ([]cost.Target, error) {
	unit, err := dataset.ParseUnit(m.TimeUnit)
	if err != nil {
		return nil, err
	}
	specs := job.Targets
	if len(specs) == 0 {
		study, err := dataset.LookupStudy(job.Dataset.Study)
		if err != nil {
			return nil, err
		}
		cohort, err := study.Cohort(job.Dataset.Cohort)
		if err != nil {
			return nil, err
		}
		var markers []dataset.Biomarker
		for b := range cohort.Series {
			markers = append(markers, b)
		}
		// cortisol sorts before acth
		sort.Slice(markers, func(i, j int) bool { return markers[i] > markers[j] })
		for _, b := range markers {
			if _, err := m.StateIndex(defaultStates[b]); err == nil {
				specs = append(specs, config.TargetSpec{State: defaultStates[b], Biomarker: string(b)})
			}
		}
		if len(specs) == 0 {
			return nil, hpaerrors.Invalidf("pipeline", "targets", "%s has no state matching the biomarkers of %s/%s", m.Name, study.Name, cohort.Name)
		}
	}

	opts := dataset.LoadOptions{Rearrange: job.Dataset.Rearrange, Smooth: job.Dataset.Smooth, Unit: unit}
	targets := make([]cost.Target, 0, len(specs))
	for _, spec := range specs {
		idx, err := m.StateIndex(spec.State)
		if err != nil {
			return nil, err
		}
		b, err := dataset.ParseBiomarker(spec.Biomarker)
		if err != nil {
			return nil, err
		}
		s, err := provider.Load(job.Dataset.Study, job.Dataset.Cohort, b, opts)
		if err != nil {
			return nil, err
		}
		targets = append(targets, cost.Target{Name: s.Name, Index: idx, Times: s.Times, Values: s.Values})
	}
	return targets, nil
}

// Expand places the free values into the full parameter vector.
func (c *Calibration) Expand(free []float64) []float64 {
	p := append([]float64(nil), c.base...)
	for k, i := range c.free {
		p[i] = free[k]
	}
	return p
}

// Simulate integrates the model with the free parameters set to x. It is
// safe for concurrent use.
func (c *Calibration) Simulate(x []float64) (*ode.Trajectory, error) {
	if len(x) != len(c.free) {
		return nil, hpaerrors.Invalidf("pipeline", "simulate", "expected %d free parameters, got %d", len(c.free), len(x))
	}
	return c.Model.Simulate(c.Expand(x), c.run)
}

// Options translates the optimizer section of the job.
func (c *Calibration) Options(hooks calibration.Hooks) calibration.Options {
	o := c.Job.Optimizer
	alg, _ := calibration.ParseAlgorithm(o.Algorithm)
	return calibration.Options{
		Repetitions:    o.Repetitions,
		Algorithm:      alg,
		PopulationSize: o.PopulationSize,
		MaxIterations:  o.MaxIterations,
		Tolerance:      o.Tolerance,
		Seed:           o.Seed,
		Workers:        o.Workers,
		Logger:         c.logger,
		Hooks:          hooks,
	}
}

// NewDriver returns a driver for the calibration.
func (c *Calibration) NewDriver(hooks calibration.Hooks) (*calibration.Driver, error) {
	return calibration.NewDriver(c.Problem, c.Options(hooks))
}

// Run prepares and runs a driver in one call.
func (c *Calibration) Run(ctx context.Context, hooks calibration.Hooks) (*calibration.Ensemble, error) {
	d, err := c.NewDriver(hooks)
	if err != nil {
		return nil, err
	}
	return d.Run(ctx)
}

// Export writes the ensemble tables into the job's output directory.
func (c *Calibration) Export(ens *calibration.Ensemble) ([]string, error) {
	return tables.Export(c.Job.Output.Dir, c.Job.Output.Prefix, ens, c.Model.States)
}

// Entry describes the ensemble for the archive.
func (c *Calibration) Entry(id string, ens *calibration.Ensemble) archive.Entry {
	return archive.Entry{
		ID:        id,
		Job:       c.Job.Name,
		Model:     c.Model.Name,
		Study:     c.Job.Dataset.Study,
		Cohort:    c.Job.Dataset.Cohort,
		Algorithm: string(ens.Algorithm),
		Ensemble:  ens,
	}
}
