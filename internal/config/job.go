package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/hpacal/internal/calibration"
	"github.com/copyleftdev/hpacal/internal/cost"
	"github.com/copyleftdev/hpacal/internal/dataset"
	"github.com/copyleftdev/hpacal/internal/delay"
	hpaerrors "github.com/copyleftdev/hpacal/internal/errors"
	"github.com/copyleftdev/hpacal/internal/model"
	"github.com/copyleftdev/hpacal/internal/ode"
)

// Job describes one calibration: which model to fit to which cohort, how to
// score it and how to search.
type Job struct {
	Name      string        `yaml:"name" json:"name"`
	Model     string        `yaml:"model" json:"model"`
	Dataset   DatasetSpec   `yaml:"dataset" json:"dataset"`
	Targets   []TargetSpec  `yaml:"targets,omitempty" json:"targets,omitempty"`
	Cost      CostSpec      `yaml:"cost" json:"cost"`
	Optimizer OptimizerSpec `yaml:"optimizer" json:"optimizer"`
	Solver    ode.Settings  `yaml:"solver" json:"solver"`
	// Grid, Initial and Delays override the model's own when set.
	Grid    *ode.Grid    `yaml:"grid,omitempty" json:"grid,omitempty"`
	Initial []float64    `yaml:"initial,omitempty" json:"initial,omitempty"`
	Delays  []delay.Spec `yaml:"delays,omitempty" json:"delays,omitempty"`
	// Free lists the parameters to calibrate. Empty means all of them; the
	// rest are held at Fixed or their defaults.
	Free   []string           `yaml:"free,omitempty" json:"free,omitempty"`
	Fixed  map[string]float64 `yaml:"fixed,omitempty" json:"fixed,omitempty"`
	Bounds map[string]Bound   `yaml:"bounds,omitempty" json:"bounds,omitempty"`
	Output OutputSpec         `yaml:"output" json:"output"`
}

// DatasetSpec selects the reference cohort.
type DatasetSpec struct {
	Study     string `yaml:"study" json:"study"`
	Cohort    string `yaml:"cohort" json:"cohort"`
	Smooth    bool   `yaml:"smooth" json:"smooth"`
	Rearrange bool   `yaml:"rearrange" json:"rearrange"`
}

// TargetSpec pairs a model state with a biomarker of the cohort.
type TargetSpec struct {
	State     string `yaml:"state" json:"state"`
	Biomarker string `yaml:"biomarker" json:"biomarker"`
}

type CostSpec struct {
	Metric        string  `yaml:"metric" json:"metric"`
	Interpolation string  `yaml:"interpolation" json:"interpolation"`
	Penalty       float64 `yaml:"penalty" json:"penalty"`
}

type OptimizerSpec struct {
	Algorithm      string  `yaml:"algorithm" json:"algorithm"`
	Repetitions    int     `yaml:"repetitions" json:"repetitions"`
	PopulationSize int     `yaml:"population_size" json:"population_size"`
	MaxIterations  int     `yaml:"max_iterations" json:"max_iterations"`
	Tolerance      float64 `yaml:"tolerance" json:"tolerance"`
	Seed           int64   `yaml:"seed" json:"seed"`
	Workers        int     `yaml:"workers" json:"workers"`
}

// Bound overrides a parameter's search interval.
type Bound struct {
	Lower float64 `yaml:"lower" json:"lower"`
	Upper float64 `yaml:"upper" json:"upper"`
}

type OutputSpec struct {
	Dir    string `yaml:"dir" json:"dir"`
	Prefix string `yaml:"prefix" json:"prefix"`
	// Archive stores the ensemble in the run archive when one is configured.
	Archive bool `yaml:"archive" json:"archive"`
}

// LoadJob reads a job file, fills defaults from cfg and validates it.
func LoadJob(path string, cfg *Config) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file %s: %w", path, err)
	}
	job, err := ParseJob(bytes.NewReader(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("job file %s: %w", path, err)
	}
	return job, nil
}

// ParseJob decodes a YAML job. Unknown keys are rejected.
func ParseJob(r io.Reader, cfg *Config) (*Job, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	job := &Job{}
	if err := dec.Decode(job); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, hpaerrors.Invalidf("config", "parse job", "job is empty")
		}
		return nil, hpaerrors.Wrap(hpaerrors.ErrInvalidConfig, err.Error()).WithComponent("config").WithOperation("parse job")
	}
	job.ApplyDefaults(cfg)
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

// ApplyDefaults fills unset fields from the process configuration.
func (j *Job) ApplyDefaults(cfg *Config) {
	if cfg == nil {
		cfg = Defaults()
	}
	if j.Optimizer.Algorithm == "" {
		j.Optimizer.Algorithm = cfg.Optimization.Algorithm
	}
	if j.Optimizer.Repetitions == 0 {
		j.Optimizer.Repetitions = cfg.Optimization.Repetitions
	}
	if j.Optimizer.Workers == 0 {
		j.Optimizer.Workers = cfg.Optimization.WorkerCount
	}
	if j.Cost.Penalty == 0 {
		j.Cost.Penalty = cfg.Optimization.Penalty
	}
	def := cfg.SolverSettings()
	if j.Solver.AbsTol == 0 {
		j.Solver.AbsTol = def.AbsTol
	}
	if j.Solver.RelTol == 0 {
		j.Solver.RelTol = def.RelTol
	}
	if j.Solver.MaxSteps == 0 {
		j.Solver.MaxSteps = def.MaxSteps
	}
	if j.Output.Dir == "" {
		j.Output.Dir = cfg.Data.OutputDir
	}
	if j.Output.Prefix == "" {
		j.Output.Prefix = j.Name
	}
	if j.Output.Prefix == "" {
		j.Output.Prefix = j.Model
	}
}

// Validate checks the job without touching the data directory.
func (j *Job) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return hpaerrors.Invalidf("config", "validate job", format, args...)
	}

	m, err := model.Lookup(j.Model)
	if err != nil {
		return err
	}
	study, err := dataset.LookupStudy(j.Dataset.Study)
	if err != nil {
		return err
	}
	if _, err := study.Cohort(j.Dataset.Cohort); err != nil {
		return err
	}
	for _, t := range j.Targets {
		if _, err := m.StateIndex(t.State); err != nil {
			return err
		}
		if _, err := dataset.ParseBiomarker(t.Biomarker); err != nil {
			return err
		}
	}
	if _, err := cost.ParseMetric(j.Cost.Metric); err != nil {
		return err
	}
	if _, err := cost.ParseInterpolation(j.Cost.Interpolation); err != nil {
		return err
	}
	if !(j.Cost.Penalty > 0) || math.IsInf(j.Cost.Penalty, 0) {
		return invalid("penalty must be positive and finite, got %v", j.Cost.Penalty)
	}
	if _, err := calibration.ParseAlgorithm(j.Optimizer.Algorithm); err != nil {
		return err
	}
	switch {
	case j.Optimizer.Repetitions < 1:
		return invalid("repetitions must be at least 1, got %d", j.Optimizer.Repetitions)
	case j.Optimizer.PopulationSize < 0:
		return invalid("population_size must not be negative, got %d", j.Optimizer.PopulationSize)
	case j.Optimizer.MaxIterations < 0:
		return invalid("max_iterations must not be negative, got %d", j.Optimizer.MaxIterations)
	case j.Optimizer.Tolerance < 0:
		return invalid("tolerance must not be negative, got %v", j.Optimizer.Tolerance)
	case j.Optimizer.Workers < 0:
		return invalid("workers must not be negative, got %d", j.Optimizer.Workers)
	}
	if err := j.Solver.Validate(); err != nil {
		return err
	}
	if j.Grid != nil {
		if err := j.Grid.Validate(); err != nil {
			return err
		}
	}
	if j.Initial != nil && len(j.Initial) != len(m.States) {
		return invalid("initial condition has %d values, %s has %d states", len(j.Initial), m.Name, len(m.States))
	}
	for _, d := range j.Delays {
		if err := d.Validate(len(m.States)); err != nil {
			return invalid("%v", err)
		}
	}

	known := make(map[string]bool, len(m.Parameters))
	for _, p := range m.Parameters {
		known[p.Name] = true
	}
	seen := make(map[string]bool, len(j.Free))
	for _, name := range j.Free {
		if !known[name] {
			return invalid("%s has no parameter %q", m.Name, name)
		}
		if seen[name] {
			return invalid("parameter %q listed twice in free", name)
		}
		seen[name] = true
	}
	for name, v := range j.Fixed {
		if !known[name] {
			return invalid("%s has no parameter %q", m.Name, name)
		}
		if seen[name] {
			return invalid("parameter %q is both free and fixed", name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return invalid("fixed value of %s is not finite", name)
		}
	}
	if len(j.Free) == 0 && len(j.Fixed) > 0 {
		return invalid("fixed parameters need an explicit free list")
	}
	for name, b := range j.Bounds {
		if !known[name] {
			return invalid("%s has no parameter %q", m.Name, name)
		}
		if !(b.Lower <= b.Upper) || math.IsInf(b.Lower, 0) || math.IsInf(b.Upper, 0) {
			return invalid("bounds of %s must satisfy lower <= upper, got [%v, %v]", name, b.Lower, b.Upper)
		}
	}
	return nil
}
