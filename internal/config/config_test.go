package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/hpacal/internal/delay"
	hpaerrors "github.com/copyleftdev/hpacal/internal/errors"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 30*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "data", cfg.Data.Dir)
	assert.Equal(t, 3e-12, cfg.Solver.AbsTol)
	assert.Equal(t, 1e-12, cfg.Solver.RelTol)
	assert.Equal(t, 100000, cfg.Solver.MaxSteps)
	assert.Equal(t, 5, cfg.Optimization.Repetitions)
	assert.Equal(t, 1e10, cfg.Optimization.Penalty)
	assert.Equal(t, "differential_evolution", cfg.Optimization.Algorithm)
	assert.False(t, cfg.Archive.Enabled)
	assert.Empty(t, cfg.Archive.DSN)
}

func TestLoadOverrides(t *testing.T) {
	out := t.TempDir()
	cfg, err := LoadFrom(map[string]string{
		"ENV":             "production",
		"HTTP_PORT":       "9090",
		"SOLVER_RTOL":     "1e-8",
		"OPT_ALGORITHM":   "cmaes",
		"ARCHIVE_ENABLED": "true",
		"OUTPUT_DIR":      out,
	})
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 1e-8, cfg.SolverSettings().RelTol)
	assert.Equal(t, "cmaes", cfg.Optimization.Algorithm)
	assert.True(t, strings.HasPrefix(cfg.Archive.DSN, "file:"+filepath.Join(out, "hpacal.db")))
	assert.Equal(t, "info", cfg.LoggingConfig().Level)
}

func TestLoadRejects(t *testing.T) {
	tests := map[string]map[string]string{
		"port":        {"HTTP_PORT": "0"},
		"tolerance":   {"SOLVER_ATOL": "-1"},
		"repetitions": {"OPT_REPETITIONS": "0"},
		"algorithm":   {"OPT_ALGORITHM": "gradient_descent"},
		"parse":       {"OPT_PENALTY": "lots"},
	}
	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFrom(vars)
			assert.Error(t, err)
		})
	}
}

const golierJob = `
name: golier-ptsd
model: sriram2012
dataset:
  study: golier
  cohort: ptsd
  smooth: true
  rearrange: true
targets:
  - state: CORT
    biomarker: cortisol
  - state: ACTH
    biomarker: acth
cost:
  metric: sse
  interpolation: cubic
optimizer:
  algorithm: nelder_mead
  repetitions: 3
  max_iterations: 200
  seed: 7
solver:
  rtol: 1e-9
delays:
  - channel: 2
    tau: 0.5
    enabled: true
    precision: coarse
free: [k_stress, k_i]
fixed:
  V_S3: 3.5
bounds:
  k_i:
    lower: 1
    upper: 2
`

func TestParseJob(t *testing.T) {
	job, err := ParseJob(strings.NewReader(golierJob), Defaults())
	require.NoError(t, err)

	assert.Equal(t, "golier-ptsd", job.Name)
	assert.Equal(t, "golier", job.Dataset.Study)
	assert.True(t, job.Dataset.Smooth)
	require.Len(t, job.Targets, 2)
	assert.Equal(t, "acth", job.Targets[1].Biomarker)
	assert.Equal(t, 3, job.Optimizer.Repetitions)
	assert.Equal(t, int64(7), job.Optimizer.Seed)
	assert.Equal(t, 1e10, job.Cost.Penalty)

	// Unset solver fields come from the process defaults.
	assert.Equal(t, 1e-9, job.Solver.RelTol)
	assert.Equal(t, 3e-12, job.Solver.AbsTol)
	assert.Equal(t, 100000, job.Solver.MaxSteps)

	require.Len(t, job.Delays, 1)
	assert.Equal(t, delay.Coarse, job.Delays[0].Precision)
	assert.Equal(t, Bound{Lower: 1, Upper: 2}, job.Bounds["k_i"])
	assert.Equal(t, 3.5, job.Fixed["V_S3"])
	assert.Equal(t, "output", job.Output.Dir)
	assert.Equal(t, "golier-ptsd", job.Output.Prefix)
}

func TestParseJobRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "empty", yaml: ""},
		{name: "unknown key", yaml: "model: sriram2012\ndataset: {study: golier, cohort: ptsd}\ncolour: red\n"},
		{name: "unknown model", yaml: "model: lotka\ndataset: {study: golier, cohort: ptsd}\n"},
		{name: "unknown cohort", yaml: "model: sriram2012\ndataset: {study: golier, cohort: healthy}\n"},
		{name: "unknown state", yaml: "model: sriram2012\ndataset: {study: golier, cohort: ptsd}\ntargets: [{state: CRF, biomarker: acth}]\n"},
		{name: "metric", yaml: "model: sriram2012\ndataset: {study: golier, cohort: ptsd}\ncost: {metric: mae}\n"},
		{name: "algorithm", yaml: "model: sriram2012\ndataset: {study: golier, cohort: ptsd}\noptimizer: {algorithm: pso}\n"},
		{name: "negative delay", yaml: "model: sriram2012\ndataset: {study: golier, cohort: ptsd}\ndelays: [{channel: 2, tau: -1, enabled: true}]\n"},
		{name: "delay channel", yaml: "model: sriram2012\ndataset: {study: golier, cohort: ptsd}\ndelays: [{channel: 9, tau: 1}]\n"},
		{name: "precision", yaml: "model: sriram2012\ndataset: {study: golier, cohort: ptsd}\ndelays: [{channel: 1, tau: 1, precision: exact}]\n"},
		{name: "inverted bounds", yaml: "model: sriram2012\ndataset: {study: golier, cohort: ptsd}\nbounds: {k_i: {lower: 2, upper: 1}}\n"},
		{name: "unknown free", yaml: "model: sriram2012\ndataset: {study: golier, cohort: ptsd}\nfree: [k_x]\n"},
		{name: "free and fixed", yaml: "model: sriram2012\ndataset: {study: golier, cohort: ptsd}\nfree: [k_i]\nfixed: {k_i: 1}\n"},
		{name: "initial arity", yaml: "model: sriram2012\ndataset: {study: golier, cohort: ptsd}\ninitial: [1, 2]\n"},
		{name: "grid", yaml: "model: sriram2012\ndataset: {study: golier, cohort: ptsd}\ngrid: {start: 0, step: 0, end: 1}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJob(strings.NewReader(tt.yaml), Defaults())
			require.Error(t, err)
			assert.True(t, hpaerrors.IsInvalidConfig(err), "%v", err)
		})
	}
}

func TestLoadJob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: bangsgaard2017\ndataset: {study: carroll, cohort: control}\n"), 0o644))

	job, err := LoadJob(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "bangsgaard2017", job.Output.Prefix)
	assert.Equal(t, "differential_evolution", job.Optimizer.Algorithm)
	assert.Equal(t, 5, job.Optimizer.Repetitions)

	_, err = LoadJob(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestShippedJobs(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("..", "..", "jobs", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			job, err := LoadJob(path, Defaults())
			require.NoError(t, err)
			assert.NotEmpty(t, job.Free)
			assert.Equal(t, job.Name, job.Output.Prefix)
		})
	}
}
