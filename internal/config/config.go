// Package config loads process settings from the environment and
// calibration jobs from YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/copyleftdev/hpacal/internal/calibration"
	"github.com/copyleftdev/hpacal/internal/logging"
	"github.com/copyleftdev/hpacal/internal/ode"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Data struct {
		// Dir holds the literature data files.
		Dir       string `env:"DATA_DIR" envDefault:"data"`
		OutputDir string `env:"OUTPUT_DIR" envDefault:"output"`
	}
	Archive struct {
		Enabled bool   `env:"ARCHIVE_ENABLED" envDefault:"false"`
		DSN     string `env:"ARCHIVE_DSN"`
	}
	Solver struct {
		AbsTol   float64 `env:"SOLVER_ATOL" envDefault:"3e-12"`
		RelTol   float64 `env:"SOLVER_RTOL" envDefault:"1e-12"`
		MaxSteps int     `env:"SOLVER_MAX_STEPS" envDefault:"100000"`
	}
	Optimization struct {
		// WorkerCount bounds parallel objective evaluations. Zero uses
		// GOMAXPROCS.
		WorkerCount int     `env:"OPT_WORKER_COUNT" envDefault:"0"`
		Repetitions int     `env:"OPT_REPETITIONS" envDefault:"5"`
		Penalty     float64 `env:"OPT_PENALTY" envDefault:"1e10"`
		Algorithm   string  `env:"OPT_ALGORITHM" envDefault:"differential_evolution"`
		// MaxJobs bounds the calibrations the server runs at once.
		MaxJobs int `env:"OPT_MAX_JOBS" envDefault:"2"`
	}
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return load(env.Options{})
}

// LoadFrom reads the configuration from the given variables only.
func LoadFrom(vars map[string]string) (*Config, error) {
	return load(env.Options{Environment: vars})
}

func load(opts env.Options) (*Config, error) {
	cfg := &Config{}

	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Logging.Level == "" {
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		} else {
			cfg.Logging.Level = "info"
		}
	}

	if cfg.Archive.Enabled && cfg.Archive.DSN == "" {
		if err := os.MkdirAll(cfg.Data.OutputDir, 0o755); err != nil {
			return nil, err
		}
		cfg.Archive.DSN = "file:" + filepath.Join(cfg.Data.OutputDir, "hpacal.db") + "?_pragma=busy_timeout(5000)"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the environment parser cannot.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP_PORT %d out of range", c.HTTP.Port)
	}
	if err := c.SolverSettings().Validate(); err != nil {
		return err
	}
	if c.Optimization.WorkerCount < 0 {
		return fmt.Errorf("OPT_WORKER_COUNT must not be negative, got %d", c.Optimization.WorkerCount)
	}
	if c.Optimization.Repetitions < 1 {
		return fmt.Errorf("OPT_REPETITIONS must be at least 1, got %d", c.Optimization.Repetitions)
	}
	if !(c.Optimization.Penalty > 0) {
		return fmt.Errorf("OPT_PENALTY must be positive, got %v", c.Optimization.Penalty)
	}
	if c.Optimization.MaxJobs < 1 {
		return fmt.Errorf("OPT_MAX_JOBS must be at least 1, got %d", c.Optimization.MaxJobs)
	}
	if _, err := calibration.ParseAlgorithm(c.Optimization.Algorithm); err != nil {
		return err
	}
	return nil
}

// SolverSettings returns the default integrator settings.
func (c *Config) SolverSettings() ode.Settings {
	return ode.Settings{
		AbsTol:   c.Solver.AbsTol,
		RelTol:   c.Solver.RelTol,
		MaxSteps: c.Solver.MaxSteps,
	}
}

// LoggingConfig adapts the logging section for logging.NewLogger.
func (c *Config) LoggingConfig() *logging.Config {
	return &logging.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
	}
}

// Defaults returns the configuration of an empty environment.
func Defaults() *Config {
	cfg, err := LoadFrom(map[string]string{})
	if err != nil {
		panic(fmt.Sprintf("config: defaults do not validate: %v", err))
	}
	return cfg
}
