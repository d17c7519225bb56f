package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/hpacal/internal/config"
	"github.com/copyleftdev/hpacal/internal/logging"
)

var (
	// calibrate
	outDir      string
	prefix      string
	repetitions int
	seed        int64
	archiveRun  bool
	// simulate
	setParams map[string]string
	gridStart float64
	gridStep  float64
	gridEnd   float64
	noDelays  bool
	outFile   string
)

// main registers the hpacal commands and exits with status 1 when the
// selected command fails.
func main() {
	rootCmd := &cobra.Command{
		Use:           "hpacal",
		Short:         "simulate and calibrate HPA axis models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "run the calibration service",
		Args:  cobra.NoArgs,
		RunE:  serve,
	}

	calibrateCmd := &cobra.Command{
		Use:   "calibrate [job.yaml]",
		Short: "run a calibration job and write its tables",
		Args:  cobra.ExactArgs(1),
		RunE:  calibrate,
	}
	calibrateCmd.Flags().StringVar(&outDir, "out", "", "output directory (overrides the job)")
	calibrateCmd.Flags().StringVar(&prefix, "prefix", "", "output file prefix (overrides the job)")
	calibrateCmd.Flags().IntVar(&repetitions, "repetitions", 0, "number of repetitions (overrides the job)")
	calibrateCmd.Flags().Int64Var(&seed, "seed", 0, "random seed (overrides the job)")
	calibrateCmd.Flags().BoolVar(&archiveRun, "archive", false, "store the ensemble in the run archive")

	simulateCmd := &cobra.Command{
		Use:   "simulate [model]",
		Short: "integrate a model and print its trajectory",
		Args:  cobra.ExactArgs(1),
		RunE:  simulate,
	}
	simulateCmd.Flags().StringToStringVar(&setParams, "set", nil, "parameter overrides, e.g. --set a_0=0.0005,w_1=0.04")
	simulateCmd.Flags().Float64Var(&gridStart, "start", 0, "first output time")
	simulateCmd.Flags().Float64Var(&gridStep, "step", 0, "output spacing")
	simulateCmd.Flags().Float64Var(&gridEnd, "end", 0, "last output time")
	simulateCmd.Flags().BoolVar(&noDelays, "no-delays", false, "disable every delay channel")
	simulateCmd.Flags().StringVarP(&outFile, "output", "o", "", "write the table to a file instead of stdout")

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "list registered models",
		Args:  cobra.NoArgs,
		RunE:  listModels,
	}

	rootCmd.AddCommand(serveCmd, calibrateCmd, simulateCmd, modelsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads the process configuration and its logger.
func setup() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := logging.NewLogger(cfg.LoggingConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}
