package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/copyleftdev/hpacal/internal/archive"
	"github.com/copyleftdev/hpacal/internal/calibration"
	"github.com/copyleftdev/hpacal/internal/config"
	"github.com/copyleftdev/hpacal/internal/dataset"
	"github.com/copyleftdev/hpacal/internal/logging"
	"github.com/copyleftdev/hpacal/internal/pipeline"
)

func calibrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	job, err := config.LoadJob(args[0], cfg)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("out") {
		job.Output.Dir = outDir
	}
	if flags.Changed("prefix") {
		job.Output.Prefix = prefix
	}
	if flags.Changed("repetitions") {
		job.Optimizer.Repetitions = repetitions
	}
	if flags.Changed("seed") {
		job.Optimizer.Seed = seed
	}
	if archiveRun {
		job.Output.Archive = true
	}
	if err := job.Validate(); err != nil {
		return err
	}

	c, err := pipeline.Prepare(job, dataset.NewProvider(cfg.Data.Dir), logging.NewZapLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hooks := calibration.Hooks{
		Finished: func(rec calibration.RunRecord) {
			logger.Info("repetition finished", map[string]interface{}{
				"repetition":  rec.Repetition,
				"status":      rec.Status.String(),
				"cost":        rec.Cost,
				"evaluations": rec.Evaluations,
				"duration":    rec.Duration.String(),
			})
		},
	}

	ens, err := c.Run(ctx, hooks)
	if err != nil {
		return err
	}
	paths, err := c.Export(ens)
	if err != nil {
		return fmt.Errorf("failed to write tables: %w", err)
	}

	if job.Output.Archive {
		if !cfg.Archive.Enabled {
			return fmt.Errorf("job asks for archiving but ARCHIVE_ENABLED is not set")
		}
		id, err := saveEntry(ctx, cfg, c, ens)
		if err != nil {
			return err
		}
		logger.Info("ensemble archived", map[string]interface{}{"id": id})
	}

	printSummary(c, ens, paths)
	return nil
}

func saveEntry(ctx context.Context, cfg *config.Config, c *pipeline.Calibration, ens *calibration.Ensemble) (string, error) {
	store := archive.NewStore(cfg.Archive.DSN)
	if err := store.Init(ctx); err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer store.Close()

	id := uuid.NewString()
	if err := store.Save(ctx, c.Entry(id, ens)); err != nil {
		return "", err
	}
	return id, nil
}

func printSummary(c *pipeline.Calibration, ens *calibration.Ensemble, paths []string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "model\t%s\n", c.Model.Name)
	fmt.Fprintf(w, "algorithm\t%s\n", ens.Algorithm)
	fmt.Fprintf(w, "runs\t%d of %d\n", ens.Summary.Runs, len(ens.Records))
	fmt.Fprintf(w, "cost\t%.6g ± %.3g\n", ens.Summary.CostMean, ens.Summary.CostStd)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "PARAMETER\tMEAN\tSTD")
	for i, name := range ens.Parameters {
		if i >= len(ens.Summary.Mean) {
			break
		}
		fmt.Fprintf(w, "%s\t%.6g\t%.3g\n", name, ens.Summary.Mean[i], ens.Summary.Std[i])
	}
	w.Flush()

	if len(paths) > 0 {
		fmt.Printf("\nwrote %d tables:\n  %s\n", len(paths), strings.Join(paths, "\n  "))
	}
}
