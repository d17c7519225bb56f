package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/hpacal/internal/delay"
	"github.com/copyleftdev/hpacal/internal/logging"
	"github.com/copyleftdev/hpacal/internal/model"
	"github.com/copyleftdev/hpacal/internal/ode"
	"github.com/copyleftdev/hpacal/internal/tables"
)

func simulate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	m, err := model.Lookup(args[0])
	if err != nil {
		return err
	}
	params, err := overrideParams(m, setParams)
	if err != nil {
		return err
	}

	opts := model.RunOptions{
		Settings: cfg.SolverSettings(),
		Logger:   logging.NewZapLogger(logger).Named("ode"),
	}
	flags := cmd.Flags()
	if flags.Changed("start") || flags.Changed("step") || flags.Changed("end") {
		g := m.Grid
		if flags.Changed("start") {
			g.Start = gridStart
		}
		if flags.Changed("step") {
			g.Step = gridStep
		}
		if flags.Changed("end") {
			g.End = gridEnd
		}
		opts.Grid = &g
	}
	if noDelays {
		opts.Delays = []delay.Spec{}
	}

	tr, err := m.Simulate(params, opts)
	if err != nil {
		return err
	}
	if tr.Truncated() {
		logger.Warn("integration stopped early", map[string]interface{}{
			"model":  m.Name,
			"rows":   tr.Len(),
			"reason": tr.Failure.Error(),
		})
	}

	var w io.Writer = os.Stdout
	if outFile != "" {
		f, err := os.Create(outFile)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return writeTrajectory(w, tr)
}

func writeTrajectory(w io.Writer, tr *ode.Trajectory) error {
	return tables.Write(w, tables.TrajectoryRows(tr))
}

// overrideParams returns the model defaults with the name=value pairs of set
// applied.
func overrideParams(m *model.Model, set map[string]string) ([]float64, error) {
	params := m.Defaults()
	index := make(map[string]int, len(params))
	for i, n := range m.ParameterNames() {
		index[n] = i
	}
	for name, raw := range set {
		i, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("model %s has no parameter %q", m.Name, name)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", name, err)
		}
		params[i] = v
	}
	return params, nil
}

func listModels(cmd *cobra.Command, args []string) error {
	models := model.All()
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tUNIT\tSTATES\tPARAMS\tDELAYS\tDESCRIPTION")
	for _, m := range models {
		enabled := 0
		for _, d := range m.Delays {
			if d.Enabled {
				enabled++
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			m.Name, m.TimeUnit, strings.Join(m.States, ","), len(m.Parameters), enabled, m.Description)
	}
	return w.Flush()
}
