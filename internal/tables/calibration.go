package tables

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/copyleftdev/hpacal/internal/calibration"
	"github.com/copyleftdev/hpacal/internal/ode"
)

// ParameterRows returns one row per successful repetition: the cost in
// column 0 followed by the optimized parameters.
func ParameterRows(records []calibration.RunRecord) [][]float64 {
	var rows [][]float64
	for _, r := range records {
		if r.Status == calibration.Failed {
			continue
		}
		row := make([]float64, 0, len(r.Parameters)+1)
		row = append(row, r.Cost)
		row = append(row, r.Parameters...)
		rows = append(rows, row)
	}
	return rows
}

// ReadParameters parses a table written from ParameterRows.
func ReadParameters(r io.Reader) (costs []float64, params [][]float64, err error) {
	rows, err := Read(r)
	if err != nil {
		return nil, nil, err
	}
	for i, row := range rows {
		if len(row) < 2 {
			return nil, nil, fmt.Errorf("row %d: need a cost and at least one parameter", i)
		}
		costs = append(costs, row[0])
		params = append(params, append([]float64(nil), row[1:]...))
	}
	return costs, params, nil
}

// TrajectoryRows returns the trajectory with time in column 0.
func TrajectoryRows(tr *ode.Trajectory) [][]float64 {
	rows := make([][]float64, tr.Len())
	for k, t := range tr.Times {
		row := make([]float64, 0, tr.Dim()+1)
		row = append(row, t)
		row = append(row, tr.States[k]...)
		rows[k] = row
	}
	return rows
}

// EnsembleRows lays out state variable i of every successful repetition
// side by side: time in column 0, then one column per run. Rows stop at
// the shortest trajectory.
func EnsembleRows(records []calibration.RunRecord, i int) [][]float64 {
	var trs []*ode.Trajectory
	n := -1
	for _, r := range records {
		if r.Status == calibration.Failed || r.Trajectory == nil {
			continue
		}
		trs = append(trs, r.Trajectory)
		if n < 0 || r.Trajectory.Len() < n {
			n = r.Trajectory.Len()
		}
	}
	if len(trs) == 0 {
		return nil
	}
	rows := make([][]float64, n)
	for k := range rows {
		row := make([]float64, 0, len(trs)+1)
		row = append(row, trs[0].Times[k])
		for _, tr := range trs {
			row = append(row, tr.States[k][i])
		}
		rows[k] = row
	}
	return rows
}

// SummaryRows returns one row per parameter: mean, standard deviation.
func SummaryRows(s calibration.Summary) [][]float64 {
	rows := make([][]float64, len(s.Mean))
	for i := range s.Mean {
		rows[i] = []float64{s.Mean[i], s.Std[i]}
	}
	return rows
}

// ReadSummary parses a table written from SummaryRows.
func ReadSummary(r io.Reader) (mean, std []float64, err error) {
	rows, err := Read(r)
	if err != nil {
		return nil, nil, err
	}
	for i, row := range rows {
		if len(row) != 2 {
			return nil, nil, fmt.Errorf("row %d: %d columns, expected mean and std", i, len(row))
		}
		mean = append(mean, row[0])
		std = append(std, row[1])
	}
	return mean, std, nil
}

// Export writes the tables of an ensemble into dir and returns the paths:
//
//	<prefix>-params.txt        cost and parameters per run
//	<prefix>-summary.txt       mean and std per parameter
//	<prefix>-run-<r>.txt       trajectory of run r
//	<prefix>-<state>.txt       state across runs
func Export(dir, prefix string, ens *calibration.Ensemble, states []string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var paths []string
	write := func(name string, rows [][]float64) error {
		p := filepath.Join(dir, prefix+"-"+name+".txt")
		if err := WriteFile(p, rows); err != nil {
			return err
		}
		paths = append(paths, p)
		return nil
	}

	if err := write("params", ParameterRows(ens.Records)); err != nil {
		return paths, err
	}
	if err := write("summary", SummaryRows(ens.Summary)); err != nil {
		return paths, err
	}
	for _, r := range ens.Records {
		if r.Status == calibration.Failed || r.Trajectory == nil {
			continue
		}
		if err := write(fmt.Sprintf("run-%d", r.Repetition), TrajectoryRows(r.Trajectory)); err != nil {
			return paths, err
		}
	}
	for i, s := range states {
		rows := EnsembleRows(ens.Records, i)
		if rows == nil {
			break
		}
		if err := write(s, rows); err != nil {
			return paths, err
		}
	}
	return paths, nil
}
