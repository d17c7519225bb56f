package tables

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/hpacal/internal/calibration"
	"github.com/copyleftdev/hpacal/internal/ode"
)

func TestRead(t *testing.T) {
	in := "# time value\n0 1.5\n\n  30\t2e-1  \n60 -3\n"
	rows, err := Read(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0, 1.5}, {30, 0.2}, {60, -3}}, rows)
	assert.Equal(t, [][]float64{{0, 30, 60}, {1.5, 0.2, -3}}, Columns(rows))
}

func TestReadErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "not a number", in: "0 1\n1 x\n", want: "line 2 column 2"},
		{name: "ragged", in: "0 1\n1 2 3\n", want: "3 columns, expected 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(strings.NewReader(tt.in))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWriteFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, [][]float64{{1, -0.5}, {1e-12, 3}}))
	assert.Equal(t,
		"1.000000000000000000e+00 -5.000000000000000000e-01\n"+
			"9.999999999999999799e-13 3.000000000000000000e+00\n",
		buf.String())
}

func TestWriteReadExact(t *testing.T) {
	rows := [][]float64{{math.Pi, 1.0 / 3, 8.725314}, {-1e-300, 6.839e12, 0}}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, rows))
	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, rows, got)
}

func records() []calibration.RunRecord {
	tr := func(v float64) *ode.Trajectory {
		return &ode.Trajectory{
			Times:  []float64{0, 1, 2},
			States: [][]float64{{v, 10 * v}, {v + 1, 10 * v}, {v + 2, 10 * v}},
		}
	}
	short := tr(5)
	short.Times, short.States = short.Times[:2], short.States[:2]
	return []calibration.RunRecord{
		{Repetition: 0, Status: calibration.Converged, Cost: 0.5, Parameters: []float64{1, 2}, Trajectory: tr(1)},
		{Repetition: 1, Status: calibration.Failed},
		{Repetition: 2, Status: calibration.IterationLimitReached, Cost: 0.25, Parameters: []float64{3, 4}, Trajectory: short},
	}
}

func TestParameterRows(t *testing.T) {
	rows := ParameterRows(records())
	assert.Equal(t, [][]float64{{0.5, 1, 2}, {0.25, 3, 4}}, rows)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, rows))
	costs, params, err := ReadParameters(&buf)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 0.25}, costs)
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, params)
}

func TestEnsembleRows(t *testing.T) {
	rows := EnsembleRows(records(), 0)
	assert.Equal(t, [][]float64{{0, 1, 5}, {1, 2, 6}}, rows)
	assert.Nil(t, EnsembleRows(nil, 0))
}

func TestSummaryRoundTrip(t *testing.T) {
	s := calibration.Summary{Mean: []float64{2, 3}, Std: []float64{1, 0}}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, SummaryRows(s)))
	mean, std, err := ReadSummary(&buf)
	require.NoError(t, err)
	assert.Equal(t, s.Mean, mean)
	assert.Equal(t, s.Std, std)
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	ens := &calibration.Ensemble{
		Records: records(),
		Summary: calibration.Summarize(records(), 2),
	}
	paths, err := Export(filepath.Join(dir, "out"), "yehuda-control", ens, []string{"CRH", "ACTH"})
	require.NoError(t, err)

	var names []string
	for _, p := range paths {
		names = append(names, filepath.Base(p))
	}
	assert.Equal(t, []string{
		"yehuda-control-params.txt",
		"yehuda-control-summary.txt",
		"yehuda-control-run-0.txt",
		"yehuda-control-run-2.txt",
		"yehuda-control-CRH.txt",
		"yehuda-control-ACTH.txt",
	}, names)

	run, err := ReadFile(paths[2])
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3, 10}, run[2])

	raw, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(raw), "\n"))
}
