package cost

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	hpaerrors "github.com/copyleftdev/hpacal/internal/errors"
	"github.com/copyleftdev/hpacal/internal/ode"
)

// sampledTrajectory tabulates f on [0, end] with the given step for two state
// variables: f and 10*f.
func sampledTrajectory(f func(float64) float64, end, step float64) *ode.Trajectory {
	tr := &ode.Trajectory{}
	n := int(math.Round(end / step))
	for k := 0; k <= n; k++ {
		x := float64(k) * step
		tr.Times = append(tr.Times, x)
		tr.States = append(tr.States, []float64{f(x), 10 * f(x)})
	}
	return tr
}

func reference(f func(float64) float64, times ...float64) []float64 {
	out := make([]float64, len(times))
	for i, x := range times {
		out[i] = f(x)
	}
	return out
}

func TestScoreIdenticalSeriesIsZero(t *testing.T) {
	f := func(x float64) float64 { return 2 + math.Sin(x) }
	tr := sampledTrajectory(f, 10, 0.01)
	times := []float64{0, 1, 2, 3.5, 7, 10}

	for _, metric := range []Metric{SumSquared, MaxAbsolute} {
		for _, in := range []Interpolation{Linear, Cubic} {
			t.Run(metric.String()+"/"+in.String(), func(t *testing.T) {
				e, err := NewEvaluator([]Target{
					{Name: "a", Index: 0, Times: times, Values: reference(f, times...)},
				}, Options{Metric: metric, Interpolation: in}, zaptest.NewLogger(t))
				require.NoError(t, err)

				c, err := e.Score(tr)
				require.NoError(t, err)
				assert.InDelta(t, 0, c, 1e-12)
			})
		}
	}
}

func TestScoreIsIdempotent(t *testing.T) {
	tr := sampledTrajectory(func(x float64) float64 { return 1 + x*x }, 5, 0.05)
	times := []float64{0.3, 1.7, 2.2, 4.9}
	e, err := NewEvaluator([]Target{
		{Name: "cortisol", Index: 0, Times: times, Values: []float64{1, 4, 6, 20}},
		{Name: "acth", Index: 1, Times: times, Values: []float64{15, 30, 55, 260}},
	}, Options{}, nil)
	require.NoError(t, err)

	a, err := e.Score(tr)
	require.NoError(t, err)
	b, err := e.Score(tr)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Positive(t, a)
}

func TestScoreMetrics(t *testing.T) {
	// Simulation is 2 in state 0 and 20 in state 1.
	tr := sampledTrajectory(func(float64) float64 { return 2 }, 4, 0.5)
	targets := []Target{
		{Name: "a", Index: 0, Times: []float64{1, 3}, Values: []float64{1, 1}},
		{Name: "b", Index: 1, Times: []float64{1, 3}, Values: []float64{10, 30}},
	}

	sse, err := NewEvaluator(targets, Options{Metric: SumSquared}, nil)
	require.NoError(t, err)
	c, err := sse.Score(tr)
	require.NoError(t, err)
	// a: residuals 1, 1 -> 2. b: mean 20, sim 20/20 = 1, refs 0.5 and 1.5 -> 0.5.
	assert.InDelta(t, (2+0.5)/2, c, 1e-12)

	worst, err := NewEvaluator(targets, Options{Metric: MaxAbsolute}, nil)
	require.NoError(t, err)
	c, err = worst.Score(tr)
	require.NoError(t, err)
	assert.InDelta(t, 1, c, 1e-12)
}

func TestLinearInterpolationBetweenRows(t *testing.T) {
	tr := &ode.Trajectory{
		Times:  []float64{0, 1, 2},
		States: [][]float64{{0}, {2}, {4}},
	}
	e, err := NewEvaluator([]Target{{Name: "a", Index: 0, Times: []float64{0.5, 1.5}, Values: []float64{1, 3}}}, Options{}, nil)
	require.NoError(t, err)
	c, err := e.Score(tr)
	require.NoError(t, err)
	assert.InDelta(t, 0, c, 1e-15)
}

func TestTruncatedTrajectoryGetsPenalty(t *testing.T) {
	tr := sampledTrajectory(func(x float64) float64 { return 1 + x }, 3, 0.01)
	tr.Failure = ode.ErrStepFailure
	e, err := NewEvaluator([]Target{
		{Name: "a", Index: 0, Times: []float64{0, 2, 4}, Values: []float64{1, 3, 5}},
	}, Options{Penalty: 1e6}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = e.Score(tr)
	assert.ErrorIs(t, err, ErrUnscorable)

	c, err := e.Cost(tr)
	require.NoError(t, err)
	assert.Equal(t, 1e6, c)
}

func TestTruncatedTrajectoryCoveringReferenceIsScored(t *testing.T) {
	tr := sampledTrajectory(func(x float64) float64 { return 1 + x }, 3, 0.01)
	tr.Failure = ode.ErrStepFailure
	e, err := NewEvaluator([]Target{
		{Name: "a", Index: 0, Times: []float64{0, 2}, Values: []float64{1, 3}},
	}, Options{}, nil)
	require.NoError(t, err)

	c, err := e.Cost(tr)
	require.NoError(t, err)
	assert.InDelta(t, 0, c, 1e-12)
}

func TestNonFiniteTrajectoryGetsPenalty(t *testing.T) {
	tr := sampledTrajectory(func(x float64) float64 { return math.NaN() }, 1, 0.1)
	e, err := NewEvaluator([]Target{{Name: "a", Index: 0, Times: []float64{0.5}, Values: []float64{1}}}, Options{}, nil)
	require.NoError(t, err)

	c, err := e.Cost(tr)
	require.NoError(t, err)
	assert.Equal(t, DefaultPenalty, c)
	assert.Equal(t, DefaultPenalty, e.Penalty())

	c, err = e.Cost(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPenalty, c)
}

func TestScoreRejectsMissingState(t *testing.T) {
	tr := sampledTrajectory(func(x float64) float64 { return 1 }, 1, 0.1)
	e, err := NewEvaluator([]Target{{Name: "gr", Index: 3, Times: []float64{0.5}, Values: []float64{1}}}, Options{}, nil)
	require.NoError(t, err)

	_, err = e.Cost(tr)
	require.Error(t, err)
	assert.True(t, hpaerrors.IsInvalidConfig(err))
}

func TestNewEvaluatorValidation(t *testing.T) {
	ok := Target{Name: "a", Index: 0, Times: []float64{1}, Values: []float64{1}}
	tests := []struct {
		name    string
		targets []Target
		opts    Options
	}{
		{name: "no targets"},
		{name: "length mismatch", targets: []Target{{Name: "a", Times: []float64{1, 2}, Values: []float64{1}}}},
		{name: "empty series", targets: []Target{{Name: "a"}}},
		{name: "zero mean", targets: []Target{{Name: "a", Times: []float64{1, 2}, Values: []float64{-1, 1}}}},
		{name: "nan sample", targets: []Target{{Name: "a", Times: []float64{1}, Values: []float64{math.NaN()}}}},
		{name: "negative index", targets: []Target{{Name: "a", Index: -1, Times: []float64{1}, Values: []float64{1}}}},
		{name: "negative penalty", targets: []Target{ok}, opts: Options{Penalty: -1}},
		{name: "infinite penalty", targets: []Target{ok}, opts: Options{Penalty: math.Inf(1)}},
		{name: "unknown metric", targets: []Target{ok}, opts: Options{Metric: Metric(7)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEvaluator(tt.targets, tt.opts, nil)
			require.Error(t, err)
			assert.True(t, hpaerrors.IsInvalidConfig(err))
		})
	}
}

func TestParse(t *testing.T) {
	m, err := ParseMetric("MAX")
	require.NoError(t, err)
	assert.Equal(t, MaxAbsolute, m)
	m, err = ParseMetric("")
	require.NoError(t, err)
	assert.Equal(t, SumSquared, m)
	_, err = ParseMetric("l1")
	assert.Error(t, err)

	in, err := ParseInterpolation("cubic")
	require.NoError(t, err)
	assert.Equal(t, Cubic, in)
	_, err = ParseInterpolation("spline")
	assert.Error(t, err)
}
