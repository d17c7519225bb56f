package calibration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/copyleftdev/hpacal/internal/cost"
	hpaerrors "github.com/copyleftdev/hpacal/internal/errors"
	"github.com/copyleftdev/hpacal/internal/ode"
)

// constantProblem holds every state at its parameter value. Scoring it
// against constant references is a convex quadratic in the parameters with
// its minimum at the reference levels.
func constantProblem(t *testing.T, levels []float64, bounds [][2]float64) Problem {
	t.Helper()
	var targets []cost.Target
	for i, l := range levels {
		targets = append(targets, cost.Target{
			Index:  i,
			Times:  []float64{0, 0.5, 1},
			Values: []float64{l, l, l},
		})
	}
	ev, err := cost.NewEvaluator(targets, cost.Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return Problem{
		Simulate: func(p []float64) (*ode.Trajectory, error) {
			row := append([]float64(nil), p...)
			return &ode.Trajectory{
				Times:  []float64{0, 1},
				States: [][]float64{row, row},
			}, nil
		},
		Evaluator: ev,
		Bounds:    bounds,
	}
}

func TestSingleRepetitionRecoversQuadraticMinimum(t *testing.T) {
	levels := []float64{2, 0.5, 7}
	p := constantProblem(t, levels, [][2]float64{{0.1, 5}, {0.1, 5}, {1, 10}})
	d, err := NewDriver(p, Options{
		Repetitions:   1,
		MaxIterations: 500,
		Tolerance:     1e-12,
		Seed:          42,
		Logger:        zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	ens, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, ens.Records, 1)
	rec := ens.Records[0]
	assert.NotEqual(t, Failed, rec.Status)
	for i, l := range levels {
		assert.InDelta(t, l, rec.Parameters[i], 1e-3, "parameter %d", i)
		assert.InDelta(t, l, ens.Summary.Mean[i], 1e-3)
		assert.Zero(t, ens.Summary.Std[i])
	}
	assert.Less(t, rec.Cost, 1e-6)
	require.NotNil(t, rec.Trajectory)
	assert.Equal(t, rec.Parameters, rec.Trajectory.States[0])
	assert.Equal(t, Done, d.State())
	assert.Equal(t, DifferentialEvolution, ens.Algorithm)
}

func TestRepetitionsFollowStateMachine(t *testing.T) {
	p := constantProblem(t, []float64{1}, [][2]float64{{0, 2}})
	var (
		mu          sync.Mutex
		transitions [][2]State
	)
	d, err := NewDriver(p, Options{
		Repetitions:   3,
		MaxIterations: 5,
		Seed:          1,
		Hooks: Hooks{Transition: func(_ int, from, to State) {
			mu.Lock()
			transitions = append(transitions, [2]State{from, to})
			mu.Unlock()
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, Idle, d.State())

	ens, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, ens.Records, 3)

	require.Len(t, transitions, 3*3+1)
	for rep := 0; rep < 3; rep++ {
		step := transitions[3*rep : 3*rep+3]
		assert.Equal(t, [2]State{Idle, Running}, step[0])
		assert.Equal(t, Running, step[1][0])
		assert.True(t, step[1][1].Terminal())
		assert.NotEqual(t, Failed, step[1][1])
		assert.Equal(t, Idle, step[2][1])
	}
	assert.Equal(t, [2]State{Idle, Done}, transitions[9])
	assert.Equal(t, 3, ens.Summary.Runs)
}

func TestFailedRepetitionIsExcludedFromSummary(t *testing.T) {
	p := constantProblem(t, []float64{1}, [][2]float64{{0, 2}})
	simulate := p.Simulate
	var calls atomic.Int64
	p.Simulate = func(x []float64) (*ode.Trajectory, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("solver exploded")
		}
		return simulate(x)
	}
	var finished []RunRecord
	d, err := NewDriver(p, Options{
		Repetitions:   2,
		MaxIterations: 20,
		Seed:          3,
		Hooks:         Hooks{Finished: func(r RunRecord) { finished = append(finished, r) }},
	})
	require.NoError(t, err)

	ens, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, ens.Records, 2)
	assert.Equal(t, Failed, ens.Records[0].Status)
	assert.Contains(t, ens.Records[0].Message, "solver exploded")
	assert.NotEqual(t, Failed, ens.Records[1].Status)
	assert.Len(t, ens.Successful(), 1)
	assert.Equal(t, 1, ens.Summary.Runs)
	assert.Equal(t, ens.Records[1].Parameters[0], ens.Summary.Mean[0])
	assert.Len(t, finished, 2)
	assert.Equal(t, Done, d.State())
}

func TestAllFailed(t *testing.T) {
	p := constantProblem(t, []float64{1}, [][2]float64{{0, 2}})
	p.Simulate = func([]float64) (*ode.Trajectory, error) { return nil, errors.New("no") }
	d, err := NewDriver(p, Options{Repetitions: 2, Seed: 1})
	require.NoError(t, err)

	ens, err := d.Run(context.Background())
	assert.ErrorIs(t, err, ErrAllFailed)
	require.NotNil(t, ens)
	assert.Len(t, ens.Records, 2)
	assert.Zero(t, ens.Summary.Runs)
}

func TestInvalidConfigDuringRunAborts(t *testing.T) {
	p := constantProblem(t, []float64{1}, [][2]float64{{0, 2}})
	p.Simulate = func([]float64) (*ode.Trajectory, error) {
		return nil, hpaerrors.Invalidf("model", "simulate", "bad initial condition")
	}
	d, err := NewDriver(p, Options{Repetitions: 3, Seed: 1})
	require.NoError(t, err)

	ens, err := d.Run(context.Background())
	assert.True(t, hpaerrors.IsInvalidConfig(err))
	assert.Len(t, ens.Records, 1)
	assert.Equal(t, Idle, d.State())
}

func TestUnscorableCandidatesArePenalized(t *testing.T) {
	p := constantProblem(t, []float64{1}, [][2]float64{{0, 2}})
	simulate := p.Simulate
	// Candidates above 1.5 end before the last reference sample.
	p.Simulate = func(x []float64) (*ode.Trajectory, error) {
		tr, err := simulate(x)
		if x[0] > 1.5 {
			tr.Times[1] = 0.75
			tr.Failure = ode.ErrStepFailure
		}
		return tr, err
	}
	var (
		penalized  atomic.Int64
		truncated  atomic.Int64
		maxPenalty atomic.Bool
	)
	d, err := NewDriver(p, Options{
		Repetitions:   1,
		MaxIterations: 50,
		Seed:          9,
		Hooks: Hooks{Evaluated: func(e Evaluation) {
			if e.Unscorable {
				penalized.Add(1)
				if e.Cost == cost.DefaultPenalty {
					maxPenalty.Store(true)
				}
			}
			if e.Truncated {
				truncated.Add(1)
			}
		}},
	})
	require.NoError(t, err)

	ens, err := d.Run(context.Background())
	require.NoError(t, err)
	rec := ens.Records[0]
	assert.Positive(t, rec.Unscorable)
	assert.Equal(t, int64(rec.Unscorable), penalized.Load())
	assert.Equal(t, penalized.Load(), truncated.Load())
	assert.True(t, maxPenalty.Load())
	assert.InDelta(t, 1, rec.Parameters[0], 1e-2)
}

func TestNewDriverValidation(t *testing.T) {
	good := constantProblem(t, []float64{1}, [][2]float64{{0, 2}})
	tests := []struct {
		name   string
		modify func(*Problem, *Options)
	}{
		{name: "nil simulate", modify: func(p *Problem, _ *Options) { p.Simulate = nil }},
		{name: "nil evaluator", modify: func(p *Problem, _ *Options) { p.Evaluator = nil }},
		{name: "inverted bounds", modify: func(p *Problem, _ *Options) { p.Bounds = [][2]float64{{2, 0}} }},
		{name: "no bounds", modify: func(p *Problem, _ *Options) { p.Bounds = nil }},
		{name: "names mismatch", modify: func(p *Problem, _ *Options) { p.Names = []string{"a", "b"} }},
		{name: "negative repetitions", modify: func(_ *Problem, o *Options) { o.Repetitions = -1 }},
		{name: "unknown algorithm", modify: func(_ *Problem, o *Options) { o.Algorithm = "genetic" }},
		{name: "negative tolerance", modify: func(_ *Problem, o *Options) { o.Tolerance = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, o := good, Options{}
			tt.modify(&p, &o)
			_, err := NewDriver(p, o)
			assert.True(t, hpaerrors.IsInvalidConfig(err), "got %v", err)
		})
	}
}

func TestEveryAlgorithmCalibrates(t *testing.T) {
	for _, a := range Algorithms() {
		t.Run(string(a), func(t *testing.T) {
			p := constantProblem(t, []float64{1.25, 3}, [][2]float64{{0, 2}, {1, 5}})
			d, err := NewDriver(p, Options{
				Algorithm:     a,
				Repetitions:   2,
				MaxIterations: 2000,
				Seed:          5,
			})
			require.NoError(t, err)
			ens, err := d.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 2, ens.Summary.Runs)
			assert.InDelta(t, 1.25, ens.Summary.Mean[0], 0.05)
			assert.InDelta(t, 3, ens.Summary.Mean[1], 0.1)
		})
	}
}

func TestCancelledRun(t *testing.T) {
	p := constantProblem(t, []float64{1}, [][2]float64{{0, 2}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, err := NewDriver(p, Options{Repetitions: 2})
	require.NoError(t, err)
	_, err = d.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, DifferentialEvolution, a)

	a, err = ParseAlgorithm(" Nelder_Mead ")
	require.NoError(t, err)
	assert.Equal(t, NelderMead, a)

	_, err = ParseAlgorithm("basinhopping")
	assert.True(t, hpaerrors.IsInvalidConfig(err))

	for _, a := range Algorithms() {
		o, err := NewOptimizer(a)
		require.NoError(t, err)
		assert.NotNil(t, o)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "iteration_limit", IterationLimitReached.String())
	assert.Equal(t, "State(42)", State(42).String())

	var s State
	require.NoError(t, s.UnmarshalJSON([]byte(`"failed"`)))
	assert.Equal(t, Failed, s)
	b, err := Done.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(b))
}

func TestSummarize(t *testing.T) {
	s := Summarize([]RunRecord{
		{Status: Converged, Cost: 1, Parameters: []float64{1, 10}},
		{Status: IterationLimitReached, Cost: 3, Parameters: []float64{3, 10}},
		{Status: Failed, Cost: 100, Parameters: []float64{50, 50}},
	}, 2)
	assert.Equal(t, 2, s.Runs)
	assert.Equal(t, []float64{2, 10}, s.Mean)
	assert.InDelta(t, 1, s.Std[0], 1e-12)
	assert.InDelta(t, 0, s.Std[1], 1e-12)
	assert.Equal(t, 2.0, s.CostMean)
	assert.InDelta(t, 1, s.CostStd, 1e-12)
}
