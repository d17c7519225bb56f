package ode

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hpaerrors "github.com/copyleftdev/hpacal/internal/errors"
)

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Settings) {}},
		{name: "zero rtol", mutate: func(s *Settings) { s.RelTol = 0 }},
		{name: "zero atol", mutate: func(s *Settings) { s.AbsTol = 0 }, wantErr: true},
		{name: "nan atol", mutate: func(s *Settings) { s.AbsTol = math.NaN() }, wantErr: true},
		{name: "negative rtol", mutate: func(s *Settings) { s.RelTol = -1 }, wantErr: true},
		{name: "no steps", mutate: func(s *Settings) { s.MaxSteps = 0 }, wantErr: true},
		{name: "negative initial step", mutate: func(s *Settings) { s.InitialStep = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, hpaerrors.IsInvalidConfig(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSolverExponentialDecay(t *testing.T) {
	s, err := NewSolver(func(_ float64, y, dy []float64) {
		dy[0] = -y[0]
		dy[1] = -2 * y[1]
	}, []float64{1, 3}, 0, Settings{AbsTol: 1e-10, RelTol: 1e-9, MaxSteps: 100000})
	require.NoError(t, err)

	for _, tOut := range []float64{0.25, 0.5, 1} {
		require.NoError(t, s.Integrate(tOut))
		assert.Equal(t, tOut, s.T())
		y := s.Y()
		assert.InDelta(t, math.Exp(-tOut), y[0], 1e-5)
		assert.InDelta(t, 3*math.Exp(-2*tOut), y[1], 1e-5)
	}
	assert.Positive(t, s.Stats().Steps)
}

func TestSolverStiffProblem(t *testing.T) {
	// y' = -1000(y - cos t) - sin t has the smooth solution cos t.
	s, err := NewSolver(func(t float64, y, dy []float64) {
		dy[0] = -1000*(y[0]-math.Cos(t)) - math.Sin(t)
	}, []float64{1}, 0, Settings{AbsTol: 1e-9, RelTol: 1e-6, MaxSteps: 10000})
	require.NoError(t, err)

	require.NoError(t, s.Integrate(2))
	assert.InDelta(t, math.Cos(2), s.Y()[0], 1e-4)
	// An explicit method would need thousands of steps for stability.
	assert.Less(t, s.Stats().Steps, 2000)
}

func TestSolverZeroRightHandSideIsExact(t *testing.T) {
	y0 := []float64{2, 8.725314, 1.158798}
	s, err := NewSolver(func(_ float64, _, dy []float64) {
		for i := range dy {
			dy[i] = 0
		}
	}, y0, -0.01, DefaultSettings())
	require.NoError(t, err)

	for k := 1; k <= 200; k++ {
		require.NoError(t, s.Integrate(-0.01+float64(k)*0.01))
		require.Equal(t, y0, s.Y())
	}
}

func TestSolverIntegrate(t *testing.T) {
	s, err := NewSolver(func(_ float64, y, dy []float64) { dy[0] = -y[0] }, []float64{1}, 0, DefaultSettings())
	require.NoError(t, err)

	assert.NoError(t, s.Integrate(0))
	assert.Error(t, s.Integrate(-1))
	assert.Error(t, s.Integrate(math.NaN()))
}

func TestSolverTooManySteps(t *testing.T) {
	s, err := NewSolver(func(_ float64, y, dy []float64) { dy[0] = -y[0] }, []float64{1}, 0,
		Settings{AbsTol: 1e-12, RelTol: 1e-12, MaxSteps: 5})
	require.NoError(t, err)

	err = s.Integrate(100)
	assert.ErrorIs(t, err, ErrTooManySteps)
}

func TestSolverNonFiniteDerivative(t *testing.T) {
	s, err := NewSolver(func(_ float64, _, dy []float64) { dy[0] = math.Inf(1) }, []float64{1}, 0, DefaultSettings())
	require.NoError(t, err)
	assert.ErrorIs(t, s.Integrate(1), ErrStepFailure)
}

func TestNewSolverRejectsBadInput(t *testing.T) {
	f := func(_ float64, _, dy []float64) {}

	_, err := NewSolver(nil, []float64{1}, 0, DefaultSettings())
	assert.True(t, hpaerrors.IsInvalidConfig(err))

	_, err = NewSolver(f, nil, 0, DefaultSettings())
	assert.True(t, hpaerrors.IsInvalidConfig(err))

	_, err = NewSolver(f, []float64{math.NaN()}, 0, DefaultSettings())
	assert.True(t, hpaerrors.IsInvalidConfig(err))
}

func BenchmarkSolverStiff(b *testing.B) {
	for i := 0; i < b.N; i++ {
		s, _ := NewSolver(func(t float64, y, dy []float64) {
			dy[0] = -1000*(y[0]-math.Cos(t)) - math.Sin(t)
		}, []float64{1}, 0, DefaultSettings())
		for k := 1; k <= 100; k++ {
			_ = s.Integrate(float64(k) * 0.01)
		}
	}
}
