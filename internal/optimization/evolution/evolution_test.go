package evolution

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hpaerrors "github.com/copyleftdev/hpacal/internal/errors"
	"github.com/copyleftdev/hpacal/internal/optimization"
)

func TestRecoversQuadraticMinimum(t *testing.T) {
	center := []float64{1.5, -0.25, 3}
	tests := []struct {
		name    string
		workers int
	}{
		{name: "serial", workers: 1},
		{name: "parallel", workers: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := New()
			res, err := o.Optimize(context.Background(), optimization.OptimizerConfig{
				Objective:     optimization.ShiftedQuadratic(center),
				Bounds:        [][2]float64{{-5, 5}, {-1, 1}, {0, 10}},
				MaxIterations: 400,
				Tolerance:     1e-12,
				RandomSeed:    7,
				Workers:       tt.workers,
			})
			require.NoError(t, err)
			require.NotNil(t, res.BestSolution)
			for i, c := range center {
				assert.InDelta(t, c, res.BestSolution.Parameters[i], 1e-3, "parameter %d", i)
			}
			assert.Less(t, res.BestSolution.Value, 1e-6)
			assert.Equal(t, res.BestSolution, o.GetBestSolution())
			assert.Equal(t, res.Iterations+1, len(o.GetHistory()))
		})
	}
}

func TestSolutionsStayInBounds(t *testing.T) {
	bounds := [][2]float64{{2, 3}, {-1, -0.5}}
	var outside atomic.Int32
	o := New()
	_, err := o.Optimize(context.Background(), optimization.OptimizerConfig{
		Objective: func(x []float64) (float64, error) {
			for i, v := range x {
				if v < bounds[i][0] || v > bounds[i][1] {
					outside.Add(1)
				}
			}
			// Minimum lies outside the box, pushing trials against the bounds.
			return optimization.Sphere(x)
		},
		Bounds:        bounds,
		MaxIterations: 50,
		RandomSeed:    3,
	})
	require.NoError(t, err)
	assert.Zero(t, outside.Load())
	best := o.GetBestSolution()
	assert.InDelta(t, 2, best.Parameters[0], 1e-2)
	assert.InDelta(t, -0.5, best.Parameters[1], 1e-2)
}

func TestDeterministicForSeed(t *testing.T) {
	run := func() *optimization.Solution {
		o := New()
		res, err := o.Optimize(context.Background(), optimization.OptimizerConfig{
			Objective:     optimization.Rosenbrock,
			Bounds:        [][2]float64{{-2, 2}, {-2, 2}},
			MaxIterations: 30,
			RandomSeed:    99,
		})
		require.NoError(t, err)
		return res.BestSolution
	}
	assert.Equal(t, run(), run())
}

func TestConvergesOnFlatObjective(t *testing.T) {
	o := New()
	res, err := o.Optimize(context.Background(), optimization.OptimizerConfig{
		Objective:  func([]float64) (float64, error) { return 1, nil },
		Bounds:     [][2]float64{{0, 1}},
		RandomSeed: 1,
	})
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Equal(t, optimization.Converged, res.Status)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 30, res.Evaluations)
}

func TestObjectiveErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	o := New()
	_, err := o.Optimize(context.Background(), optimization.OptimizerConfig{
		Objective:  func([]float64) (float64, error) { return 0, boom },
		Bounds:     [][2]float64{{0, 1}},
		RandomSeed: 1,
	})
	assert.ErrorIs(t, err, boom)
}

func TestCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	o := New()
	_, err := o.Optimize(ctx, optimization.OptimizerConfig{
		Objective: func(x []float64) (float64, error) {
			calls++
			if calls == 20 {
				cancel()
			}
			return optimization.Sphere(x)
		},
		Bounds:     [][2]float64{{-1, 1}, {-1, 1}},
		RandomSeed: 1,
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInvalidConfig(t *testing.T) {
	o := New()
	_, err := o.Optimize(context.Background(), optimization.OptimizerConfig{
		Objective: optimization.Sphere,
		Bounds:    [][2]float64{{1, 0}},
	})
	assert.True(t, hpaerrors.IsInvalidConfig(err))

	o.Recombination = 2
	_, err = o.Optimize(context.Background(), optimization.OptimizerConfig{
		Objective: optimization.Sphere,
		Bounds:    [][2]float64{{0, 1}},
	})
	assert.True(t, hpaerrors.IsInvalidConfig(err))
}

func TestPick2(t *testing.T) {
	rng := optimization.NewRand(5)
	for i := 0; i < 1000; i++ {
		exclude := i % 5
		a, b := pick2(rng, 5, exclude)
		assert.NotEqual(t, a, b)
		assert.NotEqual(t, exclude, a)
		assert.NotEqual(t, exclude, b)
		assert.True(t, a >= 0 && a < 5 && b >= 0 && b < 5)
	}
}

func BenchmarkRosenbrock(b *testing.B) {
	for i := 0; i < b.N; i++ {
		o := New()
		_, _ = o.Optimize(context.Background(), optimization.OptimizerConfig{
			Objective:     optimization.Rosenbrock,
			Bounds:        [][2]float64{{-2, 2}, {-2, 2}, {-2, 2}},
			MaxIterations: 100,
			RandomSeed:    int64(i + 1),
		})
	}
}
