package simplex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/hpacal/internal/optimization"
)

func TestRecoversQuadraticMinimum(t *testing.T) {
	center := []float64{1, 2.5}
	o := New()
	res, err := o.Optimize(context.Background(), optimization.OptimizerConfig{
		Objective: optimization.ShiftedQuadratic(center),
		Bounds:    [][2]float64{{-4, 4}, {0, 5}},
	})
	require.NoError(t, err)
	for i, c := range center {
		assert.InDelta(t, c, res.BestSolution.Parameters[i], 1e-3, "parameter %d", i)
	}
}

func TestClampsToBounds(t *testing.T) {
	var outside int
	bounds := [][2]float64{{1, 2}, {1, 2}}
	o := New()
	res, err := o.Optimize(context.Background(), optimization.OptimizerConfig{
		Objective: func(x []float64) (float64, error) {
			for i, v := range x {
				if v < bounds[i][0] || v > bounds[i][1] {
					outside++
				}
			}
			return optimization.Sphere(x)
		},
		Bounds:  bounds,
		Initial: []float64{1.9, 1.9},
	})
	require.NoError(t, err)
	assert.Zero(t, outside)
	assert.InDelta(t, 2.0, res.BestSolution.Value, 1e-6)
}

func TestStartsFromInitialPoint(t *testing.T) {
	o := New()
	res, err := o.Optimize(context.Background(), optimization.OptimizerConfig{
		Objective:     optimization.Sphere,
		Bounds:        [][2]float64{{-1, 1}},
		Initial:       []float64{0},
		MaxIterations: 1,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0, res.BestSolution.Value, 1e-12)
}
