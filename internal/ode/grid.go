package ode

import (
	"math"

	hpaerrors "github.com/copyleftdev/hpacal/internal/errors"
)

// gridEpsilon keeps a span that is an exact multiple of the step, up to
// rounding, from gaining an extra row.
const gridEpsilon = 1e-6

// Grid is a uniform reporting grid. Row k lies at Start + k*Step for
// k = 0..Rows()-1; the last row is the first one at or beyond End.
type Grid struct {
	Start float64 `json:"start" yaml:"start"`
	Step  float64 `json:"step" yaml:"step"`
	End   float64 `json:"end" yaml:"end"`
}

// Validate checks that the grid is finite and has at least one step.
func (g Grid) Validate() error {
	for _, v := range []float64{g.Start, g.Step, g.End} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return hpaerrors.Invalidf("ode", "grid", "grid values must be finite, got %+v", g)
		}
	}
	if g.Step <= 0 {
		return hpaerrors.Invalidf("ode", "grid", "step must be positive, got %v", g.Step)
	}
	if g.End <= g.Start {
		return hpaerrors.Invalidf("ode", "grid", "end %v must be after start %v", g.End, g.Start)
	}
	return nil
}

// Steps returns the number of steps K between the first and last row.
func (g Grid) Steps() int {
	return int(math.Ceil((g.End-g.Start)/g.Step - gridEpsilon))
}

// Rows returns the number of rows, Steps()+1.
func (g Grid) Rows() int { return g.Steps() + 1 }

// At returns the time of row k.
func (g Grid) At(k int) float64 { return g.Start + float64(k)*g.Step }
