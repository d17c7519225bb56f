package ode

import (
	"go.uber.org/zap"

	"github.com/copyleftdev/hpacal/internal/delay"
	hpaerrors "github.com/copyleftdev/hpacal/internal/errors"
)

// System is a right-hand side that may read delayed state values. delayed
// holds the values resolved for the current reporting interval; it is nil
// when no delay is enabled.
type System func(t float64, y []float64, delayed *delay.Values, dy []float64)

// Options configure one delayed integration run.
type Options struct {
	Grid     Grid
	Settings Settings
	Delays   []delay.Spec
	Logger   *zap.Logger
}

// Integrate solves sys from y0 over opts.Grid and returns one row per grid
// point, starting with y0 at Grid.Start.
//
// Before each interval [t_k, t_k+1] every enabled delay channel is resolved
// at t_k against the rows solved so far, and the values are handed to sys
// for the whole interval. A solver failure ends the run early: the partial
// trajectory is returned with Failure set and a nil error. The error is only
// non-nil for invalid input.
func Integrate(sys System, y0 []float64, opts Options) (*Trajectory, error) {
	if sys == nil {
		return nil, hpaerrors.Invalidf("ode", "integrate", "system is nil")
	}
	if err := opts.Grid.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	n := len(y0)
	seen := make(map[int]bool)
	var channels []*delay.Channel
	for _, spec := range opts.Delays {
		if err := spec.Validate(n); err != nil {
			return nil, hpaerrors.Wrap(hpaerrors.ErrInvalidConfig, err.Error()).WithComponent("ode").WithOperation("integrate")
		}
		if !spec.Enabled {
			continue
		}
		if seen[spec.Channel] {
			return nil, hpaerrors.Invalidf("ode", "integrate", "more than one enabled delay on state %d", spec.Channel)
		}
		seen[spec.Channel] = true
		channels = append(channels, delay.NewChannel(spec, opts.Grid.Step, logger))
	}

	var values *delay.Values
	if len(channels) > 0 {
		values = delay.NewValues(n)
	}
	solver, err := NewSolver(func(t float64, y, dy []float64) {
		sys(t, y, values, dy)
	}, y0, opts.Grid.Start, opts.Settings)
	if err != nil {
		return nil, err
	}

	rows := opts.Grid.Rows()
	traj := &Trajectory{
		Times:  make([]float64, 0, rows),
		States: make([][]float64, 0, rows),
	}
	var buf *delay.Buffer
	if len(channels) > 0 {
		buf = delay.NewBuffer(opts.Grid.Start, y0, rows)
	}
	if err := traj.appendRow(buf, opts.Grid.Start, solver.Y()); err != nil {
		return nil, err
	}

	for k := 0; k < rows-1; k++ {
		tk := opts.Grid.At(k)
		for _, ch := range channels {
			v, err := ch.Resolve(buf, tk)
			if err != nil {
				return nil, err
			}
			values.Set(ch.Spec().Channel, v)
		}

		next := opts.Grid.At(k + 1)
		if err := solver.Integrate(next); err != nil {
			traj.Failure = err
			logger.Warn("integration stopped early",
				zap.Float64("t", solver.T()),
				zap.Float64("target", next),
				zap.Int("rows", traj.Len()),
				zap.Int("expected_rows", rows),
				zap.Error(err),
			)
			break
		}
		if err := traj.appendRow(buf, next, solver.Y()); err != nil {
			return nil, err
		}
	}

	for _, ch := range channels {
		traj.DelayMisses += ch.Misses()
	}
	traj.Stats = solver.Stats()
	return traj, nil
}

// appendRow records a row in the trajectory and, when delays are active, in
// the delay log. Both share the row slice.
func (tr *Trajectory) appendRow(buf *delay.Buffer, t float64, row []float64) error {
	tr.Times = append(tr.Times, t)
	tr.States = append(tr.States, row)
	if buf == nil {
		return nil
	}
	return buf.Append(t, row)
}
