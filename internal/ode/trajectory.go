package ode

// Trajectory is the gridded output of one integration run. It is owned by
// the caller once returned and must be treated as read-only.
type Trajectory struct {
	Times  []float64   `json:"times"`
	States [][]float64 `json:"states"`
	// Failure is the solver error that ended the run early. A truncated
	// trajectory still holds every row solved before the failure.
	Failure     error `json:"-"`
	DelayMisses int   `json:"delay_misses"`
	Stats       Stats `json:"stats"`
}

// Len returns the number of rows.
func (tr *Trajectory) Len() int { return len(tr.Times) }

// Truncated reports whether the run ended before the end of its grid.
func (tr *Trajectory) Truncated() bool { return tr.Failure != nil }

// Dim returns the number of state variables.
func (tr *Trajectory) Dim() int {
	if len(tr.States) == 0 {
		return 0
	}
	return len(tr.States[0])
}

// Column returns a copy of state variable i over time.
func (tr *Trajectory) Column(i int) []float64 {
	col := make([]float64, len(tr.States))
	for k, row := range tr.States {
		col[k] = row[i]
	}
	return col
}

// Span returns the first and last time of the trajectory.
func (tr *Trajectory) Span() (float64, float64) {
	if len(tr.Times) == 0 {
		return 0, 0
	}
	return tr.Times[0], tr.Times[len(tr.Times)-1]
}
