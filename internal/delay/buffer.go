// Package delay resolves historical state values for delay differential
// equations from the samples an integration run has already produced.
package delay

import (
	"errors"
	"fmt"
	"math"
)

// keyEpsilon absorbs floating point noise when a time is mapped onto the
// rounding grid, so 0.03/0.01 = 2.9999999999999996 still lands in bucket 3.
const keyEpsilon = 1e-6

// windows are the acceptance windows, in rounding-grid units, tried in order
// when no sample matches the target time exactly.
var windows = []int{0, 1, 10}

var (
	// ErrNonMonotonic is returned when a channel is queried for a time that
	// does not advance past its previous query.
	ErrNonMonotonic = errors.New("delay: query time must increase strictly")
	// ErrOutOfOrder is returned when a sample is appended out of time order.
	ErrOutOfOrder = errors.New("delay: samples must be appended in increasing time order")
)

// Source describes where a lookup result came from.
type Source int

const (
	// FromInitial means no history old enough existed and the initial
	// condition was used.
	FromInitial Source = iota
	// FromHistory means a logged sample matched within a window.
	FromHistory
	// Missed means the history was searched without finding a sample within
	// the widest window; the initial condition was used as a fallback.
	Missed
)

func (s Source) String() string {
	switch s {
	case FromInitial:
		return "initial"
	case FromHistory:
		return "history"
	case Missed:
		return "missed"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// Result is the outcome of a single lookup.
type Result struct {
	Value float64
	// Cursor is the index to start the next search from.
	Cursor int
	Source Source
	// Offset is the distance, in rounding-grid units, between the matched
	// sample and the target time. Zero for exact matches.
	Offset int
}

// Buffer is the append-only, time-ordered log of solved samples of one
// integration run. It is not safe for concurrent use; every run owns its own
// Buffer.
type Buffer struct {
	start   float64
	initial []float64
	times   []float64
	states  [][]float64
}

// NewBuffer creates an empty log for a run starting at start with the given
// initial condition. capacity is a hint for the number of samples.
func NewBuffer(start float64, initial []float64, capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{
		start:   start,
		initial: append([]float64(nil), initial...),
		times:   make([]float64, 0, capacity),
		states:  make([][]float64, 0, capacity),
	}
}

// Append logs a solved sample. The state slice is retained, callers must not
// mutate it afterwards.
func (b *Buffer) Append(t float64, state []float64) error {
	if n := len(b.times); n > 0 && t <= b.times[n-1] {
		return fmt.Errorf("%w: %v after %v", ErrOutOfOrder, t, b.times[n-1])
	}
	b.times = append(b.times, t)
	b.states = append(b.states, state)
	return nil
}

// Len returns the number of logged samples.
func (b *Buffer) Len() int { return len(b.times) }

// Start returns the start time of the run.
func (b *Buffer) Start() float64 { return b.start }

// Initial returns the initial value of state variable i.
func (b *Buffer) Initial(i int) float64 { return b.initial[i] }

// Lookup returns the value state variable index held at t - tau, searching
// the log forward from cursor. resolution is the rounding grid applied to
// sample times and to the target time.
//
// When t - tau is at or before the run start the initial condition is
// returned. This biases the first tau time units of every run towards the
// initial condition.
func (b *Buffer) Lookup(t, tau float64, index int, resolution float64, cursor int) Result {
	if cursor < 0 {
		cursor = 0
	}
	if t-tau <= b.start {
		return Result{Value: b.initial[index], Cursor: cursor, Source: FromInitial}
	}

	rounded := float64(gridKey(t, resolution)) * resolution
	target := gridKey(rounded-tau, resolution)

	for _, w := range windows {
		if i, offset, ok := b.scan(target, w, resolution, cursor); ok {
			return Result{
				Value:  b.states[i][index],
				Cursor: i,
				Source: FromHistory,
				Offset: offset,
			}
		}
	}
	return Result{Value: b.initial[index], Cursor: cursor, Source: Missed}
}

// scan finds the sample closest to target within +/- window grid units,
// starting at cursor. Ties go to the earlier sample.
func (b *Buffer) scan(target int64, window int, resolution float64, cursor int) (int, int, bool) {
	best, bestDist := -1, int64(0)
	limit := target + int64(window)
	for i := cursor; i < len(b.times); i++ {
		k := gridKey(b.times[i], resolution)
		if k > limit {
			break
		}
		d := k - target
		if d < 0 {
			d = -d
		}
		if d > int64(window) {
			continue
		}
		if best < 0 || d < bestDist {
			best, bestDist = i, d
			if d == 0 {
				break
			}
		}
	}
	if best < 0 {
		return 0, 0, false
	}
	return best, int(gridKey(b.times[best], resolution) - target), true
}

// gridKey rounds t down to a multiple of resolution and returns the multiple.
func gridKey(t, resolution float64) int64 {
	return int64(math.Floor(t/resolution + keyEpsilon))
}
