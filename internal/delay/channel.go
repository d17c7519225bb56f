package delay

import (
	"fmt"
	"math"

	"go.uber.org/zap"
)

// CoarseResolution is the rounding grid used by Coarse channels.
const CoarseResolution = 0.5

// Precision selects the rounding grid of a delay channel.
type Precision int

const (
	// Fine rounds to the integration grid step.
	Fine Precision = iota
	// Coarse rounds to CoarseResolution, trading lookup precision for fewer
	// comparisons.
	Coarse
)

func (p Precision) String() string {
	if p == Coarse {
		return "coarse"
	}
	return "fine"
}

// MarshalText encodes the precision by name.
func (p Precision) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText accepts "fine", "coarse" or an empty string (fine).
func (p *Precision) UnmarshalText(b []byte) error {
	switch string(b) {
	case "", "fine":
		*p = Fine
	case "coarse", "rough":
		*p = Coarse
	default:
		return fmt.Errorf("unknown delay precision %q", b)
	}
	return nil
}

// Spec declares one delayed feedback term.
type Spec struct {
	// Channel is the index of the delayed state variable.
	Channel   int       `json:"channel" yaml:"channel"`
	Tau       float64   `json:"tau" yaml:"tau"`
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	Precision Precision `json:"precision" yaml:"precision"`
}

// Validate checks the spec against a state vector of length n.
func (s Spec) Validate(n int) error {
	if s.Channel < 0 || s.Channel >= n {
		return fmt.Errorf("delay channel %d out of range for %d state variables", s.Channel, n)
	}
	if s.Tau < 0 || math.IsNaN(s.Tau) || math.IsInf(s.Tau, 0) {
		return fmt.Errorf("delay magnitude for channel %d must be finite and non-negative, got %v", s.Channel, s.Tau)
	}
	return nil
}

// Resolution returns the rounding grid for a run with the given grid step.
func (s Spec) Resolution(gridStep float64) float64 {
	if s.Precision == Coarse && CoarseResolution > gridStep {
		return CoarseResolution
	}
	return gridStep
}

// Channel tracks the lookup cursor of one delay spec across a run.
type Channel struct {
	spec       Spec
	resolution float64
	cursor     int
	last       float64
	queried    bool
	misses     int
	logger     *zap.Logger
}

// NewChannel creates the lookup state for spec in a run on a grid with the
// given step.
func NewChannel(spec Spec, gridStep float64, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		spec:       spec,
		resolution: spec.Resolution(gridStep),
		logger:     logger,
	}
}

// Spec returns the channel's spec.
func (c *Channel) Spec() Spec { return c.spec }

// Cursor returns the index the next search starts from.
func (c *Channel) Cursor() int { return c.cursor }

// Misses returns how many lookups fell back to the initial condition after
// searching the history.
func (c *Channel) Misses() int { return c.misses }

// Resolve returns the delayed value of the channel's state variable at time
// t and advances the cursor. Query times must increase strictly.
func (c *Channel) Resolve(b *Buffer, t float64) (float64, error) {
	if c.queried && t <= c.last {
		return 0, fmt.Errorf("%w: channel %d queried at %v after %v", ErrNonMonotonic, c.spec.Channel, t, c.last)
	}
	c.queried = true
	c.last = t

	res := b.Lookup(t, c.spec.Tau, c.spec.Channel, c.resolution, c.cursor)
	c.cursor = res.Cursor
	if res.Source == Missed {
		c.misses++
		c.logger.Warn("no delayed sample within tolerance, using initial condition",
			zap.Int("channel", c.spec.Channel),
			zap.Float64("t", t),
			zap.Float64("tau", c.spec.Tau),
			zap.Float64("max_window", float64(windows[len(windows)-1])*c.resolution),
		)
	}
	return res.Value, nil
}

// Values carries the delayed state values resolved for the current
// checkpoint into a right-hand-side evaluation. A nil *Values holds nothing.
type Values struct {
	vals []float64
	set  []bool
}

// NewValues creates an empty set for n state variables.
func NewValues(n int) *Values {
	return &Values{vals: make([]float64, n), set: make([]bool, n)}
}

// Set records the delayed value of state variable i.
func (v *Values) Set(i int, x float64) {
	v.vals[i] = x
	v.set[i] = true
}

// Get returns the delayed value of state variable i, if one was resolved.
func (v *Values) Get(i int) (float64, bool) {
	if v == nil || i < 0 || i >= len(v.vals) || !v.set[i] {
		return 0, false
	}
	return v.vals[i], true
}

// Or returns the delayed value of state variable i, or fallback when the
// variable has no enabled delay.
func (v *Values) Or(i int, fallback float64) float64 {
	if x, ok := v.Get(i); ok {
		return x
	}
	return fallback
}
