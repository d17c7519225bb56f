// Package dataset provides the clinical reference time series that models
// are calibrated against.
package dataset

import (
	"fmt"
	"strings"

	hpaerrors "github.com/copyleftdev/hpacal/internal/errors"
)

// Unit is the clock of a series.
type Unit string

const (
	Hours   Unit = "hours"
	Minutes Unit = "minutes"
)

// ParseUnit accepts "hours" or "minutes" in any case.
func ParseUnit(s string) (Unit, error) {
	switch u := Unit(strings.ToLower(strings.TrimSpace(s))); u {
	case Hours, Minutes:
		return u, nil
	}
	return "", hpaerrors.Invalidf("dataset", "parse unit", "unknown time unit %q", s)
}

// Biomarker is a measured hormone.
type Biomarker string

const (
	Cortisol Biomarker = "cortisol"
	ACTH     Biomarker = "acth"
)

// ParseBiomarker accepts a biomarker name in any case.
func ParseBiomarker(s string) (Biomarker, error) {
	switch b := Biomarker(strings.ToLower(strings.TrimSpace(s))); b {
	case Cortisol, ACTH:
		return b, nil
	}
	return "", hpaerrors.Invalidf("dataset", "parse biomarker", "unknown biomarker %q", s)
}

// Series is a (time, concentration) series. Transformations return new
// series and never modify the receiver.
type Series struct {
	Name   string    `json:"name"`
	Unit   Unit      `json:"unit"`
	Times  []float64 `json:"times"`
	Values []float64 `json:"values"`
}

// Len returns the number of samples.
func (s Series) Len() int { return len(s.Times) }

// Clone returns a deep copy.
func (s Series) Clone() Series {
	s.Times = append([]float64(nil), s.Times...)
	s.Values = append([]float64(nil), s.Values...)
	return s
}

// Smooth returns the centered moving average over window points. The first
// and last window/2 samples keep their values.
func (s Series) Smooth(window int) (Series, error) {
	if window < 1 || window%2 == 0 {
		return Series{}, fmt.Errorf("smoothing window must be odd and positive, got %d", window)
	}
	out := s.Clone()
	half := window / 2
	if len(s.Values) < window {
		return out, nil
	}
	sum := 0.0
	for i := 0; i < window; i++ {
		sum += s.Values[i]
	}
	for i := half; i < len(s.Values)-half; i++ {
		if i > half {
			sum += s.Values[i+half] - s.Values[i-half-1]
		}
		out.Values[i] = sum / float64(window)
	}
	return out, nil
}

// In returns the series on the given clock.
func (s Series) In(u Unit) Series {
	out := s.Clone()
	switch {
	case s.Unit == Minutes && u == Hours:
		for i := range out.Times {
			out.Times[i] /= 60
		}
	case s.Unit == Hours && u == Minutes:
		for i := range out.Times {
			out.Times[i] *= 60
		}
	}
	out.Unit = u
	return out
}

// ToHours is In(Hours).
func (s Series) ToHours() Series { return s.In(Hours) }

// ToMinutes is In(Minutes).
func (s Series) ToMinutes() Series { return s.In(Minutes) }

// Rotate moves the first k values to the end, so sample k becomes the first.
// Times are kept, which rebases the start of the day onto sample k.
func (s Series) Rotate(k int) Series {
	out := s.Clone()
	n := len(s.Values)
	if n == 0 {
		return out
	}
	k = ((k % n) + n) % n
	for i := range out.Values {
		out.Values[i] = s.Values[(i+k)%n]
	}
	return out
}
