// Package ode integrates stiff ordinary and delay differential equations on a
// fixed reporting grid.
package ode

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	hpaerrors "github.com/copyleftdev/hpacal/internal/errors"
)

const (
	maxNewtonIter = 6
	maxGrowth     = 2.0
	minShrink     = 0.2
	safety        = 0.9
	// failures in a row before the history is discarded and the solver
	// restarts at order one.
	restartAfter = 3
)

var (
	// ErrStepFailure is returned when the step size falls below the minimum
	// step without satisfying the tolerances.
	ErrStepFailure = errors.New("ode: step size underflow")
	// ErrTooManySteps is returned when a call to Integrate needs more internal
	// steps than Settings.MaxSteps.
	ErrTooManySteps = errors.New("ode: too many internal steps")
)

// Func evaluates the right-hand side dy = f(t, y). It must not retain y or dy.
type Func func(t float64, y, dy []float64)

// Settings control the error tolerances and work limits of the solver.
type Settings struct {
	AbsTol float64 `json:"atol" yaml:"atol"`
	RelTol float64 `json:"rtol" yaml:"rtol"`
	// MaxSteps bounds the internal steps of one Integrate call.
	MaxSteps int `json:"max_steps" yaml:"max_steps"`
	// InitialStep overrides the estimated first step when positive.
	InitialStep float64 `json:"initial_step,omitempty" yaml:"initial_step,omitempty"`
	MinStep     float64 `json:"min_step,omitempty" yaml:"min_step,omitempty"`
}

// DefaultSettings returns the tight tolerances used for the HPA models.
func DefaultSettings() Settings {
	return Settings{
		AbsTol:   3e-12,
		RelTol:   1e-12,
		MaxSteps: 100000,
	}
}

// Validate checks the settings.
func (s Settings) Validate() error {
	switch {
	case !(s.AbsTol > 0) || math.IsInf(s.AbsTol, 0):
		return hpaerrors.Invalidf("ode", "settings", "absolute tolerance must be positive, got %v", s.AbsTol)
	case !(s.RelTol >= 0) || math.IsInf(s.RelTol, 0):
		return hpaerrors.Invalidf("ode", "settings", "relative tolerance must be non-negative, got %v", s.RelTol)
	case s.MaxSteps <= 0:
		return hpaerrors.Invalidf("ode", "settings", "max steps must be positive, got %d", s.MaxSteps)
	case s.InitialStep < 0 || s.MinStep < 0:
		return hpaerrors.Invalidf("ode", "settings", "step sizes must be non-negative")
	}
	return nil
}

// Stats counts the work done by a Solver.
type Stats struct {
	Steps          int `json:"steps"`
	Rejected       int `json:"rejected"`
	Evaluations    int `json:"evaluations"`
	Jacobians      int `json:"jacobians"`
	Factorizations int `json:"factorizations"`
}

// Solver is a variable-step BDF integrator of orders one and two with a
// simplified Newton corrector. It is not safe for concurrent use.
type Solver struct {
	f   Func
	set Settings
	n   int

	t float64
	// y holds the current state, prev and prev2 the two accepted states
	// before it, h1 and h0 the steps between them.
	y, prev, prev2 []float64
	h1, h0         float64
	points         int

	h       float64
	fn      []float64
	fnValid bool

	jac      *mat.Dense
	jacValid bool
	iter     *mat.Dense
	lu       mat.LU

	pred, base, cand, fy, scratch []float64
	rhs, delta                    *mat.VecDense
	newtonTol                     float64

	stats Stats
}

// NewSolver creates a solver for f starting from y0 at t0.
func NewSolver(f Func, y0 []float64, t0 float64, s Settings) (*Solver, error) {
	if f == nil {
		return nil, hpaerrors.Invalidf("ode", "new solver", "right-hand side is nil")
	}
	if len(y0) == 0 {
		return nil, hpaerrors.Invalidf("ode", "new solver", "empty initial state")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if !finite(y0) || math.IsNaN(t0) || math.IsInf(t0, 0) {
		return nil, hpaerrors.Invalidf("ode", "new solver", "initial condition must be finite")
	}

	n := len(y0)
	tol := 0.03
	if s.RelTol > 0 {
		tol = math.Max(10*epsilon/s.RelTol, math.Min(0.03, math.Sqrt(s.RelTol)))
	}
	return &Solver{
		f:         f,
		set:       s,
		n:         n,
		t:         t0,
		y:         append([]float64(nil), y0...),
		prev:      make([]float64, n),
		prev2:     make([]float64, n),
		points:    1,
		fn:        make([]float64, n),
		jac:       mat.NewDense(n, n, nil),
		iter:      mat.NewDense(n, n, nil),
		pred:      make([]float64, n),
		base:      make([]float64, n),
		cand:      make([]float64, n),
		fy:        make([]float64, n),
		scratch:   make([]float64, n),
		rhs:       mat.NewVecDense(n, nil),
		delta:     mat.NewVecDense(n, nil),
		newtonTol: tol,
	}, nil
}

const epsilon = 2.220446049250313e-16

// T returns the current time.
func (s *Solver) T() float64 { return s.t }

// Y returns a copy of the current state.
func (s *Solver) Y() []float64 { return append([]float64(nil), s.y...) }

// Stats returns the work counters accumulated so far.
func (s *Solver) Stats() Stats { return s.stats }

// Integrate advances the solution to exactly tOut.
func (s *Solver) Integrate(tOut float64) error {
	if tOut == s.t {
		return nil
	}
	if !(tOut > s.t) || math.IsInf(tOut, 0) {
		return fmt.Errorf("ode: cannot integrate from t=%v to t=%v", s.t, tOut)
	}
	if s.h == 0 {
		if !s.evalCurrent() {
			return fmt.Errorf("%w: non-finite derivative at t=%v", ErrStepFailure, s.t)
		}
		s.h = s.initialStep(tOut - s.t)
	}

	steps, failures := 0, 0
	for s.t < tOut {
		if steps >= s.set.MaxSteps {
			return fmt.Errorf("%w: %d steps without reaching t=%v (stopped at t=%v)", ErrTooManySteps, steps, tOut, s.t)
		}
		steps++

		h, landing := s.h, false
		remaining := tOut - s.t
		switch {
		case s.t+1.01*h >= tOut:
			h, landing = remaining, true
		case s.t+2*h > tOut:
			h = remaining / 2
		}
		tNew := s.t + h
		if landing {
			tNew = tOut
		}

		order := s.order()
		errNorm, ok := s.attempt(tNew, h, order)
		if !ok || errNorm > 1 {
			s.stats.Rejected++
			failures++
			factor := 0.25
			if ok {
				factor = math.Max(minShrink, safety*math.Pow(errNorm, -1/float64(order+1)))
			}
			s.h = h * factor
			if s.h < s.minStep() {
				return fmt.Errorf("%w: h=%g at t=%v", ErrStepFailure, s.h, s.t)
			}
			if failures >= restartAfter {
				s.points = 1
			}
			continue
		}

		s.accept(tNew, h)
		factor := maxGrowth
		if errNorm > 0 {
			factor = math.Min(maxGrowth, math.Max(minShrink, safety*math.Pow(errNorm, -1/float64(order+1))))
		}
		if failures > 0 {
			factor = math.Min(factor, 1)
		}
		failures = 0
		s.h = h * factor
	}
	return nil
}

func (s *Solver) order() int {
	if s.points < 3 {
		return 1
	}
	return 2
}

// attempt computes a candidate for tNew into s.cand and returns its weighted
// local error estimate. ok is false when the corrector did not converge.
func (s *Solver) attempt(tNew, h float64, order int) (float64, bool) {
	var beta, errConst float64
	if order == 1 {
		if !s.fnValid && !s.evalCurrent() {
			return 0, false
		}
		for i := range s.y {
			s.pred[i] = s.y[i] + h*s.fn[i]
			s.base[i] = s.y[i]
		}
		beta, errConst = 1, 0.5
	} else {
		w := h / s.h1
		c := w * w / (1 + 2*w)
		beta = (1 + w) / (1 + 2*w)
		kc := (1 + w) * (1 + w) / (6 * w * (1 + 2*w))
		kp := (h + s.h1) * (h + s.h1 + s.h0) / (6 * h * h)
		errConst = kc / (kp + kc)
		for i := range s.y {
			d1 := (s.y[i] - s.prev[i]) / s.h1
			d0 := (s.prev[i] - s.prev2[i]) / s.h0
			dd := (d1 - d0) / (s.h1 + s.h0)
			s.pred[i] = s.y[i] + d1*h + dd*h*(h+s.h1)
			s.base[i] = s.y[i] + c*(s.y[i]-s.prev[i])
		}
	}
	if !finite(s.pred) {
		return 0, false
	}

	// The Jacobian is reused across steps and refreshed once when the
	// corrector fails with a stale one.
	fresh := false
	if !s.jacValid {
		if !s.jacobian(tNew) {
			return 0, false
		}
		fresh = true
	}
	for !(s.factorize(h*beta) && s.newton(tNew, h*beta)) {
		if fresh || !s.jacobian(tNew) {
			return 0, false
		}
		fresh = true
	}

	for i := range s.scratch {
		s.scratch[i] = errConst * (s.cand[i] - s.pred[i])
	}
	e := s.norm(s.scratch, s.y, s.cand)
	if math.IsNaN(e) || math.IsInf(e, 0) {
		return 0, false
	}
	return e, true
}

// jacobian evaluates the finite-difference Jacobian at the predictor.
func (s *Solver) jacobian(tNew float64) bool {
	fd.Jacobian(s.jac, func(dst, x []float64) {
		s.stats.Evaluations++
		s.f(tNew, x, dst)
	}, s.pred, nil)
	s.stats.Jacobians++
	raw := s.jac.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		if !finite(raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]) {
			return false
		}
	}
	s.jacValid = true
	return true
}

// factorize forms and factors I - hb*J.
func (s *Solver) factorize(hb float64) bool {
	s.iter.Scale(-hb, s.jac)
	for i := 0; i < s.n; i++ {
		s.iter.Set(i, i, s.iter.At(i, i)+1)
	}
	s.lu.Factorize(s.iter)
	s.stats.Factorizations++
	cond := s.lu.Cond()
	return !math.IsInf(cond, 0) && !math.IsNaN(cond) && cond < 1/epsilon
}

// newton solves cand - base - hb*f(tNew, cand) = 0 starting at the predictor.
func (s *Solver) newton(tNew, hb float64) bool {
	copy(s.cand, s.pred)
	prevNorm := 0.0
	for k := 0; k < maxNewtonIter; k++ {
		s.stats.Evaluations++
		s.f(tNew, s.cand, s.fy)
		if !finite(s.fy) {
			return false
		}
		for i := range s.cand {
			s.rhs.SetVec(i, s.base[i]+hb*s.fy[i]-s.cand[i])
		}
		if err := s.lu.SolveVecTo(s.delta, false, s.rhs); err != nil {
			return false
		}
		for i := range s.cand {
			s.scratch[i] = s.delta.AtVec(i)
			s.cand[i] += s.scratch[i]
		}
		dn := s.norm(s.scratch, s.y, s.cand)
		if math.IsNaN(dn) || math.IsInf(dn, 0) {
			return false
		}
		if dn == 0 {
			return true
		}
		if k > 0 {
			rate := dn / prevNorm
			if rate >= 1 {
				return false
			}
			if rate/(1-rate)*dn <= s.newtonTol {
				return true
			}
		} else if dn <= 1e-3*s.newtonTol {
			return true
		}
		prevNorm = dn
	}
	return false
}

// accept shifts the history and makes the candidate the current state.
func (s *Solver) accept(tNew, h float64) {
	s.prev, s.prev2 = s.prev2, s.prev
	s.prev, s.y, s.cand = s.y, s.cand, s.prev
	s.h0, s.h1 = s.h1, h
	if s.points < 3 {
		s.points++
	}
	s.t = tNew
	s.fnValid = false
	s.stats.Steps++
}

func (s *Solver) evalCurrent() bool {
	s.stats.Evaluations++
	s.f(s.t, s.y, s.fn)
	s.fnValid = finite(s.fn)
	return s.fnValid
}

// initialStep follows the usual d0/d1 heuristic, capped by span.
func (s *Solver) initialStep(span float64) float64 {
	if s.set.InitialStep > 0 {
		return math.Min(s.set.InitialStep, span)
	}
	d0 := s.norm(s.y, s.y, s.y)
	d1 := s.norm(s.fn, s.y, s.y)
	h := 1e-6
	if d0 > 1e-5 && d1 > 1e-5 {
		h = 0.01 * d0 / d1
	}
	return math.Min(h, span)
}

func (s *Solver) minStep() float64 {
	return math.Max(s.set.MinStep, 16*epsilon*math.Max(1, math.Abs(s.t)))
}

// norm is the weighted RMS norm of v with scale atol + rtol*max(|a|, |b|).
func (s *Solver) norm(v, a, b []float64) float64 {
	var sum float64
	for i, x := range v {
		scale := s.set.AbsTol + s.set.RelTol*math.Max(math.Abs(a[i]), math.Abs(b[i]))
		r := x / scale
		sum += r * r
	}
	return math.Sqrt(sum / float64(len(v)))
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
