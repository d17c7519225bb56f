// Package model holds the HPA axis models that can be simulated and
// calibrated.
package model

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/copyleftdev/hpacal/internal/delay"
	hpaerrors "github.com/copyleftdev/hpacal/internal/errors"
	"github.com/copyleftdev/hpacal/internal/ode"
)

// Time units of a model clock.
const (
	Hours   = "hours"
	Minutes = "minutes"
)

// RHS evaluates a model's derivative. delayed is nil when the run has no
// enabled delay channel.
type RHS func(t float64, y, params []float64, delayed *delay.Values, dy []float64)

// Parameter describes one calibratable parameter.
type Parameter struct {
	Name    string  `json:"name"`
	Default float64 `json:"default"`
	Lower   float64 `json:"lower"`
	Upper   float64 `json:"upper"`
}

// Model is a registered right-hand side together with everything needed to
// run it.
type Model struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	States      []string     `json:"states"`
	Parameters  []Parameter  `json:"parameters"`
	Initial     []float64    `json:"initial"`
	Grid        ode.Grid     `json:"grid"`
	Delays      []delay.Spec `json:"delays,omitempty"`
	TimeUnit    string       `json:"time_unit"`
	RHS         RHS          `json:"-"`
}

// Bounds returns the parameter intervals in order.
func (m *Model) Bounds() [][2]float64 {
	b := make([][2]float64, len(m.Parameters))
	for i, p := range m.Parameters {
		b[i] = [2]float64{p.Lower, p.Upper}
	}
	return b
}

// Defaults returns the published parameter values.
func (m *Model) Defaults() []float64 {
	d := make([]float64, len(m.Parameters))
	for i, p := range m.Parameters {
		d[i] = p.Default
	}
	return d
}

// ParameterNames returns the parameter names in order.
func (m *Model) ParameterNames() []string {
	n := make([]string, len(m.Parameters))
	for i, p := range m.Parameters {
		n[i] = p.Name
	}
	return n
}

// StateIndex returns the index of the named state, ignoring case.
func (m *Model) StateIndex(name string) (int, error) {
	for i, s := range m.States {
		if strings.EqualFold(s, name) {
			return i, nil
		}
	}
	return 0, hpaerrors.Invalidf("model", "state index", "model %s has no state %q (have %v)", m.Name, name, m.States)
}

// RunOptions override a model's defaults for one simulation. Zero fields
// keep the model's values.
type RunOptions struct {
	Settings ode.Settings
	Initial  []float64
	Grid     *ode.Grid
	Delays   []delay.Spec
	Logger   *zap.Logger
}

// System binds params to the right-hand side.
func (m *Model) System(params []float64) ode.System {
	p := append([]float64(nil), params...)
	return func(t float64, y []float64, delayed *delay.Values, dy []float64) {
		m.RHS(t, y, p, delayed, dy)
	}
}

// Simulate integrates the model at params over its grid. Every call owns
// its solver and delay state, so concurrent calls are safe.
func (m *Model) Simulate(params []float64, opts RunOptions) (*ode.Trajectory, error) {
	if len(params) != len(m.Parameters) {
		return nil, hpaerrors.Invalidf("model", "simulate", "%s takes %d parameters, got %d", m.Name, len(m.Parameters), len(params))
	}
	for i, v := range params {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, hpaerrors.Invalidf("model", "simulate", "parameter %s is not finite", m.Parameters[i].Name)
		}
	}
	y0 := m.Initial
	if opts.Initial != nil {
		y0 = opts.Initial
	}
	if len(y0) != len(m.States) {
		return nil, hpaerrors.Invalidf("model", "simulate", "%s has %d states, initial condition has %d", m.Name, len(m.States), len(y0))
	}
	grid := m.Grid
	if opts.Grid != nil {
		grid = *opts.Grid
	}
	delays := m.Delays
	if opts.Delays != nil {
		delays = opts.Delays
	}
	settings := opts.Settings
	if settings == (ode.Settings{}) {
		settings = ode.DefaultSettings()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return ode.Integrate(m.System(params), y0, ode.Options{
		Grid:     grid,
		Settings: settings,
		Delays:   delays,
		Logger:   logger.With(zap.String("model", m.Name)),
	})
}

var registry = map[string]*Model{}

func register(m *Model) {
	if _, dup := registry[m.Name]; dup {
		panic(fmt.Sprintf("model: %s registered twice", m.Name))
	}
	registry[m.Name] = m
}

// Lookup returns the named model.
func Lookup(name string) (*Model, error) {
	m, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, hpaerrors.Invalidf("model", "lookup", "unknown model %q (have %v)", name, Names())
	}
	return m, nil
}

// Names lists the registered models in order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// All returns the registered models sorted by name.
func All() []*Model {
	out := make([]*Model, 0, len(registry))
	for _, n := range Names() {
		out = append(out, registry[n])
	}
	return out
}
