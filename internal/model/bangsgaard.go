package model

import (
	"math"

	"github.com/copyleftdev/hpacal/internal/delay"
	"github.com/copyleftdev/hpacal/internal/ode"
)

// Fixed constants of Bangsgaard & Ottesen (2017). Time is in minutes.
const (
	bangsgaardA2    = 1.7809e9
	bangsgaardA3    = 2.2803e4
	bangsgaardA4    = 1.7745e5
	bangsgaardMu    = 5.83e2
	circadianPeriod = 1440.0
	circadianNc     = 0.5217
	circadianK      = 5
	circadianL      = 6
	circadianAlpha  = 300.0
	circadianBeta   = 950.0
	circadianEps    = 0.01
)

func init() {
	register(&Model{
		Name:        "bangsgaard2017",
		Description: "Bangsgaard & Ottesen 2017, three compartments with circadian CRH drive",
		States:      []string{"CRH", "ACTH", "CORT"},
		Parameters: []Parameter{
			{Name: "a_0", Default: 3.9031e-4, Lower: 0, Upper: 0.02},
			{Name: "a_1", Default: 6.839e12, Lower: 6.5e12, Upper: 7e12},
			{Name: "a_5", Default: 4.617e-4, Lower: 0.0001, Upper: 0.00075},
			{Name: "w_1", Default: 0.0337, Lower: 0.03, Upper: 0.06},
			{Name: "w_2", Default: 0.0205, Lower: 0.007, Upper: 0.04},
			{Name: "w_3", Default: 0.0238, Lower: 0.008, Upper: 0.035},
			{Name: "delta", Default: 83.8, Lower: 50, Upper: 2000},
		},
		// Control patient F at midnight; CRH is a guess.
		Initial:  []float64{2, 8.725314, 1.158798},
		Grid:     ode.Grid{Start: -0.01, Step: 0.01, End: 1441},
		TimeUnit: Minutes,
		RHS:      bangsgaard,
	})
}

// Circadian is the normalized circadian drive at minute t for a rhythm
// shifted by delta minutes. Its range is [Nc*eps, Nc*(1+eps)].
func Circadian(t, delta float64) float64 {
	tm := math.Mod(t-delta, circadianPeriod)
	if tm < 0 {
		tm += circadianPeriod
	}
	rise := math.Pow(tm, circadianK) / (math.Pow(tm, circadianK) + math.Pow(circadianAlpha, circadianK))
	rest := circadianPeriod - tm
	fall := math.Pow(rest, circadianL) / (math.Pow(rest, circadianL) + math.Pow(circadianBeta, circadianL))
	return circadianNc * (rise*fall + circadianEps)
}

func bangsgaard(t float64, y, p []float64, _ *delay.Values, dy []float64) {
	a0, a1, a5, w1, w2, w3, shift := p[0], p[1], p[2], p[3], p[4], p[5], p[6]

	dy[0] = a0 + Circadian(t, shift)*(a1/(1+bangsgaardA2*y[2]*y[2]))*(y[0]/(bangsgaardMu+y[0])) - w1*y[0]
	dy[1] = bangsgaardA3*y[0]/(1+bangsgaardA4*y[2]) - w2*y[1]
	dy[2] = a5*y[1]*y[1] - w3*y[2]
}
