package model

import (
	"math"

	"github.com/copyleftdev/hpacal/internal/delay"
	"github.com/copyleftdev/hpacal/internal/ode"
)

// Sriram, Rodriguez-Fernandez & Doyle (2012): CRH, ACTH, cortisol and the
// glucocorticoid receptor, with receptor-mediated negative feedback. Time is
// in hours.
var sriramParameters = []Parameter{
	{Name: "k_stress", Default: 10.1, Lower: 5, Upper: 20},
	{Name: "k_i", Default: 1.51, Lower: 0.5, Upper: 3},
	{Name: "V_S3", Default: 3.25, Lower: 3, Upper: 4},
	{Name: "K_m1", Default: 1.74, Lower: 1, Upper: 2},
	{Name: "K_P2", Default: 8.3, Lower: 7, Upper: 11},
	{Name: "V_S4", Default: 0.907, Lower: 0.5, Upper: 1.5},
	{Name: "K_m2", Default: 0.112, Lower: 0.08, Upper: 2},
	{Name: "K_P3", Default: 0.945, Lower: 0.5, Upper: 1.2},
	{Name: "V_S5", Default: 0.00535, Lower: 0.001, Upper: 0.008},
	{Name: "K_m3", Default: 0.0768, Lower: 0.03, Upper: 0.08},
	{Name: "K_d1", Default: 0.00379, Lower: 0.002, Upper: 0.005},
	{Name: "K_d2", Default: 0.00916, Lower: 0.001, Upper: 0.01},
	{Name: "K_d3", Default: 0.356, Lower: 0.1, Upper: 0.5},
	{Name: "n1", Default: 5.43, Lower: 4, Upper: 6},
	{Name: "n2", Default: 5.1, Lower: 4, Upper: 6},
	{Name: "K_b", Default: 0.0202, Lower: 0.008, Upper: 0.05},
	{Name: "G_tot", Default: 3.28, Lower: 2, Upper: 5},
	{Name: "V_S2", Default: 0.0509, Lower: 0.01, Upper: 0.07},
	{Name: "K1", Default: 0.645, Lower: 0.2, Upper: 0.7},
	{Name: "K_d5", Default: 0.0854, Lower: 0.04, Upper: 0.09},
}

// SriramReceptorDelay is the lag, in hours, of cortisol binding to the
// receptor in the delayed variant.
const SriramReceptorDelay = 0.25

func init() {
	states := []string{"CRH", "ACTH", "CORT", "GR"}
	grid := ode.Grid{Start: 0, Step: 0.01, End: 24.01}
	register(&Model{
		Name:        "sriram2012",
		Description: "Sriram et al. 2012, four compartments with receptor feedback",
		States:      states,
		Parameters:  sriramParameters,
		Initial:     []float64{1, 1, 12, 2},
		Grid:        grid,
		TimeUnit:    Hours,
		RHS:         sriram,
	})
	register(&Model{
		Name:        "sriram2012-delayed",
		Description: "Sriram et al. 2012 with delayed cortisol binding to the receptor",
		States:      states,
		Parameters:  sriramParameters,
		Initial:     []float64{1, 1, 12, 2},
		Grid:        grid,
		Delays:      []delay.Spec{{Channel: 2, Tau: SriramReceptorDelay, Enabled: true}},
		TimeUnit:    Hours,
		RHS:         sriram,
	})
}

// sriram reads cortisol through the delay context when channel 2 is delayed.
func sriram(_ float64, y, p []float64, delayed *delay.Values, dy []float64) {
	kStress, ki := p[0], p[1]
	vs3, km1, kp2, vs4, km2, kp3, vs5, km3 := p[2], p[3], p[4], p[5], p[6], p[7], p[8], p[9]
	kd1, kd2, kd3, n1, n2 := p[10], p[11], p[12], p[13], p[14]
	kb, gtot, vs2, k1, kd5 := p[15], p[16], p[17], p[18], p[19]

	inhibition := math.Pow(ki, n2) / (math.Pow(ki, n2) + math.Pow(y[3], n2))
	cort := delayed.Or(2, y[2])

	dy[0] = kStress*inhibition - vs3*(y[0]/(km1+y[0])) - kd1*y[0]
	dy[1] = kp2*y[0]*inhibition - vs4*(y[1]/(km2+y[1])) - kd2*y[1]
	dy[2] = kp3*y[1] - vs5*(y[2]/(km3+y[2])) - kd3*y[2]
	dy[3] = kb*cort*(gtot-y[3]) + vs2*(math.Pow(y[3], n1)/(math.Pow(k1, n1)+math.Pow(y[3], n1))) - kd5*y[3]
}
