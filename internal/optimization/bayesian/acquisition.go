package bayesian

import "gonum.org/v1/gonum/stat/distuv"

// ExpectedImprovement scores a candidate by how much it is expected to
// improve on the best observed value of a minimization.
type ExpectedImprovement struct {
	// Best is the lowest observed value.
	Best float64
	// Xi trades exploitation for exploration; larger values explore more.
	Xi float64
}

// Compute returns the expected improvement for a posterior with mean mu
// and standard deviation sigma. It is never negative.
func (ei ExpectedImprovement) Compute(mu, sigma float64) float64 {
	improvement := ei.Best - mu - ei.Xi
	if sigma <= 1e-12 {
		if improvement > 0 {
			return improvement
		}
		return 0
	}
	z := improvement / sigma
	v := improvement*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z)
	if v < 0 {
		return 0
	}
	return v
}
