package optimization

// Sphere is sum(x_i^2), minimal at the origin.
func Sphere(x []float64) (float64, error) {
	sum := 0.0
	for _, v := range x {
		sum += v * v
	}
	return sum, nil
}

// ShiftedQuadratic returns a convex quadratic with its unique minimum, zero,
// at center. Dimension i is weighted by i+1.
func ShiftedQuadratic(center []float64) ObjectiveFunction {
	c := append([]float64(nil), center...)
	return func(x []float64) (float64, error) {
		sum := 0.0
		for i, v := range x {
			d := v - c[i]
			sum += float64(i+1) * d * d
		}
		return sum, nil
	}
}

// Rosenbrock is the banana-valley function, minimal at (1, ..., 1).
func Rosenbrock(x []float64) (float64, error) {
	sum := 0.0
	for i := 0; i < len(x)-1; i++ {
		a := x[i+1] - x[i]*x[i]
		b := 1 - x[i]
		sum += 100*a*a + b*b
	}
	return sum, nil
}
