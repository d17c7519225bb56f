package bayesian

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/hpacal/internal/optimization"
)

// maxJitterAttempts bounds how often Fit retries a failed Cholesky
// factorization with a tenfold larger diagonal jitter.
const maxJitterAttempts = 10

// GP is a zero-mean Gaussian process regression model.
type GP struct {
	kernel   Kernel
	noiseVar float64

	x      [][]float64
	y      *mat.VecDense
	alpha  *mat.VecDense
	chol   mat.Cholesky
	jitter float64

	logger *zap.Logger
}

// NewGP returns an untrained model. A nil logger discards output.
func NewGP(kernel Kernel, noiseVar float64, logger *zap.Logger) *GP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GP{
		kernel:   kernel,
		noiseVar: noiseVar,
		logger:   logger.Named("gaussian_process"),
	}
}

// Fit conditions the model on the observations (x[i], y[i]).
func (gp *GP) Fit(x [][]float64, y []float64) error {
	const op = "GP.Fit"

	n := len(x)
	if n == 0 {
		return optimization.WrapError(errors.New("no training points"), "gaussian_process: "+op)
	}
	if n != len(y) {
		return optimization.WrapError(fmt.Errorf("dimension mismatch: %d points, %d values", n, len(y)), "gaussian_process: "+op)
	}

	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			k.SetSym(i, j, gp.kernel.Eval(x[i], x[j]))
		}
	}

	jitter := 1e-10
	var factorized bool
	for attempt := 0; attempt < maxJitterAttempts; attempt++ {
		kj := mat.NewSymDense(n, nil)
		kj.CopySym(k)
		for i := 0; i < n; i++ {
			kj.SetSym(i, i, kj.At(i, i)+gp.noiseVar+jitter)
		}
		if gp.chol.Factorize(kj) {
			factorized = true
			break
		}
		gp.logger.Debug("Cholesky factorization failed, increasing jitter",
			zap.Int("attempt", attempt+1),
			zap.Float64("jitter", jitter))
		jitter *= 10
	}
	if !factorized {
		return optimization.WrapError(errors.New("kernel matrix is not positive definite"), "gaussian_process: "+op)
	}

	gp.y = mat.NewVecDense(n, append([]float64(nil), y...))
	gp.alpha = mat.NewVecDense(n, nil)
	if err := gp.chol.SolveVecTo(gp.alpha, gp.y); err != nil {
		return optimization.WrapError(err, "gaussian_process: "+op)
	}
	gp.x = x
	gp.jitter = jitter
	return nil
}

// Predict returns the posterior mean and variance at x.
func (gp *GP) Predict(x []float64) (float64, float64, error) {
	if gp.alpha == nil {
		return 0, 0, optimization.WrapError(errors.New("model is not trained"), "gaussian_process: GP.Predict")
	}
	n := len(gp.x)
	kstar := mat.NewVecDense(n, nil)
	for i, xi := range gp.x {
		kstar.SetVec(i, gp.kernel.Eval(x, xi))
	}
	mean := mat.Dot(kstar, gp.alpha)

	v := mat.NewVecDense(n, nil)
	if err := gp.chol.SolveVecTo(v, kstar); err != nil {
		return 0, 0, optimization.WrapError(err, "gaussian_process: GP.Predict")
	}
	variance := gp.kernel.Eval(x, x) - mat.Dot(kstar, v)
	return mean, math.Max(variance, 0), nil
}

// LogMarginalLikelihood is log p(y | x) of the last fit.
func (gp *GP) LogMarginalLikelihood() float64 {
	if gp.alpha == nil {
		return math.Inf(-1)
	}
	n := float64(gp.y.Len())
	return -0.5*mat.Dot(gp.y, gp.alpha) - 0.5*gp.chol.LogDet() - 0.5*n*math.Log(2*math.Pi)
}

// Len returns the number of training points.
func (gp *GP) Len() int { return len(gp.x) }
