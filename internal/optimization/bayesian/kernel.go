package bayesian

import (
	"fmt"
	"math"
)

// Kernel is a stationary covariance function over unit-cube points.
type Kernel interface {
	// Eval computes the covariance between x1 and x2.
	Eval(x1, x2 []float64) float64

	// Hyperparameters returns length scale and signal variance.
	Hyperparameters() []float64

	// SetHyperparameters replaces length scale and signal variance.
	SetHyperparameters(params []float64) error
}

// Matern52 is the Matérn 5/2 kernel. Its sample paths are twice
// differentiable, which suits cost surfaces of smooth model outputs.
type Matern52 struct {
	LengthScale float64
	SignalVar   float64
}

// NewMatern52 returns a Matérn 5/2 kernel.
func NewMatern52(lengthScale, signalVar float64) (*Matern52, error) {
	k := &Matern52{}
	if err := k.SetHyperparameters([]float64{lengthScale, signalVar}); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *Matern52) Eval(x1, x2 []float64) float64 {
	r := math.Sqrt(sqDist(x1, x2)) / k.LengthScale
	s5r := math.Sqrt(5) * r
	return k.SignalVar * (1 + s5r + 5.0/3.0*r*r) * math.Exp(-s5r)
}

func (k *Matern52) Hyperparameters() []float64 {
	return []float64{k.LengthScale, k.SignalVar}
}

func (k *Matern52) SetHyperparameters(params []float64) error {
	l, s, err := checkHyper(params)
	if err != nil {
		return err
	}
	k.LengthScale, k.SignalVar = l, s
	return nil
}

// RBF is the squared exponential kernel.
type RBF struct {
	LengthScale float64
	SignalVar   float64
}

// NewRBF returns a squared exponential kernel.
func NewRBF(lengthScale, signalVar float64) (*RBF, error) {
	k := &RBF{}
	if err := k.SetHyperparameters([]float64{lengthScale, signalVar}); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *RBF) Eval(x1, x2 []float64) float64 {
	return k.SignalVar * math.Exp(-sqDist(x1, x2)/(2*k.LengthScale*k.LengthScale))
}

func (k *RBF) Hyperparameters() []float64 {
	return []float64{k.LengthScale, k.SignalVar}
}

func (k *RBF) SetHyperparameters(params []float64) error {
	l, s, err := checkHyper(params)
	if err != nil {
		return err
	}
	k.LengthScale, k.SignalVar = l, s
	return nil
}

func checkHyper(params []float64) (float64, float64, error) {
	if len(params) != 2 {
		return 0, 0, fmt.Errorf("expected 2 hyperparameters, got %d", len(params))
	}
	for _, p := range params {
		if !(p > 0) || math.IsInf(p, 0) {
			return 0, 0, fmt.Errorf("hyperparameters must be positive and finite, got %v", params)
		}
	}
	return params[0], params[1], nil
}

func sqDist(x1, x2 []float64) float64 {
	sum := 0.0
	for i := range x1 {
		d := x1[i] - x2[i]
		sum += d * d
	}
	return sum
}
