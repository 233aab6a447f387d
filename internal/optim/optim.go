// Package optim implements the optimizers the compile step can select by name.
package optim

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"segforge/internal/nn"
)

// ErrUnknownOptimizer is returned by New for unsupported names.
var ErrUnknownOptimizer = errors.New("optim: unknown optimizer")

// Optimizer updates parameters from gradients.
type Optimizer interface {
	Name() string
	Step(params []*nn.Param, grads *nn.Gradients)
	Iterations() int
}

// New returns the optimizer for name with its default hyperparameters.
func New(name string, learningRate float64) (Optimizer, error) {
	if learningRate <= 0 {
		return nil, fmt.Errorf("optim: learning rate must be > 0 (got %g)", learningRate)
	}
	switch strings.ToLower(name) {
	case "adam":
		return NewAdam(learningRate, 0.9, 0.999, 1e-7), nil
	case "sgd":
		return &SGD{LearningRate: learningRate}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOptimizer, name)
	}
}

// SGD is plain gradient descent.
type SGD struct {
	LearningRate float64
	iterations   int
}

func (o *SGD) Name() string { return "sgd" }

func (o *SGD) Iterations() int { return o.iterations }

func (o *SGD) Step(params []*nn.Param, grads *nn.Gradients) {
	o.iterations++
	for i, p := range params {
		g := grads.Values[i]
		for j := range p.Value {
			p.Value[j] -= o.LearningRate * g[j]
		}
	}
}

// Adam keeps first and second moment estimates per parameter and folds the
// bias correction into the step size:
//
//	m = m + (g - m)(1 - beta1)
//	v = v + (g² - v)(1 - beta2)
//	p = p - lr·sqrt(1-beta2^t)/(1-beta1^t) · m/(sqrt(v)+epsilon)
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	m, v [][]float64
	t    int
}

// NewAdam creates an Adam optimizer. Moment buffers are allocated on the
// first step.
func NewAdam(lr, beta1, beta2, epsilon float64) *Adam {
	return &Adam{LearningRate: lr, Beta1: beta1, Beta2: beta2, Epsilon: epsilon}
}

func (o *Adam) Name() string { return "adam" }

func (o *Adam) Iterations() int { return o.t }

func (o *Adam) Step(params []*nn.Param, grads *nn.Gradients) {
	if o.m == nil {
		o.m = make([][]float64, len(params))
		o.v = make([][]float64, len(params))
		for i, p := range params {
			o.m[i] = make([]float64, len(p.Value))
			o.v[i] = make([]float64, len(p.Value))
		}
	}
	o.t++
	t := float64(o.t)
	alpha := o.LearningRate * math.Sqrt(1-math.Pow(o.Beta2, t)) / (1 - math.Pow(o.Beta1, t))
	for i, p := range params {
		g, m, v := grads.Values[i], o.m[i], o.v[i]
		for j := range p.Value {
			m[j] += (g[j] - m[j]) * (1 - o.Beta1)
			v[j] += (g[j]*g[j] - v[j]) * (1 - o.Beta2)
			p.Value[j] -= alpha * m[j] / (math.Sqrt(v[j]) + o.Epsilon)
		}
	}
}
