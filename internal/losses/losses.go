// Package losses implements per-pixel classification losses.
package losses

import (
	"errors"
	"fmt"
	"math"

	"segforge/internal/nn"
)

// Loss scores logits against integer labels, one label per pixel.
type Loss interface {
	Name() string
	// Compute returns the summed loss over all pixels and writes the gradient
	// of that sum w.r.t. logits into grad, which must match the logits shape.
	Compute(logits *nn.Tensor, labels []int, grad *nn.Tensor) (float64, error)
}

// ErrLabelOutOfRange is returned for labels outside [0, classes).
var ErrLabelOutOfRange = errors.New("losses: label out of range")

const probEpsilon = 1e-7

// SparseCategoricalCrossentropy is cross-entropy with integer targets.
// With FromLogits the inputs are unnormalized scores and softmax is applied
// first; otherwise they are treated as probabilities.
type SparseCategoricalCrossentropy struct {
	FromLogits bool
}

func (SparseCategoricalCrossentropy) Name() string { return "sparse_categorical_crossentropy" }

func (l SparseCategoricalCrossentropy) Compute(logits *nn.Tensor, labels []int, grad *nn.Tensor) (float64, error) {
	h, w, classes := logits.HWC()
	if len(labels) != h*w {
		return 0, fmt.Errorf("losses: %d labels for %dx%d logits", len(labels), h, w)
	}
	if grad != nil && len(grad.Data) != len(logits.Data) {
		return 0, fmt.Errorf("losses: gradient shape %v does not match logits %v", grad.Shape, logits.Shape)
	}
	probs := make([]float64, classes)
	total := 0.0
	for p, label := range labels {
		if label < 0 || label >= classes {
			return 0, fmt.Errorf("%w: %d not in [0, %d)", ErrLabelOutOfRange, label, classes)
		}
		row := logits.Data[p*classes : (p+1)*classes]
		if l.FromLogits {
			softmax(row, probs)
			total -= math.Log(math.Max(probs[label], 1e-300))
			if grad != nil {
				g := grad.Data[p*classes : (p+1)*classes]
				copy(g, probs)
				g[label] -= 1
			}
			continue
		}
		sum := 0.0
		for _, v := range row {
			sum += v
		}
		pl := clamp(row[label]/sum, probEpsilon, 1-probEpsilon)
		total -= math.Log(pl)
		if grad != nil {
			g := grad.Data[p*classes : (p+1)*classes]
			for c := range g {
				g[c] = 1 / sum
			}
			g[label] -= 1 / (pl * sum)
		}
	}
	return total, nil
}

func softmax(logits, out []float64) {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	sum := 0.0
	for i, v := range logits {
		e := math.Exp(v - maxLogit)
		out[i] = e
		sum += e
	}
	inv := 1.0 / sum
	for i := range out {
		out[i] *= inv
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// ByName resolves the loss names accepted by the compile step.
func ByName(name string) (Loss, error) {
	switch name {
	case "sparse_categorical_crossentropy_logits", "sparse_categorical_crossentropy_from_logits":
		return SparseCategoricalCrossentropy{FromLogits: true}, nil
	case "sparse_categorical_crossentropy":
		return SparseCategoricalCrossentropy{}, nil
	default:
		return nil, fmt.Errorf("losses: unknown loss %q", name)
	}
}
