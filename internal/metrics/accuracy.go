package metrics

import (
	"fmt"
	"strings"

	"segforge/internal/nn"
)

// Metric is a running epoch-level statistic.
type Metric interface {
	Name() string
	Update(logits *nn.Tensor, labels []int)
	Merge(other Metric)
	Result() float64
	Reset()
	Clone() Metric
}

// Accuracy is the share of pixels whose argmax logit equals the label.
type Accuracy struct {
	correct int64
	total   int64
}

func (a *Accuracy) Name() string { return "accuracy" }

func (a *Accuracy) Update(logits *nn.Tensor, labels []int) {
	_, _, classes := logits.HWC()
	for p, label := range labels {
		row := logits.Data[p*classes : (p+1)*classes]
		best := 0
		for c := 1; c < classes; c++ {
			if row[c] > row[best] {
				best = c
			}
		}
		if best == label {
			a.correct++
		}
	}
	a.total += int64(len(labels))
}

func (a *Accuracy) Merge(other Metric) {
	o, ok := other.(*Accuracy)
	if !ok {
		panic(fmt.Sprintf("metrics: cannot merge %T into accuracy", other))
	}
	a.correct += o.correct
	a.total += o.total
}

func (a *Accuracy) Result() float64 {
	if a.total == 0 {
		return 0
	}
	return float64(a.correct) / float64(a.total)
}

func (a *Accuracy) Reset() { *a = Accuracy{} }

func (a *Accuracy) Clone() Metric { return &Accuracy{} }

// ByName resolves metric names accepted by the compile step.
func ByName(name string) (Metric, error) {
	switch strings.ToLower(name) {
	case "accuracy", "acc", "sparse_categorical_accuracy":
		return &Accuracy{}, nil
	default:
		return nil, fmt.Errorf("metrics: unknown metric %q", name)
	}
}

// Mean is a weighted running mean, used for the epoch loss.
type Mean struct {
	sum    float64
	weight float64
}

// Add folds value in with weight.
func (m *Mean) Add(value, weight float64) {
	m.sum += value * weight
	m.weight += weight
}

// Result returns the weighted mean, 0 when empty.
func (m *Mean) Result() float64 {
	if m.weight == 0 {
		return 0
	}
	return m.sum / m.weight
}

// Reset clears the mean.
func (m *Mean) Reset() { *m = Mean{} }
