// Package nn holds the layer kernels the U-Net needs. Tensors are single
// examples in (height, width, channels) order; batching happens a level up.
package nn

import (
	"fmt"
	"math"
)

// Tensor is a dense row-major float64 array.
type Tensor struct {
	Shape []int
	Data  []float64
}

// NewTensor allocates a zeroed tensor.
func NewTensor(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, n)}
}

// FromData wraps data without copying.
func FromData(data []float64, shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("nn: shape %v needs %d values, got %d", shape, n, len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// HWC returns height, width and channels of a rank-3 tensor.
func (t *Tensor) HWC() (int, int, int) {
	if len(t.Shape) != 3 {
		panic(fmt.Sprintf("nn: expected rank 3, got shape %v", t.Shape))
	}
	return t.Shape[0], t.Shape[1], t.Shape[2]
}

// Clone deep-copies t.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{Shape: append([]int(nil), t.Shape...), Data: make([]float64, len(t.Data))}
	copy(out.Data, t.Data)
	return out
}

// AddInPlace adds o into t.
func (t *Tensor) AddInPlace(o *Tensor) {
	if len(t.Data) != len(o.Data) {
		panic(fmt.Sprintf("nn: add shape mismatch %v vs %v", t.Shape, o.Shape))
	}
	for i, v := range o.Data {
		t.Data[i] += v
	}
}

// Param is a named trainable array.
type Param struct {
	Name  string
	Shape []int
	Value []float64
}

// NewParam allocates a zeroed parameter.
func NewParam(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{Name: name, Shape: append([]int(nil), shape...), Value: make([]float64, n)}
}

// Gradients holds one buffer per parameter, aligned with a parameter list.
type Gradients struct {
	Values [][]float64
}

// NewGradients allocates zeroed buffers shaped like params.
func NewGradients(params []*Param) *Gradients {
	g := &Gradients{Values: make([][]float64, len(params))}
	for i, p := range params {
		g.Values[i] = make([]float64, len(p.Value))
	}
	return g
}

// Zero clears every buffer.
func (g *Gradients) Zero() {
	for _, v := range g.Values {
		clear(v)
	}
}

// Add accumulates o into g in parameter order.
func (g *Gradients) Add(o *Gradients) {
	for i, v := range o.Values {
		dst := g.Values[i]
		for j, x := range v {
			dst[j] += x
		}
	}
}

// Scale multiplies every buffer by s.
func (g *Gradients) Scale(s float64) {
	for _, v := range g.Values {
		for j := range v {
			v[j] *= s
		}
	}
}

// Norm is the global L2 norm.
func (g *Gradients) Norm() float64 {
	sum := 0.0
	for _, v := range g.Values {
		for _, x := range v {
			sum += x * x
		}
	}
	return math.Sqrt(sum)
}
