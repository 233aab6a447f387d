package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// ReLU applies max(0, x) in place and returns x.
func ReLU(x *Tensor) *Tensor {
	for i, v := range x.Data {
		if v < 0 {
			x.Data[i] = 0
		}
	}
	return x
}

// ReLUBackward masks dy in place by y > 0, where y is the ReLU output.
func ReLUBackward(y, dy *Tensor) *Tensor {
	for i, v := range y.Data {
		if v <= 0 {
			dy.Data[i] = 0
		}
	}
	return dy
}

// MaxPool2x2 halves height and width. The returned indices record which input
// element won each output slot.
func MaxPool2x2(x *Tensor) (*Tensor, []int32) {
	h, w, c := x.HWC()
	if h%2 != 0 || w%2 != 0 {
		panic(fmt.Sprintf("nn: max pool needs even spatial dims, got %v", x.Shape))
	}
	oh, ow := h/2, w/2
	out := NewTensor(oh, ow, c)
	idx := make([]int32, len(out.Data))
	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			for ch := 0; ch < c; ch++ {
				best := int32(((2*oy)*w + 2*ox) * c + ch)
				bestV := x.Data[best]
				for dy := 0; dy < 2; dy++ {
					for dx := 0; dx < 2; dx++ {
						i := int32(((2*oy+dy)*w+(2*ox+dx))*c + ch)
						if x.Data[i] > bestV {
							best, bestV = i, x.Data[i]
						}
					}
				}
				o := (oy*ow+ox)*c + ch
				out.Data[o] = bestV
				idx[o] = best
			}
		}
	}
	return out, idx
}

// MaxPool2x2Backward scatters dy onto the winning inputs.
func MaxPool2x2Backward(inShape []int, idx []int32, dy *Tensor) *Tensor {
	dx := NewTensor(inShape...)
	for o, i := range idx {
		dx.Data[i] += dy.Data[o]
	}
	return dx
}

// Dropout zeroes elements with probability rate and scales survivors by
// 1/(1-rate). It returns the output and the applied multiplier per element;
// the mask is nil when nothing was dropped.
func Dropout(x *Tensor, rate float64, rng *rand.Rand) (*Tensor, []float64) {
	if rate <= 0 || rng == nil {
		return x, nil
	}
	keep := 1 - rate
	scale := 1 / keep
	mask := make([]float64, len(x.Data))
	out := NewTensor(x.Shape...)
	for i, v := range x.Data {
		if rng.Float64() < keep {
			mask[i] = scale
			out.Data[i] = v * scale
		}
	}
	return out, mask
}

// DropoutBackward applies the forward mask to dy.
func DropoutBackward(mask []float64, dy *Tensor) *Tensor {
	if mask == nil {
		return dy
	}
	dx := NewTensor(dy.Shape...)
	for i, m := range mask {
		dx.Data[i] = dy.Data[i] * m
	}
	return dx
}

// Concat joins a and b along the channel axis.
func Concat(a, b *Tensor) *Tensor {
	h, w, ca := a.HWC()
	hb, wb, cb := b.HWC()
	if h != hb || w != wb {
		panic(fmt.Sprintf("nn: concat spatial mismatch %v vs %v", a.Shape, b.Shape))
	}
	out := NewTensor(h, w, ca+cb)
	for p := 0; p < h*w; p++ {
		dst := out.Data[p*(ca+cb) : (p+1)*(ca+cb)]
		copy(dst[:ca], a.Data[p*ca:(p+1)*ca])
		copy(dst[ca:], b.Data[p*cb:(p+1)*cb])
	}
	return out
}

// ConcatBackward splits dy back into the gradients of the two inputs.
func ConcatBackward(dy *Tensor, ca int) (*Tensor, *Tensor) {
	h, w, c := dy.HWC()
	cb := c - ca
	da := NewTensor(h, w, ca)
	db := NewTensor(h, w, cb)
	for p := 0; p < h*w; p++ {
		src := dy.Data[p*c : (p+1)*c]
		copy(da.Data[p*ca:(p+1)*ca], src[:ca])
		copy(db.Data[p*cb:(p+1)*cb], src[ca:])
	}
	return da, db
}

// truncatedNormalStd is the standard deviation of a unit normal truncated
// to [-2, 2].
const truncatedNormalStd = 0.87962566103423978

// HeNormal fills p from a normal truncated at two standard deviations and
// rescaled so the resulting variance is 2/fanIn.
func HeNormal(p *Param, fanIn int, rng *rand.Rand) {
	std := math.Sqrt(2/float64(fanIn)) / truncatedNormalStd
	for i := range p.Value {
		v := rng.NormFloat64()
		for math.Abs(v) > 2 {
			v = rng.NormFloat64()
		}
		p.Value[i] = v * std
	}
}

// GlorotUniform fills p from U(-l, l) with l = sqrt(6/(fanIn+fanOut)).
func GlorotUniform(p *Param, fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range p.Value {
		p.Value[i] = (rng.Float64()*2 - 1) * limit
	}
}
