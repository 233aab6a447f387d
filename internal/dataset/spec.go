package dataset

import (
	"strconv"
	"strings"
)

// TensorSpec is the static shape and element type of one component.
// A dimension of -1 is unknown.
type TensorSpec struct {
	Shape []int
	DType string
}

func (t TensorSpec) String() string {
	dims := make([]string, len(t.Shape))
	for i, d := range t.Shape {
		if d < 0 {
			dims[i] = "None"
		} else {
			dims[i] = strconv.Itoa(d)
		}
	}
	shape := strings.Join(dims, ", ")
	if len(dims) == 1 {
		shape += ","
	}
	return "TensorSpec(shape=(" + shape + "), dtype=" + t.DType + ")"
}

// ElementSpec describes (image, mask) elements.
type ElementSpec struct {
	Image TensorSpec
	Mask  TensorSpec
}

// NewElementSpec is the spec of unbatched (image, mask) pairs.
func NewElementSpec(height, width, channels int) ElementSpec {
	return ElementSpec{
		Image: TensorSpec{Shape: []int{height, width, channels}, DType: "float64"},
		Mask:  TensorSpec{Shape: []int{height, width, 1}, DType: "int"},
	}
}

// Batched prepends an unknown batch dimension.
func (s ElementSpec) Batched() ElementSpec {
	return ElementSpec{
		Image: TensorSpec{Shape: append([]int{-1}, s.Image.Shape...), DType: s.Image.DType},
		Mask:  TensorSpec{Shape: append([]int{-1}, s.Mask.Shape...), DType: s.Mask.DType},
	}
}

func (s ElementSpec) String() string {
	return "(" + s.Image.String() + ", " + s.Mask.String() + ")"
}
