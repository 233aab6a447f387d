package model

import (
	"math/rand"

	"segforge/internal/nn"
)

// Example is one image with its per-pixel class mask.
type Example struct {
	Key   string
	Image *nn.Tensor
	Mask  []int
}

// Batch represents a minibatch of images and masks.
type Batch struct {
	Images []*nn.Tensor
	Masks  [][]int
}

// Len returns the number of examples in the batch.
func (b Batch) Len() int {
	return len(b.Images)
}

// Tape carries whatever a model's Forward recorded for its Backward.
type Tape interface {
	Logits() *nn.Tensor
}

// Model defines the training functionality the fit loop relies on.
// Forward and Backward must be safe to call concurrently for different
// examples; they only read parameters.
type Model interface {
	Parameters() []*nn.Param
	InputShape() [3]int
	Forward(x *nn.Tensor, training bool, rng *rand.Rand) Tape
	Backward(tape Tape, dLogits *nn.Tensor, grads *nn.Gradients)
}
