package model

import (
	"errors"
	"fmt"
	"math/rand"

	"segforge/internal/determinism"
	"segforge/internal/nn"
)

// Options shapes the U-Net.
type Options struct {
	Filters int
	Classes int
	Depth   int
	Dropout float64
}

// DefaultOptions mirrors the reference segmentation setup.
func DefaultOptions() Options {
	return Options{Filters: 32, Classes: 23, Depth: 4, Dropout: 0.3}
}

type convLayer struct {
	conv *nn.Conv2D
	k, b int
	relu bool
}

func (l convLayer) forward(x *nn.Tensor) *nn.Tensor {
	y := l.conv.Forward(x)
	if l.relu {
		nn.ReLU(y)
	}
	return y
}

// backward consumes dy.
func (l convLayer) backward(x, y, dy *nn.Tensor, grads *nn.Gradients, needInput bool) *nn.Tensor {
	if l.relu {
		nn.ReLUBackward(y, dy)
	}
	return l.conv.Backward(x, dy, grads.Values[l.k], grads.Values[l.b], needInput)
}

type upLayer struct {
	conv *nn.Conv2DTranspose
	k, b int
}

type encoderBlock struct {
	c1, c2  convLayer
	dropout float64
	pool    bool
}

type decoderBlock struct {
	up     upLayer
	c1, c2 convLayer
}

// UNet is an encoder/decoder segmentation network with skip connections.
type UNet struct {
	inputShape [3]int
	opts       Options
	encoders   []encoderBlock
	decoders   []decoderBlock
	head       convLayer
	out        convLayer
	params     []*nn.Param
}

// UNetModel builds a U-Net for (height, width, channels) inputs. Weights are
// drawn from src, one stream per parameter name.
func UNetModel(inputShape [3]int, opts Options, src *determinism.Source) (*UNet, error) {
	h, w, c := inputShape[0], inputShape[1], inputShape[2]
	if h <= 0 || w <= 0 || c <= 0 {
		return nil, fmt.Errorf("unet: invalid input shape %v", inputShape)
	}
	if opts.Filters <= 0 || opts.Classes <= 0 {
		return nil, errors.New("unet: filters and classes must be > 0")
	}
	if opts.Depth < 1 {
		return nil, fmt.Errorf("unet: depth must be >= 1 (got %d)", opts.Depth)
	}
	if opts.Dropout < 0 || opts.Dropout >= 1 {
		return nil, fmt.Errorf("unet: dropout must be in [0, 1) (got %g)", opts.Dropout)
	}
	factor := 1 << opts.Depth
	if h%factor != 0 || w%factor != 0 {
		return nil, fmt.Errorf("unet: height and width must be divisible by %d (got %dx%d)", factor, h, w)
	}
	if src == nil {
		src = determinism.SetRandomSeed(0)
	}

	u := &UNet{inputShape: inputShape, opts: opts}

	in := c
	for i := 0; i <= opts.Depth; i++ {
		f := opts.Filters << i
		blk := encoderBlock{
			c1:   u.addConv(fmt.Sprintf("encoder%d/conv1", i), 3, in, f, true, src),
			c2:   u.addConv(fmt.Sprintf("encoder%d/conv2", i), 3, f, f, true, src),
			pool: i < opts.Depth,
		}
		if i >= opts.Depth-1 {
			blk.dropout = opts.Dropout
		}
		u.encoders = append(u.encoders, blk)
		in = f
	}
	for j := 0; j < opts.Depth; j++ {
		f := opts.Filters << (opts.Depth - 1 - j)
		blk := decoderBlock{
			up: u.addUp(fmt.Sprintf("decoder%d/up", j), in, f, src),
			c1: u.addConv(fmt.Sprintf("decoder%d/conv1", j), 3, 2*f, f, true, src),
			c2: u.addConv(fmt.Sprintf("decoder%d/conv2", j), 3, f, f, true, src),
		}
		u.decoders = append(u.decoders, blk)
		in = f
	}
	u.head = u.addConv("head/conv", 3, in, opts.Filters, true, src)
	u.out = u.addConv("head/logits", 1, opts.Filters, opts.Classes, false, src)
	return u, nil
}

func (u *UNet) addConv(name string, k, in, out int, relu bool, src *determinism.Source) convLayer {
	conv := nn.NewConv2D(name, k, k, in, out)
	if relu {
		nn.HeNormal(conv.Kernel, k*k*in, src.Rand(conv.Kernel.Name))
	} else {
		nn.GlorotUniform(conv.Kernel, k*k*in, k*k*out, src.Rand(conv.Kernel.Name))
	}
	l := convLayer{conv: conv, k: len(u.params), b: len(u.params) + 1, relu: relu}
	u.params = append(u.params, conv.Kernel, conv.Bias)
	return l
}

func (u *UNet) addUp(name string, in, out int, src *determinism.Source) upLayer {
	conv := nn.NewConv2DTranspose(name, in, out)
	nn.GlorotUniform(conv.Kernel, 9*in, 9*out, src.Rand(conv.Kernel.Name))
	l := upLayer{conv: conv, k: len(u.params), b: len(u.params) + 1}
	u.params = append(u.params, conv.Kernel, conv.Bias)
	return l
}

// Parameters returns the trainable parameters in construction order.
func (u *UNet) Parameters() []*nn.Param {
	return u.params
}

// InputShape returns (height, width, channels).
func (u *UNet) InputShape() [3]int {
	return u.inputShape
}

// Options returns the options the model was built with.
func (u *UNet) Options() Options {
	return u.opts
}

type encoderTape struct {
	in, a1, a2 *nn.Tensor
	mask       []float64
	out        *nn.Tensor
	idx        []int32
}

type decoderTape struct {
	in, cat, a1, a2 *nn.Tensor
}

type unetTape struct {
	enc    []encoderTape
	dec    []decoderTape
	headIn *nn.Tensor
	headA  *nn.Tensor
	logits *nn.Tensor
}

func (t *unetTape) Logits() *nn.Tensor {
	return t.logits
}

// Forward runs one example. Dropout is only applied when training and rng is
// non-nil.
func (u *UNet) Forward(x *nn.Tensor, training bool, rng *rand.Rand) Tape {
	tape := &unetTape{
		enc: make([]encoderTape, len(u.encoders)),
		dec: make([]decoderTape, len(u.decoders)),
	}
	for i, blk := range u.encoders {
		et := encoderTape{in: x}
		et.a1 = blk.c1.forward(x)
		et.a2 = blk.c2.forward(et.a1)
		et.out = et.a2
		if training && blk.dropout > 0 {
			et.out, et.mask = nn.Dropout(et.a2, blk.dropout, rng)
		}
		x = et.out
		if blk.pool {
			x, et.idx = nn.MaxPool2x2(et.out)
		}
		tape.enc[i] = et
	}
	depth := len(u.decoders)
	for j, blk := range u.decoders {
		skip := tape.enc[depth-1-j].out
		dt := decoderTape{in: x}
		dt.cat = nn.Concat(blk.up.conv.Forward(x), skip)
		dt.a1 = blk.c1.forward(dt.cat)
		dt.a2 = blk.c2.forward(dt.a1)
		x = dt.a2
		tape.dec[j] = dt
	}
	tape.headIn = x
	tape.headA = u.head.forward(x)
	tape.logits = u.out.forward(tape.headA)
	return tape
}

// Backward accumulates parameter gradients for one example into grads.
func (u *UNet) Backward(t Tape, dLogits *nn.Tensor, grads *nn.Gradients) {
	tape, ok := t.(*unetTape)
	if !ok {
		panic(fmt.Sprintf("unet: foreign tape %T", t))
	}
	d := u.out.backward(tape.headA, tape.logits, dLogits, grads, true)
	d = u.head.backward(tape.headIn, tape.headA, d, grads, true)

	depth := len(u.decoders)
	skipGrads := make([]*nn.Tensor, depth)
	for j := depth - 1; j >= 0; j-- {
		blk, dt := u.decoders[j], tape.dec[j]
		d = blk.c2.backward(dt.a1, dt.a2, d, grads, true)
		d = blk.c1.backward(dt.cat, dt.a1, d, grads, true)
		dUp, dSkip := nn.ConcatBackward(d, blk.up.conv.Out)
		skipGrads[depth-1-j] = dSkip
		d = blk.up.conv.Backward(dt.in, dUp, grads.Values[blk.up.k], grads.Values[blk.up.b])
	}

	for i := len(u.encoders) - 1; i >= 0; i-- {
		blk, et := u.encoders[i], tape.enc[i]
		if blk.pool {
			d = nn.MaxPool2x2Backward(et.out.Shape, et.idx, d)
			d.AddInPlace(skipGrads[i])
		}
		d = nn.DropoutBackward(et.mask, d)
		d = blk.c2.backward(et.a1, et.a2, d, grads, true)
		d = blk.c1.backward(et.in, et.a1, d, grads, i > 0)
	}
}

// LayerSummary describes one layer for display.
type LayerSummary struct {
	Name        string
	OutputShape [3]int
	Params      int
}

// Summary lists layers with output shapes and parameter counts.
func (u *UNet) Summary() []LayerSummary {
	h, w := u.inputShape[0], u.inputShape[1]
	var out []LayerSummary
	add := func(name string, oh, ow, oc int, ps ...*nn.Param) {
		n := 0
		for _, p := range ps {
			n += len(p.Value)
		}
		out = append(out, LayerSummary{Name: name, OutputShape: [3]int{oh, ow, oc}, Params: n})
	}
	for i, blk := range u.encoders {
		add(fmt.Sprintf("encoder%d/conv1", i), h, w, blk.c1.conv.Out, blk.c1.conv.Kernel, blk.c1.conv.Bias)
		add(fmt.Sprintf("encoder%d/conv2", i), h, w, blk.c2.conv.Out, blk.c2.conv.Kernel, blk.c2.conv.Bias)
		if blk.pool {
			h, w = h/2, w/2
			add(fmt.Sprintf("encoder%d/pool", i), h, w, blk.c2.conv.Out)
		}
	}
	for j, blk := range u.decoders {
		h, w = h*2, w*2
		add(fmt.Sprintf("decoder%d/up", j), h, w, blk.up.conv.Out, blk.up.conv.Kernel, blk.up.conv.Bias)
		add(fmt.Sprintf("decoder%d/conv1", j), h, w, blk.c1.conv.Out, blk.c1.conv.Kernel, blk.c1.conv.Bias)
		add(fmt.Sprintf("decoder%d/conv2", j), h, w, blk.c2.conv.Out, blk.c2.conv.Kernel, blk.c2.conv.Bias)
	}
	add("head/conv", h, w, u.head.conv.Out, u.head.conv.Kernel, u.head.conv.Bias)
	add("head/logits", h, w, u.out.conv.Out, u.out.conv.Kernel, u.out.conv.Bias)
	return out
}
