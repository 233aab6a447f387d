package nn

import "fmt"

// Conv2D is a stride-1 convolution with "same" padding.
// Kernel layout is (kh, kw, cin, cout).
type Conv2D struct {
	Kernel *Param
	Bias   *Param
	KH, KW int
	In     int
	Out    int
}

// NewConv2D allocates zeroed parameters under prefix.
func NewConv2D(prefix string, kh, kw, in, out int) *Conv2D {
	return &Conv2D{
		Kernel: NewParam(prefix+"/kernel", kh, kw, in, out),
		Bias:   NewParam(prefix+"/bias", out),
		KH:     kh,
		KW:     kw,
		In:     in,
		Out:    out,
	}
}

// Forward computes the convolution of x.
func (c *Conv2D) Forward(x *Tensor) *Tensor {
	h, w, cin := x.HWC()
	if cin != c.In {
		panic(fmt.Sprintf("nn: %s expects %d input channels, got %d", c.Kernel.Name, c.In, cin))
	}
	cout := c.Out
	out := NewTensor(h, w, cout)
	padT, padL := (c.KH-1)/2, (c.KW-1)/2
	k := c.Kernel.Value
	for oy := 0; oy < h; oy++ {
		for ox := 0; ox < w; ox++ {
			row := out.Data[(oy*w+ox)*cout : (oy*w+ox+1)*cout]
			copy(row, c.Bias.Value)
			for ky := 0; ky < c.KH; ky++ {
				iy := oy + ky - padT
				if iy < 0 || iy >= h {
					continue
				}
				for kx := 0; kx < c.KW; kx++ {
					ix := ox + kx - padL
					if ix < 0 || ix >= w {
						continue
					}
					in := x.Data[(iy*w+ix)*cin : (iy*w+ix+1)*cin]
					base := (ky*c.KW + kx) * cin * cout
					for ci, v := range in {
						if v == 0 {
							continue
						}
						wrow := k[base+ci*cout : base+(ci+1)*cout]
						for co, wv := range wrow {
							row[co] += v * wv
						}
					}
				}
			}
		}
	}
	return out
}

// Backward accumulates kernel and bias gradients into dK and dB and returns
// the input gradient. When needInput is false the input gradient is skipped
// and nil is returned.
func (c *Conv2D) Backward(x, dy *Tensor, dK, dB []float64, needInput bool) *Tensor {
	h, w, cin := x.HWC()
	cout := c.Out
	var dx *Tensor
	if needInput {
		dx = NewTensor(h, w, cin)
	}
	padT, padL := (c.KH-1)/2, (c.KW-1)/2
	k := c.Kernel.Value
	for oy := 0; oy < h; oy++ {
		for ox := 0; ox < w; ox++ {
			g := dy.Data[(oy*w+ox)*cout : (oy*w+ox+1)*cout]
			for co, gv := range g {
				dB[co] += gv
			}
			for ky := 0; ky < c.KH; ky++ {
				iy := oy + ky - padT
				if iy < 0 || iy >= h {
					continue
				}
				for kx := 0; kx < c.KW; kx++ {
					ix := ox + kx - padL
					if ix < 0 || ix >= w {
						continue
					}
					in := x.Data[(iy*w+ix)*cin : (iy*w+ix+1)*cin]
					base := (ky*c.KW + kx) * cin * cout
					for ci, v := range in {
						off := base + ci*cout
						dw := dK[off : off+cout]
						if needInput {
							wrow := k[off : off+cout]
							s := 0.0
							for co, gv := range g {
								s += wrow[co] * gv
								dw[co] += v * gv
							}
							dx.Data[(iy*w+ix)*cin+ci] += s
						} else if v != 0 {
							for co, gv := range g {
								dw[co] += v * gv
							}
						}
					}
				}
			}
		}
	}
	return dx
}

// Conv2DTranspose is a 3x3, stride-2 transposed convolution with "same"
// padding: output spatial size is twice the input. Kernel layout is
// (kh, kw, cin, cout).
type Conv2DTranspose struct {
	Kernel *Param
	Bias   *Param
	In     int
	Out    int
}

const (
	transposeK      = 3
	transposeStride = 2
)

// NewConv2DTranspose allocates zeroed parameters under prefix.
func NewConv2DTranspose(prefix string, in, out int) *Conv2DTranspose {
	return &Conv2DTranspose{
		Kernel: NewParam(prefix+"/kernel", transposeK, transposeK, in, out),
		Bias:   NewParam(prefix+"/bias", out),
		In:     in,
		Out:    out,
	}
}

// Forward upsamples x by two.
func (c *Conv2DTranspose) Forward(x *Tensor) *Tensor {
	h, w, cin := x.HWC()
	if cin != c.In {
		panic(fmt.Sprintf("nn: %s expects %d input channels, got %d", c.Kernel.Name, c.In, cin))
	}
	cout := c.Out
	oh, ow := h*transposeStride, w*transposeStride
	out := NewTensor(oh, ow, cout)
	for p := 0; p < oh*ow; p++ {
		copy(out.Data[p*cout:(p+1)*cout], c.Bias.Value)
	}
	k := c.Kernel.Value
	for iy := 0; iy < h; iy++ {
		for ix := 0; ix < w; ix++ {
			in := x.Data[(iy*w+ix)*cin : (iy*w+ix+1)*cin]
			for ky := 0; ky < transposeK; ky++ {
				oy := iy*transposeStride + ky
				if oy >= oh {
					continue
				}
				for kx := 0; kx < transposeK; kx++ {
					ox := ix*transposeStride + kx
					if ox >= ow {
						continue
					}
					row := out.Data[(oy*ow+ox)*cout : (oy*ow+ox+1)*cout]
					base := (ky*transposeK + kx) * cin * cout
					for ci, v := range in {
						if v == 0 {
							continue
						}
						wrow := k[base+ci*cout : base+(ci+1)*cout]
						for co, wv := range wrow {
							row[co] += v * wv
						}
					}
				}
			}
		}
	}
	return out
}

// Backward accumulates parameter gradients and returns the input gradient.
func (c *Conv2DTranspose) Backward(x, dy *Tensor, dK, dB []float64) *Tensor {
	h, w, cin := x.HWC()
	cout := c.Out
	oh, ow := h*transposeStride, w*transposeStride
	for p := 0; p < oh*ow; p++ {
		for co, gv := range dy.Data[p*cout : (p+1)*cout] {
			dB[co] += gv
		}
	}
	dx := NewTensor(h, w, cin)
	k := c.Kernel.Value
	for iy := 0; iy < h; iy++ {
		for ix := 0; ix < w; ix++ {
			in := x.Data[(iy*w+ix)*cin : (iy*w+ix+1)*cin]
			din := dx.Data[(iy*w+ix)*cin : (iy*w+ix+1)*cin]
			for ky := 0; ky < transposeK; ky++ {
				oy := iy*transposeStride + ky
				if oy >= oh {
					continue
				}
				for kx := 0; kx < transposeK; kx++ {
					ox := ix*transposeStride + kx
					if ox >= ow {
						continue
					}
					g := dy.Data[(oy*ow+ox)*cout : (oy*ow+ox+1)*cout]
					base := (ky*transposeK + kx) * cin * cout
					for ci, v := range in {
						off := base + ci*cout
						wrow := k[off : off+cout]
						dw := dK[off : off+cout]
						s := 0.0
						for co, gv := range g {
							s += wrow[co] * gv
							dw[co] += v * gv
						}
						din[ci] += s
					}
				}
			}
		}
	}
	return dx
}
