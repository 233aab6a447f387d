package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"

	"segforge/internal/model"
	"segforge/internal/nn"
)

// ErrClassOutOfRange is returned for mask values >= the configured class count.
var ErrClassOutOfRange = errors.New("dataset: mask class out of range")

// PreprocessOptions fixes the decoded element shape.
type PreprocessOptions struct {
	Height   int
	Width    int
	Channels int
	Classes  int
}

func (o PreprocessOptions) validate() error {
	if o.Height <= 0 || o.Width <= 0 {
		return fmt.Errorf("dataset: invalid target size %dx%d", o.Height, o.Width)
	}
	if o.Channels != 1 && o.Channels != 3 {
		return fmt.Errorf("dataset: channels must be 1 or 3 (got %d)", o.Channels)
	}
	if o.Classes <= 0 {
		return fmt.Errorf("dataset: classes must be > 0 (got %d)", o.Classes)
	}
	return nil
}

// Preprocess decodes a raw pair into an Example: the image scaled to [0,1],
// the mask reduced to one class id per pixel (max over RGB), both resized to
// the target size with nearest-neighbour sampling.
func Preprocess(raw RawSample, opts PreprocessOptions) (model.Example, error) {
	img, _, err := image.Decode(bytes.NewReader(raw.Image))
	if err != nil {
		return model.Example{}, fmt.Errorf("decode image %s: %w", raw.Key, err)
	}
	mask, _, err := image.Decode(bytes.NewReader(raw.Mask))
	if err != nil {
		return model.Example{}, fmt.Errorf("decode mask %s: %w", raw.Key, err)
	}
	img = resizeNearest(dropAlpha(img), opts.Width, opts.Height)
	mask = resizeNearest(dropAlpha(mask), opts.Width, opts.Height)

	h, w, c := opts.Height, opts.Width, opts.Channels
	x := nn.NewTensor(h, w, c)
	labels := make([]int, h*w)
	ib, mb := img.Bounds(), mask.Bounds()
	for y := 0; y < h; y++ {
		for xx := 0; xx < w; xx++ {
			r, g, b, _ := img.At(ib.Min.X+xx, ib.Min.Y+y).RGBA()
			px := x.Data[(y*w+xx)*c : (y*w+xx+1)*c]
			if c == 3 {
				px[0] = float64(r) / 0xffff
				px[1] = float64(g) / 0xffff
				px[2] = float64(b) / 0xffff
			} else {
				px[0] = (float64(r) + float64(g) + float64(b)) / (3 * 0xffff)
			}

			mr, mg, mbv, _ := mask.At(mb.Min.X+xx, mb.Min.Y+y).RGBA()
			class := int(max(mr, mg, mbv) >> 8)
			if class >= opts.Classes {
				return model.Example{}, fmt.Errorf("%w: %s pixel (%d,%d) has class %d, want < %d",
					ErrClassOutOfRange, raw.Key, xx, y, class, opts.Classes)
			}
			labels[y*w+xx] = class
		}
	}
	return model.Example{Key: raw.Key, Image: x, Mask: labels}, nil
}

// dropAlpha returns img with every pixel made opaque, keeping the
// non-premultiplied RGB values. Opaque images are returned unchanged.
func dropAlpha(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	dst := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			c.A = 0xff
			dst.SetNRGBA(x, y, c)
		}
	}
	return dst
}

func resizeNearest(src image.Image, width, height int) image.Image {
	b := src.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
