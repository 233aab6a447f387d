package dataset

import (
	"archive/tar"
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"segforge/internal/determinism"
)

// SynthOptions controls WriteSynthetic.
type SynthOptions struct {
	Count    int
	Height   int
	Width    int
	Classes  int
	PerShard int
	Shapes   int
}

// WriteSynthetic writes Count image/mask pairs into shard files under dir.
// Each image is a class-coloured background with a few filled rectangles and discs;
// the mask stores the class id in every channel. Output depends only on
// the seed source.
func WriteSynthetic(dir string, opts SynthOptions, seeds *determinism.Source) ([]string, error) {
	if opts.Count <= 0 || opts.Height <= 0 || opts.Width <= 0 {
		return nil, fmt.Errorf("synth: count and size must be > 0")
	}
	if opts.Classes < 2 || opts.Classes > 256 {
		return nil, fmt.Errorf("synth: classes must be in [2, 256] (got %d)", opts.Classes)
	}
	if opts.PerShard <= 0 {
		opts.PerShard = 64
	}
	if opts.Shapes <= 0 {
		opts.Shapes = 3
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("synth: mkdir: %w", err)
	}

	palette := make([]color.RGBA, opts.Classes)
	prng := seeds.Rand("synth/palette")
	for i := range palette {
		palette[i] = color.RGBA{R: uint8(prng.Intn(256)), G: uint8(prng.Intn(256)), B: uint8(prng.Intn(256)), A: 255}
	}

	var shards []string
	for start, shardID := 0, 0; start < opts.Count; start, shardID = start+opts.PerShard, shardID+1 {
		buf := &bytes.Buffer{}
		tw := tar.NewWriter(buf)
		for i := start; i < min(start+opts.PerShard, opts.Count); i++ {
			img, mask := synthPair(opts, palette, seeds, int64(i))
			key := fmt.Sprintf("%08d", i)
			if err := addPNG(tw, key+".png", img); err != nil {
				return nil, err
			}
			if err := addPNG(tw, key+maskSuffix, mask); err != nil {
				return nil, err
			}
		}
		if err := tw.Close(); err != nil {
			return nil, fmt.Errorf("synth: close tar: %w", err)
		}
		path := filepath.Join(dir, fmt.Sprintf("shard-%06d.tar", shardID))
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			return nil, fmt.Errorf("synth: write shard: %w", err)
		}
		shards = append(shards, path)
	}
	return shards, nil
}

func synthPair(opts SynthOptions, palette []color.RGBA, seeds *determinism.Source, index int64) (*image.RGBA, *image.RGBA) {
	rng := seeds.Rand("synth/example", index)
	img := image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height))
	mask := image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height))
	// fill paints the pixels of the box [x0,x1)x[y0,y1) for which inside holds.
	fill := func(x0, y0, x1, y1, class int, inside func(x, y int) bool) {
		c := palette[class]
		m := color.RGBA{R: uint8(class), G: uint8(class), B: uint8(class), A: 255}
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				if inside != nil && !inside(x, y) {
					continue
				}
				img.SetRGBA(x, y, c)
				mask.SetRGBA(x, y, m)
			}
		}
	}
	fill(0, 0, opts.Width, opts.Height, 0, nil)
	for s := 0; s < opts.Shapes; s++ {
		class := 1 + rng.Intn(opts.Classes-1)
		w := 1 + rng.Intn(max(1, opts.Width/2))
		h := 1 + rng.Intn(max(1, opts.Height/2))
		x0 := rng.Intn(opts.Width - w + 1)
		y0 := rng.Intn(opts.Height - h + 1)
		if rng.Intn(2) == 0 {
			fill(x0, y0, x0+w, y0+h, class, nil)
			continue
		}
		d := min(w, h)
		fill(x0, y0, x0+d, y0+d, class, func(x, y int) bool { return inDisc(x0, y0, d, x, y) })
	}
	return img, mask
}

// inDisc reports whether pixel (x, y) has its centre inside the disc
// inscribed in the d x d box at (x0, y0). Coordinates are doubled so pixel
// centres stay integral.
func inDisc(x0, y0, d, x, y int) bool {
	dx := 2*(x-x0) + 1 - d
	dy := 2*(y-y0) + 1 - d
	return dx*dx+dy*dy <= d*d
}

func addPNG(tw *tar.Writer, name string, img image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("synth: encode %s: %w", name, err)
	}
	hdr := &tar.Header{Name: name, Size: int64(buf.Len()), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("synth: tar header %s: %w", name, err)
	}
	if _, err := tw.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("synth: tar write %s: %w", name, err)
	}
	return nil
}
