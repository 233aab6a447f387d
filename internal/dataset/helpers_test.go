package dataset

import (
	"archive/tar"
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// solidPNG encodes a w×h image filled with c.
func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type testPair struct {
	key   string
	class uint8
}

// mustShard writes a shard whose samples are 4×4 images with uniform masks.
func mustShard(t *testing.T, path string, pairs []testPair) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for _, p := range pairs {
		addTarPayload(t, tw, p.key+".png", solidPNG(t, 4, 4, color.RGBA{R: p.class * 10, A: 255}))
		addTarPayload(t, tw, p.key+".mask.png", solidPNG(t, 4, 4, color.RGBA{R: p.class, G: p.class, B: p.class, A: 255}))
	}
	require.NoError(t, tw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func addTarPayload(t *testing.T, tw *tar.Writer, name string, data []byte) {
	t.Helper()
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	require.NoError(t, tw.WriteHeader(hdr))
	_, err := tw.Write(data)
	require.NoError(t, err)
}

func mustWrite(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func testPreprocess() PreprocessOptions {
	return PreprocessOptions{Height: 4, Width: 4, Channels: 3, Classes: 8}
}
