package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// RawSample is an undecoded image/mask pair read from a shard.
type RawSample struct {
	Key   string
	Image []byte
	Mask  []byte
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const (
	defaultPendingCap = 1024
	maskSuffix        = ".mask.png"
)

// entryKind splits a shard member name into its sample key and role.
func entryKind(name string) (key string, isImage, isMask bool) {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, maskSuffix) {
		return name[:len(name)-len(maskSuffix)], false, true
	}
	ext := filepath.Ext(lower)
	switch ext {
	case ".png", ".jpg", ".jpeg":
		return name[:len(name)-len(ext)], true, false
	}
	return "", false, false
}

// StreamShard streams paired samples from the shard at path. A shard member
// <key>.png|.jpg|.jpeg is the image and <key>.mask.png its mask.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan RawSample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan RawSample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- fmt.Errorf("open shard: %w", err)
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*RawSample)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- fmt.Errorf("read tar %s: %w", path, err)
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)
			key, isImage, isMask := entryKind(name)
			if !isImage && !isMask {
				continue
			}
			data, err := io.ReadAll(tr)
			if err != nil {
				errCh <- fmt.Errorf("read %s: %w", name, err)
				return
			}
			part := pending[key]
			if part == nil {
				part = &RawSample{Key: key}
				pending[key] = part
			}
			if isMask {
				part.Mask = data
			} else {
				part.Image = data
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if len(part.Image) > 0 && len(part.Mask) > 0 {
				delete(pending, key)
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- *part:
				}
			}
		}

		if len(pending) > 0 {
			errCh <- fmt.Errorf("%s: %d samples incomplete", path, len(pending))
		}
	}()

	return out, errCh
}

// StreamPairs reads image/mask file pairs from disk in order.
func StreamPairs(ctx context.Context, pairs []Pair) (<-chan RawSample, <-chan error) {
	out := make(chan RawSample)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for _, p := range pairs {
			img, err := os.ReadFile(p.ImagePath)
			if err != nil {
				errCh <- fmt.Errorf("read image: %w", err)
				return
			}
			mask, err := os.ReadFile(p.MaskPath)
			if err != nil {
				errCh <- fmt.Errorf("read mask: %w", err)
				return
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- RawSample{Key: p.Key, Image: img, Mask: mask}:
			}
		}
	}()
	return out, errCh
}
