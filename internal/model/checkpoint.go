package model

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"segforge/internal/determinism"
	"segforge/internal/nn"
)

// ErrDigestMismatch is returned when loaded weights do not hash to the
// digest recorded next to them.
var ErrDigestMismatch = errors.New("checkpoint: weight digest mismatch")

const (
	weightsFile  = "weights.bin"
	metadataFile = "checkpoint.yaml"
)

// Digest hashes parameter names, shapes and exact float bits. Two models
// with equal digests hold bit-identical weights.
func Digest(params []*nn.Param) string {
	h := sha256.New()
	var buf [8]byte
	for _, p := range params {
		io.WriteString(h, p.Name)
		for _, d := range p.Shape {
			binary.LittleEndian.PutUint64(buf[:], uint64(d))
			h.Write(buf[:])
		}
		for _, v := range p.Value {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			h.Write(buf[:])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CountParameters sums parameter sizes.
func CountParameters(params []*nn.Param) int {
	n := 0
	for _, p := range params {
		n += len(p.Value)
	}
	return n
}

// ParamInfo is the shape record stored in checkpoint metadata.
type ParamInfo struct {
	Name  string `yaml:"name"`
	Shape []int  `yaml:"shape"`
}

// Metadata is written as checkpoint.yaml beside the weights.
type Metadata struct {
	RunID         string                  `yaml:"run_id"`
	Seed          int64                   `yaml:"seed"`
	Deterministic bool                    `yaml:"deterministic"`
	Epochs        int                     `yaml:"epochs"`
	InputShape    [3]int                  `yaml:"input_shape"`
	Digest        string                  `yaml:"digest"`
	CreatedAt     time.Time               `yaml:"created_at"`
	Fingerprint   determinism.Fingerprint `yaml:"fingerprint"`
	Params        []ParamInfo             `yaml:"params"`
}

// SaveCheckpoint writes weights and metadata into dir. Digest and Params in
// meta are filled from params.
func SaveCheckpoint(dir string, params []*nn.Param, meta Metadata) (Metadata, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return meta, fmt.Errorf("checkpoint: mkdir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, weightsFile))
	if err != nil {
		return meta, fmt.Errorf("checkpoint: create weights: %w", err)
	}
	w := bufio.NewWriter(f)
	var buf [8]byte
	for _, p := range params {
		for _, v := range p.Value {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			if _, err := w.Write(buf[:]); err != nil {
				f.Close()
				return meta, fmt.Errorf("checkpoint: write weights: %w", err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return meta, fmt.Errorf("checkpoint: flush weights: %w", err)
	}
	if err := f.Close(); err != nil {
		return meta, fmt.Errorf("checkpoint: close weights: %w", err)
	}

	meta.Digest = Digest(params)
	meta.Params = meta.Params[:0]
	for _, p := range params {
		meta.Params = append(meta.Params, ParamInfo{Name: p.Name, Shape: append([]int(nil), p.Shape...)})
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	out, err := yaml.Marshal(meta)
	if err != nil {
		return meta, fmt.Errorf("checkpoint: marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), out, 0o644); err != nil {
		return meta, fmt.Errorf("checkpoint: write metadata: %w", err)
	}
	return meta, nil
}

// LoadCheckpoint reads weights from dir into params, which must match the
// recorded names and shapes, and verifies the digest.
func LoadCheckpoint(dir string, params []*nn.Param) (Metadata, error) {
	var meta Metadata
	raw, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return meta, fmt.Errorf("checkpoint: read metadata: %w", err)
	}
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("checkpoint: parse metadata: %w", err)
	}
	if len(meta.Params) != len(params) {
		return meta, fmt.Errorf("checkpoint: %d params recorded, model has %d", len(meta.Params), len(params))
	}
	for i, p := range params {
		info := meta.Params[i]
		if info.Name != p.Name || !equalShape(info.Shape, p.Shape) {
			return meta, fmt.Errorf("checkpoint: param %d is %s%v, model has %s%v", i, info.Name, info.Shape, p.Name, p.Shape)
		}
	}

	f, err := os.Open(filepath.Join(dir, weightsFile))
	if err != nil {
		return meta, fmt.Errorf("checkpoint: open weights: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)
	var buf [8]byte
	for _, p := range params {
		for i := range p.Value {
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return meta, fmt.Errorf("checkpoint: read %s: %w", p.Name, err)
			}
			p.Value[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[:]))
		}
	}
	if got := Digest(params); got != meta.Digest {
		return meta, fmt.Errorf("%w: recorded %s, loaded %s", ErrDigestMismatch, meta.Digest, got)
	}
	return meta, nil
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
