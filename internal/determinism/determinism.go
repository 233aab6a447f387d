// Package determinism owns the global seed and the process-wide determinism switch.
//
// Every random consumer derives its own stream from the seed and a label, so the
// values a component sees never depend on which other components ran first.
package determinism

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
)

var opDeterminism atomic.Bool

// EnableOpDeterminism makes parallel stages emit and reduce in a fixed order.
func EnableOpDeterminism() {
	opDeterminism.Store(true)
}

// DisableOpDeterminism lets parallel stages use completion order.
func DisableOpDeterminism() {
	opDeterminism.Store(false)
}

// OpDeterminismEnabled reports the current setting.
func OpDeterminismEnabled() bool {
	return opDeterminism.Load()
}

// Source derives independent RNG streams from one seed.
type Source struct {
	seed int64
}

// SetRandomSeed returns the Source every component of a run draws from.
func SetRandomSeed(seed int64) *Source {
	return &Source{seed: seed}
}

// Seed returns the root seed.
func (s *Source) Seed() int64 {
	return s.seed
}

// DeriveSeed mixes the root seed with label and indices.
func (s *Source) DeriveSeed(label string, indices ...int64) int64 {
	h := fnv.New64a()
	h.Write([]byte(label))
	x := splitmix64(uint64(s.seed) ^ h.Sum64())
	for _, idx := range indices {
		x = splitmix64(x ^ uint64(idx))
	}
	return int64(x)
}

// Rand returns a fresh stream for label and indices.
func (s *Source) Rand(label string, indices ...int64) *rand.Rand {
	return rand.New(rand.NewSource(s.DeriveSeed(label, indices...)))
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
