package state

import (
	"context"
	"math"
)

// EpochDiff is one epoch whose recorded values differ between two runs.
type EpochDiff struct {
	Epoch     int
	LossA     float64
	LossB     float64
	AccuracyA float64
	AccuracyB float64
}

// Comparison is the result of CompareRuns.
type Comparison struct {
	A, B              *Run
	DigestsMatch      bool
	FingerprintsMatch bool
	EpochsA, EpochsB  int
	Diffs             []EpochDiff
}

// Identical reports whether both runs ended with the same weights and
// recorded bit-identical metrics for every epoch.
func (c Comparison) Identical() bool {
	return c.DigestsMatch && c.EpochsA == c.EpochsB && len(c.Diffs) == 0
}

// CompareRuns loads two runs and compares digests and per-epoch metrics bit
// for bit.
func (s *Store) CompareRuns(ctx context.Context, idA, idB string) (Comparison, error) {
	a, err := s.GetRun(ctx, idA)
	if err != nil {
		return Comparison{}, err
	}
	b, err := s.GetRun(ctx, idB)
	if err != nil {
		return Comparison{}, err
	}
	epochsA, err := s.Epochs(ctx, a.ID)
	if err != nil {
		return Comparison{}, err
	}
	epochsB, err := s.Epochs(ctx, b.ID)
	if err != nil {
		return Comparison{}, err
	}

	cmp := Comparison{
		A:                 a,
		B:                 b,
		DigestsMatch:      a.Digest != "" && a.Digest == b.Digest,
		FingerprintsMatch: a.Fingerprint.Equal(b.Fingerprint),
		EpochsA:           len(epochsA),
		EpochsB:           len(epochsB),
	}
	for i := 0; i < min(len(epochsA), len(epochsB)); i++ {
		ea, eb := epochsA[i], epochsB[i]
		if !sameBits(ea.Loss, eb.Loss) || !sameBits(ea.Accuracy, eb.Accuracy) {
			cmp.Diffs = append(cmp.Diffs, EpochDiff{
				Epoch: ea.Epoch,
				LossA: ea.Loss, LossB: eb.Loss,
				AccuracyA: ea.Accuracy, AccuracyB: eb.Accuracy,
			})
		}
	}
	return cmp, nil
}

func sameBits(a, b float64) bool {
	return math.Float64bits(a) == math.Float64bits(b)
}
