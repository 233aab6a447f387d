package determinism

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveSeedStable(t *testing.T) {
	a := SetRandomSeed(1)
	b := SetRandomSeed(1)
	assert.Equal(t, a.DeriveSeed("shuffle", 0), b.DeriveSeed("shuffle", 0))
	assert.NotEqual(t, a.DeriveSeed("shuffle", 0), a.DeriveSeed("shuffle", 1))
	assert.NotEqual(t, a.DeriveSeed("shuffle", 0), a.DeriveSeed("init", 0))
	assert.NotEqual(t, a.DeriveSeed("shuffle", 0), SetRandomSeed(2).DeriveSeed("shuffle", 0))
}

func TestRandStreamsIndependentOfOrder(t *testing.T) {
	src := SetRandomSeed(7)

	first := src.Rand("dropout", 3).Int63()
	_ = src.Rand("init").Int63()
	second := src.Rand("dropout", 3).Int63()

	assert.Equal(t, first, second)
}

func TestOpDeterminismToggle(t *testing.T) {
	t.Cleanup(DisableOpDeterminism)

	DisableOpDeterminism()
	require.False(t, OpDeterminismEnabled())
	EnableOpDeterminism()
	require.True(t, OpDeterminismEnabled())
}

func TestFingerprintEqual(t *testing.T) {
	fp := CurrentFingerprint()
	require.NotEmpty(t, fp.GOARCH)
	assert.True(t, fp.Equal(CurrentFingerprint()))

	other := fp
	other.Features = append([]string{"EXTRA"}, fp.Features...)
	assert.False(t, fp.Equal(other))
	assert.Contains(t, fp.String(), fp.GOARCH)
}
