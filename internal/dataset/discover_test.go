package dataset

import (
	"image/color"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverShardsBasic(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "shard-000000.tar"), nil)
	mustWrite(t, filepath.Join(dir, "nested", "shard-000001.tar"), nil)
	mustWrite(t, filepath.Join(dir, "ignore.txt"), nil)

	shards, err := DiscoverShards(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "nested", "shard-000001.tar"),
		filepath.Join(dir, "shard-000000.tar"),
	}, shards)
}

func TestDiscoverPairs(t *testing.T) {
	dir := t.TempDir()
	img := solidPNG(t, 2, 2, color.White)
	mustWrite(t, filepath.Join(dir, "images", "b.png"), img)
	mustWrite(t, filepath.Join(dir, "images", "a.png"), img)
	mustWrite(t, filepath.Join(dir, "images", "notes.txt"), nil)
	mustWrite(t, filepath.Join(dir, "masks", "a.png"), img)
	mustWrite(t, filepath.Join(dir, "masks", "b.png"), img)

	pairs, err := DiscoverPairs(dir)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "a", pairs[0].Key)
	assert.Equal(t, filepath.Join(dir, "masks", "b.png"), pairs[1].MaskPath)
}

func TestDiscoverPairsMissingMask(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "images", "a.png"), solidPNG(t, 2, 2, color.White))
	mustWrite(t, filepath.Join(dir, "masks", "other.png"), nil)

	_, err := DiscoverPairs(dir)
	require.Error(t, err)
}

func TestDiscoverPrefersShards(t *testing.T) {
	dir := t.TempDir()
	mustShard(t, filepath.Join(dir, "shard-000000.tar"), []testPair{{"k", 1}})

	layout, err := Discover(dir)
	require.NoError(t, err)
	assert.Len(t, layout.Shards, 1)
	assert.Empty(t, layout.Pairs)

	_, err = Discover(t.TempDir())
	require.ErrorIs(t, err, ErrNoData)
}
