package dataset

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"io"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segforge/internal/determinism"
)

func writeShards(t *testing.T, dir string, shards, perShard int) []string {
	t.Helper()
	var paths []string
	for s := 0; s < shards; s++ {
		var pairs []testPair
		for i := 0; i < perShard; i++ {
			pairs = append(pairs, testPair{key: fmt.Sprintf("s%d-%02d", s, i), class: uint8((s + i) % 8)})
		}
		path := filepath.Join(dir, fmt.Sprintf("shard-%06d.tar", s))
		mustShard(t, path, pairs)
		paths = append(paths, path)
	}
	return paths
}

func collectKeys(t *testing.T, ds Dataset) []string {
	t.Helper()
	it := ds.Iter(context.Background())
	defer it.Close()
	var keys []string
	for {
		ex, err := it.Next()
		if errors.Is(err, io.EOF) {
			return keys
		}
		require.NoError(t, err)
		keys = append(keys, ex.Key)
	}
}

func TestSourceOrderedWithManyWorkers(t *testing.T) {
	determinism.EnableOpDeterminism()
	t.Cleanup(determinism.DisableOpDeterminism)

	shards := writeShards(t, t.TempDir(), 6, 3)
	ds, err := FromShards(shards, SourceOptions{Preprocess: testPreprocess(), NumWorkers: 4})
	require.NoError(t, err)

	want := collectKeys(t, ds)
	require.Len(t, want, 18)
	assert.True(t, sort.StringsAreSorted(want), "keys out of shard order: %v", want)
	for i := 0; i < 3; i++ {
		assert.Equal(t, want, collectKeys(t, ds))
	}
}

func TestSourceUnorderedKeepsAllExamples(t *testing.T) {
	determinism.DisableOpDeterminism()

	shards := writeShards(t, t.TempDir(), 4, 2)
	ds, err := FromShards(shards, SourceOptions{Preprocess: testPreprocess(), NumWorkers: 3})
	require.NoError(t, err)

	keys := collectKeys(t, ds)
	sort.Strings(keys)
	assert.Equal(t, []string{"s0-00", "s0-01", "s1-00", "s1-01", "s2-00", "s2-01", "s3-00", "s3-01"}, keys)
}

func TestSourceFromPairs(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("img%d.png", i)
		mustWrite(t, filepath.Join(dir, "images", name), solidPNG(t, 8, 8, color.Gray{Y: 200}))
		mustWrite(t, filepath.Join(dir, "masks", name), solidPNG(t, 8, 8, color.Gray{Y: uint8(i)}))
	}
	determinism.EnableOpDeterminism()
	t.Cleanup(determinism.DisableOpDeterminism)

	ds, err := Open(dir, SourceOptions{Preprocess: testPreprocess(), NumWorkers: 2, PairsPerJob: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"img0", "img1", "img2", "img3", "img4"}, collectKeys(t, ds))

	it := ds.Iter(context.Background())
	defer it.Close()
	ex, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4, 3}, ex.Image.Shape)
	assert.Len(t, ex.Mask, 16)
}

func TestSourceReportsDecodeErrors(t *testing.T) {
	dir := t.TempDir()
	mustShard(t, filepath.Join(dir, "shard-000000.tar"), []testPair{{"bad", 9}})

	ds, err := Open(dir, SourceOptions{Preprocess: testPreprocess(), NumWorkers: 2})
	require.NoError(t, err)
	it := ds.Iter(context.Background())
	defer it.Close()
	_, err = it.Next()
	require.ErrorIs(t, err, ErrClassOutOfRange)
}

func TestSourceStopsOnCancel(t *testing.T) {
	shards := writeShards(t, t.TempDir(), 3, 2)
	ds, err := FromShards(shards, SourceOptions{Preprocess: testPreprocess(), NumWorkers: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	it := ds.Iter(ctx)
	defer it.Close()
	cancel()
	for {
		_, err = it.Next()
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, context.Canceled)
}
