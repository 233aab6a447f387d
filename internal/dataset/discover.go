package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

// ErrNoData is returned when a root holds neither shards nor image/mask directories.
var ErrNoData = errors.New("dataset: no shards or image/mask pairs found")

// DiscoverShards returns paths to shard TAR files beneath root, sorted.
func DiscoverShards(root string) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if shardRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover shards: %w", err)
	}
	sort.Strings(entries)
	return entries, nil
}

// Pair names an image file and its mask file.
type Pair struct {
	Key       string
	ImagePath string
	MaskPath  string
}

// DiscoverPairs matches <root>/images/<name> with <root>/masks/<name>.
// Every image needs a mask with the same file name.
func DiscoverPairs(root string) ([]Pair, error) {
	imageDir := filepath.Join(root, "images")
	maskDir := filepath.Join(root, "masks")
	entries, err := os.ReadDir(imageDir)
	if err != nil {
		return nil, fmt.Errorf("discover pairs: %w", err)
	}
	pairs := make([]Pair, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, isImage, _ := entryKind(e.Name())
		if !isImage {
			continue
		}
		maskPath := filepath.Join(maskDir, e.Name())
		if _, err := os.Stat(maskPath); err != nil {
			return nil, fmt.Errorf("discover pairs: mask for %s: %w", e.Name(), err)
		}
		pairs = append(pairs, Pair{
			Key:       key,
			ImagePath: filepath.Join(imageDir, e.Name()),
			MaskPath:  maskPath,
		})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].ImagePath < pairs[j].ImagePath })
	return pairs, nil
}

// Layout describes what Discover found under a root.
type Layout struct {
	Root   string
	Shards []string
	Pairs  []Pair
}

// Discover inspects root for shards first, then the images/ + masks/ layout.
func Discover(root string) (Layout, error) {
	shards, err := DiscoverShards(root)
	if err != nil {
		return Layout{}, err
	}
	if len(shards) > 0 {
		return Layout{Root: root, Shards: shards}, nil
	}
	if _, err := os.Stat(filepath.Join(root, "images")); err == nil {
		pairs, err := DiscoverPairs(root)
		if err != nil {
			return Layout{}, err
		}
		if len(pairs) > 0 {
			return Layout{Root: root, Pairs: pairs}, nil
		}
	}
	return Layout{}, fmt.Errorf("%w under %s", ErrNoData, root)
}
