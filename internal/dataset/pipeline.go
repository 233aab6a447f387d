package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"

	"segforge/internal/determinism"
	"segforge/internal/model"
)

// Dataset is a re-iterable stream of examples. Each Iter call starts a new
// pass; Next returns io.EOF at the end of the pass.
type Dataset interface {
	ElementSpec() ElementSpec
	Iter(ctx context.Context) Iterator
}

// Iterator walks one pass of a Dataset.
type Iterator interface {
	Next() (model.Example, error)
	Close()
}

// FromExamples is an in-memory dataset.
func FromExamples(examples []model.Example) (Dataset, error) {
	if len(examples) == 0 {
		return nil, errors.New("dataset: no examples")
	}
	h, w, c := examples[0].Image.HWC()
	for i, ex := range examples {
		eh, ew, ec := ex.Image.HWC()
		if eh != h || ew != w || ec != c || len(ex.Mask) != h*w {
			return nil, fmt.Errorf("dataset: example %d has shape (%d, %d, %d) with %d mask values, want (%d, %d, %d)",
				i, eh, ew, ec, len(ex.Mask), h, w, c)
		}
	}
	return &memory{examples: examples, spec: NewElementSpec(h, w, c)}, nil
}

type memory struct {
	examples []model.Example
	spec     ElementSpec
}

func (m *memory) ElementSpec() ElementSpec { return m.spec }

func (m *memory) Iter(ctx context.Context) Iterator {
	return &sliceIterator{ctx: ctx, items: m.examples}
}

type sliceIterator struct {
	ctx   context.Context
	items []model.Example
	pos   int
}

func (it *sliceIterator) Next() (model.Example, error) {
	if err := it.ctx.Err(); err != nil {
		return model.Example{}, err
	}
	if it.pos >= len(it.items) {
		return model.Example{}, io.EOF
	}
	ex := it.items[it.pos]
	it.pos++
	return ex, nil
}

func (it *sliceIterator) Close() {}

// Cache materializes the first complete pass over src in memory and replays
// it afterwards. An interrupted pass leaves the cache empty.
func Cache(src Dataset) Dataset {
	return &cached{src: src}
}

type cached struct {
	src   Dataset
	mu    sync.Mutex
	items []model.Example
	done  bool
}

func (c *cached) ElementSpec() ElementSpec { return c.src.ElementSpec() }

func (c *cached) Iter(ctx context.Context) Iterator {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return &sliceIterator{ctx: ctx, items: c.items}
	}
	return &cachingIterator{owner: c, upstream: c.src.Iter(ctx)}
}

// Len reports the cached element count, or -1 before the first full pass.
func (c *cached) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		return -1
	}
	return len(c.items)
}

type cachingIterator struct {
	owner    *cached
	upstream Iterator
	items    []model.Example
}

func (it *cachingIterator) Next() (model.Example, error) {
	ex, err := it.upstream.Next()
	if errors.Is(err, io.EOF) {
		it.owner.mu.Lock()
		if !it.owner.done {
			it.owner.items = it.items
			it.owner.done = true
		}
		it.owner.mu.Unlock()
		return ex, err
	}
	if err != nil {
		return ex, err
	}
	it.items = append(it.items, ex)
	return ex, nil
}

func (it *cachingIterator) Close() { it.upstream.Close() }

// Shuffle randomizes order with a streaming buffer of bufferSize elements.
// Each pass draws from its own stream, so passes differ from each other while
// the sequence of passes is fixed by the seed.
func Shuffle(src Dataset, bufferSize int, seeds *determinism.Source) (Dataset, error) {
	if bufferSize <= 0 {
		return nil, fmt.Errorf("dataset: shuffle buffer must be > 0 (got %d)", bufferSize)
	}
	if seeds == nil {
		return nil, errors.New("dataset: shuffle needs a seed source")
	}
	return &shuffled{src: src, bufferSize: bufferSize, seeds: seeds}, nil
}

type shuffled struct {
	src        Dataset
	bufferSize int
	seeds      *determinism.Source
	passes     atomic.Int64
}

func (s *shuffled) ElementSpec() ElementSpec { return s.src.ElementSpec() }

func (s *shuffled) Iter(ctx context.Context) Iterator {
	pass := s.passes.Add(1) - 1
	return &shuffleIterator{
		upstream: s.src.Iter(ctx),
		size:     s.bufferSize,
		rng:      s.seeds.Rand("shuffle", pass),
	}
}

type shuffleIterator struct {
	upstream  Iterator
	size      int
	buf       []model.Example
	exhausted bool
	rng       *rand.Rand
}

func (it *shuffleIterator) pull() (model.Example, bool, error) {
	if it.exhausted {
		return model.Example{}, false, nil
	}
	ex, err := it.upstream.Next()
	if errors.Is(err, io.EOF) {
		it.exhausted = true
		return model.Example{}, false, nil
	}
	if err != nil {
		return model.Example{}, false, err
	}
	return ex, true, nil
}

func (it *shuffleIterator) Next() (model.Example, error) {
	for len(it.buf) < it.size {
		ex, ok, err := it.pull()
		if err != nil {
			return model.Example{}, err
		}
		if !ok {
			break
		}
		it.buf = append(it.buf, ex)
	}
	if len(it.buf) == 0 {
		return model.Example{}, io.EOF
	}
	i := it.rng.Intn(len(it.buf))
	out := it.buf[i]
	last := len(it.buf) - 1
	it.buf[i] = it.buf[last]
	it.buf = it.buf[:last]
	return out, nil
}

func (it *shuffleIterator) Close() { it.upstream.Close() }

// Batches is a dataset of minibatches.
type Batches interface {
	ElementSpec() ElementSpec
	Iter(ctx context.Context) BatchIterator
	BatchSize() int
}

// BatchIterator walks one pass of a Batches.
type BatchIterator interface {
	Next() (model.Batch, error)
	Close()
}

// Batch groups consecutive examples. The final batch of a pass may be short.
func Batch(src Dataset, size int) (Batches, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dataset: batch size must be > 0 (got %d)", size)
	}
	return &batched{src: src, size: size}, nil
}

type batched struct {
	src  Dataset
	size int
}

func (b *batched) ElementSpec() ElementSpec { return b.src.ElementSpec().Batched() }

func (b *batched) BatchSize() int { return b.size }

func (b *batched) Iter(ctx context.Context) BatchIterator {
	return &batchIterator{upstream: b.src.Iter(ctx), size: b.size}
}

type batchIterator struct {
	upstream Iterator
	size     int
	done     bool
}

func (it *batchIterator) Next() (model.Batch, error) {
	if it.done {
		return model.Batch{}, io.EOF
	}
	var batch model.Batch
	for batch.Len() < it.size {
		ex, err := it.upstream.Next()
		if errors.Is(err, io.EOF) {
			it.done = true
			break
		}
		if err != nil {
			return model.Batch{}, err
		}
		batch.Images = append(batch.Images, ex.Image)
		batch.Masks = append(batch.Masks, ex.Mask)
	}
	if batch.Len() == 0 {
		return model.Batch{}, io.EOF
	}
	return batch, nil
}

func (it *batchIterator) Close() { it.upstream.Close() }

// Count drains one pass of ds and returns its length.
func Count(ctx context.Context, ds Dataset) (int, error) {
	it := ds.Iter(ctx)
	defer it.Close()
	n := 0
	for {
		_, err := it.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}
