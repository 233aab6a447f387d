package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"segforge/internal/determinism"
	"segforge/internal/model"
)

// SourceOptions configures the decoding source.
type SourceOptions struct {
	Preprocess PreprocessOptions
	NumWorkers int
	PendingCap int
	// PairsPerJob groups directory-layout pairs into decode jobs.
	PairsPerJob int
	Logger      *slog.Logger
}

const defaultPairsPerJob = 32

// source decodes shards (or pair chunks) on a worker pool. With op
// determinism enabled the output follows job order; otherwise it follows
// completion order.
type source struct {
	jobs []jobSpec
	opts SourceOptions
}

type jobSpec struct {
	name   string
	stream func(ctx context.Context) (<-chan RawSample, <-chan error)
}

// Open discovers the data under root and returns it as a source dataset.
func Open(root string, opts SourceOptions) (Dataset, error) {
	layout, err := Discover(root)
	if err != nil {
		return nil, err
	}
	if len(layout.Shards) > 0 {
		return FromShards(layout.Shards, opts)
	}
	return FromPairs(layout.Pairs, opts)
}

// FromShards builds a source over shard files, one decode job per shard.
func FromShards(shards []string, opts SourceOptions) (Dataset, error) {
	if len(shards) == 0 {
		return nil, errors.New("dataset: no shards provided")
	}
	jobs := make([]jobSpec, 0, len(shards))
	for _, path := range shards {
		path := path
		jobs = append(jobs, jobSpec{
			name: path,
			stream: func(ctx context.Context) (<-chan RawSample, <-chan error) {
				return StreamShard(ctx, path, opts.PendingCap)
			},
		})
	}
	return newSource(jobs, opts)
}

// FromPairs builds a source over image/mask files.
func FromPairs(pairs []Pair, opts SourceOptions) (Dataset, error) {
	if len(pairs) == 0 {
		return nil, errors.New("dataset: no pairs provided")
	}
	per := opts.PairsPerJob
	if per <= 0 {
		per = defaultPairsPerJob
	}
	var jobs []jobSpec
	for start := 0; start < len(pairs); start += per {
		chunk := pairs[start:min(start+per, len(pairs))]
		jobs = append(jobs, jobSpec{
			name: chunk[0].ImagePath,
			stream: func(ctx context.Context) (<-chan RawSample, <-chan error) {
				return StreamPairs(ctx, chunk)
			},
		})
	}
	return newSource(jobs, opts)
}

func newSource(jobs []jobSpec, opts SourceOptions) (Dataset, error) {
	if err := opts.Preprocess.validate(); err != nil {
		return nil, err
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &source{jobs: jobs, opts: opts}, nil
}

func (s *source) ElementSpec() ElementSpec {
	p := s.opts.Preprocess
	return NewElementSpec(p.Height, p.Width, p.Channels)
}

func (s *source) Iter(parent context.Context) Iterator {
	ctx, cancel := context.WithCancel(parent)
	out := make(chan model.Example, s.opts.NumWorkers*2)
	errCh := make(chan error, 1)

	ordered := determinism.OpDeterminismEnabled()
	// Bounds how many decoded jobs may wait for an earlier one.
	slots := make(chan struct{}, s.opts.NumWorkers*2)
	jobs := make(chan decodeJob)
	results := make(chan decodeResult, s.opts.NumWorkers)

	go func() {
		defer close(jobs)
		for id, spec := range s.jobs {
			select {
			case <-ctx.Done():
				return
			case slots <- struct{}{}:
			}
			select {
			case <-ctx.Done():
				return
			case jobs <- decodeJob{id: int64(id), spec: spec}:
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < s.opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, jobs, results)
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		if err := runAggregator(ctx, results, out, slots, ordered); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	return &chanIterator{parent: parent, cancel: cancel, out: out, errs: errCh}
}

type decodeJob struct {
	id   int64
	spec jobSpec
}

type decodeResult struct {
	id       int64
	name     string
	examples []model.Example
	err      error
}

func (s *source) worker(ctx context.Context, jobs <-chan decodeJob, results chan<- decodeResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			res := decodeResult{id: job.id, name: job.spec.name}
			res.examples, res.err = s.decode(ctx, job.spec)
			s.opts.Logger.Debug("decoded job", "job", job.spec.name, "examples", len(res.examples))
			select {
			case <-ctx.Done():
				return
			case results <- res:
			}
		}
	}
}

func (s *source) decode(ctx context.Context, spec jobSpec) ([]model.Example, error) {
	samples, errs := spec.stream(ctx)
	var examples []model.Example
	for raw := range samples {
		ex, err := Preprocess(raw, s.opts.Preprocess)
		if err != nil {
			// Drain so the stream goroutine can exit.
			for range samples {
			}
			return nil, err
		}
		examples = append(examples, ex)
	}
	if err := <-errs; err != nil {
		return nil, err
	}
	return examples, nil
}

func runAggregator(ctx context.Context, results <-chan decodeResult, out chan<- model.Example, slots <-chan struct{}, ordered bool) error {
	pending := make(map[int64]decodeResult)
	var nextID int64
	emit := func(res decodeResult) error {
		if res.err != nil {
			return fmt.Errorf("%s: %w", res.name, res.err)
		}
		for _, ex := range res.examples {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- ex:
			}
		}
		<-slots
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				if len(pending) > 0 {
					return fmt.Errorf("dataset: %d decode results never emitted", len(pending))
				}
				return nil
			}
			if !ordered {
				if err := emit(res); err != nil {
					return err
				}
				continue
			}
			pending[res.id] = res
			for {
				next, ok := pending[nextID]
				if !ok {
					break
				}
				delete(pending, nextID)
				nextID++
				if err := emit(next); err != nil {
					return err
				}
			}
		}
	}
}

// chanIterator adapts the channel pipeline to Iterator.
type chanIterator struct {
	parent context.Context
	cancel context.CancelFunc
	out    <-chan model.Example
	errs   <-chan error
}

func (it *chanIterator) Next() (model.Example, error) {
	if ex, ok := <-it.out; ok {
		return ex, nil
	}
	if err, ok := <-it.errs; ok && err != nil {
		return model.Example{}, err
	}
	if err := it.parent.Err(); err != nil {
		return model.Example{}, err
	}
	return model.Example{}, io.EOF
}

func (it *chanIterator) Close() {
	it.cancel()
}
