package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"segforge/internal/dataset"
	"segforge/internal/determinism"
	"segforge/internal/losses"
	"segforge/internal/metrics"
	"segforge/internal/model"
	"segforge/internal/nn"
	"segforge/internal/optim"
)

// gradPartitions is the number of slices a batch is cut into when op
// determinism is on. It does not depend on num_workers, so neither do the
// trained weights.
const gradPartitions = 8

// CompileOptions selects the optimizer, loss and metrics by name.
type CompileOptions struct {
	Optimizer    string
	LearningRate float64
	Loss         string
	Metrics      []string
	NumWorkers   int
	Seeds        *determinism.Source
	Logger       *slog.Logger
}

// Trainer binds a model to its optimizer, loss and metrics.
type Trainer struct {
	model   model.Model
	params  []*nn.Param
	opt     optim.Optimizer
	loss    losses.Loss
	metrics []metrics.Metric
	workers int
	seeds   *determinism.Source
	logger  *slog.Logger

	partials []*nn.Gradients
	total    *nn.Gradients
	step     int64
}

// Compile validates the names in opts and returns a ready Trainer.
func Compile(m model.Model, opts CompileOptions) (*Trainer, error) {
	if m == nil {
		return nil, errors.New("trainer: model is nil")
	}
	if opts.Seeds == nil {
		return nil, errors.New("trainer: seed source is required")
	}
	opt, err := optim.New(opts.Optimizer, opts.LearningRate)
	if err != nil {
		return nil, err
	}
	loss, err := losses.ByName(opts.Loss)
	if err != nil {
		return nil, err
	}
	var ms []metrics.Metric
	for _, name := range opts.Metrics {
		metric, err := metrics.ByName(name)
		if err != nil {
			return nil, err
		}
		ms = append(ms, metric)
	}
	workers := opts.NumWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	params := m.Parameters()
	return &Trainer{
		model:   m,
		params:  params,
		opt:     opt,
		loss:    loss,
		metrics: ms,
		workers: workers,
		seeds:   opts.Seeds,
		logger:  logger,
		total:   nn.NewGradients(params),
	}, nil
}

// Optimizer exposes the compiled optimizer.
func (t *Trainer) Optimizer() optim.Optimizer { return t.opt }

// Model returns the compiled model.
func (t *Trainer) Model() model.Model { return t.model }

// FitOptions controls Fit.
type FitOptions struct {
	Epochs   int
	LogEvery int
	// OnEpochEnd runs after every epoch; a non-nil error stops training.
	OnEpochEnd func(EpochMetrics) error
}

// StepResult is the outcome of one optimizer step.
type StepResult struct {
	Loss    float64
	Pixels  int
	Metrics []metrics.Metric
}

// Fit trains for opts.Epochs full passes over batches.
func (t *Trainer) Fit(ctx context.Context, batches dataset.Batches, opts FitOptions) (History, error) {
	var history History
	if opts.Epochs <= 0 {
		return history, fmt.Errorf("trainer: epochs must be > 0 (got %d)", opts.Epochs)
	}
	if opts.LogEvery <= 0 {
		opts.LogEvery = 10
	}

	epochMetrics := make([]metrics.Metric, len(t.metrics))
	for i, m := range t.metrics {
		epochMetrics[i] = m.Clone()
	}
	var window metrics.Window

	for epoch := 1; epoch <= opts.Epochs; epoch++ {
		var epochLoss metrics.Mean
		for _, m := range epochMetrics {
			m.Reset()
		}
		images := 0
		started := time.Now()

		it := batches.Iter(ctx)
		for stepInEpoch := 1; ; stepInEpoch++ {
			if err := ctx.Err(); err != nil {
				it.Close()
				return history, err
			}
			startData := time.Now()
			batch, err := it.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				it.Close()
				return history, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			dataTime := time.Since(startData)

			startCompute := time.Now()
			res, err := t.TrainStep(ctx, batch)
			if err != nil {
				it.Close()
				return history, fmt.Errorf("epoch %d step %d: %w", epoch, stepInEpoch, err)
			}
			computeTime := time.Since(startCompute)

			epochLoss.Add(res.Loss, float64(batch.Len()))
			for i, m := range res.Metrics {
				epochMetrics[i].Merge(m)
			}
			images += batch.Len()
			window.Record(metrics.Step{
				Images:   batch.Len(),
				Pixels:   res.Pixels,
				Data:     dataTime,
				Compute:  computeTime,
				Loss:     res.Loss,
				Accuracy: primaryResult(res.Metrics),
			})

			if window.Steps() >= opts.LogEvery {
				snap := window.Snapshot()
				t.logger.Info("step",
					slog.Int("epoch", epoch),
					slog.Int("step", stepInEpoch),
					slog.Float64("loss", snap.MeanLoss),
					slog.Float64("accuracy", snap.LastAccuracy),
					slog.Float64("images_per_sec", snap.ImagesPerSec),
					slog.Float64("pixels_per_sec", snap.PixelsPerSec),
					slog.Float64("data_ms", snap.AvgDataMS),
					slog.Float64("compute_ms", snap.AvgComputeMS),
				)
			}
		}
		it.Close()
		if images == 0 {
			return history, fmt.Errorf("trainer: epoch %d saw no data", epoch)
		}

		em := EpochMetrics{
			Epoch:   epoch,
			Loss:    epochLoss.Result(),
			Metrics: make(map[string]float64, len(epochMetrics)),
		}
		for _, m := range epochMetrics {
			em.Metrics[m.Name()] = m.Result()
		}
		em.Accuracy = em.Metrics["accuracy"]
		history.Epochs = append(history.Epochs, em)

		elapsed := time.Since(started)
		t.logger.Info("epoch done",
			slog.Int("epoch", epoch),
			slog.Int("epochs", opts.Epochs),
			slog.Float64("loss", em.Loss),
			slog.Float64("accuracy", em.Accuracy),
			slog.Int("images", images),
			slog.Duration("elapsed", elapsed),
		)
		if opts.OnEpochEnd != nil {
			if err := opts.OnEpochEnd(em); err != nil {
				return history, err
			}
		}
	}
	return history, nil
}

func primaryResult(ms []metrics.Metric) float64 {
	if len(ms) == 0 {
		return 0
	}
	return ms[0].Result()
}

// TrainStep computes the batch gradient and applies one optimizer update.
// The gradient is the mean over every pixel of every example in the batch.
func (t *Trainer) TrainStep(ctx context.Context, batch model.Batch) (StepResult, error) {
	n := batch.Len()
	if n == 0 {
		return StepResult{}, errors.New("trainer: empty batch")
	}
	if len(batch.Masks) != n {
		return StepResult{}, fmt.Errorf("trainer: %d images but %d masks", n, len(batch.Masks))
	}
	shape := t.model.InputShape()
	pixels := 0
	for i, img := range batch.Images {
		h, w, c := img.HWC()
		if h != shape[0] || w != shape[1] || c != shape[2] {
			return StepResult{}, fmt.Errorf("trainer: example %d has shape (%d, %d, %d), model expects %v", i, h, w, c, shape)
		}
		pixels += len(batch.Masks[i])
	}

	step := t.step
	var (
		parts []partial
		err   error
	)
	if determinism.OpDeterminismEnabled() {
		parts, err = t.gradientsStatic(ctx, batch, step)
	} else {
		parts, err = t.gradientsDynamic(ctx, batch, step)
	}
	if err != nil {
		return StepResult{}, err
	}

	t.total.Zero()
	lossSum := 0.0
	stepMetrics := make([]metrics.Metric, len(t.metrics))
	for i, m := range t.metrics {
		stepMetrics[i] = m.Clone()
	}
	for _, p := range parts {
		t.total.Add(p.grads)
		lossSum += p.loss
		for i, m := range p.metrics {
			stepMetrics[i].Merge(m)
		}
	}
	t.total.Scale(1 / float64(pixels))
	t.opt.Step(t.params, t.total)
	t.step++

	t.logger.Debug("train step",
		slog.Int64("step", step),
		slog.Int("batch", n),
		slog.Float64("grad_norm", t.total.Norm()),
	)
	return StepResult{Loss: lossSum / float64(pixels), Pixels: pixels, Metrics: stepMetrics}, nil
}

// partial is the gradient, loss sum and metric state of one slice of a batch.
type partial struct {
	grads   *nn.Gradients
	loss    float64
	metrics []metrics.Metric
}

func (t *Trainer) buffer(i int) *nn.Gradients {
	for len(t.partials) <= i {
		t.partials = append(t.partials, nn.NewGradients(t.params))
	}
	g := t.partials[i]
	g.Zero()
	return g
}

func (t *Trainer) newPartial(i int) *partial {
	p := &partial{grads: t.buffer(i), metrics: make([]metrics.Metric, len(t.metrics))}
	for j, m := range t.metrics {
		p.metrics[j] = m.Clone()
	}
	return p
}

// gradientsStatic splits the batch into fixed contiguous slices and returns
// them in slice order, so the reduction order never depends on scheduling.
func (t *Trainer) gradientsStatic(ctx context.Context, batch model.Batch, step int64) ([]partial, error) {
	n := batch.Len()
	parts := min(gradPartitions, n)
	out := make([]partial, parts)
	for i := range out {
		out[i] = *t.newPartial(i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)
	for i := 0; i < parts; i++ {
		lo, hi := i*n/parts, (i+1)*n/parts
		p := &out[i]
		g.Go(func() error {
			for e := lo; e < hi; e++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := t.accumulate(batch, e, step, p); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// gradientsDynamic lets each worker pull examples as it frees up and returns
// the per-worker partials in completion order.
func (t *Trainer) gradientsDynamic(ctx context.Context, batch model.Batch, step int64) ([]partial, error) {
	n := batch.Len()
	workers := min(t.workers, n)
	next := make(chan int, n)
	for e := 0; e < n; e++ {
		next <- e
	}
	close(next)

	var (
		mu  sync.Mutex
		out []partial
	)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		p := t.newPartial(w)
		g.Go(func() error {
			for e := range next {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := t.accumulate(batch, e, step, p); err != nil {
					return err
				}
			}
			mu.Lock()
			out = append(out, *p)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// accumulate runs forward, loss and backward for example e of batch into p.
// The dropout stream is keyed by (step, example) so it does not depend on
// which worker handles the example.
func (t *Trainer) accumulate(batch model.Batch, e int, step int64, p *partial) error {
	rng := t.seeds.Rand("dropout", step, int64(e))
	tape := t.model.Forward(batch.Images[e], true, rng)
	logits := tape.Logits()
	dLogits := nn.NewTensor(logits.Shape...)
	sum, err := t.loss.Compute(logits, batch.Masks[e], dLogits)
	if err != nil {
		return fmt.Errorf("example %d: %w", e, err)
	}
	for _, m := range p.metrics {
		m.Update(logits, batch.Masks[e])
	}
	t.model.Backward(tape, dLogits, p.grads)
	p.loss += sum
	return nil
}

// Evaluate runs the model in inference mode over one pass of batches and
// returns the mean per-pixel loss and the configured metrics.
func (t *Trainer) Evaluate(ctx context.Context, batches dataset.Batches) (EpochMetrics, error) {
	it := batches.Iter(ctx)
	defer it.Close()
	lossSum, pixels := 0.0, 0
	ms := make([]metrics.Metric, len(t.metrics))
	for i, m := range t.metrics {
		ms[i] = m.Clone()
	}
	for {
		batch, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return EpochMetrics{}, err
		}
		for e := range batch.Images {
			logits := t.model.Forward(batch.Images[e], false, nil).Logits()
			sum, err := t.loss.Compute(logits, batch.Masks[e], nil)
			if err != nil {
				return EpochMetrics{}, fmt.Errorf("example %d: %w", e, err)
			}
			lossSum += sum
			pixels += len(batch.Masks[e])
			for _, m := range ms {
				m.Update(logits, batch.Masks[e])
			}
		}
	}
	if pixels == 0 {
		return EpochMetrics{}, errors.New("trainer: no data to evaluate")
	}
	em := EpochMetrics{Loss: lossSum / float64(pixels), Metrics: make(map[string]float64, len(ms))}
	for _, m := range ms {
		em.Metrics[m.Name()] = m.Result()
	}
	em.Accuracy = em.Metrics["accuracy"]
	return em, nil
}
