package trainer

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segforge/internal/dataset"
	"segforge/internal/determinism"
	"segforge/internal/model"
	"segforge/internal/nn"
	"segforge/internal/optim"
	"segforge/internal/testutil"
)

const side = 8

// separableExamples labels a pixel 1 when its red channel is bright.
func separableExamples(n int) []model.Example {
	rng := determinism.SetRandomSeed(42).Rand("examples")
	out := make([]model.Example, n)
	for i := range out {
		img := nn.NewTensor(side, side, 3)
		mask := make([]int, side*side)
		for p := range mask {
			if rng.Intn(2) == 1 {
				img.Data[p*3] = 1
				mask[p] = 1
			}
			img.Data[p*3+1] = rng.Float64() * 0.2
			img.Data[p*3+2] = rng.Float64() * 0.2
		}
		out[i] = model.Example{Key: string(rune('a' + i)), Image: img, Mask: mask}
	}
	return out
}

func newPipeline(t *testing.T, seeds *determinism.Source, n, batch int) dataset.Batches {
	t.Helper()
	base, err := dataset.FromExamples(separableExamples(n))
	require.NoError(t, err)
	shuffled, err := dataset.Shuffle(dataset.Cache(base), 500, seeds)
	require.NoError(t, err)
	batches, err := dataset.Batch(shuffled, batch)
	require.NoError(t, err)
	return batches
}

func newTrainer(t *testing.T, seeds *determinism.Source, dropout, lr float64, workers int) (*model.UNet, *Trainer) {
	t.Helper()
	m, err := model.UNetModel([3]int{side, side, 3}, model.Options{Filters: 4, Classes: 2, Depth: 1, Dropout: dropout}, seeds)
	require.NoError(t, err)
	tr, err := Compile(m, CompileOptions{
		Optimizer:    "adam",
		LearningRate: lr,
		Loss:         "sparse_categorical_crossentropy_logits",
		Metrics:      []string{"accuracy"},
		NumWorkers:   workers,
		Seeds:        seeds,
		Logger:       testutil.NewTestLogger(t),
	})
	require.NoError(t, err)
	return m, tr
}

func TestCompileRejectsUnknownNames(t *testing.T) {
	seeds := determinism.SetRandomSeed(1)
	m, err := model.UNetModel([3]int{side, side, 3}, model.Options{Filters: 2, Classes: 2, Depth: 1}, seeds)
	require.NoError(t, err)

	_, err = Compile(m, CompileOptions{Optimizer: "adagrad", LearningRate: 0.1, Loss: "sparse_categorical_crossentropy", Seeds: seeds})
	require.ErrorIs(t, err, optim.ErrUnknownOptimizer)

	_, err = Compile(m, CompileOptions{Optimizer: "adam", LearningRate: 0.1, Loss: "hinge", Seeds: seeds})
	require.Error(t, err)

	_, err = Compile(m, CompileOptions{Optimizer: "adam", LearningRate: 0.1, Loss: "sparse_categorical_crossentropy", Metrics: []string{"iou"}, Seeds: seeds})
	require.Error(t, err)
}

func TestFitLossDecreases(t *testing.T) {
	determinism.EnableOpDeterminism()
	t.Cleanup(determinism.DisableOpDeterminism)

	seeds := determinism.SetRandomSeed(1)
	_, tr := newTrainer(t, seeds, 0, 0.01, 2)
	var seen []int
	history, err := tr.Fit(context.Background(), newPipeline(t, seeds, 8, 4), FitOptions{
		Epochs:   15,
		LogEvery: 2,
		OnEpochEnd: func(em EpochMetrics) error {
			seen = append(seen, em.Epoch)
			return nil
		},
	})
	require.NoError(t, err)
	require.Len(t, history.Epochs, 15)
	assert.Len(t, seen, 15)
	assert.Equal(t, 30, tr.Optimizer().Iterations())

	first := history.Epochs[0]
	last, ok := history.Final()
	require.True(t, ok)
	assert.Less(t, last.Loss, first.Loss)
	assert.GreaterOrEqual(t, last.Accuracy, 0.0)
	assert.LessOrEqual(t, last.Accuracy, 1.0)
}

func TestFitDeterministicAcrossRunsAndWorkerCounts(t *testing.T) {
	determinism.EnableOpDeterminism()
	t.Cleanup(determinism.DisableOpDeterminism)

	run := func(workers int) (string, History) {
		seeds := determinism.SetRandomSeed(1)
		m, tr := newTrainer(t, seeds, 0.3, 0.001, workers)
		h, err := tr.Fit(context.Background(), newPipeline(t, seeds, 6, 4), FitOptions{Epochs: 2})
		require.NoError(t, err)
		return model.Digest(m.Parameters()), h
	}

	digestA, histA := run(1)
	digestB, histB := run(1)
	digestC, histC := run(4)
	assert.Equal(t, digestA, digestB)
	assert.True(t, histA.Equal(histB))
	assert.Equal(t, digestA, digestC)
	assert.True(t, histA.Equal(histC))

	seeds := determinism.SetRandomSeed(2)
	m, tr := newTrainer(t, seeds, 0.3, 0.001, 1)
	_, err := tr.Fit(context.Background(), newPipeline(t, seeds, 6, 4), FitOptions{Epochs: 2})
	require.NoError(t, err)
	assert.NotEqual(t, digestA, model.Digest(m.Parameters()))
}

func TestFitUnorderedStillTrains(t *testing.T) {
	determinism.DisableOpDeterminism()
	seeds := determinism.SetRandomSeed(1)
	_, tr := newTrainer(t, seeds, 0, 0.001, 3)
	h, err := tr.Fit(context.Background(), newPipeline(t, seeds, 5, 2), FitOptions{Epochs: 1})
	require.NoError(t, err)
	require.Len(t, h.Epochs, 1)
	assert.Equal(t, 3, tr.Optimizer().Iterations())
}

func TestFitStopsOnCancel(t *testing.T) {
	seeds := determinism.SetRandomSeed(1)
	_, tr := newTrainer(t, seeds, 0, 0.001, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Fit(ctx, newPipeline(t, seeds, 4, 2), FitOptions{Epochs: 1})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, tr.Optimizer().Iterations())
}

func TestFitEpochCallbackError(t *testing.T) {
	seeds := determinism.SetRandomSeed(1)
	_, tr := newTrainer(t, seeds, 0, 0.001, 1)
	stop := errors.New("stop")
	h, err := tr.Fit(context.Background(), newPipeline(t, seeds, 4, 2), FitOptions{
		Epochs:     3,
		OnEpochEnd: func(EpochMetrics) error { return stop },
	})
	require.ErrorIs(t, err, stop)
	assert.Len(t, h.Epochs, 1)
}

func TestTrainStepRejectsWrongShape(t *testing.T) {
	seeds := determinism.SetRandomSeed(1)
	_, tr := newTrainer(t, seeds, 0, 0.001, 1)
	_, err := tr.TrainStep(context.Background(), model.Batch{
		Images: []*nn.Tensor{nn.NewTensor(4, 4, 3)},
		Masks:  [][]int{make([]int, 16)},
	})
	require.Error(t, err)
}

func TestEvaluate(t *testing.T) {
	seeds := determinism.SetRandomSeed(1)
	_, tr := newTrainer(t, seeds, 0.3, 0.001, 1)
	em, err := tr.Evaluate(context.Background(), newPipeline(t, seeds, 3, 2))
	require.NoError(t, err)
	assert.Greater(t, em.Loss, 0.0)
	assert.Contains(t, em.Metrics, "accuracy")
}

func TestHistoryYAMLAndTable(t *testing.T) {
	h := History{Epochs: []EpochMetrics{
		{Epoch: 1, Loss: 0.9, Accuracy: 0.5, Metrics: map[string]float64{"accuracy": 0.5}},
		{Epoch: 2, Loss: 0.4, Accuracy: 0.75, Metrics: map[string]float64{"accuracy": 0.75}},
	}}
	path := filepath.Join(t.TempDir(), "history.yaml")
	require.NoError(t, h.SaveYAML(path))
	loaded, err := LoadHistory(path)
	require.NoError(t, err)
	assert.True(t, h.Equal(loaded))

	loaded.Epochs[1].Loss = 0.41
	assert.False(t, h.Equal(loaded))

	var buf bytes.Buffer
	h.Render(&buf)
	assert.Contains(t, buf.String(), "0.400000")
	assert.Contains(t, buf.String(), "0.7500")
}
