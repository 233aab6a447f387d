package losses

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segforge/internal/nn"
)

func TestSparseCEFromLogitsUniform(t *testing.T) {
	logits := nn.NewTensor(1, 2, 4)
	grad := nn.NewTensor(1, 2, 4)
	loss, err := SparseCategoricalCrossentropy{FromLogits: true}.Compute(logits, []int{0, 3}, grad)
	require.NoError(t, err)
	assert.InDelta(t, 2*math.Log(4), loss, 1e-12)
	assert.InDeltaSlice(t, []float64{-0.75, 0.25, 0.25, 0.25, 0.25, 0.25, 0.25, -0.75}, grad.Data, 1e-12)
}

func TestSparseCEFromLogitsGradient(t *testing.T) {
	logits, _ := nn.FromData([]float64{0.3, -1.2, 2.0, 0.5, 0.1, -0.4}, 1, 2, 3)
	labels := []int{2, 0}
	grad := nn.NewTensor(1, 2, 3)
	l := SparseCategoricalCrossentropy{FromLogits: true}
	_, err := l.Compute(logits, labels, grad)
	require.NoError(t, err)

	const eps = 1e-6
	for i := range logits.Data {
		orig := logits.Data[i]
		logits.Data[i] = orig + eps
		up, _ := l.Compute(logits, labels, nil)
		logits.Data[i] = orig - eps
		down, _ := l.Compute(logits, labels, nil)
		logits.Data[i] = orig
		assert.InDelta(t, (up-down)/(2*eps), grad.Data[i], 1e-6)
	}
}

func TestSparseCEProbabilities(t *testing.T) {
	probs, _ := nn.FromData([]float64{0.2, 0.8}, 1, 1, 2)
	loss, err := SparseCategoricalCrossentropy{}.Compute(probs, []int{1}, nil)
	require.NoError(t, err)
	assert.InDelta(t, -math.Log(0.8), loss, 1e-9)
}

func TestSparseCERejectsBadLabels(t *testing.T) {
	logits := nn.NewTensor(1, 1, 2)
	_, err := SparseCategoricalCrossentropy{FromLogits: true}.Compute(logits, []int{2}, nil)
	require.ErrorIs(t, err, ErrLabelOutOfRange)

	_, err = SparseCategoricalCrossentropy{FromLogits: true}.Compute(logits, []int{0, 1}, nil)
	require.Error(t, err)
}

func TestByName(t *testing.T) {
	l, err := ByName("sparse_categorical_crossentropy_logits")
	require.NoError(t, err)
	assert.Equal(t, SparseCategoricalCrossentropy{FromLogits: true}, l)

	_, err = ByName("hinge")
	require.Error(t, err)
}
