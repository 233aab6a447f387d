package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randTensor(rng *rand.Rand, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = rng.Float64()*2 - 1
	}
	return t
}

func randFill(rng *rand.Rand, vals []float64) {
	for i := range vals {
		vals[i] = rng.Float64()*2 - 1
	}
}

// dot reduces an output to a scalar against fixed weights so any output can
// be checked with finite differences.
func dot(a, b *Tensor) float64 {
	s := 0.0
	for i := range a.Data {
		s += a.Data[i] * b.Data[i]
	}
	return s
}

const eps = 1e-6

func TestConv2DGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	conv := NewConv2D("c", 3, 3, 2, 3)
	randFill(rng, conv.Kernel.Value)
	randFill(rng, conv.Bias.Value)
	x := randTensor(rng, 4, 5, 2)
	dy := randTensor(rng, 4, 5, 3)

	dK := make([]float64, len(conv.Kernel.Value))
	dB := make([]float64, len(conv.Bias.Value))
	dx := conv.Backward(x, dy, dK, dB, true)
	require.NotNil(t, dx)

	for _, i := range []int{0, 7, 19, 39} {
		orig := x.Data[i]
		x.Data[i] = orig + eps
		up := dot(conv.Forward(x), dy)
		x.Data[i] = orig - eps
		down := dot(conv.Forward(x), dy)
		x.Data[i] = orig
		assert.InDelta(t, (up-down)/(2*eps), dx.Data[i], 1e-5, "dx[%d]", i)
	}
	for _, i := range []int{0, 11, 30, 53} {
		orig := conv.Kernel.Value[i]
		conv.Kernel.Value[i] = orig + eps
		up := dot(conv.Forward(x), dy)
		conv.Kernel.Value[i] = orig - eps
		down := dot(conv.Forward(x), dy)
		conv.Kernel.Value[i] = orig
		assert.InDelta(t, (up-down)/(2*eps), dK[i], 1e-5, "dK[%d]", i)
	}
	sum := 0.0
	for p := 0; p < 20; p++ {
		sum += dy.Data[p*3+1]
	}
	assert.InDelta(t, sum, dB[1], 1e-9)
}

func TestConv2DBackwardWithoutInputMatches(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	conv := NewConv2D("c", 3, 3, 2, 2)
	randFill(rng, conv.Kernel.Value)
	x := randTensor(rng, 3, 3, 2)
	dy := randTensor(rng, 3, 3, 2)

	dK1 := make([]float64, len(conv.Kernel.Value))
	dB1 := make([]float64, 2)
	conv.Backward(x, dy, dK1, dB1, true)

	dK2 := make([]float64, len(conv.Kernel.Value))
	dB2 := make([]float64, 2)
	assert.Nil(t, conv.Backward(x, dy, dK2, dB2, false))

	assert.InDeltaSlice(t, dK1, dK2, 1e-12)
	assert.Equal(t, dB1, dB2)
}

func TestConv2DTransposeGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	up := NewConv2DTranspose("u", 2, 3)
	randFill(rng, up.Kernel.Value)
	randFill(rng, up.Bias.Value)
	x := randTensor(rng, 2, 3, 2)

	y := up.Forward(x)
	require.Equal(t, []int{4, 6, 3}, y.Shape)

	dy := randTensor(rng, 4, 6, 3)
	dK := make([]float64, len(up.Kernel.Value))
	dB := make([]float64, len(up.Bias.Value))
	dx := up.Backward(x, dy, dK, dB)

	for i := range x.Data {
		orig := x.Data[i]
		x.Data[i] = orig + eps
		a := dot(up.Forward(x), dy)
		x.Data[i] = orig - eps
		b := dot(up.Forward(x), dy)
		x.Data[i] = orig
		assert.InDelta(t, (a-b)/(2*eps), dx.Data[i], 1e-5, "dx[%d]", i)
	}
	for _, i := range []int{0, 5, 17, 53} {
		orig := up.Kernel.Value[i]
		up.Kernel.Value[i] = orig + eps
		a := dot(up.Forward(x), dy)
		up.Kernel.Value[i] = orig - eps
		b := dot(up.Forward(x), dy)
		up.Kernel.Value[i] = orig
		assert.InDelta(t, (a-b)/(2*eps), dK[i], 1e-5, "dK[%d]", i)
	}
}

func TestMaxPoolRoundTrip(t *testing.T) {
	x, err := FromData([]float64{
		1, 5, 2, 0,
		3, 4, 9, 1,
	}, 2, 4, 1)
	require.NoError(t, err)

	out, idx := MaxPool2x2(x)
	assert.Equal(t, []int{1, 2, 1}, out.Shape)
	assert.Equal(t, []float64{5, 9}, out.Data)

	dy, _ := FromData([]float64{10, 20}, 1, 2, 1)
	dx := MaxPool2x2Backward(x.Shape, idx, dy)
	assert.Equal(t, []float64{0, 10, 0, 0, 0, 0, 20, 0}, dx.Data)
}

func TestConcatSplit(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	a := randTensor(rng, 2, 2, 1)
	b := randTensor(rng, 2, 2, 3)
	c := Concat(a, b)
	require.Equal(t, []int{2, 2, 4}, c.Shape)

	da, db := ConcatBackward(c, 1)
	assert.Equal(t, a.Data, da.Data)
	assert.Equal(t, b.Data, db.Data)
}

func TestDropoutDeterministicForSeed(t *testing.T) {
	x := NewTensor(4, 4, 2)
	for i := range x.Data {
		x.Data[i] = 1
	}
	y1, m1 := Dropout(x, 0.3, rand.New(rand.NewSource(9)))
	y2, m2 := Dropout(x, 0.3, rand.New(rand.NewSource(9)))
	assert.Equal(t, y1.Data, y2.Data)
	assert.Equal(t, m1, m2)

	same, mask := Dropout(x, 0, rand.New(rand.NewSource(9)))
	assert.Same(t, x, same)
	assert.Nil(t, mask)
}

func TestReLUBackwardMasks(t *testing.T) {
	y, _ := FromData([]float64{-1, 0, 2}, 1, 1, 3)
	ReLU(y)
	dy, _ := FromData([]float64{1, 1, 1}, 1, 1, 3)
	ReLUBackward(y, dy)
	assert.Equal(t, []float64{0, 0, 1}, dy.Data)
}

func TestGradientsReduce(t *testing.T) {
	params := []*Param{NewParam("a", 2), NewParam("b", 1)}
	g := NewGradients(params)
	o := NewGradients(params)
	o.Values[0][1] = 3
	o.Values[1][0] = 4
	g.Add(o)
	g.Scale(0.5)
	assert.Equal(t, []float64{0, 1.5}, g.Values[0])
	assert.InDelta(t, 2.5, g.Norm(), 1e-12)
	g.Zero()
	assert.Zero(t, g.Norm())
}

func TestHeNormalVariance(t *testing.T) {
	const fanIn = 27
	p := NewParam("k", 3, 3, 3, 2000)
	HeNormal(p, fanIn, rand.New(rand.NewSource(1)))

	want := math.Sqrt(2.0 / fanIn)
	var sum, sq float64
	for _, v := range p.Value {
		require.LessOrEqual(t, math.Abs(v), 2*want/truncatedNormalStd)
		sum += v
		sq += v * v
	}
	n := float64(len(p.Value))
	mean := sum / n
	std := math.Sqrt(sq/n - mean*mean)
	assert.InDelta(t, 0, mean, 0.02*want)
	assert.InEpsilon(t, want, std, 0.02)
}
