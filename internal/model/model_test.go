package model_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/airbench/internal/autodiff"
	"github.com/born-ml/airbench/internal/backend/cpu"
	"github.com/born-ml/airbench/internal/model"
	"github.com/born-ml/airbench/internal/nn"
	"github.com/born-ml/airbench/internal/tensor"
)

type Backend = *autodiff.Backend[*cpu.Backend]

func newBackend() Backend {
	return autodiff.New(cpu.New())
}

func smallConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.Widths = [3]int{8, 8, 16}
	return cfg
}

func randomImages(n, size int, seed int64) *tensor.RawTensor {
	rng := rand.New(rand.NewSource(seed))
	raw := tensor.MustRaw(tensor.Shape{n, 3, size, size}, tensor.Float32, tensor.CPU)
	x := raw.AsFloat32()
	for i := range x {
		x[i] = float32(rng.NormFloat64())
	}
	// Correlate neighbouring pixels so the patch covariance is far from identity.
	for i := len(x) - 1; i > 0; i-- {
		x[i] = 0.7*x[i] + 0.3*x[i-1]
	}
	return raw
}

func TestNetwork_ForwardShape(t *testing.T) {
	backend := newBackend()
	net, err := model.NewNetwork(smallConfig(), backend)
	require.NoError(t, err)
	net.Reinit(rand.New(rand.NewSource(1)))

	x := tensor.New[float32](randomImages(2, 32, 1), backend)
	logits := net.Forward(x)
	assert.Equal(t, tensor.Shape{2, model.NumClasses}, logits.Shape())

	net.SetTraining(false)
	again := net.Forward(x)
	assert.Equal(t, tensor.Shape{2, model.NumClasses}, again.Shape())
}

func TestNetwork_Groups(t *testing.T) {
	backend := newBackend()
	trainable, err := model.NewNetwork(smallConfig(), backend)
	require.NoError(t, err)
	frozen, err := model.NewNetwork(smallConfig(), backend, model.WithFrozenWhitenBias())
	require.NoError(t, err)

	g := trainable.Groups()
	assert.Len(t, g.Whiten, 1)
	assert.Len(t, g.Conv, 6)
	assert.Len(t, g.Norm, 6)
	assert.Len(t, g.Head, 1)
	require.Len(t, g.WhitenBias, 1)
	assert.Same(t, trainable.Whiten().Bias(), g.WhitenBias[0])
	assert.Equal(t, tensor.Shape{model.WhitenWidth, 3, 2, 2}, g.Whiten[0].Shape())
	assert.Equal(t, tensor.Shape{model.NumClasses, 16}, g.Head[0].Shape())

	assert.False(t, trainable.FrozenWhitenBias())
	assert.True(t, frozen.FrozenWhitenBias())
	assert.Empty(t, frozen.Groups().WhitenBias)

	// The whitening weight is never trainable; the bias only in the first variant.
	assert.Len(t, trainable.Parameters(), 14)
	assert.Len(t, frozen.Parameters(), 13)
	for _, p := range frozen.Parameters() {
		assert.NotSame(t, frozen.Whiten().Bias(), p)
		assert.NotSame(t, frozen.Whiten().Weight(), p)
	}
}

func TestNetwork_StateKeys(t *testing.T) {
	net, err := model.NewNetwork(smallConfig(), newBackend())
	require.NoError(t, err)
	state := net.State()
	for _, key := range []string{"0.weight", "0.bias", "2.0.weight", "2.2.shift", "2.2.running_mean", "4.5.running_var", "7.weight"} {
		assert.Contains(t, state, key)
	}
	// 2 whiten + 3 groups × (2 convs + 2 norms × 3) + head
	assert.Len(t, state, 2+3*8+1)
}

func TestNetwork_StateTransfer(t *testing.T) {
	backend := newBackend()
	trainable, err := model.NewNetwork(smallConfig(), backend)
	require.NoError(t, err)
	frozen, err := model.NewNetwork(smallConfig(), backend, model.WithFrozenWhitenBias())
	require.NoError(t, err)

	trainable.Reinit(rand.New(rand.NewSource(1)))
	frozen.Reinit(rand.New(rand.NewSource(2)))
	trainable.Whiten().Bias().Tensor().Data()[3] = 0.25
	x := tensor.New[float32](randomImages(3, 32, 5), backend)
	trainable.Forward(x) // moves the running statistics

	frozenWeight := frozen.Whiten().Weight().Tensor().Raw()
	require.NoError(t, frozen.LoadState(trainable.State()))
	assert.Same(t, frozenWeight, frozen.Whiten().Weight().Tensor().Raw(), "load must copy in place")

	want, got := trainable.State(), frozen.State()
	for name, w := range want {
		assert.Equal(t, w.Data(), got[name].Data(), name)
	}

	trainable.SetTraining(false)
	frozen.SetTraining(false)
	assert.Equal(t, trainable.Forward(x).Data(), frozen.Forward(x).Data())
}

func TestNetwork_Reinit(t *testing.T) {
	net, err := model.NewNetwork(smallConfig(), newBackend())
	require.NoError(t, err)
	net.Whiten().Bias().Tensor().Data()[0] = 1
	net.Reinit(rand.New(rand.NewSource(3)))

	for _, v := range net.Whiten().Bias().Tensor().Data() {
		assert.Zero(t, v)
	}
	// The second conv of the first group starts as an identity on its first channels.
	w := net.ConvGroups()[0].Convs()[1].Weight().Tensor().Data()
	assert.Equal(t, float32(1), w[4])
	assert.Equal(t, float32(0), w[0])

	norm := net.ConvGroups()[1].Norms()[0]
	for _, v := range norm.RunningVar().AsFloat32() {
		assert.Equal(t, float32(1), v)
	}
}

func TestNewNetwork_InvalidConfig(t *testing.T) {
	backend := newBackend()
	tests := []struct {
		name   string
		mutate func(*model.Config)
	}{
		{"zero width", func(c *model.Config) { c.Widths[1] = 0 }},
		{"momentum one", func(c *model.Config) { c.BatchNormMomentum = 1 }},
		{"negative scale", func(c *model.Config) { c.ScalingFactor = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := model.DefaultConfig()
			tt.mutate(&cfg)
			_, err := model.NewNetwork(cfg, backend)
			assert.ErrorIs(t, err, model.ErrInvalidConfig)
		})
	}
}

func TestPatchCovariance_MatchesPatches(t *testing.T) {
	images := randomImages(3, 6, 2)
	patches := model.Patches(images, 2)
	rows, cols := patches.Dims()
	assert.Equal(t, 3*5*5, rows)
	assert.Equal(t, 12, cols)

	// First patch of the first image: channel 0 rows 0-1, columns 0-1.
	x := images.AsFloat32()
	assert.Equal(t, float64(x[0]), patches.At(0, 0))
	assert.Equal(t, float64(x[1]), patches.At(0, 1))
	assert.Equal(t, float64(x[6]), patches.At(0, 2))
	assert.Equal(t, float64(x[36]), patches.At(0, 4))

	var want mat.Dense
	want.Mul(patches.T(), patches)
	want.Scale(1/float64(rows), &want)

	cov := model.PatchCovariance(images, 2)
	for i := range cols {
		for j := range cols {
			assert.InDelta(t, want.At(i, j), cov.At(i, j), 1e-9)
		}
	}
}

func TestInitWhitening(t *testing.T) {
	backend := newBackend()
	net, err := model.NewNetwork(smallConfig(), backend)
	require.NoError(t, err)
	images := randomImages(16, 8, 3)

	values, err := model.InitWhitening(net.Whiten(), images, model.DefaultWhitenEps)
	require.NoError(t, err)
	require.Len(t, values, 12)
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i-1], values[i], "eigenvalues must be descending")
	}

	w := net.Whiten().Weight().Tensor().Data()
	const d = 12
	for i := range d {
		for j := range d {
			assert.Equal(t, -w[i*d+j], w[(d+i)*d+j])
		}
	}

	// The first half of the filters whitens the patch covariance:
	// W C Wᵀ = diag(λ / (λ + eps)).
	filters := mat.NewDense(d, d, nil)
	for i := range d {
		for j := range d {
			filters.Set(i, j, float64(w[i*d+j]))
		}
	}
	cov := model.PatchCovariance(images, 2)
	var tmp, white mat.Dense
	tmp.Mul(filters, cov)
	white.Mul(&tmp, filters.T())
	for i := range d {
		for j := range d {
			want := 0.0
			if i == j {
				want = values[i] / (values[i] + model.DefaultWhitenEps)
			}
			assert.InDelta(t, want, white.At(i, j), 1e-3, "(%d,%d)", i, j)
		}
	}
}

func TestInitWhitening_Errors(t *testing.T) {
	backend := newBackend()
	wrongWidth := nn.NewConv2D(3, 10, 2, 0, backend)
	_, err := model.InitWhitening(wrongWidth, randomImages(2, 8, 1), model.DefaultWhitenEps)
	assert.ErrorIs(t, err, model.ErrWhitening)

	net, err := model.NewNetwork(smallConfig(), backend)
	require.NoError(t, err)
	gray := tensor.MustRaw(tensor.Shape{2, 1, 8, 8}, tensor.Float32, tensor.CPU)
	_, err = model.InitWhitening(net.Whiten(), gray, model.DefaultWhitenEps)
	assert.ErrorIs(t, err, model.ErrWhitening)
	assert.False(t, math.IsNaN(float64(net.Whiten().Weight().Tensor().Data()[0])))
}
