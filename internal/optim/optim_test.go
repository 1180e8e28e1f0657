package optim_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/airbench/internal/autodiff"
	"github.com/born-ml/airbench/internal/backend/cpu"
	"github.com/born-ml/airbench/internal/nn"
	"github.com/born-ml/airbench/internal/optim"
	"github.com/born-ml/airbench/internal/tensor"
)

type Backend = *autodiff.Backend[*cpu.Backend]

func randomSlice(n int, seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.NormFloat64())
	}
	return out
}

func singularValues(t *testing.T, data []float32, rows int) []float64 {
	t.Helper()
	cols := len(data) / rows
	m := mat.NewDense(rows, cols, nil)
	for i := range rows {
		for j := range cols {
			m.Set(i, j, float64(data[i*cols+j]))
		}
	}
	var svd mat.SVD
	require.True(t, svd.Factorize(m, mat.SVDNone))
	return svd.Values(nil)
}

func TestSpectral_UnitSpectralNorm(t *testing.T) {
	tests := []struct {
		name  string
		shape tensor.Shape
	}{
		{"wide matrix", tensor.Shape{4, 16}},
		{"tall matrix", tensor.Shape{16, 4}},
		{"conv kernel", tensor.Shape{8, 4, 3, 3}},
		{"whitening kernel", tensor.Shape{24, 3, 2, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := randomSlice(tt.shape.NumElements(), 1)
			dst := make([]float32, len(g))
			optim.Spectral{Steps: optim.DefaultSpectralSteps}.LMO(dst, g, tt.shape)

			sv := singularValues(t, dst, tt.shape[0])
			assert.InDelta(t, 1, sv[0], 1e-5)
		})
	}
}

func TestSpectral_Converges(t *testing.T) {
	shape := tensor.Shape{4, 16}
	g := randomSlice(shape.NumElements(), 2)

	a := make([]float32, len(g))
	b := make([]float32, len(g))
	optim.Spectral{Steps: 20}.LMO(a, g, shape)
	optim.Spectral{Steps: 40}.LMO(b, g, shape)
	assert.InDeltaSlice(t, a, b, 1e-5)

	// The limit is orthogonal: every singular value is 1.
	for _, s := range singularValues(t, b, 4) {
		assert.InDelta(t, 1, s, 1e-4)
	}

	// And independent of the gradient's scale.
	scaled := make([]float32, len(g))
	for i, v := range g {
		scaled[i] = 1000 * v
	}
	c := make([]float32, len(g))
	optim.Spectral{Steps: 40}.LMO(c, scaled, shape)
	assert.InDeltaSlice(t, b, c, 1e-5)
}

func TestSpectral_Zero(t *testing.T) {
	dst := []float32{1, 1, 1, 1}
	optim.Spectral{Steps: 9}.LMO(dst, make([]float32, 4), tensor.Shape{2, 2})
	assert.Equal(t, []float32{0, 0, 0, 0}, dst)
}

func TestBiasRMS(t *testing.T) {
	g := randomSlice(64, 3)
	dst := make([]float32, len(g))
	optim.BiasRMS{}.LMO(dst, g, tensor.Shape{64})

	var sq float64
	for i, v := range dst {
		sq += float64(v) * float64(v)
		assert.Equal(t, math.Signbit(float64(g[i])), math.Signbit(float64(v)))
	}
	assert.InDelta(t, 1, math.Sqrt(sq/64), 1e-6)

	zero := make([]float32, 3)
	optim.BiasRMS{}.LMO(zero, make([]float32, 3), tensor.Shape{3})
	assert.Equal(t, []float32{0, 0, 0}, zero)
}

func TestSign(t *testing.T) {
	dst := make([]float32, 4)
	optim.Sign{}.LMO(dst, []float32{0.3, -2, 0, 1e-20}, tensor.Shape{2, 2})
	assert.Equal(t, []float32{1, -1, 0, 1}, dst)
}

func TestNorm_Check(t *testing.T) {
	assert.NoError(t, optim.Spectral{Steps: 9}.Check(tensor.Shape{8, 4, 3, 3}))
	assert.ErrorIs(t, optim.Spectral{Steps: 9}.Check(tensor.Shape{8}), optim.ErrShapeMismatch)

	err := optim.Spectral{Steps: -1}.Check(tensor.Shape{8, 4})
	assert.ErrorIs(t, err, optim.ErrInvalidRule)
	assert.NotErrorIs(t, err, optim.ErrShapeMismatch)
	assert.NoError(t, optim.BiasRMS{}.Check(tensor.Shape{8}))
	assert.ErrorIs(t, optim.BiasRMS{}.Check(tensor.Shape{8, 2}), optim.ErrShapeMismatch)
	assert.NoError(t, optim.Sign{}.Check(tensor.Shape{10, 256}))
}

func TestNewScion_ShapeMismatch(t *testing.T) {
	backend := autodiff.New(cpu.New())
	p := nn.NewParameter("shift", tensor.Zeros[float32](tensor.Shape{8}, backend))

	_, err := optim.NewScion([]optim.Group[Backend]{
		{Name: "conv", Norm: optim.Spectral{Steps: 9}, Radius: 8, Params: []*nn.Parameter[Backend]{p}},
	}, optim.ScionConfig{LR: 0.05, Momentum: 0.6}, backend)
	require.ErrorIs(t, err, optim.ErrShapeMismatch)
}

func newSignOptimizer(t *testing.T, backend Backend, values []float32, momentum float32) (*optim.Scion[Backend], *nn.Parameter[Backend]) {
	t.Helper()
	x, _ := tensor.FromSlice(values, tensor.Shape{len(values)}, backend)
	p := nn.NewParameter("x", x)
	opt, err := optim.NewScion([]optim.Group[Backend]{
		{Name: "head", Norm: optim.Sign{}, Radius: 2, Params: []*nn.Parameter[Backend]{p}},
	}, optim.ScionConfig{LR: 0.1, Momentum: momentum}, backend)
	require.NoError(t, err)
	return opt, p
}

func TestScion_StepAndMomentum(t *testing.T) {
	backend := autodiff.New(cpu.New())
	opt, p := newSignOptimizer(t, backend, []float32{1, 1}, 0.5)

	grad, _ := tensor.FromSlice([]float32{4, -4}, tensor.Shape{2}, backend)
	opt.Step(map[*tensor.RawTensor]*tensor.RawTensor{p.Tensor().Raw(): grad.Raw()})

	// buf = 0.5*0 + 0.5*g = [2, -2]; update = lr*radius*sign(buf) = 0.2.
	assert.InDeltaSlice(t, []float32{0.8, 1.2}, p.Tensor().Data(), 1e-6)
	assert.Equal(t, []float32{2, -2}, opt.StateDict()["momentum.0.0"].AsFloat32())

	// A gradient of opposite sign half the size leaves buf = [0.5, -0.5].
	grad2, _ := tensor.FromSlice([]float32{-1, 1}, tensor.Shape{2}, backend)
	opt.Step(map[*tensor.RawTensor]*tensor.RawTensor{p.Tensor().Raw(): grad2.Raw()})
	assert.InDeltaSlice(t, []float32{0.6, 1.4}, p.Tensor().Data(), 1e-6)

	// Parameters without a gradient are untouched.
	opt.Step(map[*tensor.RawTensor]*tensor.RawTensor{})
	assert.InDeltaSlice(t, []float32{0.6, 1.4}, p.Tensor().Data(), 1e-6)

	opt.Reset()
	assert.Equal(t, []float32{0, 0}, opt.StateDict()["momentum.0.0"].AsFloat32())
}

func TestScion_UpdateNormEqualsRadius(t *testing.T) {
	backend := autodiff.New(cpu.New())
	rng := rand.New(rand.NewSource(4))

	w := nn.NewParameter("w", tensor.Randn(tensor.Shape{6, 3, 3, 3}, rng, backend))
	before := append([]float32(nil), w.Tensor().Data()...)
	opt, err := optim.NewScion([]optim.Group[Backend]{
		{Name: "conv", Norm: optim.Spectral{Steps: 9}, Radius: 8, Params: []*nn.Parameter[Backend]{w}},
	}, optim.ScionConfig{LR: 0.05, Momentum: 1}, backend)
	require.NoError(t, err)

	grad := tensor.Randn(tensor.Shape{6, 3, 3, 3}, rng, backend)
	opt.Step(map[*tensor.RawTensor]*tensor.RawTensor{w.Tensor().Raw(): grad.Raw()})

	delta := make([]float32, len(before))
	for i, v := range w.Tensor().Data() {
		delta[i] = before[i] - v
	}
	assert.InDelta(t, 0.05*8, singularValues(t, delta, 6)[0], 1e-4)
}

func TestScion_StateDictTransfer(t *testing.T) {
	backend := autodiff.New(cpu.New())
	src, p := newSignOptimizer(t, backend, []float32{1, 1}, 0.5)
	dst, _ := newSignOptimizer(t, backend, []float32{1, 1}, 0.5)

	grad, _ := tensor.FromSlice([]float32{3, -1}, tensor.Shape{2}, backend)
	src.Step(map[*tensor.RawTensor]*tensor.RawTensor{p.Tensor().Raw(): grad.Raw()})

	require.NoError(t, dst.LoadStateDict(src.StateDict()))
	assert.Equal(t, src.StateDict()["momentum.0.0"].AsFloat32(), dst.StateDict()["momentum.0.0"].AsFloat32())
	assert.NotSame(t, src.StateDict()["momentum.0.0"], dst.StateDict()["momentum.0.0"])

	extra := src.StateDict()
	extra["momentum.1.0"] = extra["momentum.0.0"]
	assert.ErrorIs(t, dst.LoadStateDict(extra), optim.ErrStateMismatch)
	assert.ErrorIs(t, dst.LoadStateDict(map[string]*tensor.RawTensor{}), optim.ErrStateMismatch)
}

func TestLinearDecay(t *testing.T) {
	backend := autodiff.New(cpu.New())
	opt, _ := newSignOptimizer(t, backend, []float32{1}, 0.5)
	sched := optim.NewLinearDecay(opt, 4)

	assert.Equal(t, float32(1), sched.Multiplier())
	assert.InDelta(t, 0.1, opt.GetLR(), 1e-7)

	prev := sched.Multiplier()
	for range 6 {
		sched.Step()
		m := sched.Multiplier()
		assert.LessOrEqual(t, m, prev)
		assert.GreaterOrEqual(t, m, float32(0))
		prev = m
	}
	assert.Equal(t, float32(0), opt.GetLR())

	sched.LoadState(4)
	assert.Equal(t, float32(0), sched.Multiplier())
	sched.LoadState(1)
	assert.InDelta(t, 0.75, sched.Multiplier(), 1e-7)
	assert.InDelta(t, 0.075, opt.GetLR(), 1e-7)
	assert.Equal(t, 1, sched.State())
}
