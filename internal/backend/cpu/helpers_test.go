package cpu

import (
	"math"
	"math/rand"
	"testing"

	"github.com/born-ml/airbench/internal/parallel"
	"github.com/born-ml/airbench/internal/tensor"
)

func fromSlice(t *testing.T, data []float32, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	if err != nil {
		t.Fatalf("NewRaw: %v", err)
	}
	copy(raw.AsFloat32(), data)
	return raw
}

func randomRaw(t *testing.T, rng *rand.Rand, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	data := make([]float32, shape.NumElements())
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return fromSlice(t, data, shape)
}

// dot returns Σ a·b in float64.
func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// checkGradient compares an analytic gradient against central differences of the
// scalar probe L(x) = Σ w ⊙ f(x), where w is the upstream gradient.
func checkGradient(t *testing.T, name string, x *tensor.RawTensor, f func() *tensor.RawTensor,
	w []float32, analytic []float32, tol float64,
) {
	t.Helper()
	const h = 1e-2
	data := x.AsFloat32()
	for i := range data {
		orig := data[i]
		data[i] = orig + h
		plus := dot(f().AsFloat32(), w)
		data[i] = orig - h
		minus := dot(f().AsFloat32(), w)
		data[i] = orig

		numeric := (plus - minus) / (2 * h)
		if diff := math.Abs(numeric - float64(analytic[i])); diff > tol*(1+math.Abs(numeric)) {
			t.Fatalf("%s: grad[%d] analytic=%.6f numeric=%.6f", name, i, analytic[i], numeric)
		}
	}
}

func sequentialBackend() *Backend {
	return New(WithParallel(parallel.Sequential()))
}
