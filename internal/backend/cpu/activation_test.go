package cpu

import (
	"math"
	"math/rand"
	"testing"

	"github.com/born-ml/airbench/internal/tensor"
)

func TestGELU_KnownValues(t *testing.T) {
	backend := New()
	input := fromSlice(t, []float32{-1, 0, 1, 3}, tensor.Shape{4})

	out := backend.GELU(input).AsFloat32()

	expected := []float64{-0.15865525, 0, 0.84134475, 2.99595031}
	for i, exp := range expected {
		if math.Abs(float64(out[i])-exp) > 1e-6 {
			t.Errorf("GELU(%v) = %v, want %v", input.AsFloat32()[i], out[i], exp)
		}
	}
}

func TestGELU_Gradient(t *testing.T) {
	backend := New()
	rng := rand.New(rand.NewSource(1))
	input := randomRaw(t, rng, tensor.Shape{2, 16})
	upstream := randomRaw(t, rng, tensor.Shape{2, 16})

	grad := backend.GELUBackward(input, upstream)
	checkGradient(t, "gelu", input, func() *tensor.RawTensor { return backend.GELU(input) },
		upstream.AsFloat32(), grad.AsFloat32(), 1e-2)
}
