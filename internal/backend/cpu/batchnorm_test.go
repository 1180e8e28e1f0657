package cpu

import (
	"math"
	"math/rand"
	"testing"

	"github.com/born-ml/airbench/internal/tensor"
)

func TestBatchNorm_NormalizesChannels(t *testing.T) {
	backend := New()
	rng := rand.New(rand.NewSource(1))
	input := randomRaw(t, rng, tensor.Shape{4, 3, 5, 5})
	for i, v := range input.AsFloat32() {
		input.AsFloat32()[i] = 3*v + 2
	}
	shift := fromSlice(t, []float32{0, 1, -1}, tensor.Shape{3})

	out, mean, variance := backend.BatchNorm(input, shift, 1e-12)

	y := out.AsFloat32()
	for ch := 0; ch < 3; ch++ {
		var sum, sq float64
		count := 0
		for n := 0; n < 4; n++ {
			for j := 0; j < 25; j++ {
				v := float64(y[(n*3+ch)*25+j])
				sum += v
				sq += v * v
				count++
			}
		}
		m := sum / float64(count)
		vr := sq/float64(count) - m*m
		if math.Abs(m-float64(shift.AsFloat32()[ch])) > 1e-4 {
			t.Errorf("channel %d: mean %.5f, want %.1f", ch, m, shift.AsFloat32()[ch])
		}
		if math.Abs(vr-1) > 1e-3 {
			t.Errorf("channel %d: variance %.5f, want 1", ch, vr)
		}
		if mean.AsFloat32()[ch] < 1 || variance.AsFloat32()[ch] < 4 {
			t.Errorf("channel %d: batch stats mean=%v var=%v look unscaled", ch, mean.AsFloat32()[ch], variance.AsFloat32()[ch])
		}
	}
}

func TestBatchNormInference_UsesGivenStatistics(t *testing.T) {
	backend := New()
	input := fromSlice(t, []float32{1, 3, 5, 7}, tensor.Shape{1, 1, 2, 2})
	shift := fromSlice(t, []float32{0.5}, tensor.Shape{1})
	mean := fromSlice(t, []float32{1}, tensor.Shape{1})
	variance := fromSlice(t, []float32{4}, tensor.Shape{1})

	out := backend.BatchNormInference(input, shift, mean, variance, 0).AsFloat32()

	expected := []float32{0.5, 1.5, 2.5, 3.5}
	for i, exp := range expected {
		if math.Abs(float64(out[i]-exp)) > 1e-6 {
			t.Errorf("out[%d] = %v, want %v", i, out[i], exp)
		}
	}
}

func TestBatchNorm_Gradients(t *testing.T) {
	backend := sequentialBackend()
	rng := rand.New(rand.NewSource(2))
	input := randomRaw(t, rng, tensor.Shape{3, 2, 2, 2})
	shift := randomRaw(t, rng, tensor.Shape{2})
	upstream := randomRaw(t, rng, tensor.Shape{3, 2, 2, 2})
	const eps = 1e-5

	_, mean, variance := backend.BatchNorm(input, shift, eps)
	inputGrad, shiftGrad := backend.BatchNormBackward(input, mean, variance, upstream, eps)

	forward := func() *tensor.RawTensor {
		out, _, _ := backend.BatchNorm(input, shift, eps)
		return out
	}
	checkGradient(t, "input", input, forward, upstream.AsFloat32(), inputGrad.AsFloat32(), 2e-2)
	checkGradient(t, "shift", shift, forward, upstream.AsFloat32(), shiftGrad.AsFloat32(), 1e-2)
}
