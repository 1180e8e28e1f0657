package cpu

import (
	"math"
	"math/rand"
	"testing"

	"github.com/born-ml/airbench/internal/tensor"
)

func int32Raw(t *testing.T, data []int32) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.NewRaw(tensor.Shape{len(data)}, tensor.Int32, tensor.CPU)
	if err != nil {
		t.Fatalf("NewRaw: %v", err)
	}
	copy(raw.AsInt32(), data)
	return raw
}

func TestCrossEntropy_UniformLogits(t *testing.T) {
	backend := New()
	logits := fromSlice(t, make([]float32, 3*10), tensor.Shape{3, 10})
	targets := int32Raw(t, []int32{0, 4, 9})

	// Uniform prediction costs log K per row whatever the smoothing.
	for _, smoothing := range []float32{0, 0.2} {
		got := backend.CrossEntropy(logits, targets, smoothing).AsFloat32()[0]
		if want := 3 * math.Log(10); math.Abs(float64(got)-want) > 1e-5 {
			t.Errorf("smoothing %.1f: loss %v, want %v", smoothing, got, want)
		}
	}
}

func TestCrossEntropy_NoSmoothingIsNegativeLogSoftmax(t *testing.T) {
	backend := New()
	logits := fromSlice(t, []float32{2, 1, 0}, tensor.Shape{1, 3})
	targets := int32Raw(t, []int32{0})

	got := backend.CrossEntropy(logits, targets, 0).AsFloat32()[0]
	want := -(2 - math.Log(math.Exp(2)+math.Exp(1)+1))
	if math.Abs(float64(got)-want) > 1e-6 {
		t.Errorf("loss %v, want %v", got, want)
	}
}

func TestCrossEntropy_Gradient(t *testing.T) {
	backend := New()
	rng := rand.New(rand.NewSource(1))
	logits := randomRaw(t, rng, tensor.Shape{4, 5})
	targets := int32Raw(t, []int32{1, 0, 4, 2})
	scale := fromSlice(t, []float32{0.5}, tensor.Shape{1})

	grad := backend.CrossEntropyBackward(logits, targets, 0.2, scale)
	checkGradient(t, "logits", logits, func() *tensor.RawTensor {
		return backend.CrossEntropy(logits, targets, 0.2)
	}, []float32{0.5}, grad.AsFloat32(), 1e-2)

	// Each row of softmax - q sums to zero.
	g := grad.AsFloat32()
	for i := 0; i < 4; i++ {
		var s float64
		for j := 0; j < 5; j++ {
			s += float64(g[i*5+j])
		}
		if math.Abs(s) > 1e-5 {
			t.Errorf("row %d gradient sums to %v", i, s)
		}
	}
}

func TestCrossEntropy_TargetOutOfRangePanics(t *testing.T) {
	backend := New()
	defer func() {
		if recover() == nil {
			t.Error("expected panic for out-of-range target")
		}
	}()
	backend.CrossEntropy(fromSlice(t, make([]float32, 3), tensor.Shape{1, 3}), int32Raw(t, []int32{3}), 0)
}
