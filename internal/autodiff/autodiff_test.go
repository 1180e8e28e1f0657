package autodiff_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/born-ml/airbench/internal/autodiff"
	"github.com/born-ml/airbench/internal/backend/cpu"
	"github.com/born-ml/airbench/internal/tensor"
)

type Backend = *autodiff.Backend[*cpu.Backend]

// TestBackend_Name tests the Name method.
func TestBackend_Name(t *testing.T) {
	backend := autodiff.New(cpu.New())
	expected := "Autodiff(CPU)"
	if backend.Name() != expected {
		t.Errorf("Name() = %s, want %s", backend.Name(), expected)
	}
	if backend.Device() != tensor.CPU {
		t.Errorf("Device() = %v, want %v", backend.Device(), tensor.CPU)
	}
}

// TestTape_Recording tests tape recording on/off.
func TestTape_Recording(t *testing.T) {
	backend := autodiff.New(cpu.New())
	tape := backend.Tape()

	if tape.IsRecording() {
		t.Error("Tape should not be recording initially")
	}

	a, _ := tensor.FromSlice([]float32{1, 2}, tensor.Shape{2}, backend)
	_ = a.Add(a)
	if tape.NumOps() != 0 {
		t.Errorf("NumOps() = %d while stopped, want 0", tape.NumOps())
	}

	tape.StartRecording()
	_ = a.Add(a)
	_ = a.MulScalar(2)
	if tape.NumOps() != 2 {
		t.Errorf("NumOps() = %d, want 2", tape.NumOps())
	}

	tape.Clear()
	if tape.NumOps() != 0 {
		t.Errorf("NumOps() after Clear = %d, want 0", tape.NumOps())
	}
	if !tape.IsRecording() {
		t.Error("Clear should keep the recording state")
	}
}

// TestBackward_AccumulatesReusedTensor checks d(x + x)/dx = 2.
func TestBackward_AccumulatesReusedTensor(t *testing.T) {
	backend := autodiff.New(cpu.New())
	backend.Tape().StartRecording()

	x, _ := tensor.FromSlice([]float32{3, -1}, tensor.Shape{2}, backend)
	y := x.Add(x).MulScalar(0.5)

	grads := autodiff.Backward(y, backend)
	for i, g := range grads[x.Raw()].AsFloat32() {
		if g != 1 {
			t.Errorf("grad[%d] = %v, want 1", i, g)
		}
	}
	if !backend.Tape().IsRecording() {
		t.Error("Backward should restore the recording state")
	}
}

// TestBackward_SmallNetwork checks the weight gradients of
// conv → bias → gelu → batchnorm → reshape → matmul → cross-entropy
// against central differences.
func TestBackward_SmallNetwork(t *testing.T) {
	backend := autodiff.New(cpu.New())
	rng := rand.New(rand.NewSource(7))

	x := tensor.Randn(tensor.Shape{3, 2, 4, 4}, rng, backend)
	kernel := tensor.Randn(tensor.Shape{3, 2, 3, 3}, rng, backend)
	bias := tensor.Randn(tensor.Shape{1, 3, 1, 1}, rng, backend)
	shift := tensor.Randn(tensor.Shape{3}, rng, backend)
	fc := tensor.Randn(tensor.Shape{48, 5}, rng, backend)
	targets, _ := tensor.FromSlice([]int32{0, 3, 4}, tensor.Shape{3}, backend)

	loss := func() *tensor.Tensor[float32, Backend] {
		h := tensor.New[float32](backend.Conv2D(x.Raw(), kernel.Raw(), 1, 1), backend)
		h = h.Add(bias)
		h = tensor.New[float32](backend.GELU(h.Raw()), backend)
		bn, _, _ := backend.BatchNorm(h.Raw(), shift.Raw(), 1e-5)
		logits := tensor.New[float32](bn, backend).Reshape(3, 48).MatMul(fc)
		return tensor.New[float32](backend.CrossEntropy(logits.Raw(), targets.Raw(), 0.2), backend)
	}

	backend.Tape().StartRecording()
	grads := autodiff.Backward(loss(), backend)
	backend.Tape().StopRecording()
	backend.Tape().Clear()

	for name, param := range map[string]*tensor.Tensor[float32, Backend]{
		"kernel": kernel, "bias": bias, "shift": shift, "fc": fc,
	} {
		analytic := grads[param.Raw()]
		if analytic == nil {
			t.Fatalf("%s: no gradient", name)
		}
		data := param.Data()
		for i := range data {
			const h = 1e-3
			orig := data[i]
			data[i] = orig + h
			plus := float64(loss().Item())
			data[i] = orig - h
			minus := float64(loss().Item())
			data[i] = orig

			numeric := (plus - minus) / (2 * h)
			got := float64(analytic.AsFloat32()[i])
			if math.Abs(numeric-got) > 2e-2*(1+math.Abs(numeric)) {
				t.Errorf("%s[%d]: analytic=%.5f numeric=%.5f", name, i, got, numeric)
			}
		}
	}
}
