package autodiff

import (
	"fmt"

	"github.com/born-ml/airbench/internal/tensor"
)

// Backward computes gradients of a scalar tensor w.r.t. every tensor on the backend's
// tape, seeding the output with ones.
//
// Gradients are computed by the wrapped backend, so nothing is recorded.
//
// Example:
//
//	backend := autodiff.New(cpu.New())
//	backend.Tape().StartRecording()
//	loss := ...
//	gradients := autodiff.Backward(loss, backend)
//	grad := gradients[weight.Raw()]
func Backward[T tensor.DType, B tensor.Backend](t *tensor.Tensor[T, *Backend[B]], backend *Backend[B]) map[*tensor.RawTensor]*tensor.RawTensor {
	tape := backend.Tape()
	if tape.NumOps() == 0 {
		panic("backward: no operations recorded (did you forget to call Tape().StartRecording()?)")
	}
	if t.DType() != tensor.Float32 {
		panic(fmt.Sprintf("backward: unsupported dtype %s (only float32 supported)", t.DType()))
	}

	outputGrad, err := tensor.NewRaw(t.Shape(), t.DType(), backend.Device())
	if err != nil {
		panic(fmt.Sprintf("backward: failed to create output gradient: %v", err))
	}
	data := outputGrad.AsFloat32()
	for i := range data {
		data[i] = 1.0
	}

	return tape.Backward(outputGrad, backend.Inner())
}
