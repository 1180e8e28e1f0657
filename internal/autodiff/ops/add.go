package ops

import "github.com/born-ml/airbench/internal/tensor"

// AddOp represents an element-wise addition operation: output = a + b.
//
// If broadcasting was used in the forward pass, each input's gradient is summed
// along its broadcast dimensions (e.g. a conv bias [1, C, 1, 1] added to [N, C, H, W]).
type AddOp struct {
	inputs []*tensor.RawTensor // [a, b]
	output *tensor.RawTensor   // a + b
}

// NewAddOp creates a new AddOp.
func NewAddOp(a, b, output *tensor.RawTensor) *AddOp {
	return &AddOp{
		inputs: []*tensor.RawTensor{a, b},
		output: output,
	}
}

// Backward computes input gradients for addition.
func (op *AddOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	a, b := op.inputs[0], op.inputs[1]
	return []*tensor.RawTensor{
		backend.SumToShape(outputGrad, a.Shape()),
		backend.SumToShape(outputGrad, b.Shape()),
	}
}

// Inputs returns the input tensors [a, b].
func (op *AddOp) Inputs() []*tensor.RawTensor {
	return op.inputs
}

// Output returns the output tensor a + b.
func (op *AddOp) Output() *tensor.RawTensor {
	return op.output
}
