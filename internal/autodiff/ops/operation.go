// Package ops defines the differentiable operations recorded by the autodiff tape.
//
// Each operation keeps what its backward pass needs from the forward pass and
// delegates the gradient arithmetic to the backend:
//   - AddOp: broadcast addition (gradients summed back to each input's shape)
//   - MulScalarOp: scaling by a constant
//   - MatMulOp: d(A@B)/dA = grad@Bᵀ, d(A@B)/dB = Aᵀ@grad
//   - ReshapeOp, TransposeOp: shape bookkeeping
//   - Conv2DOp, MaxPool2DOp, BatchNormOp, GELUOp, CrossEntropyOp: layer primitives
package ops

import "github.com/born-ml/airbench/internal/tensor"

// Operation represents a differentiable operation in the computation graph.
type Operation interface {
	// Backward computes gradients for inputs given the output gradient.
	// The result is aligned with Inputs(); a nil entry means no gradient flows there.
	Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor

	// Inputs returns the input tensors for this operation.
	Inputs() []*tensor.RawTensor

	// Output returns the output tensor produced by this operation.
	Output() *tensor.RawTensor
}
