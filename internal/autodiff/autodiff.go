// Package autodiff implements automatic differentiation using the decorator pattern.
//
// Backend wraps any tensor.Backend implementation (CPU, WebGPU) and records every
// differentiable call on a GradientTape while recording is enabled.
//
// Usage:
//
//	backend := autodiff.New(cpu.New())
//	backend.Tape().StartRecording()
//	loss := forward(x) // any sequence of backend calls
//	grads := autodiff.Backward(loss, backend)
//	backend.Tape().Clear()
package autodiff

import (
	"github.com/born-ml/airbench/internal/autodiff/ops"
	"github.com/born-ml/airbench/internal/tensor"
)

// Backend wraps a Backend and adds automatic differentiation.
// It implements tensor.Backend and records operations in a GradientTape.
type Backend[B tensor.Backend] struct {
	inner B
	tape  *GradientTape
}

var _ tensor.Backend = (*Backend[tensor.Backend])(nil)

// New creates a new autodiff Backend wrapping the given backend.
func New[B tensor.Backend](backend B) *Backend[B] {
	return &Backend[B]{
		inner: backend,
		tape:  NewGradientTape(),
	}
}

// Tape returns the gradient tape for manual control.
func (b *Backend[B]) Tape() *GradientTape {
	return b.tape
}

// Inner returns the wrapped backend for direct access.
func (b *Backend[B]) Inner() B {
	return b.inner
}

// Name returns the backend name.
func (b *Backend[B]) Name() string {
	return "Autodiff(" + b.inner.Name() + ")"
}

// Device returns the compute device.
func (b *Backend[B]) Device() tensor.Device {
	return b.inner.Device()
}

// Synchronize waits for the wrapped backend.
func (b *Backend[B]) Synchronize() {
	b.inner.Synchronize()
}

// Add performs element-wise addition and records the operation.
func (b *Backend[B]) Add(a, c *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.Add(a, c)
	b.tape.Record(ops.NewAddOp(a, c, result))
	return result
}

// MulScalar multiplies by a constant and records the operation.
func (b *Backend[B]) MulScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	result := b.inner.MulScalar(x, scalar)
	b.tape.Record(ops.NewMulScalarOp(x, result, scalar))
	return result
}

// MatMul performs matrix multiplication and records the operation.
func (b *Backend[B]) MatMul(a, c *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.MatMul(a, c)
	b.tape.Record(ops.NewMatMulOp(a, c, result))
	return result
}

// Reshape reshapes and records the operation.
func (b *Backend[B]) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	result := b.inner.Reshape(t, newShape)
	b.tape.Record(ops.NewReshapeOp(t, result))
	return result
}

// Transpose permutes dimensions and records the operation.
func (b *Backend[B]) Transpose(t *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	result := b.inner.Transpose(t, axes...)
	b.tape.Record(ops.NewTransposeOp(t, result, axes))
	return result
}

// SumToShape is only used inside backward passes and is not recorded.
func (b *Backend[B]) SumToShape(x *tensor.RawTensor, shape tensor.Shape) *tensor.RawTensor {
	return b.inner.SumToShape(x, shape)
}

// Conv2D performs 2D convolution and records the operation.
func (b *Backend[B]) Conv2D(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	result := b.inner.Conv2D(input, kernel, stride, padding)
	b.tape.Record(ops.NewConv2DOp(input, kernel, result, stride, padding))
	return result
}

// Conv2DInputBackward delegates to the wrapped backend.
func (b *Backend[B]) Conv2DInputBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	return b.inner.Conv2DInputBackward(input, kernel, grad, stride, padding)
}

// Conv2DKernelBackward delegates to the wrapped backend.
func (b *Backend[B]) Conv2DKernelBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	return b.inner.Conv2DKernelBackward(input, kernel, grad, stride, padding)
}

// MaxPool2D performs max pooling and records the operation.
func (b *Backend[B]) MaxPool2D(input *tensor.RawTensor, kernelSize, stride int) *tensor.RawTensor {
	result := b.inner.MaxPool2D(input, kernelSize, stride)
	b.tape.Record(ops.NewMaxPool2DOp(input, result, kernelSize, stride))
	return result
}

// MaxPool2DBackward delegates to the wrapped backend.
func (b *Backend[B]) MaxPool2DBackward(input, output, grad *tensor.RawTensor, kernelSize, stride int) *tensor.RawTensor {
	return b.inner.MaxPool2DBackward(input, output, grad, kernelSize, stride)
}

// BatchNorm normalizes with batch statistics and records the operation.
func (b *Backend[B]) BatchNorm(input, shift *tensor.RawTensor, eps float32) (out, mean, variance *tensor.RawTensor) {
	out, mean, variance = b.inner.BatchNorm(input, shift, eps)
	b.tape.Record(ops.NewBatchNormOp(input, shift, out, mean, variance, eps))
	return out, mean, variance
}

// BatchNormInference normalizes with fixed statistics. Evaluation runs with the
// tape stopped, so the call is not recorded.
func (b *Backend[B]) BatchNormInference(input, shift, mean, variance *tensor.RawTensor, eps float32) *tensor.RawTensor {
	return b.inner.BatchNormInference(input, shift, mean, variance, eps)
}

// BatchNormBackward delegates to the wrapped backend.
func (b *Backend[B]) BatchNormBackward(input, mean, variance, grad *tensor.RawTensor, eps float32) (inputGrad, shiftGrad *tensor.RawTensor) {
	return b.inner.BatchNormBackward(input, mean, variance, grad, eps)
}

// GELU applies the activation and records the operation.
func (b *Backend[B]) GELU(x *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.GELU(x)
	b.tape.Record(ops.NewGELUOp(x, result))
	return result
}

// GELUBackward delegates to the wrapped backend.
func (b *Backend[B]) GELUBackward(x, grad *tensor.RawTensor) *tensor.RawTensor {
	return b.inner.GELUBackward(x, grad)
}

// CrossEntropy computes the summed loss and records the operation.
func (b *Backend[B]) CrossEntropy(logits, targets *tensor.RawTensor, smoothing float32) *tensor.RawTensor {
	result := b.inner.CrossEntropy(logits, targets, smoothing)
	b.tape.Record(ops.NewCrossEntropyOp(logits, targets, result, smoothing))
	return result
}

// CrossEntropyBackward delegates to the wrapped backend.
func (b *Backend[B]) CrossEntropyBackward(logits, targets *tensor.RawTensor, smoothing float32, grad *tensor.RawTensor) *tensor.RawTensor {
	return b.inner.CrossEntropyBackward(logits, targets, smoothing, grad)
}
