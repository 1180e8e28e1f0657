package ops

import "github.com/born-ml/airbench/internal/tensor"

// MaxPool2DOp records a max pooling operation. The backward pass recomputes each
// window's winner from the saved input.
type MaxPool2DOp struct {
	input      *tensor.RawTensor
	output     *tensor.RawTensor
	kernelSize int
	stride     int
}

// NewMaxPool2DOp creates a new MaxPool2DOp.
func NewMaxPool2DOp(input, output *tensor.RawTensor, kernelSize, stride int) *MaxPool2DOp {
	return &MaxPool2DOp{input: input, output: output, kernelSize: kernelSize, stride: stride}
}

// Backward routes the gradient to the max positions.
func (op *MaxPool2DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.MaxPool2DBackward(op.input, op.output, outputGrad, op.kernelSize, op.stride)}
}

// Inputs returns the input tensors.
func (op *MaxPool2DOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.input}
}

// Output returns the output tensor.
func (op *MaxPool2DOp) Output() *tensor.RawTensor {
	return op.output
}

// BatchNormOp records a training-mode batch normalization with a trainable shift.
// The batch statistics computed in the forward pass are kept for the backward pass.
type BatchNormOp struct {
	input    *tensor.RawTensor
	shift    *tensor.RawTensor
	output   *tensor.RawTensor
	mean     *tensor.RawTensor
	variance *tensor.RawTensor
	eps      float32
}

// NewBatchNormOp creates a new BatchNormOp.
func NewBatchNormOp(input, shift, output, mean, variance *tensor.RawTensor, eps float32) *BatchNormOp {
	return &BatchNormOp{input: input, shift: shift, output: output, mean: mean, variance: variance, eps: eps}
}

// Backward returns [d_input, d_shift].
func (op *BatchNormOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	inputGrad, shiftGrad := backend.BatchNormBackward(op.input, op.mean, op.variance, outputGrad, op.eps)
	return []*tensor.RawTensor{inputGrad, backend.Reshape(shiftGrad, op.shift.Shape())}
}

// Inputs returns [input, shift].
func (op *BatchNormOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.input, op.shift}
}

// Output returns the output tensor.
func (op *BatchNormOp) Output() *tensor.RawTensor {
	return op.output
}

// GELUOp records a GELU activation.
type GELUOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
}

// NewGELUOp creates a new GELUOp.
func NewGELUOp(input, output *tensor.RawTensor) *GELUOp {
	return &GELUOp{input: input, output: output}
}

// Backward multiplies the gradient by GELU'(input).
func (op *GELUOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.GELUBackward(op.input, outputGrad)}
}

// Inputs returns the input tensors.
func (op *GELUOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.input}
}

// Output returns the output tensor.
func (op *GELUOp) Output() *tensor.RawTensor {
	return op.output
}

// CrossEntropyOp records the summed label-smoothed cross-entropy of logits against
// integer targets. Targets receive no gradient.
type CrossEntropyOp struct {
	logits    *tensor.RawTensor
	targets   *tensor.RawTensor
	output    *tensor.RawTensor
	smoothing float32
}

// NewCrossEntropyOp creates a new CrossEntropyOp.
func NewCrossEntropyOp(logits, targets, output *tensor.RawTensor, smoothing float32) *CrossEntropyOp {
	return &CrossEntropyOp{logits: logits, targets: targets, output: output, smoothing: smoothing}
}

// Backward returns [d_logits, nil].
func (op *CrossEntropyOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.CrossEntropyBackward(op.logits, op.targets, op.smoothing, outputGrad), nil}
}

// Inputs returns [logits, targets].
func (op *CrossEntropyOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.logits, op.targets}
}

// Output returns the scalar loss tensor.
func (op *CrossEntropyOp) Output() *tensor.RawTensor {
	return op.output
}
