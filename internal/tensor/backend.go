package tensor

// Backend defines the primitives the trainer needs from a compute device.
//
// Backends own the numerics; every method returns a freshly allocated tensor and never
// mutates its inputs. Shape violations are programmer errors and panic.
//
// Implementations:
//   - cpu: pure Go kernels with gonum BLAS for matrix products
//   - webgpu: the cpu kernels with matrix products dispatched to a GPU compute pipeline
type Backend interface {
	// Add performs element-wise addition with NumPy broadcasting.
	Add(a, b *RawTensor) *RawTensor

	// MulScalar multiplies every element by a constant.
	MulScalar(x *RawTensor, scalar float32) *RawTensor

	// MatMul performs 2D matrix multiplication: [M, K] @ [K, N] -> [M, N].
	MatMul(a, b *RawTensor) *RawTensor

	// Shape operations
	Reshape(t *RawTensor, newShape Shape) *RawTensor
	Transpose(t *RawTensor, axes ...int) *RawTensor

	// SumToShape reduces a broadcast result back to shape by summing the broadcast
	// dimensions. It is the adjoint of broadcasting in Add.
	SumToShape(x *RawTensor, shape Shape) *RawTensor

	// Convolution over NCHW input with an [out, in, kH, kW] kernel.
	Conv2D(input, kernel *RawTensor, stride, padding int) *RawTensor
	Conv2DInputBackward(input, kernel, grad *RawTensor, stride, padding int) *RawTensor
	Conv2DKernelBackward(input, kernel, grad *RawTensor, stride, padding int) *RawTensor

	// Max pooling over NCHW input with a square window.
	MaxPool2D(input *RawTensor, kernelSize, stride int) *RawTensor
	MaxPool2DBackward(input, output, grad *RawTensor, kernelSize, stride int) *RawTensor

	// BatchNorm normalizes each channel of an NCHW tensor with batch statistics and adds
	// a per-channel shift. It returns the output together with the batch mean and the
	// biased batch variance.
	BatchNorm(input, shift *RawTensor, eps float32) (out, mean, variance *RawTensor)
	// BatchNormInference normalizes with the provided statistics.
	BatchNormInference(input, shift, mean, variance *RawTensor, eps float32) *RawTensor
	// BatchNormBackward returns the gradients w.r.t. the input and the shift of a
	// BatchNorm call that produced mean and variance.
	BatchNormBackward(input, mean, variance, grad *RawTensor, eps float32) (inputGrad, shiftGrad *RawTensor)

	// GELU (exact, erf based) and its backward.
	GELU(x *RawTensor) *RawTensor
	GELUBackward(x, grad *RawTensor) *RawTensor

	// CrossEntropy returns the label-smoothed cross-entropy of [B, K] logits against
	// int32 targets, summed over the batch, as a one-element tensor.
	CrossEntropy(logits, targets *RawTensor, smoothing float32) *RawTensor
	// CrossEntropyBackward returns d(loss)/d(logits) scaled by the scalar grad.
	CrossEntropyBackward(logits, targets *RawTensor, smoothing float32, grad *RawTensor) *RawTensor

	// Synchronize blocks until all queued device work has completed.
	Synchronize()

	// Metadata
	Name() string
	Device() Device
}
