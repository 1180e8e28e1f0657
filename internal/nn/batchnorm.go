package nn

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/airbench/internal/tensor"
)

// DefaultBatchNormEps is the variance regularizer used by BatchNorm2D.
const DefaultBatchNormEps = 1e-12

// BatchNorm2D normalizes each channel of an NCHW tensor and adds a trainable shift.
// The scale is fixed at 1 and is not a parameter.
//
// In training mode the batch statistics are used and the running statistics are
// updated as
//
//	running = momentum*running + (1-momentum)*batch
//
// with the unbiased batch variance. In evaluation mode the running statistics are
// used. A momentum of 0.6 therefore keeps 60% of the running value per step.
type BatchNorm2D[B tensor.Backend] struct {
	channels int
	momentum float32
	eps      float32

	shift       *Parameter[B]     // [channels]
	runningMean *tensor.RawTensor // [channels]
	runningVar  *tensor.RawTensor // [channels]

	training bool
	backend  B
}

// NewBatchNorm2D creates a batch norm layer in training mode with zero shift, zero
// running mean and unit running variance.
func NewBatchNorm2D[B tensor.Backend](channels int, momentum float32, backend B) *BatchNorm2D[B] {
	if channels <= 0 {
		panic(fmt.Sprintf("batchnorm: invalid channels %d", channels))
	}
	if momentum < 0 || momentum >= 1 {
		panic(fmt.Sprintf("batchnorm: momentum %v outside [0, 1)", momentum))
	}

	bn := &BatchNorm2D[B]{
		channels:    channels,
		momentum:    momentum,
		eps:         DefaultBatchNormEps,
		shift:       NewParameter("shift", Zeros(tensor.Shape{channels}, backend)),
		runningMean: Zeros(tensor.Shape{channels}, backend).Raw(),
		runningVar:  Ones(tensor.Shape{channels}, backend).Raw(),
		training:    true,
		backend:     backend,
	}
	return bn
}

// Forward normalizes the input.
func (bn *BatchNorm2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	if len(shape) != 4 || shape[1] != bn.channels {
		panic(fmt.Sprintf("batchnorm: expected [N,%d,H,W] input, got %v", bn.channels, shape))
	}

	if !bn.training {
		out := bn.backend.BatchNormInference(input.Raw(), bn.shift.Tensor().Raw(), bn.runningMean, bn.runningVar, bn.eps)
		return tensor.New[float32, B](out, bn.backend)
	}

	out, mean, variance := bn.backend.BatchNorm(input.Raw(), bn.shift.Tensor().Raw(), bn.eps)
	bn.updateRunningStats(mean.AsFloat32(), variance.AsFloat32(), shape[0]*shape[2]*shape[3])
	return tensor.New[float32, B](out, bn.backend)
}

func (bn *BatchNorm2D[B]) updateRunningStats(mean, variance []float32, count int) {
	correction := float32(1)
	if count > 1 {
		correction = float32(count) / float32(count-1)
	}
	m := bn.momentum
	rm, rv := bn.runningMean.AsFloat32(), bn.runningVar.AsFloat32()
	for c := range rm {
		rm[c] = m*rm[c] + (1-m)*mean[c]
		rv[c] = m*rv[c] + (1-m)*variance[c]*correction
	}
}

// Reset zeroes the shift and restores the initial running statistics.
func (bn *BatchNorm2D[B]) Reset(*rand.Rand) {
	bn.shift.Tensor().Raw().Zero()
	bn.runningMean.Zero()
	rv := bn.runningVar.AsFloat32()
	for i := range rv {
		rv[i] = 1
	}
}

// SetTraining switches between batch statistics (true) and running statistics.
func (bn *BatchNorm2D[B]) SetTraining(training bool) {
	bn.training = training
}

// Training reports whether the layer uses batch statistics.
func (bn *BatchNorm2D[B]) Training() bool {
	return bn.training
}

// Parameters returns the shift.
func (bn *BatchNorm2D[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{bn.shift}
}

// StateDict returns the shift and the running statistics.
func (bn *BatchNorm2D[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{
		"shift":        bn.shift.Tensor().Raw(),
		"running_mean": bn.runningMean,
		"running_var":  bn.runningVar,
	}
}

// Shift returns the shift parameter.
func (bn *BatchNorm2D[B]) Shift() *Parameter[B] {
	return bn.shift
}

// RunningMean returns the running mean buffer.
func (bn *BatchNorm2D[B]) RunningMean() *tensor.RawTensor {
	return bn.runningMean
}

// RunningVar returns the running variance buffer.
func (bn *BatchNorm2D[B]) RunningVar() *tensor.RawTensor {
	return bn.runningVar
}

// String returns a string representation of the layer.
func (bn *BatchNorm2D[B]) String() string {
	return fmt.Sprintf("BatchNorm2D(channels=%d, momentum=%v, eps=%v)", bn.channels, bn.momentum, bn.eps)
}
