package nn

import (
	"fmt"

	"github.com/born-ml/airbench/internal/tensor"
)

// CrossEntropyLoss computes the label-smoothed cross-entropy between logits and
// integer class targets, summed over the batch.
//
// With smoothing ε and K classes, the target distribution of a row with label y is
// (1-ε)·onehot(y) + ε/K.
//
// Example:
//
//	criterion := nn.NewCrossEntropyLoss(0.2, backend)
//	loss := criterion.Forward(logits, labels) // shape [1]
type CrossEntropyLoss[B tensor.Backend] struct {
	smoothing float32
	backend   B
}

// NewCrossEntropyLoss creates a new loss with the given label smoothing.
func NewCrossEntropyLoss[B tensor.Backend](smoothing float32, backend B) *CrossEntropyLoss[B] {
	if smoothing < 0 || smoothing > 1 {
		panic(fmt.Sprintf("cross entropy: label smoothing %v outside [0, 1]", smoothing))
	}
	return &CrossEntropyLoss[B]{smoothing: smoothing, backend: backend}
}

// Forward returns the summed loss as a one-element tensor.
//
// logits: [batch, classes], targets: [batch] int32.
func (c *CrossEntropyLoss[B]) Forward(logits *tensor.Tensor[float32, B], targets *tensor.Tensor[int32, B]) *tensor.Tensor[float32, B] {
	return tensor.New[float32, B](c.backend.CrossEntropy(logits.Raw(), targets.Raw(), c.smoothing), c.backend)
}

// Smoothing returns the label smoothing factor.
func (c *CrossEntropyLoss[B]) Smoothing() float32 {
	return c.smoothing
}

// Argmax returns the index of the largest entry of every row of a [batch, classes]
// tensor. Ties go to the lowest index.
func Argmax(logits *tensor.RawTensor) []int32 {
	shape := logits.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("argmax: expected 2D logits, got %v", shape))
	}
	rows, cols := shape[0], shape[1]
	data := logits.AsFloat32()
	out := make([]int32, rows)
	for i := range rows {
		row := data[i*cols : (i+1)*cols]
		best := 0
		for j := 1; j < cols; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out[i] = int32(best)
	}
	return out
}

// Accuracy returns the fraction of rows whose argmax equals the label.
func Accuracy(logits *tensor.RawTensor, labels []int32) float64 {
	pred := Argmax(logits)
	if len(pred) != len(labels) {
		panic(fmt.Sprintf("accuracy: %d predictions for %d labels", len(pred), len(labels)))
	}
	if len(pred) == 0 {
		return 0
	}
	correct := 0
	for i, p := range pred {
		if p == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(pred))
}
