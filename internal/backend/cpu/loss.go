package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/airbench/internal/tensor"
)

// CrossEntropy computes the label-smoothed cross-entropy of [B, K] logits against int32
// targets, summed over the batch.
//
// The target distribution for row i is q = (1-ε)·onehot(y_i) + ε/K, and the row loss is
// -Σ_k q_k · log_softmax(logits_i)_k. Log-softmax uses the max-shift for stability.
func (cpu *Backend) CrossEntropy(logits, targets *tensor.RawTensor, smoothing float32) *tensor.RawTensor {
	b, k := ceGeom("cross entropy", logits, targets)
	x, y := logits.AsFloat32(), targets.AsInt32()
	eps := float64(smoothing)

	var total float64
	for i := 0; i < b; i++ {
		row := x[i*k : (i+1)*k]
		lse := logSumExp(row)

		var sumLogP float64
		for _, v := range row {
			sumLogP += float64(v) - lse
		}
		target := float64(row[y[i]]) - lse
		total -= (1-eps)*target + eps/float64(k)*sumLogP
	}

	result := cpu.newFloat32(tensor.Shape{1}, "cross entropy")
	result.AsFloat32()[0] = float32(total)
	return result
}

// CrossEntropyBackward returns grad · (softmax(logits) - q) for every row.
func (cpu *Backend) CrossEntropyBackward(logits, targets *tensor.RawTensor, smoothing float32, grad *tensor.RawTensor) *tensor.RawTensor {
	b, k := ceGeom("cross entropy backward", logits, targets)
	if grad.NumElements() != 1 {
		panic(fmt.Sprintf("cross entropy backward: expected scalar grad, got %v", grad.Shape()))
	}

	result := cpu.newFloat32(logits.Shape(), "cross entropy backward")
	x, y, dx := logits.AsFloat32(), targets.AsInt32(), result.AsFloat32()
	g := float64(grad.AsFloat32()[0])
	eps := float64(smoothing)
	uniform := eps / float64(k)

	for i := 0; i < b; i++ {
		row := x[i*k : (i+1)*k]
		lse := logSumExp(row)
		for j, v := range row {
			q := uniform
			if int32(j) == y[i] {
				q += 1 - eps
			}
			dx[i*k+j] = float32(g * (math.Exp(float64(v)-lse) - q))
		}
	}
	return result
}

func ceGeom(op string, logits, targets *tensor.RawTensor) (b, k int) {
	shape := logits.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("%s: logits must be 2D [B,K], got %v", op, shape))
	}
	if targets.DType() != tensor.Int32 {
		panic(fmt.Sprintf("%s: targets must be int32, got %s", op, targets.DType()))
	}
	b, k = shape[0], shape[1]
	if targets.NumElements() != b {
		panic(fmt.Sprintf("%s: %d targets for %d rows", op, targets.NumElements(), b))
	}
	for i, t := range targets.AsInt32() {
		if t < 0 || int(t) >= k {
			panic(fmt.Sprintf("%s: target %d at row %d out of range [0,%d)", op, t, i, k))
		}
	}
	return b, k
}

func logSumExp(row []float32) float64 {
	m := float64(row[0])
	for _, v := range row[1:] {
		m = math.Max(m, float64(v))
	}
	var s float64
	for _, v := range row {
		s += math.Exp(float64(v) - m)
	}
	return m + math.Log(s)
}
