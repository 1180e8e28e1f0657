package nn

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/airbench/internal/tensor"
)

// Linear is a fully connected layer without bias: y = x @ W^T.
//
// Input shape:  [batch, in_features]
// Weight shape: [out_features, in_features]
// Output shape: [batch, out_features]
type Linear[B tensor.Backend] struct {
	inFeatures  int
	outFeatures int
	weight      *Parameter[B]
	backend     B
}

// NewLinear creates a new linear layer. The weight starts at zero; call Reset before use.
func NewLinear[B tensor.Backend](inFeatures, outFeatures int, backend B) *Linear[B] {
	if inFeatures <= 0 || outFeatures <= 0 {
		panic(fmt.Sprintf("linear: invalid features in=%d, out=%d", inFeatures, outFeatures))
	}
	return &Linear[B]{
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		weight:      NewParameter("weight", Zeros(tensor.Shape{outFeatures, inFeatures}, backend)),
		backend:     backend,
	}
}

// Forward computes x @ W^T.
func (l *Linear[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	if len(shape) != 2 || shape[1] != l.inFeatures {
		panic(fmt.Sprintf("linear: expected [N,%d] input, got %v", l.inFeatures, shape))
	}
	return input.MatMul(l.weight.Tensor().T())
}

// Reset draws the weight from U(-1/√in, 1/√in).
func (l *Linear[B]) Reset(rng *rand.Rand) {
	KaimingUniform(l.weight.Tensor().Data(), l.inFeatures, rng)
}

// Parameters returns the weight.
func (l *Linear[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{l.weight}
}

// StateDict returns the weight.
func (l *Linear[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{"weight": l.weight.Tensor().Raw()}
}

// Weight returns the weight parameter.
func (l *Linear[B]) Weight() *Parameter[B] {
	return l.weight
}

// String returns a string representation of the layer.
func (l *Linear[B]) String() string {
	return fmt.Sprintf("Linear(in_features=%d, out_features=%d, bias=false)", l.inFeatures, l.outFeatures)
}
