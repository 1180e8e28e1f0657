// Package model defines the CIFAR-10 network and its whitening initializer.
//
// The network is
//
//	whiten conv (2x2, frozen weight, bias) → GELU
//	→ ConvGroup(24→w1) → ConvGroup(w1→w2) → ConvGroup(w2→w3)
//	→ maxpool3 → flatten → linear(w3→10, no bias) → scale
//
// Two variants come out of the same constructor: the default one trains the
// whitening bias, the WithFrozenWhitenBias one does not. Training starts on the
// first and switches to the second by copying State into it.
package model

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/born-ml/airbench/internal/nn"
	"github.com/born-ml/airbench/internal/tensor"
)

// Whitening layer geometry: a 2x2 kernel over 3 channels yields 12-dimensional
// patches, and every whitening filter is paired with its negation.
const (
	WhitenKernelSize = 2
	WhitenWidth      = 2 * 3 * WhitenKernelSize * WhitenKernelSize
)

// NumClasses is the size of the classifier output.
const NumClasses = 10

// ErrInvalidConfig is returned by NewNetwork for unusable architecture settings.
var ErrInvalidConfig = errors.New("model: invalid network config")

// Config holds the architecture settings.
type Config struct {
	Widths            [3]int  // output channels of the three conv groups
	BatchNormMomentum float32 // share of the running statistics kept per step
	ScalingFactor     float32 // multiplier applied to the logits
}

// DefaultConfig returns the reference architecture.
func DefaultConfig() Config {
	return Config{
		Widths:            [3]int{64, 256, 256},
		BatchNormMomentum: 0.6,
		ScalingFactor:     1.0 / 9,
	}
}

// Option configures a Network.
type Option func(*options)

type options struct {
	frozenWhitenBias bool
}

// WithFrozenWhitenBias builds the variant whose whitening bias is not trainable.
func WithFrozenWhitenBias() Option {
	return func(o *options) { o.frozenWhitenBias = true }
}

// Network is the classifier. It is an nn.Module and an nn.Container, so the
// generic nn helpers (StateDict, ResetAll, SetTraining) apply to it; state keys
// follow the layer positions ("0.weight", "2.2.shift", "7.weight").
type Network[B tensor.Backend] struct {
	cfg        Config
	frozenBias bool

	seq    *nn.Sequential[B]
	whiten *nn.Conv2D[B]
	groups [3]*ConvGroup[B]
	head   *nn.Linear[B]
}

// NewNetwork builds an uninitialized network; call Reinit before use.
func NewNetwork[B tensor.Backend](cfg Config, backend B, opts ...Option) (*Network[B], error) {
	for i, w := range cfg.Widths {
		if w <= 0 {
			return nil, fmt.Errorf("%w: width of block %d is %d", ErrInvalidConfig, i+1, w)
		}
	}
	if cfg.BatchNormMomentum < 0 || cfg.BatchNormMomentum >= 1 {
		return nil, fmt.Errorf("%w: batchnorm momentum %v outside [0, 1)", ErrInvalidConfig, cfg.BatchNormMomentum)
	}
	if cfg.ScalingFactor <= 0 {
		return nil, fmt.Errorf("%w: scaling factor %v must be positive", ErrInvalidConfig, cfg.ScalingFactor)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	whitenOpts := []nn.Conv2DOption{nn.WithBias(), nn.WithFrozenWeight()}
	if o.frozenWhitenBias {
		whitenOpts = append(whitenOpts, nn.WithFrozenBias())
	}

	n := &Network[B]{cfg: cfg, frozenBias: o.frozenWhitenBias}
	n.whiten = nn.NewConv2D(3, WhitenWidth, WhitenKernelSize, 0, backend, whitenOpts...)
	in := WhitenWidth
	for i, w := range cfg.Widths {
		n.groups[i] = NewConvGroup(in, w, cfg.BatchNormMomentum, backend)
		in = w
	}
	n.head = nn.NewLinear(in, NumClasses, backend)

	n.seq = nn.NewSequential[B](
		n.whiten,
		nn.NewGELU(backend),
		n.groups[0],
		n.groups[1],
		n.groups[2],
		nn.NewMaxPool2D(3, 3, backend),
		nn.NewFlatten[B](),
		n.head,
		nn.NewScale[B](cfg.ScalingFactor),
	)
	return n, nil
}

// Forward maps normalized images [N, 3, 32, 32] to logits [N, 10].
func (n *Network[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return n.seq.Forward(x)
}

// Parameters returns the trainable parameters in layer order.
func (n *Network[B]) Parameters() []*nn.Parameter[B] {
	return n.seq.Parameters()
}

// Children returns the top-level layers.
func (n *Network[B]) Children() []nn.Module[B] {
	return n.seq.Children()
}

// Reinit resets every layer from rng: convolutions get Kaiming-uniform weights with
// dirac identity filters, the whitening bias and norm shifts return to zero and the
// running statistics to (0, 1).
func (n *Network[B]) Reinit(rng *rand.Rand) {
	nn.ResetAll[B](n.seq, rng)
}

// SetTraining switches the batch norms between batch and running statistics.
func (n *Network[B]) SetTraining(training bool) {
	nn.SetTraining[B](n.seq, training)
}

// State returns the live parameter and buffer tensors by name.
func (n *Network[B]) State() map[string]*tensor.RawTensor {
	return nn.StateDict[B](n)
}

// LoadState copies state into this network in place. Frozen and trainable
// variants share the same keys.
func (n *Network[B]) LoadState(state map[string]*tensor.RawTensor) error {
	return nn.LoadStateDict[B](n, state)
}

// Whiten returns the whitening convolution.
func (n *Network[B]) Whiten() *nn.Conv2D[B] {
	return n.whiten
}

// Head returns the classifier layer.
func (n *Network[B]) Head() *nn.Linear[B] {
	return n.head
}

// ConvGroups returns the three conv groups.
func (n *Network[B]) ConvGroups() [3]*ConvGroup[B] {
	return n.groups
}

// FrozenWhitenBias reports whether this is the frozen-bias variant.
func (n *Network[B]) FrozenWhitenBias() bool {
	return n.frozenBias
}

// Config returns the architecture settings.
func (n *Network[B]) Config() Config {
	return n.cfg
}

// ParamGroups partitions the network's parameters by role.
type ParamGroups[B tensor.Backend] struct {
	Whiten     []*nn.Parameter[B] // whitening weight, never trained
	Conv       []*nn.Parameter[B] // conv group weights
	Norm       []*nn.Parameter[B] // batch norm shifts
	Head       []*nn.Parameter[B] // classifier weight
	WhitenBias []*nn.Parameter[B] // empty for the frozen-bias variant
}

// Groups returns the role partition, each list in layer order.
func (n *Network[B]) Groups() ParamGroups[B] {
	g := ParamGroups[B]{
		Whiten: []*nn.Parameter[B]{n.whiten.Weight()},
		Head:   []*nn.Parameter[B]{n.head.Weight()},
	}
	for _, group := range n.groups {
		for _, conv := range group.Convs() {
			g.Conv = append(g.Conv, conv.Weight())
		}
		for _, norm := range group.Norms() {
			g.Norm = append(g.Norm, norm.Shift())
		}
	}
	if !n.frozenBias {
		g.WhitenBias = []*nn.Parameter[B]{n.whiten.Bias()}
	}
	return g
}
