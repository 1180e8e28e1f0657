package model

import (
	"github.com/born-ml/airbench/internal/nn"
	"github.com/born-ml/airbench/internal/tensor"
)

// ConvGroup is the repeated block of the network:
//
//	conv3x3 → maxpool2 → batchnorm → GELU → conv3x3 → batchnorm → GELU
//
// Spatial size is halved (floor) by the pool.
type ConvGroup[B tensor.Backend] struct {
	conv1 *nn.Conv2D[B]
	pool  *nn.MaxPool2D[B]
	norm1 *nn.BatchNorm2D[B]
	act   *nn.GELU[B]
	conv2 *nn.Conv2D[B]
	norm2 *nn.BatchNorm2D[B]
}

// NewConvGroup creates a group mapping in to out channels.
func NewConvGroup[B tensor.Backend](in, out int, bnMomentum float32, backend B) *ConvGroup[B] {
	return &ConvGroup[B]{
		conv1: nn.NewConv2D(in, out, 3, 1, backend),
		pool:  nn.NewMaxPool2D(2, 2, backend),
		norm1: nn.NewBatchNorm2D(out, bnMomentum, backend),
		act:   nn.NewGELU(backend),
		conv2: nn.NewConv2D(out, out, 3, 1, backend),
		norm2: nn.NewBatchNorm2D(out, bnMomentum, backend),
	}
}

// Forward applies the group.
func (g *ConvGroup[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	x = g.conv1.Forward(x)
	x = g.pool.Forward(x)
	x = g.norm1.Forward(x)
	x = g.act.Forward(x)
	x = g.conv2.Forward(x)
	x = g.norm2.Forward(x)
	return g.act.Forward(x)
}

// Parameters returns conv1, norm1, conv2 and norm2 parameters in that order.
func (g *ConvGroup[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	for _, m := range []nn.Module[B]{g.conv1, g.norm1, g.conv2, g.norm2} {
		params = append(params, m.Parameters()...)
	}
	return params
}

// Children lists the layers in forward order. The shared activation appears once.
func (g *ConvGroup[B]) Children() []nn.Module[B] {
	return []nn.Module[B]{g.conv1, g.pool, g.norm1, g.act, g.conv2, g.norm2}
}

// Convs returns both convolutions.
func (g *ConvGroup[B]) Convs() [2]*nn.Conv2D[B] {
	return [2]*nn.Conv2D[B]{g.conv1, g.conv2}
}

// Norms returns both batch norms.
func (g *ConvGroup[B]) Norms() [2]*nn.BatchNorm2D[B] {
	return [2]*nn.BatchNorm2D[B]{g.norm1, g.norm2}
}
