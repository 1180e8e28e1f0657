package nn

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/airbench/internal/tensor"
)

// Conv2D is a 2D convolutional layer with stride 1.
//
// Performs convolution: output = Conv2D(input, weight) + bias
//
// Input shape:  [batch, in_channels, height, width]
// Weight shape: [out_channels, in_channels, kernel, kernel]
// Bias shape:   [out_channels]
// Output shape: [batch, out_channels, height + 2*padding - kernel + 1, ...]
//
// Reset draws the weight from U(-1/√fan_in, 1/√fan_in), turns the first
// min(out, in) filters into identity (dirac) filters and zeroes the bias.
//
// A frozen weight or bias stays in the layer's state but is not returned by
// Parameters, so no optimizer updates it.
type Conv2D[B tensor.Backend] struct {
	inChannels  int
	outChannels int
	kernelSize  int
	padding     int

	weight *Parameter[B] // [out_channels, in_channels, kernel, kernel]
	bias   *Parameter[B] // [out_channels] or nil

	frozenWeight bool
	frozenBias   bool

	backend B
}

// Conv2DOption configures a Conv2D layer.
type Conv2DOption func(*conv2DOptions)

type conv2DOptions struct {
	bias         bool
	frozenWeight bool
	frozenBias   bool
}

// WithBias adds a per-channel bias.
func WithBias() Conv2DOption {
	return func(o *conv2DOptions) { o.bias = true }
}

// WithFrozenWeight excludes the weight from Parameters.
func WithFrozenWeight() Conv2DOption {
	return func(o *conv2DOptions) { o.frozenWeight = true }
}

// WithFrozenBias excludes the bias from Parameters.
func WithFrozenBias() Conv2DOption {
	return func(o *conv2DOptions) { o.frozenBias = true }
}

// NewConv2D creates a new convolution layer. The weight starts at zero; call Reset
// (or nn.ResetAll on the enclosing model) before use.
//
// Example:
//
//	conv := nn.NewConv2D(64, 256, 3, 1, backend) // 3x3, "same" padding
//	conv.Reset(rng)
func NewConv2D[B tensor.Backend](inChannels, outChannels, kernelSize, padding int, backend B, opts ...Conv2DOption) *Conv2D[B] {
	if inChannels <= 0 || outChannels <= 0 {
		panic(fmt.Sprintf("conv2d: invalid channels in=%d, out=%d", inChannels, outChannels))
	}
	if kernelSize <= 0 {
		panic(fmt.Sprintf("conv2d: invalid kernel size %d", kernelSize))
	}
	if padding < 0 {
		panic(fmt.Sprintf("conv2d: invalid padding %d", padding))
	}

	var o conv2DOptions
	for _, opt := range opts {
		opt(&o)
	}

	c := &Conv2D[B]{
		inChannels:   inChannels,
		outChannels:  outChannels,
		kernelSize:   kernelSize,
		padding:      padding,
		frozenWeight: o.frozenWeight,
		frozenBias:   o.frozenBias,
		backend:      backend,
	}
	c.weight = NewParameter("weight", Zeros(tensor.Shape{outChannels, inChannels, kernelSize, kernelSize}, backend))
	if o.bias {
		c.bias = NewParameter("bias", Zeros(tensor.Shape{outChannels}, backend))
	}
	return c
}

// Forward performs the forward pass.
//
// Input: [batch, in_channels, height, width].
func (c *Conv2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	inputShape := input.Shape()
	if len(inputShape) != 4 {
		panic(fmt.Sprintf("conv2d: expected 4D input [N,C,H,W], got %dD", len(inputShape)))
	}
	if inputShape[1] != c.inChannels {
		panic(fmt.Sprintf("conv2d: input channels %d != expected %d", inputShape[1], c.inChannels))
	}

	output := tensor.New[float32, B](c.backend.Conv2D(input.Raw(), c.weight.Tensor().Raw(), 1, c.padding), c.backend)

	if c.bias != nil {
		// Reshape through the backend so the bias gradient flows back to [out_channels].
		output = output.Add(c.bias.Tensor().Reshape(1, c.outChannels, 1, 1))
	}
	return output
}

// Reset re-initializes the weight and zeroes the bias.
func (c *Conv2D[B]) Reset(rng *rand.Rand) {
	w := c.weight.Tensor().Data()
	KaimingUniform(w, c.inChannels*c.kernelSize*c.kernelSize, rng)
	Dirac(w, c.weight.Shape())
	if c.bias != nil {
		c.bias.Tensor().Raw().Zero()
	}
}

// Parameters returns the trainable parameters.
func (c *Conv2D[B]) Parameters() []*Parameter[B] {
	var params []*Parameter[B]
	if !c.frozenWeight {
		params = append(params, c.weight)
	}
	if c.bias != nil && !c.frozenBias {
		params = append(params, c.bias)
	}
	return params
}

// StateDict returns the weight and, if present, the bias, frozen or not.
func (c *Conv2D[B]) StateDict() map[string]*tensor.RawTensor {
	state := map[string]*tensor.RawTensor{"weight": c.weight.Tensor().Raw()}
	if c.bias != nil {
		state["bias"] = c.bias.Tensor().Raw()
	}
	return state
}

// Weight returns the weight parameter, frozen or not.
func (c *Conv2D[B]) Weight() *Parameter[B] {
	return c.weight
}

// Bias returns the bias parameter, or nil for a layer without bias.
func (c *Conv2D[B]) Bias() *Parameter[B] {
	return c.bias
}

// InChannels returns the number of input channels.
func (c *Conv2D[B]) InChannels() int {
	return c.inChannels
}

// OutChannels returns the number of output channels.
func (c *Conv2D[B]) OutChannels() int {
	return c.outChannels
}

// KernelSize returns the kernel size.
func (c *Conv2D[B]) KernelSize() int {
	return c.kernelSize
}

// String returns a string representation of the layer.
func (c *Conv2D[B]) String() string {
	return fmt.Sprintf("Conv2D(in_channels=%d, out_channels=%d, kernel_size=%d, padding=%d, bias=%v)",
		c.inChannels, c.outChannels, c.kernelSize, c.padding, c.bias != nil)
}
