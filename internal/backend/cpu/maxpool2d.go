package cpu

import (
	"fmt"

	"github.com/born-ml/airbench/internal/parallel"
	"github.com/born-ml/airbench/internal/tensor"
)

// MaxPool2D performs 2D max pooling with a square window.
//
// Input shape:  [N, C, H, W]
// Output shape: [N, C, (H-k)/s+1, (W-k)/s+1]
//
// Trailing rows and columns that do not fill a whole window are dropped.
//
// Example (2x2 pool, stride=2):
//
//	Input: [[1,2,3,4],    Output: [[6,8],
//	        [5,6,7,8],             [14,16]]
//	        [9,10,11,12],
//	        [13,14,15,16]]
func (cpu *Backend) MaxPool2D(input *tensor.RawTensor, kernelSize, stride int) *tensor.RawTensor {
	n, c, h, w, hOut, wOut := poolGeom("maxpool2d", input, kernelSize, stride)
	output := cpu.newFloat32(tensor.Shape{n, c, hOut, wOut}, "maxpool2d")

	x, out := input.AsFloat32(), output.AsFloat32()
	parallel.For(n*c, cpu.par, func(plane int) {
		src := x[plane*h*w : (plane+1)*h*w]
		dst := out[plane*hOut*wOut : (plane+1)*hOut*wOut]
		for oh := 0; oh < hOut; oh++ {
			for ow := 0; ow < wOut; ow++ {
				_, best := windowArgmax(src, w, oh*stride, ow*stride, kernelSize)
				dst[oh*wOut+ow] = best
			}
		}
	})

	return output
}

// MaxPool2DBackward routes each output gradient to the input position that won the
// forward max. Winners are recomputed from input with the same scan order as the
// forward pass (first maximum wins), so no index tensor needs to be kept.
func (cpu *Backend) MaxPool2DBackward(input, output, grad *tensor.RawTensor, kernelSize, stride int) *tensor.RawTensor {
	n, c, h, w, hOut, wOut := poolGeom("maxpool2d backward", input, kernelSize, stride)
	want := tensor.Shape{n, c, hOut, wOut}
	if !grad.Shape().Equal(want) || !output.Shape().Equal(want) {
		panic(fmt.Sprintf("maxpool2d backward: grad %v / output %v, expected %v", grad.Shape(), output.Shape(), want))
	}

	inputGrad := cpu.newFloat32(input.Shape(), "maxpool2d backward")
	x, dy, dx := input.AsFloat32(), grad.AsFloat32(), inputGrad.AsFloat32()

	parallel.For(n*c, cpu.par, func(plane int) {
		src := x[plane*h*w : (plane+1)*h*w]
		g := dy[plane*hOut*wOut : (plane+1)*hOut*wOut]
		dst := dx[plane*h*w : (plane+1)*h*w]
		for oh := 0; oh < hOut; oh++ {
			for ow := 0; ow < wOut; ow++ {
				idx, _ := windowArgmax(src, w, oh*stride, ow*stride, kernelSize)
				dst[idx] += g[oh*wOut+ow]
			}
		}
	})

	return inputGrad
}

// windowArgmax returns the flat index and value of the first maximum in the k×k window
// whose top-left corner is (top, left).
func windowArgmax(plane []float32, width, top, left, k int) (int, float32) {
	bestIdx := top*width + left
	best := plane[bestIdx]
	for kh := 0; kh < k; kh++ {
		row := (top + kh) * width
		for kw := 0; kw < k; kw++ {
			if v := plane[row+left+kw]; v > best {
				best, bestIdx = v, row+left+kw
			}
		}
	}
	return bestIdx, best
}

func poolGeom(op string, input *tensor.RawTensor, kernelSize, stride int) (n, c, h, w, hOut, wOut int) {
	shape := input.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("%s: expected 4D input [N,C,H,W], got %dD", op, len(shape)))
	}
	if kernelSize <= 0 {
		panic(fmt.Sprintf("%s: invalid kernel size %d", op, kernelSize))
	}
	if stride <= 0 {
		panic(fmt.Sprintf("%s: invalid stride %d", op, stride))
	}
	n, c, h, w = shape[0], shape[1], shape[2], shape[3]
	if kernelSize > h || kernelSize > w {
		panic(fmt.Sprintf("%s: kernel size %d too large for input %dx%d", op, kernelSize, h, w))
	}
	hOut = (h-kernelSize)/stride + 1
	wOut = (w-kernelSize)/stride + 1
	return n, c, h, w, hOut, wOut
}
