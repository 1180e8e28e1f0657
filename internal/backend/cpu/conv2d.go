package cpu

import (
	"fmt"

	"github.com/born-ml/airbench/internal/parallel"
	"github.com/born-ml/airbench/internal/tensor"
)

// convGeom holds the dimensions of one Conv2D call.
type convGeom struct {
	N, CIn, H, W    int
	COut, KH, KW    int
	HOut, WOut      int
	stride, padding int
}

// k is the length of one im2col column: C_in * K_h * K_w.
func (g convGeom) k() int { return g.CIn * g.KH * g.KW }

// hw is the number of output positions per image.
func (g convGeom) hw() int { return g.HOut * g.WOut }

func newConvGeom(op string, input, kernel *tensor.RawTensor, stride, padding int) convGeom {
	inputShape, kernelShape := input.Shape(), kernel.Shape()
	if len(inputShape) != 4 {
		panic(fmt.Sprintf("%s: input must be 4D [N,C,H,W], got %dD", op, len(inputShape)))
	}
	if len(kernelShape) != 4 {
		panic(fmt.Sprintf("%s: kernel must be 4D [C_out,C_in,K_h,K_w], got %dD", op, len(kernelShape)))
	}
	if inputShape[1] != kernelShape[1] {
		panic(fmt.Sprintf("%s: input channels %d != kernel channels %d", op, inputShape[1], kernelShape[1]))
	}
	if stride <= 0 || padding < 0 {
		panic(fmt.Sprintf("%s: invalid stride %d / padding %d", op, stride, padding))
	}

	g := convGeom{
		N: inputShape[0], CIn: inputShape[1], H: inputShape[2], W: inputShape[3],
		COut: kernelShape[0], KH: kernelShape[2], KW: kernelShape[3],
		stride: stride, padding: padding,
	}
	g.HOut = (g.H+2*padding-g.KH)/stride + 1
	g.WOut = (g.W+2*padding-g.KW)/stride + 1
	if g.HOut <= 0 || g.WOut <= 0 {
		panic(fmt.Sprintf("%s: invalid output dimensions: out_h=%d, out_w=%d (check stride/padding)", op, g.HOut, g.WOut))
	}
	return g
}

// Conv2D performs 2D convolution using the im2col algorithm.
//
// Input shape: [N, C_in, H, W]
// Kernel shape: [C_out, C_in, K_h, K_w]
// Output shape: [N, C_out, H_out, W_out]
//
// For each image the input patches are unfolded into a [C_in*K_h*K_w, H_out*W_out]
// column matrix, so the image's output plane is a single GEMM:
//
//	out[n] = kernel[C_out, C_in*K_h*K_w] @ col[C_in*K_h*K_w, H_out*W_out]
//
// which lands directly in NCHW order. Images are processed in parallel.
func (cpu *Backend) Conv2D(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g := newConvGeom("conv2d", input, kernel, stride, padding)
	output := cpu.newFloat32(tensor.Shape{g.N, g.COut, g.HOut, g.WOut}, "conv2d")

	x, w, out := input.AsFloat32(), kernel.AsFloat32(), output.AsFloat32()
	k, hw := g.k(), g.hw()
	inPlane, outPlane := g.CIn*g.H*g.W, g.COut*hw

	parallel.ForChunks(g.N, cpu.par, func(_ int, c parallel.Chunk) {
		col := cpu.scratch.get(k * hw)
		defer cpu.scratch.put(col)
		for n := c.Start; n < c.End; n++ {
			im2col(col, x[n*inPlane:(n+1)*inPlane], g)
			cpu.gemm(false, false, g.COut, hw, k, 1, w, k, col, hw, 0, out[n*outPlane:(n+1)*outPlane], hw)
		}
	})

	return output
}

// Conv2DInputBackward computes the gradient w.r.t. the input.
//
// Per image: dcol = kernelᵀ @ grad[n], then col2im scatters dcol back onto the input
// positions each column entry was read from.
func (cpu *Backend) Conv2DInputBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g := newConvGeom("conv2d input backward", input, kernel, stride, padding)
	checkConvGrad("conv2d input backward", grad, g)
	inputGrad := cpu.newFloat32(input.Shape(), "conv2d input backward")

	w, dy, dx := kernel.AsFloat32(), grad.AsFloat32(), inputGrad.AsFloat32()
	k, hw := g.k(), g.hw()
	inPlane, outPlane := g.CIn*g.H*g.W, g.COut*hw

	parallel.ForChunks(g.N, cpu.par, func(_ int, c parallel.Chunk) {
		dcol := cpu.scratch.get(k * hw)
		defer cpu.scratch.put(dcol)
		for n := c.Start; n < c.End; n++ {
			cpu.gemm(true, false, k, hw, g.COut, 1, w, k, dy[n*outPlane:(n+1)*outPlane], hw, 0, dcol, hw)
			col2im(dx[n*inPlane:(n+1)*inPlane], dcol, g)
		}
	})

	return inputGrad
}

// Conv2DKernelBackward computes the gradient w.r.t. the kernel:
//
//	dKernel = sum_n grad[n] @ col[n]ᵀ
//
// Each worker accumulates a private partial sum; partials are added in chunk order.
func (cpu *Backend) Conv2DKernelBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g := newConvGeom("conv2d kernel backward", input, kernel, stride, padding)
	checkConvGrad("conv2d kernel backward", grad, g)
	kernelGrad := cpu.newFloat32(kernel.Shape(), "conv2d kernel backward")

	x, dy := input.AsFloat32(), grad.AsFloat32()
	k, hw := g.k(), g.hw()
	inPlane, outPlane := g.CIn*g.H*g.W, g.COut*hw

	chunks := parallel.Chunks(g.N, cpu.par)
	partials := make([][]float32, len(chunks))

	parallel.ForChunks(g.N, cpu.par, func(idx int, c parallel.Chunk) {
		col := cpu.scratch.get(k * hw)
		defer cpu.scratch.put(col)
		partial := make([]float32, g.COut*k)
		for n := c.Start; n < c.End; n++ {
			im2col(col, x[n*inPlane:(n+1)*inPlane], g)
			cpu.gemm(false, true, g.COut, k, hw, 1, dy[n*outPlane:(n+1)*outPlane], hw, col, hw, 1, partial, k)
		}
		partials[idx] = partial
	})

	dw := kernelGrad.AsFloat32()
	for _, partial := range partials {
		for i, v := range partial {
			dw[i] += v
		}
	}
	return kernelGrad
}

func checkConvGrad(op string, grad *tensor.RawTensor, g convGeom) {
	want := tensor.Shape{g.N, g.COut, g.HOut, g.WOut}
	if !grad.Shape().Equal(want) {
		panic(fmt.Sprintf("%s: grad shape %v, expected %v", op, grad.Shape(), want))
	}
}

// im2col unfolds one [C, H, W] image into col [C*K_h*K_w, H_out*W_out].
// Out-of-bounds (padding) positions read as zero.
func im2col(col, img []float32, g convGeom) {
	hw := g.hw()
	row := 0
	for c := 0; c < g.CIn; c++ {
		plane := img[c*g.H*g.W : (c+1)*g.H*g.W]
		for kh := 0; kh < g.KH; kh++ {
			for kw := 0; kw < g.KW; kw++ {
				dst := col[row*hw : (row+1)*hw]
				for oh := 0; oh < g.HOut; oh++ {
					h := oh*g.stride - g.padding + kh
					line := dst[oh*g.WOut : (oh+1)*g.WOut]
					if h < 0 || h >= g.H {
						clear(line)
						continue
					}
					for ow := range line {
						w := ow*g.stride - g.padding + kw
						if w >= 0 && w < g.W {
							line[ow] = plane[h*g.W+w]
						} else {
							line[ow] = 0
						}
					}
				}
				row++
			}
		}
	}
}

// col2im is the adjoint of im2col: it accumulates col entries into img.
func col2im(img, col []float32, g convGeom) {
	hw := g.hw()
	row := 0
	for c := 0; c < g.CIn; c++ {
		plane := img[c*g.H*g.W : (c+1)*g.H*g.W]
		for kh := 0; kh < g.KH; kh++ {
			for kw := 0; kw < g.KW; kw++ {
				src := col[row*hw : (row+1)*hw]
				for oh := 0; oh < g.HOut; oh++ {
					h := oh*g.stride - g.padding + kh
					if h < 0 || h >= g.H {
						continue
					}
					line := src[oh*g.WOut : (oh+1)*g.WOut]
					for ow, v := range line {
						w := ow*g.stride - g.padding + kw
						if w >= 0 && w < g.W {
							plane[h*g.W+w] += v
						}
					}
				}
				row++
			}
		}
	}
}
