package cpu

import (
	"fmt"

	"github.com/born-ml/airbench/internal/parallel"
	"github.com/born-ml/airbench/internal/tensor"
)

// Add performs element-wise addition with NumPy-style broadcasting.
func (cpu *Backend) Add(a, b *tensor.RawTensor) *tensor.RawTensor {
	outShape, needsBroadcast, err := tensor.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		panic(fmt.Sprintf("add: %v", err))
	}
	if a.DType() != tensor.Float32 || b.DType() != tensor.Float32 {
		panic(fmt.Sprintf("add: unsupported dtypes %s, %s", a.DType(), b.DType()))
	}

	result := cpu.newFloat32(outShape, "add")
	dst, aData, bData := result.AsFloat32(), a.AsFloat32(), b.AsFloat32()

	if !needsBroadcast {
		parallel.ForChunks(len(dst), cpu.elementwiseConfig(), func(_ int, c parallel.Chunk) {
			for i := c.Start; i < c.End; i++ {
				dst[i] = aData[i] + bData[i]
			}
		})
		return result
	}

	aStr := broadcastStrides(a.Shape(), outShape)
	bStr := broadcastStrides(b.Shape(), outShape)
	nd := len(outShape)
	inner := outShape[nd-1]
	as, bs := aStr[nd-1], bStr[nd-1]

	parallel.For(len(dst)/inner, cpu.par, func(row int) {
		ao, bo := rowOffsets(row, outShape, aStr, bStr)
		out := dst[row*inner : (row+1)*inner]
		for j := range out {
			out[j] = aData[ao+j*as] + bData[bo+j*bs]
		}
	})
	return result
}

// MulScalar multiplies every element by scalar.
func (cpu *Backend) MulScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	if x.DType() != tensor.Float32 {
		panic(fmt.Sprintf("mulscalar: unsupported dtype %s", x.DType()))
	}
	result := cpu.newFloat32(x.Shape(), "mulscalar")
	dst, src := result.AsFloat32(), x.AsFloat32()
	parallel.ForChunks(len(dst), cpu.elementwiseConfig(), func(_ int, c parallel.Chunk) {
		for i := c.Start; i < c.End; i++ {
			dst[i] = src[i] * scalar
		}
	})
	return result
}

// SumToShape sums x over the dimensions that broadcasting expanded from shape.
func (cpu *Backend) SumToShape(x *tensor.RawTensor, shape tensor.Shape) *tensor.RawTensor {
	xShape := x.Shape()
	if xShape.Equal(shape) {
		return x.Clone()
	}
	if out, _, err := tensor.BroadcastShapes(shape, xShape); err != nil || !out.Equal(xShape) {
		panic(fmt.Sprintf("sumtoshape: %v does not broadcast to %v", shape, xShape))
	}

	result := cpu.newFloat32(shape, "sumtoshape")
	dst, src := result.AsFloat32(), x.AsFloat32()
	dstStr := broadcastStrides(shape, xShape)
	nd := len(xShape)
	inner := xShape[nd-1]
	ds := dstStr[nd-1]

	for row := 0; row < len(src)/inner; row++ {
		do, _ := rowOffsets(row, xShape, dstStr, dstStr)
		in := src[row*inner : (row+1)*inner]
		for j, v := range in {
			dst[do+j*ds] += v
		}
	}
	return result
}

// elementwiseConfig splits flat loops into chunks large enough to amortize goroutines.
func (cpu *Backend) elementwiseConfig() parallel.Config {
	cfg := cpu.par
	cfg.MinChunkSize = max(cfg.MinChunkSize, 1<<15)
	return cfg
}

// broadcastStrides returns strides that address an `in`-shaped buffer with `out`-shaped
// indices. Broadcast dimensions get stride 0.
func broadcastStrides(in, out tensor.Shape) []int {
	strides := make([]int, len(out))
	inStrides := in.ComputeStrides()
	offset := len(out) - len(in)
	for i, dim := range in {
		if dim != 1 {
			strides[i+offset] = inStrides[i]
		}
	}
	return strides
}

// rowOffsets decodes a row index over every dimension but the last and returns the
// matching base offsets under two stride sets.
func rowOffsets(row int, shape tensor.Shape, aStr, bStr []int) (int, int) {
	ao, bo := 0, 0
	for d := len(shape) - 2; d >= 0; d-- {
		idx := row % shape[d]
		row /= shape[d]
		ao += idx * aStr[d]
		bo += idx * bStr[d]
	}
	return ao, bo
}
