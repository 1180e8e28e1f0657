package cpu

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/born-ml/airbench/internal/tensor"
)

// GEMM computes C = alpha * op(A) @ op(B) + beta * C on row-major float32 matrices,
// where op(X) is X or Xᵀ. op(A) is m×k, op(B) is k×n and C is m×n. lda, ldb and ldc
// are the row strides of the matrices as stored.
type GEMM func(transA, transB bool, m, n, k int, alpha float32,
	a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int)

// BLASGEMM is the default GEMM, backed by gonum's blas32.
func BLASGEMM(transA, transB bool, m, n, k int, alpha float32,
	a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int,
) {
	ta, am := blas.NoTrans, blas32.General{Rows: m, Cols: k, Stride: lda, Data: a}
	if transA {
		ta, am = blas.Trans, blas32.General{Rows: k, Cols: m, Stride: lda, Data: a}
	}
	tb, bm := blas.NoTrans, blas32.General{Rows: k, Cols: n, Stride: ldb, Data: b}
	if transB {
		tb, bm = blas.Trans, blas32.General{Rows: n, Cols: k, Stride: ldb, Data: b}
	}
	blas32.Gemm(ta, tb, alpha, am, bm, beta, blas32.General{Rows: m, Cols: n, Stride: ldc, Data: c})
}

// MatMul performs 2D matrix multiplication: [M, K] @ [K, N] -> [M, N].
func (cpu *Backend) MatMul(a, b *tensor.RawTensor) *tensor.RawTensor {
	aShape, bShape := a.Shape(), b.Shape()
	if len(aShape) != 2 || len(bShape) != 2 {
		panic(fmt.Sprintf("matmul: expected 2D tensors, got %v and %v", aShape, bShape))
	}
	m, k, n := aShape[0], aShape[1], bShape[1]
	if bShape[0] != k {
		panic(fmt.Sprintf("matmul: inner dimensions mismatch: %v @ %v", aShape, bShape))
	}
	if a.DType() != tensor.Float32 || b.DType() != tensor.Float32 {
		panic(fmt.Sprintf("matmul: unsupported dtypes %s, %s", a.DType(), b.DType()))
	}

	result := cpu.newFloat32(tensor.Shape{m, n}, "matmul")
	cpu.gemm(false, false, m, n, k, 1, a.AsFloat32(), k, b.AsFloat32(), n, 0, result.AsFloat32(), n)
	return result
}
