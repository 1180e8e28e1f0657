//go:build windows

package webgpu

import (
	"math/rand"
	"testing"

	"github.com/born-ml/airbench/internal/backend/cpu"
	"github.com/born-ml/airbench/internal/tensor"
)

func newBackendOrSkip(t *testing.T) *Backend {
	t.Helper()
	backend, err := New()
	if err != nil {
		t.Skipf("WebGPU not available: %v", err)
	}
	t.Cleanup(backend.Release)
	return backend
}

func TestGEMMMatchesBLAS(t *testing.T) {
	backend := newBackendOrSkip(t)
	rng := rand.New(rand.NewSource(1))

	for _, tc := range []struct {
		name           string
		transA, transB bool
	}{
		{"nn", false, false},
		{"tn", true, false},
		{"nt", false, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			const m, n, k = 64, 72, 40
			a := make([]float32, m*k)
			b := make([]float32, k*n)
			for i := range a {
				a[i] = float32(rng.NormFloat64())
			}
			for i := range b {
				b[i] = float32(rng.NormFloat64())
			}
			lda, ldb := k, n
			if tc.transA {
				lda = m
			}
			if tc.transB {
				ldb = k
			}

			want := make([]float32, m*n)
			got := make([]float32, m*n)
			cpu.BLASGEMM(tc.transA, tc.transB, m, n, k, 1, a, lda, b, ldb, 0, want, n)
			backend.gemm(tc.transA, tc.transB, m, n, k, 1, a, lda, b, ldb, 0, got, n)

			for i := range want {
				if d := got[i] - want[i]; d > 1e-3 || d < -1e-3 {
					t.Fatalf("c[%d] = %v, want %v", i, got[i], want[i])
				}
			}
		})
	}
}

func TestConvUsesGPU(t *testing.T) {
	backend := newBackendOrSkip(t)
	rng := rand.New(rand.NewSource(2))
	input := tensor.Randn(tensor.Shape{2, 16, 16, 16}, rng, backend).Raw()
	kernel := tensor.Randn(tensor.Shape{32, 16, 3, 3}, rng, backend).Raw()

	got := backend.Conv2D(input, kernel, 1, 1).AsFloat32()
	want := cpu.New().Conv2D(input, kernel, 1, 1).AsFloat32()

	for i := range want {
		if d := got[i] - want[i]; d > 1e-3 || d < -1e-3 {
			t.Fatalf("out[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if hits, misses := backend.pool.Stats(); hits+misses == 0 {
		t.Error("expected GEMM to go through the GPU buffer pool")
	}
}
