// Package cpu implements the CPU backend with gonum BLAS for matrix products.
package cpu

import (
	"github.com/born-ml/airbench/internal/parallel"
	"github.com/born-ml/airbench/internal/tensor"
)

// Backend implements tensor operations on CPU.
//
// Matrix products (MatMul and the im2col convolutions) go through a GEMM function,
// blas32 by default. Other backends reuse these kernels and swap in their own GEMM.
type Backend struct {
	device  tensor.Device
	name    string
	gemm    GEMM
	par     parallel.Config
	scratch *scratchPool
}

var _ tensor.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithGEMM replaces the matrix multiply used by MatMul and convolutions.
func WithGEMM(g GEMM) Option {
	return func(b *Backend) {
		b.gemm = g
	}
}

// WithParallel sets how kernels split work across goroutines.
func WithParallel(cfg parallel.Config) Option {
	return func(b *Backend) {
		b.par = cfg
	}
}

// WithDevice tags results with another device and name. Used by backends that wrap
// the CPU kernels.
func WithDevice(device tensor.Device, name string) Option {
	return func(b *Backend) {
		b.device = device
		b.name = name
	}
}

// New creates a new CPU backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		device:  tensor.CPU,
		name:    "CPU",
		gemm:    BLASGEMM,
		par:     parallel.DefaultConfig(),
		scratch: newScratchPool(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the backend name.
func (cpu *Backend) Name() string {
	return cpu.name
}

// Device returns the compute device.
func (cpu *Backend) Device() tensor.Device {
	return cpu.device
}

// Synchronize is a no-op: CPU kernels complete before returning.
func (cpu *Backend) Synchronize() {}

func (cpu *Backend) newFloat32(shape tensor.Shape, op string) *tensor.RawTensor {
	raw, err := tensor.NewRaw(shape, tensor.Float32, cpu.device)
	if err != nil {
		panic(op + ": failed to create result tensor: " + err.Error())
	}
	return raw
}
