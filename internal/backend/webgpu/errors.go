// Package webgpu implements a backend that runs matrix products on the GPU through
// WebGPU compute shaders. Uses go-webgpu (github.com/go-webgpu/webgpu) for zero-CGO
// WebGPU bindings.
//
// Every kernel other than GEMM is shared with the CPU backend; the GPU backend swaps
// the CPU backend's GEMM for a WGSL pipeline and keeps the rest.
package webgpu

import "errors"

// ErrUnavailable is returned by New when no WebGPU device can be opened on this
// platform or machine.
var ErrUnavailable = errors.New("webgpu: backend not available")
