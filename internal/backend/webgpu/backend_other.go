//go:build !windows

package webgpu

import (
	"github.com/born-ml/airbench/internal/backend/cpu"
)

// Backend is unavailable on this platform; New always fails.
type Backend struct {
	*cpu.Backend
}

// New reports ErrUnavailable: the native WebGPU bindings are only wired for Windows.
func New(_ ...cpu.Option) (*Backend, error) {
	return nil, ErrUnavailable
}

// Release is a no-op.
func (b *Backend) Release() {}
