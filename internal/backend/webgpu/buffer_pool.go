//go:build windows

package webgpu

import (
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"
)

// maxPooledPerKey bounds how many idle buffers are kept for one (size, usage) pair.
const maxPooledPerKey = 8

type poolKey struct {
	size  uint64
	usage wgpu.BufferUsage
}

// bufferPool recycles result and staging buffers between GEMM calls. A training run
// repeats the same matrix shapes every step, so after the first step every Acquire
// is a hit.
type bufferPool struct {
	device *wgpu.Device
	idle   map[poolKey][]*wgpu.Buffer
	mu     sync.Mutex

	hits, misses uint64
}

func newBufferPool(device *wgpu.Device) *bufferPool {
	return &bufferPool{
		device: device,
		idle:   make(map[poolKey][]*wgpu.Buffer),
	}
}

// Acquire returns an idle buffer of exactly size bytes and usage, or creates one.
func (p *bufferPool) Acquire(size uint64, usage wgpu.BufferUsage) *wgpu.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := poolKey{size: size, usage: usage}
	if list := p.idle[key]; len(list) > 0 {
		buf := list[len(list)-1]
		p.idle[key] = list[:len(list)-1]
		p.hits++
		return buf
	}

	p.misses++
	return p.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: usage,
		Size:  size,
	})
}

// Release returns a buffer to the pool, or frees it when the pool for its key is full.
func (p *bufferPool) Release(buf *wgpu.Buffer, size uint64, usage wgpu.BufferUsage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := poolKey{size: size, usage: usage}
	if len(p.idle[key]) >= maxPooledPerKey {
		buf.Release()
		return
	}
	p.idle[key] = append(p.idle[key], buf)
}

// Clear frees every idle buffer.
func (p *bufferPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, list := range p.idle {
		for _, buf := range list {
			buf.Release()
		}
		delete(p.idle, key)
	}
}

// Stats returns pool hit and miss counts.
func (p *bufferPool) Stats() (hits, misses uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits, p.misses
}
