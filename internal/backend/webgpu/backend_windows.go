//go:build windows

package webgpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/airbench/internal/backend/cpu"
	"github.com/born-ml/airbench/internal/tensor"
)

// minGPUWork is the smallest m·n·k product worth a GPU round trip; smaller
// products stay on blas32.
const minGPUWork = 1 << 16

// Backend runs GEMM on the GPU and every other kernel on the embedded CPU backend.
type Backend struct {
	*cpu.Backend

	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	// Shader and pipeline cache
	shaders   map[string]*wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline
	mu        sync.RWMutex

	pool *bufferPool

	// submitMu serializes GEMMs issued by parallel CPU kernels.
	submitMu sync.Mutex
}

// New creates a new WebGPU backend.
// Returns an error if WebGPU is not available or initialization fails.
func New(opts ...cpu.Option) (backend *Backend, err error) {
	// Recover from panic if wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			backend = nil
			err = fmt.Errorf("%w: native library not available: %v", ErrUnavailable, r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, adapterErr := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if adapterErr != nil {
		instance.Release()
		return nil, fmt.Errorf("%w: failed to request adapter: %w", ErrUnavailable, adapterErr)
	}

	device, deviceErr := adapter.RequestDevice(nil)
	if deviceErr != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: failed to request device: %w", ErrUnavailable, deviceErr)
	}

	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: failed to get queue", ErrUnavailable)
	}

	b := &Backend{
		instance:  instance,
		adapter:   adapter,
		device:    device,
		queue:     queue,
		shaders:   make(map[string]*wgpu.ShaderModule),
		pipelines: make(map[string]*wgpu.ComputePipeline),
		pool:      newBufferPool(device),
	}
	opts = append(opts, cpu.WithGEMM(b.gemm), cpu.WithDevice(tensor.WebGPU, "WebGPU"))
	b.Backend = cpu.New(opts...)
	return b, nil
}

// Release frees all GPU resources.
func (b *Backend) Release() {
	b.pool.Clear()
	b.mu.Lock()
	for name, p := range b.pipelines {
		p.Release()
		delete(b.pipelines, name)
	}
	for name, s := range b.shaders {
		s.Release()
		delete(b.shaders, name)
	}
	b.mu.Unlock()
	b.queue.Release()
	b.device.Release()
	b.adapter.Release()
	b.instance.Release()
}

// Synchronize waits for outstanding GPU work. GEMM reads its result back before
// returning, so holding the submit lock is enough.
func (b *Backend) Synchronize() {
	b.submitMu.Lock()
	defer b.submitMu.Unlock()
}

// gemm implements cpu.GEMM. Products with beta != 0 or too little work run on blas32.
func (b *Backend) gemm(transA, transB bool, m, n, k int, alpha float32,
	a []float32, lda int, bm []float32, ldb int, beta float32, c []float32, ldc int,
) {
	if beta != 0 || m*n*k < minGPUWork {
		cpu.BLASGEMM(transA, transB, m, n, k, alpha, a, lda, bm, ldb, beta, c, ldc)
		return
	}

	b.submitMu.Lock()
	defer b.submitMu.Unlock()

	if err := b.runGEMM(transA, transB, m, n, k, alpha, a, lda, bm, ldb, c, ldc); err != nil {
		panic(fmt.Sprintf("webgpu gemm: %v", err))
	}
}

// runGEMM dispatches gemmShader over a 16×16 workgroup grid and copies C back.
func (b *Backend) runGEMM(transA, transB bool, m, n, k int, alpha float32,
	a []float32, lda int, bm []float32, ldb int, c []float32, ldc int,
) error {
	shader := b.compileShader("gemm", gemmShader)
	pipeline := b.getOrCreatePipeline("gemm", shader)

	bufferA := b.createBuffer(float32Bytes(a), wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc)
	defer bufferA.Release()
	bufferB := b.createBuffer(float32Bytes(bm), wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc)
	defer bufferB.Release()

	//nolint:gosec // G115: matrix dimensions are non-negative
	resultSize := uint64(((m-1)*ldc + n) * 4)
	resultUsage := wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst
	bufferResult := b.pool.Acquire(resultSize, resultUsage)
	defer b.pool.Release(bufferResult, resultSize, resultUsage)

	var flags uint32
	if transA {
		flags |= 1
	}
	if transB {
		flags |= 2
	}
	params := make([]byte, gemmParamsSize)
	//nolint:gosec // G115: matrix dimensions are non-negative
	for i, v := range []uint32{uint32(m), uint32(n), uint32(k), flags, uint32(lda), uint32(ldb), uint32(ldc)} {
		binary.LittleEndian.PutUint32(params[i*4:], v)
	}
	binary.LittleEndian.PutUint32(params[28:], math.Float32bits(alpha))
	bufferParams := b.createUniformBuffer(params)
	defer bufferParams.Release()

	bindGroupLayout := pipeline.GetBindGroupLayout(0)
	//nolint:gosec // G115: slice lengths are non-negative
	bindGroup := b.device.CreateBindGroupSimple(bindGroupLayout, []wgpu.BindGroupEntry{
		wgpu.BufferBindingEntry(0, bufferA, 0, uint64(len(a)*4)),
		wgpu.BufferBindingEntry(1, bufferB, 0, uint64(len(bm)*4)),
		wgpu.BufferBindingEntry(2, bufferResult, 0, resultSize),
		wgpu.BufferBindingEntry(3, bufferParams, 0, gemmParamsSize),
	})
	defer bindGroup.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	computePass := encoder.BeginComputePass(nil)
	computePass.SetPipeline(pipeline)
	computePass.SetBindGroup(0, bindGroup, nil)
	//nolint:gosec // G115: workgroup counts are small and non-negative
	computePass.DispatchWorkgroups(uint32((n+15)/16), uint32((m+15)/16), 1)
	computePass.End()
	b.queue.Submit(encoder.Finish(nil))

	out, err := b.readBuffer(bufferResult, resultSize)
	if err != nil {
		return err
	}

	// Copy row by row so padding between rows of C (ldc > n) is left untouched.
	src := bytesFloat32(out)
	for row := 0; row < m; row++ {
		copy(c[row*ldc:row*ldc+n], src[row*ldc:row*ldc+n])
	}
	return nil
}

// compileShader compiles WGSL shader code into a ShaderModule.
// Results are cached in the Backend's shaders map.
func (b *Backend) compileShader(name, code string) *wgpu.ShaderModule {
	b.mu.RLock()
	if shader, exists := b.shaders[name]; exists {
		b.mu.RUnlock()
		return shader
	}
	b.mu.RUnlock()

	shader := b.device.CreateShaderModuleWGSL(code)

	b.mu.Lock()
	b.shaders[name] = shader
	b.mu.Unlock()
	return shader
}

// getOrCreatePipeline returns a cached ComputePipeline or creates a new one.
func (b *Backend) getOrCreatePipeline(name string, shader *wgpu.ShaderModule) *wgpu.ComputePipeline {
	b.mu.RLock()
	if pipeline, exists := b.pipelines[name]; exists {
		b.mu.RUnlock()
		return pipeline
	}
	b.mu.RUnlock()

	// Auto layout (nil layout)
	pipeline := b.device.CreateComputePipelineSimple(nil, shader, "main")

	b.mu.Lock()
	b.pipelines[name] = pipeline
	b.mu.Unlock()
	return pipeline
}

// createBuffer creates a GPU buffer initialized with data.
func (b *Backend) createBuffer(data []byte, usage wgpu.BufferUsage) *wgpu.Buffer {
	size := uint64(len(data))
	buffer := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})

	mappedPtr := buffer.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	copy(unsafe.Slice((*byte)(mappedPtr), size), data)
	buffer.Unmap()
	return buffer
}

// createUniformBuffer creates a uniform buffer rounded up to 16-byte alignment.
func (b *Backend) createUniformBuffer(data []byte) *wgpu.Buffer {
	alignedSize := (uint64(len(data)) + 15) &^ 15
	buffer := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		Size:             alignedSize,
		MappedAtCreation: wgpu.True,
	})

	mappedPtr := buffer.GetMappedRange(0, alignedSize)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	copy(unsafe.Slice((*byte)(mappedPtr), alignedSize), data)
	buffer.Unmap()
	return buffer
}

// readBuffer copies a storage buffer back to host memory through a pooled staging buffer.
func (b *Backend) readBuffer(src *wgpu.Buffer, size uint64) ([]byte, error) {
	stagingUsage := wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst
	staging := b.pool.Acquire(size, stagingUsage)
	defer b.pool.Release(staging, size, stagingUsage)

	encoder := b.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, 0, staging, 0, size)
	b.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(b.device, wgpu.MapModeRead, 0, size); err != nil {
		return nil, fmt.Errorf("failed to map staging buffer: %w", err)
	}
	mappedPtr := staging.GetMappedRange(0, size)
	result := make([]byte, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	copy(result, unsafe.Slice((*byte)(mappedPtr), size))
	staging.Unmap()
	return result, nil
}

func float32Bytes(data []float32) []byte {
	//nolint:gosec // reinterpretation of float32 storage as bytes
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*4)
}

func bytesFloat32(data []byte) []float32 {
	//nolint:gosec // reinterpretation of bytes as float32 storage
	return unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), len(data)/4)
}
