package cpu

import "sync"

// scratchPool recycles the im2col buffers between kernel calls so repeated training
// runs stop allocating once the first run has sized them.
type scratchPool struct {
	pool sync.Pool
}

func newScratchPool() *scratchPool {
	return &scratchPool{}
}

// get returns a zeroed buffer of length n.
func (p *scratchPool) get(n int) []float32 {
	if v, ok := p.pool.Get().(*[]float32); ok && cap(*v) >= n {
		buf := (*v)[:n]
		clear(buf)
		return buf
	}
	return make([]float32, n)
}

func (p *scratchPool) put(buf []float32) {
	p.pool.Put(&buf)
}
