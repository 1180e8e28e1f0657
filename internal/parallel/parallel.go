// Package parallel splits CPU kernels across goroutines.
//
// Chunk boundaries depend only on n and the Config, never on scheduling, so kernels
// that reduce per-chunk partial results in chunk order stay bit-reproducible.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of worker goroutines to use.
	MinChunkSize int  // Minimum items per goroutine to avoid overhead.
}

// DefaultConfig returns defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 1,
	}
}

// Sequential returns a Config that runs everything on the calling goroutine.
func Sequential() Config {
	return Config{NumWorkers: 1, MinChunkSize: 1}
}

// Chunk is a half-open index range [Start, End).
type Chunk struct {
	Start, End int
}

// Chunks partitions [0, n) into at most NumWorkers contiguous ranges.
func Chunks(n int, cfg Config) []Chunk {
	if n <= 0 {
		return nil
	}
	workers := cfg.NumWorkers
	if !cfg.Enabled || workers < 1 {
		workers = 1
	}
	size := max((n+workers-1)/workers, cfg.MinChunkSize, 1)

	chunks := make([]Chunk, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		chunks = append(chunks, Chunk{Start: start, End: min(start+size, n)})
	}
	return chunks
}

// ForChunks runs f once per chunk of [0, n), concurrently when more than one chunk
// exists. idx is the chunk's position in Chunks(n, cfg).
func ForChunks(n int, cfg Config, f func(idx int, c Chunk)) {
	chunks := Chunks(n, cfg)
	if len(chunks) == 1 {
		f(0, chunks[0])
		return
	}

	var wg sync.WaitGroup
	for i, c := range chunks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(i, c)
		}()
	}
	wg.Wait()
}

// For executes f(i) for i in [0, n).
func For(n int, cfg Config, f func(i int)) {
	ForChunks(n, cfg, func(_ int, c Chunk) {
		for i := c.Start; i < c.End; i++ {
			f(i)
		}
	})
}
