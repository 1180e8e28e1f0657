package parallel

import (
	"sync/atomic"
	"testing"
)

func TestFor(t *testing.T) {
	cfg := DefaultConfig()

	var counter int64
	n := 1000

	For(n, cfg, func(_ int) {
		atomic.AddInt64(&counter, 1)
	})

	if counter != int64(n) {
		t.Errorf("Expected %d, got %d", n, counter)
	}
}

func TestFor_Sequential(t *testing.T) {
	var counter int64
	For(100, Sequential(), func(_ int) {
		atomic.AddInt64(&counter, 1)
	})

	if counter != 100 {
		t.Errorf("Expected 100, got %d", counter)
	}
}

func TestChunksCoverRangeInOrder(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 3, MinChunkSize: 1}
	chunks := Chunks(10, cfg)

	next := 0
	for _, c := range chunks {
		if c.Start != next {
			t.Fatalf("chunk starts at %d, want %d", c.Start, next)
		}
		if c.End <= c.Start {
			t.Fatalf("empty chunk %+v", c)
		}
		next = c.End
	}
	if next != 10 {
		t.Errorf("chunks end at %d, want 10", next)
	}
	if len(chunks) > 3 {
		t.Errorf("got %d chunks for 3 workers", len(chunks))
	}
}

func TestChunksMinChunkSize(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 8, MinChunkSize: 64}
	if got := len(Chunks(63, cfg)); got != 1 {
		t.Errorf("small input split into %d chunks, want 1", got)
	}
	if got := Chunks(0, cfg); got != nil {
		t.Errorf("Chunks(0) = %v, want nil", got)
	}
}

func TestForChunksIndex(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 4, MinChunkSize: 1}
	chunks := Chunks(17, cfg)
	seen := make([]int32, len(chunks))

	ForChunks(17, cfg, func(idx int, c Chunk) {
		if chunks[idx] != c {
			t.Errorf("chunk %d = %+v, want %+v", idx, c, chunks[idx])
		}
		atomic.AddInt32(&seen[idx], 1)
	})

	for i, s := range seen {
		if s != 1 {
			t.Errorf("chunk %d ran %d times", i, s)
		}
	}
}
