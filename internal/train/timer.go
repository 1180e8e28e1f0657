package train

import "time"

// Synchronizer is implemented by backends with queued device work.
type Synchronizer interface {
	Synchronize()
}

// Timer accumulates the wall time of bracketed device work. Start and Stop both
// synchronize the backend, so work queued before Start is excluded and work queued
// inside the bracket is included.
type Timer struct {
	sync    Synchronizer
	started time.Time
	running bool
	total   time.Duration
	now     func() time.Time
}

// NewTimer creates a stopped timer.
func NewTimer(s Synchronizer) *Timer {
	return &Timer{sync: s, now: time.Now}
}

// Start begins a timed section.
func (t *Timer) Start() {
	if t.running {
		panic("timer: Start called twice")
	}
	t.sync.Synchronize()
	t.started = t.now()
	t.running = true
}

// Stop ends the current section and returns its duration.
func (t *Timer) Stop() time.Duration {
	if !t.running {
		panic("timer: Stop without Start")
	}
	t.sync.Synchronize()
	d := t.now().Sub(t.started)
	t.total += d
	t.running = false
	return d
}

// Total returns the accumulated time of all finished sections.
func (t *Timer) Total() time.Duration {
	return t.total
}

// Seconds returns Total in seconds.
func (t *Timer) Seconds() float64 {
	return t.total.Seconds()
}
