package acquisition

import (
	"sync"
	"time"
)

// FPSEstimator measures publish rate. Rate is windowed: each call reports
// the frames counted since the previous call divided by the wall time
// between the two calls.
type FPSEstimator struct {
	mu sync.Mutex

	started     time.Time
	total       uint64
	windowStart time.Time
	windowCount uint64
	lastRate    float64

	now func() time.Time
}

// NewFPSEstimator starts measuring from now
func NewFPSEstimator() *FPSEstimator {
	e := &FPSEstimator{now: time.Now}
	e.Reset()
	return e
}

// Reset restarts both the window and the lifetime average
func (e *FPSEstimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.now()
	e.started = t
	e.windowStart = t
	e.total = 0
	e.windowCount = 0
	e.lastRate = 0
}

// Tick counts one frame
func (e *FPSEstimator) Tick() {
	e.mu.Lock()
	e.total++
	e.windowCount++
	e.mu.Unlock()
}

// Rate returns frames per second over the window since the last call and
// starts a new window. Calls closer together than a millisecond return the
// previous rate.
func (e *FPSEstimator) Rate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.now()
	elapsed := t.Sub(e.windowStart)
	if elapsed < time.Millisecond {
		return e.lastRate
	}

	e.lastRate = float64(e.windowCount) / elapsed.Seconds()
	e.windowStart = t
	e.windowCount = 0
	return e.lastRate
}

// Average returns frames per second since the last Reset
func (e *FPSEstimator) Average() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	elapsed := e.now().Sub(e.started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(e.total) / elapsed
}

// Total returns frames counted since the last Reset
func (e *FPSEstimator) Total() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}
