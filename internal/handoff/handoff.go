// Package handoff is the consumer side of the frame buffer pool. Display
// takes the newest frame without blocking; a one-shot save request rides
// along with the next frame taken.
package handoff

import (
	"sync/atomic"

	"github.com/bryanchriswhite/FrameGrab/internal/frame"
	"github.com/bryanchriswhite/FrameGrab/internal/pool"
)

// Handoff wraps a pool for consumers
type Handoff struct {
	pool *pool.Pool
	save atomic.Bool

	taken atomic.Uint64
	saves atomic.Uint64
}

// New creates a handoff over p
func New(p *pool.Pool) *Handoff {
	return &Handoff{pool: p}
}

// TryTake returns the newest ready frame, superseding older ones. It returns
// false when nothing was published since the last take.
func (h *Handoff) TryTake() (*frame.ConvertedFrame, bool) {
	f, ok := h.pool.TakeNewest()
	if ok {
		h.taken.Add(1)
	}
	return f, ok
}

// Release hands a taken frame back to the pool
func (h *Handoff) Release(f *frame.ConvertedFrame) {
	h.pool.Release(f)
}

// RequestSave arms the save flag. Repeated requests before the next Poll
// collapse into one.
func (h *Handoff) RequestSave() {
	h.save.Store(true)
}

// SavePending reports whether a save request is waiting for a frame
func (h *Handoff) SavePending() bool {
	return h.save.Load()
}

func (h *Handoff) consumeSaveRequest() bool {
	return h.save.CompareAndSwap(true, false)
}

// Poll takes the newest frame. If a save was requested, snapshot is a copy
// detached from the pool that stays valid after Release; otherwise it is
// nil. A pending save request waits for the next available frame.
func (h *Handoff) Poll() (f *frame.ConvertedFrame, snapshot *frame.ConvertedFrame, ok bool) {
	f, ok = h.TryTake()
	if !ok {
		return nil, nil, false
	}
	if h.consumeSaveRequest() {
		snapshot = Snapshot(f)
		h.saves.Add(1)
	}
	return f, snapshot, true
}

// Snapshot copies f out of the pool
func Snapshot(f *frame.ConvertedFrame) *frame.ConvertedFrame {
	if f == nil {
		return nil
	}
	return f.Clone()
}

// Taken returns how many frames consumers have taken
func (h *Handoff) Taken() uint64 {
	return h.taken.Load()
}

// Saves returns how many save requests were fulfilled
func (h *Handoff) Saves() uint64 {
	return h.saves.Load()
}
