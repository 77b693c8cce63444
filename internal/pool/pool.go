package pool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bryanchriswhite/FrameGrab/internal/frame"
	"github.com/bryanchriswhite/FrameGrab/internal/logger"
)

// DefaultSize is the pool depth used when none is configured (triple buffering)
const DefaultSize = 3

// ErrAllocation is returned when output buffers cannot be allocated
var ErrAllocation = errors.New("frame buffer allocation failed")

type owner int

const (
	ownerEmpty owner = iota
	ownerProducer
	ownerReady
	ownerConsumer
)

// Stats is a point-in-time snapshot of the pool partition
type Stats struct {
	Size       int    `json:"size"`
	Empty      int    `json:"empty"`
	Ready      int    `json:"ready"`
	InConsumer int    `json:"in_consumer"`
	InProducer int    `json:"in_producer"`
	Dropped    uint64 `json:"dropped"`
	Superseded uint64 `json:"superseded"`
	Generation uint64 `json:"generation"`
}

// Pool exchanges a fixed set of converted frame buffers between one producer
// and any number of consumers. Every buffer is in exactly one of the empty,
// producer, ready or consumer subsets. No operation blocks.
type Pool struct {
	mu sync.Mutex

	size    int
	buffers []*frame.ConvertedFrame
	owners  []owner
	empty   []int
	ready   []int // FIFO, oldest first

	width      int
	height     int
	layout     frame.Layout
	generation uint64

	dropped    uint64
	superseded uint64
}

// New creates a pool of size buffers for the given geometry
func New(size, width, height int, layout frame.Layout) (*Pool, error) {
	if size <= 0 {
		size = DefaultSize
	}
	p := &Pool{size: size}
	if err := p.Reset(width, height, layout); err != nil {
		return nil, err
	}
	return p, nil
}

// Size returns the configured number of buffers
func (p *Pool) Size() int {
	return p.size
}

// Geometry returns the dimensions and layout the buffers are sized for
func (p *Pool) Geometry() (width, height int, layout frame.Layout) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.width, p.height, p.layout
}

// Matches reports whether the pool is already sized for the geometry
func (p *Pool) Matches(width, height int, layout frame.Layout) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.width == width && p.height == height && p.layout == layout
}

// Reset reallocates every buffer for a new geometry. Buffers still held by
// consumers stay valid for reading but are ignored when released.
func (p *Pool) Reset(width, height int, layout frame.Layout) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: invalid geometry %dx%d", ErrAllocation, width, height)
	}

	buffers, err := allocate(p.size, width, height, layout)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Ready frames of the old geometry are never displayed
	p.dropped += uint64(len(p.ready))
	p.generation++
	p.buffers = buffers
	p.owners = make([]owner, p.size)
	p.empty = make([]int, 0, p.size)
	p.ready = make([]int, 0, p.size)
	for i, b := range p.buffers {
		b.Bind(i, p.generation)
		p.empty = append(p.empty, i)
	}
	p.width, p.height, p.layout = width, height, layout

	logger.WithComponent("pool").Debug().
		Int("size", p.size).
		Int("width", width).
		Int("height", height).
		Str("layout", layout.String()).
		Uint64("generation", p.generation).
		Msg("Frame buffers allocated")

	return nil
}

// allocate turns a runtime allocation panic into ErrAllocation
func allocate(n, width, height int, layout frame.Layout) (buffers []*frame.ConvertedFrame, err error) {
	defer func() {
		if r := recover(); r != nil {
			buffers = nil
			err = fmt.Errorf("%w: %v", ErrAllocation, r)
		}
	}()

	buffers = make([]*frame.ConvertedFrame, n)
	for i := range buffers {
		buffers[i] = frame.NewConvertedFrame(width, height, layout)
	}
	return buffers, nil
}

// AcquireEmpty hands the producer a writable buffer. When no empty buffer is
// left the oldest ready buffer is reclaimed and counted as dropped. It only
// returns false if every buffer is checked out.
func (p *Pool) AcquireEmpty() (*frame.ConvertedFrame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var idx int
	switch {
	case len(p.empty) > 0:
		idx = p.empty[0]
		p.empty = p.empty[1:]
	case len(p.ready) > 0:
		idx = p.ready[0]
		p.ready = p.ready[1:]
		p.dropped++
	default:
		return nil, false
	}

	p.owners[idx] = ownerProducer
	return p.buffers[idx], true
}

// PublishReady makes a filled buffer visible to consumers, in publish order
func (p *Pool) PublishReady(buf *frame.ConvertedFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.ownedLocked(buf, ownerProducer) {
		logger.WithComponent("pool").Warn().
			Int("slot", buf.Slot()).
			Msg("Ignoring publish of buffer not held by producer")
		return
	}

	p.owners[buf.Slot()] = ownerReady
	p.ready = append(p.ready, buf.Slot())
}

// TakeReady removes the oldest ready buffer and hands it to the caller
func (p *Pool) TakeReady() (*frame.ConvertedFrame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.ready) == 0 {
		return nil, false
	}

	idx := p.ready[0]
	p.ready = p.ready[1:]
	p.owners[idx] = ownerConsumer
	return p.buffers[idx], true
}

// TakeNewest removes the newest ready buffer. Older ready buffers are
// superseded and go straight back to empty.
func (p *Pool) TakeNewest() (*frame.ConvertedFrame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.ready) == 0 {
		return nil, false
	}

	last := len(p.ready) - 1
	idx := p.ready[last]
	for _, old := range p.ready[:last] {
		p.owners[old] = ownerEmpty
		p.empty = append(p.empty, old)
		p.superseded++
	}
	p.ready = p.ready[:0]
	p.owners[idx] = ownerConsumer
	return p.buffers[idx], true
}

// Release returns a buffer held by a consumer, or by the producer after a
// failed conversion, to the empty subset. Stale or foreign buffers are ignored.
func (p *Pool) Release(buf *frame.ConvertedFrame) {
	if buf == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if buf.Generation() != p.generation {
		// Buffer from before a Reset; let the GC have it
		return
	}
	if !p.ownedLocked(buf, ownerConsumer) && !p.ownedLocked(buf, ownerProducer) {
		logger.WithComponent("pool").Warn().
			Int("slot", buf.Slot()).
			Msg("Ignoring release of buffer that is not checked out")
		return
	}

	p.owners[buf.Slot()] = ownerEmpty
	p.empty = append(p.empty, buf.Slot())
}

func (p *Pool) ownedLocked(buf *frame.ConvertedFrame, want owner) bool {
	if buf == nil || buf.Generation() != p.generation {
		return false
	}
	idx := buf.Slot()
	if idx < 0 || idx >= len(p.buffers) || p.buffers[idx] != buf {
		return false
	}
	return p.owners[idx] == want
}

// NoteDropped counts a frame the producer discarded because every buffer
// was checked out
func (p *Pool) NoteDropped() {
	p.mu.Lock()
	p.dropped++
	p.mu.Unlock()
}

// Dropped returns the number of frames lost to pool pressure: reclaimed
// ready frames, frames skipped with every buffer checked out, and ready
// frames discarded by Reset
func (p *Pool) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Stats returns a snapshot of the partition and counters
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Size:       p.size,
		Empty:      len(p.empty),
		Ready:      len(p.ready),
		Dropped:    p.dropped,
		Superseded: p.superseded,
		Generation: p.generation,
	}
	for _, o := range p.owners {
		switch o {
		case ownerConsumer:
			s.InConsumer++
		case ownerProducer:
			s.InProducer++
		}
	}
	return s
}
