package output

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/bryanchriswhite/FrameGrab/internal/frame"
	"github.com/bryanchriswhite/FrameGrab/internal/handoff"
	"github.com/bryanchriswhite/FrameGrab/internal/logger"
	"github.com/bryanchriswhite/FrameGrab/internal/overlay"
)

// ErrPollerRunning is returned by Start when the poller is already running
var ErrPollerRunning = errors.New("poller already running")

// LinesFunc returns the status text stamped onto a preview frame
type LinesFunc func(f *frame.ConvertedFrame) []string

// PollerOptions configures a Poller. Zero values disable the matching feature.
type PollerOptions struct {
	Output Output
	Saver  *FileSaver
	FPS    int
	Lines  LinesFunc
	Banner *overlay.Banner
}

// Poller is the consumer loop: at the display rate it takes the newest frame
// from the handoff, shows it, and persists the snapshot of a pending save.
type Poller struct {
	handoff *handoff.Handoff
	out     Output
	saver   *FileSaver
	lines   LinesFunc
	banner  *overlay.Banner

	interval atomic.Int64
	overlay  atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     *conc.WaitGroup

	displayed     atomic.Uint64
	displayErrors atomic.Uint64
}

// NewPoller creates a poller over h
func NewPoller(h *handoff.Handoff, opts PollerOptions) *Poller {
	p := &Poller{
		handoff: h,
		out:     opts.Output,
		saver:   opts.Saver,
		lines:   opts.Lines,
		banner:  opts.Banner,
	}
	if p.banner == nil && p.lines != nil {
		p.banner = overlay.NewBanner()
	}
	p.overlay.Store(p.lines != nil)
	p.SetFPS(opts.FPS)
	return p
}

// SetFPS changes the polling rate, taking effect on the next tick
func (p *Poller) SetFPS(fps int) {
	if fps <= 0 {
		fps = 15
	}
	p.interval.Store(int64(time.Second / time.Duration(fps)))
}

// SetOverlay toggles the status banner
func (p *Poller) SetOverlay(enabled bool) {
	p.overlay.Store(enabled && p.lines != nil)
}

func (p *Poller) currentInterval() time.Duration {
	return time.Duration(p.interval.Load())
}

// Start launches the poll loop
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return ErrPollerRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg = conc.NewWaitGroup()
	p.wg.Go(func() { p.run(ctx) })

	logger.WithComponent("output").Info().
		Dur("interval", p.currentInterval()).
		Msg("Consumer poller started")
	return nil
}

// Stop ends the poll loop and waits for it to exit
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, wg := p.cancel, p.wg
	p.cancel, p.wg = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	wg.Wait()
}

func (p *Poller) run(ctx context.Context) {
	interval := p.currentInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll()
			if next := p.currentInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Poll performs one consumer step and reports whether a frame was taken.
// The pool buffer is released before the snapshot is written.
func (p *Poller) Poll() bool {
	f, snapshot, ok := p.handoff.Poll()
	if !ok {
		return false
	}

	err := p.display(f)
	p.handoff.Release(f)
	if err != nil {
		p.displayErrors.Add(1)
		logger.WithComponent("output").Warn().Err(err).Msg("Failed to display frame")
	}

	if snapshot != nil {
		if p.saver == nil {
			logger.WithComponent("output").Warn().Msg("Save requested but no saver configured")
		} else {
			p.saver.Save(snapshot)
		}
	}
	return true
}

func (p *Poller) display(f *frame.ConvertedFrame) error {
	if p.out == nil || !p.out.IsRunning() {
		return nil
	}

	var img image.Image
	if p.overlay.Load() {
		if lines := p.lines(f); len(lines) > 0 {
			// Stamp a copy so the pool buffer and saved snapshots stay clean
			rgba := f.RGBA()
			p.banner.Render(rgba, lines...)
			img = rgba
		}
	}
	if img == nil {
		img = f.Image()
	}

	if err := p.out.WriteFrame(img); err != nil {
		return err
	}
	p.displayed.Add(1)
	return nil
}

// Displayed returns how many frames reached the output
func (p *Poller) Displayed() uint64 {
	return p.displayed.Load()
}

// DisplayErrors returns how many frames the output rejected
func (p *Poller) DisplayErrors() uint64 {
	return p.displayErrors.Load()
}
