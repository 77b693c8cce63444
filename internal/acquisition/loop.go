// Package acquisition runs the producer side of the pipeline: it pulls raw
// frames from a device session, converts them into pool buffers and
// publishes them for consumers.
package acquisition

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/bryanchriswhite/FrameGrab/internal/convert"
	"github.com/bryanchriswhite/FrameGrab/internal/device"
	"github.com/bryanchriswhite/FrameGrab/internal/frame"
	"github.com/bryanchriswhite/FrameGrab/internal/logger"
	"github.com/bryanchriswhite/FrameGrab/internal/pool"
)

// DefaultPullTimeout bounds each Pull and therefore how long Stop can take
const DefaultPullTimeout = time.Second

// ErrAlreadyRunning is returned by Start on a running loop
var ErrAlreadyRunning = errors.New("acquisition loop already running")

// Source is the part of a device session the loop drives
type Source interface {
	Pull(timeout time.Duration) (*frame.RawFrame, error)
	ReturnBuffer(raw *frame.RawFrame) error
}

// ErrorFunc receives the error that ended the loop. It runs on the loop
// goroutine after the running flag is cleared, so it must not call Stop.
type ErrorFunc func(err error)

// Stats is a snapshot of loop counters. Counters survive restarts.
type Stats struct {
	Running            bool    `json:"running"`
	Pulled             uint64  `json:"pulled"`
	Published          uint64  `json:"published"`
	Incomplete         uint64  `json:"incomplete"`
	ConversionFailures uint64  `json:"conversion_failures"`
	Skipped            uint64  `json:"skipped"`
	Returned           uint64  `json:"returned"`
	Timeouts           uint64  `json:"timeouts"`
	LastFrameID        uint64  `json:"last_frame_id"`
	FPS                float64 `json:"fps"`
	AverageFPS         float64 `json:"average_fps"`
}

// Loop is the single producer goroutine
type Loop struct {
	source    Source
	pool      *pool.Pool
	converter *convert.Converter
	timeout   time.Duration
	onError   ErrorFunc

	mu      sync.Mutex
	running atomic.Bool
	stop    chan struct{}
	wg      *conc.WaitGroup

	pulled             atomic.Uint64
	published          atomic.Uint64
	incomplete         atomic.Uint64
	conversionFailures atomic.Uint64
	skipped            atomic.Uint64
	returned           atomic.Uint64
	timeouts           atomic.Uint64
	lastFrameID        atomic.Uint64

	fps *FPSEstimator
}

// New creates a stopped loop. A nil converter uses the default demosaicer,
// and a non-positive timeout uses DefaultPullTimeout.
func New(source Source, p *pool.Pool, converter *convert.Converter, timeout time.Duration, onError ErrorFunc) *Loop {
	if converter == nil {
		converter = convert.New(nil)
	}
	if timeout <= 0 {
		timeout = DefaultPullTimeout
	}
	return &Loop{
		source:    source,
		pool:      p,
		converter: converter,
		timeout:   timeout,
		onError:   onError,
		fps:       NewFPSEstimator(),
	}
}

// SetSource swaps the session the loop pulls from. Only allowed while stopped.
func (l *Loop) SetSource(source Source) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running.Load() {
		return ErrAlreadyRunning
	}
	l.source = source
	return nil
}

// Running reports whether the loop goroutine is active
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Start launches the loop goroutine
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running.Load() {
		return ErrAlreadyRunning
	}
	// Reap a goroutine that ended on its own
	if l.wg != nil {
		l.wg.Wait()
	}

	stop := make(chan struct{})
	source := l.source
	l.stop = stop
	l.wg = conc.NewWaitGroup()
	l.running.Store(true)
	l.wg.Go(func() { l.run(source, stop) })

	logger.WithComponent("acquisition").Info().
		Dur("pull_timeout", l.timeout).
		Msg("Acquisition started")
	return nil
}

// Stop signals the loop and waits for it to exit. An in-progress Pull is
// allowed to finish, so Stop returns within the pull timeout.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.wg == nil {
		return
	}
	l.running.Store(false)
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	l.wg.Wait()
	l.wg = nil

	logger.WithComponent("acquisition").Info().
		Uint64("published", l.published.Load()).
		Uint64("last_frame_id", l.lastFrameID.Load()).
		Msg("Acquisition stopped")
}

// Stats returns the counters. FPS is the rate since the previous Stats call.
func (l *Loop) Stats() Stats {
	return Stats{
		Running:            l.running.Load(),
		Pulled:             l.pulled.Load(),
		Published:          l.published.Load(),
		Incomplete:         l.incomplete.Load(),
		ConversionFailures: l.conversionFailures.Load(),
		Skipped:            l.skipped.Load(),
		Returned:           l.returned.Load(),
		Timeouts:           l.timeouts.Load(),
		LastFrameID:        l.lastFrameID.Load(),
		FPS:                l.fps.Rate(),
		AverageFPS:         l.fps.Average(),
	}
}

func (l *Loop) run(source Source, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		raw, err := source.Pull(l.timeout)
		if err != nil {
			if errors.Is(err, device.ErrTimeout) {
				l.timeouts.Add(1)
				continue
			}
			l.fail(err)
			return
		}
		l.pulled.Add(1)

		if err := l.process(source, raw); err != nil {
			l.fail(err)
			return
		}
	}
}

// process handles one pulled frame and always hands it back to the source
func (l *Loop) process(source Source, raw *frame.RawFrame) error {
	defer l.giveBack(source, raw)

	l.lastFrameID.Store(raw.ID)
	log := logger.WithComponent("acquisition")

	if raw.Status == frame.StatusIncomplete {
		l.incomplete.Add(1)
		log.Debug().Uint64("frame_id", raw.ID).Msg("Dropping incomplete frame")
		return nil
	}

	layout, _, err := convert.OutputGeometry(raw.Format, raw.Width, raw.Height)
	if err != nil {
		l.conversionFailures.Add(1)
		log.Warn().Err(&convert.ConversionError{FrameID: raw.ID, Format: raw.Format, Err: err}).Msg("Dropping frame")
		return nil
	}

	if !l.pool.Matches(raw.Width, raw.Height, layout) {
		if err := l.pool.Reset(raw.Width, raw.Height, layout); err != nil {
			return fmt.Errorf("failed to resize frame buffers to %dx%d: %w", raw.Width, raw.Height, err)
		}
	}

	buf, ok := l.pool.AcquireEmpty()
	if !ok {
		// Every buffer is held by consumers
		l.skipped.Add(1)
		l.pool.NoteDropped()
		return nil
	}

	if err := l.converter.Convert(raw, buf); err != nil {
		l.pool.Release(buf)
		l.conversionFailures.Add(1)
		log.Warn().Err(err).Msg("Dropping frame")
		return nil
	}

	l.pool.PublishReady(buf)
	l.published.Add(1)
	l.fps.Tick()
	return nil
}

func (l *Loop) giveBack(source Source, raw *frame.RawFrame) {
	l.returned.Add(1)
	if err := source.ReturnBuffer(raw); err != nil {
		logger.WithComponent("acquisition").Warn().
			Err(err).
			Uint64("frame_id", raw.ID).
			Msg("Failed to return raw buffer")
	}
}

func (l *Loop) fail(err error) {
	l.running.Store(false)
	logger.WithComponent("acquisition").Error().
		Err(err).
		Uint32("code", device.Code(err)).
		Msg("Acquisition stopped on error")
	if l.onError != nil {
		l.onError(err)
	}
}
