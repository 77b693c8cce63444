// Package recovery keeps a device streaming across disconnects. It owns the
// device session and the acquisition loop, tears both down when the device
// drops off, and reopens the same device by identity once it enumerates
// again, reapplying the saved profile.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/bryanchriswhite/FrameGrab/internal/acquisition"
	"github.com/bryanchriswhite/FrameGrab/internal/convert"
	"github.com/bryanchriswhite/FrameGrab/internal/device"
	"github.com/bryanchriswhite/FrameGrab/internal/frame"
	"github.com/bryanchriswhite/FrameGrab/internal/logger"
	"github.com/bryanchriswhite/FrameGrab/internal/pool"
)

// DefaultPollInterval is how often enumeration is checked while offline
const DefaultPollInterval = time.Second

const eventBuffer = 16

var (
	// ErrNotPresent means the device has not enumerated again yet
	ErrNotPresent = errors.New("device not present")
	// ErrNotStarted is returned when the controller has no session
	ErrNotStarted = errors.New("recovery controller not started")
	// ErrStopped is returned by Start after Shutdown
	ErrStopped = errors.New("recovery controller stopped")
)

// RecoveryFailed describes a failed connect or reconnect attempt
type RecoveryFailed struct {
	Step string
	Err  error
}

func (e *RecoveryFailed) Error() string {
	return fmt.Sprintf("recovery failed at %s: %v", e.Step, e.Err)
}

func (e *RecoveryFailed) Unwrap() error {
	return e.Err
}

// Options configure a Controller
type Options struct {
	// Identity selects the device. Zero picks the first enumerated device;
	// after the first open the controller pins the full identity it got.
	Identity device.Identity
	// Config is applied on first open when no profile is available
	Config device.Config
	// Profile is a previously exported blob to apply instead of Config
	Profile []byte
	// ProfilePath, if set, is read for a profile at start and written with
	// the exported profile after the first configure
	ProfilePath string

	PollInterval time.Duration
	PullTimeout  time.Duration
	PoolSize     int
	Converter    *convert.Converter
}

type offlineEvent struct {
	session *device.Session
	err     error
}

// Controller runs the Online / Offline / Reconnecting state machine
type Controller struct {
	driver device.Driver
	opts   Options

	pool *pool.Pool
	loop *acquisition.Loop

	session atomic.Pointer[device.Session]
	events  chan offlineEvent

	mu       sync.Mutex
	state    State
	identity device.Identity
	profile  []byte
	status   Status
	started  bool
	stopped  bool

	subsMu sync.Mutex
	subs   map[chan Transition]struct{}

	cancel context.CancelFunc
	wg     *conc.WaitGroup
}

// New creates a controller. Nothing is opened until Start.
func New(driver device.Driver, opts Options) (*Controller, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = pool.DefaultSize
	}

	// Sized for real geometry on the first frame
	p, err := pool.New(opts.PoolSize, 1, 1, frame.LayoutMono)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame buffer pool: %w", err)
	}

	c := &Controller{
		driver:   driver,
		opts:     opts,
		pool:     p,
		events:   make(chan offlineEvent, eventBuffer),
		state:    StateOffline,
		identity: opts.Identity,
		profile:  append([]byte(nil), opts.Profile...),
		subs:     make(map[chan Transition]struct{}),
	}
	if len(c.profile) == 0 {
		c.profile = nil
	}
	c.loop = acquisition.New(nil, p, opts.Converter, opts.PullTimeout, c.onLoopError)
	return c, nil
}

// Pool returns the frame buffer pool consumers read from
func (c *Controller) Pool() *pool.Pool {
	return c.pool
}

// Loop returns the acquisition loop
func (c *Controller) Loop() *acquisition.Loop {
	return c.loop
}

// Session returns the current session, or nil before Start
func (c *Controller) Session() *device.Session {
	return c.session.Load()
}

// State returns the current recovery state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Profile returns a copy of the persisted profile blob
func (c *Controller) Profile() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.profile...)
}

// ExportProfile returns the live device configuration when online, falling
// back to the persisted profile. It fails with ErrNotStarted when the device
// has never been configured.
func (c *Controller) ExportProfile() ([]byte, error) {
	if c.State() == StateOnline {
		if s := c.session.Load(); s != nil {
			if blob, err := s.ExportProfile(); err == nil {
				return blob, nil
			}
		}
	}
	blob := c.Profile()
	if len(blob) == 0 {
		return nil, ErrNotStarted
	}
	return blob, nil
}

// Start connects to the device, starts acquisition and begins watching for
// offline events. A failure to connect the first time is returned.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("recovery controller already started")
	}
	c.started = true
	c.mu.Unlock()

	if err := c.loadProfile(); err != nil {
		return err
	}
	if err := c.connect(); err != nil {
		c.mu.Lock()
		c.started = false
		c.status.LastError = err.Error()
		c.mu.Unlock()
		return err
	}
	c.setState(StateOnline, nil)

	ctx, cancel := context.WithCancel(ctx)
	wg := conc.NewWaitGroup()
	c.mu.Lock()
	c.cancel = cancel
	c.wg = wg
	c.mu.Unlock()
	wg.Go(func() { c.run(ctx) })

	return nil
}

// Shutdown stops watching, waits for an in-flight reconnect attempt and
// closes the device. Subscriber channels are closed.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	cancel, wg := c.cancel, c.wg
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wg != nil {
		wg.Wait()
	}
	c.teardown()

	c.subsMu.Lock()
	for ch := range c.subs {
		close(ch)
		delete(c.subs, ch)
	}
	c.subsMu.Unlock()

	logger.WithComponent("recovery").Info().Msg("Recovery controller shut down")
}

func (c *Controller) loadProfile() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.profile != nil || c.opts.ProfilePath == "" {
		return nil
	}
	blob, err := os.ReadFile(c.opts.ProfilePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read profile %s: %w", c.opts.ProfilePath, err)
	}
	if len(blob) > 0 {
		c.profile = blob
		logger.WithComponent("recovery").Info().
			Str("path", c.opts.ProfilePath).
			Int("bytes", len(blob)).
			Msg("Loaded device profile")
	}
	return nil
}

// enqueue never blocks; it may run on a driver notification goroutine
func (c *Controller) enqueue(ev offlineEvent) {
	select {
	case c.events <- ev:
	default:
		logger.WithComponent("recovery").Warn().Msg("Offline event queue full, dropping event")
	}
}

func (c *Controller) onLoopError(err error) {
	c.enqueue(offlineEvent{session: c.session.Load(), err: err})
}

func (c *Controller) newSession() *device.Session {
	var s *device.Session
	s = device.NewSession(c.driver, func(id device.Identity) {
		c.enqueue(offlineEvent{session: s, err: fmt.Errorf("%w: %s", device.ErrOffline, id)})
	})
	return s
}

// connect opens, configures and starts streaming. Any failure closes the
// handle it opened.
func (c *Controller) connect() error {
	s := c.newSession()

	c.mu.Lock()
	target := c.identity
	profile := c.profile
	c.mu.Unlock()

	if err := s.Open(target); err != nil {
		return &RecoveryFailed{Step: "open", Err: err}
	}

	fail := func(step string, err error) error {
		if cerr := s.Close(); cerr != nil {
			logger.WithComponent("recovery").Debug().Err(cerr).Msg("Close after failed attempt")
		}
		return &RecoveryFailed{Step: step, Err: err}
	}

	if profile != nil {
		if err := s.ImportProfile(profile); err != nil {
			return fail("import profile", err)
		}
	} else {
		if err := s.Configure(c.opts.Config); err != nil {
			return fail("configure", err)
		}
		blob, err := s.ExportProfile()
		if err != nil {
			return fail("export profile", err)
		}
		c.mu.Lock()
		c.profile = blob
		c.mu.Unlock()
		c.persistProfile(blob)
	}

	if err := s.StreamOn(); err != nil {
		return fail("stream on", err)
	}

	c.session.Store(s)
	if err := c.loop.SetSource(s); err != nil {
		return fail("start acquisition", err)
	}
	if err := c.loop.Start(); err != nil {
		return fail("start acquisition", err)
	}

	c.mu.Lock()
	c.identity = s.Identity()
	c.status.SessionID = s.ID()
	c.status.Device = s.Identity().String()
	c.mu.Unlock()

	return nil
}

func (c *Controller) persistProfile(blob []byte) {
	if c.opts.ProfilePath == "" {
		return
	}
	log := logger.WithComponent("recovery")
	if err := os.MkdirAll(filepath.Dir(c.opts.ProfilePath), 0755); err != nil {
		log.Warn().Err(err).Msg("Failed to create profile directory")
		return
	}
	if err := os.WriteFile(c.opts.ProfilePath, blob, 0644); err != nil {
		log.Warn().Err(err).Str("path", c.opts.ProfilePath).Msg("Failed to persist device profile")
		return
	}
	log.Info().Str("path", c.opts.ProfilePath).Msg("Device profile saved")
}

// teardown stops acquisition and closes the session
func (c *Controller) teardown() {
	c.loop.Stop()
	if s := c.session.Load(); s != nil {
		if err := s.Close(); err != nil {
			logger.WithComponent("recovery").Debug().Err(err).Msg("Errors while closing offline session")
		}
	}
}

func (c *Controller) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			if ev.session == nil || ev.session != c.session.Load() || c.State() != StateOnline {
				// Late notification for a session already torn down
				continue
			}
			c.handleOffline(ctx, ev)
		}
	}
}

func (c *Controller) handleOffline(ctx context.Context, ev offlineEvent) {
	log := logger.WithComponent("recovery")
	log.Warn().
		Err(ev.err).
		Str("session_id", ev.session.ID()).
		Msg("Device offline, tearing down")

	c.mu.Lock()
	c.status.LastOffline = time.Now()
	c.mu.Unlock()
	c.setState(StateOffline, ev.err)

	c.teardown()

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := c.attempt()
		if err == nil {
			c.mu.Lock()
			c.status.Reconnects++
			c.status.LastRecovery = time.Now()
			c.mu.Unlock()
			c.setState(StateOnline, nil)
			log.Info().
				Str("session_id", c.session.Load().ID()).
				Msg("Device recovered")
			return
		}
		if errors.Is(err, ErrNotPresent) {
			continue
		}

		c.mu.Lock()
		c.status.FailedAttempts++
		c.mu.Unlock()
		c.setState(StateOffline, err)
		log.Warn().Err(err).Msg("Reconnect attempt failed, will retry")
	}
}

// attempt polls enumeration once and reconnects if the device is back
func (c *Controller) attempt() error {
	devices, err := c.driver.Enumerate()
	if err != nil {
		return &RecoveryFailed{Step: "enumerate", Err: err}
	}

	c.mu.Lock()
	target := c.identity
	c.mu.Unlock()

	found := false
	for _, d := range devices {
		if target.IsZero() || target.Matches(d) {
			found = true
			break
		}
	}
	if !found {
		return ErrNotPresent
	}

	c.setState(StateReconnecting, nil)
	return c.connect()
}
