package device

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bryanchriswhite/FrameGrab/internal/frame"
	"github.com/bryanchriswhite/FrameGrab/internal/logger"
)

// State is the lifecycle position of a Session
type State int

const (
	StateClosed State = iota
	StateOpening
	StateConfigured
	StateStreaming
	StateStopping
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateConfigured:
		return "configured"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Session owns one open device handle and its lifecycle:
//
//	Closed -open-> Opening -configure-> Configured -stream on-> Streaming
//	Streaming -stream off-> Configured -close-> Closed
//
// The offline flag is orthogonal and can be raised in any state but Closed.
// Pull and ReturnBuffer are meant for the acquisition goroutine; every other
// method for the goroutine that owns the session between loop runs.
type Session struct {
	driver Driver

	mu          sync.Mutex
	state       State
	handle      Handle
	identity    Identity
	id          string
	payloadSize int
	outstanding map[uint64]*frame.RawFrame

	offline   atomic.Bool
	onOffline OfflineFunc
}

// NewSession creates a closed session. onOffline, if set, is called from the
// driver's notification goroutine after the offline flag is raised; it must
// only enqueue work.
func NewSession(driver Driver, onOffline OfflineFunc) *Session {
	return &Session{
		driver:      driver,
		onOffline:   onOffline,
		outstanding: make(map[uint64]*frame.RawFrame),
	}
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the identifier of the current open, empty when closed
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Identity returns the identity of the opened device
func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// PayloadSize returns the raw frame size reported by the device after configure
func (s *Session) PayloadSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloadSize
}

// Offline reports whether an offline notification arrived for this open
func (s *Session) Offline() bool {
	return s.offline.Load()
}

// SetOffline raises the offline flag unless the session is closed
func (s *Session) SetOffline() {
	s.markOffline()
}

func (s *Session) markOffline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.offline.Store(true)
	return true
}

// Outstanding returns how many pulled frames have not been returned
func (s *Session) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outstanding)
}

// Open enumerates devices and opens the one matching id. A zero identity
// selects the first enumerated device.
func (s *Session) Open(id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateClosed {
		return fmt.Errorf("%w: open in state %s", ErrInvalidState, s.state)
	}

	devices, err := s.driver.Enumerate()
	if err != nil {
		return wrap("enumerate", err)
	}
	if len(devices) == 0 {
		return ErrDeviceNotFound
	}

	target, ok := match(devices, id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	s.state = StateOpening
	h, err := s.driver.Open(target)
	if err != nil {
		s.state = StateClosed
		return wrap("open", err)
	}

	s.handle = h
	s.identity = target
	s.id = uuid.NewString()
	s.offline.Store(false)
	s.payloadSize = 0

	if err := s.driver.OnOffline(h, s.notifyOffline); err != nil {
		s.closeLocked()
		return wrap("register offline callback", err)
	}

	logger.WithComponent("session").Info().
		Str("session_id", s.id).
		Str("device", target.String()).
		Str("driver", s.driver.Name()).
		Msg("Device opened")

	return nil
}

func match(devices []Identity, id Identity) (Identity, bool) {
	if id.IsZero() {
		return devices[0], true
	}
	for _, d := range devices {
		if id.Matches(d) {
			return d, true
		}
	}
	return Identity{}, false
}

// notifyOffline may arrive after Close; a closed session ignores it
func (s *Session) notifyOffline(id Identity) {
	if !s.markOffline() {
		logger.WithComponent("session").Debug().
			Str("device", id.String()).
			Msg("Ignoring offline notification for closed session")
		return
	}
	logger.WithComponent("session").Warn().
		Str("device", id.String()).
		Msg("Device offline notification")
	if s.onOffline != nil {
		s.onOffline(id)
	}
}

// Configure applies cfg option by option. The first failing step aborts
// the whole operation and the session stays in Opening.
func (s *Session) Configure(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpening && s.state != StateConfigured {
		return fmt.Errorf("%w: configure in state %s", ErrInvalidState, s.state)
	}
	if err := cfg.Validate(); err != nil {
		s.state = StateOpening
		return err
	}

	for _, opt := range cfg.Options() {
		if err := s.driver.SetOption(s.handle, opt.Key, opt.Value); err != nil {
			s.state = StateOpening
			return wrap("set "+opt.Key, err)
		}
	}

	return s.finishConfigureLocked()
}

// ImportProfile reapplies a blob produced by ExportProfile, with the same
// fail-fast semantics as Configure.
func (s *Session) ImportProfile(blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpening && s.state != StateConfigured {
		return fmt.Errorf("%w: import profile in state %s", ErrInvalidState, s.state)
	}
	if err := s.driver.ImportConfig(s.handle, blob); err != nil {
		s.state = StateOpening
		return wrap("import config", err)
	}

	return s.finishConfigureLocked()
}

func (s *Session) finishConfigureLocked() error {
	size, err := s.driver.GetOption(s.handle, OptPayloadSize)
	if err != nil {
		s.state = StateOpening
		return wrap("get "+OptPayloadSize, err)
	}
	n, err := strconv.Atoi(size)
	if err != nil || n <= 0 {
		s.state = StateOpening
		return NewError("get "+OptPayloadSize, CodeParameter, fmt.Errorf("bad payload size %q", size))
	}

	s.payloadSize = n
	s.state = StateConfigured
	return nil
}

// ExportProfile returns the device configuration blob
func (s *Session) ExportProfile() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConfigured && s.state != StateStreaming {
		return nil, fmt.Errorf("%w: export profile in state %s", ErrInvalidState, s.state)
	}
	blob, err := s.driver.ExportConfig(s.handle)
	if err != nil {
		return nil, wrap("export config", err)
	}
	return blob, nil
}

// StreamOn starts acquisition on the device
func (s *Session) StreamOn() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConfigured {
		return fmt.Errorf("%w: stream on in state %s", ErrInvalidState, s.state)
	}
	if err := s.driver.StreamOn(s.handle); err != nil {
		return wrap("stream on", err)
	}
	s.state = StateStreaming
	return nil
}

// StreamOff stops acquisition. The session returns to Configured even if
// the driver reports an error, since an offline device cannot acknowledge.
func (s *Session) StreamOff() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamOffLocked()
}

func (s *Session) streamOffLocked() error {
	if s.state != StateStreaming {
		return fmt.Errorf("%w: stream off in state %s", ErrInvalidState, s.state)
	}
	s.state = StateStopping
	err := s.driver.StreamOff(s.handle)
	s.state = StateConfigured
	return wrap("stream off", err)
}

// Pull waits up to timeout for the next frame. The caller must hand the
// frame back with ReturnBuffer exactly once.
func (s *Session) Pull(timeout time.Duration) (*frame.RawFrame, error) {
	s.mu.Lock()
	if s.state != StateStreaming {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: pull in state %s", ErrInvalidState, state)
	}
	h := s.handle
	s.mu.Unlock()

	raw, err := s.driver.Pull(h, timeout)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return nil, ErrTimeout
		}
		return nil, wrap("pull", err)
	}

	s.mu.Lock()
	s.outstanding[raw.ID] = raw
	s.mu.Unlock()

	return raw, nil
}

// ReturnBuffer gives a pulled frame back to the device queue
func (s *Session) ReturnBuffer(raw *frame.RawFrame) error {
	s.mu.Lock()
	if _, ok := s.outstanding[raw.ID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: frame %d", ErrNotOutstanding, raw.ID)
	}
	delete(s.outstanding, raw.ID)
	h := s.handle
	s.mu.Unlock()

	return wrap("return buffer", s.driver.ReturnBuffer(h, raw))
}

// Close tears the session down from any state. Outstanding raw buffers are
// returned first. The session always ends Closed; the first driver error is
// reported.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	if s.state == StateClosed && s.handle == 0 {
		return nil
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.state == StateStreaming {
		keep(s.streamOffLocked())
	}
	for id, raw := range s.outstanding {
		keep(wrap("return buffer", s.driver.ReturnBuffer(s.handle, raw)))
		delete(s.outstanding, id)
	}
	keep(wrap("close", s.driver.Close(s.handle)))

	logger.WithComponent("session").Info().
		Str("session_id", s.id).
		Str("device", s.identity.String()).
		Bool("offline", s.offline.Load()).
		Msg("Device closed")

	s.state = StateClosed
	s.handle = 0
	s.id = ""
	s.payloadSize = 0
	s.offline.Store(false)

	return firstErr
}
