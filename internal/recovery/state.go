package recovery

import (
	"fmt"
	"time"

	"github.com/bryanchriswhite/FrameGrab/internal/logger"
)

// State is the recovery controller's view of the device
type State int

const (
	StateOffline State = iota
	StateOnline
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "offline"
	}
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "online":
		*s = StateOnline
	case "reconnecting":
		*s = StateReconnecting
	case "offline":
		*s = StateOffline
	default:
		return fmt.Errorf("unknown recovery state %q", text)
	}
	return nil
}

// Status is a snapshot for the API and CLI
type Status struct {
	State          State     `json:"state"`
	SessionID      string    `json:"session_id,omitempty"`
	Device         string    `json:"device,omitempty"`
	Reconnects     uint64    `json:"reconnects"`
	FailedAttempts uint64    `json:"failed_attempts"`
	LastOffline    time.Time `json:"last_offline"`
	LastRecovery   time.Time `json:"last_recovery"`
	LastError      string    `json:"last_error,omitempty"`
}

// Transition is published to subscribers on every state change
type Transition struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

const subscriberBuffer = 16

// Status returns the current snapshot
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.status
	st.State = c.state
	return st
}

// Subscribe returns a channel of state transitions and a function that
// cancels the subscription. Slow subscribers miss transitions rather than
// blocking the controller.
func (c *Controller) Subscribe() (<-chan Transition, func()) {
	ch := make(chan Transition, subscriberBuffer)

	c.subsMu.Lock()
	if c.isStopped() {
		c.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.subs[ch] = struct{}{}
	c.subsMu.Unlock()

	cancel := func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

func (c *Controller) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Controller) setState(to State, cause error) {
	c.mu.Lock()
	from := c.state
	c.state = to
	if cause != nil {
		c.status.LastError = cause.Error()
	}
	c.mu.Unlock()

	t := Transition{From: from, To: to, At: time.Now()}
	if cause != nil {
		t.Error = cause.Error()
	}

	logger.WithComponent("recovery").Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Recovery state changed")

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- t:
		default:
		}
	}
}
