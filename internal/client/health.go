// Package client is the subscriber side of the service: it keeps a push
// connection open, falls back to polling while that connection is down, and
// turns whatever arrives into on-screen notifications.
package client

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultConnectTimeout is how long the first connection attempt may take
// before the client starts polling.
const DefaultConnectTimeout = 3 * time.Second

// State is the health of the push connection.
type State int

const (
	Connecting State = iota
	Connected
	Polling
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Polling:
		return "polling"
	}
	return "unknown"
}

// Health tracks the push connection. Polling is required in every state but
// Connected, so a slow first connect never leaves the client blind.
type Health struct {
	clock    clockwork.Clock
	timeout  time.Duration
	onChange func(from, to State)

	mu    sync.Mutex
	state State
	timer clockwork.Timer
}

// NewHealth creates a Health in the Connecting state. onChange, if set, is
// called after every transition, outside the lock.
func NewHealth(clock clockwork.Clock, timeout time.Duration, onChange func(from, to State)) *Health {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &Health{clock: clock, timeout: timeout, onChange: onChange}
}

// Start arms the connect timeout. Calling it again has no effect.
func (h *Health) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil || h.state != Connecting {
		return
	}
	h.timer = h.clock.AfterFunc(h.timeout, func() {
		h.transition(func(s State) (State, bool) {
			return Polling, s == Connecting
		})
	})
}

// Connected records a successful (re)connect.
func (h *Health) Connected() {
	h.transition(func(s State) (State, bool) {
		return Connected, s != Connected
	})
}

// Disconnected records a lost connection or a failed attempt.
func (h *Health) Disconnected() {
	h.transition(func(s State) (State, bool) {
		return Polling, s != Polling
	})
}

// State returns the current state.
func (h *Health) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ShouldPoll reports whether the poll path must run.
func (h *Health) ShouldPoll() bool {
	return h.State() != Connected
}

// Stop disarms the connect timeout.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil {
		h.timer.Stop()
	}
}

func (h *Health) transition(next func(State) (State, bool)) {
	h.mu.Lock()
	from := h.state
	to, ok := next(from)
	if !ok {
		h.mu.Unlock()
		return
	}
	h.state = to
	if to != Connecting && h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Unlock()

	if h.onChange != nil {
		h.onChange(from, to)
	}
}
