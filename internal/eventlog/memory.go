package eventlog

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/JJSiabato/silent-alarm/internal/fanout"
)

// Memory is a process-local Log. Timestamps have microsecond precision, like
// Postgres, and strictly increase across appends.
type Memory struct {
	clock clockwork.Clock

	mu     sync.RWMutex
	events []fanout.Event // ordered by CreatedAt
	last   time.Time
}

// NewMemory creates an empty Memory log. A nil clock uses the real clock.
func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{clock: clock}
}

// Append implements Log.
func (m *Memory) Append(_ context.Context, r Record) (fanout.Event, error) {
	if err := r.validate(); err != nil {
		return fanout.Event{}, err
	}
	payload := r.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.clock.Now().UTC().Truncate(time.Microsecond)
	if !ts.After(m.last) {
		ts = m.last.Add(time.Microsecond)
	}
	m.last = ts

	e := fanout.Event{
		ID:        uuid.New().String(),
		Topic:     r.Topic,
		Origin:    r.Origin,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: ts,
	}
	m.events = append(m.events, e)
	return e, nil
}

// Since implements fanout.EventLog.
func (m *Memory) Since(_ context.Context, topic fanout.Topic, after time.Time, excluding fanout.SubscriberID, limit int) ([]fanout.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := sort.Search(len(m.events), func(i int) bool {
		return m.events[i].CreatedAt.After(after)
	})

	var out []fanout.Event
	for _, e := range m.events[start:] {
		if len(out) >= limit {
			break
		}
		if e.Topic != topic || e.Origin == excluding {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Recent implements Log.
func (m *Memory) Recent(_ context.Context, topic fanout.Topic, limit int) ([]fanout.Event, error) {
	limit = clampLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []fanout.Event{}
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if m.events[i].Topic == topic {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}
