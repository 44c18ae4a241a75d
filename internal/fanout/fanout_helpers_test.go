package fanout

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// recordingConn is a Conn that stores what it receives. fail makes every
// Send return an error; block makes Send wait for the context.
type recordingConn struct {
	mu     sync.Mutex
	events []Event
	closed bool
	fail   bool
	block  bool
}

func (c *recordingConn) Send(ctx context.Context, e Event) error {
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	if c.fail {
		return errors.New("broken pipe")
	}
	c.events = append(c.events, e)
	return nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingConn) received() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *recordingConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeLog is an in-package EventLog with the same contract as the real
// adapters.
type fakeLog struct {
	mu     sync.Mutex
	events []Event
	err    error
	calls  int
}

func (l *fakeLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *fakeLog) Since(_ context.Context, topic Topic, after time.Time, excluding SubscriberID, limit int) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	var out []Event
	for _, e := range l.events {
		if e.Topic == topic && e.CreatedAt.After(after) && e.Origin != excluding {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newEvent(id string, topic Topic, origin SubscriberID, at time.Time) Event {
	return Event{ID: id, Topic: topic, Origin: origin, CreatedAt: at}
}
