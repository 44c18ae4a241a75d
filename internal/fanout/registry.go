package fanout

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Conn is a live push-capable channel to one device. Implementations must
// be safe for concurrent Send calls and must refuse sends after Close.
type Conn interface {
	Send(ctx context.Context, event Event) error
	Close() error
}

// Handle is the registry's record of one (identity, topic, conn) binding.
// Transports keep the handle to unsubscribe; they never share the Conn with
// anything but the registry.
type Handle struct {
	ID       string
	Identity SubscriberID
	Topic    Topic

	conn    Conn
	removed atomic.Bool
}

// Active reports whether the handle is still registered.
func (h *Handle) Active() bool {
	return !h.removed.Load()
}

// Registry tracks the live connections of every subscriber. It is safe for
// concurrent use and is created once per process, then injected into every
// transport that accepts connections.
type Registry struct {
	mu      sync.RWMutex
	byTopic map[Topic]map[string]*Handle
	closed  bool

	// OnChange, if set, is called with the number of live handles after
	// every subscribe/unsubscribe. Calls are serialised under the registry
	// lock, so it must not call back into the Registry.
	OnChange func(live int)
}

// NewRegistry allocates an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{byTopic: make(map[Topic]map[string]*Handle)}
	for _, t := range AllTopics {
		r.byTopic[t] = make(map[string]*Handle)
	}
	return r
}

// Subscribe registers conn for identity on topic. Every call creates an
// independent handle, so one device may subscribe to several topics and one
// identity may hold several devices.
func (r *Registry) Subscribe(identity SubscriberID, topic Topic, conn Conn) (*Handle, error) {
	if identity == "" {
		return nil, ErrSubscriberNotFound
	}
	if !topic.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if conn == nil {
		return nil, fmt.Errorf("subscribe %s: nil connection", identity)
	}

	h := &Handle{
		ID:       uuid.New().String(),
		Identity: identity,
		Topic:    topic,
		conn:     conn,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	r.byTopic[topic][h.ID] = h
	r.changed(r.lenLocked())
	r.mu.Unlock()

	return h, nil
}

// Unsubscribe removes h. Calling it more than once, or with a nil handle,
// is a no-op. The Conn is not closed; that is the caller's decision.
func (r *Registry) Unsubscribe(h *Handle) {
	if h == nil || !h.removed.CompareAndSwap(false, true) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byTopic[h.Topic], h.ID)
	r.changed(r.lenLocked())
}

// ConnectionsFor returns a snapshot of the active handles on topic, leaving
// out those that belong to excluding. The snapshot does not observe
// subscribes or unsubscribes that happen after the call.
func (r *Registry) ConnectionsFor(topic Topic, excluding SubscriberID) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.byTopic[topic]
	out := make([]*Handle, 0, len(subs))
	for _, h := range subs {
		if h.Identity == excluding {
			continue
		}
		out = append(out, h)
	}
	return out
}

// ConnectionsOf returns every active handle owned by identity.
func (r *Registry) ConnectionsOf(identity SubscriberID) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Handle
	for _, subs := range r.byTopic {
		for _, h := range subs {
			if h.Identity == identity {
				out = append(out, h)
			}
		}
	}
	return out
}

// Len returns the number of live handles across all topics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lenLocked()
}

// Close removes every handle and closes its Conn. Subscribe fails
// afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var all []*Handle
	for t, subs := range r.byTopic {
		for _, h := range subs {
			h.removed.Store(true)
			all = append(all, h)
		}
		r.byTopic[t] = make(map[string]*Handle)
	}
	r.changed(0)
	r.mu.Unlock()

	closedConns := make(map[Conn]struct{}, len(all))
	for _, h := range all {
		if _, done := closedConns[h.conn]; done {
			continue
		}
		closedConns[h.conn] = struct{}{}
		if err := h.conn.Close(); err != nil {
			log.Printf("fanout: closing connection of %s: %v", h.Identity, err)
		}
	}
}

func (r *Registry) lenLocked() int {
	n := 0
	for _, subs := range r.byTopic {
		n += len(subs)
	}
	return n
}

func (r *Registry) changed(live int) {
	if r.OnChange != nil {
		r.OnChange(live)
	}
}
