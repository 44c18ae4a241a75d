package notify

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"
)

const (
	// DefaultTTL is how long a notification stays on screen.
	DefaultTTL = 180 * time.Second
	// defaultTombstoneTTL is how long an expired or dismissed id is
	// remembered so a late poll cannot bring it back.
	defaultTombstoneTTL = 30 * time.Minute
	tombstoneSweep      = 10 * time.Minute
)

type entry struct {
	view      View
	expiresAt time.Time
}

// ActiveSet holds one subscriber's visible notifications, keyed by event id.
// Each entry is removed TTL after it was first inserted regardless of later
// activity. Safe for concurrent use.
type ActiveSet struct {
	clock        clockwork.Clock
	ttl          time.Duration
	tombstoneTTL time.Duration

	mu     sync.Mutex
	active map[string]entry
	// tombstones maps an id to the clock time its tombstone lapses. Entries
	// never expire on the wall clock; pruneLocked sweeps them on s.clock.
	tombstones *gocache.Cache
	lastSweep  time.Time
}

// NewActiveSet creates an ActiveSet. A nil clock uses the real clock and a
// non-positive ttl uses DefaultTTL.
func NewActiveSet(clock clockwork.Clock, ttl time.Duration) *ActiveSet {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ActiveSet{
		clock:        clock,
		ttl:          ttl,
		tombstoneTTL: max(defaultTombstoneTTL, ttl),
		active:       make(map[string]entry),
		tombstones:   gocache.New(gocache.NoExpiration, 0),
		lastSweep:    clock.Now(),
	}
}

// Add inserts v and reports whether it was new. A view whose id is already
// active, or was recently expired or dismissed, is ignored; this is what
// collapses the same event arriving through both push and poll.
func (s *ActiveSet) Add(v View) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.pruneLocked(now)

	if _, ok := s.active[v.ID]; ok {
		return false
	}
	if until, gone := s.tombstones.Get(v.ID); gone && now.Before(until.(time.Time)) {
		return false
	}
	s.active[v.ID] = entry{view: v, expiresAt: now.Add(s.ttl)}
	return true
}

// Remove dismisses a notification before its TTL.
func (s *ActiveSet) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; ok {
		delete(s.active, id)
		s.tombstones.SetDefault(id, s.clock.Now().Add(s.tombstoneTTL))
	}
}

// Contains reports whether id is currently visible.
func (s *ActiveSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.clock.Now())
	_, ok := s.active[id]
	return ok
}

// List returns the visible notifications, newest first.
func (s *ActiveSet) List() []View {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.clock.Now())

	out := make([]View, 0, len(s.active))
	for _, e := range s.active {
		out = append(out, e.view)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Len returns the number of visible notifications.
func (s *ActiveSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.clock.Now())
	return len(s.active)
}

func (s *ActiveSet) pruneLocked(now time.Time) {
	for id, e := range s.active {
		if !now.Before(e.expiresAt) {
			delete(s.active, id)
			s.tombstones.SetDefault(id, e.expiresAt.Add(s.tombstoneTTL))
		}
	}

	if now.Sub(s.lastSweep) < tombstoneSweep {
		return
	}
	s.lastSweep = now
	for id, item := range s.tombstones.Items() {
		if !now.Before(item.Object.(time.Time)) {
			s.tombstones.Delete(id)
		}
	}
}
