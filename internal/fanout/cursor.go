package fanout

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"
)

const (
	// DefaultPageSize bounds the events returned by a single poll.
	DefaultPageSize = 10
	// DefaultCursorIdleTTL is how long an unused server-side cursor is kept.
	DefaultCursorIdleTTL = 30 * time.Minute
)

// EventLog is the durable, append-only record of events, the source of truth
// for the poll path.
type EventLog interface {
	// Since returns up to limit events on topic created strictly after
	// after, excluding those originated by excluding. When more than limit
	// events qualify the oldest ones are returned, so a cursor clamped to
	// the page maximum never skips an event.
	Since(ctx context.Context, topic Topic, after time.Time, excluding SubscriberID, limit int) ([]Event, error)
}

// PollResult is the answer to one poll. Events are newest first. NextSince
// is the watermark to send back on the next client-owned poll; More is set
// when the page was full and another poll would return more events.
type PollResult struct {
	Events    []Event   `json:"events"`
	NextSince time.Time `json:"nextSince"`
	More      bool      `json:"more"`
}

// CursorStore serves the poll path. It keeps an in-memory watermark per
// (subscriber, topic); losing it only means the next poll starts from now.
type CursorStore struct {
	log      EventLog
	clock    clockwork.Clock
	pageSize int

	mu      sync.Mutex
	cursors *gocache.Cache
}

// CursorOption configures a CursorStore.
type CursorOption func(*CursorStore)

// WithClock sets the clock used to initialise new cursors.
func WithClock(c clockwork.Clock) CursorOption {
	return func(s *CursorStore) { s.clock = c }
}

// WithPageSize sets the maximum number of events per poll.
func WithPageSize(n int) CursorOption {
	return func(s *CursorStore) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithIdleTTL sets how long a cursor survives without being polled.
func WithIdleTTL(d time.Duration) CursorOption {
	return func(s *CursorStore) {
		if d > 0 {
			s.cursors = gocache.New(d, d)
		}
	}
}

// NewCursorStore creates a CursorStore reading from log.
func NewCursorStore(log EventLog, opts ...CursorOption) *CursorStore {
	s := &CursorStore{
		log:      log,
		clock:    clockwork.NewRealClock(),
		pageSize: DefaultPageSize,
		cursors:  gocache.New(DefaultCursorIdleTTL, DefaultCursorIdleTTL),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Poll returns the events on topic that identity has not seen yet, using a
// server-owned cursor. The first poll of a pair initialises the cursor to
// the current time and therefore returns no backlog. The cursor only moves
// forward, to the newest event actually returned; an empty or failed poll
// leaves it where it was.
func (s *CursorStore) Poll(ctx context.Context, identity SubscriberID, topic Topic) (PollResult, error) {
	if err := validatePoll(identity, topic); err != nil {
		return PollResult{}, err
	}

	key := cursorKey(identity, topic)
	since := s.load(key)

	res, err := s.PollSince(ctx, identity, topic, since)
	if err != nil {
		return PollResult{}, err
	}
	res.NextSince = s.advance(key, res.NextSince)
	return res, nil
}

// PollSince is the client-owned variant of Poll: the caller keeps the
// watermark and echoes NextSince back as since on its next call.
func (s *CursorStore) PollSince(ctx context.Context, identity SubscriberID, topic Topic, since time.Time) (PollResult, error) {
	if err := validatePoll(identity, topic); err != nil {
		return PollResult{}, err
	}

	raw, err := s.log.Since(ctx, topic, since, identity, s.pageSize)
	if err != nil {
		return PollResult{}, fmt.Errorf("%w: %w", ErrEventLogUnavailable, err)
	}

	res := PollResult{
		Events:    make([]Event, 0, len(raw)),
		NextSince: since,
		More:      len(raw) >= s.pageSize,
	}
	for _, e := range raw {
		if e.Origin == identity || !e.CreatedAt.After(since) {
			continue
		}
		res.Events = append(res.Events, e)
		if e.CreatedAt.After(res.NextSince) {
			res.NextSince = e.CreatedAt
		}
	}
	sort.SliceStable(res.Events, func(i, j int) bool {
		return res.Events[i].CreatedAt.After(res.Events[j].CreatedAt)
	})
	return res, nil
}

// Cursor returns the current server-side watermark for a pair, if any.
func (s *CursorStore) Cursor(identity SubscriberID, topic Topic) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cursors.Get(cursorKey(identity, topic))
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// Forget drops every cursor held for identity, e.g. on logout.
func (s *CursorStore) Forget(identity SubscriberID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range AllTopics {
		s.cursors.Delete(cursorKey(identity, t))
	}
}

func (s *CursorStore) load(key string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.cursors.Get(key); ok {
		ts := v.(time.Time)
		s.cursors.SetDefault(key, ts)
		return ts
	}
	now := s.clock.Now().UTC().Truncate(time.Microsecond)
	s.cursors.SetDefault(key, now)
	return now
}

// advance moves the cursor to ts unless it is already further along, and
// returns the resulting watermark. Concurrent polls of the same pair settle
// on the maximum.
func (s *CursorStore) advance(key string, ts time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.cursors.Get(key); ok {
		if cur := v.(time.Time); !ts.After(cur) {
			s.cursors.SetDefault(key, cur)
			return cur
		}
	}
	s.cursors.SetDefault(key, ts)
	return ts
}

func validatePoll(identity SubscriberID, topic Topic) error {
	if identity == "" {
		return ErrSubscriberNotFound
	}
	if !topic.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return nil
}

func cursorKey(identity SubscriberID, topic Topic) string {
	return string(topic) + "\x00" + string(identity)
}
