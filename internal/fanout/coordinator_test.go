package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRelay struct {
	mu        sync.Mutex
	forwarded []Event
	err       error
	handler   func(Event)
}

func (f *fakeRelay) Forward(_ context.Context, e Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwarded = append(f.forwarded, e)
	return f.err
}

func (f *fakeRelay) Listen(_ context.Context, h func(Event)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	return nil
}

type observed struct {
	topic  Topic
	source string
	report DeliveryReport
}

type fakeObserver struct {
	mu   sync.Mutex
	seen []observed
}

func (f *fakeObserver) ObservePublish(topic Topic, source string, report DeliveryReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, observed{topic, source, report})
}

func TestCoordinator_NotifyNewEvent(t *testing.T) {
	r := NewRegistry()
	relay := &fakeRelay{}
	obs := &fakeObserver{}
	c := NewCoordinator(NewBus(r, time.Second), WithRelay(relay), WithObserver(obs))

	b := &recordingConn{}
	_, _ = r.Subscribe("u2", TopicAlerts, b)

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	report, err := c.NotifyNewEvent(context.Background(), newEvent("e1", TopicAlerts, "u1", at))
	require.NoError(t, err)

	assert.Equal(t, DeliveryReport{Attempted: 1, Succeeded: 1}, report)
	assert.Len(t, b.received(), 1)
	require.Len(t, relay.forwarded, 1)
	require.Len(t, obs.seen, 1)
	assert.Equal(t, "local", obs.seen[0].source)

	ts, ok := c.LastPublished(TopicAlerts)
	require.True(t, ok)
	assert.True(t, ts.Equal(at))
	_, ok = c.LastPublished(TopicReports)
	assert.False(t, ok)
}

func TestCoordinator_RecordsPublishWithoutSubscribers(t *testing.T) {
	c := NewCoordinator(NewBus(NewRegistry(), time.Second))
	at := time.Now().UTC()

	report, err := c.NotifyNewEvent(context.Background(), newEvent("e1", TopicReports, "u1", at))
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)

	ts, ok := c.LastPublished(TopicReports)
	require.True(t, ok)
	assert.True(t, ts.Equal(at))
}

func TestCoordinator_LastPublishedNeverMovesBack(t *testing.T) {
	c := NewCoordinator(NewBus(NewRegistry(), time.Second))
	late := time.Now().UTC()
	early := late.Add(-time.Minute)

	_, _ = c.NotifyNewEvent(context.Background(), newEvent("e2", TopicAlerts, "u1", late))
	_, _ = c.NotifyNewEvent(context.Background(), newEvent("e1", TopicAlerts, "u1", early))

	ts, _ := c.LastPublished(TopicAlerts)
	assert.True(t, ts.Equal(late))
}

func TestCoordinator_RejectsInvalidEvent(t *testing.T) {
	c := NewCoordinator(NewBus(NewRegistry(), time.Second))

	_, err := c.NotifyNewEvent(context.Background(), Event{ID: "e1", Topic: "nope", Origin: "u1", CreatedAt: time.Now()})
	assert.ErrorIs(t, err, ErrInvalidTopic)

	_, err = c.NotifyNewEvent(context.Background(), Event{ID: "e1", Topic: TopicAlerts, CreatedAt: time.Now()})
	assert.ErrorIs(t, err, ErrSubscriberNotFound)

	_, err = c.NotifyNewEvent(context.Background(), Event{Topic: TopicAlerts, Origin: "u1", CreatedAt: time.Now()})
	assert.Error(t, err)
}

func TestCoordinator_RelayFailureIsNotSurfaced(t *testing.T) {
	relay := &fakeRelay{err: errors.New("kafka down")}
	c := NewCoordinator(NewBus(NewRegistry(), time.Second), WithRelay(relay))

	_, err := c.NotifyNewEvent(context.Background(), newEvent("e1", TopicAlerts, "u1", time.Now()))
	assert.NoError(t, err)
}

func TestCoordinator_StartFansOutRelayedEvents(t *testing.T) {
	r := NewRegistry()
	relay := &fakeRelay{}
	obs := &fakeObserver{}
	c := NewCoordinator(NewBus(r, time.Second), WithRelay(relay), WithObserver(obs))

	b := &recordingConn{}
	_, _ = r.Subscribe("u2", TopicReports, b)

	require.NoError(t, c.Start(context.Background()))
	require.NotNil(t, relay.handler)

	relay.handler(newEvent("r1", TopicReports, "u9", time.Now()))
	relay.handler(Event{ID: "bad"})

	assert.Len(t, b.received(), 1)
	assert.Empty(t, relay.forwarded, "relayed events must not be forwarded again")
	require.Len(t, obs.seen, 1)
	assert.Equal(t, "relay", obs.seen[0].source)
}

func TestCoordinator_StartWithoutRelay(t *testing.T) {
	c := NewCoordinator(NewBus(NewRegistry(), time.Second))
	assert.NoError(t, c.Start(context.Background()))
}
