package fanout

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSkipsOrigin(t *testing.T) {
	r := NewRegistry()
	bus := NewBus(r, time.Second)

	a := &recordingConn{}
	b := &recordingConn{}
	_, _ = r.Subscribe("u1", TopicAlerts, a)
	_, _ = r.Subscribe("u2", TopicAlerts, b)

	e1 := newEvent("e1", TopicAlerts, "u1", time.Now())
	report := bus.Publish(context.Background(), TopicAlerts, e1)

	assert.Equal(t, DeliveryReport{Attempted: 1, Succeeded: 1}, report)
	assert.Empty(t, a.received())
	require.Len(t, b.received(), 1)
	assert.Equal(t, "e1", b.received()[0].ID)
}

func TestBus_PublishOnlyReachesTopic(t *testing.T) {
	r := NewRegistry()
	bus := NewBus(r, time.Second)

	alerts := &recordingConn{}
	reports := &recordingConn{}
	_, _ = r.Subscribe("u2", TopicAlerts, alerts)
	_, _ = r.Subscribe("u3", TopicReports, reports)

	bus.Publish(context.Background(), TopicReports, newEvent("r1", TopicReports, "u1", time.Now()))

	assert.Empty(t, alerts.received())
	assert.Len(t, reports.received(), 1)
}

// One broken connection out of five must not stop the other four.
func TestBus_FailureIsIsolated(t *testing.T) {
	r := NewRegistry()
	bus := NewBus(r, time.Second)

	conns := make([]*recordingConn, 5)
	handles := make([]*Handle, 5)
	for i := range conns {
		conns[i] = &recordingConn{fail: i == 2}
		h, err := r.Subscribe(SubscriberID(fmt.Sprintf("user-%d", i)), TopicAlerts, conns[i])
		require.NoError(t, err)
		handles[i] = h
	}

	report := bus.Publish(context.Background(), TopicAlerts, newEvent("e1", TopicAlerts, "origin", time.Now()))

	assert.Equal(t, DeliveryReport{Attempted: 5, Succeeded: 4, Failed: 1}, report)
	for i, c := range conns {
		if i == 2 {
			assert.Empty(t, c.received())
			assert.True(t, c.isClosed(), "failed connection should be closed")
			assert.False(t, handles[i].Active(), "failed connection should be unsubscribed")
			continue
		}
		assert.Len(t, c.received(), 1, "conn %d", i)
	}
	assert.Equal(t, 4, r.Len())
}

func TestBus_SlowConnectionIsBounded(t *testing.T) {
	r := NewRegistry()
	bus := NewBus(r, 50*time.Millisecond)

	slow := &recordingConn{block: true}
	fast := &recordingConn{}
	_, _ = r.Subscribe("slow", TopicAlerts, slow)
	_, _ = r.Subscribe("fast", TopicAlerts, fast)

	start := time.Now()
	report := bus.Publish(context.Background(), TopicAlerts, newEvent("e1", TopicAlerts, "u1", time.Now()))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Len(t, fast.received(), 1)
	assert.Equal(t, 1, r.Len())
}

func TestBus_PreservesPublishOrderPerConnection(t *testing.T) {
	r := NewRegistry()
	bus := NewBus(r, time.Second)
	c := &recordingConn{}
	_, _ = r.Subscribe("u2", TopicAlerts, c)

	base := time.Now()
	for i := 0; i < 20; i++ {
		bus.Publish(context.Background(), TopicAlerts,
			newEvent(fmt.Sprintf("e%02d", i), TopicAlerts, "u1", base.Add(time.Duration(i)*time.Millisecond)))
	}

	got := c.received()
	require.Len(t, got, 20)
	for i, e := range got {
		assert.Equal(t, fmt.Sprintf("e%02d", i), e.ID)
	}
}

func TestBus_NoSubscribers(t *testing.T) {
	bus := NewBus(NewRegistry(), 0)
	report := bus.Publish(context.Background(), TopicAlerts, newEvent("e1", TopicAlerts, "u1", time.Now()))
	assert.Equal(t, DeliveryReport{}, report)
}

func TestBus_PublishRacesUnsubscribe(t *testing.T) {
	r := NewRegistry()
	bus := NewBus(r, time.Second)

	var handles []*Handle
	for i := 0; i < 20; i++ {
		h, _ := r.Subscribe(SubscriberID(fmt.Sprintf("u%d", i)), TopicAlerts, &recordingConn{})
		handles = append(handles, h)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			report := bus.Publish(context.Background(), TopicAlerts, newEvent(fmt.Sprint(i), TopicAlerts, "x", time.Now()))
			assert.Equal(t, report.Attempted, report.Succeeded+report.Failed)
		}
	}()
	go func() {
		defer wg.Done()
		for _, h := range handles {
			r.Unsubscribe(h)
		}
	}()
	wg.Wait()

	assert.Zero(t, r.Len())
}
