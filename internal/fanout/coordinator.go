package fanout

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Relay carries events between instances of the service so that every
// instance can fan out to its own connections. Forwarded events come back
// through Listen on every other instance, never on the one that sent them.
type Relay interface {
	Forward(ctx context.Context, event Event) error
	Listen(ctx context.Context, handler func(Event)) error
}

// Observer receives per-publish outcomes. The metrics package implements it.
type Observer interface {
	ObservePublish(topic Topic, source string, report DeliveryReport)
}

// Coordinator is the single entry point producers call after an event has
// been appended to the event log. Push is a latency optimisation; the poll
// path is what guarantees delivery, so nothing here retries.
type Coordinator struct {
	bus      *Bus
	relay    Relay
	observer Observer

	mu            sync.RWMutex
	lastPublished map[Topic]time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithRelay forwards every locally produced event to other instances.
func WithRelay(r Relay) CoordinatorOption {
	return func(c *Coordinator) { c.relay = r }
}

// WithObserver reports every publish to o.
func WithObserver(o Observer) CoordinatorOption {
	return func(c *Coordinator) { c.observer = o }
}

// NewCoordinator creates a Coordinator publishing through bus.
func NewCoordinator(bus *Bus, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		bus:           bus,
		lastPublished: make(map[Topic]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NotifyNewEvent pushes event to the live subscribers of its topic and
// records the publish. Only a malformed event is an error; push failures are
// reflected in the report and nowhere else.
func (c *Coordinator) NotifyNewEvent(ctx context.Context, event Event) (DeliveryReport, error) {
	if err := event.Validate(); err != nil {
		return DeliveryReport{}, fmt.Errorf("notify: %w", err)
	}

	report := c.publishLocal(ctx, event, "local")

	if c.relay != nil {
		if err := c.relay.Forward(ctx, event); err != nil {
			log.Printf("fanout: relaying event %s failed: %v", event.ID, err)
		}
	}
	return report, nil
}

// Start listens on the relay for events produced by other instances and
// fans them out locally. It returns immediately when no relay is set.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.relay == nil {
		return nil
	}
	return c.relay.Listen(ctx, func(event Event) {
		if err := event.Validate(); err != nil {
			log.Printf("fanout: dropping relayed event: %v", err)
			return
		}
		c.publishLocal(ctx, event, "relay")
	})
}

// LastPublished returns the creation time of the newest event published on
// topic by this process.
func (c *Coordinator) LastPublished(topic Topic) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ts, ok := c.lastPublished[topic]
	return ts, ok
}

func (c *Coordinator) publishLocal(ctx context.Context, event Event, source string) DeliveryReport {
	report := c.bus.Publish(ctx, event.Topic, event)
	c.record(event)

	if c.observer != nil {
		c.observer.ObservePublish(event.Topic, source, report)
	}
	if report.Failed > 0 {
		log.Printf("fanout: event %s on %s pushed to %d/%d connections (%s)",
			event.ID, event.Topic, report.Succeeded, report.Attempted, source)
	}
	return report
}

func (c *Coordinator) record(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if event.CreatedAt.After(c.lastPublished[event.Topic]) {
		c.lastPublished[event.Topic] = event.CreatedAt
	}
}
