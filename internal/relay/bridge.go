package relay

import (
	"context"

	"github.com/google/uuid"

	"github.com/JJSiabato/silent-alarm/internal/fanout"
)

// Bridge adapts a Broker to fanout.Relay. Envelopes published by the same
// bridge are dropped on receipt so an instance never fans out its own events
// twice.
type Bridge struct {
	broker   Broker
	channel  string
	instance string
}

var _ fanout.Relay = (*Bridge)(nil)

// NewBridge creates a Bridge on channel. An empty instance gets a random id.
func NewBridge(broker Broker, channel, instance string) *Bridge {
	if instance == "" {
		instance = uuid.New().String()
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &Bridge{broker: broker, channel: channel, instance: instance}
}

// Instance returns the id this bridge stamps on outgoing envelopes.
func (b *Bridge) Instance() string {
	return b.instance
}

// Forward implements fanout.Relay.
func (b *Bridge) Forward(ctx context.Context, event fanout.Event) error {
	return b.broker.Publish(ctx, b.channel, Envelope{Instance: b.instance, Event: event})
}

// Listen implements fanout.Relay. It blocks until ctx is done.
func (b *Bridge) Listen(ctx context.Context, handler func(fanout.Event)) error {
	_, err := b.broker.Subscribe(b.channel, func(env Envelope) {
		if env.Instance == b.instance {
			return
		}
		handler(env.Event)
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
