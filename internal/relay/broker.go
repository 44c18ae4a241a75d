// Package relay moves events between instances of the service. Each instance
// forwards what its producers create and fans out what the others forwarded.
package relay

import (
	"context"
	"errors"

	"github.com/JJSiabato/silent-alarm/internal/fanout"
)

// DefaultChannel is the broker topic or channel all instances share.
const DefaultChannel = "silent-alarm.events"

var errBrokerClosed = errors.New("broker is closed")

// Envelope wraps an event with the instance that produced it.
type Envelope struct {
	Instance string       `json:"instance"`
	Event    fanout.Event `json:"event"`
}

// Handler receives envelopes delivered by a Broker.
type Handler func(Envelope)

// Broker is a publish/subscribe transport. Implementations are InMemoryBroker
// for a single process, KafkaBroker and RedisBroker for multi-instance
// deployments.
type Broker interface {
	// Publish sends env to every subscriber of channel, including those in
	// the publishing process.
	Publish(ctx context.Context, channel string, env Envelope) error

	// Subscribe registers handler for channel and returns a subscription id.
	Subscribe(channel string, handler Handler) (string, error)

	// Close releases connections and goroutines. Publish and Subscribe fail
	// afterwards.
	Close() error
}
