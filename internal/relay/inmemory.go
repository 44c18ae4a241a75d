package relay

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type subscription struct {
	id      string
	handler Handler
}

type channelEnvelope struct {
	channel string
	env     Envelope
}

// InMemoryBroker dispatches envelopes to subscribers in the same process. It
// is what a single-node deployment and the tests use.
type InMemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	closed bool
	queue  chan channelEnvelope
	done   chan struct{}
}

// NewInMemoryBroker creates the broker and starts its dispatch goroutine.
func NewInMemoryBroker() *InMemoryBroker {
	b := &InMemoryBroker{
		subs:  make(map[string][]subscription),
		queue: make(chan channelEnvelope, 1024),
		done:  make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Publish enqueues env for asynchronous delivery.
func (b *InMemoryBroker) Publish(ctx context.Context, channel string, env Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errBrokerClosed
	}
	select {
	case b.queue <- channelEnvelope{channel: channel, env: env}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe implements Broker.
func (b *InMemoryBroker) Subscribe(channel string, handler Handler) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", errBrokerClosed
	}
	id := uuid.New().String()
	b.subs[channel] = append(b.subs[channel], subscription{id: id, handler: handler})
	return id, nil
}

// Close drains queued envelopes and stops dispatching.
func (b *InMemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	<-b.done
	return nil
}

func (b *InMemoryBroker) dispatch() {
	defer close(b.done)

	for ce := range b.queue {
		b.mu.RLock()
		subs := b.subs[ce.channel]
		handlers := make([]Handler, len(subs))
		for i, s := range subs {
			handlers[i] = s.handler
		}
		b.mu.RUnlock()

		for _, h := range handlers {
			h(ce.env)
		}
	}
}
