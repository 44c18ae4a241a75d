package fanout

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// DefaultWriteTimeout bounds how long Publish waits on any one connection.
const DefaultWriteTimeout = 2 * time.Second

// Bus fans published events out to the registry's live connections.
type Bus struct {
	registry     *Registry
	writeTimeout time.Duration
}

// NewBus creates a Bus over registry. A non-positive writeTimeout falls back
// to DefaultWriteTimeout.
func NewBus(registry *Registry, writeTimeout time.Duration) *Bus {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Bus{registry: registry, writeTimeout: writeTimeout}
}

// Publish delivers event to every connection subscribed to topic except the
// origin's own. Sends run concurrently, each bounded by the write timeout;
// Publish returns once all of them have finished, so consecutive publishes
// from one caller reach each connection in order.
//
// A connection whose send fails is unsubscribed and closed. Push is best
// effort: failures only show up in the returned report.
func (b *Bus) Publish(ctx context.Context, topic Topic, event Event) DeliveryReport {
	targets := b.registry.ConnectionsFor(topic, event.Origin)
	if len(targets) == 0 {
		return DeliveryReport{}
	}

	var (
		mu     sync.Mutex
		report = DeliveryReport{Attempted: len(targets)}
		wg     sync.WaitGroup
	)
	for _, h := range targets {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			err := b.send(ctx, h, event)

			mu.Lock()
			switch {
			case errors.Is(err, errHandleRemoved):
				report.Attempted--
			case err != nil:
				report.Failed++
			default:
				report.Succeeded++
			}
			mu.Unlock()
		}(h)
	}
	wg.Wait()
	return report
}

var errHandleRemoved = errors.New("connection already removed")

func (b *Bus) send(ctx context.Context, h *Handle, event Event) error {
	// The handle may have been unsubscribed after the snapshot was taken.
	if !h.Active() {
		return errHandleRemoved
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.writeTimeout)
	defer cancel()

	err := h.conn.Send(sendCtx, event)
	if err == nil {
		return nil
	}

	log.Printf("fanout: push of %s to %s (handle %s) failed, dropping connection: %v",
		event.ID, h.Identity, h.ID, err)
	b.registry.Unsubscribe(h)
	if cerr := h.conn.Close(); cerr != nil {
		log.Printf("fanout: closing handle %s: %v", h.ID, cerr)
	}
	return err
}
