// Package eventlog is the append-only record of alerts and reports that the
// poll path reads from. Producers append here before notifying the fan-out
// core.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JJSiabato/silent-alarm/internal/fanout"
)

// Record is an event as submitted by a producer. The log assigns its id and
// creation time.
type Record struct {
	Topic   fanout.Topic
	Origin  fanout.SubscriberID
	Payload json.RawMessage
}

func (r Record) validate() error {
	if !r.Topic.Valid() {
		return fmt.Errorf("%w: %q", fanout.ErrInvalidTopic, r.Topic)
	}
	if r.Origin == "" {
		return fanout.ErrSubscriberNotFound
	}
	return nil
}

// Log is implemented by every event log backend.
type Log interface {
	fanout.EventLog

	// Append stores r and returns the resulting immutable event.
	Append(ctx context.Context, r Record) (fanout.Event, error)
	// Recent returns up to limit of the newest events on topic, newest
	// first, for history listings.
	Recent(ctx context.Context, topic fanout.Topic, limit int) ([]fanout.Event, error)
}

const maxRecent = 100

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxRecent {
		return maxRecent
	}
	return limit
}
