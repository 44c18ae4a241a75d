package fanout

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Topic is the channel an event is published on. The set is fixed.
type Topic string

const (
	TopicAlerts  Topic = "alerts"
	TopicReports Topic = "reports"
)

// AllTopics lists every topic the service fans out.
var AllTopics = []Topic{TopicAlerts, TopicReports}

// ParseTopic validates a raw topic name coming from a request.
func ParseTopic(s string) (Topic, error) {
	t := Topic(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTopic, s)
	}
	return t, nil
}

// Valid reports whether t is one of the known topics.
func (t Topic) Valid() bool {
	for _, known := range AllTopics {
		if t == known {
			return true
		}
	}
	return false
}

// PushName is the name clients see on the push channel for events of t:
// "new_alert" or "new_report".
func (t Topic) PushName() string {
	return "new_" + strings.TrimSuffix(string(t), "s")
}

// SubscriberID is the opaque identity of an authenticated user. It is
// resolved by the session layer before any call into this package.
type SubscriberID string

// Event is a domain event that has already been recorded in the event log.
// It is immutable once published; ID is its identity for deduplication.
type Event struct {
	ID        string          `json:"id"`
	Topic     Topic           `json:"topic"`
	Origin    SubscriberID    `json:"user_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Validate checks the fields every published event must carry.
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if !e.Topic.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, e.Topic)
	}
	if e.Origin == "" {
		return fmt.Errorf("%w: event %s has no origin", ErrSubscriberNotFound, e.ID)
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("event %s has no created_at", e.ID)
	}
	return nil
}

// DeliveryReport summarises one Publish call. It exists for observability
// only; the poll path is what guarantees delivery.
type DeliveryReport struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Add merges two reports.
func (r DeliveryReport) Add(o DeliveryReport) DeliveryReport {
	return DeliveryReport{
		Attempted: r.Attempted + o.Attempted,
		Succeeded: r.Succeeded + o.Succeeded,
		Failed:    r.Failed + o.Failed,
	}
}
