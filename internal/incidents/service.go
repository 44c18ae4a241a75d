package incidents

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/JJSiabato/silent-alarm/internal/eventlog"
	"github.com/JJSiabato/silent-alarm/internal/fanout"
	"github.com/JJSiabato/silent-alarm/internal/notify"
)

// PollObserver is told about every poll. The metrics package implements it.
type PollObserver interface {
	ObservePoll(topic fanout.Topic, events int, err error)
}

// Status summarises the push side of this instance.
type Status struct {
	LiveConnections int                     `json:"live_connections"`
	LastPublished   map[fanout.Topic]string `json:"last_published"`
	// NotificationTTLSeconds is how long clients keep a notification on
	// screen.
	NotificationTTLSeconds int `json:"notification_ttl_seconds"`
}

// Service records events and serves the poll path.
type Service struct {
	log         eventlog.Log
	coordinator *fanout.Coordinator
	cursors     *fanout.CursorStore
	registry    *fanout.Registry
	observer    PollObserver

	notificationTTL time.Duration
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithNotificationTTL sets the display lifetime advertised to clients.
func WithNotificationTTL(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.notificationTTL = d
		}
	}
}

func NewService(log eventlog.Log, coordinator *fanout.Coordinator, cursors *fanout.CursorStore, registry *fanout.Registry, observer PollObserver, opts ...ServiceOption) *Service {
	s := &Service{
		log:             log,
		coordinator:     coordinator,
		cursors:         cursors,
		registry:        registry,
		observer:        observer,
		notificationTTL: notify.DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateAlert validates in, appends it to the event log and pushes it.
func (s *Service) CreateAlert(ctx context.Context, origin fanout.SubscriberID, in AlertInput) (fanout.Event, fanout.DeliveryReport, error) {
	payload, err := in.payload()
	if err != nil {
		return fanout.Event{}, fanout.DeliveryReport{}, err
	}
	return s.create(ctx, fanout.TopicAlerts, origin, payload)
}

// CreateReport validates in, appends it to the event log and pushes it.
func (s *Service) CreateReport(ctx context.Context, origin fanout.SubscriberID, in ReportInput) (fanout.Event, fanout.DeliveryReport, error) {
	payload, err := in.payload()
	if err != nil {
		return fanout.Event{}, fanout.DeliveryReport{}, err
	}
	return s.create(ctx, fanout.TopicReports, origin, payload)
}

// create appends before notifying: an event is never pushed unless a poll
// could also return it.
func (s *Service) create(ctx context.Context, topic fanout.Topic, origin fanout.SubscriberID, payload json.RawMessage) (fanout.Event, fanout.DeliveryReport, error) {
	if origin == "" {
		return fanout.Event{}, fanout.DeliveryReport{}, fanout.ErrSubscriberNotFound
	}
	event, err := s.log.Append(ctx, eventlog.Record{Topic: topic, Origin: origin, Payload: payload})
	if err != nil {
		return fanout.Event{}, fanout.DeliveryReport{}, fmt.Errorf("%w: %w", fanout.ErrEventLogUnavailable, err)
	}

	// The request may be cancelled once the event is durable; push anyway.
	report, err := s.coordinator.NotifyNewEvent(context.WithoutCancel(ctx), event)
	if err != nil {
		log.Printf("incidents: event %s stored but not pushed: %v", event.ID, err)
	}
	return event, report, nil
}

// Check is the client-owned poll: events on topic after since, excluding
// identity's own.
func (s *Service) Check(ctx context.Context, identity fanout.SubscriberID, topic fanout.Topic, since time.Time) (fanout.PollResult, error) {
	res, err := s.cursors.PollSince(ctx, identity, topic, since)
	s.observe(topic, res, err)
	return res, err
}

// Poll is the server-owned poll, resuming from identity's stored cursor.
func (s *Service) Poll(ctx context.Context, identity fanout.SubscriberID, topic fanout.Topic) (fanout.PollResult, error) {
	res, err := s.cursors.Poll(ctx, identity, topic)
	s.observe(topic, res, err)
	return res, err
}

// Recent lists the newest events on topic for history views.
func (s *Service) Recent(ctx context.Context, topic fanout.Topic, limit int) ([]fanout.Event, error) {
	events, err := s.log.Recent(ctx, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fanout.ErrEventLogUnavailable, err)
	}
	return events, nil
}

// Status reports live connections and the newest publish per topic.
func (s *Service) Status() Status {
	st := Status{
		LiveConnections:        s.registry.Len(),
		LastPublished:          make(map[fanout.Topic]string),
		NotificationTTLSeconds: int(s.notificationTTL / time.Second),
	}
	for _, t := range fanout.AllTopics {
		if ts, ok := s.coordinator.LastPublished(t); ok {
			st.LastPublished[t] = ts.UTC().Format(time.RFC3339Nano)
		}
	}
	return st
}

func (s *Service) observe(topic fanout.Topic, res fanout.PollResult, err error) {
	if s.observer != nil {
		s.observer.ObservePoll(topic, len(res.Events), err)
	}
}
