package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JJSiabato/silent-alarm/internal/fanout"
)

// FanoutMetrics records push and poll outcomes. It implements fanout.Observer.
type FanoutMetrics struct {
	ActiveConnections prometheus.Gauge
	Publishes         *prometheus.CounterVec
	Deliveries        *prometheus.CounterVec
	Polls             *prometheus.CounterVec
	PollEvents        *prometheus.CounterVec
}

var _ fanout.Observer = (*FanoutMetrics)(nil)

// NewFanoutMetrics creates and registers fan-out metrics on reg.
func NewFanoutMetrics(reg prometheus.Registerer) *FanoutMetrics {
	m := &FanoutMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "active_connections",
			Help:      "Number of live push subscriptions.",
		}),
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "publishes_total",
			Help:      "Events fanned out, by topic and whether they were produced locally or relayed.",
		}, []string{"topic", "source"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "deliveries_total",
			Help:      "Per-connection push attempts, by topic and result.",
		}, []string{"topic", "result"}),
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "requests_total",
			Help:      "Poll requests, by topic and result.",
		}, []string{"topic", "result"}),
		PollEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "events_returned_total",
			Help:      "Events returned by polls, by topic.",
		}, []string{"topic"}),
	}

	reg.MustRegister(m.ActiveConnections, m.Publishes, m.Deliveries, m.Polls, m.PollEvents)
	return m
}

// ObservePublish implements fanout.Observer.
func (m *FanoutMetrics) ObservePublish(topic fanout.Topic, source string, report fanout.DeliveryReport) {
	t := string(topic)
	m.Publishes.WithLabelValues(t, source).Inc()
	m.Deliveries.WithLabelValues(t, "ok").Add(float64(report.Succeeded))
	m.Deliveries.WithLabelValues(t, "failed").Add(float64(report.Failed))
}

// SetActiveConnections is meant for fanout.Registry.OnChange.
func (m *FanoutMetrics) SetActiveConnections(live int) {
	m.ActiveConnections.Set(float64(live))
}

// ObservePoll records one poll. A nil err counts as "ok", anything else as
// "error".
func (m *FanoutMetrics) ObservePoll(topic fanout.Topic, events int, err error) {
	t := string(topic)
	if err != nil {
		m.Polls.WithLabelValues(t, "error").Inc()
		return
	}
	m.Polls.WithLabelValues(t, "ok").Inc()
	m.PollEvents.WithLabelValues(t).Add(float64(events))
}
