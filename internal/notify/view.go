// Package notify turns delivered events into the notifications a user sees,
// and keeps the per-subscriber set of notifications currently on screen.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/JJSiabato/silent-alarm/internal/fanout"
)

// Type distinguishes silent alerts from suspicious-activity reports.
type Type string

const (
	TypeAlert  Type = "alert"
	TypeReport Type = "report"
)

const (
	alertMessage    = "🚨 Nueva alerta silenciosa"
	defaultLocation = "Ubicación cercana"
	defaultCategory = "Actividad sospechosa"
)

// categoryLabels maps report categories to their display label.
var categoryLabels = map[string]string{
	"persona_desconocida": "👤 Persona desconocida",
	"vehiculo_sospechoso": "🚗 Vehículo sospechoso",
	"ruido_extraño":       "🔊 Ruido extraño",
	"otro":                "❓ Otro",
}

// View is the client-facing projection of an event.
type View struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Location  string    `json:"location"`
	Timestamp time.Time `json:"timestamp"`
	Type      Type      `json:"type"`
}

// payload is the subset of alert/report payload fields a View needs.
type payload struct {
	Category     string `json:"category"`
	LocationText string `json:"location_text"`
}

// Project builds the View for event, stamped with displayedAt.
func Project(event fanout.Event, displayedAt time.Time) (View, error) {
	var p payload
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return View{}, fmt.Errorf("decode payload of %s: %w", event.ID, err)
		}
	}

	v := View{
		ID:        event.ID,
		Location:  p.LocationText,
		Timestamp: displayedAt,
	}
	if v.Location == "" {
		v.Location = defaultLocation
	}

	switch event.Topic {
	case fanout.TopicAlerts:
		v.Type = TypeAlert
		v.Message = alertMessage
	case fanout.TopicReports:
		v.Type = TypeReport
		label, ok := categoryLabels[p.Category]
		if !ok {
			label = defaultCategory
		}
		v.Message = "⚠️ " + label
	default:
		return View{}, fmt.Errorf("%w: %q", fanout.ErrInvalidTopic, event.Topic)
	}
	return v, nil
}
