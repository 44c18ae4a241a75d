// Package incidents is the HTTP surface of the service: producers create
// alerts and reports here, and clients without a live push connection poll
// for them.
package incidents

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/JJSiabato/silent-alarm/internal/fanout"
)

// ErrInvalidInput marks a request body that fails validation.
var ErrInvalidInput = errors.New("invalid input")

const (
	maxLocationText = 500
	maxDescription  = 2000
	maxCategory     = 64
)

// AlertInput is the body of POST /api/alerts.
type AlertInput struct {
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	LocationText string   `json:"location_text"`
}

// ReportInput is the body of POST /api/reports.
type ReportInput struct {
	Category     string   `json:"category"`
	Description  string   `json:"description"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	LocationText string   `json:"location_text"`
}

// alertPayload and reportPayload are what the event log stores as the event
// payload. Field names match what clients read from pushed events.
type alertPayload struct {
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	LocationText string  `json:"location_text,omitempty"`
}

type reportPayload struct {
	Category     string  `json:"category"`
	Description  string  `json:"description,omitempty"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	LocationText string  `json:"location_text,omitempty"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func validCoordinates(lat, lon *float64) (float64, float64, error) {
	if lat == nil || lon == nil {
		return 0, 0, invalid("latitude and longitude are required")
	}
	if *lat < -90 || *lat > 90 {
		return 0, 0, invalid("latitude %g out of range", *lat)
	}
	if *lon < -180 || *lon > 180 {
		return 0, 0, invalid("longitude %g out of range", *lon)
	}
	return *lat, *lon, nil
}

func checkLength(field, v string, max int) error {
	if utf8.RuneCountInString(v) > max {
		return invalid("%s longer than %d characters", field, max)
	}
	return nil
}

func (in AlertInput) payload() (json.RawMessage, error) {
	lat, lon, err := validCoordinates(in.Latitude, in.Longitude)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(in.LocationText)
	if err := checkLength("location_text", text, maxLocationText); err != nil {
		return nil, err
	}
	return json.Marshal(alertPayload{Latitude: lat, Longitude: lon, LocationText: text})
}

func (in ReportInput) payload() (json.RawMessage, error) {
	category := strings.TrimSpace(in.Category)
	if category == "" {
		return nil, invalid("category is required")
	}
	if err := checkLength("category", category, maxCategory); err != nil {
		return nil, err
	}
	lat, lon, err := validCoordinates(in.Latitude, in.Longitude)
	if err != nil {
		return nil, err
	}
	desc := strings.TrimSpace(in.Description)
	if err := checkLength("description", desc, maxDescription); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(in.LocationText)
	if err := checkLength("location_text", text, maxLocationText); err != nil {
		return nil, err
	}
	return json.Marshal(reportPayload{
		Category:     category,
		Description:  desc,
		Latitude:     lat,
		Longitude:    lon,
		LocationText: text,
	})
}

// Flatten renders an event the way the check endpoints list it: the
// payload fields next to id, user_id and created_at.
func Flatten(e fanout.Event) map[string]any {
	out := make(map[string]any)
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &out); err != nil || out == nil {
			out = make(map[string]any)
		}
	}
	out["id"] = e.ID
	out["user_id"] = string(e.Origin)
	out["created_at"] = e.CreatedAt
	return out
}
