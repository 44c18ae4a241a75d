package incidents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JJSiabato/silent-alarm/internal/auth"
	"github.com/JJSiabato/silent-alarm/internal/eventlog"
	"github.com/JJSiabato/silent-alarm/internal/fanout"
)

type captureConn struct {
	mu     sync.Mutex
	events []fanout.Event
}

func (c *captureConn) Send(_ context.Context, e fanout.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureConn) Close() error { return nil }

func (c *captureConn) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.events {
		out = append(out, e.ID)
	}
	return out
}

// brokenLog fails every call, like a database that is down.
type brokenLog struct{}

var errDown = errors.New("connection refused")

func (brokenLog) Append(context.Context, eventlog.Record) (fanout.Event, error) {
	return fanout.Event{}, errDown
}

func (brokenLog) Since(context.Context, fanout.Topic, time.Time, fanout.SubscriberID, int) ([]fanout.Event, error) {
	return nil, errDown
}

func (brokenLog) Recent(context.Context, fanout.Topic, int) ([]fanout.Event, error) {
	return nil, errDown
}

type countingObserver struct {
	mu     sync.Mutex
	polls  int
	errors int
}

func (o *countingObserver) ObservePoll(_ fanout.Topic, _ int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.polls++
	if err != nil {
		o.errors++
	}
}

type fixture struct {
	clock    *clockwork.FakeClock
	registry *fanout.Registry
	router   *mux.Router
	observer *countingObserver
}

func newFixture(t *testing.T, log eventlog.Log) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if log == nil {
		log = eventlog.NewMemory(clock)
	}
	reg := fanout.NewRegistry()
	coord := fanout.NewCoordinator(fanout.NewBus(reg, time.Second))
	cursors := fanout.NewCursorStore(log, fanout.WithClock(clock))
	obs := &countingObserver{}

	r := mux.NewRouter()
	NewHandlers(NewService(log, coord, cursors, reg, obs)).RegisterRoutes(r, nil)
	return &fixture{clock: clock, registry: reg, router: r, observer: obs}
}

func (f *fixture) do(t *testing.T, user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req = req.WithContext(auth.ContextWithClaims(req.Context(), &auth.Claims{UserID: user}))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func ptr(f float64) *float64 { return &f }

func TestCreateAlertPushesToOthers(t *testing.T) {
	f := newFixture(t, nil)
	mine, theirs := &captureConn{}, &captureConn{}
	_, err := f.registry.Subscribe("u1", fanout.TopicAlerts, mine)
	require.NoError(t, err)
	_, err = f.registry.Subscribe("u2", fanout.TopicAlerts, theirs)
	require.NoError(t, err)

	rec := f.do(t, "u1", http.MethodPost, "/api/alerts", AlertInput{
		Latitude: ptr(4.61), Longitude: ptr(-74.08), LocationText: "  Parque Nacional ",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, 1.0, body["delivered"])
	event := body["event"].(map[string]any)
	assert.Equal(t, "u1", event["user_id"])
	assert.Equal(t, "Parque Nacional", event["location_text"])
	assert.Equal(t, 4.61, event["latitude"])

	assert.Empty(t, mine.ids(), "the producer must not be pushed its own alert")
	assert.Equal(t, []string{event["id"].(string)}, theirs.ids())
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, nil)

	cases := []struct {
		name string
		path string
		body any
	}{
		{"malformed json", "/api/alerts", "{"},
		{"missing coordinates", "/api/alerts", AlertInput{LocationText: "x"}},
		{"latitude out of range", "/api/alerts", AlertInput{Latitude: ptr(91), Longitude: ptr(0)}},
		{"longitude out of range", "/api/alerts", AlertInput{Latitude: ptr(0), Longitude: ptr(-181)}},
		{"report without category", "/api/reports", ReportInput{Latitude: ptr(1), Longitude: ptr(1)}},
		{"report without coordinates", "/api/reports", ReportInput{Category: "otro"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, "u1", http.MethodPost, tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	// Zero is a valid coordinate.
	rec := f.do(t, "u1", http.MethodPost, "/api/alerts", AlertInput{Latitude: ptr(0), Longitude: ptr(0)})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreateRequiresIdentity(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, "", http.MethodPost, "/api/alerts", AlertInput{Latitude: ptr(1), Longitude: ptr(1)})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateReportPayload(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, "u1", http.MethodPost, "/api/reports", ReportInput{
		Category: "vehiculo_sospechoso", Description: "Camioneta gris", Latitude: ptr(1), Longitude: ptr(2),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	event := decodeBody(t, rec)["event"].(map[string]any)
	assert.Equal(t, "vehiculo_sospechoso", event["category"])
	assert.Equal(t, "Camioneta gris", event["description"])
	assert.NotContains(t, event, "location_text")
}

func TestCheckClientOwnedPoll(t *testing.T) {
	f := newFixture(t, nil)
	since := f.clock.Now().Add(-time.Second).Format(time.RFC3339Nano)

	f.clock.Advance(time.Second)
	f.do(t, "u1", http.MethodPost, "/api/alerts", AlertInput{Latitude: ptr(1), Longitude: ptr(1)})
	f.clock.Advance(time.Second)
	f.do(t, "u2", http.MethodPost, "/api/alerts", AlertInput{Latitude: ptr(2), Longitude: ptr(2)})

	rec := f.do(t, "u2", http.MethodGet, "/api/alerts/check?since="+since, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	alerts := body["alerts"].([]any)
	require.Len(t, alerts, 1, "u2 must only see u1's alert")
	assert.Equal(t, "u1", alerts[0].(map[string]any)["user_id"])
	assert.Equal(t, false, body["more"])

	next := body["nextSince"].(string)
	rec = f.do(t, "u2", http.MethodGet, "/api/alerts/check?since="+next, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["alerts"])
}

func TestCheckRejectsBadSince(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, "u2", http.MethodGet, "/api/reports/check", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "u2", http.MethodGet, "/api/reports/check?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "u2", http.MethodGet, "/api/chat/check?since=2026-01-01T00:00:00Z", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerOwnedPoll(t *testing.T) {
	f := newFixture(t, nil)

	// Backlog from before the first poll is not returned.
	f.do(t, "u1", http.MethodPost, "/api/reports", ReportInput{Category: "otro", Latitude: ptr(1), Longitude: ptr(1)})
	f.clock.Advance(time.Second)

	rec := f.do(t, "u2", http.MethodGet, "/api/events/reports/poll", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["reports"])

	f.clock.Advance(time.Second)
	f.do(t, "u1", http.MethodPost, "/api/reports", ReportInput{Category: "ruido_extraño", Latitude: ptr(1), Longitude: ptr(1)})

	rec = f.do(t, "u2", http.MethodGet, "/api/events/reports/poll", nil)
	reports := decodeBody(t, rec)["reports"].([]any)
	require.Len(t, reports, 1)
	assert.Equal(t, "ruido_extraño", reports[0].(map[string]any)["category"])

	rec = f.do(t, "u2", http.MethodGet, "/api/events/reports/poll", nil)
	assert.Empty(t, decodeBody(t, rec)["reports"])

	rec = f.do(t, "u2", http.MethodGet, "/api/events/chat/poll", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, 3, f.observer.polls)
}

func TestEventLogDownIs503(t *testing.T) {
	f := newFixture(t, brokenLog{})

	rec := f.do(t, "u1", http.MethodPost, "/api/alerts", AlertInput{Latitude: ptr(1), Longitude: ptr(1)})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))

	rec = f.do(t, "u2", http.MethodGet, "/api/alerts/check?since=2026-01-01T00:00:00Z", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
	assert.Equal(t, 1, f.observer.errors)

	rec = f.do(t, "u2", http.MethodGet, "/api/alerts", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHistoryAndStatus(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.registry.Subscribe("u9", fanout.TopicAlerts, &captureConn{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Second)
		f.do(t, "u1", http.MethodPost, "/api/alerts", AlertInput{Latitude: ptr(float64(i)), Longitude: ptr(1)})
	}

	rec := f.do(t, "u1", http.MethodGet, "/api/alerts?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	alerts := decodeBody(t, rec)["alerts"].([]any)
	require.Len(t, alerts, 2)
	assert.Equal(t, 2.0, alerts[0].(map[string]any)["latitude"], "newest first")

	rec = f.do(t, "u1", http.MethodGet, "/api/events/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, 1, st.LiveConnections)
	assert.Equal(t, f.clock.Now().Format(time.RFC3339Nano), st.LastPublished[fanout.TopicAlerts])
	assert.NotContains(t, st.LastPublished, fanout.TopicReports)
	assert.Equal(t, 180, st.NotificationTTLSeconds)
}

func TestFlattenKeepsEnvelopeFields(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := Flatten(fanout.Event{ID: "e1", Origin: "u1", Payload: []byte(`{"id":"spoofed","category":"otro"}`), CreatedAt: at})
	assert.Equal(t, "e1", out["id"])
	assert.Equal(t, "u1", out["user_id"])
	assert.Equal(t, "otro", out["category"])
	assert.Equal(t, at, out["created_at"])

	out = Flatten(fanout.Event{ID: "e2", Payload: []byte(`not json`)})
	assert.Equal(t, "e2", out["id"])
}
