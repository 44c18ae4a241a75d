package incidents

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/JJSiabato/silent-alarm/internal/auth"
	"github.com/JJSiabato/silent-alarm/internal/fanout"
	"github.com/JJSiabato/silent-alarm/internal/httputil"
)

const (
	maxBodyBytes = 16 << 10
	// retryAfter is the Retry-After hint when the event log is down. It
	// matches the client poll cadence.
	retryAfter = 5 * time.Second
)

// Handlers provides HTTP handlers for the incidents API. Every route expects
// AuthMiddleware to have run.
type Handlers struct {
	svc *Service
}

func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// RegisterRoutes wires the incident endpoints. producerLimit, when not nil,
// wraps the two create endpoints.
func (h *Handlers) RegisterRoutes(r *mux.Router, producerLimit mux.MiddlewareFunc) {
	create := func(f http.HandlerFunc) http.Handler {
		if producerLimit == nil {
			return f
		}
		return producerLimit(f)
	}

	r.Handle("/api/alerts", create(h.CreateAlert)).Methods(http.MethodPost)
	r.Handle("/api/reports", create(h.CreateReport)).Methods(http.MethodPost)
	r.HandleFunc("/api/{topic:alerts|reports}/check", h.Check).Methods(http.MethodGet)
	r.HandleFunc("/api/{topic:alerts|reports}", h.History).Methods(http.MethodGet)
	r.HandleFunc("/api/events/status", h.Status).Methods(http.MethodGet)
	r.HandleFunc("/api/events/{topic}/poll", h.Poll).Methods(http.MethodGet)
}

func identity(r *http.Request) fanout.SubscriberID {
	return fanout.SubscriberID(auth.UserIDFromContext(r.Context()))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeServiceError maps domain errors onto status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, fanout.ErrInvalidTopic):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, fanout.ErrSubscriberNotFound):
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, fanout.ErrEventLogUnavailable):
		log.Printf("incidents: %v", err)
		httputil.WriteRetryable(w, http.StatusServiceUnavailable, retryAfter, "event log unavailable")
	default:
		log.Printf("incidents: %v", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

// createdResponse is the body of a successful create. Delivered is the
// number of live connections the event was pushed to on this instance.
type createdResponse struct {
	Success   bool           `json:"success"`
	Event     map[string]any `json:"event"`
	Delivered int            `json:"delivered"`
}

// CreateAlert handles POST /api/alerts
func (h *Handlers) CreateAlert(w http.ResponseWriter, r *http.Request) {
	var in AlertInput
	if !decode(w, r, &in) {
		return
	}
	event, report, err := h.svc.CreateAlert(r.Context(), identity(r), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, createdResponse{Success: true, Event: Flatten(event), Delivered: report.Succeeded})
}

// CreateReport handles POST /api/reports
func (h *Handlers) CreateReport(w http.ResponseWriter, r *http.Request) {
	var in ReportInput
	if !decode(w, r, &in) {
		return
	}
	event, report, err := h.svc.CreateReport(r.Context(), identity(r), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, createdResponse{Success: true, Event: Flatten(event), Delivered: report.Succeeded})
}

func writePoll(w http.ResponseWriter, topic fanout.Topic, res fanout.PollResult) {
	items := make([]map[string]any, 0, len(res.Events))
	for _, e := range res.Events {
		items = append(items, Flatten(e))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		string(topic): items,
		"nextSince":   res.NextSince.UTC().Format(time.RFC3339Nano),
		"more":        res.More,
	})
}

// Check handles GET /api/{topic}/check?since=RFC3339
func (h *Handlers) Check(w http.ResponseWriter, r *http.Request) {
	topic, err := fanout.ParseTopic(mux.Vars(r)["topic"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	raw := r.URL.Query().Get("since")
	if raw == "" {
		httputil.WriteError(w, http.StatusBadRequest, `query parameter "since" is required`)
		return
	}
	since, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, `query parameter "since" must be RFC 3339`)
		return
	}

	res, err := h.svc.Check(r.Context(), identity(r), topic, since)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writePoll(w, topic, res)
}

// Poll handles GET /api/events/{topic}/poll
func (h *Handlers) Poll(w http.ResponseWriter, r *http.Request) {
	topic, err := fanout.ParseTopic(mux.Vars(r)["topic"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	res, err := h.svc.Poll(r.Context(), identity(r), topic)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writePoll(w, topic, res)
}

// History handles GET /api/{topic}?limit=N
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	topic, err := fanout.ParseTopic(mux.Vars(r)["topic"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := h.svc.Recent(r.Context(), topic, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(events))
	for _, e := range events {
		items = append(items, Flatten(e))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{string(topic): items})
}

// Status handles GET /api/events/status
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.svc.Status())
}
