package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/JJSiabato/silent-alarm/internal/auth"
	"github.com/JJSiabato/silent-alarm/internal/fanout"
	"github.com/JJSiabato/silent-alarm/internal/httputil"
)

// WSHandler upgrades authenticated requests and registers the new client
// with the fan-out registry.
type WSHandler struct {
	registry   *fanout.Registry
	jwtService *auth.JWTService
	upgrader   websocket.Upgrader
}

func NewWSHandler(registry *fanout.Registry, jwtService *auth.JWTService, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		registry:   registry,
		jwtService: jwtService,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewOriginChecker(allowedOrigins),
		},
	}
}

// RegisterRoutes wires the WebSocket endpoint.
func (h *WSHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws", h.ServeWS).Methods(http.MethodGet)
}

// parseTopics reads the comma-separated topics parameter. Absent means every
// topic.
func parseTopics(raw string) ([]fanout.Topic, error) {
	if strings.TrimSpace(raw) == "" {
		return fanout.AllTopics, nil
	}
	var topics []fanout.Topic
	seen := make(map[fanout.Topic]bool)
	for _, part := range strings.Split(raw, ",") {
		t, err := fanout.ParseTopic(part)
		if err != nil {
			return nil, err
		}
		if !seen[t] {
			seen[t] = true
			topics = append(topics, t)
		}
	}
	return topics, nil
}

// ServeWS handles GET /ws?topics=alerts,reports. The session token may come
// from the Authorization header, the token query parameter or the session
// cookie.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	claims, err := h.jwtService.Authenticate(r)
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	topics, err := parseTopics(r.URL.Query().Get("topics"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already wrote the error response.
		return
	}

	client := NewClient(h.registry, conn, fanout.SubscriberID(claims.UserID))
	for _, t := range topics {
		if err := client.Subscribe(t); err != nil {
			log.Printf("ws: client %s subscribe %s: %v", client.ID, t, err)
			client.unsubscribeAll()
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"))
			conn.Close()
			return
		}
	}

	go client.WritePump()
	go client.ReadPump()
}
