// Package socketio serves the push path to Socket.IO clients. Events are
// emitted as "new_alert" and "new_report", the names web and mobile clients
// already listen for.
package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zishang520/socket.io/v2/socket"

	"github.com/JJSiabato/silent-alarm/internal/auth"
	"github.com/JJSiabato/silent-alarm/internal/fanout"
)

// Path is where the handler is mounted.
const Path = "/socket.io/"

var errSocketClosed = errors.New("socketio: socket closed")

// Server owns the Socket.IO server and registers every authenticated socket
// with the fan-out registry.
type Server struct {
	io       *socket.Server
	registry *fanout.Registry
	jwt      *auth.JWTService
}

func NewServer(registry *fanout.Registry, jwt *auth.JWTService) *Server {
	s := &Server{
		io:       socket.NewServer(nil, nil),
		registry: registry,
		jwt:      jwt,
	}
	s.io.On("connection", func(clients ...any) {
		client, ok := clients[0].(*socket.Socket)
		if !ok {
			return
		}
		s.onConnection(client)
	})
	return s
}

// Handler serves the Socket.IO transport.
func (s *Server) Handler() http.Handler {
	return s.io.ServeHandler(nil)
}

func (s *Server) onConnection(client *socket.Socket) {
	hs := client.Handshake()
	token, rawTopics := credentials(any(hs.Auth), any(hs.Query))

	claims, err := s.jwt.ValidateToken(token)
	if err != nil {
		log.Printf("socketio: rejecting socket %s: %v", client.Id(), err)
		client.Emit("auth_error", map[string]any{"error": "unauthorized"})
		client.Disconnect(true)
		return
	}

	topics, err := parseTopics(rawTopics)
	if err != nil {
		client.Emit("auth_error", map[string]any{"error": err.Error()})
		client.Disconnect(true)
		return
	}

	c := newConn(string(client.Id()), fanout.SubscriberID(claims.UserID), s.registry,
		client.Emit,
		func() { client.Disconnect(true) },
	)
	for _, t := range topics {
		if err := c.subscribe(t); err != nil {
			log.Printf("socketio: socket %s subscribe %s: %v", c.id, t, err)
			c.unsubscribeAll()
			client.Disconnect(true)
			return
		}
	}

	client.On("subscribe", func(args ...any) {
		for _, t := range topicArgs(args) {
			if err := c.subscribe(t); err != nil {
				log.Printf("socketio: socket %s subscribe %s: %v", c.id, t, err)
			}
		}
	})
	client.On("unsubscribe", func(args ...any) {
		for _, t := range topicArgs(args) {
			c.unsubscribe(t)
		}
	})
	client.On("disconnect", func(...any) {
		c.closed.Store(true)
		c.unsubscribeAll()
	})
}

// conn adapts one socket to fanout.Conn.
type conn struct {
	id         string
	user       fanout.SubscriberID
	registry   *fanout.Registry
	emit       func(ev string, args ...any) error
	disconnect func()
	closed     atomic.Bool

	mu      sync.Mutex
	handles map[fanout.Topic]*fanout.Handle
}

var _ fanout.Conn = (*conn)(nil)

func newConn(id string, user fanout.SubscriberID, registry *fanout.Registry, emit func(string, ...any) error, disconnect func()) *conn {
	return &conn{
		id:         id,
		user:       user,
		registry:   registry,
		emit:       emit,
		disconnect: disconnect,
		handles:    make(map[fanout.Topic]*fanout.Handle),
	}
}

// Send emits event under its push name. The payload goes out as a plain
// JSON object: a raw byte slice would be sent as a binary attachment.
func (c *conn) Send(ctx context.Context, event fanout.Event) error {
	if c.closed.Load() {
		return errSocketClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := eventObject(event)
	if err != nil {
		return err
	}
	return c.emit(event.Topic.PushName(), data)
}

func (c *conn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.disconnect()
	}
	return nil
}

func (c *conn) subscribe(topic fanout.Topic) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handles[topic]; ok {
		return nil
	}
	h, err := c.registry.Subscribe(c.user, topic, c)
	if err != nil {
		return err
	}
	c.handles[topic] = h
	return nil
}

func (c *conn) unsubscribe(topic fanout.Topic) {
	c.mu.Lock()
	h, ok := c.handles[topic]
	delete(c.handles, topic)
	c.mu.Unlock()
	if ok {
		c.registry.Unsubscribe(h)
	}
}

func (c *conn) unsubscribeAll() {
	c.mu.Lock()
	handles := c.handles
	c.handles = make(map[fanout.Topic]*fanout.Handle)
	c.mu.Unlock()
	for _, h := range handles {
		c.registry.Unsubscribe(h)
	}
}

func eventObject(event fanout.Event) (map[string]any, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return obj, nil
}

// credentials pulls the session token and requested topics from the
// handshake. The auth object ({token, topics}) wins over the query string.
func credentials(authObj, query any) (token string, topics []string) {
	if m, ok := authObj.(map[string]any); ok {
		if t, ok := m["token"].(string); ok {
			token = t
		}
		topics = stringList(m["topics"])
	}
	var q map[string][]string
	switch v := query.(type) {
	case url.Values:
		q = v
	case map[string][]string:
		q = v
	}
	if q != nil {
		if token == "" && len(q["token"]) > 0 {
			token = q["token"][0]
		}
		if len(topics) == 0 && len(q["topics"]) > 0 {
			topics = strings.Split(q["topics"][0], ",")
		}
	}
	return token, topics
}

func stringList(v any) []string {
	switch x := v.(type) {
	case string:
		return strings.Split(x, ",")
	case []string:
		return x
	case []any:
		var out []string
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func parseTopics(raw []string) ([]fanout.Topic, error) {
	if len(raw) == 0 {
		return fanout.AllTopics, nil
	}
	var out []fanout.Topic
	for _, r := range raw {
		t, err := fanout.ParseTopic(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// topicArgs reads the topics of a subscribe/unsubscribe event, ignoring
// anything that is not a known topic name.
func topicArgs(args []any) []fanout.Topic {
	var out []fanout.Topic
	for _, a := range args {
		for _, s := range stringList(a) {
			if t, err := fanout.ParseTopic(s); err == nil {
				out = append(out, t)
			}
		}
	}
	return out
}
