package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/JJSiabato/silent-alarm/internal/fanout"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// pongWait is the maximum time to wait for a pong reply from the peer.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize is the maximum inbound message size in bytes.
	maxMessageSize = 4096
	sendBuffer     = 256
)

var errClientClosed = errors.New("ws: client closed")

// Message is what the server writes for every pushed event.
type Message struct {
	Type  string       `json:"type"` // new_alert | new_report
	Event fanout.Event `json:"event"`
}

// controlMessage lets a connected client change its topics without
// reconnecting.
type controlMessage struct {
	Action string `json:"action"` // "subscribe" | "unsubscribe"
	Topic  string `json:"topic"`
}

// Client is one WebSocket connection. It implements fanout.Conn; a single
// Client may hold one registry handle per topic.
type Client struct {
	ID     string
	UserID fanout.SubscriberID

	conn     *websocket.Conn
	registry *fanout.Registry
	send     chan []byte
	done     chan struct{}
	once     sync.Once

	mu      sync.Mutex
	handles map[fanout.Topic]*fanout.Handle
}

var _ fanout.Conn = (*Client)(nil)

// NewClient wraps conn for userID. Topics are added with Subscribe.
func NewClient(registry *fanout.Registry, conn *websocket.Conn, userID fanout.SubscriberID) *Client {
	return &Client{
		ID:       uuid.New().String(),
		UserID:   userID,
		conn:     conn,
		registry: registry,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		handles:  make(map[fanout.Topic]*fanout.Handle),
	}
}

// Send queues event for the write pump. It fails once the client is closed
// or when ctx ends before the buffer has room.
func (c *Client) Send(ctx context.Context, event fanout.Event) error {
	data, err := json.Marshal(Message{Type: event.Topic.PushName(), Event: event})
	if err != nil {
		return fmt.Errorf("marshal push message: %w", err)
	}
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the write pump, which sends a close frame and closes the
// socket. Safe to call more than once.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Subscribe adds topic to the client's subscriptions. Subscribing twice to
// the same topic is a no-op.
func (c *Client) Subscribe(topic fanout.Topic) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.handles[topic]; ok {
		return nil
	}
	h, err := c.registry.Subscribe(c.UserID, topic, c)
	if err != nil {
		return err
	}
	c.handles[topic] = h
	return nil
}

// Unsubscribe drops topic. Unknown topics are ignored.
func (c *Client) Unsubscribe(topic fanout.Topic) {
	c.mu.Lock()
	h, ok := c.handles[topic]
	delete(c.handles, topic)
	c.mu.Unlock()

	if ok {
		c.registry.Unsubscribe(h)
	}
}

// Topics returns the topics currently subscribed.
func (c *Client) Topics() []fanout.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]fanout.Topic, 0, len(c.handles))
	for _, t := range fanout.AllTopics {
		if _, ok := c.handles[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (c *Client) unsubscribeAll() {
	c.mu.Lock()
	handles := c.handles
	c.handles = make(map[fanout.Topic]*fanout.Handle)
	c.mu.Unlock()

	for _, h := range handles {
		c.registry.Unsubscribe(h)
	}
}

// ReadPump reads control messages until the peer goes away, then removes
// every subscription of the client. It runs in its own goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.unsubscribeAll()
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("ws: client %s read error: %v", c.ID, err)
			}
			return
		}

		var cm controlMessage
		if err := json.Unmarshal(msg, &cm); err != nil {
			log.Printf("ws: client %s sent invalid control message: %v", c.ID, err)
			continue
		}
		topic, err := fanout.ParseTopic(cm.Topic)
		if err != nil {
			log.Printf("ws: client %s: %v", c.ID, err)
			continue
		}

		switch cm.Action {
		case "subscribe":
			if err := c.Subscribe(topic); err != nil {
				log.Printf("ws: client %s subscribe %s: %v", c.ID, topic, err)
			}
		case "unsubscribe":
			c.Unsubscribe(topic)
		default:
			log.Printf("ws: client %s unknown action %q", c.ID, cm.Action)
		}
	}
}

// WritePump writes queued messages and keepalive pings. It runs in its own
// goroutine and owns all writes to the socket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
