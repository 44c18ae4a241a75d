package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/JJSiabato/silent-alarm/internal/fanout"
	"github.com/JJSiabato/silent-alarm/internal/notify"
)

const (
	// DefaultPollInterval is the cadence of the poll path while push is down.
	DefaultPollInterval = 5 * time.Second
	// maxPages bounds how many full pages one poll tick drains.
	maxPages = 10
)

// Config configures a Watcher.
type Config struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL string
	// Token is the session token sent as a Bearer header.
	Token  string
	Topics []fanout.Topic

	PollInterval    time.Duration
	ConnectTimeout  time.Duration
	NotificationTTL time.Duration

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Clock      clockwork.Clock

	// OnStateChange is called after every push health transition.
	OnStateChange func(from, to State)
}

// pushMessage mirrors what the WebSocket endpoint writes for each event.
type pushMessage struct {
	Type  string       `json:"type"`
	Event fanout.Event `json:"event"`
}

// Watcher keeps one subscriber's notifications current. Events arriving on
// both paths are displayed once.
type Watcher struct {
	cfg      Config
	clock    clockwork.Clock
	health   *Health
	active   *notify.ActiveSet
	onNotify func(notify.View)

	mu    sync.Mutex
	since map[fanout.Topic]time.Time
}

// NewWatcher creates a Watcher. onNotify is called once for every newly
// displayed notification, from the goroutine that received it.
func NewWatcher(cfg Config, onNotify func(notify.View)) *Watcher {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = fanout.AllTopics
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	w := &Watcher{
		cfg:      cfg,
		clock:    cfg.Clock,
		active:   notify.NewActiveSet(cfg.Clock, cfg.NotificationTTL),
		onNotify: onNotify,
		since:    make(map[fanout.Topic]time.Time),
	}
	w.health = NewHealth(cfg.Clock, cfg.ConnectTimeout, func(from, to State) {
		log.Printf("client: push %s -> %s", from, to)
		if cfg.OnStateChange != nil {
			cfg.OnStateChange(from, to)
		}
	})
	return w
}

// State returns the push health.
func (w *Watcher) State() State {
	return w.health.State()
}

// Active lists the notifications currently on screen, newest first.
func (w *Watcher) Active() []notify.View {
	return w.active.List()
}

// Dismiss removes a notification before its TTL.
func (w *Watcher) Dismiss(id string) {
	w.active.Remove(id)
}

// Run drives both paths until ctx ends. Only events created after Run starts
// are shown.
func (w *Watcher) Run(ctx context.Context) error {
	now := w.clock.Now()
	w.mu.Lock()
	for _, t := range w.cfg.Topics {
		w.since[t] = now
	}
	w.mu.Unlock()

	w.health.Start()
	defer w.health.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.pushLoop(ctx)
	}()

	w.pollLoop(ctx)
	wg.Wait()
	return ctx.Err()
}

// pushLoop keeps the WebSocket open, reconnecting with exponential backoff.
func (w *Watcher) pushLoop(ctx context.Context) {
	attempt := 0
	for {
		err := w.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		w.health.Disconnected()

		attempt++
		delay := backoff(attempt)
		log.Printf("client: push disconnected (attempt %d), reconnecting in %v: %v", attempt, delay, err)

		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(delay):
		}
	}
}

// stream dials once and reads until the connection drops.
func (w *Watcher) stream(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+w.cfg.Token)

	conn, resp, err := w.cfg.Dialer.DialContext(ctx, w.wsURL(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	w.health.Connected()

	// Events created between the last poll and this connection were missed
	// by both paths. Until a catch-up poll covers them, pushed events must not
	// move the cursors past them.
	synced := w.catchUp(ctx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var msg pushMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("client: ignoring malformed push message: %v", err)
			continue
		}
		w.display(msg.Event)
		if synced {
			w.advance(msg.Event.Topic, msg.Event.CreatedAt)
		}
	}
}

// catchUp polls every topic once and reports whether all of them were
// drained.
func (w *Watcher) catchUp(ctx context.Context) bool {
	synced := true
	for _, t := range w.cfg.Topics {
		drained, err := w.poll(ctx, t)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("client: catch-up poll %s: %v", t, err)
			}
			synced = false
			continue
		}
		synced = synced && drained
	}
	return synced
}

func (w *Watcher) wsURL() string {
	base := w.cfg.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	topics := make([]string, len(w.cfg.Topics))
	for i, t := range w.cfg.Topics {
		topics[i] = string(t)
	}
	return base + "/ws?topics=" + url.QueryEscape(strings.Join(topics, ","))
}

// pollLoop polls every topic on each tick while push is not healthy.
func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := w.clock.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if !w.health.ShouldPoll() {
				continue
			}
			for _, t := range w.cfg.Topics {
				if _, err := w.poll(ctx, t); err != nil && ctx.Err() == nil {
					log.Printf("client: poll %s: %v", t, err)
				}
			}
		}
	}
}

// checkResponse is the body of GET /api/{topic}/check. Events are listed
// under the topic name with their payload fields inlined.
type checkResponse struct {
	Items     []map[string]json.RawMessage
	NextSince time.Time
	More      bool
}

// poll drains up to maxPages of topic and reports whether nothing is left.
func (w *Watcher) poll(ctx context.Context, topic fanout.Topic) (bool, error) {
	for page := 0; page < maxPages; page++ {
		w.mu.Lock()
		since := w.since[topic]
		w.mu.Unlock()

		res, err := w.check(ctx, topic, since)
		if err != nil {
			return false, err
		}
		// Oldest first, so the screen ends with the newest on top.
		for i := len(res.Items) - 1; i >= 0; i-- {
			event, err := unflatten(topic, res.Items[i])
			if err != nil {
				log.Printf("client: skipping polled %s: %v", topic, err)
				continue
			}
			w.display(event)
		}
		w.advance(topic, res.NextSince)

		if !res.More {
			return true, nil
		}
	}
	return false, nil
}

// advance moves the cursor of topic forward to at. It never moves back.
func (w *Watcher) advance(topic fanout.Topic, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cur, ok := w.since[topic]; ok && at.After(cur) {
		w.since[topic] = at
	}
}

func (w *Watcher) check(ctx context.Context, topic fanout.Topic, since time.Time) (checkResponse, error) {
	u := fmt.Sprintf("%s/api/%s/check?since=%s", w.cfg.BaseURL, topic, url.QueryEscape(since.UTC().Format(time.RFC3339Nano)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return checkResponse{}, err
	}
	req.Header.Set("Authorization", "Bearer "+w.cfg.Token)

	resp, err := w.cfg.HTTPClient.Do(req)
	if err != nil {
		return checkResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return checkResponse{}, fmt.Errorf("check %s: status %d: %s", topic, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return checkResponse{}, fmt.Errorf("decode check response: %w", err)
	}
	var out checkResponse
	if items, ok := raw[string(topic)]; ok {
		if err := json.Unmarshal(items, &out.Items); err != nil {
			return checkResponse{}, fmt.Errorf("decode %s: %w", topic, err)
		}
	}
	if v, ok := raw["nextSince"]; ok {
		if err := json.Unmarshal(v, &out.NextSince); err != nil {
			return checkResponse{}, fmt.Errorf("decode nextSince: %w", err)
		}
	}
	if v, ok := raw["more"]; ok {
		_ = json.Unmarshal(v, &out.More)
	}
	return out, nil
}

var errMissingID = errors.New("event without id")

// unflatten rebuilds an event from a check item, putting every field other
// than id, user_id and created_at back into the payload.
func unflatten(topic fanout.Topic, item map[string]json.RawMessage) (fanout.Event, error) {
	e := fanout.Event{Topic: topic}
	if err := json.Unmarshal(item["id"], &e.ID); err != nil || e.ID == "" {
		return fanout.Event{}, errMissingID
	}
	if v, ok := item["user_id"]; ok {
		_ = json.Unmarshal(v, &e.Origin)
	}
	if v, ok := item["created_at"]; ok {
		_ = json.Unmarshal(v, &e.CreatedAt)
	}

	payload := make(map[string]json.RawMessage, len(item))
	for k, v := range item {
		switch k {
		case "id", "user_id", "created_at":
		default:
			payload[k] = v
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fanout.Event{}, err
	}
	e.Payload = data
	return e, nil
}

func (w *Watcher) display(event fanout.Event) {
	v, err := notify.Project(event, w.clock.Now())
	if err != nil {
		log.Printf("client: cannot display %s: %v", event.ID, err)
		return
	}
	if w.active.Add(v) && w.onNotify != nil {
		w.onNotify(v)
	}
}

// backoff returns an exponential backoff duration capped at 60s.
func backoff(attempt int) time.Duration {
	base := time.Second
	max := 60 * time.Second
	if attempt >= 6 {
		return max
	}
	d := time.Duration(math.Pow(2, float64(attempt))) * base
	if d > max {
		return max
	}
	return d
}
