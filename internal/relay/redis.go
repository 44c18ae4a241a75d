package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// RedisBroker implements Broker over Redis Pub/Sub. Delivery is at most once,
// which is all push needs.
type RedisBroker struct {
	rdb *goredis.Client

	mu     sync.Mutex
	subs   map[string]*goredis.PubSub
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisBroker parses url (redis://...) and creates a client. The
// connection is established lazily.
func NewRedisBroker(url string) (*RedisBroker, error) {
	if url == "" {
		return nil, errors.New("redis URL is required")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBroker{
		rdb:    goredis.NewClient(opts),
		subs:   make(map[string]*goredis.PubSub),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Publish implements Broker.
func (b *RedisBroker) Publish(ctx context.Context, channel string, env Envelope) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errBrokerClosed
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe implements Broker.
func (b *RedisBroker) Subscribe(channel string, handler Handler) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", errBrokerClosed
	}

	id := uuid.New().String()
	sub := b.rdb.Subscribe(b.ctx, channel)
	b.subs[id] = sub

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		msgCh := sub.Channel()
		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.Printf("relay: redis subscription %s: unmarshal error: %v", id, err)
					continue
				}
				handler(env)
			case <-b.ctx.Done():
				return
			}
		}
	}()
	return id, nil
}

// Close unsubscribes everything and closes the client.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cancel()

	var firstErr error
	for _, sub := range b.subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
	if err := b.rdb.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
