package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds configuration for the Kafka broker.
type KafkaConfig struct {
	Brokers []string
	// ConsumerGroup must be unique per instance: every instance needs every
	// event, so instances never share a group.
	ConsumerGroup string
}

// KafkaBroker implements Broker over Apache Kafka.
type KafkaBroker struct {
	config  KafkaConfig
	writer  *kafka.Writer
	mu      sync.Mutex
	readers map[string]*kafkaSubscription
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc

	// wait pauses between failed reads.
	wait func(ctx context.Context, d time.Duration) bool
}

// messageReader is the part of *kafka.Reader a consumer uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type kafkaSubscription struct {
	id      string
	reader  messageReader
	handler Handler
	cancel  context.CancelFunc
}

const (
	readRetryMin = 100 * time.Millisecond
	readRetryMax = 30 * time.Second
)

// readRetryDelay doubles from readRetryMin for each consecutive read
// failure, capped at readRetryMax.
func readRetryDelay(failures int) time.Duration {
	d := readRetryMin
	for i := 1; i < failures && d < readRetryMax; i++ {
		d *= 2
	}
	return min(d, readRetryMax)
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// NewKafkaBroker creates the shared producer. Consumers are created per
// subscription.
func NewKafkaBroker(config KafkaConfig) (*KafkaBroker, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("at least one Kafka broker address is required")
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = "silent-alarm-" + uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}

	return &KafkaBroker{
		config:  config,
		writer:  writer,
		readers: make(map[string]*kafkaSubscription),
		ctx:     ctx,
		cancel:  cancel,
		wait:    sleepCtx,
	}, nil
}

// Publish writes env keyed by topic so events of one topic stay ordered on a
// single partition.
func (b *KafkaBroker) Publish(ctx context.Context, channel string, env Envelope) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errBrokerClosed
	}

	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	msg := kafka.Message{
		Topic: channel,
		Key:   []byte(env.Event.Topic),
		Value: value,
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

// Subscribe starts a consumer for channel. It reads only messages written
// after it joins; history is served from the event log.
func (b *KafkaBroker) Subscribe(channel string, handler Handler) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", errBrokerClosed
	}

	id := uuid.New().String()
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.config.Brokers,
		Topic:       channel,
		GroupID:     b.config.ConsumerGroup,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})

	subCtx, subCancel := context.WithCancel(b.ctx)
	sub := &kafkaSubscription{
		id:      id,
		reader:  reader,
		handler: handler,
		cancel:  subCancel,
	}
	b.readers[id] = sub

	go b.consumeLoop(subCtx, sub)
	return id, nil
}

// Close shuts down all consumers and the producer.
func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.cancel()

	var firstErr error
	for _, sub := range b.readers {
		sub.cancel()
		if err := sub.reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (b *KafkaBroker) consumeLoop(ctx context.Context, sub *kafkaSubscription) {
	failures := 0
	for {
		msg, err := sub.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			delay := readRetryDelay(failures)
			log.Printf("relay: kafka consumer %s error (retrying in %v): %v", sub.id, delay, err)
			if !b.wait(ctx, delay) {
				return
			}
			continue
		}
		failures = 0

		var env Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			log.Printf("relay: kafka consumer %s: unmarshal error: %v", sub.id, err)
			continue
		}
		sub.handler(env)
	}
}
