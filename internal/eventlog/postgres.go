package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JJSiabato/silent-alarm/internal/fanout"
)

// Postgres is the durable Log backed by the events table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres log over pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Append inserts r. The id is generated here, created_at by the database.
func (p *Postgres) Append(ctx context.Context, r Record) (fanout.Event, error) {
	if err := r.validate(); err != nil {
		return fanout.Event{}, err
	}
	payload := r.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	e := fanout.Event{
		ID:      uuid.New().String(),
		Topic:   r.Topic,
		Origin:  r.Origin,
		Payload: payload,
	}
	err := p.pool.QueryRow(ctx,
		`INSERT INTO events (id, topic, origin_subscriber, payload)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		e.ID, string(e.Topic), string(e.Origin), []byte(payload),
	).Scan(&e.CreatedAt)
	if err != nil {
		return fanout.Event{}, fmt.Errorf("insert event: %w", err)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

// Since implements fanout.EventLog. It returns the oldest qualifying events
// so that a caller clamping its watermark to the page maximum resumes
// exactly where the page ended.
func (p *Postgres) Since(ctx context.Context, topic fanout.Topic, after time.Time, excluding fanout.SubscriberID, limit int) ([]fanout.Event, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id::text, topic, origin_subscriber, payload, created_at
		 FROM events
		 WHERE topic = $1 AND created_at > $2 AND origin_subscriber <> $3
		 ORDER BY created_at ASC
		 LIMIT $4`,
		string(topic), after, string(excluding), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events since %s: %w", after.Format(time.RFC3339Nano), err)
	}
	return collect(rows)
}

// Recent implements Log.
func (p *Postgres) Recent(ctx context.Context, topic fanout.Topic, limit int) ([]fanout.Event, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id::text, topic, origin_subscriber, payload, created_at
		 FROM events
		 WHERE topic = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		string(topic), clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]fanout.Event, error) {
	defer rows.Close()

	events := []fanout.Event{}
	for rows.Next() {
		var (
			e      fanout.Event
			topic  string
			origin string
		)
		if err := rows.Scan(&e.ID, &topic, &origin, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Topic = fanout.Topic(topic)
		e.Origin = fanout.SubscriberID(origin)
		e.CreatedAt = e.CreatedAt.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}
