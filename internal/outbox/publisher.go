package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/presence/internal/events"
)

const aggregateUser = "user"

// Publisher records presence events in the outbox table; the Dispatcher relays them.
type Publisher struct {
	pool  *pgxpool.Pool
	topic string
}

// NewPublisher constructs a Publisher writing events destined for topic.
func NewPublisher(pool *pgxpool.Pool, topic string) *Publisher {
	return &Publisher{pool: pool, topic: topic}
}

// Publish implements events.Publisher.
func (p *Publisher) Publish(ctx context.Context, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event.Name, err)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
                  VALUES ($1,$2,$3,$4,$5,$6,$7)`

	if _, err := p.pool.Exec(ctx, stmt,
		aggregateUser,
		event.Key,
		event.Name,
		p.topic,
		SubjectForTopic(p.topic),
		event.Key,
		payload,
	); err != nil {
		return fmt.Errorf("insert outbox %s: %w", event.Name, err)
	}
	enqueuedCounter.WithLabelValues(event.Name).Inc()
	return nil
}
