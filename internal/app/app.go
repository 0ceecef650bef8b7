// Package app assembles the shared backends from configuration for the presence commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"example.com/presence/internal/config"
	"example.com/presence/internal/events"
	"example.com/presence/internal/outbox"
	"example.com/presence/internal/store"
	pgstore "example.com/presence/internal/store/postgres"
	redisstore "example.com/presence/internal/store/redis"
)

// Backends holds the keyed store and the clients behind it.
type Backends struct {
	Store store.Store
	// Pool is set for the postgres backend only.
	Pool  *pgxpool.Pool
	Redis *redis.Client
}

// Close releases every client.
func (b *Backends) Close() error {
	var err error
	if b.Pool != nil {
		b.Pool.Close()
	}
	if b.Redis != nil {
		err = errors.Join(err, b.Redis.Close())
	}
	return err
}

// OpenBackends connects the configured store and verifies it is reachable.
func OpenBackends(ctx context.Context, cfg config.Config) (*Backends, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		return &Backends{Store: store.NewMemoryStore()}, nil
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		s := pgstore.NewStore(pool)
		if err := s.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return &Backends{Store: s, Pool: pool}, nil
	case config.StoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		s := redisstore.NewStore(client, cfg.RedisKeyPrefix)
		if err := s.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return &Backends{Store: s, Redis: client}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// Publishing is the configured event publisher. Dispatcher is set in outbox mode and must be
// started by the caller.
type Publishing struct {
	Publisher  events.Publisher
	Dispatcher *outbox.Dispatcher
	producer   *outbox.KafkaProducer
}

// Close flushes the Kafka writers.
func (p *Publishing) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// BuildPublishing wires the publisher selected by PublisherMode.
func BuildPublishing(cfg config.Config, backends *Backends, logger *log.Logger) (*Publishing, error) {
	if cfg.PublisherMode == config.PublisherNone {
		return &Publishing{Publisher: events.NoopPublisher{}}, nil
	}

	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	var registry outbox.SchemaRegistrar
	if cfg.SchemaRegistryURL != "" {
		registry = outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
	}

	switch cfg.PublisherMode {
	case config.PublisherKafka:
		return &Publishing{
			Publisher: outbox.NewKafkaPublisher(producer, registry, cfg.PresenceTopic),
			producer:  producer,
		}, nil
	case config.PublisherOutbox:
		if backends.Pool == nil {
			_ = producer.Close()
			return nil, fmt.Errorf("outbox publisher requires the postgres backend")
		}
		dispatcher := outbox.NewDispatcher(backends.Pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize,
			outbox.WithDispatcherLogger(logger))
		return &Publishing{
			Publisher:  outbox.NewPublisher(backends.Pool, cfg.PresenceTopic),
			Dispatcher: dispatcher,
			producer:   producer,
		}, nil
	default:
		_ = producer.Close()
		return nil, fmt.Errorf("unknown publisher mode %q", cfg.PublisherMode)
	}
}
