package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/presence/internal/events"
)

// EventTypeHeader carries the event name on every record written by this package.
const EventTypeHeader = "event_type"

// MessageWriter writes records to a topic.
type MessageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

// KafkaProducer keeps one synchronous writer per topic, created on first use.
type KafkaProducer struct {
	brokers []string
	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafkaProducer creates a KafkaProducer.
func NewKafkaProducer(brokers []string) *KafkaProducer {
	return &KafkaProducer{
		brokers: brokers,
		writers: make(map[string]*kafka.Writer),
	}
}

// WriteMessages writes msgs to topic.
func (p *KafkaProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	return p.writer(topic).WriteMessages(ctx, msgs...)
}

func (p *KafkaProducer) writer(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}
	// Hash balancing keeps the events of one user on one partition.
	w := &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		BatchTimeout: 10 * time.Millisecond,
	}
	p.writers[topic] = w
	return w
}

// Close flushes and releases every writer.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	for topic, w := range p.writers {
		err = errors.Join(err, w.Close())
		delete(p.writers, topic)
	}
	return err
}

// KafkaPublisher writes presence events straight to Kafka, without the Postgres outbox.
// Records are Confluent-framed when a schema registry is configured.
type KafkaPublisher struct {
	producer MessageWriter
	registry SchemaRegistrar
	topic    string
	schemas  *schemaCache
}

// NewKafkaPublisher constructs a KafkaPublisher. registry may be nil.
func NewKafkaPublisher(producer MessageWriter, registry SchemaRegistrar, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
		registry: registry,
		topic:    topic,
		schemas:  newSchemaCache(registry),
	}
}

// Publish implements events.Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event.Name, err)
	}

	value := payload
	if p.registry != nil {
		schemaID, err := p.schemas.id(ctx, SubjectForTopic(p.topic), event.Name)
		if err != nil {
			return err
		}
		value = encodeWireFormat(schemaID, payload)
	}

	record := kafka.Message{
		Key:     []byte(event.Key),
		Value:   value,
		Time:    time.Now().UTC(),
		Headers: []kafka.Header{{Key: EventTypeHeader, Value: []byte(event.Name)}},
	}
	if err := p.producer.WriteMessages(ctx, p.topic, record); err != nil {
		failedCounter.Inc()
		return err
	}
	deliveredCounter.Inc()
	return nil
}
