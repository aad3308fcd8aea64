package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"clinscribe/internal/models"
	"clinscribe/internal/observability/metrics"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher forwards bus events to Kafka, one topic per event kind.
type Publisher struct {
	writer      messageWriter
	principal   string
	topicPrefix string
	enabled     bool
	metrics     *metrics.Metrics
	log         zerolog.Logger
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers     []string
	TopicPrefix string // prepended to every event topic, e.g. "dev."
	Principal   string
	Enabled     bool
}

// New creates a publisher. Without brokers, or when disabled, events are
// only logged.
func New(cfg *Config, m *metrics.Metrics, log zerolog.Logger) *Publisher {
	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{metrics: m, log: log}
	}

	p := &Publisher{
		principal:   cfg.Principal,
		topicPrefix: cfg.TopicPrefix,
		metrics:     m,
		log:         log,
	}
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	// Topic is set per message. Async keeps bus delivery from blocking on
	// the broker; outcomes are reported through Completion.
	p.writer = &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		RequiredAcks:           kafka.RequireOne,
		Async:                  true,
		AllowAutoTopicCreation: true,
		Transport:              &kafka.Transport{Dial: dialer.DialFunc},
		Completion:             p.completed,
	}
	p.enabled = true

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicPrefix", cfg.TopicPrefix).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")
	return p
}

// Topic returns the Kafka topic for an event type.
func (p *Publisher) Topic(eventType string) string {
	return p.topicPrefix + eventType
}

// Attach subscribes the publisher to every event kind on bus and returns a
// func that detaches it.
func (p *Publisher) Attach(bus *Bus) func() {
	ctx := context.Background()
	unsubs := []func(){
		bus.OnSession(func(e models.SessionEvent) { p.Publish(ctx, e.EventType, e.SessionID, e) }),
		bus.OnSegment(func(e models.SegmentEvent) { p.Publish(ctx, e.EventType, e.SessionID, e) }),
		bus.OnDocumentation(func(e models.DocumentationEvent) { p.Publish(ctx, e.EventType, e.SessionID, e) }),
		bus.OnError(func(e models.ErrorEvent) { p.Publish(ctx, e.EventType, e.SessionID, e) }),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish writes event as JSON to the topic for eventType, keyed by session
// id so one session's events stay ordered within a partition.
func (p *Publisher) Publish(ctx context.Context, eventType, key string, event any) error {
	topic := p.Topic(eventType)

	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	p.log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || p.writer == nil {
		p.metrics.RecordKafkaPublish(topic, nil)
		return nil
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error().Err(err).Str("topic", topic).Str("key", key).Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, err)
		return err
	}
	return nil
}

// completed receives async write outcomes.
func (p *Publisher) completed(msgs []kafka.Message, err error) {
	for _, m := range msgs {
		if err != nil {
			p.log.Error().Err(err).Str("topic", m.Topic).Str("key", string(m.Key)).Msg("Failed to write to Kafka")
		}
		p.metrics.RecordKafkaPublish(m.Topic, err)
	}
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		p.log.Error().Err(err).Msg("Error closing Kafka writer")
		return err
	}
	return nil
}
