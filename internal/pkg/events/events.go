// Package events publishes settlement facts (payment completed, payout sent,
// dispute resolved, ...) to Kafka for downstream consumers such as
// notifications and reporting.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/gamemarket/gamemarket-api/internal/pkg/metrics"
)

// Event types
const (
	PaymentCompleted   = "payment.completed"
	PaymentFailed      = "payment.failed"
	OrderFulfilled     = "order.fulfilled"
	FulfillmentFailed  = "order.fulfillment_failed"
	EscrowReleased     = "escrow.released"
	DisputeOpened      = "dispute.opened"
	DisputeResolved    = "dispute.resolved"
	PayoutSent         = "payout.sent"
	PayoutFailed       = "payout.failed"
	WithdrawalReviewed = "withdrawal.reviewed"
)

// Event is the JSON envelope written to the topic. Key partitions by entity.
type Event struct {
	Type       string         `json:"type"`
	Key        string         `json:"key"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data"`
}

// Publisher is best effort: failures are logged and counted, never returned
// into the money path.
type Publisher interface {
	Publish(ctx context.Context, eventType, key string, data map[string]any)
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher writes events asynchronously with batching.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(cfg Config) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Compression:  kafka.Snappy,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Debug().Msg(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			metrics.EventPublishErrors.Inc()
			log.Error().Msg(fmt.Sprintf(msg, args...))
		}),
	}
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, eventType, key string, data map[string]any) {
	msg, err := encode(eventType, key, data)
	if err != nil {
		metrics.EventPublishErrors.Inc()
		log.Error().Err(err).Str("event", eventType).Msg("failed to encode settlement event")
		return
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		metrics.EventPublishErrors.Inc()
		log.Error().Err(err).Str("event", eventType).Str("key", key).Msg("failed to publish settlement event")
	}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func encode(eventType, key string, data map[string]any) (kafka.Message, error) {
	now := time.Now().UTC()
	value, err := json.Marshal(Event{Type: eventType, Key: key, OccurredAt: now, Data: data})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  now,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
	}, nil
}

// Nop drops every event. Used when Kafka is not configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, string, map[string]any) {}
func (Nop) Close() error { return nil }

// Recorder keeps events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, eventType, key string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Type: eventType, Key: key, OccurredAt: time.Now(), Data: data})
}

func (r *Recorder) Close() error { return nil }

// Count returns how many events of eventType were published.
func (r *Recorder) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// New returns a Kafka publisher, or Nop when no brokers are configured.
func New(cfg Config) Publisher {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		log.Info().Msg("Kafka not configured, settlement events disabled")
		return Nop{}
	}
	return NewKafkaPublisher(cfg)
}
