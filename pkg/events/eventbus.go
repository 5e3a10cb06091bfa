package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loanflow-go/pkg/logger"
	"github.com/segmentio/kafka-go"
)

type Event struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Topic         string                 `json:"-"`
	AggregateID   string                 `json:"aggregateId"`
	AggregateType string                 `json:"aggregateType"`
	Timestamp     time.Time              `json:"timestamp"`
	UserID        string                 `json:"userId"`
	Version       int                    `json:"version"`
	Payload       map[string]interface{} `json:"payload"`
	Metadata      EventMetadata          `json:"metadata"`
}

type EventMetadata struct {
	CorrelationID  string `json:"correlationId"`
	CausationID    string `json:"causationId"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	TraceID        string `json:"traceId"`
}

// route returns the topic an event is written to. Events without an explicit
// topic travel on the bus default topic.
func (e Event) route(defaultTopic string) string {
	if e.Topic != "" {
		return e.Topic
	}
	if defaultTopic != "" {
		return defaultTopic
	}
	return e.Type
}

type EventBus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(topic string, handler EventHandler) error
	Close() error
}

type EventHandler func(ctx context.Context, event Event) error

type KafkaConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

type KafkaEventBus struct {
	config  KafkaConfig
	writer  *kafka.Writer
	logger  logger.Logger
	mu      sync.Mutex
	readers map[string]*kafka.Reader
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewKafkaEventBus(config KafkaConfig, log logger.Logger) (*KafkaEventBus, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka event bus requires at least one broker")
	}

	// No writer-level topic: each message names its own.
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaEventBus{
		config:  config,
		writer:  writer,
		logger:  log,
		readers: make(map[string]*kafka.Reader),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (k *KafkaEventBus) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Topic: event.route(k.config.Topic),
		Key:   []byte(event.AggregateID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "correlation-id", Value: []byte(event.Metadata.CorrelationID)},
			{Key: "idempotency-key", Value: []byte(event.Metadata.IdempotencyKey)},
		},
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}

func (k *KafkaEventBus) Subscribe(topic string, handler EventHandler) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.readers[topic]; exists {
		return fmt.Errorf("already subscribed to %s", topic)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.config.Brokers,
		Topic:       topic,
		GroupID:     k.config.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
		MaxWait:     time.Second,
	})
	k.readers[topic] = reader

	k.wg.Add(1)
	go k.consume(reader, handler)

	return nil
}

// consume commits a message only after its handler returned, so a crash
// redelivers instead of dropping.
func (k *KafkaEventBus) consume(reader *kafka.Reader, handler EventHandler) {
	defer k.wg.Done()

	for {
		msg, err := reader.FetchMessage(k.ctx)
		if err != nil {
			if k.ctx.Err() != nil {
				return
			}
			k.logger.Error("Failed to fetch message", "topic", reader.Config().Topic, "error", err)
			time.Sleep(time.Second)
			continue
		}

		var event Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			k.logger.Error("Dropping undecodable message", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		} else {
			event.Topic = msg.Topic
			if err := handler(k.ctx, event); err != nil {
				k.logger.Error("Event handler failed", "topic", msg.Topic, "type", event.Type, "eventId", event.ID, "error", err)
			}
		}

		if err := reader.CommitMessages(k.ctx, msg); err != nil && k.ctx.Err() == nil {
			k.logger.Warn("Failed to commit offset", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		}
	}
}

func (k *KafkaEventBus) Close() error {
	k.cancel()

	k.mu.Lock()
	var firstErr error
	for topic, reader := range k.readers {
		if err := reader.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close reader for topic %s: %w", topic, err)
		}
	}
	k.mu.Unlock()

	k.wg.Wait()

	if err := k.writer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close writer: %w", err)
	}
	return firstErr
}

// Event builder helper
type EventBuilder struct {
	event Event
}

func NewEventBuilder(eventType string) *EventBuilder {
	return &EventBuilder{
		event: Event{
			ID:        uuid.New().String(),
			Type:      eventType,
			Timestamp: time.Now().UTC(),
			Version:   1,
			Payload:   make(map[string]interface{}),
		},
	}
}

func (b *EventBuilder) WithTopic(topic string) *EventBuilder {
	b.event.Topic = topic
	return b
}

func (b *EventBuilder) WithAggregateID(id string) *EventBuilder {
	b.event.AggregateID = id
	return b
}

func (b *EventBuilder) WithAggregateType(aggregateType string) *EventBuilder {
	b.event.AggregateType = aggregateType
	return b
}

func (b *EventBuilder) WithUserID(userID string) *EventBuilder {
	b.event.UserID = userID
	return b
}

func (b *EventBuilder) WithPayload(key string, value interface{}) *EventBuilder {
	b.event.Payload[key] = value
	return b
}

func (b *EventBuilder) WithCorrelationID(id string) *EventBuilder {
	b.event.Metadata.CorrelationID = id
	return b
}

func (b *EventBuilder) WithIdempotencyKey(key string) *EventBuilder {
	b.event.Metadata.IdempotencyKey = key
	return b
}

func (b *EventBuilder) Build() Event {
	return b.event
}

// Automation event types
const (
	EntityCreated       = "crm.entity.created"
	EntityStatusChanged = "crm.entity.status_changed"

	ExecutionStarted        = "workflow.execution.started"
	ExecutionWaiting        = "workflow.execution.waiting"
	ExecutionRetryScheduled = "workflow.execution.retry_scheduled"
	ExecutionCompleted      = "workflow.execution.completed"
	ExecutionFailed         = "workflow.execution.failed"

	DefinitionPublished = "workflow.definition.published"

	EmailRequested        = "notification.email.requested"
	NotificationRequested = "notification.push.requested"
)
