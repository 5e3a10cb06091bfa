// Package events feeds CRM domain events from the event bus into the
// automation service.
package events

import (
	"context"
	"fmt"

	"github.com/loanflow-go/pkg/events"
	"github.com/loanflow-go/pkg/logger"
)

type DomainEventHandler interface {
	HandleDomainEvent(ctx context.Context, event events.Event) error
}

type Consumer struct {
	bus     events.EventBus
	handler DomainEventHandler
	topics  []string
	logger  logger.Logger
}

// NewConsumer subscribes handler to topics once Start is called. With Kafka
// a topic carries every entity event type; in memory each type is its own
// topic.
func NewConsumer(bus events.EventBus, handler DomainEventHandler, topics []string, log logger.Logger) *Consumer {
	return &Consumer{
		bus:     bus,
		handler: handler,
		topics:  topics,
		logger:  log,
	}
}

func (c *Consumer) Start() error {
	for _, topic := range c.topics {
		if err := c.bus.Subscribe(topic, c.handle); err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		c.logger.Info("Subscribed to domain events", "topic", topic)
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, event events.Event) error {
	if err := c.handler.HandleDomainEvent(ctx, event); err != nil {
		c.logger.Error("Failed to handle domain event",
			"event_id", event.ID, "type", event.Type, "aggregate_id", event.AggregateID, "error", err)
		return err
	}
	return nil
}
