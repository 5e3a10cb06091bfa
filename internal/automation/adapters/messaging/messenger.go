// Package messaging hands outbound email and in-app notifications to the
// delivery services by publishing request events.
package messaging

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/loanflow-go/internal/automation/ports"
	"github.com/loanflow-go/pkg/events"
	"github.com/loanflow-go/pkg/logger"
	"github.com/loanflow-go/pkg/metrics"
)

// Limiter throttles outbound messages.
type Limiter interface {
	Wait(ctx context.Context) error
}

type Config struct {
	EmailTopic  string
	NotifyTopic string
}

type EventMessenger struct {
	bus     events.EventBus
	limiter Limiter
	config  Config
	logger  logger.Logger
}

func NewEventMessenger(bus events.EventBus, limiter Limiter, cfg Config, log logger.Logger) *EventMessenger {
	return &EventMessenger{
		bus:     bus,
		limiter: limiter,
		config:  cfg,
		logger:  log,
	}
}

// SendEmail publishes an email request. The message id is derived from the
// idempotency key, so a replayed step produces the same id and downstream
// delivery can drop the duplicate.
func (m *EventMessenger) SendEmail(ctx context.Context, msg ports.EmailMessage) (string, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("email throttled: %w", err)
	}

	id := messageID("email", msg.IdempotencyKey)
	event := events.NewEventBuilder(events.EmailRequested).
		WithTopic(m.config.EmailTopic).
		WithAggregateID(id).
		WithAggregateType("email").
		WithPayload("to", msg.To).
		WithPayload("subject", msg.Subject).
		WithPayload("body", msg.Body).
		WithPayload("clientId", msg.ClientID).
		WithIdempotencyKey(msg.IdempotencyKey).
		Build()

	if err := m.bus.Publish(ctx, event); err != nil {
		return "", fmt.Errorf("publish email request: %w", err)
	}
	metrics.RecordEventPublished(events.EmailRequested)
	m.logger.Debug("Email requested", "message_id", id, "client_id", msg.ClientID)
	return id, nil
}

func (m *EventMessenger) SendNotification(ctx context.Context, n ports.Notification) (string, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("notification throttled: %w", err)
	}

	id := messageID("notification", n.IdempotencyKey)
	event := events.NewEventBuilder(events.NotificationRequested).
		WithTopic(m.config.NotifyTopic).
		WithAggregateID(id).
		WithAggregateType("notification").
		WithUserID(n.UserID).
		WithPayload("title", n.Title).
		WithPayload("message", n.Message).
		WithPayload("link", n.Link).
		WithIdempotencyKey(n.IdempotencyKey).
		Build()

	if err := m.bus.Publish(ctx, event); err != nil {
		return "", fmt.Errorf("publish notification request: %w", err)
	}
	metrics.RecordEventPublished(events.NotificationRequested)
	m.logger.Debug("Notification requested", "notification_id", id, "user_id", n.UserID)
	return id, nil
}

func messageID(kind, idempotencyKey string) string {
	if idempotencyKey == "" {
		return uuid.New().String()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(kind+":"+idempotencyKey)).String()
}
