package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/loanflow-go/internal/automation/ports"
	"github.com/loanflow-go/pkg/events"
	"github.com/loanflow-go/pkg/logger"
	"github.com/loanflow-go/pkg/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMessenger(limiter Limiter) (*EventMessenger, *events.MemoryEventBus) {
	bus := events.NewMemoryEventBus()
	cfg := Config{EmailTopic: "notification.email.requested", NotifyTopic: "notification.push.requested"}
	return NewEventMessenger(bus, limiter, cfg, logger.NewNop()), bus
}

func TestSendEmail_PublishesRequest(t *testing.T) {
	m, bus := newMessenger(ratelimit.NewTokenBucketLimiter(0, 1))

	id, err := m.SendEmail(context.Background(), ports.EmailMessage{
		To:             "ada@example.com",
		Subject:        "Welcome",
		Body:           "Hello Ada",
		ClientID:       "client-1",
		IdempotencyKey: "exec-1:0",
	})
	require.NoError(t, err)

	published := bus.Published(events.EmailRequested)
	require.Len(t, published, 1)
	ev := published[0]
	assert.Equal(t, id, ev.AggregateID)
	assert.Equal(t, "notification.email.requested", ev.Topic)
	assert.Equal(t, "ada@example.com", ev.Payload["to"])
	assert.Equal(t, "exec-1:0", ev.Metadata.IdempotencyKey)
}

func TestSendEmail_StableIDForReplayedStep(t *testing.T) {
	m, _ := newMessenger(ratelimit.NewTokenBucketLimiter(0, 1))
	msg := ports.EmailMessage{To: "a@example.com", Subject: "s", Body: "b", IdempotencyKey: "exec-1:2"}

	first, err := m.SendEmail(context.Background(), msg)
	require.NoError(t, err)
	second, err := m.SendEmail(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	msg.IdempotencyKey = "exec-1:3"
	third, err := m.SendEmail(context.Background(), msg)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestSendNotification_PublishesRequest(t *testing.T) {
	m, bus := newMessenger(ratelimit.NewTokenBucketLimiter(0, 1))

	_, err := m.SendNotification(context.Background(), ports.Notification{
		UserID:         "officer-1",
		Title:          "Task overdue",
		Message:        "Collect pay stubs is overdue",
		IdempotencyKey: "exec-2:0",
	})
	require.NoError(t, err)

	published := bus.Published(events.NotificationRequested)
	require.Len(t, published, 1)
	assert.Equal(t, "officer-1", published[0].UserID)
	assert.Equal(t, "Task overdue", published[0].Payload["title"])
}

func TestSend_ThrottledByCancelledContext(t *testing.T) {
	m, bus := newMessenger(ratelimit.NewTokenBucketLimiter(0.001, 1))
	ctx, cancel := context.WithCancel(context.Background())

	_, err := m.SendEmail(ctx, ports.EmailMessage{To: "a@example.com", IdempotencyKey: "k1"})
	require.NoError(t, err)

	cancel()
	_, err = m.SendEmail(ctx, ports.EmailMessage{To: "a@example.com", IdempotencyKey: "k2"})
	assert.Error(t, err)
	assert.Len(t, bus.Published(events.EmailRequested), 1)
}

type failingBus struct{ events.MemoryEventBus }

func (b *failingBus) Publish(ctx context.Context, event events.Event) error {
	return errors.New("broker down")
}

func TestSendEmail_PublishFailureIsReturned(t *testing.T) {
	m := NewEventMessenger(&failingBus{}, ratelimit.NewTokenBucketLimiter(0, 1), Config{}, logger.NewNop())
	_, err := m.SendEmail(context.Background(), ports.EmailMessage{To: "a@example.com"})
	assert.ErrorContains(t, err, "broker down")
}
