package events

import (
	"context"
	"errors"
	"testing"

	"github.com/loanflow-go/pkg/events"
	"github.com/loanflow-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) HandleDomainEvent(ctx context.Context, event events.Event) error {
	return m.Called(ctx, event).Error(0)
}

func TestConsumer_DeliversSubscribedTopics(t *testing.T) {
	bus := events.NewMemoryEventBus()
	h := &mockHandler{}
	c := NewConsumer(bus, h, []string{events.EntityCreated, events.EntityStatusChanged}, logger.NewNop())
	require.NoError(t, c.Start())

	h.On("HandleDomainEvent", mock.Anything, mock.MatchedBy(func(e events.Event) bool {
		return e.AggregateID == "client-1"
	})).Return(nil).Twice()

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, events.NewEventBuilder(events.EntityCreated).WithAggregateID("client-1").Build()))
	require.NoError(t, bus.Publish(ctx, events.NewEventBuilder(events.EntityStatusChanged).WithAggregateID("client-1").Build()))
	require.NoError(t, bus.Publish(ctx, events.NewEventBuilder(events.ExecutionStarted).WithAggregateID("exec-1").Build()))

	h.AssertExpectations(t)
}

func TestConsumer_PropagatesHandlerError(t *testing.T) {
	bus := events.NewMemoryEventBus()
	h := &mockHandler{}
	c := NewConsumer(bus, h, []string{events.EntityCreated}, logger.NewNop())
	require.NoError(t, c.Start())

	h.On("HandleDomainEvent", mock.Anything, mock.Anything).Return(errors.New("db down"))

	err := bus.Publish(context.Background(), events.NewEventBuilder(events.EntityCreated).Build())
	assert.ErrorContains(t, err, "db down")
}
