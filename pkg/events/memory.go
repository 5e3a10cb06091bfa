package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryEventBus delivers events synchronously to in-process subscribers and
// keeps every published event. Used when Kafka is disabled and in tests.
type MemoryEventBus struct {
	mu        sync.RWMutex
	handlers  map[string][]EventHandler
	published []Event
}

func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{handlers: make(map[string][]EventHandler)}
}

func (b *MemoryEventBus) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	topic := event.route("")

	b.mu.Lock()
	b.published = append(b.published, event)
	handlers := append([]EventHandler(nil), b.handlers[topic]...)
	b.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			return fmt.Errorf("handler for %s failed: %w", topic, err)
		}
	}
	return nil
}

func (b *MemoryEventBus) Subscribe(topic string, handler EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil
}

func (b *MemoryEventBus) Close() error {
	return nil
}

// Published returns the events published so far, optionally filtered by type.
func (b *MemoryEventBus) Published(eventType string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, len(b.published))
	for _, e := range b.published {
		if eventType == "" || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
