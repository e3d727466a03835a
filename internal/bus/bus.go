// Package bus provides the typed publish/subscribe event bus that carries
// lifecycle notifications between runtime components.
package bus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handler receives the payload published on a topic.
type Handler func(payload any)

// subscription ties a handler to a topic under a stable id.
type subscription struct {
	id      string
	topic   string
	handler Handler
}

// Bus dispatches published payloads to topic subscribers. Handlers run
// synchronously on the publisher's goroutine, in registration order; a panic
// in one handler is recovered and logged and does not stop the rest.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]*subscription // topic -> ordered subscriptions
	byID     map[string]*subscription
	logger   *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]*subscription),
		byID:     make(map[string]*subscription),
		logger:   logger.With("component", "bus"),
	}
}

// Subscribe attaches a handler to a topic and returns its subscription id.
func (b *Bus) Subscribe(topic string, handler Handler) string {
	sub := &subscription{
		id:      uuid.New().String(),
		topic:   topic,
		handler: handler,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[topic] = append(b.handlers[topic], sub)
	b.byID[sub.id] = sub
	return sub.id
}

// Unsubscribe detaches the subscription with the given id. It reports whether
// a subscription was removed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)

	subs := b.handlers[sub.topic]
	for i, s := range subs {
		if s.id == id {
			b.handlers[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.handlers[sub.topic]) == 0 {
		delete(b.handlers, sub.topic)
	}
	return true
}

// Publish delivers payload to every subscriber of topic, in registration
// order, on the calling goroutine.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.handlers[topic]))
	copy(subs, b.handlers[topic])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.invoke(sub, topic, payload)
	}
}

func (b *Bus) invoke(sub *subscription, topic string, payload any) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("subscriber panic",
				"topic", topic,
				"subscription_id", sub.id,
				"panic", p)
		}
	}()
	sub.handler(payload)
}

// SubscriberCount returns the number of subscriptions on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}

// Topics returns all topics that currently have subscribers.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		topics = append(topics, t)
	}
	return topics
}
