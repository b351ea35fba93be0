// Package events publishes entity lifecycle events.
//
// The lifecycle service publishes "<type>.created", "<type>.updated" and
// "<type>.deleted" after a successful write; hook steps can publish custom
// events through the "emit" action.
package events

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Lifecycle event suffixes.
const (
	Created = "created"
	Updated = "updated"
	Deleted = "deleted"
)

// Event is a published event.
type Event struct {
	// Name is "<type>.<suffix>", e.g. "post.created".
	Name string

	// TypeKey is the datatype the event concerns.
	TypeKey string

	// ID is the entity id, when the event concerns one entity.
	ID string

	// Data is the entity document or a hook-supplied payload.
	Data map[string]any

	Meta map[string]any
}

// Name builds an event name from a datatype key and a suffix.
func Name(typeKey, suffix string) string {
	return typeKey + "." + suffix
}

// Handler processes an event.
type Handler func(ctx context.Context, event Event) error

// Bus is an in-process publish/subscribe bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler. Patterns:
//   - "post.created" exact match
//   - "post.*" every event of a datatype
//   - "*" every event
func (b *Bus) Subscribe(pattern string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[pattern] = append(b.handlers[pattern], handler)
}

// Publish delivers the event synchronously to matching handlers, in
// subscription order (exact, then type wildcard, then global). Handler
// errors are logged and do not stop delivery.
func (b *Bus) Publish(ctx context.Context, event Event) {
	matched := b.match(event.Name)

	b.logger.Debug().
		Str("event", event.Name).
		Str("type", event.TypeKey).
		Str("id", event.ID).
		Int("handlers", len(matched)).
		Msg("event published")

	for _, handler := range matched {
		if err := handler(ctx, event); err != nil {
			b.logger.Error().
				Err(err).
				Str("event", event.Name).
				Msg("event handler failed")
		}
	}
}

// PublishAsync delivers the event on a new goroutine.
func (b *Bus) PublishAsync(ctx context.Context, event Event) {
	go b.Publish(context.WithoutCancel(ctx), event)
}

// HasSubscribers reports whether any handler matches the event name.
func (b *Bus) HasSubscribers(name string) bool {
	return len(b.match(name)) > 0
}

func (b *Bus) match(name string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []Handler
	matched = append(matched, b.handlers[name]...)
	if prefix, _, ok := strings.Cut(name, "."); ok && prefix != "" {
		matched = append(matched, b.handlers[prefix+".*"]...)
	}
	matched = append(matched, b.handlers["*"]...)
	return matched
}
