// Package event publishes user lifecycle events.
package event

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tendant/simple-idm-workflow/pkg/user"
)

// Type is the kind of lifecycle change.
type Type string

const (
	Create Type = "CREATE"
	Update Type = "UPDATE"
	Delete Type = "DELETE"
)

// LifecycleEvent reports one successful lifecycle transition.
type LifecycleEvent struct {
	Type     Type         `json:"type"`
	Domain   string       `json:"domain"`
	Key      string       `json:"key"`
	Username string       `json:"username"`
	User     *user.UserTO `json:"user,omitempty"`
	Time     time.Time    `json:"time"`
}

// Publisher delivers lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev LifecycleEvent) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev LifecycleEvent) error

func (f PublisherFunc) Publish(ctx context.Context, ev LifecycleEvent) error {
	return f(ctx, ev)
}

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, ev LifecycleEvent) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "User lifecycle event", "type", ev.Type, "domain", ev.Domain, "key", ev.Key, "username", ev.Username)
	return nil
}

// Multi publishes to every publisher and returns the first error after
// trying all of them.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev LifecycleEvent) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Listener receives events from a Bus.
type Listener func(ctx context.Context, ev LifecycleEvent) error

// Bus dispatches events synchronously to in-process listeners.
type Bus struct {
	mutex     sync.RWMutex
	listeners map[Type][]Listener
}

func NewBus() *Bus {
	return &Bus{listeners: make(map[Type][]Listener)}
}

// Subscribe registers l for the given event types, or for all when none are
// given.
func (b *Bus) Subscribe(l Listener, types ...Type) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if len(types) == 0 {
		types = []Type{Create, Update, Delete}
	}
	for _, t := range types {
		b.listeners[t] = append(b.listeners[t], l)
	}
}

func (b *Bus) Publish(ctx context.Context, ev LifecycleEvent) error {
	b.mutex.RLock()
	listeners := append([]Listener(nil), b.listeners[ev.Type]...)
	b.mutex.RUnlock()

	var first error
	for _, l := range listeners {
		if err := l(ctx, ev); err != nil {
			slog.Warn("Lifecycle listener failed", "type", ev.Type, "key", ev.Key, "err", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
