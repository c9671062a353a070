package mcphub

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType names a lifecycle transition observable through Registry.On.
type EventType string

const (
	EventBeforeConnect    EventType = "before_connect"
	EventAfterConnect     EventType = "after_connect"
	EventBeforeDisconnect EventType = "before_disconnect"
	EventAfterDisconnect  EventType = "after_disconnect"
	EventError            EventType = "error"
	EventToolCall         EventType = "tool_call"
)

// Event is delivered to lifecycle subscribers.
type Event struct {
	ServerID   string
	ServerName string
	Type       EventType
	Data       map[string]any
	Err        error
	Time       time.Time
}

// Hook is a lifecycle subscriber. Hooks may block; a hook's error or panic is
// logged and never interrupts the transition that triggered it.
type Hook func(context.Context, Event) error

// Subscription identifies a registered hook so it can be removed with Off.
type Subscription uint64

type hookEntry struct {
	id Subscription
	fn Hook
}

// eventBus fans lifecycle events out to typed observer lists, one per event
// name.
type eventBus struct {
	mu     sync.RWMutex
	nextID Subscription
	hooks  map[EventType][]hookEntry
	logger *slog.Logger
}

func newEventBus(logger *slog.Logger) *eventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &eventBus{
		hooks:  make(map[EventType][]hookEntry),
		logger: logger,
	}
}

func (b *eventBus) on(event EventType, fn Hook) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.hooks[event] = append(b.hooks[event], hookEntry{id: id, fn: fn})
	return id
}

func (b *eventBus) off(event EventType, id Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.hooks[event]
	for i, entry := range entries {
		if entry.id == id {
			b.hooks[event] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// emit invokes every hook registered for ev.Type. Hooks run outside the
// registry lock so they may call back into the registry.
func (b *eventBus) emit(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	entries := append([]hookEntry(nil), b.hooks[ev.Type]...)
	b.mu.RUnlock()

	for _, entry := range entries {
		b.safeInvoke(ctx, entry.fn, ev)
	}
}

func (b *eventBus) safeInvoke(ctx context.Context, fn Hook, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("lifecycle hook panicked",
				"event", string(ev.Type), "server", ev.ServerID, "panic", r)
		}
	}()
	if err := fn(ctx, ev); err != nil {
		b.logger.Warn("lifecycle hook failed",
			"event", string(ev.Type), "server", ev.ServerID, "error", err)
	}
}
