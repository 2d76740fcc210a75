package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tako0614/takos-agent/internal/store"
	"github.com/tako0614/takos-agent/pkg/schema"
)

// EventHandler receives instance events. Handlers run synchronously on the
// emitting goroutine; a slow handler slows its instance, not others.
type EventHandler func(event schema.Event)

// Emitter appends events to the store's event log and fans them out to
// subscribed handlers. A panicking handler is isolated: the panic is logged
// and the run continues.
type Emitter struct {
	store  store.Store
	logger *slog.Logger

	mu       sync.RWMutex
	handlers []EventHandler
}

// NewEmitter creates an Emitter backed by the given store.
func NewEmitter(s store.Store, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{store: s, logger: logger}
}

// Subscribe registers a handler for all subsequent events.
func (e *Emitter) Subscribe(handler EventHandler) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

// Emit persists the event and dispatches it to handlers in subscription
// order. Store failures are logged, not raised: the event stream is
// best-effort observability, never a reason to fail a run.
func (e *Emitter) Emit(ctx context.Context, event schema.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := e.store.AppendEvent(ctx, &event); err != nil {
		e.logger.ErrorContext(ctx, "append event failed",
			slog.String("event_type", event.Type),
			slog.String("instance_id", event.InstanceID),
			slog.Any("error", err),
		)
	}

	e.mu.RLock()
	handlers := make([]EventHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	for _, handler := range handlers {
		e.dispatch(ctx, handler, event)
	}
}

func (e *Emitter) dispatch(ctx context.Context, handler EventHandler, event schema.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "event handler panicked",
				slog.String("event_type", event.Type),
				slog.String("instance_id", event.InstanceID),
				slog.Any("panic", r),
			)
		}
	}()
	handler(event)
}
