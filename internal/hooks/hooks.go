// Package hooks provides a named-event dispatcher with ordered sequential
// handlers and stop-propagation, used to observe every stage of the message
// pipeline.
package hooks

import (
	"context"
	"log/slog"
	"sync"
)

// Event names a pipeline stage handlers can attach to.
type Event string

const (
	PreSend        Event = "pre_send"
	PostSend       Event = "post_send"
	PreDeliver     Event = "pre_deliver"
	PostDeliver    Event = "post_deliver"
	DeadLetter     Event = "dead_letter"
	PresenceChange Event = "presence_change"
	MemoryAlert    Event = "memory_alert"
)

// Result is returned by a handler; Stop halts propagation to the handlers
// registered after it.
type Result struct {
	Stop bool
}

// Continue is the zero result: propagation proceeds.
var Continue = Result{}

// Handler observes one emitted event. Handlers run synchronously on the
// emitting goroutine and must not perform unbounded work.
type Handler func(ctx context.Context, payload any) Result

type registration struct {
	id int
	fn Handler
}

// Emitter dispatches events to handlers in registration order.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[Event][]registration
	nextID   int
	log      *slog.Logger
}

// NewEmitter creates an empty emitter.
func NewEmitter(log *slog.Logger) *Emitter {
	return &Emitter{
		handlers: make(map[Event][]registration),
		log:      log.With("component", "hooks"),
	}
}

// On registers a handler for the given event and returns a function that
// removes it again.
func (e *Emitter) On(evt Event, fn Handler) (remove func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.handlers[evt] = append(e.handlers[evt], registration{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		regs := e.handlers[evt]
		for i, r := range regs {
			if r.id == id {
				e.handlers[evt] = append(regs[:i:i], regs[i+1:]...)
				return
			}
		}
	}
}

// Emit runs the handlers registered for evt in order, stopping early if one
// returns Stop. A panicking handler is logged and treated as Continue.
// Returns the number of handlers that ran.
func (e *Emitter) Emit(ctx context.Context, evt Event, payload any) int {
	e.mu.RLock()
	regs := make([]registration, len(e.handlers[evt]))
	copy(regs, e.handlers[evt])
	e.mu.RUnlock()

	ran := 0
	for _, r := range regs {
		ran++
		if e.invoke(ctx, evt, r, payload).Stop {
			break
		}
	}
	return ran
}

// invoke calls one handler with panic isolation. The hook contract is
// fail-closed: a panic counts as Continue so one broken handler cannot
// suppress its successors.
func (e *Emitter) invoke(ctx context.Context, evt Event, r registration, payload any) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Error("hook handler panicked", "event", string(evt), "panic", rec)
			res = Continue
		}
	}()
	return r.fn(ctx, payload)
}
