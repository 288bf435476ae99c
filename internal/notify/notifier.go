// Package notify pushes relay alerts (memory, dead letters, storage
// degradation) to external channels: log, webhook, MQTT.
package notify

import (
	"context"
	"sync"

	"github.com/agent-relay/agent-relay/internal/events"
)

// Notifier sends one broker event to an external system.
type Notifier interface {
	Send(ctx context.Context, event events.Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers.
// Failures are logged rather than returned so a broken notifier
// cannot block the broker.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers.
// Returns true if at least one notifier succeeded (or none are configured).
func (m *Multi) Notify(ctx context.Context, event events.Event) bool {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"event", string(event.Kind),
				"agent", event.Agent,
				"error", err.Error(),
			)
		} else {
			anyOK = true
		}
	}
	return anyOK
}

// Reconfigure replaces the notifier chain at runtime.
func (m *Multi) Reconfigure(notifiers ...Notifier) {
	m.mu.Lock()
	m.notifiers = notifiers
	m.mu.Unlock()
}

// alertKinds are the bus events worth pushing externally. Presence churn
// and shutdown stay local.
var alertKinds = map[events.Kind]bool{
	events.KindMemoryAlert: true,
	events.KindDeadLetter:  true,
	events.KindDegraded:    true,
	events.KindRecovered:   true,
}

// Watch subscribes the chain to the bus and forwards alert events until ctx
// ends.
func (m *Multi) Watch(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe()
	defer cancel()
	for {
		select {
		case evt := <-ch:
			if alertKinds[evt.Kind] {
				m.Notify(ctx, evt)
			}
		case <-ctx.Done():
			return
		}
	}
}
