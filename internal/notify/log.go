package notify

import (
	"context"

	"github.com/agent-relay/agent-relay/internal/events"
)

// LogNotifier writes every event as a structured log line. It is always
// enabled and serves as a guaranteed notification record.
type LogNotifier struct {
	log Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(log Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Name returns the provider name for logging.
func (l *LogNotifier) Name() string { return "log" }

// Send logs the event.
func (l *LogNotifier) Send(_ context.Context, event events.Event) error {
	l.log.Info("relay alert",
		"kind", string(event.Kind),
		"agent", event.Agent,
		"message", event.Message,
	)
	return nil
}
