package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agent-relay/agent-relay/internal/events"
)

type recordingNotifier struct {
	mu   sync.Mutex
	name string
	got  []events.Event
	err  error
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) Send(_ context.Context, event events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.got = append(r.got, event)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func TestMultiFansOut(t *testing.T) {
	a := &recordingNotifier{name: "a"}
	b := &recordingNotifier{name: "b"}
	m := NewMulti(nopLogger{}, a, b)

	ok := m.Notify(context.Background(), events.Event{Kind: events.KindDeadLetter, Agent: "builder"})
	if !ok {
		t.Error("Notify = false, want true")
	}
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("counts = %d, %d; want 1, 1", a.count(), b.count())
	}
}

func TestMultiIsolatesFailures(t *testing.T) {
	bad := &recordingNotifier{name: "bad", err: errors.New("boom")}
	good := &recordingNotifier{name: "good"}
	m := NewMulti(nopLogger{}, bad, good)

	ok := m.Notify(context.Background(), events.Event{Kind: events.KindMemoryAlert})
	if !ok {
		t.Error("Notify = false despite one working notifier")
	}
	if good.count() != 1 {
		t.Errorf("good notifier got %d events, want 1", good.count())
	}
}

func TestMultiEmptyChain(t *testing.T) {
	m := NewMulti(nopLogger{})
	if !m.Notify(context.Background(), events.Event{Kind: events.KindDegraded}) {
		t.Error("empty chain should report success")
	}
}

func TestWatchFiltersKinds(t *testing.T) {
	rec := &recordingNotifier{name: "rec"}
	m := NewMulti(nopLogger{}, rec)
	bus := events.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Watch(ctx, bus)
		close(done)
	}()

	// Give the watcher a moment to subscribe.
	time.Sleep(20 * time.Millisecond)

	bus.Publish(events.Event{Kind: events.KindPresence, Agent: "planner"})
	bus.Publish(events.Event{Kind: events.KindDeadLetter, Agent: "builder"})

	deadline := time.After(time.Second)
	for rec.count() < 1 {
		select {
		case <-deadline:
			t.Fatal("dead_letter event never forwarded")
		case <-time.After(10 * time.Millisecond):
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, evt := range rec.got {
		if evt.Kind == events.KindPresence {
			t.Error("presence event leaked to notifiers")
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not stop on cancel")
	}
}
