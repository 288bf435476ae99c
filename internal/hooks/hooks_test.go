package hooks

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	e := NewEmitter(testLogger())

	var order []int
	for i := range 5 {
		e.On(PreSend, func(context.Context, any) Result {
			order = append(order, i)
			return Continue
		})
	}

	ran := e.Emit(context.Background(), PreSend, nil)
	if ran != 5 {
		t.Errorf("ran = %d, want 5", ran)
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}

func TestStopHaltsPropagation(t *testing.T) {
	e := NewEmitter(testLogger())

	var calls []string
	e.On(DeadLetter, func(context.Context, any) Result {
		calls = append(calls, "first")
		return Continue
	})
	e.On(DeadLetter, func(context.Context, any) Result {
		calls = append(calls, "second")
		return Result{Stop: true}
	})
	e.On(DeadLetter, func(context.Context, any) Result {
		calls = append(calls, "third")
		return Continue
	})

	ran := e.Emit(context.Background(), DeadLetter, nil)
	if ran != 2 {
		t.Errorf("ran = %d, want 2", ran)
	}
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Errorf("calls = %v, want [first second]", calls)
	}
}

func TestPanicTreatedAsContinue(t *testing.T) {
	e := NewEmitter(testLogger())

	var reached bool
	e.On(PostDeliver, func(context.Context, any) Result {
		panic("handler bug")
	})
	e.On(PostDeliver, func(context.Context, any) Result {
		reached = true
		return Continue
	})

	ran := e.Emit(context.Background(), PostDeliver, nil)
	if ran != 2 {
		t.Errorf("ran = %d, want 2", ran)
	}
	if !reached {
		t.Error("handler after panicking handler did not run")
	}
}

func TestRemoveUnregisters(t *testing.T) {
	e := NewEmitter(testLogger())

	var count int
	remove := e.On(PresenceChange, func(context.Context, any) Result {
		count++
		return Continue
	})

	e.Emit(context.Background(), PresenceChange, nil)
	remove()
	e.Emit(context.Background(), PresenceChange, nil)

	if count != 1 {
		t.Errorf("count = %d, want 1 (handler ran after removal)", count)
	}

	// Double removal must be harmless.
	remove()
}

func TestEmitUnknownEventIsNoop(t *testing.T) {
	e := NewEmitter(testLogger())
	if ran := e.Emit(context.Background(), MemoryAlert, nil); ran != 0 {
		t.Errorf("ran = %d, want 0", ran)
	}
}

func TestPayloadPassedThrough(t *testing.T) {
	e := NewEmitter(testLogger())

	var got any
	e.On(PostSend, func(_ context.Context, payload any) Result {
		got = payload
		return Continue
	})

	type note struct{ ID string }
	e.Emit(context.Background(), PostSend, note{ID: "m1"})

	n, ok := got.(note)
	if !ok || n.ID != "m1" {
		t.Errorf("payload = %#v, want note{m1}", got)
	}
}
