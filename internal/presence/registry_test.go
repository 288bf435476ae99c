package presence

import (
	"testing"
	"time"

	"github.com/agent-relay/agent-relay/internal/clock"
	"github.com/agent-relay/agent-relay/internal/events"
)

type fakeConn struct {
	id     string
	closed chan string
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, closed: make(chan string, 1)}
}

func (c *fakeConn) SessionID() string { return c.id }
func (c *fakeConn) CloseWithReason(reason string) {
	select {
	case c.closed <- reason:
	default:
	}
}

func testRegistry(t *testing.T) (*Registry, *events.Bus, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	bus := events.New()
	return NewRegistry(clk, bus), bus, clk
}

func waitPresence(t *testing.T, ch <-chan events.Event, agent string, online bool) events.Event {
	t.Helper()
	for {
		select {
		case evt := <-ch:
			if evt.Kind != events.KindPresence || evt.Agent != agent {
				continue
			}
			if got := evt.Payload["online"].(bool); got != online {
				continue
			}
			return evt
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for presence(%s, online=%v)", agent, online)
		}
	}
}

func TestRegisterEmitsOnline(t *testing.T) {
	r, bus, _ := testRegistry(t)
	ch, cancel := bus.Subscribe()
	defer cancel()

	if displaced := r.Register("planner", newFakeConn("s1")); displaced != nil {
		t.Errorf("displaced = %v, want nil", displaced)
	}
	waitPresence(t, ch, "planner", true)

	if !r.Online("planner") {
		t.Error("planner not online after Register")
	}
}

func TestRegisterReplacesExisting(t *testing.T) {
	r, _, _ := testRegistry(t)

	first := newFakeConn("s1")
	r.Register("planner", first)
	r.Subscribe("planner", "builds")

	second := newFakeConn("s2")
	displaced := r.Register("planner", second)
	if displaced == nil || displaced.SessionID() != "s1" {
		t.Fatalf("displaced = %v, want s1", displaced)
	}

	// The replacement starts with a clean subscription set.
	info, ok := r.Get("planner")
	if !ok {
		t.Fatal("planner missing after replace")
	}
	if info.SessionID != "s2" {
		t.Errorf("SessionID = %q, want s2", info.SessionID)
	}
	if len(info.Subscriptions) != 0 {
		t.Errorf("subscriptions carried over: %v", info.Subscriptions)
	}
	if got := r.TopicTargets("builds", ""); len(got) != 0 {
		t.Errorf("stale topic members: %v", got)
	}
}

func TestUnregisterOnlyByOwner(t *testing.T) {
	r, bus, _ := testRegistry(t)
	ch, cancel := bus.Subscribe()
	defer cancel()

	current := newFakeConn("s2")
	r.Register("planner", newFakeConn("s1"))
	r.Register("planner", current)

	// The displaced session's late disconnect must not remove its successor.
	if r.Unregister("planner", newFakeConn("s1"), "connection_lost") {
		t.Error("stale session unregistered its successor")
	}
	if !r.Online("planner") {
		t.Fatal("planner knocked offline by stale session")
	}

	if !r.Unregister("planner", current, "connection_lost") {
		t.Error("owner Unregister = false")
	}
	evt := waitPresence(t, ch, "planner", false)
	if got := evt.Payload["reason"]; got != "connection_lost" {
		t.Errorf("reason = %v, want connection_lost", got)
	}
}

func TestTouchUpdatesLastSeen(t *testing.T) {
	r, _, clk := testRegistry(t)
	r.Register("planner", newFakeConn("s1"))

	before, _ := r.Get("planner")
	clk.Advance(30 * time.Second)
	r.Touch("planner")
	after, _ := r.Get("planner")

	if !after.LastSeen.After(before.LastSeen) {
		t.Errorf("LastSeen not advanced: %v -> %v", before.LastSeen, after.LastSeen)
	}
}

func TestNeedsAttention(t *testing.T) {
	r, _, _ := testRegistry(t)
	r.Register("planner", newFakeConn("s1"))

	if !r.SetNeedsAttention("planner", true) {
		t.Fatal("SetNeedsAttention = false for online agent")
	}
	info, _ := r.Get("planner")
	if !info.NeedsAttention {
		t.Error("NeedsAttention not set")
	}
	if r.SetNeedsAttention("ghost", true) {
		t.Error("SetNeedsAttention = true for unknown agent")
	}
}

func TestSubscriptionTable(t *testing.T) {
	r, _, _ := testRegistry(t)
	r.Register("planner", newFakeConn("s1"))
	r.Register("builder", newFakeConn("s2"))

	r.Subscribe("planner", "builds")
	r.Subscribe("builder", "builds")
	r.Subscribe("builder", "deploys")

	subs := r.Subscriptions()
	if got := subs["builds"]; len(got) != 2 || got[0] != "builder" || got[1] != "planner" {
		t.Errorf("builds members = %v", got)
	}

	r.Unsubscribe("builder", "builds")
	subs = r.Subscriptions()
	if got := subs["builds"]; len(got) != 1 || got[0] != "planner" {
		t.Errorf("builds members after unsubscribe = %v", got)
	}
	// Empty topic sets are dropped, not left as empty entries.
	r.Unsubscribe("builder", "deploys")
	if _, ok := r.Subscriptions()["deploys"]; ok {
		t.Error("deploys kept after last member left")
	}
}

func TestTopicTargetsIncludesCatchAll(t *testing.T) {
	r, _, _ := testRegistry(t)
	r.Register("planner", newFakeConn("s1"))
	r.Register("builder", newFakeConn("s2"))
	r.Register("__dashboard", newFakeConn("s3"))

	r.Subscribe("builder", "builds")
	r.Subscribe("__dashboard", "*")

	got := r.TopicTargets("builds", "planner")
	if len(got) != 2 || got[0] != "__dashboard" || got[1] != "builder" {
		t.Errorf("TopicTargets = %v, want [__dashboard builder]", got)
	}

	// Senders never receive their own topic send.
	got = r.TopicTargets("builds", "builder")
	if len(got) != 1 || got[0] != "__dashboard" {
		t.Errorf("TopicTargets excluding sender = %v", got)
	}
}

func TestBroadcastTargetsExcludesObservers(t *testing.T) {
	r, _, _ := testRegistry(t)
	r.Register("planner", newFakeConn("s1"))
	r.Register("builder", newFakeConn("s2"))
	r.Register("__dashboard", newFakeConn("s3"))

	got := r.BroadcastTargets("planner")
	if len(got) != 1 || got[0] != "builder" {
		t.Errorf("BroadcastTargets = %v, want [builder]", got)
	}
}

func TestDisconnectDropsSubscriptions(t *testing.T) {
	r, _, _ := testRegistry(t)
	conn := newFakeConn("s1")
	r.Register("planner", conn)
	r.Subscribe("planner", "builds")

	r.Unregister("planner", conn, "connection_lost")
	if got := r.TopicTargets("builds", ""); len(got) != 0 {
		t.Errorf("topic members after disconnect = %v", got)
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
}
