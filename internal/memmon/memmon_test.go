package memmon

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/agent-relay/agent-relay/internal/clock"
	"github.com/agent-relay/agent-relay/internal/config"
	"github.com/agent-relay/agent-relay/internal/events"
	"github.com/agent-relay/agent-relay/internal/hooks"
)

// fakeSampler serves scripted readings per pid.
type fakeSampler struct {
	mu     sync.Mutex
	rss    map[int32]uint64
	vms    map[int32]uint64
	swap   map[int32]uint64
	create map[int32]int64
	gone   map[int32]bool
}

func newFakeSampler() *fakeSampler {
	return &fakeSampler{
		rss:    make(map[int32]uint64),
		vms:    make(map[int32]uint64),
		swap:   make(map[int32]uint64),
		create: make(map[int32]int64),
		gone:   make(map[int32]bool),
	}
}

func (f *fakeSampler) set(pid int32, rss uint64) {
	f.mu.Lock()
	f.rss[pid] = rss
	f.mu.Unlock()
}

func (f *fakeSampler) Sample(pid int32) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[pid] {
		return Snapshot{}, errors.New("no such process")
	}
	return Snapshot{RSS: f.rss[pid], VMS: f.vms[pid], Swap: f.swap[pid]}, nil
}

func (f *fakeSampler) CreateTime(pid int32) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[pid] {
		return 0, errors.New("no such process")
	}
	return f.create[pid], nil
}

func testMonitor(t *testing.T) (*Monitor, *fakeSampler, *clock.Fake, *events.Bus) {
	t.Helper()
	cfg := &config.Config{
		SampleInterval:   10 * time.Second,
		WarningBytes:     100 * mib,
		CriticalBytes:    200 * mib,
		OOMImminentBytes: 300 * mib,
		TrendRateWarning: 10 * mib,
		AlertCooldown:    60 * time.Second,
	}
	clk := clock.NewFake(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	bus := events.New()
	sampler := newFakeSampler()
	m := New(cfg, slog.Default(), clk, bus, hooks.NewEmitter(slog.Default()), sampler)
	return m, sampler, clk, bus
}

func collectAlerts(t *testing.T, ch <-chan events.Event, want int) []string {
	t.Helper()
	var got []string
	for len(got) < want {
		select {
		case evt := <-ch:
			if evt.Kind == events.KindMemoryAlert {
				got = append(got, evt.Message)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out; alerts so far: %v", got)
		}
	}
	return got
}

func TestAlertTransitions(t *testing.T) {
	m, sampler, clk, bus := testMonitor(t)
	ch, cancel := bus.Subscribe()
	defer cancel()

	sampler.create[42] = 1111
	m.Register("agent-x", 42)

	// 50 -> 150 -> 250 -> 50 MiB: warning, critical, recovered.
	for _, rss := range []uint64{50 * mib, 150 * mib, 250 * mib, 50 * mib} {
		clk.Advance(2 * time.Minute)
		sampler.set(42, rss)
		m.SampleAll()
	}

	got := collectAlerts(t, ch, 3)
	want := []string{"warning", "critical", "recovered"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("alert[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAlertCooldownCollapsesBursts(t *testing.T) {
	m, sampler, clk, bus := testMonitor(t)
	ch, cancel := bus.Subscribe()
	defer cancel()

	sampler.create[42] = 1111
	m.Register("agent-x", 42)

	// Crossing then recovery within the cooldown: only the first emits.
	clk.Advance(time.Minute)
	sampler.set(42, 150*mib)
	m.SampleAll()
	clk.Advance(time.Second)
	sampler.set(42, 50*mib)
	m.SampleAll()

	got := collectAlerts(t, ch, 1)
	if got[0] != "warning" {
		t.Errorf("alert = %q, want warning", got[0])
	}
	select {
	case evt := <-ch:
		if evt.Kind == events.KindMemoryAlert {
			t.Errorf("cooldown let a second alert through: %q", evt.Message)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatermarksAndAverage(t *testing.T) {
	m, sampler, clk, _ := testMonitor(t)
	sampler.create[42] = 1111
	m.Register("agent-x", 42)

	for _, rss := range []uint64{30 * mib, 90 * mib, 60 * mib} {
		clk.Advance(10 * time.Second)
		sampler.set(42, rss)
		m.SampleAll()
	}

	s, ok := m.Metrics("agent-x")
	if !ok {
		t.Fatal("agent-x missing")
	}
	if s.HighWatermark != 90*mib {
		t.Errorf("high = %d, want %d", s.HighWatermark, uint64(90*mib))
	}
	if s.LowWatermark != 30*mib {
		t.Errorf("low = %d, want %d", s.LowWatermark, uint64(30*mib))
	}
	if s.AverageRSS != 60*mib {
		t.Errorf("avg = %d, want %d", s.AverageRSS, uint64(60*mib))
	}
	if s.LastRSS != 60*mib {
		t.Errorf("last = %d, want %d", s.LastRSS, uint64(60*mib))
	}
}

func TestTrendRequiresWindow(t *testing.T) {
	m, sampler, clk, _ := testMonitor(t)
	sampler.create[42] = 1111
	m.Register("agent-x", 42)

	rss := uint64(50 * mib)
	for i := 0; i < trendWindow-1; i++ {
		clk.Advance(time.Minute)
		sampler.set(42, rss)
		m.SampleAll()
	}
	s, _ := m.Metrics("agent-x")
	if s.Trend != TrendUnknown {
		t.Errorf("trend with %d samples = %q, want unknown", trendWindow-1, s.Trend)
	}

	// A sixth sample 10 MiB up makes the window grow at 2 MiB/min.
	clk.Advance(time.Minute)
	sampler.set(42, rss+10*mib)
	m.SampleAll()
	s, _ = m.Metrics("agent-x")
	if s.Trend != TrendGrowing {
		t.Errorf("trend = %q, want growing (rate %f)", s.Trend, s.RatePerMinute)
	}
}

func TestProcessGonePreservesCrashContext(t *testing.T) {
	m, sampler, clk, _ := testMonitor(t)
	sampler.create[42] = 1111
	m.Register("agent-x", 42)

	clk.Advance(10 * time.Second)
	sampler.set(42, 350*mib)
	m.SampleAll()

	sampler.mu.Lock()
	sampler.gone[42] = true
	sampler.mu.Unlock()
	m.SampleAll()

	if _, ok := m.Metrics("agent-x"); ok {
		t.Error("agent still monitored after its process vanished")
	}
	cc, ok := m.GetCrashContext("agent-x")
	if !ok {
		t.Fatal("crash context not preserved")
	}
	if cc.LikelyCause != "oom" {
		t.Errorf("likely cause = %q, want oom", cc.LikelyCause)
	}
	if cc.HighWatermark != 350*mib {
		t.Errorf("high = %d, want %d", cc.HighWatermark, uint64(350*mib))
	}

	m.ClearCrashContext("agent-x")
	if _, ok := m.GetCrashContext("agent-x"); ok {
		t.Error("crash context survived clear")
	}
}

func TestSnapshotCarriesVirtualAndSwap(t *testing.T) {
	m, sampler, clk, _ := testMonitor(t)
	sampler.create[42] = 1111
	m.Register("agent-x", 42)

	clk.Advance(10 * time.Second)
	sampler.mu.Lock()
	sampler.rss[42] = 80 * mib
	sampler.vms[42] = 400 * mib
	sampler.swap[42] = 5 * mib
	sampler.mu.Unlock()
	m.SampleAll()

	cc, ok := m.GetCrashContext("agent-x")
	if !ok || cc.LastSnapshot == nil {
		t.Fatal("no snapshot recorded")
	}
	if cc.LastSnapshot.VMS != 400*mib {
		t.Errorf("vms = %d, want %d", cc.LastSnapshot.VMS, uint64(400*mib))
	}
	if cc.LastSnapshot.Swap != 5*mib {
		t.Errorf("swap = %d, want %d", cc.LastSnapshot.Swap, uint64(5*mib))
	}
}

func TestPIDReuseDetected(t *testing.T) {
	m, sampler, clk, _ := testMonitor(t)
	sampler.create[42] = 1111
	m.Register("agent-x", 42)

	clk.Advance(10 * time.Second)
	sampler.set(42, 80*mib)
	m.SampleAll()

	// Same PID, different process start time.
	sampler.mu.Lock()
	sampler.create[42] = 2222
	sampler.mu.Unlock()
	m.SampleAll()

	if _, ok := m.Metrics("agent-x"); ok {
		t.Error("recycled PID still monitored under the old agent")
	}
	if _, ok := m.GetCrashContext("agent-x"); !ok {
		t.Error("final metrics not preserved on PID reuse")
	}
}

func TestSuddenSpikeCause(t *testing.T) {
	m, sampler, clk, _ := testMonitor(t)
	sampler.create[42] = 1111
	m.Register("agent-x", 42)

	for _, rss := range []uint64{50 * mib, 180 * mib} {
		clk.Advance(10 * time.Second)
		sampler.set(42, rss)
		m.SampleAll()
	}
	m.Unregister("agent-x")

	cc, ok := m.GetCrashContext("agent-x")
	if !ok {
		t.Fatal("crash context missing")
	}
	if cc.LikelyCause != "sudden_spike" {
		t.Errorf("likely cause = %q, want sudden_spike", cc.LikelyCause)
	}
}
