// Package memmon samples the resident memory of registered agent processes,
// keeps bounded per-agent history with watermarks and trend, and raises
// debounced alerts when configured thresholds are crossed.
package memmon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/agent-relay/agent-relay/internal/clock"
	"github.com/agent-relay/agent-relay/internal/config"
	"github.com/agent-relay/agent-relay/internal/events"
	"github.com/agent-relay/agent-relay/internal/hooks"
	"github.com/agent-relay/agent-relay/internal/metrics"
)

// maxSamples bounds each agent's snapshot ring.
const maxSamples = 360

// trendWindow is how many trailing samples the trend is computed over.
const trendWindow = 6

// mib in bytes.
const mib = 1 << 20

// Trend classifies recent memory movement.
type Trend string

const (
	TrendGrowing   Trend = "growing"
	TrendStable    Trend = "stable"
	TrendShrinking Trend = "shrinking"
	TrendUnknown   Trend = "unknown"
)

// AlertLevel is the memory alert state for an agent.
type AlertLevel string

const (
	LevelNormal      AlertLevel = "normal"
	LevelWarning     AlertLevel = "warning"
	LevelCritical    AlertLevel = "critical"
	LevelOOMImminent AlertLevel = "oom_imminent"
)

// Snapshot is one memory sample of a monitored process. VMS and Swap are
// best effort; platforms that cannot report them leave zero.
type Snapshot struct {
	TS         time.Time `json:"ts"`
	RSS        uint64    `json:"rss"`
	VMS        uint64    `json:"vms,omitempty"`
	Swap       uint64    `json:"swap,omitempty"`
	CPUPercent float64   `json:"cpuPercent"`
}

// Sampler reads process statistics. The gopsutil implementation is the
// production one; tests inject their own.
type Sampler interface {
	Sample(pid int32) (Snapshot, error)
	CreateTime(pid int32) (int64, error)
}

// GopsutilSampler reads live process tables via gopsutil.
type GopsutilSampler struct{}

func (GopsutilSampler) Sample(pid int32) (Snapshot, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return Snapshot{}, err
	}
	mi, err := p.MemoryInfo()
	if err != nil {
		return Snapshot{}, err
	}
	cpu, _ := p.CPUPercent()
	return Snapshot{TS: time.Now(), RSS: mi.RSS, VMS: mi.VMS, Swap: mi.Swap, CPUPercent: cpu}, nil
}

func (GopsutilSampler) CreateTime(pid int32) (int64, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return 0, err
	}
	return p.CreateTime()
}

// agentState is the retained history for one monitored process.
type agentState struct {
	pid        int32
	createTime int64
	startedAt  time.Time

	samples   []Snapshot
	high      uint64
	low       uint64
	level     AlertLevel
	lastAlert time.Time
}

// AgentSummary is a point-in-time view of one agent's memory state.
type AgentSummary struct {
	Agent         string     `json:"agent"`
	PID           int32      `json:"pid"`
	StartedAt     time.Time  `json:"startedAt"`
	LastRSS       uint64     `json:"lastRss"`
	HighWatermark uint64     `json:"highWatermark"`
	LowWatermark  uint64     `json:"lowWatermark"`
	AverageRSS    uint64     `json:"averageRss"`
	Trend         Trend      `json:"trend"`
	RatePerMinute float64    `json:"ratePerMinute"` // bytes per minute
	AlertLevel    AlertLevel `json:"alertLevel"`
	Samples       int        `json:"samples"`
}

// CrashContext reconstructs what was known about an agent's memory at the
// time its process disappeared.
type CrashContext struct {
	Agent         string     `json:"agent"`
	PID           int32      `json:"pid"`
	LastSnapshot  *Snapshot  `json:"lastSnapshot,omitempty"`
	HighWatermark uint64     `json:"highWatermark"`
	LowWatermark  uint64     `json:"lowWatermark"`
	AverageRSS    uint64     `json:"averageRss"`
	Trend         Trend      `json:"trend"`
	RatePerMinute float64    `json:"ratePerMinute"`
	LikelyCause   string     `json:"likelyCause"` // oom, memory_leak, sudden_spike, unknown
	History       []Snapshot `json:"history,omitempty"`
}

// Monitor owns all per-agent memory state. Construct once in the daemon's
// composition root.
type Monitor struct {
	cfg     *config.Config
	log     *slog.Logger
	clk     clock.Clock
	bus     *events.Bus
	hooks   *hooks.Emitter
	sampler Sampler

	mu     sync.Mutex
	agents map[string]*agentState
	final  map[string]*CrashContext // preserved after a process disappears
}

func New(cfg *config.Config, log *slog.Logger, clk clock.Clock, bus *events.Bus,
	emitter *hooks.Emitter, sampler Sampler) *Monitor {
	return &Monitor{
		cfg:     cfg,
		log:     log.With("component", "memmon"),
		clk:     clk,
		bus:     bus,
		hooks:   emitter,
		sampler: sampler,
		agents:  make(map[string]*agentState),
		final:   make(map[string]*CrashContext),
	}
}

// Register starts monitoring the process behind an agent. Re-registering a
// name resets its history.
func (m *Monitor) Register(agent string, pid int32) {
	ct, err := m.sampler.CreateTime(pid)
	if err != nil {
		m.log.Debug("create time unavailable", "agent", agent, "pid", pid, "error", err)
	}
	m.mu.Lock()
	m.agents[agent] = &agentState{
		pid:        pid,
		createTime: ct,
		startedAt:  m.clk.Now(),
		level:      LevelNormal,
	}
	delete(m.final, agent)
	m.mu.Unlock()
}

// Unregister stops monitoring and preserves the final metrics for crash
// context until cleared.
func (m *Monitor) Unregister(agent string) {
	m.mu.Lock()
	st, ok := m.agents[agent]
	if ok {
		m.final[agent] = m.crashContextLocked(agent, st)
		delete(m.agents, agent)
	}
	m.mu.Unlock()
}

// ClearCrashContext drops the preserved final metrics for an agent.
func (m *Monitor) ClearCrashContext(agent string) {
	m.mu.Lock()
	delete(m.final, agent)
	m.mu.Unlock()
}

// Run samples all registered agents every sample interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		select {
		case <-m.clk.After(m.cfg.SampleInterval):
			m.SampleAll()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SampleAll takes one sample of every monitored process.
func (m *Monitor) SampleAll() {
	m.mu.Lock()
	type target struct {
		agent string
		pid   int32
		ct    int64
	}
	targets := make([]target, 0, len(m.agents))
	for agent, st := range m.agents {
		targets = append(targets, target{agent, st.pid, st.createTime})
	}
	m.mu.Unlock()

	for _, t := range targets {
		// A changed create time means the PID was recycled by another
		// process; the old one is gone.
		if ct, err := m.sampler.CreateTime(t.pid); err != nil || (t.ct != 0 && ct != t.ct) {
			m.log.Info("monitored process gone", "agent", t.agent, "pid", t.pid)
			m.Unregister(t.agent)
			continue
		}
		snap, err := m.sampler.Sample(t.pid)
		if err != nil {
			// Sampling failures are absorbed; the process may be mid-exit.
			continue
		}
		snap.TS = m.clk.Now()
		m.record(t.agent, snap)
	}
}

// record folds one snapshot into an agent's state and evaluates alerts.
func (m *Monitor) record(agent string, snap Snapshot) {
	m.mu.Lock()
	st, ok := m.agents[agent]
	if !ok {
		m.mu.Unlock()
		return
	}

	st.samples = append(st.samples, snap)
	if len(st.samples) > maxSamples {
		st.samples = st.samples[len(st.samples)-maxSamples:]
	}
	if snap.RSS > st.high {
		st.high = snap.RSS
	}
	if st.low == 0 || snap.RSS < st.low {
		st.low = snap.RSS
	}

	trend, rate := trendOf(st.samples)
	level := m.levelFor(snap.RSS)
	prev := st.level
	st.level = level

	var alerts []string
	switch {
	case level != LevelNormal && level != prev:
		alerts = append(alerts, string(level))
	case level == LevelNormal && prev != LevelNormal:
		alerts = append(alerts, "recovered")
	}
	if trend == TrendGrowing && m.cfg.TrendRateWarning > 0 && rate > m.cfg.TrendRateWarning {
		alerts = append(alerts, "trend_warning")
	}

	now := snap.TS
	emit := len(alerts) > 0 && (st.lastAlert.IsZero() || now.Sub(st.lastAlert) >= m.cfg.AlertCooldown)
	if emit {
		st.lastAlert = now
	}
	m.mu.Unlock()

	if !emit {
		return
	}
	for _, a := range alerts {
		m.log.Warn("memory alert", "agent", agent, "alert", a, "rss", snap.RSS)
		metrics.MemoryAlertsTotal.WithLabelValues(a).Inc()
		payload := map[string]any{
			"level": a,
			"rss":   snap.RSS,
			"rate":  rate,
			"trend": string(trend),
		}
		m.hooks.Emit(context.Background(), hooks.MemoryAlert, payload)
		m.bus.Publish(events.Event{
			Kind:    events.KindMemoryAlert,
			Agent:   agent,
			Message: a,
			Payload: payload,
		})
	}
}

func (m *Monitor) levelFor(rss uint64) AlertLevel {
	switch {
	case m.cfg.OOMImminentBytes > 0 && rss >= m.cfg.OOMImminentBytes:
		return LevelOOMImminent
	case m.cfg.CriticalBytes > 0 && rss >= m.cfg.CriticalBytes:
		return LevelCritical
	case m.cfg.WarningBytes > 0 && rss >= m.cfg.WarningBytes:
		return LevelWarning
	}
	return LevelNormal
}

// trendOf computes the movement classification and rate in bytes per minute
// over the trailing window. Fewer than trendWindow samples means unknown.
func trendOf(samples []Snapshot) (Trend, float64) {
	if len(samples) < trendWindow {
		return TrendUnknown, 0
	}
	window := samples[len(samples)-trendWindow:]
	first, last := window[0], window[len(window)-1]
	minutes := last.TS.Sub(first.TS).Minutes()
	if minutes <= 0 {
		return TrendUnknown, 0
	}
	rate := (float64(last.RSS) - float64(first.RSS)) / minutes
	switch {
	case rate > mib:
		return TrendGrowing, rate
	case rate < -mib:
		return TrendShrinking, rate
	}
	return TrendStable, rate
}

// Summary returns the current state of every monitored agent.
func (m *Monitor) Summary() []AgentSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AgentSummary, 0, len(m.agents))
	for agent, st := range m.agents {
		s := AgentSummary{
			Agent:         agent,
			PID:           st.pid,
			StartedAt:     st.startedAt,
			HighWatermark: st.high,
			LowWatermark:  st.low,
			AverageRSS:    averageRSS(st.samples),
			AlertLevel:    st.level,
			Samples:       len(st.samples),
		}
		s.Trend, s.RatePerMinute = trendOf(st.samples)
		if n := len(st.samples); n > 0 {
			s.LastRSS = st.samples[n-1].RSS
		}
		out = append(out, s)
	}
	return out
}

// Metrics returns one agent's summary.
func (m *Monitor) Metrics(agent string) (AgentSummary, bool) {
	for _, s := range m.Summary() {
		if s.Agent == agent {
			return s, true
		}
	}
	return AgentSummary{}, false
}

// GetCrashContext returns the reconstruction for a live agent or, failing
// that, the preserved final metrics of a departed one.
func (m *Monitor) GetCrashContext(agent string) (*CrashContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.agents[agent]; ok {
		return m.crashContextLocked(agent, st), true
	}
	if cc, ok := m.final[agent]; ok {
		return cc, true
	}
	return nil, false
}

func (m *Monitor) crashContextLocked(agent string, st *agentState) *CrashContext {
	cc := &CrashContext{
		Agent:         agent,
		PID:           st.pid,
		HighWatermark: st.high,
		LowWatermark:  st.low,
		AverageRSS:    averageRSS(st.samples),
	}
	cc.Trend, cc.RatePerMinute = trendOf(st.samples)

	n := len(st.samples)
	if n > 0 {
		last := st.samples[n-1]
		cc.LastSnapshot = &last
	}
	historyStart := n - 20
	if historyStart < 0 {
		historyStart = 0
	}
	cc.History = append(cc.History, st.samples[historyStart:]...)

	cc.LikelyCause = "unknown"
	switch {
	case n > 0 && m.cfg.OOMImminentBytes > 0 && st.samples[n-1].RSS >= m.cfg.OOMImminentBytes:
		cc.LikelyCause = "oom"
	case cc.Trend == TrendGrowing && m.cfg.TrendRateWarning > 0 && cc.RatePerMinute > m.cfg.TrendRateWarning:
		cc.LikelyCause = "memory_leak"
	case n >= 2 && st.samples[n-1].RSS > st.samples[n-2].RSS &&
		st.samples[n-1].RSS-st.samples[n-2].RSS > 100*mib:
		cc.LikelyCause = "sudden_spike"
	}
	return cc
}

func averageRSS(samples []Snapshot) uint64 {
	if len(samples) == 0 {
		return 0
	}
	var sum uint64
	for _, s := range samples {
		sum += s.RSS
	}
	return sum / uint64(len(samples))
}
