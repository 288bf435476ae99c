// Package presence tracks which agents are online, the session owning each
// name, and topic subscriptions. It is the broker's read-mostly membership
// table; fanout target sets are computed here.
package presence

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agent-relay/agent-relay/internal/clock"
	"github.com/agent-relay/agent-relay/internal/envelope"
	"github.com/agent-relay/agent-relay/internal/events"
)

// Conn is the slice of a connection session the registry needs: enough to
// identify it and to close a displaced one.
type Conn interface {
	SessionID() string
	CloseWithReason(reason string)
}

// entry is the registry's record for one online agent.
type entry struct {
	conn           Conn
	connectedAt    time.Time
	lastSeen       time.Time
	needsAttention bool
	topics         map[string]bool
}

// AgentInfo is a point-in-time copy of one agent's presence state.
type AgentInfo struct {
	Name           string    `json:"name"`
	SessionID      string    `json:"sessionId"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastSeen       time.Time `json:"lastSeen"`
	NeedsAttention bool      `json:"needsAttention"`
	Subscriptions  []string  `json:"subscriptions,omitempty"`
}

// Registry maps agent names to their single live session and holds the
// subscription table beside it under one lock.
type Registry struct {
	clk clock.Clock
	bus *events.Bus

	mu     sync.RWMutex
	agents map[string]*entry
	topics map[string]map[string]bool // topic -> set of agent names
	seen   map[string]bool            // every name that ever registered
}

func NewRegistry(clk clock.Clock, bus *events.Bus) *Registry {
	return &Registry{
		clk:    clk,
		bus:    bus,
		agents: make(map[string]*entry),
		topics: make(map[string]map[string]bool),
		seen:   make(map[string]bool),
	}
}

// Register binds name to conn and returns the displaced connection, if any.
// The caller closes the displaced connection with reason "replaced"; its
// subscriptions do not carry over. Emits a presence online event.
func (r *Registry) Register(name string, conn Conn) Conn {
	now := r.clk.Now()

	r.mu.Lock()
	var displaced Conn
	if old, ok := r.agents[name]; ok {
		displaced = old.conn
		r.dropSubscriptionsLocked(name, old)
	}
	r.agents[name] = &entry{
		conn:        conn,
		connectedAt: now,
		lastSeen:    now,
		topics:      make(map[string]bool),
	}
	r.seen[name] = true
	r.mu.Unlock()

	r.bus.Publish(events.Event{
		Kind:    events.KindPresence,
		Agent:   name,
		Payload: map[string]any{"online": true},
	})
	return displaced
}

// Unregister removes name if (and only if) conn still owns it; a session
// that was already replaced must not knock its successor offline. Emits a
// presence offline event when the removal happens.
func (r *Registry) Unregister(name string, conn Conn, reason string) bool {
	r.mu.Lock()
	e, ok := r.agents[name]
	if !ok || e.conn.SessionID() != conn.SessionID() {
		r.mu.Unlock()
		return false
	}
	r.dropSubscriptionsLocked(name, e)
	delete(r.agents, name)
	r.mu.Unlock()

	r.bus.Publish(events.Event{
		Kind:    events.KindPresence,
		Agent:   name,
		Payload: map[string]any{"online": false, "reason": reason},
	})
	return true
}

func (r *Registry) dropSubscriptionsLocked(name string, e *entry) {
	for topic := range e.topics {
		if set := r.topics[topic]; set != nil {
			delete(set, name)
			if len(set) == 0 {
				delete(r.topics, topic)
			}
		}
	}
}

// Touch records inbound activity for the agent.
func (r *Registry) Touch(name string) {
	r.mu.Lock()
	if e, ok := r.agents[name]; ok {
		e.lastSeen = r.clk.Now()
	}
	r.mu.Unlock()
}

// SetNeedsAttention sets the agent's attention flag from a status frame.
func (r *Registry) SetNeedsAttention(name string, v bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[name]
	if !ok {
		return false
	}
	e.needsAttention = v
	return true
}

// Subscribe adds a topic subscription for the agent. The pattern "*" is
// a catch-all matching every topic.
func (r *Registry) Subscribe(name, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[name]
	if !ok {
		return false
	}
	e.topics[topic] = true
	set := r.topics[topic]
	if set == nil {
		set = make(map[string]bool)
		r.topics[topic] = set
	}
	set[name] = true
	return true
}

// Unsubscribe removes a topic subscription. Unknown subscriptions are a
// harmless no-op.
func (r *Registry) Unsubscribe(name, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[name]
	if !ok {
		return
	}
	delete(e.topics, topic)
	if set := r.topics[topic]; set != nil {
		delete(set, name)
		if len(set) == 0 {
			delete(r.topics, topic)
		}
	}
}

// Lookup returns the live connection for an agent name.
func (r *Registry) Lookup(name string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[name]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Online reports whether the agent currently owns a session.
func (r *Registry) Online(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[name]
	return ok
}

// Get returns a snapshot of one agent's presence state.
func (r *Registry) Get(name string) (AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[name]
	if !ok {
		return AgentInfo{}, false
	}
	return r.infoLocked(name, e), true
}

// List returns a snapshot of every online agent, sorted by name.
func (r *Registry) List() []AgentInfo {
	r.mu.RLock()
	out := make([]AgentInfo, 0, len(r.agents))
	for name, e := range r.agents {
		out = append(out, r.infoLocked(name, e))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) infoLocked(name string, e *entry) AgentInfo {
	topics := make([]string, 0, len(e.topics))
	for t := range e.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return AgentInfo{
		Name:           name,
		SessionID:      e.conn.SessionID(),
		ConnectedAt:    e.connectedAt,
		LastSeen:       e.lastSeen,
		NeedsAttention: e.needsAttention,
		Subscriptions:  topics,
	}
}

// Subscriptions returns the full topic table as topic -> sorted agent names.
func (r *Registry) Subscriptions() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.topics))
	for topic, set := range r.topics {
		names := make([]string, 0, len(set))
		for n := range set {
			names = append(names, n)
		}
		sort.Strings(names)
		out[topic] = names
	}
	return out
}

// BroadcastTargets returns the agents a "*" send fans out to: everyone
// online at this instant except the sender and observer-prefixed agents.
func (r *Registry) BroadcastTargets(sender string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for name := range r.agents {
		if name == sender || strings.HasPrefix(name, envelope.ObserverPrefix) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// TopicTargets returns the agents subscribed to the topic, including
// catch-all "*" subscribers. The sender is excluded.
func (r *Registry) TopicTargets(topic, sender string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	for name := range r.topics[topic] {
		seen[name] = true
	}
	for name := range r.topics["*"] {
		seen[name] = true
	}
	delete(seen, sender)

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Seen reports whether an agent by this name has ever registered during the
// broker's lifetime. Sends to never-seen names dead-letter immediately
// instead of parking forever.
func (r *Registry) Seen(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seen[name]
}

// Count returns the number of online agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
