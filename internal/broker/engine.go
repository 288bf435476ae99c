package broker

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/agent-relay/agent-relay/internal/clock"
	"github.com/agent-relay/agent-relay/internal/config"
	"github.com/agent-relay/agent-relay/internal/dlq"
	"github.com/agent-relay/agent-relay/internal/envelope"
	"github.com/agent-relay/agent-relay/internal/events"
	"github.com/agent-relay/agent-relay/internal/hooks"
	"github.com/agent-relay/agent-relay/internal/metrics"
	"github.com/agent-relay/agent-relay/internal/presence"
	"github.com/agent-relay/agent-relay/internal/protocol"
	"github.com/agent-relay/agent-relay/internal/store"
)

// offlinePollInterval caps how long a parked delivery waits between checks
// for its recipient, independent of presence wakeups.
const offlinePollInterval = 500 * time.Millisecond

// deliverConn is the slice of a session the engine needs to push frames.
type deliverConn interface {
	Send(protocol.Frame) error
	Done() <-chan struct{}
}

// recipientQueue is one agent's FIFO delivery queue. A single worker drains
// it, which is what makes per-pair ordering hold.
type recipientQueue struct {
	mu    sync.Mutex
	items []*envelope.Envelope
	wake  chan struct{} // poked on enqueue and on recipient reconnect
}

func (q *recipientQueue) push(env *envelope.Envelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()
	q.poke()
}

func (q *recipientQueue) pop() *envelope.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	env := q.items[0]
	q.items = q.items[1:]
	return env
}

func (q *recipientQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *recipientQueue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Engine routes accepted envelopes to their recipients: fanout resolution,
// per-recipient FIFO workers, retry with backoff, ack tracking, and terminal
// failure handling into the dead-letter queue.
type Engine struct {
	cfg   *config.Config
	log   *slog.Logger
	clk   clock.Clock
	msgs  *store.Store
	dead  *dlq.Store
	reg   *presence.Registry
	bus   *events.Bus
	hooks *hooks.Emitter

	mu     sync.Mutex
	queues map[string]*recipientQueue
	acks   map[string]chan struct{} // envelope id \x00 recipient

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(cfg *config.Config, log *slog.Logger, clk clock.Clock, msgs *store.Store,
	dead *dlq.Store, reg *presence.Registry, bus *events.Bus, emitter *hooks.Emitter) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:    cfg,
		log:    log.With("component", "engine"),
		clk:    clk,
		msgs:   msgs,
		dead:   dead,
		reg:    reg,
		bus:    bus,
		hooks:  emitter,
		queues: make(map[string]*recipientQueue),
		acks:   make(map[string]chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins watching presence events so parked deliveries wake as soon as
// their recipient reconnects.
func (e *Engine) Start() {
	ch, cancel := e.bus.Subscribe()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		for {
			select {
			case evt := <-ch:
				if evt.Kind != events.KindPresence {
					continue
				}
				if online, _ := evt.Payload["online"].(bool); !online {
					continue
				}
				e.mu.Lock()
				q := e.queues[evt.Agent]
				e.mu.Unlock()
				if q != nil {
					q.poke()
				}
			case <-e.ctx.Done():
				return
			}
		}
	}()
}

// Stop halts all workers. Unfinished deliveries stay pending in storage and
// are re-queued by Recover on the next run.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// Dispatch routes an accepted, persisted envelope. The recipient set was
// frozen by the caller at accept time.
func (e *Engine) Dispatch(env *envelope.Envelope, recipients []string) {
	fanout := env.IsBroadcast()
	if _, isTopic := env.IsTopic(); isTopic {
		fanout = true
	}

	if len(recipients) == 0 {
		// One terminal record per send, not per recipient.
		e.deadLetter(env, env.To, envelope.ReasonTargetNotFound, "no recipients resolved")
		return
	}

	if fanout {
		// A fanout send succeeds once its recipient set is committed;
		// individual failures dead-letter independently.
		if _, err := e.msgs.UpdateStatus(env.ID, envelope.StatusDelivered); err != nil {
			e.log.Error("mark fanout delivered", "id", env.ID, "error", err)
		}
	}

	for _, rcpt := range recipients {
		if !fanout && !e.reg.Seen(rcpt) {
			e.deadLetter(env, rcpt, envelope.ReasonTargetNotFound, "recipient never connected")
			continue
		}
		// Each worker owns its copy; attempt counts diverge per recipient.
		cp := *env
		e.enqueue(rcpt, &cp)
	}
}

// Recover re-queues envelopes left pending by a previous run. Fanout
// recipient sets are frozen at accept and never persisted, so a pending
// broadcast or topic row cannot be re-resolved; it dead-letters instead of
// parking forever under a name no session can ever claim.
func (e *Engine) Recover() error {
	pending, err := e.msgs.ListHistory(store.Query{
		Status:    envelope.StatusPending,
		Ascending: true,
		Limit:     e.cfg.MaxMessages,
	})
	if err != nil {
		return err
	}
	requeued := 0
	for _, env := range pending {
		_, isTopic := env.IsTopic()
		if env.IsBroadcast() || isTopic {
			e.deadLetter(env, env.To, envelope.ReasonUnknown, "fanout recipients lost in restart")
			continue
		}
		e.enqueue(env.To, env)
		requeued++
	}
	if requeued > 0 {
		e.log.Info("recovered pending envelopes", "count", requeued)
	}
	return nil
}

// Redeliver queues a dead-lettered envelope for a fresh round of attempts.
func (e *Engine) Redeliver(rcpt string, env *envelope.Envelope) {
	replay := *env
	replay.Attempts = 0
	e.enqueue(rcpt, &replay)
}

// HandleDelivered records a recipient's ack for an envelope.
func (e *Engine) HandleDelivered(agent, id string) {
	e.mu.Lock()
	ch := e.acks[ackKey(id, agent)]
	e.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// QueueDepths returns the current per-recipient backlog sizes.
func (e *Engine) QueueDepths() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.queues))
	for name, q := range e.queues {
		if d := q.depth(); d > 0 {
			out[name] = d
		}
	}
	return out
}

func (e *Engine) enqueue(rcpt string, env *envelope.Envelope) {
	e.mu.Lock()
	q, ok := e.queues[rcpt]
	if !ok {
		q = &recipientQueue{wake: make(chan struct{}, 1)}
		e.queues[rcpt] = q
		e.wg.Add(1)
		go e.worker(rcpt, q)
	}
	e.mu.Unlock()
	q.push(env)
	metrics.QueueDepth.Inc()
}

// worker drains one recipient's queue serially for the life of the engine.
func (e *Engine) worker(rcpt string, q *recipientQueue) {
	defer e.wg.Done()
	for {
		env := q.pop()
		if env == nil {
			select {
			case <-q.wake:
				continue
			case <-e.ctx.Done():
				return
			}
		}
		metrics.QueueDepth.Dec()
		if !e.deliverOne(rcpt, q, env) {
			return
		}
	}
}

// deliverOne runs the full attempt loop for one envelope to one recipient.
// Returns false when the engine is stopping.
func (e *Engine) deliverOne(rcpt string, q *recipientQueue, env *envelope.Envelope) bool {
	attempts := env.Attempts

	for {
		if e.expired(env) {
			e.expire(env, rcpt)
			return true
		}

		conn, online := e.lookup(rcpt)
		if !online {
			// Offline at send time parks indefinitely (TTL-bound); a drop
			// mid-delivery gets only the reconnect grace.
			grace := time.Duration(0)
			if attempts > 0 {
				grace = e.cfg.ReconnectGrace
			}
			on, cont := e.waitOnline(rcpt, q, grace)
			if !cont {
				return false
			}
			if !on && attempts > 0 {
				e.deadLetter(env, rcpt, envelope.ReasonConnectionLost, "no reconnect within grace")
				return true
			}
			continue
		}

		attempts++
		env.Attempts = attempts
		if err := e.msgs.UpdateAttempts(env.ID, attempts); err != nil {
			e.log.Warn("record attempt", "id", env.ID, "error", err)
		}

		e.hooks.Emit(e.ctx, hooks.PreDeliver, env)
		started := e.clk.Now()
		downMidAttempt, acked := e.attempt(conn, rcpt, env)
		if acked {
			if _, err := e.msgs.UpdateStatus(env.ID, envelope.StatusDelivered); err != nil {
				e.log.Error("mark delivered", "id", env.ID, "error", err)
			}
			e.hooks.Emit(e.ctx, hooks.PostDeliver, env)
			metrics.DeliveriesTotal.Inc()
			metrics.DeliveryDuration.Observe(e.clk.Since(started).Seconds())
			return true
		}
		metrics.RetriesTotal.Inc()

		if attempts >= e.cfg.MaxAttempts {
			e.deadLetter(env, rcpt, envelope.ReasonMaxRetries, "delivery attempts exhausted")
			return true
		}
		if downMidAttempt {
			// Skip the backoff; the grace wait above takes over.
			continue
		}
		select {
		case <-e.clk.After(e.backoff(attempts)):
		case <-e.ctx.Done():
			return false
		}
	}
}

// attempt pushes one deliver frame and waits for the recipient's ack.
// Returns (sessionClosed, acked).
func (e *Engine) attempt(conn deliverConn, rcpt string, env *envelope.Envelope) (bool, bool) {
	key := ackKey(env.ID, rcpt)
	ackCh := make(chan struct{}, 1)
	e.mu.Lock()
	e.acks[key] = ackCh
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.acks, key)
		e.mu.Unlock()
	}()

	if err := conn.Send(protocol.Deliver(env)); err != nil {
		return true, false
	}

	select {
	case <-ackCh:
		return false, true
	case <-conn.Done():
		return true, false
	case <-e.clk.After(e.cfg.AckTimeout):
		return false, false
	case <-e.ctx.Done():
		return false, false
	}
}

// waitOnline blocks until the recipient reconnects or the grace period runs
// out. Grace 0 parks for at most one poll interval so the caller can recheck
// TTL between waits. Returns (online, continueRunning).
func (e *Engine) waitOnline(rcpt string, q *recipientQueue, grace time.Duration) (bool, bool) {
	var deadline <-chan time.Time
	if grace > 0 {
		deadline = e.clk.After(grace)
	}
	for {
		select {
		case <-q.wake:
			if e.reg.Online(rcpt) {
				return true, true
			}
		case <-e.clk.After(offlinePollInterval):
			if on := e.reg.Online(rcpt); on || grace == 0 {
				return on, true
			}
		case <-deadline:
			return e.reg.Online(rcpt), true
		case <-e.ctx.Done():
			return false, false
		}
	}
}

func (e *Engine) lookup(rcpt string) (deliverConn, bool) {
	conn, ok := e.reg.Lookup(rcpt)
	if !ok {
		return nil, false
	}
	dc, ok := conn.(deliverConn)
	return dc, ok
}

func (e *Engine) expired(env *envelope.Envelope) bool {
	if e.cfg.TTL <= 0 {
		return false
	}
	return e.clk.Now().Sub(env.Time()) > e.cfg.TTL
}

func (e *Engine) expire(env *envelope.Envelope, rcpt string) {
	if _, err := e.msgs.UpdateStatus(env.ID, envelope.StatusExpired); err != nil {
		e.log.Error("mark expired", "id", env.ID, "error", err)
	}
	e.record(env, rcpt, envelope.ReasonTTLExpired, "ttl exceeded")
}

// deadLetter finalises one recipient's share of an envelope.
func (e *Engine) deadLetter(env *envelope.Envelope, rcpt string, reason envelope.Reason, msg string) {
	if _, err := e.msgs.UpdateStatus(env.ID, envelope.StatusDeadLettered); err != nil {
		e.log.Error("mark dead-lettered", "id", env.ID, "error", err)
	}
	e.record(env, rcpt, reason, msg)
}

func (e *Engine) record(env *envelope.Envelope, rcpt string, reason envelope.Reason, msg string) {
	entry := &envelope.DeadLetter{
		Envelope:     *env,
		Recipient:    rcpt,
		Reason:       reason,
		ErrorMessage: msg,
	}
	if err := e.dead.Add(entry); err != nil {
		e.log.Error("dlq add failed", "id", env.ID, "error", err)
	}
	e.log.Warn("delivery dead-lettered",
		"id", env.ID, "to", rcpt, "reason", string(reason))
	metrics.DeadLettersTotal.WithLabelValues(string(reason)).Inc()

	e.hooks.Emit(e.ctx, hooks.DeadLetter, entry)
	e.bus.Publish(events.Event{
		Kind:    events.KindDeadLetter,
		Agent:   rcpt,
		Message: msg,
		Payload: map[string]any{"id": env.ID, "from": env.From, "reason": string(reason)},
	})
}

// backoff returns the delay before the next attempt: initial doubled per
// attempt with 25% jitter, capped.
func (e *Engine) backoff(attempts int) time.Duration {
	d := e.cfg.InitialBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= e.cfg.MaxBackoff {
			d = e.cfg.MaxBackoff
			break
		}
	}
	jitter := 1 + (rand.Float64()*0.5 - 0.25)
	d = time.Duration(float64(d) * jitter)
	if d > e.cfg.MaxBackoff {
		d = e.cfg.MaxBackoff
	}
	return d
}

func ackKey(id, rcpt string) string {
	return id + "\x00" + rcpt
}
