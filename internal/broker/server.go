package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"

	"github.com/agent-relay/agent-relay/internal/clock"
	"github.com/agent-relay/agent-relay/internal/config"
	"github.com/agent-relay/agent-relay/internal/dlq"
	"github.com/agent-relay/agent-relay/internal/envelope"
	"github.com/agent-relay/agent-relay/internal/events"
	"github.com/agent-relay/agent-relay/internal/hooks"
	"github.com/agent-relay/agent-relay/internal/memmon"
	"github.com/agent-relay/agent-relay/internal/metrics"
	"github.com/agent-relay/agent-relay/internal/presence"
	"github.com/agent-relay/agent-relay/internal/protocol"
	"github.com/agent-relay/agent-relay/internal/store"
)

// Fatal startup errors. The daemon maps these to its exit codes.
var (
	ErrAlreadyRunning = errors.New("another relay instance is already running")
	ErrSocketBind     = errors.New("socket bind failure")
)

// Deps collects everything the server composes over.
type Deps struct {
	Config   *config.Config
	Log      *slog.Logger
	Clock    clock.Clock
	Store    *store.Store
	DLQ      *dlq.Store
	Registry *presence.Registry
	Bus      *events.Bus
	Hooks    *hooks.Emitter
	Engine   *Engine
	Limiter  *RateLimiter
	Memory   *memmon.Monitor // optional
	Version  string
}

// Server owns the UNIX socket, the accept loop, and every live session.
type Server struct {
	cfg     *config.Config
	log     *slog.Logger
	clk     clock.Clock
	msgs    *store.Store
	dead    *dlq.Store
	reg     *presence.Registry
	bus     *events.Bus
	hooks   *hooks.Emitter
	engine  *Engine
	limiter *RateLimiter
	mem     *memmon.Monitor
	version string

	ln        net.Listener
	startedAt time.Time
	degraded  atomic.Bool

	sessMu   sync.Mutex
	sessions map[string]*session // by session id
	connWG   sync.WaitGroup
}

func NewServer(d Deps) *Server {
	return &Server{
		cfg:      d.Config,
		log:      d.Log.With("component", "server"),
		clk:      d.Clock,
		msgs:     d.Store,
		dead:     d.DLQ,
		reg:      d.Registry,
		bus:      d.Bus,
		hooks:    d.Hooks,
		engine:   d.Engine,
		limiter:  d.Limiter,
		mem:      d.Memory,
		version:  d.Version,
		sessions: make(map[string]*session),
	}
}

// Run binds the socket and serves until ctx is cancelled. It owns the PID
// file for its lifetime.
func (s *Server) Run(ctx context.Context) error {
	pidPath := s.cfg.SocketPath + ".pid"
	if err := checkPIDFile(pidPath); err != nil {
		return err
	}
	// A leftover socket from an unclean exit; the PID check above proved
	// nobody is behind it.
	_ = os.Remove(s.cfg.SocketPath)

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSocketBind, err)
	}
	s.ln = ln
	s.startedAt = s.clk.Now()

	if err := writePIDFile(pidPath); err != nil {
		ln.Close()
		return fmt.Errorf("write pid file: %w", err)
	}
	defer func() {
		os.Remove(pidPath)
		os.Remove(s.cfg.SocketPath)
	}()

	s.engine.Start()
	if err := s.engine.Recover(); err != nil {
		s.log.Error("recover pending envelopes", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.acceptLoop(gctx) })
	g.Go(func() error { return s.bridgeEvents(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	s.log.Info("relay listening", "socket", s.cfg.SocketPath)
	err = g.Wait()
	s.connWG.Wait()
	s.engine.Stop()
	if flushErr := s.msgs.Flush(); flushErr != nil {
		s.log.Error("final flush", "error", flushErr)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			s.handleConn(conn)
		}()
	}
}

// bridgeEvents forwards bus events to every session as event frames,
// best effort.
func (s *Server) bridgeEvents(ctx context.Context) error {
	ch, cancel := s.bus.Subscribe()
	defer cancel()
	for {
		select {
		case evt := <-ch:
			payload := evt.Payload
			if payload == nil {
				payload = map[string]any{}
			}
			if evt.Agent != "" {
				payload["agent"] = evt.Agent
			}
			if evt.Message != "" {
				payload["message"] = evt.Message
			}
			frame := protocol.Event(string(evt.Kind), payload)
			s.eachSession(func(sess *session) { sess.TrySend(frame) })
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Server) eachSession(fn func(*session)) {
	s.sessMu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessMu.Unlock()
	for _, sess := range sessions {
		fn(sess)
	}
}

// handleConn runs one connection from hello to close.
func (s *Server) handleConn(conn net.Conn) {
	if s.cfg.ConnectTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	}
	first, err := protocol.ReadFrame(conn, s.cfg.MaxFrameBytes)
	if err != nil {
		conn.Close()
		return
	}
	if first.Type != protocol.TypeHello {
		f := protocol.ErrorFrame(protocol.CodeFrameError, "first frame must be hello")
		_ = protocol.WriteFrame(conn, &f)
		conn.Close()
		return
	}
	if !envelope.ValidName(first.Agent) {
		f := protocol.ErrorFrame(protocol.CodeInvalidName, "invalid agent name")
		_ = protocol.WriteFrame(conn, &f)
		conn.Close()
		return
	}

	sess := newSession(conn, first.Agent, s.cfg.Heartbeat, s.cfg.IdleTimeout, s.log)
	go sess.writeLoop()

	if displaced := s.reg.Register(sess.agent, sess); displaced != nil {
		displaced.CloseWithReason("replaced")
	}
	s.trackSession(sess)
	if s.mem != nil && first.PID > 0 {
		s.mem.Register(sess.agent, first.PID)
	}
	s.hooks.Emit(context.Background(), hooks.PresenceChange,
		map[string]any{"agent": sess.agent, "online": true})

	_ = sess.Send(protocol.Frame{
		Type:          protocol.TypeWelcome,
		ServerVersion: s.version,
		SessionID:     sess.id,
		Now:           s.clk.Now().UnixMilli(),
	})
	for _, topic := range first.Subscriptions {
		s.reg.Subscribe(sess.agent, topic)
	}

	s.readLoop(sess)

	reason := sess.CloseReason()
	if reason == "" {
		reason = "connection_lost"
	}
	sess.CloseWithReason(reason)
	if s.reg.Unregister(sess.agent, sess, reason) {
		s.hooks.Emit(context.Background(), hooks.PresenceChange,
			map[string]any{"agent": sess.agent, "online": false, "reason": reason})
	}
	s.untrackSession(sess)
	s.limiter.Forget(sess.agent)
	if s.mem != nil && !s.reg.Online(sess.agent) {
		s.mem.Unregister(sess.agent)
	}
	s.log.Info("session closed", "agent", sess.agent, "reason", reason)
}

func (s *Server) readLoop(sess *session) {
	for {
		f, err := sess.readFrame(s.cfg.MaxFrameBytes)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrFrameTooLarge):
				metrics.FrameErrorsTotal.Inc()
				ef := protocol.ErrorFrame(protocol.CodePayloadTooLarge, "frame exceeds limit")
				sess.TrySend(ef)
				sess.CloseWithReason("payload_too_large")
			case isTimeout(err):
				sess.CloseWithReason("idle_timeout")
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				sess.CloseWithReason("connection_lost")
			default:
				metrics.FrameErrorsTotal.Inc()
				sess.CloseWithReason("frame_error")
			}
			return
		}
		s.reg.Touch(sess.agent)
		s.dispatch(sess, f)
		select {
		case <-sess.Done():
			return
		default:
		}
	}
}

func (s *Server) dispatch(sess *session, f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeSend:
		s.handleSend(sess, f)
	case protocol.TypeSubscribe:
		s.reg.Subscribe(sess.agent, f.Topic)
		_ = sess.Send(protocol.Frame{Type: protocol.TypeAck, Topic: f.Topic, Status: "ok"})
	case protocol.TypeUnsubscribe:
		s.reg.Unsubscribe(sess.agent, f.Topic)
		_ = sess.Send(protocol.Frame{Type: protocol.TypeAck, Topic: f.Topic, Status: "ok"})
	case protocol.TypePing:
		_ = sess.Send(protocol.Frame{Type: protocol.TypePong, Now: s.clk.Now().UnixMilli()})
	case protocol.TypeStatus:
		if f.NeedsAttention != nil {
			s.reg.SetNeedsAttention(sess.agent, *f.NeedsAttention)
		}
	case protocol.TypeDelivered:
		s.engine.HandleDelivered(sess.agent, f.ID)
	case protocol.TypeAdmin:
		s.handleAdmin(sess, f)
	case protocol.TypePong:
		// Liveness only; Touch above already recorded it.
	default:
		ef := protocol.ErrorFrame(protocol.CodeUnknownKind, "unknown frame type "+f.Type)
		_ = sess.Send(ef)
	}
}

func (s *Server) handleSend(sess *session, f *protocol.Frame) {
	reject := func(id, code string) {
		metrics.SendsTotal.WithLabelValues("rejected").Inc()
		_ = sess.Send(protocol.Ack(id, protocol.AckRejected, code))
	}

	if !s.limiter.Allow(sess.agent) {
		reject(f.ID, protocol.CodeRateLimited)
		return
	}

	env := &envelope.Envelope{
		ID:     f.ID,
		From:   sess.agent,
		To:     f.To,
		Kind:   envelope.Kind(f.Kind),
		Body:   f.Body,
		Data:   f.Data,
		Thread: f.Thread,
		TS:     s.clk.Now().UnixMilli(),
		Status: envelope.StatusPending,
	}
	if env.ID == "" {
		env.ID = envelope.NewID()
	}
	if env.Kind == "" {
		env.Kind = envelope.KindMessage
	}
	if topic, ok := env.IsTopic(); ok {
		env.Topic = topic
	}

	if err := env.Validate(s.cfg.MaxBodyBytes); err != nil {
		switch {
		case errors.Is(err, envelope.ErrPayloadTooLarge):
			reject(env.ID, protocol.CodePayloadTooLarge)
		default:
			reject(env.ID, protocol.CodeInvalidName)
		}
		return
	}

	s.hooks.Emit(context.Background(), hooks.PreSend, env)

	// The recipient set is frozen here, before persistence; late joiners do
	// not receive this envelope.
	var recipients []string
	if env.IsBroadcast() {
		recipients = s.reg.BroadcastTargets(env.From)
	} else if topic, ok := env.IsTopic(); ok {
		recipients = s.reg.TopicTargets(topic, env.From)
	} else {
		recipients = []string{env.To}
	}

	if err := s.msgs.Append(env); err != nil {
		code, degraded := appendRejection(err)
		if code == protocol.CodeStorageError {
			s.log.Error("append failed", "id", env.ID, "error", err)
		}
		if degraded {
			s.setDegraded(true)
		}
		reject(env.ID, code)
		return
	}
	s.setDegraded(false)

	// Durability acknowledgement: Append returned, the envelope is on disk.
	metrics.SendsTotal.WithLabelValues("accepted").Inc()
	_ = sess.Send(protocol.Ack(env.ID, protocol.AckPending, ""))

	s.hooks.Emit(context.Background(), hooks.PostSend, env)
	s.engine.Dispatch(env, recipients)
}

// appendRejection maps a failed append to the rejection code and whether the
// failure marks storage degraded. ErrDegraded is the error the batching
// writer surfaces while a stuck batch awaits retry; new accepts stay refused
// until a batch lands again.
func appendRejection(err error) (code string, degraded bool) {
	switch {
	case errors.Is(err, store.ErrDuplicateID):
		return protocol.CodeDuplicateID, false
	case errors.Is(err, store.ErrDegraded):
		return protocol.CodeBackpressure, true
	default:
		return protocol.CodeStorageError, true
	}
}

// setDegraded flips degraded mode, announcing transitions on the bus.
func (s *Server) setDegraded(v bool) {
	if s.degraded.Swap(v) == v {
		return
	}
	if v {
		metrics.StorageDegraded.Set(1)
		s.log.Error("storage degraded, new sends refused")
		s.bus.Publish(events.Event{Kind: events.KindDegraded,
			Message: "message store unavailable, new sends refused"})
	} else {
		metrics.StorageDegraded.Set(0)
		s.log.Info("storage recovered")
		s.bus.Publish(events.Event{Kind: events.KindRecovered,
			Message: "message store recovered"})
	}
}

func (s *Server) trackSession(sess *session) {
	s.sessMu.Lock()
	s.sessions[sess.id] = sess
	s.sessMu.Unlock()
	metrics.AgentsOnline.Set(float64(s.reg.Count()))
}

func (s *Server) untrackSession(sess *session) {
	s.sessMu.Lock()
	delete(s.sessions, sess.id)
	s.sessMu.Unlock()
	metrics.AgentsOnline.Set(float64(s.reg.Count()))
}

// shutdown stops accepting, announces, drains, and closes every session.
func (s *Server) shutdown() {
	s.ln.Close()

	frame := protocol.Event(protocol.EventShutdown, map[string]any{
		"message": "relay shutting down",
	})
	s.eachSession(func(sess *session) { sess.TrySend(frame) })

	// Give writers a bounded window to flush their queues.
	deadline := time.After(s.cfg.ShutdownDrain)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
drain:
	for {
		select {
		case <-deadline:
			break drain
		case <-tick.C:
			idle := true
			s.eachSession(func(sess *session) {
				if len(sess.out) > 0 {
					idle = false
				}
			})
			if idle {
				break drain
			}
		}
	}

	s.eachSession(func(sess *session) { sess.CloseWithReason("shutdown") })
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// checkPIDFile refuses startup while a previous instance still runs.
func checkPIDFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil
	}
	alive, err := process.PidExists(int32(pid))
	if err == nil && alive {
		return fmt.Errorf("%w: pid %d", ErrAlreadyRunning, pid)
	}
	return nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}
