package broker

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-relay/agent-relay/internal/protocol"
)

// ErrSessionClosed is returned when writing to a session that has gone away.
var ErrSessionClosed = errors.New("session closed")

// outboundQueueSize bounds each session's outbound frame channel. A full
// queue blocks the producer, which is the backpressure mechanism between
// the delivery scheduler and a slow consumer.
const outboundQueueSize = 256

// session is the per-connection state: the socket, the agent that owns it,
// and the outbound frame queue drained by a single writer goroutine.
type session struct {
	id    string
	agent string
	conn  net.Conn
	log   *slog.Logger

	out    chan protocol.Frame
	closed chan struct{}

	closeOnce sync.Once
	reasonMu  sync.Mutex
	reason    string

	heartbeat   time.Duration
	idleTimeout time.Duration
}

func newSession(conn net.Conn, agent string, heartbeat, idleTimeout time.Duration, log *slog.Logger) *session {
	return &session{
		id:          uuid.NewString(),
		agent:       agent,
		conn:        conn,
		log:         log.With("component", "session", "agent", agent),
		out:         make(chan protocol.Frame, outboundQueueSize),
		closed:      make(chan struct{}),
		heartbeat:   heartbeat,
		idleTimeout: idleTimeout,
	}
}

// SessionID satisfies presence.Conn.
func (s *session) SessionID() string { return s.id }

// CloseWithReason satisfies presence.Conn. The first close wins; later
// reasons are dropped. Closing the socket unblocks the reader.
func (s *session) CloseWithReason(reason string) {
	s.closeOnce.Do(func() {
		s.reasonMu.Lock()
		s.reason = reason
		s.reasonMu.Unlock()
		close(s.closed)
		s.conn.Close()
	})
}

// CloseReason returns the reason recorded by the first CloseWithReason call.
func (s *session) CloseReason() string {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.reason
}

// Send queues a frame for the writer, blocking when the queue is full.
func (s *session) Send(f protocol.Frame) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- f:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	}
}

// TrySend queues a frame without blocking. Used for best-effort pushes
// (events) where dropping beats stalling the broker.
func (s *session) TrySend(f protocol.Frame) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.out <- f:
		return true
	default:
		return false
	}
}

// Done is closed once the session is closed.
func (s *session) Done() <-chan struct{} { return s.closed }

// writeLoop drains the outbound queue onto the socket and sends a heartbeat
// ping when nothing else has gone out for a heartbeat interval. Exits when
// the session closes or a write fails.
func (s *session) writeLoop() {
	timer := time.NewTimer(s.heartbeat)
	defer timer.Stop()

	for {
		select {
		case f := <-s.out:
			if err := protocol.WriteFrame(s.conn, &f); err != nil {
				s.log.Debug("write failed", "error", err)
				s.CloseWithReason("connection_lost")
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.heartbeat)
		case <-timer.C:
			ping := protocol.Frame{Type: protocol.TypePing}
			if err := protocol.WriteFrame(s.conn, &ping); err != nil {
				s.CloseWithReason("connection_lost")
				return
			}
			timer.Reset(s.heartbeat)
		case <-s.closed:
			// Drain what is already queued before letting go.
			for {
				select {
				case f := <-s.out:
					if protocol.WriteFrame(s.conn, &f) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// readFrame reads the next inbound frame under the idle deadline.
func (s *session) readFrame(maxBytes int) (*protocol.Frame, error) {
	if s.idleTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	}
	return protocol.ReadFrame(s.conn, maxBytes)
}
