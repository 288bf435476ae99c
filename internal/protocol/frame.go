// Package protocol implements the length-prefixed JSON frame protocol spoken
// on the relay socket: a 4-byte big-endian length followed by that many bytes
// of one UTF-8 JSON object. Frames carry an explicit "type" discriminator;
// unknown types are rejected at the boundary.
package protocol

import (
	"github.com/agent-relay/agent-relay/internal/envelope"
)

// Frame types sent by clients.
const (
	TypeHello       = "hello"
	TypeSend        = "send"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypeStatus      = "status"
	TypeAdmin       = "admin"
	TypeDelivered   = "delivered"
)

// Frame types sent by the broker.
const (
	TypeWelcome = "welcome"
	TypeAck     = "ack"
	TypePong    = "pong"
	TypeDeliver = "deliver"
	TypeEvent   = "event"
	TypeError   = "error"
)

// Ack statuses.
const (
	AckPending  = "pending"
	AckRejected = "rejected"
)

// Error codes carried on error frames and ack rejections.
const (
	CodeUnknownKind     = "unknown_kind"
	CodeInvalidName     = "invalid_name"
	CodePayloadTooLarge = "payload_too_large"
	CodeDuplicateID     = "duplicate_id"
	CodeRateLimited     = "rate_limited"
	CodeBackpressure    = "backpressure"
	CodeFrameError      = "frame_error"
	CodeStorageError    = "storage_error"
)

// Event kinds pushed on event frames.
const (
	EventPresence    = "presence"
	EventShutdown    = "shutdown"
	EventDegraded    = "degraded"
	EventMemoryAlert = "memory_alert"
	EventDeadLetter  = "dead_letter"
)

// KnownType reports whether t is a frame type a client may send.
func KnownType(t string) bool {
	switch t {
	case TypeHello, TypeSend, TypeSubscribe, TypeUnsubscribe,
		TypePing, TypeStatus, TypeAdmin, TypeDelivered:
		return true
	}
	return false
}

// Frame is the single wire object. The Type field selects which of the
// optional fields are meaningful; unknown JSON keys are ignored on decode.
type Frame struct {
	Type string `json:"type"`

	// hello
	Agent         string   `json:"agent,omitempty"`
	Version       string   `json:"version,omitempty"`
	Subscriptions []string `json:"subscriptions,omitempty"`
	PID           int32    `json:"pid,omitempty"` // enables memory monitoring when set

	// welcome / pong
	ServerVersion string `json:"serverVersion,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	Now           int64  `json:"now,omitempty"`

	// send / ack / delivered
	ID     string         `json:"id,omitempty"`
	To     string         `json:"to,omitempty"`
	Body   string         `json:"body,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	Thread string         `json:"thread,omitempty"`
	Kind   string         `json:"kind,omitempty"`
	Status string         `json:"status,omitempty"`
	Reason string         `json:"reason,omitempty"`

	// subscribe / unsubscribe
	Topic string `json:"topic,omitempty"`

	// status
	NeedsAttention *bool `json:"needsAttention,omitempty"`

	// admin
	Op     string         `json:"op,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
	Result any            `json:"result,omitempty"`

	// deliver
	Envelope *envelope.Envelope `json:"envelope,omitempty"`

	// event (kind is shared with send frames)
	Payload map[string]any `json:"payload,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Event builds an event frame.
func Event(kind string, payload map[string]any) Frame {
	return Frame{Type: TypeEvent, Kind: kind, Payload: payload}
}

// ErrorFrame builds an error frame with the given code and message.
func ErrorFrame(code, message string) Frame {
	return Frame{Type: TypeError, Code: code, Message: message}
}

// Ack builds an ack frame for a send.
func Ack(id, status, reason string) Frame {
	return Frame{Type: TypeAck, ID: id, Status: status, Reason: reason}
}

// Deliver builds a deliver frame carrying the full envelope.
func Deliver(env *envelope.Envelope) Frame {
	return Frame{Type: TypeDeliver, Envelope: env}
}
