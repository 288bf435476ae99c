// Package envelope defines the durable message record exchanged between
// agents, its identifiers, and the status and failure-reason enums used by
// the storage and dead-letter layers.
package envelope

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
)

// Status tracks an envelope through its lifetime. The initial status is
// pending; every other status is terminal.
type Status string

const (
	StatusPending      Status = "pending"
	StatusDelivered    Status = "delivered"
	StatusDeadLettered Status = "dead_lettered"
	StatusExpired      Status = "expired"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusDeadLettered || s == StatusExpired
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDelivered, StatusDeadLettered, StatusExpired:
		return true
	}
	return false
}

// Kind is the semantic type of a message. The broker routes every kind
// identically; consumers may define additional opaque kinds.
type Kind string

const (
	KindMessage  Kind = "message"
	KindReply    Kind = "reply"
	KindSystem   Kind = "system"
	KindAdmin    Kind = "admin"
	KindPresence Kind = "presence"
)

// Broadcast is the recipient meaning "all agents other than the sender".
const Broadcast = "*"

// TopicPrefix marks a recipient as a pub/sub topic fanout.
const TopicPrefix = "topic:"

// ObserverPrefix marks agent names that are excluded from broadcast fanout.
// Observers (dashboards, log tailers) still receive topic traffic.
const ObserverPrefix = "__"

// Envelope is the durable record of a single message.
type Envelope struct {
	ID       string         `json:"id"`
	From     string         `json:"from"`
	To       string         `json:"to"`
	Topic    string         `json:"topic,omitempty"`
	Kind     Kind           `json:"kind"`
	Body     string         `json:"body"`
	Data     map[string]any `json:"data,omitempty"`
	Thread   string         `json:"thread,omitempty"`
	TS       int64          `json:"ts"` // milliseconds since epoch, broker-assigned
	Status   Status         `json:"status"`
	Attempts int            `json:"attempts"`
}

// NewID returns a globally unique, URL-safe identifier whose lexical order
// approximates creation order (4-byte big-endian seconds prefix).
func NewID() string {
	return xid.New().String()
}

// NowMillis returns the current time in the envelope timestamp unit.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Time returns the envelope creation time.
func (e *Envelope) Time() time.Time {
	return time.UnixMilli(e.TS)
}

// IsBroadcast reports whether the envelope addresses every online agent.
func (e *Envelope) IsBroadcast() bool {
	return e.To == Broadcast
}

// IsTopic reports whether the envelope addresses a topic, returning the
// topic name when it does.
func (e *Envelope) IsTopic() (string, bool) {
	if strings.HasPrefix(e.To, TopicPrefix) {
		return e.To[len(TopicPrefix):], true
	}
	return "", false
}

// Validation errors surfaced to senders as ack rejection reasons.
var (
	ErrInvalidName     = errors.New("invalid_name")
	ErrPayloadTooLarge = errors.New("payload_too_large")
)

// ValidName reports whether name is acceptable as an agent or topic name:
// non-empty, no path separators, not the broadcast wildcard.
func ValidName(name string) bool {
	if name == "" || name == Broadcast {
		return false
	}
	return !strings.ContainsAny(name, "/\\*")
}

// Validate checks the sender-controlled fields of an envelope against the
// configured body limit. The broker calls this before assigning TS.
func (e *Envelope) Validate(maxBodyBytes int) error {
	if !ValidName(e.From) {
		return fmt.Errorf("%w: from %q", ErrInvalidName, e.From)
	}
	if topic, ok := e.IsTopic(); ok {
		if !ValidName(topic) {
			return fmt.Errorf("%w: topic %q", ErrInvalidName, topic)
		}
	} else if e.To != Broadcast && !ValidName(e.To) {
		return fmt.Errorf("%w: to %q", ErrInvalidName, e.To)
	}
	if len(e.Body) > maxBodyBytes {
		return fmt.Errorf("%w: body %d bytes exceeds %d", ErrPayloadTooLarge, len(e.Body), maxBodyBytes)
	}
	return nil
}

// Reason enumerates why a delivery was abandoned and the envelope (or one
// recipient's share of it) moved to the dead-letter queue.
type Reason string

const (
	ReasonMaxRetries       Reason = "max_retries_exceeded"
	ReasonTTLExpired       Reason = "ttl_expired"
	ReasonConnectionLost   Reason = "connection_lost"
	ReasonTargetNotFound   Reason = "target_not_found"
	ReasonSignatureInvalid Reason = "signature_invalid"
	ReasonPayloadTooLarge  Reason = "payload_too_large"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonUnknown          Reason = "unknown"
)

// Valid reports whether r is one of the enumerated reasons.
func (r Reason) Valid() bool {
	switch r {
	case ReasonMaxRetries, ReasonTTLExpired, ReasonConnectionLost,
		ReasonTargetNotFound, ReasonSignatureInvalid, ReasonPayloadTooLarge,
		ReasonRateLimited, ReasonUnknown:
		return true
	}
	return false
}

// DeadLetter is an envelope plus the bookkeeping recorded when delivery to
// one recipient failed terminally.
type DeadLetter struct {
	ID             string   `json:"id"` // queue entry id, distinct from Envelope.ID
	Envelope       Envelope `json:"envelope"`
	Recipient      string   `json:"recipient"`
	Reason         Reason   `json:"reason"`
	ErrorMessage   string   `json:"errorMessage,omitempty"`
	DLQTS          int64    `json:"dlqTs"`
	RetryCount     int      `json:"dlqRetryCount"`
	Acknowledged   bool     `json:"acknowledged"`
	AcknowledgedBy string   `json:"acknowledgedBy,omitempty"`
	AcknowledgedTS int64    `json:"acknowledgedTs,omitempty"`
}
