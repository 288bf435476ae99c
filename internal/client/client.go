// Package client is the Go consumer of the relay socket: wrappers, the
// operator CLI, and the end-to-end tests all speak the frame protocol
// through it.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/agent-relay/agent-relay/internal/envelope"
	"github.com/agent-relay/agent-relay/internal/protocol"
)

// ErrClosed is returned by calls on a client whose connection has ended.
var ErrClosed = errors.New("client closed")

// Rejection is the error for a send the broker refused synchronously.
type Rejection struct {
	ID     string
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("send %s rejected: %s", r.ID, r.Reason)
}

// Options configures a connection.
type Options struct {
	Socket        string
	Agent         string
	Version       string
	Subscriptions []string
	DialTimeout   time.Duration

	// PID is reported on hello so the broker can monitor the agent's
	// process. Defaults to this process; set negative to opt out.
	PID int32

	// OnDeliver receives inbound envelopes. With AutoAck (the default) the
	// client sends the delivered ack after the handler returns.
	OnDeliver func(*envelope.Envelope)
	// OnEvent receives pushed broker events.
	OnEvent func(kind string, payload map[string]any)
	// DisableAutoAck suppresses automatic delivered acks; the consumer must
	// call Delivered itself.
	DisableAutoAck bool
}

// Client is one live session on the relay socket.
type Client struct {
	conn  net.Conn
	opts  Options
	agent string

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan protocol.Frame
	sessionID string
	closeErr  error

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects, performs the hello handshake, and starts the dispatch loop.
func Dial(opts Options) (*Client, error) {
	timeout := opts.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("unix", opts.Socket, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial relay socket: %w", err)
	}

	c := &Client{
		conn:    conn,
		opts:    opts,
		agent:   opts.Agent,
		pending: make(map[string]chan protocol.Frame),
		closed:  make(chan struct{}),
	}

	pid := opts.PID
	if pid == 0 {
		pid = int32(os.Getpid())
	} else if pid < 0 {
		pid = 0
	}
	hello := protocol.Frame{
		Type:          protocol.TypeHello,
		Agent:         opts.Agent,
		Version:       opts.Version,
		Subscriptions: opts.Subscriptions,
		PID:           pid,
	}
	if err := c.write(hello); err != nil {
		conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	welcome, err := protocol.ReadFrame(conn, protocol.DefaultMaxFrameBytes)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	switch welcome.Type {
	case protocol.TypeWelcome:
		c.sessionID = welcome.SessionID
	case protocol.TypeError:
		conn.Close()
		return nil, fmt.Errorf("relay refused hello: %s (%s)", welcome.Code, welcome.Message)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected handshake frame %q", welcome.Type)
	}

	go c.readLoop()
	return c, nil
}

// SessionID returns the broker-assigned session identifier.
func (c *Client) SessionID() string { return c.sessionID }

// Close tears the connection down.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.closed }

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		for _, ch := range c.pending {
			close(ch)
		}
		c.pending = make(map[string]chan protocol.Frame)
		c.mu.Unlock()
		close(c.closed)
		c.conn.Close()
	})
}

func (c *Client) write(f protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.conn, &f)
}

// call writes a frame and waits for the reply registered under key.
func (c *Client) call(ctx context.Context, key string, f protocol.Frame) (protocol.Frame, error) {
	ch := make(chan protocol.Frame, 1)
	c.mu.Lock()
	if c.closeErr != nil {
		c.mu.Unlock()
		return protocol.Frame{}, c.closeErr
	}
	c.pending[key] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return protocol.Frame{}, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return protocol.Frame{}, ErrClosed
		}
		return reply, nil
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	case <-c.closed:
		return protocol.Frame{}, ErrClosed
	}
}

// SendOpts describes one outbound message.
type SendOpts struct {
	ID     string // assigned by the broker when empty
	To     string
	Body   string
	Data   map[string]any
	Thread string
	Kind   string
}

// Send submits a message and waits for the broker's ack. The returned id is
// durable in the broker's storage. A rejected send returns *Rejection.
func (c *Client) Send(ctx context.Context, opts SendOpts) (string, error) {
	id := opts.ID
	if id == "" {
		id = envelope.NewID()
	}
	f := protocol.Frame{
		Type:   protocol.TypeSend,
		ID:     id,
		To:     opts.To,
		Body:   opts.Body,
		Data:   opts.Data,
		Thread: opts.Thread,
		Kind:   opts.Kind,
	}
	ack, err := c.call(ctx, "ack\x00"+id, f)
	if err != nil {
		return "", err
	}
	if ack.Status == protocol.AckRejected {
		return "", &Rejection{ID: id, Reason: ack.Reason}
	}
	return id, nil
}

// Subscribe adds a topic subscription.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	_, err := c.call(ctx, "topic\x00"+topic, protocol.Frame{Type: protocol.TypeSubscribe, Topic: topic})
	return err
}

// Unsubscribe removes a topic subscription.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	_, err := c.call(ctx, "topic\x00"+topic, protocol.Frame{Type: protocol.TypeUnsubscribe, Topic: topic})
	return err
}

// Ping round-trips a ping and returns the broker's clock in milliseconds.
func (c *Client) Ping(ctx context.Context) (int64, error) {
	pong, err := c.call(ctx, "pong", protocol.Frame{Type: protocol.TypePing})
	if err != nil {
		return 0, err
	}
	return pong.Now, nil
}

// SetStatus updates this agent's needs-attention flag.
func (c *Client) SetStatus(needsAttention bool) error {
	return c.write(protocol.Frame{Type: protocol.TypeStatus, NeedsAttention: &needsAttention})
}

// Delivered acknowledges receipt of an envelope. Only needed with
// DisableAutoAck.
func (c *Client) Delivered(id string) error {
	return c.write(protocol.Frame{Type: protocol.TypeDelivered, ID: id})
}

// Admin runs an admin operation and returns its raw result.
func (c *Client) Admin(ctx context.Context, op string, args map[string]any) (any, error) {
	reply, err := c.call(ctx, "admin\x00"+op, protocol.Frame{Type: protocol.TypeAdmin, Op: op, Args: args})
	if err != nil {
		return nil, err
	}
	if m, ok := reply.Result.(map[string]any); ok {
		if msg, ok := m["error"].(string); ok {
			return nil, errors.New(msg)
		}
	}
	return reply.Result, nil
}

// readLoop dispatches inbound frames until the connection ends.
func (c *Client) readLoop() {
	for {
		f, err := protocol.ReadFrame(c.conn, protocol.DefaultMaxFrameBytes)
		if err != nil {
			c.shutdown(fmt.Errorf("connection ended: %w", err))
			return
		}
		switch f.Type {
		case protocol.TypeAck:
			key := "ack\x00" + f.ID
			if f.ID == "" && f.Topic != "" {
				key = "topic\x00" + f.Topic
			}
			c.deliverReply(key, f)
		case protocol.TypePong:
			c.deliverReply("pong", f)
		case protocol.TypeAdmin:
			c.deliverReply("admin\x00"+f.Op, f)
		case protocol.TypeDeliver:
			if f.Envelope != nil {
				if c.opts.OnDeliver != nil {
					c.opts.OnDeliver(f.Envelope)
				}
				if !c.opts.DisableAutoAck {
					_ = c.Delivered(f.Envelope.ID)
				}
			}
		case protocol.TypeEvent:
			if c.opts.OnEvent != nil {
				c.opts.OnEvent(f.Kind, f.Payload)
			}
		case protocol.TypePing:
			_ = c.write(protocol.Frame{Type: protocol.TypePong})
		case protocol.TypeError:
			// Standalone error frames carry no correlation id; nothing to
			// route them to.
		}
	}
}

func (c *Client) deliverReply(key string, f *protocol.Frame) {
	c.mu.Lock()
	ch := c.pending[key]
	c.mu.Unlock()
	if ch != nil {
		select {
		case ch <- *f:
		default:
		}
	}
}
