// relayctl is the operator CLI for a running relay: send messages, inspect
// agents and queues, and work the dead-letter queue over the admin surface.
//
// Usage: relayctl [-socket path] <command> [flags]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agent-relay/agent-relay/internal/broker"
	"github.com/agent-relay/agent-relay/internal/client"
	"github.com/agent-relay/agent-relay/internal/envelope"
)

var version = "dev"

func main() {
	socket := flag.String("socket", defaultSocket(), "relay socket path")
	timeout := flag.Duration("timeout", 10*time.Second, "per-operation timeout")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(64)
	}

	if err := dispatch(*socket, *timeout, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `relayctl %s

Usage: relayctl [-socket path] <command> [flags]

Commands:
  send      send a message to an agent, topic, or broadcast
  status    broker status report
  agents    online agents
  subs      topic subscriptions
  dlq       dead-letter queue: list, ack, retry
  mem       memory monitor summary or per-agent crash context
  ping      round-trip the broker
  watch     stream broker events to stdout
`, version)
}

func defaultSocket() string {
	if v := os.Getenv("AGENT_RELAY_SOCKET"); v != "" {
		return v
	}
	return filepath.Join(".agent-relay", "agent-relay.sock")
}

func dispatch(socket string, timeout time.Duration, cmd string, args []string) error {
	switch cmd {
	case "send":
		return cmdSend(socket, timeout, args)
	case "status":
		return cmdAdmin(socket, timeout, broker.OpStatus, nil)
	case "agents":
		return cmdAdmin(socket, timeout, broker.OpListAgents, nil)
	case "subs":
		return cmdAdmin(socket, timeout, broker.OpListSubscriptions, nil)
	case "dlq":
		return cmdDLQ(socket, timeout, args)
	case "mem":
		return cmdMem(socket, timeout, args)
	case "ping":
		return cmdPing(socket, timeout)
	case "watch":
		return cmdWatch(socket, args)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// connect dials as an observer so the CLI never joins broadcast fanout.
func connect(socket string, opts client.Options) (*client.Client, error) {
	opts.Socket = socket
	if opts.Agent == "" {
		opts.Agent = fmt.Sprintf("%srelayctl-%d", envelope.ObserverPrefix, os.Getpid())
	}
	opts.Version = version
	opts.PID = -1 // the CLI is short-lived, not worth monitoring
	return client.Dial(opts)
}

func cmdSend(socket string, timeout time.Duration, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	from := fs.String("from", "", "sender name (defaults to an observer identity)")
	to := fs.String("to", "", "recipient agent, topic:<name>, or * for broadcast")
	body := fs.String("body", "", "message body")
	thread := fs.String("thread", "", "conversation thread id")
	kind := fs.String("kind", "", "message kind (default message)")
	id := fs.String("id", "", "explicit envelope id")
	fs.Parse(args)
	if *to == "" {
		return fmt.Errorf("send requires -to")
	}
	if *body == "" && fs.NArg() > 0 {
		*body = fs.Arg(0)
	}

	c, err := connect(socket, client.Options{Agent: *from})
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	sentID, err := c.Send(ctx, client.SendOpts{
		ID: *id, To: *to, Body: *body, Thread: *thread, Kind: *kind,
	})
	if err != nil {
		return err
	}
	fmt.Println(sentID)
	return nil
}

func cmdAdmin(socket string, timeout time.Duration, op string, adminArgs map[string]any) error {
	c, err := connect(socket, client.Options{})
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	res, err := c.Admin(ctx, op, adminArgs)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func cmdDLQ(socket string, timeout time.Duration, args []string) error {
	if len(args) == 0 {
		args = []string{"list"}
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "list":
		fs := flag.NewFlagSet("dlq list", flag.ExitOnError)
		to := fs.String("to", "", "filter by recipient")
		from := fs.String("from", "", "filter by sender")
		reason := fs.String("reason", "", "filter by failure reason")
		unacked := fs.Bool("unacked", false, "only unacknowledged entries")
		limit := fs.Int("limit", 50, "max entries")
		offset := fs.Int("offset", 0, "pagination offset")
		fs.Parse(rest)
		q := map[string]any{"limit": *limit, "offset": *offset}
		if *to != "" {
			q["to"] = *to
		}
		if *from != "" {
			q["from"] = *from
		}
		if *reason != "" {
			q["reason"] = *reason
		}
		if *unacked {
			q["acknowledged"] = false
		}
		return cmdAdmin(socket, timeout, broker.OpDLQQuery, q)

	case "ack":
		if len(rest) == 0 {
			return fmt.Errorf("dlq ack requires at least one entry id")
		}
		ids := make([]any, len(rest))
		for i, id := range rest {
			ids[i] = id
		}
		return cmdAdmin(socket, timeout, broker.OpDLQAck, map[string]any{"ids": ids})

	case "retry":
		if len(rest) != 1 {
			return fmt.Errorf("dlq retry requires exactly one entry id")
		}
		return cmdAdmin(socket, timeout, broker.OpDLQRetry, map[string]any{"id": rest[0]})

	default:
		return fmt.Errorf("unknown dlq subcommand %q (want list, ack, or retry)", sub)
	}
}

func cmdMem(socket string, timeout time.Duration, args []string) error {
	var adminArgs map[string]any
	if len(args) > 0 {
		adminArgs = map[string]any{"agent": args[0]}
	}
	return cmdAdmin(socket, timeout, broker.OpMemorySummary, adminArgs)
}

func cmdPing(socket string, timeout time.Duration) error {
	c, err := connect(socket, client.Options{})
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	start := time.Now()
	now, err := c.Ping(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("pong rtt=%s broker_time=%s\n", time.Since(start).Round(time.Microsecond),
		time.UnixMilli(now).Format(time.RFC3339Nano))
	return nil
}

func cmdWatch(socket string, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	topic := fs.String("topic", "", "also subscribe to a topic and print its messages")
	fs.Parse(args)

	enc := json.NewEncoder(os.Stdout)
	opts := client.Options{
		OnEvent: func(kind string, payload map[string]any) {
			_ = enc.Encode(map[string]any{"event": kind, "payload": payload})
		},
		OnDeliver: func(env *envelope.Envelope) {
			_ = enc.Encode(env)
		},
	}
	if *topic != "" {
		opts.Subscriptions = []string{*topic}
	}
	c, err := connect(socket, opts)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	select {
	case <-ctx.Done():
		return nil
	case <-c.Done():
		return fmt.Errorf("connection closed by relay")
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
