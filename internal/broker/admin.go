package broker

import (
	"github.com/agent-relay/agent-relay/internal/dlq"
	"github.com/agent-relay/agent-relay/internal/envelope"
	"github.com/agent-relay/agent-relay/internal/protocol"
)

// Admin operation names.
const (
	OpStatus            = "status"
	OpListAgents        = "list_agents"
	OpListSubscriptions = "list_subscriptions"
	OpDLQQuery          = "dlq_query"
	OpDLQAck            = "dlq_ack"
	OpDLQRetry          = "dlq_retry"
	OpMemorySummary     = "memory_summary"
)

// handleAdmin serves admin frames on the caller's session. Authorization is
// the socket's filesystem permissions; there is no further gate here.
func (s *Server) handleAdmin(sess *session, f *protocol.Frame) {
	reply := func(result any) {
		_ = sess.Send(protocol.Frame{Type: protocol.TypeAdmin, Op: f.Op, Result: result})
	}
	fail := func(msg string) {
		_ = sess.Send(protocol.Frame{
			Type: protocol.TypeAdmin, Op: f.Op,
			Result: map[string]any{"error": msg},
		})
	}

	switch f.Op {
	case OpStatus:
		reply(s.statusReport())

	case OpListAgents:
		reply(s.reg.List())

	case OpListSubscriptions:
		reply(s.reg.Subscriptions())

	case OpDLQQuery:
		entries, err := s.dead.Query(dlqQueryFromArgs(f.Args))
		if err != nil {
			fail(err.Error())
			return
		}
		reply(entries)

	case OpDLQAck:
		ids := stringsArg(f.Args, "ids")
		if id := stringArg(f.Args, "id"); id != "" {
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			fail("dlq_ack requires id or ids")
			return
		}
		n, err := s.dead.AcknowledgeMany(ids, sess.agent)
		if err != nil {
			fail(err.Error())
			return
		}
		reply(map[string]any{"acknowledged": n})

	case OpDLQRetry:
		id := stringArg(f.Args, "id")
		if id == "" {
			fail("dlq_retry requires id")
			return
		}
		entry, err := s.dead.Get(id)
		if err != nil {
			fail(err.Error())
			return
		}
		if _, err := s.dead.IncrementRetry(id); err != nil {
			fail(err.Error())
			return
		}
		s.engine.Redeliver(entry.Recipient, &entry.Envelope)
		reply(map[string]any{"requeued": true, "recipient": entry.Recipient})

	case OpMemorySummary:
		if s.mem == nil {
			fail("memory monitor disabled")
			return
		}
		if agent := stringArg(f.Args, "agent"); agent != "" {
			if cc, ok := s.mem.GetCrashContext(agent); ok {
				reply(cc)
				return
			}
			fail("agent not monitored: " + agent)
			return
		}
		reply(s.mem.Summary())

	default:
		fail("unknown admin op " + f.Op)
	}
}

func (s *Server) statusReport() map[string]any {
	count, _ := s.msgs.Count()
	stats, _ := s.dead.GetStats()
	report := map[string]any{
		"version":     s.version,
		"uptimeMs":    s.clk.Since(s.startedAt).Milliseconds(),
		"agents":      s.reg.Count(),
		"messages":    count,
		"degraded":    s.degraded.Load(),
		"queueDepths": s.engine.QueueDepths(),
	}
	if stats != nil {
		report["dlq"] = stats
	}
	return report
}

func dlqQueryFromArgs(args map[string]any) dlq.Query {
	q := dlq.Query{
		To:     stringArg(args, "to"),
		From:   stringArg(args, "from"),
		Reason: envelope.Reason(stringArg(args, "reason")),
		Limit:  intArg(args, "limit"),
		Offset: intArg(args, "offset"),
	}
	if v, ok := args["acknowledged"].(bool); ok {
		q.Acknowledged = &v
	}
	if order := stringArg(args, "orderBy"); order != "" {
		q.OrderBy = dlq.Order(order)
	}
	if v, ok := args["ascending"].(bool); ok {
		q.Ascending = v
	}
	return q
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string) int {
	// JSON numbers decode as float64.
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return 0
}

func stringsArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	return out
}
