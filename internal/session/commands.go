package session

import (
	"github.com/adred-codev/dime-broker/internal/message"
	"github.com/adred-codev/dime-broker/internal/metrics"
)

const defaultSerialization = "matlab"

// dispatch processes one inbound frame. It returns true if the caller
// should stop reading (connection is done).
func (s *Session) dispatch(meta map[string]any, payload []byte) bool {
	command, _ := meta["command"].(string)

	if s.state == StateNew || s.state == StateHandshaking {
		if command != "handshake" {
			s.replyError("first command must be handshake, got %q", command)
			return true
		}
		s.handleHandshake(meta)
		return false
	}

	if s.client != nil && !s.limits.Allow(s.client.ID) {
		metrics.RecordCommand(command, "rate_limited")
		s.replyError("rate limit exceeded")
		return false
	}

	switch command {
	case "join":
		s.handleJoin(meta)
	case "leave":
		s.handleLeave(meta)
	case "send":
		s.handleSend(meta, payload)
	case "broadcast":
		s.handleBroadcast(meta, payload)
	case "sync":
		s.handleSync(meta)
	case "wait":
		s.handleWait()
	case "devices":
		s.handleDevices()
	default:
		metrics.RecordCommand(command, "error")
		s.replyError("unknown command %q", command)
	}
	return false
}

func (s *Session) handleHandshake(meta map[string]any) {
	serialization, _ := meta["serialization"].(string)
	if serialization == "" {
		serialization = defaultSerialization
	}

	client := s.reg.Register()
	client.Serialization = serialization
	s.client = client
	s.state = StateReady

	if name, _ := meta["name"].(string); name != "" {
		s.reg.SetName(client.ID, name)
	}

	metrics.ClientsTotal.Inc()
	metrics.RecordCommand("handshake", "ok")

	s.logger.Info().
		Uint64("client_id", client.ID).
		Str("serialization", serialization).
		Msg("client handshake complete")

	s.reply(0, map[string]any{"serialization": serialization})
}

// names normalizes the join/leave "name" field, which may be a single
// string or an array of strings, into a slice.
func names(meta map[string]any) []string {
	switch v := meta["name"].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if str, ok := e.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func (s *Session) handleJoin(meta map[string]any) {
	groups := names(meta)
	if err := s.reg.Join(s.client.ID, groups); err != nil {
		metrics.RecordCommand("join", "error")
		s.replyError("join: %v", err)
		return
	}
	metrics.RecordCommand("join", "ok")
	s.reply(0, nil)
}

func (s *Session) handleLeave(meta map[string]any) {
	groups := names(meta)
	if err := s.reg.Leave(s.client.ID, groups); err != nil {
		metrics.RecordCommand("leave", "error")
		s.replyError("leave: %v", err)
		return
	}
	metrics.RecordCommand("leave", "ok")
	s.reply(0, nil)
}

func (s *Session) handleSend(meta map[string]any, payload []byte) {
	group, _ := meta["name"].(string)
	if group == "" {
		metrics.RecordCommand("send", "error")
		s.replyError("send: missing group name")
		return
	}

	env := message.Build(s.client.ID, s.client.Name, meta, payload)
	s.reg.RouteGroup(s.client.ID, group, env)

	metrics.RecordCommand("send", "ok")
	s.reply(0, nil)
}

func (s *Session) handleBroadcast(meta map[string]any, payload []byte) {
	env := message.Build(s.client.ID, s.client.Name, meta, payload)
	s.reg.RouteBroadcast(s.client.ID, env)

	metrics.RecordCommand("broadcast", "ok")
	s.reply(0, nil)
}

// syncCount extracts the "n" field; a missing or non-numeric value is
// treated as -1 (drain everything), matching the spirit of a tolerant
// broker that never hard-fails a malformed count.
func syncCount(meta map[string]any) int {
	switch v := meta["n"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return -1
	}
}

func (s *Session) handleSync(meta map[string]any) {
	n := syncCount(meta)
	depth := s.client.Mailbox.Len()
	envelopes := s.client.Mailbox.Drain(n)

	for _, env := range envelopes {
		s.sendEnvelope(env)
	}
	s.sendSentinel()

	metrics.MailboxDepth.Observe(float64(depth))
	metrics.RecordCommand("sync", "ok")
}

func (s *Session) handleWait() {
	n, err := s.client.Mailbox.Wait(s.ctx)
	if err != nil {
		// Context cancelled by connection teardown: no reply, the
		// socket is going away regardless (spec.md §5).
		return
	}
	metrics.MailboxDepth.Observe(float64(n))
	metrics.RecordCommand("wait", "ok")
	s.reply(0, map[string]any{"n": n})
}

func (s *Session) handleDevices() {
	metrics.RecordCommand("devices", "ok")
	s.reply(0, map[string]any{"devices": s.reg.ListDevices()})
}
