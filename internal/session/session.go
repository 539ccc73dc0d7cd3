// Package session implements the per-connection actor: the DiME protocol
// state machine, a client's outbound frame queue, and the read/write
// pumps that move frames between the socket and the registry. It mirrors
// the teacher's readPump/writePump split (ws/server.go), adapted from
// WebSocket opcodes and ping/pong keepalive to DiME's length-prefixed
// framing and handshake-then-command protocol.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/adred-codev/dime-broker/internal/codec"
	"github.com/adred-codev/dime-broker/internal/limits"
	"github.com/adred-codev/dime-broker/internal/message"
	"github.com/adred-codev/dime-broker/internal/metrics"
	"github.com/adred-codev/dime-broker/internal/registry"
	"github.com/rs/zerolog"
)

// State is the per-connection protocol state (spec.md §4.2).
type State int32

const (
	StateNew State = iota
	StateHandshaking
	StateReady
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateReady:
		return "READY"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// outboundQueueSize bounds how many frames a slow reader can have queued
// from the write side before the session starts evicting; matches the
// registry's mailbox backpressure policy rather than the write path
// blocking a sender (spec.md §5).
const outboundQueueSize = 4096

// frame is one fully-encoded JSON+payload pair awaiting a socket write.
type frame struct {
	meta    any
	payload []byte
}

// Session is one logical connection: one goroutine reads and dispatches,
// one goroutine drains the outbound queue and writes. Ordering within a
// single session's outbound frames is enqueue order (spec.md §4.2).
type Session struct {
	conn   net.Conn
	codec  *codec.Codec
	reg    *registry.Registry
	limits *limits.Limiter
	logger zerolog.Logger

	state State

	client *registry.Client // set once HANDSHAKING -> READY

	outbound  chan frame
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	idleTimeout time.Duration
}

// New wraps conn in a Session. idleTimeout, if > 0, resets a read
// deadline after every successfully read frame (there is no protocol
// heartbeat in spec.md, so this purely guards against a half-open TCP
// connection that never sends another byte).
func New(conn net.Conn, reg *registry.Registry, lim *limits.Limiter, c *codec.Codec, logger zerolog.Logger, idleTimeout time.Duration) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:        conn,
		codec:       c,
		reg:         reg,
		limits:      lim,
		logger:      logger,
		state:       StateNew,
		outbound:    make(chan frame, outboundQueueSize),
		ctx:         ctx,
		cancel:      cancel,
		idleTimeout: idleTimeout,
	}
}

// Run drives the session to completion: it starts the write pump, runs
// the read/dispatch loop on the calling goroutine, and blocks until the
// connection closes. Run always cleans up (unregisters the client,
// closes the socket) before returning.
func (s *Session) Run() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump()
	}()

	s.readLoop()

	s.teardown()
	wg.Wait()
}

// readLoop is the session's single reading-and-dispatching duty
// (spec.md §4.2). Any framing error or EOF ends the connection; a
// blocking wait() simply occupies this goroutine until it resolves or
// the connection closes, which is exactly spec.md's "block the
// session's request side" and "wait is cancelled by connection close".
func (s *Session) readLoop() {
	for {
		if s.idleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}

		meta, payload, err := s.codec.ReadFrame(s.conn)
		if err != nil {
			var fe *codec.FramingError
			if errors.As(err, &fe) {
				metrics.FramingErrors.Inc()
				s.logger.Warn().Err(err).Msg("closing connection: framing error")
			} else if !errors.Is(err, io.EOF) {
				s.logger.Debug().Err(err).Msg("closing connection: read error")
			}
			return
		}

		if s.dispatch(meta, payload) {
			return // handler requested connection close (a first command other than handshake)
		}
	}
}

// writePump drains the outbound queue and writes frames to the socket in
// enqueue order, until the session's context is cancelled or a write
// fails.
func (s *Session) writePump() {
	for {
		select {
		case f, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := s.codec.WriteFrame(s.conn, f.meta, f.payload); err != nil {
				s.logger.Debug().Err(err).Msg("write error, closing connection")
				s.cancel()
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// enqueue queues a frame for the write pump. If the outbound queue is
// full the session is already far behind its own send pace (unlikely
// relative to mailbox backpressure, since replies are small), so the
// oldest queued frame is dropped rather than blocking the read/dispatch
// loop — the same never-block policy the registry applies to mailboxes.
func (s *Session) enqueue(meta any, payload []byte) {
	select {
	case s.outbound <- frame{meta: meta, payload: payload}:
	default:
		select {
		case <-s.outbound:
		default:
		}
		select {
		case s.outbound <- frame{meta: meta, payload: payload}:
		default:
		}
	}
}

func (s *Session) reply(status int, extra map[string]any) {
	m := map[string]any{"status": status}
	for k, v := range extra {
		m[k] = v
	}
	s.enqueue(m, nil)
}

func (s *Session) replyError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.enqueue(map[string]any{"status": -1, "error": msg}, nil)
}

// sendEnvelope writes a delivered envelope as a sync response frame.
func (s *Session) sendEnvelope(env *message.Envelope) {
	s.enqueue(env.Meta, env.Payload)
}

// sendSentinel writes the "end of sync stream" marker: any frame whose
// JSON lacks "varname" (spec.md §4.3).
func (s *Session) sendSentinel() {
	s.enqueue(map[string]any{"status": 0}, nil)
}

// Close force-closes the session from outside its own goroutines (e.g.
// a broker shutdown). It is equivalent to the connection failing on its
// own: the read loop's next ReadFrame call returns an error and Run
// returns normally. Safe to call more than once or concurrently with a
// natural teardown.
func (s *Session) Close() {
	s.teardown()
}

// teardown unregisters the client (if handshake completed), closes the
// socket, and stops the write pump.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.state = StateClosing
		if s.client != nil {
			s.reg.Unregister(s.client.ID)
			s.limits.Remove(s.client.ID)
		}
		s.cancel()
		s.conn.Close()
	})
}
