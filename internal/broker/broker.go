// Package broker wires the codec, transport, session, and registry
// packages into a running server, grounded in the teacher's Server type
// (ws/server.go): one struct owning every listener and background
// goroutine, with an explicit Start/Shutdown lifecycle.
package broker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/adred-codev/dime-broker/internal/codec"
	"github.com/adred-codev/dime-broker/internal/config"
	"github.com/adred-codev/dime-broker/internal/limits"
	"github.com/adred-codev/dime-broker/internal/metrics"
	"github.com/adred-codev/dime-broker/internal/monitor"
	"github.com/adred-codev/dime-broker/internal/registry"
	"github.com/adred-codev/dime-broker/internal/session"
	"github.com/adred-codev/dime-broker/internal/transport"
	"github.com/rs/zerolog"
)

// IdleTimeout bounds how long a session will wait for the next frame
// before the connection is presumed dead. The read deadline is only set
// before each frame read, so it does not run while the session is parked
// in wait(). Spec.md has no protocol-level heartbeat, so this is generous.
const IdleTimeout = 10 * time.Minute

// Broker owns the registry, every bound listener, and the optional
// metrics HTTP server.
type Broker struct {
	cfg    *config.Config
	logger zerolog.Logger

	reg    *registry.Registry
	codec  *codec.Codec
	limits *limits.Limiter

	listeners []net.Listener
	metricsSrv *http.Server
	sampler    *monitor.Sampler

	sessionsMu sync.Mutex
	sessions   map[*session.Session]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Broker from cfg but does not bind any endpoint yet.
func New(cfg *config.Config, logger zerolog.Logger) *Broker {
	ctx, cancel := context.WithCancel(context.Background())

	reg := registry.New(registry.MailboxLimits{
		MaxItems: cfg.MailboxMaxItems,
		MaxBytes: cfg.MailboxMaxBytes,
	}, registry.NewStats(), logger)

	c := &codec.Codec{MaxBodyBytes: cfg.MaxFrameBodyBytes}
	lim := limits.New(cfg.CommandRateBurst, cfg.CommandRatePerSec)

	b := &Broker{
		cfg:      cfg,
		logger:   logger,
		reg:      reg,
		codec:    c,
		limits:   lim,
		sessions: make(map[*session.Session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.MemoryLimitBytes > 0 || cfg.MemorySampleEvery > 0 {
		b.sampler = monitor.New(cfg.MemoryLimitBytes, 80, cfg.MemorySampleEvery, logger)
	}

	return b
}

// Registry exposes the broker's registry, primarily for tests.
func (b *Broker) Registry() *registry.Registry { return b.reg }

// ListenAndServe binds every endpoint string (each "proto:addr", spec.md
// §6) and starts accepting connections on all of them. It returns once
// every listener is bound; accept loops run in background goroutines.
func (b *Broker) ListenAndServe(endpoints []string, tlsCfg *transport.TLSConfig) error {
	if len(endpoints) == 0 {
		return fmt.Errorf("dime: no listen endpoints configured")
	}

	for _, raw := range endpoints {
		ep, err := transport.ParseEndpoint(raw)
		if err != nil {
			return err
		}

		var useTLS *transport.TLSConfig
		if ep.Proto == "tcp" {
			useTLS = tlsCfg
		}

		l, err := transport.Listen(ep, useTLS)
		if err != nil {
			return err
		}
		b.listeners = append(b.listeners, l)

		b.logger.Info().Str("proto", ep.Proto).Str("address", ep.Address).Msg("listening")

		b.wg.Add(1)
		go func(l net.Listener) {
			defer b.wg.Done()
			if err := transport.Accept(l, b.logger, b.handleConn); err != nil {
				b.logger.Error().Err(err).Msg("accept loop exited")
			}
		}(l)
	}

	if b.sampler != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.sampler.Run(b.ctx)
		}()
	}

	if b.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		b.metricsSrv = &http.Server{Addr: b.cfg.MetricsAddr, Handler: mux}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := b.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				b.logger.Error().Err(err).Msg("metrics server exited")
			}
		}()
	}

	return nil
}

func (b *Broker) handleConn(conn net.Conn) {
	metrics.ClientsActive.Inc()
	defer metrics.ClientsActive.Dec()

	s := session.New(conn, b.reg, b.limits, b.codec, b.logger, IdleTimeout)

	b.sessionsMu.Lock()
	b.sessions[s] = struct{}{}
	b.sessionsMu.Unlock()

	b.wg.Add(1)
	defer func() {
		b.sessionsMu.Lock()
		delete(b.sessions, s)
		b.sessionsMu.Unlock()
		b.wg.Done()
	}()

	s.Run()
}

// Shutdown closes every listener (no new connections accepted), force-
// closes every live client session, and closes the metrics server, then
// cancels background goroutines and waits for them to exit. Closing a
// session here is the same teardown path it would take on its own if
// its peer disconnected: the outbound queue is not drained any further
// than whatever is already in flight, and the socket simply closes
// (spec.md §5's "closes the listener, then closes all sessions").
func (b *Broker) Shutdown(ctx context.Context) error {
	for _, l := range b.listeners {
		l.Close()
	}

	b.sessionsMu.Lock()
	sessions := make([]*session.Session, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.sessionsMu.Unlock()

	for _, s := range sessions {
		s.Close()
	}

	if b.metricsSrv != nil {
		b.metricsSrv.Shutdown(ctx)
	}

	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
