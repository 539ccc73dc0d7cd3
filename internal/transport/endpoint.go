// Package transport parses DiME endpoint strings and turns them into
// listeners: Unix-domain or TCP stream sockets, optionally TLS-wrapped.
// The broker only ever needs a reliable, ordered, byte-stream listener —
// this package is the thin, swappable edge that supplies one.
package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strings"
)

// Endpoint is a parsed "proto:addr" configuration string.
type Endpoint struct {
	Proto   string // "ipc", "unix", or "tcp"
	Address string // filesystem path (ipc/unix) or host:port (tcp)
}

// ParseEndpoint parses a "proto:addr" string per spec.md §6. "ipc" and
// "unix" are synonyms for a Unix-domain stream socket.
func ParseEndpoint(s string) (Endpoint, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Endpoint{}, fmt.Errorf("dime: malformed endpoint %q, want proto:address", s)
	}
	proto, addr := parts[0], parts[1]

	switch proto {
	case "ipc", "unix", "tcp":
	default:
		return Endpoint{}, fmt.Errorf("dime: unknown endpoint protocol %q", proto)
	}
	if addr == "" {
		return Endpoint{}, fmt.Errorf("dime: endpoint %q is missing an address", s)
	}

	return Endpoint{Proto: proto, Address: addr}, nil
}

// TLSConfig optionally wraps a TCP listener in TLS. Nil disables TLS.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Listen binds ep, returning a net.Listener. Unix-domain sockets remove
// any stale socket file left over from an unclean shutdown before
// binding. tlsCfg is ignored for ipc/unix endpoints.
func Listen(ep Endpoint, tlsCfg *TLSConfig) (net.Listener, error) {
	switch ep.Proto {
	case "ipc", "unix":
		_ = os.Remove(ep.Address) // best-effort cleanup of a stale socket
		l, err := net.Listen("unix", ep.Address)
		if err != nil {
			return nil, fmt.Errorf("dime: listen unix %s: %w", ep.Address, err)
		}
		return l, nil

	case "tcp":
		l, err := net.Listen("tcp", ep.Address)
		if err != nil {
			return nil, fmt.Errorf("dime: listen tcp %s: %w", ep.Address, err)
		}
		if tlsCfg == nil {
			return l, nil
		}
		cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("dime: load TLS keypair: %w", err)
		}
		return tls.NewListener(l, &tls.Config{Certificates: []tls.Certificate{cert}}), nil

	default:
		return nil, fmt.Errorf("dime: unknown endpoint protocol %q", ep.Proto)
	}
}
