package transport

import (
	"errors"
	"net"

	"github.com/rs/zerolog"
)

// Accept runs l's accept loop, invoking handle for each newly accepted
// connection in its own goroutine, until l is closed. It returns nil on
// a clean listener close and any other error otherwise — mirrors the
// teacher's http.Server.Serve usage pattern (ws/server.go Start), adapted
// from an HTTP mux to a raw net.Listener accept loop.
func Accept(l net.Listener, logger zerolog.Logger, handle func(net.Conn)) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go handle(conn)
	}
}
