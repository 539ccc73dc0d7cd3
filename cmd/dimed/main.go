// Command dimed runs the DiME broker server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adred-codev/dime-broker/internal/broker"
	"github.com/adred-codev/dime-broker/internal/config"
	"github.com/adred-codev/dime-broker/internal/logging"

	_ "go.uber.org/automaxprocs"
)

// endpointFlags collects repeated -l flags into a slice, the standard
// flag.Value pattern for a CLI flag that may be supplied more than once.
type endpointFlags []string

func (e *endpointFlags) String() string { return fmt.Sprint([]string(*e)) }
func (e *endpointFlags) Set(v string) error {
	*e = append(*e, v)
	return nil
}

func main() {
	var (
		endpoints endpointFlags
		legacyProto = flag.String("P", "", "legacy TCP shorthand: protocol (only \"tcp\" is meaningful)")
		legacyPort  = flag.String("p", "", "legacy TCP shorthand: port")
		debug       = flag.Bool("debug", false, "enable debug logging (overrides DIME_LOG_LEVEL)")
	)
	flag.Var(&endpoints, "l", "listen endpoint as proto:address (repeatable)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dime: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	if *legacyPort != "" {
		proto := *legacyProto
		if proto == "" {
			proto = "tcp"
		}
		endpoints = append(endpoints, fmt.Sprintf("%s::%s", proto, *legacyPort))
	}
	if len(endpoints) == 0 {
		endpoints = endpointFlags{"tcp:0.0.0.0:5000"}
	}

	b := broker.New(cfg, logger)
	if err := b.ListenAndServe(endpoints, nil); err != nil {
		logger.Fatal().Err(err).Msg("failed to start broker")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown did not complete cleanly")
		os.Exit(1)
	}
}
