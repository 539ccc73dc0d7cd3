// Package logging builds the broker's structured logger, grounded in the
// teacher's monitoring.NewLogger (ws/internal/single/monitoring/logger.go):
// JSON output by default, an optional human-readable console writer for
// local development, and a configurable minimum level.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// Config selects the logger's level and output format.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// New builds a zerolog.Logger per cfg. An unrecognized level defaults to
// info; an unrecognized format defaults to json.
func New(cfg Config) zerolog.Logger {
	var output = os.Stdout
	var writer zerolog.ConsoleWriter
	useConsole := cfg.Format == "console" || cfg.Format == "pretty"

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if useConsole {
		writer = zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05"}
		return zerolog.New(writer).With().Timestamp().Logger()
	}
	return zerolog.New(output).With().Timestamp().Logger()
}
