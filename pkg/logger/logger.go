// Package logger builds the structured zerolog.Logger used throughout
// the synthetic OTC market core.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls log level and output formatting.
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // enable pretty console output for local development
}

// New creates the root structured logger. Component-scoped loggers are
// derived from it via .With().Str("component", "...").Logger() at each
// package boundary.
func New(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = os.Stdout
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

// SetGlobalLogger installs l as zerolog's package-level logger, so
// third-party libraries logging through zerolog/log route through it.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
