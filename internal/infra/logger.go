package infra

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger aliases zerolog.Logger so packages outside infra can depend on the
// logging contract without importing the module directly.
type Logger = zerolog.Logger

// NewLogger builds the service logger. Development gets debug level and a console writer.
func NewLogger(appEnv string) Logger {
	level := zerolog.InfoLevel
	if appEnv == "development" {
		level = zerolog.DebugLevel
	}

	var out io.Writer = os.Stdout
	if appEnv == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", "imagepage").
		Logger()
}

// DiscardLogger returns a logger that drops everything, used when no logger is injected.
func DiscardLogger() *Logger {
	l := zerolog.New(io.Discard)
	return &l
}

// OrDiscard returns l, or a discard logger when l is nil.
func OrDiscard(l *Logger) *Logger {
	if l == nil {
		return DiscardLogger()
	}
	return l
}
