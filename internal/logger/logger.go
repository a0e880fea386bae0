// Package logger provides structured logging configuration using zerolog.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init initializes the global logger with the specified level
func Init(level string) {
	InitWriter(os.Stdout, level)
}

// InitWriter points the global logger at w with human-readable output.
func InitWriter(w io.Writer, level string) {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "2006/01/02 15:04:05"}).
		With().
		Timestamp().
		Logger()

	zerolog.SetGlobalLevel(ParseLevel(level))
}

// ParseLevel maps debug|info|warn|error to a zerolog level. Anything else is info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Get returns a logger instance
func Get() *zerolog.Logger {
	return &log.Logger
}

// Stream returns a child logger tagged with a stream name.
func Stream(name string) zerolog.Logger {
	return log.Logger.With().Str("stream", name).Logger()
}
