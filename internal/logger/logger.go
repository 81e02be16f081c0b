// Package logger wraps zerolog with the service's default output setup.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Logger = zerolog.Logger

// New builds the root logger. Level accepts the usual zerolog names
// (debug, info, warn, error); anything unknown falls back to info.
func New(level string) *Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339
	l := zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
	return &l
}

// Nop returns a logger that discards everything. Used in tests.
func Nop() *Logger {
	l := zerolog.Nop()
	return &l
}
