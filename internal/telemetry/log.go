// Package telemetry wires the process-wide structured logger used by every
// other package in this module. One construction site keeps sink/format
// decisions out of the components that just want to log.
package telemetry

import (
	"io"
	"os"
	"sync"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is the concrete logger type used throughout this module.
type Logger = logiface.Logger[*izerolog.Event]

var (
	mu      sync.RWMutex
	current *Logger
)

func init() {
	current = newLogger(os.Stderr, logiface.LevelDebug)
}

func newLogger(w io.Writer, level logiface.Level) *Logger {
	zl := zerolog.New(w).With().Timestamp().Logger()
	return izerolog.L.New(
		izerolog.L.WithZerolog(zl),
		izerolog.L.WithLevel(level),
	)
}

// Configure replaces the process-wide logger. level follows the logiface
// severity scale (LevelDebug is more verbose than LevelInformational).
func Configure(w io.Writer, level logiface.Level, debug bool) {
	if debug {
		level = logiface.LevelDebug
	}
	mu.Lock()
	current = newLogger(w, level)
	mu.Unlock()
}

// L returns the current process-wide logger.
func L() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}
