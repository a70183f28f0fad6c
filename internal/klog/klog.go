// Package klog provides the structured logger threaded through every
// kernel subsystem, replacing ad hoc UART writes with zerolog events
// carrying subsystem-appropriate fields.
package klog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a logger writing human-readable console output to w.
// Boot passes os.Stdout; tests typically pass io.Discard or a buffer.
func New(w io.Writer) zerolog.Logger {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	return zerolog.New(cw).With().Timestamp().Logger()
}

// Discard is a logger that drops everything, for tests that don't care
// about log output.
var Discard = zerolog.New(io.Discard)

// Default is a console logger over stdout, used by cmd/azalea.
func Default() zerolog.Logger {
	return New(os.Stdout)
}
