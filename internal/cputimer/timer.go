// Package cputimer implements the per-thread CPU-time alarm (C1): a clock
// that measures only time the owning OS thread spends actually running,
// independent of how long it sits idle waiting on I/O.
//
// The contract is unchanged from the original: Start arms a clock that fires
// once after initialExpiry of thread CPU time, then every interval
// thereafter, pushing one unit onto sink per expiry; Reset re-arms to the
// original schedule; Close tears the timer down. What changes is the
// delivery mechanism. The source this was ported from smuggles a pointer to
// a shared alarm value through a signal's side-data so one process-wide
// SIGALRM handler can multiplex arbitrarily many concurrently running
// timers. Go's os/signal deliberately does not expose that side-data to user
// code, and this module uses no cgo, so that trick is not portable as-is.
//
// Instead, each Timer claims its own real-time signal number from a small
// pool (registry.go) and asks the kernel to target that signal at the
// specific thread that created the timer (SIGEV_THREAD_ID), rather than at
// the process as a whole. A dedicated goroutine per Timer receives on that
// signal and forwards to sink; it never owns or frees the registry slot, the
// same non-ownership the original's handler is required to honor.
package cputimer

import (
	"errors"
	"time"
)

// Sink receives one unit per timer expiry. Sends never block: a send to a
// sink whose reader has stopped consuming — including after Close — is
// dropped, mirroring "after the receiver has been dropped, ignored".
type Sink = chan<- struct{}

// ErrUnsupported is returned by Start on platforms with no per-thread
// CPU-time clock implementation.
var ErrUnsupported = errors.New("cputimer: per-thread CPU timer is not supported on this platform")

// ErrClosed is returned by Reset after Close.
var ErrClosed = errors.New("cputimer: timer is closed")
