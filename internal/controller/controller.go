// Package controller implements the Controller (C4): a watchdog, separate
// from the engine it watches, that races a sandbox's wall-clock deadline
// against its memory and (where supported) CPU-time breach signals and
// terminates the sandbox on whichever fires first. It never touches the
// engine itself beyond the opaque sandbox.TerminationHandle.
package controller

import (
	"context"
	"time"
)

// Terminator is the one sandbox capability the Controller needs: satisfied
// by sandbox.TerminationHandle (the breach channels are passed to Watch
// separately), kept as an interface here so this package never imports
// sandbox and stays testable in isolation.
type Terminator interface {
	Terminate(reason string)
}

// Watch races deadline against the memory and CPU alarm channels (either may
// be nil) and calls term.Terminate exactly once, with a reason matching one
// of the shutdown-reason strings sandbox.Sandbox.resolveShutdownReason
// recognizes, the first time any of them fires. Watch returns once it has
// either terminated
// the sandbox or ctx (the sandbox's own run context) is done — whichever
// happens first, it stops watching; it never blocks the caller beyond that.
func Watch(ctx context.Context, deadline time.Time, memBreach, cpuAlarm <-chan struct{}, term Terminator) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		term.Terminate("wall_clock_time")
	case <-memBreach:
		term.Terminate("memory")
	case <-cpuAlarm:
		term.Terminate("cpu_time")
	}
}
