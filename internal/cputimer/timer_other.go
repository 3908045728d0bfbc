//go:build !linux

package cputimer

import "time"

// Timer is a no-op stub on platforms without a per-thread CPU-time clock.
type Timer struct{}

// Start always fails with ErrUnsupported outside Linux; sandbox.Boot treats
// that as "no CPU-time limit enforced" and leaves the Controller's CPU alarm
// channel nil, matching the original's single-platform scope.
func Start(initialExpiry, interval time.Duration, sink Sink) (*Timer, error) {
	return nil, ErrUnsupported
}

func (t *Timer) Reset() error { return ErrUnsupported }

func (t *Timer) Close() error { return nil }

// GetThreadCPUTime always fails with ErrUnsupported outside Linux.
func GetThreadCPUTime() (time.Duration, error) {
	return 0, ErrUnsupported
}
