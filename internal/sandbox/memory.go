package sandbox

import (
	"sync/atomic"
	"time"
)

// memCheckInterval is how often the sandbox's own allocation counter is
// polled for a breach — a cheap atomic load on a ticker goroutine instead of
// a true V8-style heap callback, since goja exposes no heap introspection.
const memCheckInterval = 20 * time.Millisecond

// overshootNumerator/Denominator implement the "25% higher" heap cap raise
// (rounded up to a whole byte) using integer arithmetic to avoid float
// rounding surprises on the accounted byte count.
const (
	overshootNumerator   = 5
	overshootDenominator = 4
)

// memoryAccountant approximates goja's missing near-heap-limit callback: an
// atomic byte counter, incremented by the http-start path with the inbound
// request body and the outbound response body (no other allocation, in JS
// or in the webapi bindings, is counted), and polled by runTicker on its own
// goroutine. Crossing the configured limit fires the
// breach signal exactly once and raises the effective cap by 25%, giving the
// controller time to terminate cleanly — a bounded overshoot safety valve in
// place of a real callback.
type memoryAccountant struct {
	used    atomic.Int64
	limit   atomic.Int64
	breach  chan struct{}
	fired   atomic.Bool
	mcCount atomic.Bool // true once a breach has been observed by a poll
}

func newMemoryAccountant(limitBytes int64) *memoryAccountant {
	m := &memoryAccountant{breach: make(chan struct{}, 1)}
	m.limit.Store(limitBytes)
	return m
}

// add accounts bytes allocated by an instrumented operation.
func (m *memoryAccountant) add(n int64) {
	m.used.Add(n)
}

// usedBytes reports the current accounted total.
func (m *memoryAccountant) usedBytes() int64 {
	return m.used.Load()
}

// poll checks the counter against the limit, firing the breach channel
// (once) and raising the cap on first crossing.
func (m *memoryAccountant) poll() {
	if m.fired.Load() {
		return
	}
	used := m.used.Load()
	limit := m.limit.Load()
	if used < limit {
		return
	}
	if m.fired.CompareAndSwap(false, true) {
		m.mcCount.Store(true)
		m.limit.Store((limit*overshootNumerator + overshootDenominator - 1) / overshootDenominator)
		select {
		case m.breach <- struct{}{}:
		default:
		}
	}
}

// breached reports whether poll has ever fired, for WorkerMemoryUsed's
// mem_check_captured flag.
func (m *memoryAccountant) breached() bool {
	return m.mcCount.Load()
}

// runTicker polls the accountant every memCheckInterval until stop fires.
func (m *memoryAccountant) runTicker(stop <-chan struct{}) {
	t := time.NewTicker(memCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.poll()
		case <-stop:
			return
		}
	}
}
