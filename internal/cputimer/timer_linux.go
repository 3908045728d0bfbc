//go:build linux

package cputimer

import (
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Timer is a live per-thread CPU-time alarm. It must be created, Reset, and
// Closed from the same OS thread — callers running on a goroutine that may
// migrate should runtime.LockOSThread first, exactly as the Sandbox that
// owns one does.
type Timer struct {
	mu       sync.Mutex
	timerid  int32
	signum   int
	slot     *alarmSlot
	sigCh    chan os.Signal
	done     chan struct{}
	initial  time.Duration
	interval time.Duration
	closed   bool
}

// Start arms a CLOCK_THREAD_CPUTIME_ID timer on the calling thread: it fires
// once after initialExpiry of this thread's CPU time, then every interval
// thereafter, pushing one unit onto sink per expiry.
func Start(initialExpiry, interval time.Duration, sink Sink) (*Timer, error) {
	signum, slot, err := defaultRegistry.acquire(sink)
	if err != nil {
		return nil, err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.Signal(signum))

	t := &Timer{
		signum:   signum,
		slot:     slot,
		sigCh:    sigCh,
		done:     make(chan struct{}),
		initial:  initialExpiry,
		interval: interval,
	}

	tid := unix.Gettid()
	timerid, err := unix.TimerCreate(unix.CLOCK_THREAD_CPUTIME_ID, &unix.Sigevent{
		Notify: unix.SIGEV_THREAD_ID,
		Signo:  int32(signum),
		Tid:    int32(tid),
	})
	if err != nil {
		signal.Stop(sigCh)
		defaultRegistry.release(signum)
		return nil, err
	}
	t.timerid = timerid

	if err := t.arm(); err != nil {
		_ = unix.TimerDelete(timerid)
		signal.Stop(sigCh)
		defaultRegistry.release(signum)
		return nil, err
	}

	go t.notify()

	return t, nil
}

func (t *Timer) notify() {
	for {
		select {
		case <-t.sigCh:
			t.slot.send()
		case <-t.done:
			return
		}
	}
}

func (t *Timer) arm() error {
	spec := &unix.ItimerSpec{
		Interval: durationToTimespec(t.interval),
		Value:    durationToTimespec(t.initial),
	}
	return unix.TimerSettime(t.timerid, 0, spec, nil)
}

func durationToTimespec(d time.Duration) unix.Timespec {
	return unix.NsecToTimespec(d.Nanoseconds())
}

// Reset re-arms the timer to its originally configured expiry and interval.
func (t *Timer) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	return t.arm()
}

// Close cancels the underlying OS timer and releases its signal number.
// Idempotent.
func (t *Timer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	err := unix.TimerDelete(t.timerid)
	signal.Stop(t.sigCh)
	close(t.done)
	defaultRegistry.release(t.signum)
	return err
}

// GetThreadCPUTime returns the CPU time consumed by the calling OS thread so
// far, combining user and system time.
func GetThreadCPUTime() (time.Duration, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_THREAD, &ru); err != nil {
		return 0, err
	}
	user := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond
	sys := time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond
	return user + sys, nil
}
