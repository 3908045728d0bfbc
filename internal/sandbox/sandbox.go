package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	goeventloop "github.com/joeycumines/go-eventloop"
	gojaeventloop "github.com/joeycumines/goja-eventloop"

	"github.com/edgeworker/fabric/internal/cputimer"
	"github.com/edgeworker/fabric/internal/events"
	"github.com/edgeworker/fabric/internal/sandbox/webapi"
)

// buildTarget is published onto the global object as __build_target during
// boot (spec §4.3 step 5) — a value chosen at compile time by the host.
var buildTarget = "edgefabric"

// TerminationHandle is the sole cross-thread affordance a Controller holds
// on a live Sandbox: an opaque, thread-safe handle that stops the engine as
// soon as practical from any blocking op (spec §4.3's "Threading"). It never
// exposes the engine itself.
type TerminationHandle struct {
	rt     *goja.Runtime
	reason *atomic.Pointer[string]
}

// Terminate requests that the engine stop running JS as soon as it next
// checks for an interrupt, and records reason so Run can report it even when
// the sandbox never executes another line of JS to observe the interrupt
// (e.g. a handler parked on a timer that fires long after the deadline).
// Safe to call from any goroutine, any number of times; only the first call's
// reason is kept.
func (h TerminationHandle) Terminate(reason string) {
	h.reason.CompareAndSwap(nil, &reason)
	h.rt.Interrupt(reason)
}

// Sandbox owns one scripting engine instance, pinned to the OS thread that
// called Boot, for the duration of one request.
type Sandbox struct {
	cfg Config

	runtime *goja.Runtime
	loop    *goeventloop.Loop
	adapter *gojaeventloop.Adapter

	inbound *inboundQueue
	mem     *memoryAccountant
	fetch   *webapi.FetchRegistry

	emit func(events.Event)

	memBreachStop chan struct{}
	cpuTimer      *cputimer.Timer
	cpuAlarmCh    chan struct{}

	entryProgram *goja.Program
	bootStart    time.Time

	terminationReason atomic.Pointer[string]
}

// BootFailureError wraps any error encountered during Boot, so callers can
// always emit a BootFailure event with the error's message.
type BootFailureError struct{ err error }

func (e *BootFailureError) Error() string { return e.err.Error() }
func (e *BootFailureError) Unwrap() error { return e.err }

func bootFail(format string, args ...any) error {
	return &BootFailureError{err: fmt.Errorf(format, args...)}
}

// Boot constructs a Sandbox per spec §4.3's boot sequence. The caller MUST
// have already called runtime.LockOSThread on the current goroutine — the
// engine, and the CLOCK_THREAD_CPUTIME_ID timer optionally armed here, are
// both scoped to the calling OS thread for the Sandbox's entire lifetime.
func Boot(cfg Config, emit func(events.Event)) (*Sandbox, error) {
	start := time.Now()

	entryPath, err := resolveEntryModule(cfg.ServicePath)
	if err != nil {
		return nil, &BootFailureError{err: err}
	}

	loop, err := goeventloop.New()
	if err != nil {
		return nil, bootFail("sandbox: create event loop: %w", err)
	}

	rt := goja.New()

	adapter, err := gojaeventloop.New(loop, rt)
	if err != nil {
		_ = loop.Close()
		return nil, bootFail("sandbox: create goja adapter: %w", err)
	}
	if err := adapter.Bind(); err != nil {
		_ = loop.Close()
		return nil, bootFail("sandbox: bind web platform APIs: %w", err)
	}

	sb := &Sandbox{
		cfg:           cfg,
		runtime:       rt,
		loop:          loop,
		adapter:       adapter,
		inbound:       newInboundQueue(),
		mem:           newMemoryAccountant(cfg.MemLimitBytes),
		emit:          emit,
		memBreachStop: make(chan struct{}),
		bootStart:     start,
	}

	if err := rt.Set("__build_target", buildTarget); err != nil {
		_ = loop.Close()
		return nil, bootFail("sandbox: publish __build_target: %w", err)
	}

	fetchReg, err := webapi.Install(rt, webapi.Deps{
		Env:        cfg.Env,
		Emit:       emit,
		Loop:       loop,
		HTTPClient: &http.Client{Timeout: cfg.WallClockLimit},
	})
	if err != nil {
		_ = loop.Close()
		return nil, bootFail("sandbox: install host bindings: %w", err)
	}
	sb.fetch = fetchReg

	entrySrc, err := os.ReadFile(entryPath)
	if err != nil {
		_ = loop.Close()
		return nil, bootFail("sandbox: read entry module %s: %w", entryPath, err)
	}
	prg, err := goja.Compile(filepath.Base(entryPath), string(entrySrc), false)
	if err != nil {
		_ = loop.Close()
		return nil, bootFail("sandbox: compile entry module %s: %w", entryPath, err)
	}
	sb.entryProgram = prg

	go sb.mem.runTicker(sb.memBreachStop)

	if cfg.CPUTimeLimit > 0 {
		ch := make(chan struct{}, 4)
		timer, err := cputimer.Start(cfg.CPUTimeLimit, cfg.CPUTimeLimit, ch)
		if err != nil && !errors.Is(err, cputimer.ErrUnsupported) {
			_ = loop.Close()
			close(sb.memBreachStop)
			return nil, bootFail("sandbox: start CPU timer: %w", err)
		}
		if err == nil {
			sb.cpuTimer = timer
			sb.cpuAlarmCh = ch
		}
	}

	return sb, nil
}

// Accept enqueues one duplex stream endpoint onto the sandbox's inbound
// queue (spec §4.3's accept(stream_endpoint)).
func (s *Sandbox) Accept(stream io.ReadWriteCloser) { s.inbound.push(stream) }

// NextStream implements webapi.InboundSource for the http-start extension:
// it dequeues the next accepted duplex stream endpoint, blocking until one
// arrives, ctx is cancelled, or the sandbox is tearing down.
func (s *Sandbox) NextStream(ctx context.Context) (io.ReadWriteCloser, bool) {
	return s.inbound.pop(ctx)
}

// TerminationHandle returns the opaque handle the Controller uses to
// request termination.
func (s *Sandbox) TerminationHandle() TerminationHandle {
	return TerminationHandle{rt: s.runtime, reason: &s.terminationReason}
}

// MemoryBreachChannel fires once when the accounted byte count crosses the
// configured limit.
func (s *Sandbox) MemoryBreachChannel() <-chan struct{} { return s.mem.breach }

// CPUAlarmChannel is non-nil only when a CPU-time limit was configured and
// the per-thread timer is supported on this platform.
func (s *Sandbox) CPUAlarmChannel() <-chan struct{} { return s.cpuAlarmCh }

// Run evaluates the entry module, serves the single accepted request
// through to a written response, then drives the event loop down. The
// shutdown signal is always sent via emit, exactly once. Run must be called
// on the same OS thread Boot was called on; ctx bounds the whole request —
// the Controller's terminator interrupts the runtime via TerminationHandle
// and cancels ctx on breach, and Run
// itself never returns early just because a response was written, since
// pending microtasks scheduled by the handler are still allowed to drain
// until the loop is explicitly shut down below.
func (s *Sandbox) Run(ctx context.Context) {
	defer s.teardown()

	bootMs := time.Since(s.bootStart).Milliseconds()
	s.emit(events.Boot(bootMs))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopErr := make(chan error, 1)
	go func() { loopErr <- s.loop.Run(runCtx) }()

	var runErr error
	if err := s.evalEntry(); err != nil {
		runErr = err
	} else if err := s.ServeNextRequest(runCtx); err != nil {
		runErr = err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = s.loop.Shutdown(shutdownCtx)
	shutdownCancel()
	<-loopErr

	cpuUsed := s.cpuTimeUsedMs()
	if runErr != nil {
		s.emitFailure(runErr)
		s.emit(events.Shutdown(s.resolveShutdownReason(runErr), s.memoryUsedSnapshot()).WithCPUTimeUsed(cpuUsed))
		return
	}
	s.emit(events.EventLoopCompleted().WithCPUTimeUsed(cpuUsed))
	s.emit(events.Shutdown(events.ReasonTerminationRequested(), s.memoryUsedSnapshot()).WithCPUTimeUsed(cpuUsed))
}

// evalEntry submits the compiled entry module onto the loop goroutine and
// waits for it to finish running (fetch handlers are only registered as a
// side effect here — the actual request is served afterward, by
// ServeNextRequest).
func (s *Sandbox) evalEntry() error {
	done := make(chan error, 1)
	if err := s.loop.Submit(goeventloop.Task{Runnable: func() {
		_, err := s.runtime.RunProgram(s.entryProgram)
		done <- err
	}}); err != nil {
		return err
	}
	return <-done
}

func (s *Sandbox) emitFailure(err error) {
	if s.terminationReason.Load() != nil {
		return // a Controller-driven termination, surfaced via Shutdown's reason instead
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return
	}
	s.emit(events.UncaughtException(err.Error()).WithCPUTimeUsed(s.cpuTimeUsedMs()))
}

// resolveShutdownReason prefers the reason TerminationHandle.Terminate
// recorded, since a runErr of context.Canceled (the composite terminator's
// ctx cancellation unblocking a handler parked on a Go channel, not a JS
// interrupt) would otherwise tell us nothing about why the sandbox actually
// stopped. Only falls back to inspecting a goja.InterruptedError directly
// when nothing called Terminate — runErr settled on its own.
func (s *Sandbox) resolveShutdownReason(err error) events.ShutdownReason {
	if reason := s.terminationReason.Load(); reason != nil {
		switch *reason {
		case "wall_clock_time":
			return events.ReasonWallClockTime()
		case "cpu_time":
			return events.ReasonCPUTime()
		case "memory":
			return events.ReasonMemory(events.MemoryLimitV8)
		}
		return events.ReasonTerminationRequested()
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return events.ReasonTerminationRequested()
	}
	return events.ReasonEarlyDrop()
}

func (s *Sandbox) cpuTimeUsedMs() int64 {
	d, err := cputimer.GetThreadCPUTime()
	if err != nil {
		return 0
	}
	return d.Milliseconds()
}

func (s *Sandbox) memoryUsedSnapshot() events.WorkerMemoryUsed {
	used := s.mem.usedBytes()
	return events.WorkerMemoryUsed{
		TotalBytes:       used,
		HeapBytes:        used,
		ExternalBytes:    0,
		MemCheckCaptured: s.mem.breached(),
	}
}

func (s *Sandbox) teardown() {
	close(s.memBreachStop)
	if s.cpuTimer != nil {
		_ = s.cpuTimer.Close()
	}
	s.inbound.close()
}

func resolveEntryModule(servicePath string) (string, error) {
	if servicePath == "" {
		return "", errors.New("sandbox: empty service path")
	}
	clean := filepath.Clean(servicePath)
	if strings.Contains(clean, "..") {
		return "", fmt.Errorf("sandbox: service path escapes services root: %s", servicePath)
	}
	for _, candidate := range entryCandidates {
		p := filepath.Join(clean, candidate)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("sandbox: no entry module found in %s (tried %v)", clean, entryCandidates)
}

// lockOSThreadHint documents, rather than enforces, the Boot precondition;
// callers (the Router's per-request goroutine) are expected to call
// runtime.LockOSThread before Boot and never call it after.
var _ = runtime.LockOSThread
