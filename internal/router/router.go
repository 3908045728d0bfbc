// Package router implements the Router (spec §4.5): the net/http front door
// that maps an inbound connection to a function's service directory, boots a
// fresh Sandbox per request on its own OS thread, and proxies HTTP/1.1
// framing between the public connection and the sandbox's duplex stream.
package router

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/edgeworker/fabric/internal/config"
	"github.com/edgeworker/fabric/internal/controller"
	"github.com/edgeworker/fabric/internal/events"
	"github.com/edgeworker/fabric/internal/sandbox"
	"github.com/edgeworker/fabric/internal/streampipe"
	"github.com/edgeworker/fabric/internal/telemetry"
)

// Router is an http.Handler; one instance serves every inbound connection
// for the process's lifetime.
type Router struct {
	cfg config.Config
}

// New builds a Router from the process's validated configuration.
func New(cfg config.Config) *Router { return &Router{cfg: cfg} }

// terminatorFunc adapts a plain func to controller.Terminator.
type terminatorFunc func(reason string)

func (f terminatorFunc) Terminate(reason string) { f(reason) }

func (rt *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	serviceName, ok := functionName(req.URL.Path)
	if !ok {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	servicePath := filepath.Join(rt.cfg.ServicesDir, serviceName)
	if fi, err := os.Stat(servicePath); err != nil || !fi.IsDir() {
		http.Error(w, "function not found", http.StatusNotFound)
		return
	}

	local, peer := streampipe.New()
	execID := uuid.New()

	emit := func(ev events.Event) {
		logRecord(events.Record{
			Event:    ev,
			Metadata: events.Metadata{ServicePath: serviceName, ExecutionID: execID},
		})
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sbCfg := sandbox.Config{
		ServicePath:    servicePath,
		MemLimitBytes:  int64(rt.cfg.MemLimitMiB) * 1024 * 1024,
		WallClockLimit: time.Duration(rt.cfg.ServiceTimeoutMs) * time.Millisecond,
		CPUTimeLimit:   time.Duration(rt.cfg.CPUTimeLimitMs) * time.Millisecond,
		NoModuleCache:  rt.cfg.NoModuleCache,
		ImportMapPath:  rt.cfg.ImportMapPath,
		Env:            rt.cfg.Env,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		sb, err := sandbox.Boot(sbCfg, emit)
		if err != nil {
			emit(events.BootFailure(err.Error()))
			_ = peer.Close()
			return
		}
		sb.Accept(peer)

		deadline := time.Now().Add(sbCfg.WallClockLimit)
		term := terminatorFunc(func(reason string) {
			sb.TerminationHandle().Terminate(reason)
			cancel()
		})
		go controller.Watch(runCtx, deadline, sb.MemoryBreachChannel(), sb.CPUAlarmChannel(), term)

		sb.Run(runCtx)
	}()

	rt.proxy(w, req, local, done)
}

// proxy drives local as an HTTP/1.1 client connection: write req onto it,
// half-close so the sandbox's request body read observes EOF, then read and
// relay back whatever HTTP/1.1 response the sandbox writes.
func (rt *Router) proxy(w http.ResponseWriter, req *http.Request, local *streampipe.Endpoint, done <-chan struct{}) {
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- req.Write(local)
		writeErr <- local.CloseWrite()
	}()

	if err := <-writeErr; err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		_ = local.Close()
		<-done
		return
	}
	<-writeErr

	resp, err := http.ReadResponse(bufio.NewReader(local), req)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		_ = local.Close()
		<-done
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)

	_ = local.Close()
	<-done
}

// functionName extracts the first non-empty path segment of urlPath — the
// function's identity, per the request URL rather than the (attacker-
// controlled, non-authoritative) Host header. Rejects a missing, ".", "..",
// or "/"-containing segment with ok=false so the caller can respond 400.
func functionName(urlPath string) (name string, ok bool) {
	name = strings.TrimPrefix(urlPath, "/")
	if i := strings.IndexByte(name, '/'); i >= 0 {
		name = name[:i]
	}
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

func logRecord(rec events.Record) {
	base := telemetry.L().Info().
		Str("execution_id", rec.Metadata.ExecutionID.String()).
		Str("service_path", rec.Metadata.ServicePath).
		Str("event", string(rec.Event.Kind))

	switch rec.Event.Kind {
	case events.KindBoot:
		base.Int64("boot_time_ms", rec.Event.BootTimeMs).Log("sandbox booted")
	case events.KindBootFailure:
		telemetry.L().Err().Err(fmt.Errorf("%s", rec.Event.BootFailureMessage)).
			Str("execution_id", rec.Metadata.ExecutionID.String()).
			Str("service_path", rec.Metadata.ServicePath).
			Log("sandbox boot failed")
	case events.KindUncaughtException:
		telemetry.L().Err().Err(fmt.Errorf("%s", rec.Event.ExceptionText)).
			Str("execution_id", rec.Metadata.ExecutionID.String()).
			Str("service_path", rec.Metadata.ServicePath).
			Int64("cpu_time_used_ms", rec.Event.CPUTimeUsedMs).
			Log("uncaught exception")
	case events.KindShutdown:
		base.Str("shutdown_reason", string(rec.Event.ShutdownReason.Kind)).
			Int64("cpu_time_used_ms", rec.Event.CPUTimeUsedMs).
			Int64("memory_used_bytes", rec.Event.MemoryUsed.TotalBytes).
			Log("sandbox shut down")
	case events.KindEventLoopCompleted:
		base.Int64("cpu_time_used_ms", rec.Event.CPUTimeUsedMs).Log("event loop completed")
	case events.KindLog:
		base.Str("log_level", string(rec.Event.LogLevel)).Str("message", rec.Event.LogMessage).Log("sandbox log")
	}
}
