package sandbox

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edgeworker/fabric/internal/controller"
	"github.com/edgeworker/fabric/internal/events"
	"github.com/edgeworker/fabric/internal/streampipe"
)

type testTerminator func(reason string)

func (f testTerminator) Terminate(reason string) { f(reason) }

func bootAndServe(t *testing.T, servicePath string, wallClock time.Duration) (*http.Response, []events.Event) {
	t.Helper()

	var got []events.Event
	cfg := Config{
		ServicePath:    servicePath,
		MemLimitBytes:  150 * 1024 * 1024,
		WallClockLimit: wallClock,
	}
	sb, err := Boot(cfg, func(e events.Event) { got = append(got, e) })
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}

	local, peer := streampipe.New()
	sb.Accept(peer)

	outerCtx, outerCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer outerCancel()
	runCtx, cancel := context.WithCancel(outerCtx)
	defer cancel()

	term := testTerminator(func(reason string) {
		sb.TerminationHandle().Terminate(reason)
		cancel()
	})
	go controller.Watch(runCtx, time.Now().Add(wallClock), sb.MemoryBreachChannel(), sb.CPUAlarmChannel(), term)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		sb.Run(runCtx)
	}()

	req := httptest.NewRequest(http.MethodGet, "http://example.com/path", nil)
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- req.Write(local)
		writeErr <- local.CloseWrite()
	}()
	if err := <-writeErr; err != nil {
		t.Fatalf("req.Write: %v", err)
	}
	<-writeErr

	resp, err := http.ReadResponse(bufio.NewReader(local), req)
	_ = local.Close()
	<-runDone

	if err != nil {
		return nil, got
	}
	return resp, got
}

func TestSandbox_HappyPath(t *testing.T) {
	resp, evts := bootAndServe(t, "../../testdata/services/hello", 5*time.Second)
	if resp == nil {
		t.Fatal("expected a response, got none")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if got := string(body); got == "" || got[:6] != "hello " {
		t.Fatalf("got body %q, want it to start with %q", got, "hello ")
	}

	if !hasKind(evts, events.KindBoot) {
		t.Error("expected a Boot event")
	}
	if !hasKind(evts, events.KindEventLoopCompleted) {
		t.Error("expected an EventLoopCompleted event")
	}
	if !hasKind(evts, events.KindShutdown) {
		t.Error("expected a Shutdown event")
	}
}

func TestSandbox_UncaughtException(t *testing.T) {
	_, evts := bootAndServe(t, "../../testdata/services/throws", 5*time.Second)

	if !hasKind(evts, events.KindUncaughtException) {
		t.Error("expected an UncaughtException event")
	}
	if !hasKind(evts, events.KindShutdown) {
		t.Error("expected a Shutdown event")
	}
}

func TestSandbox_WallClockBreach(t *testing.T) {
	resp, evts := bootAndServe(t, "../../testdata/services/slow", 50*time.Millisecond)

	if resp != nil {
		defer resp.Body.Close()
		t.Fatalf("expected the connection to be torn down before a response was written, got status %d", resp.StatusCode)
	}

	shutdown := findShutdown(evts)
	if shutdown == nil {
		t.Fatal("expected a Shutdown event")
	}
	if shutdown.ShutdownReason.Kind != events.ShutdownWallClockTime {
		t.Fatalf("got shutdown reason %q, want %q", shutdown.ShutdownReason.Kind, events.ShutdownWallClockTime)
	}
}

func hasKind(evts []events.Event, k events.Kind) bool {
	for _, e := range evts {
		if e.Kind == k {
			return true
		}
	}
	return false
}

func findShutdown(evts []events.Event) *events.Event {
	for i := range evts {
		if evts[i].Kind == events.KindShutdown {
			return &evts[i]
		}
	}
	return nil
}
