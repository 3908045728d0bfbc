package webapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dop251/goja"
	goeventloop "github.com/joeycumines/go-eventloop"
	gojaeventloop "github.com/joeycumines/goja-eventloop"

	"github.com/edgeworker/fabric/internal/events"
)

func newTestRuntime(t *testing.T, deps Deps) (*goja.Runtime, *FetchRegistry) {
	t.Helper()
	rt := goja.New()
	reg, err := Install(rt, deps)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	return rt, reg
}

func TestInstall_ConsoleEmitsLogEvents(t *testing.T) {
	var got []events.Event
	rt, _ := newTestRuntime(t, Deps{Emit: func(e events.Event) { got = append(got, e) }})

	_, err := rt.RunString(`console.log("hello", "world"); console.error("boom");`)
	if err != nil {
		t.Fatalf("RunString: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 log events, got %d", len(got))
	}
	if got[0].LogLevel != events.LogLevelInfo || got[0].LogMessage != "hello world" {
		t.Fatalf("unexpected first event: %+v", got[0])
	}
	if got[1].LogLevel != events.LogLevelError || got[1].LogMessage != "boom" {
		t.Fatalf("unexpected second event: %+v", got[1])
	}
}

func TestInstall_CryptoRandomUUID(t *testing.T) {
	rt, _ := newTestRuntime(t, Deps{})

	v, err := rt.RunString(`crypto.randomUUID()`)
	if err != nil {
		t.Fatalf("RunString: %v", err)
	}
	s := v.String()
	if len(s) != 36 {
		t.Fatalf("expected a 36-char UUID string, got %q", s)
	}
}

func TestInstall_EnvExposesConfiguredVars(t *testing.T) {
	rt, _ := newTestRuntime(t, Deps{Env: map[string]string{"FOO": "bar"}})

	v, err := rt.RunString(`env.FOO`)
	if err != nil {
		t.Fatalf("RunString: %v", err)
	}
	if v.String() != "bar" {
		t.Fatalf("got %q, want %q", v.String(), "bar")
	}
}

func TestInstall_TextEncoderDecoderRoundTrip(t *testing.T) {
	rt, _ := newTestRuntime(t, Deps{})

	v, err := rt.RunString(`
		const enc = new TextEncoder();
		const buf = enc.encode("hi there");
		const dec = new TextDecoder();
		dec.decode(buf);
	`)
	if err != nil {
		t.Fatalf("RunString: %v", err)
	}
	if v.String() != "hi there" {
		t.Fatalf("got %q, want %q", v.String(), "hi there")
	}
}

func TestInstall_NoFetchListenerRegistered(t *testing.T) {
	rt, reg := newTestRuntime(t, Deps{})

	req := NewRequest(rt, "GET", "http://example.com/", nil, nil)
	_, err := reg.Dispatch(rt, req)
	if err != ErrNoFetchHandler {
		t.Fatalf("expected ErrNoFetchHandler, got %v", err)
	}
}

func TestFetchRegistry_SynchronousRespondWith(t *testing.T) {
	rt, reg := newTestRuntime(t, Deps{})

	_, err := rt.RunString(`
		addEventListener("fetch", (event) => {
			event.respondWith(new Response("ok " + event.request.method, { status: 201 }));
		});
	`)
	if err != nil {
		t.Fatalf("RunString: %v", err)
	}

	req := NewRequest(rt, "POST", "http://example.com/", nil, []byte("body"))
	ch, err := reg.Dispatch(rt, req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	result := <-ch
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}

	status, headers, body, err := ExportResponse(rt, result.Value)
	if err != nil {
		t.Fatalf("ExportResponse: %v", err)
	}
	if status != 201 {
		t.Fatalf("got status %d, want 201", status)
	}
	if string(body) != "ok POST" {
		t.Fatalf("got body %q, want %q", body, "ok POST")
	}
	_ = headers
}

func TestFetchRegistry_HandlerThrowsSynchronously(t *testing.T) {
	rt, reg := newTestRuntime(t, Deps{})

	_, err := rt.RunString(`
		addEventListener("fetch", (event) => {
			throw new Error("boom");
		});
	`)
	if err != nil {
		t.Fatalf("RunString: %v", err)
	}

	req := NewRequest(rt, "GET", "http://example.com/", nil, nil)
	ch, err := reg.Dispatch(rt, req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	result := <-ch
	if result.Err == nil {
		t.Fatal("expected an error from a throwing handler")
	}
}

func TestRequest_TextAndJSONAccessors(t *testing.T) {
	rt, _ := newTestRuntime(t, Deps{})
	req := NewRequest(rt, "POST", "http://example.com/", map[string][]string{"X-Test": {"1"}}, []byte(`{"a":1}`))
	if err := rt.Set("req", req); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v, err := rt.RunString(`req.json().a`)
	if err != nil {
		t.Fatalf("RunString: %v", err)
	}
	if v.ToInteger() != 1 {
		t.Fatalf("got %v, want 1", v.Export())
	}

	v, err = rt.RunString(`req.headers["X-Test"]`)
	if err != nil {
		t.Fatalf("RunString: %v", err)
	}
	if v.String() != "1" {
		t.Fatalf("got %q, want %q", v.String(), "1")
	}
}

func TestFetchRegistry_PromiseBasedRespondWith(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	loop, err := goeventloop.New()
	if err != nil {
		t.Fatalf("goeventloop.New: %v", err)
	}
	defer loop.Shutdown(context.Background())

	rt := goja.New()
	adapter, err := gojaeventloop.New(loop, rt)
	if err != nil {
		t.Fatalf("gojaeventloop.New: %v", err)
	}
	if err := adapter.Bind(); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	reg, err := Install(rt, Deps{})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// goja.Runtime is single-threaded: both the script registration and the
	// dispatch itself must run on the same goroutine the loop's timers fire
	// on, exactly like sandbox.go's evalEntry/dispatchFetch submit via Task.
	setupErr := make(chan error, 1)
	if err := loop.Submit(goeventloop.Task{Runnable: func() {
		_, err := rt.RunString(`
			addEventListener("fetch", (event) => {
				event.respondWith(new Promise((resolve) => {
					setTimeout(() => resolve(new Response("async ok", { status: 202 })), 10);
				}));
			});
		`)
		setupErr <- err
	}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := <-setupErr; err != nil {
		t.Fatalf("RunString: %v", err)
	}

	type outcome struct {
		ch  <-chan Result
		err error
	}
	dispatched := make(chan outcome, 1)
	if err := loop.Submit(goeventloop.Task{Runnable: func() {
		req := NewRequest(rt, "GET", "http://example.com/", nil, nil)
		ch, err := reg.Dispatch(rt, req)
		dispatched <- outcome{ch: ch, err: err}
	}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	out := <-dispatched
	if out.err != nil {
		t.Fatalf("Dispatch: %v", out.err)
	}
	ch := out.ch

	select {
	case result := <-ch:
		if result.Err != nil {
			t.Fatalf("unexpected error: %v", result.Err)
		}

		type exported struct {
			status int
			body   []byte
			err    error
		}
		exportedCh := make(chan exported, 1)
		if err := loop.Submit(goeventloop.Task{Runnable: func() {
			status, _, body, err := ExportResponse(rt, result.Value)
			exportedCh <- exported{status: status, body: body, err: err}
		}}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		got := <-exportedCh
		if got.err != nil {
			t.Fatalf("ExportResponse: %v", got.err)
		}
		if got.status != 202 || string(got.body) != "async ok" {
			t.Fatalf("got status=%d body=%q", got.status, got.body)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for the promise to settle")
	}
}

func TestInstallFetchClient_ResolvesWithUpstreamResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("got method %s, want POST", r.Method)
		}
		got, _ := io.ReadAll(r.Body)
		if string(got) != "ping" {
			t.Errorf("got body %q, want %q", got, "ping")
		}
		w.Header().Set("content-type", "text/plain")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("pong"))
	}))
	defer upstream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	loop, err := goeventloop.New()
	if err != nil {
		t.Fatalf("goeventloop.New: %v", err)
	}
	defer loop.Shutdown(context.Background())

	rt := goja.New()
	adapter, err := gojaeventloop.New(loop, rt)
	if err != nil {
		t.Fatalf("gojaeventloop.New: %v", err)
	}
	if err := adapter.Bind(); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	if _, err := Install(rt, Deps{Loop: loop, HTTPClient: upstream.Client()}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	type outcome struct {
		status  int
		body    string
		failMsg string
	}
	resultCh := make(chan outcome, 1)
	if err := loop.Submit(goeventloop.Task{Runnable: func() {
		if err := rt.Set("__upstreamURL", upstream.URL); err != nil {
			t.Errorf("Set __upstreamURL: %v", err)
			return
		}
		if err := rt.Set("__onDone", func(status int, body string) {
			resultCh <- outcome{status: status, body: body}
		}); err != nil {
			t.Errorf("Set __onDone: %v", err)
			return
		}
		if err := rt.Set("__onFail", func(msg string) {
			resultCh <- outcome{failMsg: msg}
		}); err != nil {
			t.Errorf("Set __onFail: %v", err)
			return
		}
		_, err := rt.RunString(`
			fetch(__upstreamURL, { method: "POST", body: "ping", headers: { "X-Test": "1" } })
				.then((resp) => __onDone(resp.status, resp.text()))
				.catch((err) => __onFail(String(err)));
		`)
		if err != nil {
			resultCh <- outcome{failMsg: err.Error()}
		}
	}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case got := <-resultCh:
		if got.failMsg != "" {
			t.Fatalf("fetch failed: %s", got.failMsg)
		}
		if got.status != http.StatusCreated || got.body != "pong" {
			t.Fatalf("got status=%d body=%q, want 201/pong", got.status, got.body)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for fetch() to settle")
	}
}

func TestResponseConstructor_DefaultsAndHeaders(t *testing.T) {
	rt, _ := newTestRuntime(t, Deps{})

	v, err := rt.RunString(`new Response("body text", { headers: { "content-type": "text/plain" } })`)
	if err != nil {
		t.Fatalf("RunString: %v", err)
	}

	status, headers, body, err := ExportResponse(rt, v)
	if err != nil {
		t.Fatalf("ExportResponse: %v", err)
	}
	if status != 200 {
		t.Fatalf("got status %d, want default 200", status)
	}
	if string(body) != "body text" {
		t.Fatalf("got body %q", body)
	}
	if got := headers["content-type"]; len(got) != 1 || got[0] != "text/plain" {
		t.Fatalf("got headers %+v", headers)
	}
}
