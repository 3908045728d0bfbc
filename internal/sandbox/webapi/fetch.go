package webapi

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dop251/goja"
)

// ErrNoFetchHandler is returned by Dispatch when the entry module never
// called addEventListener('fetch', ...).
var ErrNoFetchHandler = errors.New("webapi: no fetch event listener registered")

// Result is what a dispatched fetch ultimately settles to: either the
// Response value a handler passed to event.respondWith, or the error it (or
// its promise) rejected with.
type Result struct {
	Value goja.Value
	Err   error
}

// FetchRegistry holds the single fetch listener an entry module registers.
// The original's model allows only one effective handler per worker; this
// mirrors that by keeping the last registration.
type FetchRegistry struct {
	mu      sync.Mutex
	handler goja.Callable
}

func newFetchRegistry() *FetchRegistry { return &FetchRegistry{} }

func installFetchEvent(rt *goja.Runtime, reg *FetchRegistry) error {
	addEventListener := func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 || call.Arguments[0].String() != "fetch" {
			return goja.Undefined()
		}
		fn, ok := goja.AssertFunction(call.Arguments[1])
		if !ok {
			panic(rt.NewTypeError("addEventListener: listener must be a function"))
		}
		reg.mu.Lock()
		reg.handler = fn
		reg.mu.Unlock()
		return goja.Undefined()
	}
	if err := rt.Set("addEventListener", addEventListener); err != nil {
		return err
	}
	return rt.Set("removeEventListener", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) >= 1 && call.Arguments[0].String() == "fetch" {
			reg.mu.Lock()
			reg.handler = nil
			reg.mu.Unlock()
		}
		return goja.Undefined()
	})
}

// Dispatch invokes the registered fetch handler with request, and returns a
// channel that receives exactly one Result once the handler's response (be
// it synchronous or the eventual value of a Promise passed to respondWith)
// settles. Dispatch itself must run on the sandbox's event-loop goroutine,
// same as the handler it calls and the promise machinery it drives; the
// returned channel is safe to receive from anywhere.
func (reg *FetchRegistry) Dispatch(rt *goja.Runtime, request *goja.Object) (<-chan Result, error) {
	reg.mu.Lock()
	handler := reg.handler
	reg.mu.Unlock()
	if handler == nil {
		return nil, ErrNoFetchHandler
	}

	resultCh := make(chan Result, 1)
	var responded bool

	event := rt.NewObject()
	_ = event.Set("request", request)
	_ = event.Set("respondWith", func(call goja.FunctionCall) goja.Value {
		if responded {
			return goja.Undefined()
		}
		responded = true
		if len(call.Arguments) == 0 {
			send(resultCh, Result{Err: errors.New("respondWith called with no response")})
			return goja.Undefined()
		}
		awaitValue(rt, call.Arguments[0], resultCh)
		return goja.Undefined()
	})

	if _, err := handler(goja.Undefined(), event); err != nil {
		send(resultCh, Result{Err: err})
	}
	// A handler may call respondWith asynchronously (e.g. an async function
	// that awaits before responding) — its return here carries no promise
	// about whether respondWith has already fired, only that the callback
	// itself didn't throw synchronously. The caller waits on resultCh.

	return resultCh, nil
}

func send(ch chan Result, r Result) {
	select {
	case ch <- r:
	default:
	}
}

// awaitValue settles ch with val directly, or, if val is thenable, with
// whatever that promise eventually fulfills or rejects with.
func awaitValue(rt *goja.Runtime, val goja.Value, ch chan Result) {
	obj, ok := val.(*goja.Object)
	if ok {
		if then, ok := goja.AssertFunction(obj.Get("then")); ok {
			onFulfilled := func(call goja.FunctionCall) goja.Value {
				send(ch, Result{Value: firstArg(call)})
				return goja.Undefined()
			}
			onRejected := func(call goja.FunctionCall) goja.Value {
				send(ch, Result{Err: fmt.Errorf("fetch handler promise rejected: %s", firstArg(call).String())})
				return goja.Undefined()
			}
			if _, err := then(val, rt.ToValue(onFulfilled), rt.ToValue(onRejected)); err != nil {
				send(ch, Result{Err: err})
			}
			return
		}
	}
	send(ch, Result{Value: val})
}

func firstArg(call goja.FunctionCall) goja.Value {
	if len(call.Arguments) == 0 {
		return goja.Undefined()
	}
	return call.Arguments[0]
}

// NewRequest builds the goja-visible Request object the host passes to
// Dispatch: a plain object carrying method/url/headers and body-reading
// methods, deliberately simpler than the full Fetch spec's Request/Headers
// classes since the sandbox only ever sees requests the Router itself built
// from an already-parsed net/http.Request.
func NewRequest(rt *goja.Runtime, method, url string, headers map[string][]string, body []byte) *goja.Object {
	obj := rt.NewObject()
	_ = obj.Set("method", method)
	_ = obj.Set("url", url)
	_ = obj.Set("headers", headersToObject(rt, headers))
	_ = obj.Set("text", func(goja.FunctionCall) goja.Value {
		return rt.ToValue(string(body))
	})
	_ = obj.Set("arrayBuffer", func(goja.FunctionCall) goja.Value {
		return rt.ToValue(rt.NewArrayBuffer(body))
	})
	_ = obj.Set("json", func(goja.FunctionCall) goja.Value {
		jsonParse, _ := goja.AssertFunction(rt.GlobalObject().Get("JSON").ToObject(rt).Get("parse"))
		v, err := jsonParse(goja.Undefined(), rt.ToValue(string(body)))
		if err != nil {
			panic(rt.ToValue(err.Error()))
		}
		return v
	})
	return obj
}

func headersToObject(rt *goja.Runtime, headers map[string][]string) *goja.Object {
	obj := rt.NewObject()
	for k, v := range headers {
		if len(v) > 0 {
			_ = obj.Set(k, v[0])
		}
	}
	return obj
}

// ExportResponse reads back the fields of a Response-shaped value the
// sandbox produced: status code, headers, and body bytes. Accepts either an
// instance built by the Response constructor installed by installResponse,
// or any plain object exposing the same status/headers/body shape.
func ExportResponse(rt *goja.Runtime, val goja.Value) (status int, headers map[string][]string, body []byte, err error) {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return 0, nil, nil, errors.New("webapi: response value is undefined")
	}
	obj := val.ToObject(rt)

	status = 200
	if s := obj.Get("status"); s != nil && !goja.IsUndefined(s) {
		status = int(s.ToInteger())
	}

	headers = map[string][]string{}
	if h := obj.Get("headers"); h != nil && !goja.IsUndefined(h) {
		hobj := h.ToObject(rt)
		for _, key := range hobj.Keys() {
			headers[key] = []string{hobj.Get(key).String()}
		}
	}

	if b := obj.Get("body"); b != nil && !goja.IsUndefined(b) && !goja.IsNull(b) {
		if buf, ok := b.Export().(goja.ArrayBuffer); ok {
			body = buf.Bytes()
		} else {
			body = []byte(b.String())
		}
	}

	return status, headers, body, nil
}
