// Package webapi supplies the host-bound globals a function's entry module
// runs against: console, crypto, environment variables, the outbound
// fetch(url, init) HTTP client, and the addEventListener('fetch', ...)
// contract the Router dispatches inbound requests through. gojaeventloop's
// Adapter.Bind only wires timers, microtasks and Promise (see its
// adapter.go); everything Web-Platform-shaped beyond that — console,
// encoding, the two fetch surfaces — is this package's job, built directly
// on goja the way the rest of the corpus builds host bindings on top of it.
package webapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	goeventloop "github.com/joeycumines/go-eventloop"

	"github.com/edgeworker/fabric/internal/events"
)

// Deps are the host-side collaborators Install wires into the runtime.
type Deps struct {
	// Env is the read-only key/value mapping exposed as globalThis.env.
	Env map[string]string
	// Emit receives one events.Log per console.* call.
	Emit func(events.Event)
	// Loop is the sandbox's cooperative scheduler; required so the outbound
	// fetch() binding can settle its promise back on the goroutine that owns
	// rt, even though the HTTP round-trip itself runs off that goroutine.
	Loop *goeventloop.Loop
	// HTTPClient backs the outbound fetch() binding. A nil client disables
	// fetch() (Install leaves the global unset).
	HTTPClient *http.Client
}

// Install binds the ambient globals onto rt and returns the FetchRegistry
// the host uses to dispatch inbound requests to whatever handler the entry
// module registered via addEventListener('fetch', ...).
func Install(rt *goja.Runtime, deps Deps) (*FetchRegistry, error) {
	if deps.Emit == nil {
		deps.Emit = func(events.Event) {}
	}

	if err := installConsole(rt, deps.Emit); err != nil {
		return nil, err
	}
	if err := installCrypto(rt); err != nil {
		return nil, err
	}
	if err := installEnv(rt, deps.Env); err != nil {
		return nil, err
	}
	if err := installEncoding(rt); err != nil {
		return nil, err
	}

	reg := newFetchRegistry()
	if err := installFetchEvent(rt, reg); err != nil {
		return nil, err
	}
	if err := installResponse(rt); err != nil {
		return nil, err
	}

	if deps.Loop != nil && deps.HTTPClient != nil {
		if err := installFetchClient(rt, deps.Loop, deps.HTTPClient); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

func installConsole(rt *goja.Runtime, emit func(events.Event)) error {
	console := rt.NewObject()
	bind := func(name string, level events.LogLevel) error {
		return console.Set(name, func(call goja.FunctionCall) goja.Value {
			emit(events.Log(level, formatArgs(call.Arguments)))
			return goja.Undefined()
		})
	}
	if err := bind("log", events.LogLevelInfo); err != nil {
		return err
	}
	if err := bind("info", events.LogLevelInfo); err != nil {
		return err
	}
	if err := bind("debug", events.LogLevelDebug); err != nil {
		return err
	}
	if err := bind("warn", events.LogLevelWarning); err != nil {
		return err
	}
	if err := bind("error", events.LogLevelError); err != nil {
		return err
	}
	return rt.Set("console", console)
}

func formatArgs(args []goja.Value) string {
	strs := make([]string, len(args))
	for i, a := range args {
		strs[i] = a.String()
	}
	return strings.Join(strs, " ")
}

func installCrypto(rt *goja.Runtime) error {
	crypto := rt.NewObject()
	if err := crypto.Set("randomUUID", func(goja.FunctionCall) goja.Value {
		return rt.ToValue(uuid.New().String())
	}); err != nil {
		return err
	}
	if err := crypto.Set("getRandomValues", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(rt.NewTypeError("getRandomValues requires a typed array argument"))
		}
		obj := call.Arguments[0].ToObject(rt)
		length := obj.Get("length")
		if length == nil {
			return call.Arguments[0]
		}
		n := int(length.ToInteger())
		id := uuid.New()
		for i := 0; i < n; i++ {
			_ = obj.Set(fmt.Sprint(i), int64(id[i%len(id)])^int64(i))
		}
		return call.Arguments[0]
	}); err != nil {
		return err
	}
	return rt.Set("crypto", crypto)
}

func installEnv(rt *goja.Runtime, env map[string]string) error {
	obj := rt.NewObject()
	for k, v := range env {
		if err := obj.Set(k, v); err != nil {
			return err
		}
	}
	return rt.Set("env", obj)
}

func installEncoding(rt *goja.Runtime) error {
	textEncoderProto := rt.NewObject()
	if err := textEncoderProto.Set("encode", func(call goja.FunctionCall) goja.Value {
		s := ""
		if len(call.Arguments) > 0 {
			s = call.Arguments[0].String()
		}
		return rt.ToValue(rt.NewArrayBuffer([]byte(s)))
	}); err != nil {
		return err
	}
	textEncoderCtor := rt.ToValue(func(call goja.ConstructorCall) *goja.Object {
		_ = call.This.SetPrototype(textEncoderProto)
		return nil
	})
	if err := rt.GlobalObject().Set("TextEncoder", textEncoderCtor); err != nil {
		return err
	}

	textDecoderProto := rt.NewObject()
	if err := textDecoderProto.Set("decode", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return rt.ToValue("")
		}
		buf, ok := call.Arguments[0].Export().(goja.ArrayBuffer)
		if !ok {
			return rt.ToValue("")
		}
		return rt.ToValue(string(buf.Bytes()))
	}); err != nil {
		return err
	}
	textDecoderCtor := rt.ToValue(func(call goja.ConstructorCall) *goja.Object {
		_ = call.This.SetPrototype(textDecoderProto)
		return nil
	})
	return rt.GlobalObject().Set("TextDecoder", textDecoderCtor)
}
