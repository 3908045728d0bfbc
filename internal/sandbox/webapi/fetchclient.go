package webapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/dop251/goja"
	goeventloop "github.com/joeycumines/go-eventloop"
)

// installFetchClient binds the outbound fetch(url, init) client, a sandbox
// extension distinct from the inbound addEventListener('fetch', ...)
// contract fetch.go implements. The handler runs the HTTP round-trip on
// its own goroutine (net/http.Client.Do blocks,
// and must never block the sandbox's single event-loop goroutine) and
// resolves the JS promise by submitting the resolution back onto loop, since
// only that goroutine may safely touch rt.
func installFetchClient(rt *goja.Runtime, loop *goeventloop.Loop, client *http.Client) error {
	return rt.Set("fetch", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(rt.NewTypeError("fetch requires a URL argument"))
		}
		url := call.Arguments[0].String()
		method, headers, body := parseFetchInit(rt, call)

		promiseCtor := rt.GlobalObject().Get("Promise")
		var resolveFn, rejectFn goja.Value
		executor := rt.ToValue(func(c goja.FunctionCall) goja.Value {
			resolveFn = firstArg(c)
			if len(c.Arguments) > 1 {
				rejectFn = c.Arguments[1]
			}
			return goja.Undefined()
		})
		promiseObj, err := rt.New(promiseCtor, executor)
		if err != nil {
			panic(rt.ToValue(err.Error()))
		}

		go func() {
			resp, respBody, doErr := doFetch(client, method, url, headers, body)
			_ = loop.Submit(goeventloop.Task{Runnable: func() {
				settleFetch(rt, resolveFn, rejectFn, resp, respBody, doErr)
			}})
		}()

		return promiseObj
	})
}

func parseFetchInit(rt *goja.Runtime, call goja.FunctionCall) (method string, headers map[string]string, body string) {
	method = http.MethodGet
	headers = map[string]string{}
	if len(call.Arguments) < 2 {
		return method, headers, ""
	}
	init, ok := call.Arguments[1].(*goja.Object)
	if !ok {
		return method, headers, ""
	}
	if m := init.Get("method"); m != nil && !goja.IsUndefined(m) {
		method = m.String()
	}
	if b := init.Get("body"); b != nil && !goja.IsUndefined(b) && !goja.IsNull(b) {
		body = b.String()
	}
	if h := init.Get("headers"); h != nil && !goja.IsUndefined(h) {
		hobj := h.ToObject(rt)
		for _, k := range hobj.Keys() {
			headers[k] = hobj.Get(k).String()
		}
	}
	return method, headers, body
}

func doFetch(client *http.Client, method, url string, headers map[string]string, body string) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, respBody, nil
}

func settleFetch(rt *goja.Runtime, resolveFn, rejectFn goja.Value, resp *http.Response, body []byte, doErr error) {
	if doErr != nil {
		if reject, ok := goja.AssertFunction(rejectFn); ok {
			_, _ = reject(goja.Undefined(), rt.ToValue(doErr.Error()))
		}
		return
	}

	resolve, ok := goja.AssertFunction(resolveFn)
	if !ok {
		return
	}

	respObj := rt.NewObject()
	_ = respObj.Set("status", resp.StatusCode)
	_ = respObj.Set("ok", resp.StatusCode >= 200 && resp.StatusCode < 300)
	_ = respObj.Set("headers", headersToObject(rt, resp.Header))
	_ = respObj.Set("text", func(goja.FunctionCall) goja.Value { return rt.ToValue(string(body)) })
	_ = respObj.Set("arrayBuffer", func(goja.FunctionCall) goja.Value { return rt.ToValue(rt.NewArrayBuffer(body)) })
	_ = respObj.Set("json", func(goja.FunctionCall) goja.Value {
		jsonParse, _ := goja.AssertFunction(rt.GlobalObject().Get("JSON").ToObject(rt).Get("parse"))
		v, jsonErr := jsonParse(goja.Undefined(), rt.ToValue(string(body)))
		if jsonErr != nil {
			panic(rt.ToValue(jsonErr.Error()))
		}
		return v
	})

	_, _ = resolve(goja.Undefined(), respObj)
}
