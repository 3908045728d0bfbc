package webapi

import "github.com/dop251/goja"

// installResponse binds a deliberately minimal Response constructor: enough
// for `new Response(body, { status, headers })` to produce a value
// ExportResponse can read back, without the full Fetch Response surface
// (Response.clone, streaming bodies) the sandbox's single-shot request model
// has no use for.
func installResponse(rt *goja.Runtime) error {
	ctor := rt.ToValue(func(call goja.ConstructorCall) *goja.Object {
		this := call.This

		var body goja.Value = rt.ToValue("")
		if len(call.Arguments) > 0 && !goja.IsUndefined(call.Arguments[0]) && !goja.IsNull(call.Arguments[0]) {
			body = call.Arguments[0]
		}
		_ = this.Set("body", body)

		status := int64(200)
		headers := rt.NewObject()
		if len(call.Arguments) > 1 {
			if init, ok := call.Arguments[1].(*goja.Object); ok {
				if s := init.Get("status"); s != nil && !goja.IsUndefined(s) {
					status = s.ToInteger()
				}
				if h := init.Get("headers"); h != nil && !goja.IsUndefined(h) {
					hobj := h.ToObject(rt)
					for _, key := range hobj.Keys() {
						_ = headers.Set(key, hobj.Get(key))
					}
				}
			}
		}
		_ = this.Set("status", status)
		_ = this.Set("ok", status >= 200 && status < 300)
		_ = this.Set("headers", headers)

		_ = this.Set("text", func(goja.FunctionCall) goja.Value { return rt.ToValue(body.String()) })

		return nil
	})
	return rt.GlobalObject().Set("Response", ctor)
}
