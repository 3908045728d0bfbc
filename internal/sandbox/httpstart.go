package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/dop251/goja"
	goeventloop "github.com/joeycumines/go-eventloop"

	"github.com/edgeworker/fabric/internal/sandbox/webapi"
)

// ServeNextRequest implements the http-start extension of spec §4.3: block
// for the next accepted stream endpoint, parse one HTTP/1.1 request off it,
// dispatch a fetch event into the sandbox's JS, await the handler's
// response, and write it back onto the same stream. The host (this
// function, running on the Router's behalf) owns wire-level HTTP framing;
// JS only ever sees the already-parsed Request/Response contract webapi
// exposes — the sandbox never touches a raw byte.
func (s *Sandbox) ServeNextRequest(ctx context.Context) error {
	stream, ok := s.NextStream(ctx)
	if !ok {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("sandbox: inbound queue closed before a request arrived")
	}
	defer stream.Close()

	req, err := http.ReadRequest(bufio.NewReader(stream))
	if err != nil {
		return fmt.Errorf("sandbox: parse inbound request: %w", err)
	}
	defer req.Body.Close()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return fmt.Errorf("sandbox: read request body: %w", err)
	}
	s.mem.add(int64(len(body)))

	resultCh, err := s.dispatchFetch(req, body)
	if err != nil {
		return err
	}

	var result webapi.Result
	select {
	case result = <-resultCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	if result.Err != nil {
		return fmt.Errorf("sandbox: fetch handler failed: %w", result.Err)
	}

	status, headers, respBody, err := s.exportResponse(result.Value)
	if err != nil {
		return fmt.Errorf("sandbox: export response: %w", err)
	}
	s.mem.add(int64(len(respBody)))

	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header(headers),
		Body:          io.NopCloser(bytes.NewReader(respBody)),
		ContentLength: int64(len(respBody)),
	}
	return resp.Write(stream)
}

// dispatchFetch submits the fetch-event dispatch onto the sandbox's event
// loop goroutine (goja.Runtime and its Promise machinery are single-threaded)
// and returns the channel the dispatch itself settles on.
func (s *Sandbox) dispatchFetch(req *http.Request, body []byte) (<-chan webapi.Result, error) {
	type outcome struct {
		ch  <-chan webapi.Result
		err error
	}
	done := make(chan outcome, 1)

	submitErr := s.loop.Submit(goeventloop.Task{Runnable: func() {
		reqObj := webapi.NewRequest(s.runtime, req.Method, req.URL.String(), req.Header, body)
		ch, err := s.fetch.Dispatch(s.runtime, reqObj)
		done <- outcome{ch: ch, err: err}
	}})
	if submitErr != nil {
		return nil, fmt.Errorf("sandbox: submit fetch dispatch: %w", submitErr)
	}

	out := <-done
	if out.err != nil {
		return nil, fmt.Errorf("sandbox: dispatch fetch event: %w", out.err)
	}
	return out.ch, nil
}

// exportResponse reads the settled Response value back on the loop
// goroutine, since a goja.Value is not safe to touch from any other thread.
func (s *Sandbox) exportResponse(val goja.Value) (status int, headers map[string][]string, body []byte, err error) {
	type outcome struct {
		status  int
		headers map[string][]string
		body    []byte
		err     error
	}
	done := make(chan outcome, 1)

	submitErr := s.loop.Submit(goeventloop.Task{Runnable: func() {
		st, h, b, e := webapi.ExportResponse(s.runtime, val)
		done <- outcome{status: st, headers: h, body: b, err: e}
	}})
	if submitErr != nil {
		return 0, nil, nil, submitErr
	}
	out := <-done
	return out.status, out.headers, out.body, out.err
}
