// Package streampipe implements the in-process duplex byte-stream of C5
// §4.5: a bidirectional, ordered, byte-oriented channel with independent
// half-close, standing in for an anonymous OS pipe or socket pair without
// needing one. The Router creates one pair per request; one endpoint
// (peer) is handed to the freshly booted Sandbox as its accept-stream, the
// other (local) is where the Router drives HTTP/1.1 client framing.
package streampipe

import "io"

// Endpoint is one side of a connected pair created by New. It satisfies
// io.ReadWriteCloser (not net.Conn), which is all net/http's Request.Write,
// ReadRequest, Response.Write and ReadResponse need to run over it.
type Endpoint struct {
	pr *io.PipeReader
	pw *io.PipeWriter
}

// New creates a connected pair of duplex endpoints: local's Write is peer's
// Read and vice versa. Built from two io.Pipes rather than net.Pipe because
// net.Pipe's single shared Close tears down both directions for both sides
// at once; this needs the two directions closable independently.
func New() (local, peer *Endpoint) {
	abR, abW := io.Pipe() // local writes abW, peer reads abR
	baR, baW := io.Pipe() // peer writes baW, local reads baR

	local = &Endpoint{pr: baR, pw: abW}
	peer = &Endpoint{pr: abR, pw: baW}
	return local, peer
}

// Read reads from this endpoint's inbound direction.
func (e *Endpoint) Read(p []byte) (int, error) { return e.pr.Read(p) }

// Write writes to this endpoint's outbound direction.
func (e *Endpoint) Write(p []byte) (int, error) { return e.pw.Write(p) }

// CloseWrite half-closes the outbound direction: the peer's next Read past
// any already-buffered data observes io.EOF. This endpoint may still Read.
func (e *Endpoint) CloseWrite() error { return e.pw.Close() }

// CloseRead half-closes the inbound direction: the peer's next Write
// observes io.ErrClosedPipe. This endpoint may still Write.
func (e *Endpoint) CloseRead() error { return e.pr.CloseWithError(io.ErrClosedPipe) }

// Close closes both directions — CloseWrite then CloseRead — so the peer
// sees both EOF on read and ErrClosedPipe on write, exactly as dropping the
// outer TCP connection should surface to sandbox-side user code.
func (e *Endpoint) Close() error {
	werr := e.CloseWrite()
	rerr := e.CloseRead()
	if werr != nil {
		return werr
	}
	return rerr
}
