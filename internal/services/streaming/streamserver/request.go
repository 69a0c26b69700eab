package streamserver

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
)

// Request is one parsed request and the sink for its response. The
// response is a status line, a header block and a body whose size is
// declared by Send.
type Request struct {
	conn      *Conn
	req       *http.Request
	ctx       context.Context
	cancel    context.CancelFunc
	keepAlive bool

	// guarded by conn.mu
	sent       bool
	remaining  int64
	closeAfter bool
}

func newRequest(c *Conn, req *http.Request) *Request {
	ctx, cancel := context.WithCancel(c.ctx)
	return &Request{
		conn:       c,
		req:        req.WithContext(ctx),
		ctx:        ctx,
		cancel:     cancel,
		keepAlive:  wantsKeepAlive(req),
		closeAfter: !wantsKeepAlive(req),
	}
}

func (r *Request) Method() string       { return r.req.Method }
func (r *Request) URL() *url.URL        { return r.req.URL }
func (r *Request) Header() http.Header  { return r.req.Header }
func (r *Request) RemoteAddr() net.Addr { return r.conn.RemoteAddr() }

// HTTP returns the parsed request. Its context is the request context.
func (r *Request) HTTP() *http.Request { return r.req }

// Context is cancelled when the connection closes, the request is aborted
// or the handler returns.
func (r *Request) Context() context.Context { return r.ctx }

// KeepAlive reports whether the client asked to reuse the connection.
func (r *Request) KeepAlive() bool { return r.keepAlive }

// CloseAfterResponse makes the connection close once this response is
// written, whatever the client asked for. It must be called before Send.
func (r *Request) CloseAfterResponse() {
	r.conn.mu.Lock()
	r.closeAfter = true
	r.conn.mu.Unlock()
}

// Abort closes the connection immediately. Queued bytes are dropped and no
// further writes happen.
func (r *Request) Abort() {
	r.cancel()
	r.conn.Close()
}

// Send queues the status line and headers. Date and Connection are set by
// the server. bodySize is the exact number of bytes the handler will write;
// it is independent of any Content-Length header, so a HEAD response can
// declare the resource size with a zero body.
func (r *Request) Send(status int, header http.Header, bodySize int64) (*Response, error) {
	c := r.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.broken {
		return nil, ErrConnClosed
	}
	if r.sent {
		return nil, ErrAlreadySent
	}
	if bodySize < 0 {
		return nil, fmt.Errorf("streamserver: negative body size %d", bodySize)
	}

	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Date", c.srv.now().UTC().Format(http.TimeFormat))
	if r.closeAfter {
		h.Set("Connection", "close")
	} else {
		h.Set("Connection", "keep-alive")
	}

	var b bytes.Buffer
	b.WriteString("HTTP/1.1 ")
	b.WriteString(strconv.Itoa(status))
	b.WriteByte(' ')
	b.WriteString(http.StatusText(status))
	b.WriteString("\r\n")
	if err := h.Write(&b); err != nil {
		return nil, err
	}
	b.WriteString("\r\n")

	r.sent = true
	r.remaining = bodySize
	c.enqueueLocked(b.Bytes())
	return &Response{req: r}, nil
}

func (r *Request) completeLocked() bool {
	return r.sent && r.remaining == 0
}

// Response writes the declared body of a sent Request.
type Response struct {
	req *Request
}

// Write queues p for the socket. p is retained until it has been written
// and must not be modified by the caller.
func (w *Response) Write(p []byte) (int, error) {
	r := w.req
	c := r.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.broken {
		return 0, ErrConnClosed
	}
	if int64(len(p)) > r.remaining {
		return 0, fmt.Errorf("%w: %d bytes with %d remaining", ErrBodyOverflow, len(p), r.remaining)
	}
	r.remaining -= int64(len(p))
	c.enqueueLocked(p)
	return len(p), nil
}

// Remaining is the number of declared body bytes not yet written.
func (w *Response) Remaining() int64 {
	w.req.conn.mu.Lock()
	defer w.req.conn.mu.Unlock()
	return w.req.remaining
}

// BytesToWrite is the number of bytes queued on the connection.
func (w *Response) BytesToWrite() int64 { return w.req.conn.BytesToWrite() }

// WaitWritable blocks until fewer than threshold bytes are queued on the
// connection.
func (w *Response) WaitWritable(ctx context.Context, threshold int64) error {
	return w.req.conn.WaitWritable(ctx, threshold)
}
