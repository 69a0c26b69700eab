package streamserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"piecestream/internal/metrics"
)

const readChunkSize = 4 << 10

// Conn is one accepted socket. It owns the inbound buffer, at most one
// request in flight and the queue of bytes waiting to be written.
type Conn struct {
	srv    *Server
	id     uint64
	nc     net.Conn
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	mu           sync.Mutex
	inbuf        []byte
	active       *Request
	queue        [][]byte
	queued       int64
	progress     chan struct{}
	lastActivity time.Time
	drainClose   bool
	peerClosed   bool
	broken       bool
	closed       bool
}

func newConn(s *Server, id uint64, nc net.Conn) *Conn {
	ctx, cancel := context.WithCancel(s.ctx)
	return &Conn{
		srv: s,
		id:  id,
		nc:  nc,
		logger: s.logger.With(
			slog.Uint64("conn", id),
			slog.String("remote", nc.RemoteAddr().String()),
		),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		wake:         make(chan struct{}, 1),
		progress:     make(chan struct{}),
		lastActivity: s.now(),
	}
}

func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Done is closed when the connection has been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// BytesToWrite is the number of queued bytes not yet accepted by the socket.
func (c *Conn) BytesToWrite() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queued
}

// WaitWritable blocks until fewer than threshold bytes are queued.
func (c *Conn) WaitWritable(ctx context.Context, threshold int64) error {
	for {
		c.mu.Lock()
		if c.closed || c.broken {
			c.mu.Unlock()
			return ErrConnClosed
		}
		if c.queued < threshold {
			c.mu.Unlock()
			return nil
		}
		progress := c.progress
		c.mu.Unlock()

		select {
		case <-progress:
		case <-c.done:
			return ErrConnClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close closes the socket at once, dropping queued bytes.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.queue = nil
	c.queued = 0
	close(c.done)
	c.cancel()
	_ = c.nc.Close()
}

// closeAfterDrainLocked lets the writer flush the queue before closing.
func (c *Conn) closeAfterDrainLocked() {
	c.drainClose = true
	c.signalWriterLocked()
}

func (c *Conn) serve() {
	defer c.srv.wg.Done()
	defer c.srv.forget(c)
	defer c.Close()

	c.srv.wg.Add(1)
	go c.writeLoop()

	buf := make([]byte, readChunkSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			c.onData(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			// The client half-closed. Requests already received are still
			// answered before the socket is closed.
			c.onPeerClosed()
			<-c.done
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Conn) onPeerClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerClosed = true
	if c.active == nil {
		c.closeAfterDrainLocked()
	}
}

func (c *Conn) onData(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.broken {
		return
	}
	c.lastActivity = c.srv.now()
	// Bytes may legitimately arrive once the in-flight response is fully
	// queued, before its handler has returned. They wait in the buffer.
	if c.active != nil && !c.active.completeLocked() {
		c.protocolErrorLocked(http.StatusBadRequest, "pipelined", fmt.Errorf("request received while another is in flight"))
		return
	}
	c.inbuf = append(c.inbuf, p...)
	c.parseLocked()
}

// parseLocked dispatches the next buffered request when none is in flight.
func (c *Conn) parseLocked() {
	if c.active != nil || c.closed || c.broken || len(c.inbuf) == 0 {
		return
	}
	req, n, status, err := parseRequest(c.inbuf, c.srv.cfg.MaxRequestSize)
	switch status {
	case parseIncomplete:
		return
	case parseTooLarge:
		c.protocolErrorLocked(http.StatusRequestEntityTooLarge, status.String(), err)
		return
	case parseBadRequest:
		c.protocolErrorLocked(http.StatusBadRequest, status.String(), err)
		return
	}

	rest := copy(c.inbuf, c.inbuf[n:])
	c.inbuf = c.inbuf[:rest]
	r := newRequest(c, req)
	c.active = r
	c.srv.wg.Add(1)
	go c.dispatch(r)
}

func (c *Conn) dispatch(r *Request) {
	defer c.srv.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("stream handler panic",
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
			r.cancel()
			c.Close()
		}
	}()

	c.logger.Debug("stream request",
		slog.String("method", r.req.Method),
		slog.String("path", r.req.URL.Path),
		slog.String("range", r.req.Header.Get("Range")),
	)
	c.srv.handler.ServeStream(r)
	c.finish(r)
}

// finish settles the connection once the handler has returned: a complete
// response either keeps the connection for the next request or drains and
// closes it, an incomplete one closes it.
func (c *Conn) finish(r *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.cancel()
	if c.active == r {
		c.active = nil
	}
	if c.closed || c.broken {
		return
	}
	if !r.completeLocked() {
		c.logger.Debug("stream response incomplete, closing",
			slog.Bool("headersSent", r.sent),
			slog.Int64("bodyRemaining", r.remaining),
		)
		c.broken = true
		c.closeAfterDrainLocked()
		return
	}
	if r.closeAfter {
		c.broken = true
		c.closeAfterDrainLocked()
		return
	}
	c.lastActivity = c.srv.now()
	c.parseLocked()
	if c.peerClosed && c.active == nil {
		c.closeAfterDrainLocked()
	}
}

// protocolErrorLocked answers with a plain-text error when no response has
// started on the connection and closes it after the queue drains.
func (c *Conn) protocolErrorLocked(status int, reason string, err error) {
	metrics.StreamProtocolErrors.WithLabelValues(reason).Inc()
	c.logger.Warn("stream protocol error",
		slog.Int("status", status),
		slog.String("reason", reason),
		slog.String("error", errString(err)),
	)
	active := c.active
	if active != nil {
		active.cancel()
		if active.sent {
			c.closeLocked()
			return
		}
	}
	c.broken = true
	c.inbuf = nil
	c.enqueueLocked(errorResponse(status, http.StatusText(status), c.srv.now()))
	c.closeAfterDrainLocked()
}

func (c *Conn) enqueueLocked(p []byte) {
	if len(p) == 0 {
		return
	}
	c.queue = append(c.queue, p)
	c.queued += int64(len(p))
	c.signalWriterLocked()
}

func (c *Conn) signalWriterLocked() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Conn) writeLoop() {
	defer c.srv.wg.Done()
	for {
		c.mu.Lock()
		for len(c.queue) == 0 {
			if c.closed {
				c.mu.Unlock()
				return
			}
			if c.drainClose {
				c.closeLocked()
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
			select {
			case <-c.wake:
			case <-c.done:
				return
			}
			c.mu.Lock()
		}
		chunk := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.mu.Unlock()

		n, err := c.nc.Write(chunk)
		metrics.StreamBytesSent.Add(float64(n))

		c.mu.Lock()
		if !c.closed {
			c.queued -= int64(len(chunk))
			c.lastActivity = c.srv.now()
			close(c.progress)
			c.progress = make(chan struct{})
		}
		if err != nil {
			c.logger.Debug("stream write failed", slog.String("error", err.Error()))
			c.closeLocked()
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}
}

func (c *Conn) closeIfIdle(now time.Time, keepAlive time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.active != nil || c.queued > 0 {
		return false
	}
	if now.Sub(c.lastActivity) <= keepAlive {
		return false
	}
	c.closeLocked()
	return true
}

func errorResponse(status int, msg string, now time.Time) []byte {
	body := msg + "\n"
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	h := http.Header{}
	h.Set("Date", now.UTC().Format(http.TimeFormat))
	h.Set("Connection", "close")
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", fmt.Sprint(len(body)))
	_ = h.Write(&b)
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.Bytes()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
