// Package streamserver is the minimal HTTP/1.1 connection layer used by the
// streaming endpoint. It parses one request at a time per connection, hands it
// to a Handler on its own goroutine and writes the response through a queue
// whose progress the handler can wait on.
package streamserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"piecestream/internal/metrics"
)

var (
	ErrConnClosed   = errors.New("streamserver: connection closed")
	ErrAlreadySent  = errors.New("streamserver: response already started")
	ErrBodyOverflow = errors.New("streamserver: write exceeds declared body size")
	ErrServerClosed = errors.New("streamserver: server closed")
)

// Handler serves one parsed request. The response is complete when the
// handler has sent headers and written exactly the declared body size before
// returning; anything else closes the connection.
type Handler interface {
	ServeStream(req *Request)
}

type HandlerFunc func(req *Request)

func (f HandlerFunc) ServeStream(req *Request) { f(req) }

type Config struct {
	// KeepAlive is how long an idle connection survives between requests.
	KeepAlive time.Duration
	// SweepInterval is the period of the idle connection sweep.
	SweepInterval time.Duration
	// MaxRequestSize caps the bytes buffered for one request head.
	MaxRequestSize int
	// AcceptRate limits accepted connections per second. Zero means no limit.
	AcceptRate  float64
	AcceptBurst int
}

func DefaultConfig() Config {
	return Config{
		KeepAlive:      7 * time.Second,
		SweepInterval:  3 * time.Second,
		MaxRequestSize: 64 << 10,
	}
}

type Server struct {
	handler Handler
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	ln       net.Listener
	host     string
	port     int
	conns    map[*Conn]struct{}
	nextConn uint64
	sweeping bool
	closed   bool
	wg       sync.WaitGroup
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(handler Handler, cfg Config, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = def.KeepAlive
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = def.MaxRequestSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		handler: handler,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[*Conn]struct{}),
	}
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds host:port and starts accepting. A server that is already
// listening keeps its socket when port is 0 or unchanged.
func (s *Server) Listen(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.ln != nil && host == s.host && (port == 0 || port == s.port) {
		return nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("stream server listen: %w", err)
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.ln = ln
	s.host = host
	s.port = ln.Addr().(*net.TCPAddr).Port

	s.wg.Add(1)
	go s.acceptLoop(ln)
	if !s.sweeping {
		s.sweeping = true
		s.wg.Add(1)
		go s.sweepLoop()
	}
	s.logger.Info("stream server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Port is the bound port, 0 before Listen.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ConnCount is the number of open connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops listening, closes every connection and waits for connection
// goroutines to finish. Handlers must return once their request context is
// done.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				return
			}
		}
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("stream accept failed", slog.String("error", err.Error()))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = nc.Close()
			return
		}
		s.nextConn++
		c := newConn(s, s.nextConn, nc)
		s.conns[c] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		metrics.StreamConnections.Inc()
		go c.serve()
	}
}

func (s *Server) forget(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	metrics.StreamConnections.Dec()
}

func (s *Server) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep closes connections with nothing in flight, nothing queued and no
// activity for longer than the keep-alive window.
func (s *Server) sweep() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	now := s.now()
	swept := 0
	for _, c := range conns {
		if c.closeIfIdle(now, s.cfg.KeepAlive) {
			swept++
		}
	}
	if swept > 0 {
		metrics.StreamConnectionsSwept.Add(float64(swept))
		s.logger.Debug("idle stream connections swept", slog.Int("count", swept))
	}
}
