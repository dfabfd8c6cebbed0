// Package server is a TCP echo server that terminates TLS with the ssl
// package over socket transports.
//
// Each accepted socket becomes an ssl.Connection in accept state. The
// server drives the handshake through the WantRead retry signal, echoes
// application data back until the peer sends close_notify, then answers
// with its own. A poll interval bounds each socket read so handshake and
// idle deadlines, and shutdown, are noticed without a second goroutine.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/ssl"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server closed")

// Server accepts TLS connections and echoes what it receives.
type Server struct {
	cfg     config.ServerConfig
	logger  observability.Logger
	metrics *Metrics
	tracer  *observability.Tracer
	limiter *rate.Limiter

	ctxMu  sync.RWMutex
	tlsCtx *ssl.Context

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	closing  chan struct{}
	closed   atomic.Bool
	active   atomic.Int64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// WithTracer wraps each connection in a span.
func WithTracer(tracer *observability.Tracer) Option {
	return func(s *Server) {
		s.tracer = tracer
	}
}

// New creates a server. It takes over the caller's reference to tlsCtx.
func New(cfg config.ServerConfig, tlsCtx *ssl.Context, opts ...Option) (*Server, error) {
	if tlsCtx == nil {
		return nil, errors.New("server: tls context is required")
	}
	cfg.SetDefaults()

	s := &Server{
		cfg:     cfg,
		logger:  observability.NopLogger(),
		tlsCtx:  tlsCtx,
		conns:   make(map[net.Conn]struct{}),
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics("")
	}
	if rl := cfg.RateLimit; rl != nil && rl.Enabled {
		s.limiter = rate.NewLimiter(rate.Limit(rl.RPS), rl.Burst)
	}
	return s, nil
}

// SetContext makes new connections use tlsCtx. Connections already
// established keep the context they started with. The server takes over
// the caller's reference and releases its reference to the previous one.
func (s *Server) SetContext(tlsCtx *ssl.Context) error {
	if tlsCtx == nil {
		return errors.New("server: tls context is required")
	}
	s.ctxMu.Lock()
	old := s.tlsCtx
	s.tlsCtx = tlsCtx
	s.ctxMu.Unlock()

	s.logger.Info("tls context replaced")
	if old == nil {
		return nil
	}
	return old.Free()
}

// context returns the current context with an extra reference the caller
// must release.
func (s *Server) context() (*ssl.Context, error) {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	if s.tlsCtx == nil {
		return nil, ErrServerClosed
	}
	if err := s.tlsCtx.Retain(); err != nil {
		return nil, err
	}
	return s.tlsCtx, nil
}

// ListenAndServe listens on the configured address and serves until
// Shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until Shutdown is called or ctx is done.
// It always returns a non-nil error.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("server started", observability.String("address", ln.Addr().String()))

	stop := context.AfterFunc(ctx, func() { _ = s.closeListener() })
	defer stop()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.closed.Load() || ctx.Err() != nil {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		if reason, ok := s.admit(); !ok {
			s.metrics.rejectedTotal.WithLabelValues(reason).Inc()
			s.logger.Warn("connection refused",
				observability.String("remote", nc.RemoteAddr().String()),
				observability.String("reason", reason),
			)
			_ = nc.Close()
			continue
		}

		if !s.track(nc) {
			_ = nc.Close()
			return ErrServerClosed
		}
		go s.serveConn(ctx, nc)
	}
}

// admit applies the connection cap and the handshake rate limit.
func (s *Server) admit() (string, bool) {
	if s.cfg.MaxConnections > 0 && s.active.Load() >= int64(s.cfg.MaxConnections) {
		return "max_connections", false
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return "rate_limited", false
	}
	return "", true
}

func (s *Server) track(nc net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.conns[nc] = struct{}{}
	s.wg.Add(1)
	s.active.Add(1)
	s.metrics.activeConnections.Inc()
	return true
}

func (s *Server) untrack(nc net.Conn) {
	s.mu.Lock()
	delete(s.conns, nc)
	s.mu.Unlock()
	s.active.Add(-1)
	s.metrics.activeConnections.Dec()
	s.wg.Done()
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections returns the number of connections being served.
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

func (s *Server) closeListener() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Swap(true) {
		return nil
	}
	close(s.closing)
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// Shutdown stops accepting, asks every connection to finish with
// close_notify and waits for them. When ctx ends first the remaining sockets
// are closed. The server's context reference is released.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("stopping server")
	err := s.closeListener()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.mu.Lock()
		for nc := range s.conns {
			_ = nc.Close()
		}
		s.mu.Unlock()
		<-done
		err = multierr.Append(err, ctx.Err())
	}

	s.ctxMu.Lock()
	if s.tlsCtx != nil {
		err = multierr.Append(err, s.tlsCtx.Free())
		s.tlsCtx = nil
	}
	s.ctxMu.Unlock()

	s.logger.Info("server stopped")
	return err
}
