package server

import (
	"context"
	"errors"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/ssl"
	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

// Connection outcomes recorded in connections_total.
const (
	outcomeClosed    = "closed"
	outcomeIdle      = "idle"
	outcomeShutdown  = "shutdown"
	outcomeHandshake = "handshake_failed"
	outcomeTimeout   = "handshake_timeout"
	outcomeError     = "error"
)

var errHandshakeTimeout = errors.New("handshake timed out")

func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	defer s.untrack(nc)

	outcome, err := s.runConn(ctx, nc)
	s.metrics.connectionsTotal.WithLabelValues(outcome).Inc()
	if err != nil {
		s.logger.Debug("connection ended with error",
			observability.String("remote", nc.RemoteAddr().String()),
			observability.String("outcome", outcome),
			observability.Error(err),
		)
	}
}

func (s *Server) runConn(ctx context.Context, nc net.Conn) (outcome string, err error) {
	tlsCtx, err := s.context()
	if err != nil {
		_ = nc.Close()
		return outcomeError, err
	}
	conn, err := ssl.NewConnection(tlsCtx, ssl.NewSocketTransport(nc, s.cfg.PollInterval))
	// The connection holds its own reference.
	_ = tlsCtx.Free()
	if err != nil {
		_ = nc.Close()
		return outcomeError, err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	logger := s.logger.With(
		observability.String("conn_id", conn.ID()),
		observability.String("remote", nc.RemoteAddr().String()),
	)

	var span trace.Span
	if s.tracer != nil {
		_, span = s.tracer.StartSpan(ctx, "avatls.server.connection",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				observability.AttrConnectionID.String(conn.ID()),
				attribute.String("net.peer.addr", nc.RemoteAddr().String()),
			),
		)
		defer func() {
			observability.EndSpan(span, err, attribute.String("avatls.outcome", outcome))
		}()
	}
	if err := conn.SetAcceptState(); err != nil {
		return outcomeError, err
	}
	if err := s.handshake(conn); err != nil {
		if errors.Is(err, errHandshakeTimeout) {
			return outcomeTimeout, err
		}
		return outcomeHandshake, err
	}

	logger.Info("handshake completed",
		observability.String("version", conn.ProtocolVersion()),
		observability.String("cipher", conn.CipherName()),
		observability.String("alpn", conn.ALPNSelected()),
		observability.String("sni", conn.ServerName()),
		observability.Bool("resumed", conn.SessionReused()),
	)
	if span != nil {
		span.SetAttributes(observability.HandshakeAttributes(
			conn.ProtocolVersion(), conn.CipherName(), conn.SessionReused())...)
	}

	return s.echo(conn, logger)
}

// handshake retries on WantRead until the handshake deadline passes.
func (s *Server) handshake(conn *ssl.Connection) error {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	for {
		err := conn.Handshake()
		if !errors.Is(err, sslerr.ErrWantRead) {
			return err
		}
		if s.isClosing() {
			return ErrServerClosed
		}
		if time.Now().After(deadline) {
			return errHandshakeTimeout
		}
	}
}

// echo copies application data back to the peer. It ends on close_notify,
// idle timeout or server shutdown, sending close_notify in each case.
func (s *Server) echo(conn *ssl.Connection, logger observability.Logger) (string, error) {
	lastActivity := time.Now()
	for {
		data, err := conn.Recv(ssl.MaxRecordSize)
		switch {
		case err == nil:
			lastActivity = time.Now()
			n, err := conn.SendAll(data)
			s.metrics.bytesEchoed.Add(float64(n))
			if err != nil {
				return outcomeError, err
			}

		case errors.Is(err, sslerr.ErrWantRead):
			switch {
			case s.isClosing():
				return outcomeShutdown, closeNotify(conn, logger)
			case time.Since(lastActivity) > s.cfg.IdleTimeout:
				logger.Debug("closing idle connection")
				return outcomeIdle, closeNotify(conn, logger)
			}

		case errors.Is(err, sslerr.ErrZeroReturn):
			if _, err := conn.Shutdown(); err != nil {
				return outcomeError, err
			}
			logger.Debug("peer closed the connection")
			return outcomeClosed, nil

		default:
			return outcomeError, err
		}
	}
}

// closeNotify sends close_notify without waiting for the peer's reply.
func closeNotify(conn *ssl.Connection, logger observability.Logger) error {
	if _, err := conn.Shutdown(); err != nil {
		logger.Debug("close_notify failed", observability.Error(err))
		return err
	}
	return nil
}

func (s *Server) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}
