package ssl

import (
	"context"
	"crypto/tls"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/vyrodovalexey/avatls/internal/handle"
	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/pki"
	"github.com/vyrodovalexey/avatls/internal/sslerr"
	"github.com/vyrodovalexey/avatls/internal/truststore"
)

// State is the lifecycle state of a Connection.
type State int

// Connection states.
const (
	StateCreated State = iota
	StateHandshaking
	StateWantRead
	StateWantWrite
	StateWantX509Lookup
	StateEstablished
	StateShuttingDown
	StateClosed
	StateFailed
)

var stateNames = map[State]string{
	StateCreated:        "created",
	StateHandshaking:    "handshaking",
	StateWantRead:       "want_read",
	StateWantWrite:      "want_write",
	StateWantX509Lookup: "want_x509_lookup",
	StateEstablished:    "established",
	StateShuttingDown:   "shutting_down",
	StateClosed:         "closed",
	StateFailed:         "failed",
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Shutdown flags returned by GetShutdown.
const (
	SentShutdown     = 1
	ReceivedShutdown = 2
)

// RecvFlag modifies Recv and RecvInto.
type RecvFlag int

// MsgPeek returns buffered application data without consuming it.
const MsgPeek RecvFlag = 1

// Info callback where values, with OpenSSL's numbering.
const (
	InfoLoop           = 0x01
	InfoExit           = 0x02
	InfoRead           = 0x04
	InfoWrite          = 0x08
	InfoHandshakeStart = 0x10
	InfoHandshakeDone  = 0x20
	InfoAlert          = 0x4000
	InfoReadAlert      = InfoAlert | InfoRead
	InfoWriteAlert     = InfoAlert | InfoWrite
)

// Alert levels encoded in the ret value of InfoAlert events.
const (
	alertLevelWarning = 1
	alertLevelFatal   = 2
)

// MaxRecordSize is the largest plaintext a single Send writes.
const MaxRecordSize = 16384

type side int

const (
	sideUnset side = iota
	sideClient
	sideServer
)

func (s side) String() string {
	switch s {
	case sideClient:
		return "client"
	case sideServer:
		return "server"
	default:
		return "unset"
	}
}

// engineState is the part of a connection owned through its handle. Its
// release tears the engine down.
type engineState struct {
	ctx       *Context
	transport Transport
	sched     *scheduler
	held      settings
	peerChain []*pki.Certificate
	verified  []*pki.Certificate
}

// Connection is one TLS session over a Transport. It is not safe for
// concurrent use.
//
// Close is mandatory. A handshake or read parked on a retry signal keeps an
// engine goroutine blocked, and that goroutine keeps the connection
// reachable, so an abandoned connection is never reclaimed by the garbage
// collector. Close stops the goroutine and releases the handle.
type Connection struct {
	h       *handle.Handle[*engineState]
	e       *engineState
	id      string
	logger  observability.Logger
	metrics MetricsRecorder
	tracer  *observability.Tracer
	bridge  *bridge

	ctx *Context
	cfg settings

	state      State
	side       side
	serverName string
	alpnProtos []string
	ocsp       bool
	offered    *Session
	session    *Session
	appData    any

	// issue time of the ticket the server resumed from
	ticketIssued time.Time

	conn          *tls.Conn
	cs            tls.ConnectionState
	acceptableCAs [][]byte
	verifyResult  truststore.Code
	inServerName  bool

	shutdown int
	rbuf     []byte
	plain    []byte

	started  time.Time
	span     trace.Span
	closed   bool
	closeErr error
}

// NewConnection creates a connection from ctx over transport and freezes
// the context. The connection holds a reference to ctx and owns transport.
func NewConnection(ctx *Context, transport Transport) (*Connection, error) {
	if ctx == nil {
		return nil, sslerr.NewConfigurationError("context", "context is required")
	}
	if transport == nil {
		return nil, sslerr.NewConfigurationError("transport", "transport is required")
	}
	if err := ctx.Retain(); err != nil {
		return nil, fmt.Errorf("new connection: %w", err)
	}
	cfg, err := ctx.freeze()
	if err != nil {
		_ = ctx.Free()
		return nil, fmt.Errorf("new connection: %w", err)
	}

	id := uuid.NewString()
	logger := ctx.logger.With(observability.String("conn_id", id))
	c := &Connection{
		id:           id,
		logger:       logger,
		metrics:      ctx.metrics,
		tracer:       ctx.tracer,
		bridge:       newBridge(logger, ctx.metrics),
		ctx:          ctx,
		cfg:          cfg,
		verifyResult: truststore.CodeOK,
	}
	switch cfg.method {
	case MethodTLSClient:
		c.side = sideClient
	case MethodTLSServer:
		c.side = sideServer
	}

	c.e = &engineState{
		ctx:       ctx,
		transport: transport,
		sched:     newScheduler(),
		held:      cfg,
	}
	h, err := handle.Wrap(ctx.arena, KindConnection, c.e, c.teardown)
	if err != nil {
		c.teardown(c.e)
		return nil, err
	}
	c.h = h

	logger.Debug("connection created")
	return c, nil
}

func (c *Connection) teardown(e *engineState) {
	e.sched.stop()

	var errs error
	errs = multierr.Append(errs, e.transport.Close())
	for _, cert := range e.peerChain {
		errs = multierr.Append(errs, cert.Free())
	}
	for _, cert := range e.verified {
		errs = multierr.Append(errs, cert.Free())
	}
	errs = multierr.Append(errs, e.held.release())
	errs = multierr.Append(errs, e.ctx.Free())
	e.peerChain, e.verified, e.held = nil, nil, settings{}

	if c.span != nil {
		observability.EndSpan(c.span, sslerr.NewStateError("do_handshake", "closed"))
		c.span = nil
	}
	if errs != nil {
		c.logger.Warn("connection teardown incomplete", observability.Error(errs))
	}
	c.closeErr = errs
	c.logger.Debug("connection closed")
}

// Close releases the connection. Teardown runs immediately, or when the
// outermost facade call returns if Close is called from a callback. An
// outstanding retry cycle is abandoned.
func (c *Connection) Close() error {
	if c.state != StateFailed {
		c.state = StateClosed
	}
	c.closed = true
	if err := c.h.Release(); err != nil {
		return err
	}
	return c.closeErr
}

// setState moves to s unless the connection was closed meanwhile, which
// happens when a callback closes it.
func (c *Connection) setState(s State) {
	if c.closed {
		return
	}
	c.state = s
}

// ID returns the connection identifier used in logs and spans.
func (c *Connection) ID() string {
	return c.id
}

// State returns the lifecycle state.
func (c *Connection) State() State {
	return c.state
}

// Context returns the context the connection currently uses.
func (c *Connection) Context() *Context {
	return c.ctx
}

// Transport returns the bound transport.
func (c *Connection) Transport() Transport {
	return c.e.transport
}

// SetAppData attaches an application value.
func (c *Connection) SetAppData(v any) {
	c.appData = v
}

// AppData returns the value set with SetAppData.
func (c *Connection) AppData() any {
	return c.appData
}

// configure runs fn while the connection has not started its handshake.
func (c *Connection) configure(op string, fn func() error) error {
	return c.h.Borrow(func(*engineState) error {
		if c.state != StateCreated {
			return sslerr.NewStateError(op, c.state.String())
		}
		return fn()
	})
}

// SetConnectState makes the connection a client.
func (c *Connection) SetConnectState() error {
	return c.configure("set_connect_state", func() error {
		if c.cfg.method == MethodTLSServer {
			return sslerr.NewConfigurationError("method", "server context cannot connect")
		}
		c.side = sideClient
		return nil
	})
}

// SetAcceptState makes the connection a server.
func (c *Connection) SetAcceptState() error {
	return c.configure("set_accept_state", func() error {
		if c.cfg.method == MethodTLSClient {
			return sslerr.NewConfigurationError("method", "client context cannot accept")
		}
		c.side = sideServer
		return nil
	})
}

// SetTLSExtHostName sets the server name a client sends.
func (c *Connection) SetTLSExtHostName(name string) error {
	return c.configure("set_tlsext_host_name", func() error {
		if name == "" {
			return sslerr.NewConfigurationError("server_name", "server name is empty")
		}
		c.serverName = name
		return nil
	})
}

// SetALPNProtos overrides the context's ALPN protocols for this connection.
func (c *Connection) SetALPNProtos(protos ...string) error {
	return c.configure("set_alpn_protos", func() error {
		if err := validateALPN(protos); err != nil {
			return err
		}
		c.alpnProtos = slices.Clone(protos)
		return nil
	})
}

// SetSession offers s for resumption. The handshake falls back to a full
// one when the server declines.
func (c *Connection) SetSession(s *Session) error {
	return c.configure("set_session", func() error {
		c.offered = s
		return nil
	})
}

// RequestOCSP asks the client to run the context's OCSP client callback.
func (c *Connection) RequestOCSP() error {
	return c.configure("request_ocsp", func() error {
		c.ocsp = true
		return nil
	})
}

// SetContext switches to another context. It is allowed before the
// handshake and from the server name callback.
func (c *Connection) SetContext(ctx *Context) error {
	if ctx == nil {
		return sslerr.NewConfigurationError("context", "context is required")
	}
	return c.h.Borrow(func(e *engineState) error {
		if c.state != StateCreated && !c.inServerName {
			return sslerr.NewStateError("set_context", c.state.String())
		}
		if err := ctx.Retain(); err != nil {
			return err
		}
		cfg, err := ctx.freeze()
		if err != nil {
			_ = ctx.Free()
			return err
		}

		old, oldHeld := e.ctx, e.held
		e.ctx, e.held = ctx, cfg
		c.ctx, c.cfg = ctx, cfg

		errs := multierr.Append(old.Free(), oldHeld.release())
		if errs != nil {
			c.logger.Warn("releasing previous context failed", observability.Error(errs))
		}
		return nil
	})
}

// Handshake runs the handshake. It returns nil once established, and a retry
// signal (ErrWantRead, ErrWantX509Lookup) when it cannot progress; the caller
// supplies what is missing and calls Handshake again.
func (c *Connection) Handshake() error {
	if err := c.bridge.reentrant("do_handshake"); err != nil {
		return err
	}
	return c.h.Borrow(func(e *engineState) error {
		switch c.state {
		case StateEstablished:
			return nil
		case StateCreated:
			if err := c.startHandshake(e); err != nil {
				c.setState(StateFailed)
				return err
			}
		case StateHandshaking, StateWantRead, StateWantWrite, StateWantX509Lookup:
		default:
			return sslerr.NewStateError("do_handshake", c.state.String())
		}

		_, err := e.sched.run(opHandshake, func() (int, error) {
			return 0, c.conn.Handshake()
		})
		switch {
		case errors.Is(err, sslerr.ErrWantRead):
			c.setState(StateWantRead)
			c.info(InfoExit, -1)
			return err
		case errors.Is(err, sslerr.ErrWantX509Lookup):
			c.setState(StateWantX509Lookup)
			c.info(InfoExit, -1)
			return err
		}

		return c.finishHandshake(e, err)
	})
}

func (c *Connection) startHandshake(e *engineState) error {
	if c.side == sideUnset {
		return sslerr.NewStateError("do_handshake", "connect or accept state not set")
	}

	cfg, err := c.buildConfig(&c.cfg)
	if err != nil {
		return err
	}
	if c.cfg.cert != nil {
		c.cfg.cert.MarkInUse()
	}

	nc := &engineConn{t: e.transport, sched: e.sched}
	if c.side == sideClient {
		c.conn = tls.Client(nc, cfg)
	} else {
		c.conn = tls.Server(nc, cfg)
	}

	c.started = time.Now()
	if c.tracer != nil {
		_, c.span = c.tracer.StartHandshakeSpan(context.Background(), c.id, c.side.String())
	}
	c.setState(StateHandshaking)
	c.logger.Debug("handshake started", observability.String("side", c.side.String()))
	c.info(InfoHandshakeStart, 1)
	return nil
}

func (c *Connection) finishHandshake(e *engineState, err error) error {
	if c.bridge.pending != nil {
		c.setState(StateFailed)
		c.endHandshake(errCallbackFailed)
		c.info(InfoExit, 0)
		return c.bridge.take()
	}
	if err != nil {
		c.setState(StateFailed)
		err = sslerr.Translate(err, e.transport.eofDelivered())
		c.endHandshake(err)
		c.alertInfo(err)
		c.info(InfoExit, 0)
		return err
	}

	c.cs = c.conn.ConnectionState()
	c.setState(StateEstablished)
	c.endHandshake(nil)
	c.info(InfoHandshakeDone, 1)
	c.info(InfoExit, 1)
	return nil
}

// info reports a progress event to the context's info callback.
func (c *Connection) info(where, ret int) {
	cb := c.cfg.info
	if cb == nil {
		return
	}
	c.bridge.invokeSilent(callbackInfo, func() error {
		cb(c, where, ret)
		return nil
	})
}

// alertInfo reports the fatal alert behind a failed operation, if any.
func (c *Connection) alertInfo(err error) {
	var perr *sslerr.ProtocolError
	if !errors.As(err, &perr) || perr.Alert == 0 {
		return
	}
	where := InfoWriteAlert
	if perr.Remote {
		where = InfoReadAlert
	}
	c.info(where, alertLevelFatal<<8|int(perr.Alert))
}

func (c *Connection) endHandshake(err error) {
	side := c.side.String()
	if err != nil {
		c.metrics.RecordHandshakeError(errorReason(err))
		c.logger.Debug("handshake failed", observability.Error(err))
	} else {
		c.metrics.RecordHandshakeDuration(time.Since(c.started), c.cs.Version, side)
		c.metrics.RecordConnection(c.cs.Version, c.cs.CipherSuite, side)
		c.logger.Debug("handshake completed",
			observability.String("version", ProtocolVersionName(c.cs.Version)),
			observability.String("cipher", CipherSuiteName(c.cs.CipherSuite)),
			observability.Bool("resumed", c.cs.DidResume),
		)
	}

	if c.span == nil {
		return
	}
	var attrs []attribute.KeyValue
	if err == nil {
		attrs = observability.HandshakeAttributes(ProtocolVersionName(c.cs.Version),
			CipherSuiteName(c.cs.CipherSuite), c.cs.DidResume)
	}
	observability.EndSpan(c.span, err, attrs...)
	c.span = nil
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, errCallbackFailed):
		return "callback"
	case errors.Is(err, sslerr.ErrVerification):
		return "verification"
	case errors.Is(err, sslerr.ErrProtocol):
		return "protocol"
	case errors.Is(err, sslerr.ErrSyscall):
		return "syscall"
	case errors.Is(err, sslerr.ErrConfiguration):
		return "configuration"
	default:
		return "other"
	}
}

// requireEstablished checks that data may be exchanged.
func (c *Connection) requireEstablished(op string) error {
	switch c.state {
	case StateEstablished, StateShuttingDown:
		return nil
	}
	return sslerr.NewStateError(op, c.state.String())
}

// Send writes at most one record of p and returns the number of bytes
// written. It returns ErrWantWrite while the transport cannot take another
// record; retry with the same leading bytes.
func (c *Connection) Send(p []byte) (int, error) {
	if err := c.bridge.reentrant("write"); err != nil {
		return 0, err
	}
	n := 0
	err := c.h.Borrow(func(e *engineState) error {
		if err := c.requireEstablished("write"); err != nil {
			return err
		}
		if c.shutdown&SentShutdown != 0 {
			return sslerr.NewStateError("write", "shutdown sent")
		}
		if len(p) == 0 {
			return nil
		}
		if !e.transport.writable() {
			return sslerr.ErrWantWrite
		}

		var err error
		n, err = c.conn.Write(p[:min(len(p), MaxRecordSize)])
		if err != nil {
			c.setState(StateFailed)
			return sslerr.Translate(err, e.transport.eofDelivered())
		}
		return nil
	})
	return n, err
}

// SendAll writes p record by record. It stops at the first error and
// returns the number of bytes written so far.
func (c *Connection) SendAll(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := c.Send(p[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Recv reads up to maxBytes of application data.
func (c *Connection) Recv(maxBytes int, flags ...RecvFlag) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = MaxRecordSize
	}
	buf := make([]byte, maxBytes)
	n, err := c.RecvInto(buf, flags...)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// RecvInto reads application data into buf. It returns ErrWantRead when no
// complete record is available, ErrZeroReturn after the peer closed cleanly
// and a SyscallError when the transport ended without close_notify. With
// MsgPeek the data stays buffered and the next read returns it again.
func (c *Connection) RecvInto(buf []byte, flags ...RecvFlag) (int, error) {
	if err := c.bridge.reentrant("read"); err != nil {
		return 0, err
	}
	peek := slices.Contains(flags, MsgPeek)
	n := 0
	err := c.h.Borrow(func(e *engineState) error {
		if err := c.requireEstablished("read"); err != nil {
			return err
		}
		if len(c.plain) == 0 {
			if c.shutdown&ReceivedShutdown != 0 {
				return sslerr.ErrZeroReturn
			}
			got, err := c.readRecord(e)
			if err != nil {
				return err
			}
			c.plain = got
		}
		n = copy(buf, c.plain)
		if !peek {
			c.plain = c.plain[n:]
		}
		return nil
	})
	return n, err
}

// readRecord runs the read operation and returns the decrypted bytes.
func (c *Connection) readRecord(e *engineState) ([]byte, error) {
	if c.rbuf == nil {
		c.rbuf = make([]byte, MaxRecordSize)
	}
	n, err := e.sched.run(opRead, func() (int, error) {
		return c.conn.Read(c.rbuf)
	})
	if errors.Is(err, sslerr.ErrWantRead) {
		return nil, err
	}
	if stashed := c.bridge.pending; stashed != nil {
		c.setState(StateFailed)
		return nil, c.bridge.take()
	}
	if n > 0 {
		return slices.Clone(c.rbuf[:n]), nil
	}
	if err == nil {
		return nil, sslerr.ErrWantRead
	}

	err = sslerr.Translate(err, e.transport.eofDelivered())
	if errors.Is(err, sslerr.ErrZeroReturn) {
		c.shutdown |= ReceivedShutdown
		c.logger.Debug("peer sent close_notify")
		c.info(InfoReadAlert, alertLevelWarning<<8)
		return nil, err
	}
	if sslerr.IsFatal(err) {
		c.setState(StateFailed)
		c.alertInfo(err)
	}
	return nil, err
}

// Pending returns the number of decrypted bytes buffered for RecvInto.
func (c *Connection) Pending() int {
	return len(c.plain)
}

// Shutdown performs the close_notify exchange. The first call sends
// close_notify and returns false, unless the peer's close_notify already
// arrived. Later calls wait for the peer's and return true once it arrives;
// a retry signal means more transport input is needed. After that Shutdown
// returns true without doing anything.
func (c *Connection) Shutdown() (bool, error) {
	if err := c.bridge.reentrant("shutdown"); err != nil {
		return false, err
	}
	done := false
	err := c.h.Borrow(func(e *engineState) error {
		switch c.state {
		case StateClosed:
			done = true
			return nil
		case StateEstablished, StateShuttingDown:
		default:
			return sslerr.NewStateError("shutdown", c.state.String())
		}

		if c.shutdown&SentShutdown == 0 {
			if err := c.conn.CloseWrite(); err != nil {
				c.setState(StateFailed)
				return sslerr.Translate(err, e.transport.eofDelivered())
			}
			c.shutdown |= SentShutdown
			c.setState(StateShuttingDown)
			c.info(InfoWriteAlert, alertLevelWarning<<8)
			if c.shutdown&ReceivedShutdown != 0 {
				c.setState(StateClosed)
				done = true
			}
			return nil
		}

		for c.shutdown&ReceivedShutdown == 0 {
			_, err := c.readRecord(e)
			switch {
			case errors.Is(err, sslerr.ErrZeroReturn):
			case err != nil:
				return err
			}
		}
		c.plain = nil
		c.setState(StateClosed)
		done = true
		return nil
	})
	return done, err
}

// GetShutdown returns the SentShutdown and ReceivedShutdown flags.
func (c *Connection) GetShutdown() int {
	return c.shutdown
}

// SetShutdown overwrites the shutdown flags. With SentShutdown set Send is
// refused and Shutdown no longer sends close_notify; with ReceivedShutdown
// set reads report ErrZeroReturn once buffered data is consumed.
func (c *Connection) SetShutdown(flags int) error {
	if flags&^(SentShutdown|ReceivedShutdown) != 0 {
		return sslerr.NewConfigurationError("shutdown", fmt.Sprintf("invalid shutdown flags %d", flags))
	}
	return c.h.Borrow(func(*engineState) error {
		c.shutdown = flags
		return nil
	})
}

// Renegotiate requests a renegotiation. The engine can neither initiate a
// renegotiation nor run a nested handshake on an established connection, so
// this always reports a ProtocolError and the connection stays usable. A
// TLS 1.2 client still answers a server's request as allowed by the
// context's RenegotiationPolicy.
func (c *Connection) Renegotiate() error {
	if err := c.bridge.reentrant("renegotiate"); err != nil {
		return err
	}
	return c.h.Borrow(func(*engineState) error {
		if c.state != StateEstablished {
			return sslerr.NewStateError("renegotiate", c.state.String())
		}
		if c.cs.Version == TLS13 {
			return sslerr.NewProtocolError(0, "renegotiation is not defined for TLSv1.3", nil)
		}
		return sslerr.NewProtocolError(0, "renegotiation unsupported", nil)
	})
}

// established reports whether accessors have data to return.
func (c *Connection) established() bool {
	switch c.state {
	case StateEstablished, StateShuttingDown:
		return !c.h.Released()
	}
	return false
}

// PeerCertificate returns the peer's leaf certificate. The certificate is
// owned by the connection; Retain it to keep it after Close.
func (c *Connection) PeerCertificate() *pki.Certificate {
	if !c.established() || len(c.e.peerChain) == 0 {
		return nil
	}
	return c.e.peerChain[0]
}

// PeerCertChain returns the chain the peer sent, leaf first.
func (c *Connection) PeerCertChain() []*pki.Certificate {
	if !c.established() || len(c.e.peerChain) == 0 {
		return nil
	}
	return slices.Clone(c.e.peerChain)
}

// VerifiedChain returns the chain built during verification, leaf to trust
// anchor. It is nil when verification did not run or did not succeed.
func (c *Connection) VerifiedChain() []*pki.Certificate {
	if !c.established() || len(c.e.verified) == 0 {
		return nil
	}
	return slices.Clone(c.e.verified)
}

// VerifyResult returns the verification result code.
func (c *Connection) VerifyResult() (truststore.Code, error) {
	if !c.established() {
		return truststore.CodeOK, sslerr.NewStateError("get_verify_result", c.state.String())
	}
	return c.verifyResult, nil
}

// ALPNSelected returns the negotiated protocol, or "".
func (c *Connection) ALPNSelected() string {
	if !c.established() {
		return ""
	}
	return c.cs.NegotiatedProtocol
}

// ProtocolVersion returns the negotiated version name, such as "TLSv1.3".
func (c *Connection) ProtocolVersion() string {
	if !c.established() {
		return ""
	}
	return ProtocolVersionName(c.cs.Version)
}

// CipherName returns the OpenSSL name of the negotiated cipher suite.
func (c *Connection) CipherName() string {
	if !c.established() {
		return ""
	}
	return CipherSuiteName(c.cs.CipherSuite)
}

// CipherBits returns the symmetric key size of the negotiated cipher suite.
func (c *Connection) CipherBits() int {
	if !c.established() {
		return 0
	}
	suite, ok := GetCipherSuiteByID(c.cs.CipherSuite)
	if !ok {
		return 0
	}
	return suite.Bits
}

// Session returns the client session the handshake produced. With TLS 1.3 it
// becomes available once the server's ticket has been read.
func (c *Connection) Session() *Session {
	if !c.established() {
		return nil
	}
	return c.session
}

// SessionReused reports whether the handshake resumed a session.
func (c *Connection) SessionReused() bool {
	return c.established() && c.cs.DidResume
}

// ExportKeyingMaterial derives keying material per RFC 5705.
func (c *Connection) ExportKeyingMaterial(label string, ctxValue []byte, length int) ([]byte, error) {
	if !c.established() {
		return nil, sslerr.NewStateError("export_keying_material", c.state.String())
	}
	out, err := c.cs.ExportKeyingMaterial(label, ctxValue, length)
	if err != nil {
		return nil, sslerr.NewProtocolError(0, "keying material export failed", err)
	}
	return out, nil
}

// ServerName returns the server name: the one set with SetTLSExtHostName on
// a client, or the one the client sent on a server. It is available from the
// server name callback on.
func (c *Connection) ServerName() string {
	return c.serverName
}

// Side returns "client" or "server", or "unset" before the role is chosen.
func (c *Connection) Side() string {
	return c.side.String()
}

// ClientCAList returns, on a client, the CA names the server requested and,
// on a server, the names it sends.
func (c *Connection) ClientCAList() []pkix.Name {
	if c.side == sideServer {
		names := make([]pkix.Name, 0, len(c.cfg.clientCAs))
		for _, ca := range c.cfg.clientCAs {
			names = append(names, ca.Subject())
		}
		return names
	}
	if !c.established() {
		return nil
	}
	names := make([]pkix.Name, 0, len(c.acceptableCAs))
	for _, raw := range c.acceptableCAs {
		var rdn pkix.RDNSequence
		if _, err := asn1.Unmarshal(raw, &rdn); err != nil {
			c.logger.Debug("skipping malformed CA name", observability.Error(err))
			continue
		}
		var name pkix.Name
		name.FillFromRDNSequence(&rdn)
		names = append(names, name)
	}
	return names
}

func (c *Connection) memory(op string) (*MemoryTransport, error) {
	m, ok := c.e.transport.(*MemoryTransport)
	if !ok {
		return nil, sslerr.NewStateError(op, "not a memory transport")
	}
	return m, nil
}

// BIOWrite feeds bytes received from the peer into a memory transport.
func (c *Connection) BIOWrite(p []byte) (int, error) {
	m, err := c.memory("bio_write")
	if err != nil {
		return 0, err
	}
	return m.BIOWrite(p)
}

// BIORead drains up to maxBytes destined for the peer from a memory transport.
func (c *Connection) BIORead(maxBytes int) ([]byte, error) {
	m, err := c.memory("bio_read")
	if err != nil {
		return nil, err
	}
	return m.BIORead(maxBytes)
}

// BIOShutdown signals end of input on a memory transport.
func (c *Connection) BIOShutdown() error {
	m, err := c.memory("bio_shutdown")
	if err != nil {
		return err
	}
	m.BIOShutdown()
	return nil
}
