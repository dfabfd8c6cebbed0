// Package probe connects to a TLS server through the ssl package and
// reports what was negotiated.
package probe

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"go.uber.org/multierr"

	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/ocspstaple"
	"github.com/vyrodovalexey/avatls/internal/pki"
	"github.com/vyrodovalexey/avatls/internal/ssl"
	"github.com/vyrodovalexey/avatls/internal/sslerr"
	"github.com/vyrodovalexey/avatls/internal/truststore"
)

// Defaults.
const (
	DefaultTimeout      = 10 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
)

// ErrTimeout is returned when the deadline passes while waiting for the
// server.
var ErrTimeout = errors.New("probe timed out")

// Options describes one probe.
type Options struct {
	// Address is host:port to dial.
	Address string

	// ServerName is sent as SNI. Empty uses the host part of Address.
	ServerName string

	// Timeout bounds the whole probe.
	Timeout time.Duration

	// RequestOCSP asks for a stapled OCSP response.
	RequestOCSP bool

	// Session is offered for resumption.
	Session *ssl.Session

	// Payload is sent after the handshake; the probe then reads back the
	// same number of bytes.
	Payload []byte

	Logger observability.Logger
}

// CertSummary describes one certificate of the peer chain.
type CertSummary struct {
	Subject  string
	Issuer   string
	Serial   *big.Int
	NotAfter time.Time
	DNSNames []string
}

// Result is what the probe observed.
type Result struct {
	ConnectionID string
	Version      string
	Cipher       string
	CipherBits   int
	ALPN         string
	ServerName   string
	PeerChain    []CertSummary
	VerifyCode   truststore.Code
	Resumed      bool

	// Session can be passed to the next probe for resumption.
	Session *ssl.Session

	// OCSP is the parsed staple, nil when none was sent or requested.
	OCSP *ocspstaple.Info
	// OCSPError explains a staple that could not be parsed.
	OCSPError error

	HandshakeDuration time.Duration
	Echo              []byte
}

// staple is stored as connection app data by the OCSP callback.
type staple struct {
	info *ocspstaple.Info
	err  error
}

// PrepareContext installs the OCSP inspection callback on a client context.
// It must run before the first probe freezes the context. With requireGood a
// staple that is missing, unparsable or not "good" fails the handshake.
func PrepareContext(tlsCtx *ssl.Context, requireGood bool) error {
	return tlsCtx.SetOCSPClientCallback(func(conn *ssl.Connection, der []byte, _ any) (bool, error) {
		st := &staple{}
		if len(der) > 0 {
			st.info, st.err = ocspstaple.Parse(der, nil)
		}
		conn.SetAppData(st)

		if !requireGood {
			return true, nil
		}
		return st.info != nil && st.info.Status == ocspstaple.StatusGood, nil
	}, nil)
}

// Run dials opts.Address and performs a handshake with tlsCtx as client,
// then echoes the payload and shuts down with close_notify.
func Run(ctx context.Context, tlsCtx *ssl.Context, opts Options) (res *Result, err error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	if opts.ServerName == "" {
		host, _, splitErr := net.SplitHostPort(opts.Address)
		if splitErr != nil {
			return nil, fmt.Errorf("invalid address %q: %w", opts.Address, splitErr)
		}
		opts.ServerName = host
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var dialer net.Dialer
	nc, err := dialer.DialContext(ctx, "tcp", opts.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.Address, err)
	}

	conn, err := ssl.NewConnection(tlsCtx, ssl.NewSocketTransport(nc, DefaultPollInterval))
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	defer func() { err = multierr.Append(err, conn.Close()) }()

	logger := opts.Logger.With(
		observability.String("conn_id", conn.ID()),
		observability.String("address", opts.Address),
	)

	if err := configure(conn, opts); err != nil {
		return nil, err
	}

	started := time.Now()
	if err := retry(ctx, conn.Handshake); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	res = summarize(conn)
	res.HandshakeDuration = time.Since(started)
	logger.Debug("handshake completed",
		observability.String("version", res.Version),
		observability.String("cipher", res.Cipher),
		observability.Duration("duration", res.HandshakeDuration),
	)

	if len(opts.Payload) > 0 {
		if res.Echo, err = echo(ctx, conn, opts.Payload); err != nil {
			return res, fmt.Errorf("echo: %w", err)
		}
	}

	// Read after the echo so a TLS 1.3 session ticket has arrived.
	res.Session = conn.Session()

	if err := shutdown(ctx, conn); err != nil {
		logger.Debug("shutdown incomplete", observability.Error(err))
	}
	return res, nil
}

func configure(conn *ssl.Connection, opts Options) error {
	if err := conn.SetConnectState(); err != nil {
		return err
	}
	if err := conn.SetTLSExtHostName(opts.ServerName); err != nil {
		return err
	}
	if opts.RequestOCSP {
		if err := conn.RequestOCSP(); err != nil {
			return err
		}
	}
	if opts.Session != nil {
		if err := conn.SetSession(opts.Session); err != nil {
			return err
		}
	}
	return nil
}

// retry calls op until it stops asking for more input or ctx ends.
func retry(ctx context.Context, op func() error) error {
	for {
		err := op()
		if !errors.Is(err, sslerr.ErrWantRead) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
	}
}

func summarize(conn *ssl.Connection) *Result {
	res := &Result{
		ConnectionID: conn.ID(),
		Version:      conn.ProtocolVersion(),
		Cipher:       conn.CipherName(),
		CipherBits:   conn.CipherBits(),
		ALPN:         conn.ALPNSelected(),
		ServerName:   conn.ServerName(),
		Resumed:      conn.SessionReused(),
	}
	res.VerifyCode, _ = conn.VerifyResult()
	for _, c := range conn.PeerCertChain() {
		res.PeerChain = append(res.PeerChain, summarizeCert(c))
	}
	if st, ok := conn.AppData().(*staple); ok {
		res.OCSP, res.OCSPError = st.info, st.err
	}
	return res
}

func summarizeCert(c *pki.Certificate) CertSummary {
	subject, issuer := c.Subject(), c.Issuer()
	return CertSummary{
		Subject:  subject.String(),
		Issuer:   issuer.String(),
		Serial:   c.SerialNumber(),
		NotAfter: c.NotAfter(),
		DNSNames: c.DNSNames(),
	}
}

func echo(ctx context.Context, conn *ssl.Connection, payload []byte) ([]byte, error) {
	if _, err := conn.SendAll(payload); err != nil {
		return nil, err
	}
	got := make([]byte, 0, len(payload))
	for len(got) < len(payload) {
		var chunk []byte
		err := retry(ctx, func() error {
			var err error
			chunk, err = conn.Recv(len(payload) - len(got))
			return err
		})
		if err != nil {
			return got, err
		}
		got = append(got, chunk...)
	}
	return got, nil
}

// shutdown sends close_notify and waits for the server's.
func shutdown(ctx context.Context, conn *ssl.Connection) error {
	return retry(ctx, func() error {
		for {
			done, err := conn.Shutdown()
			if err != nil || done {
				return err
			}
		}
	})
}
