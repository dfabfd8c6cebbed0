package ssl

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"slices"

	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/pki"
	"github.com/vyrodovalexey/avatls/internal/sslerr"
	"github.com/vyrodovalexey/avatls/internal/truststore"
)

// TLS alert codes raised by the facade itself.
const (
	alertHandshakeFailure      uint8 = 40
	alertBadCertificate        uint8 = 42
	alertBadCertStatusResponse uint8 = 113
	alertNoApplicationProtocol uint8 = 120
)

// buildConfig translates the connection settings into an engine config.
// Peer verification is done by verifyConnection, never by the engine.
func (c *Connection) buildConfig(cfg *settings) (*tls.Config, error) {
	tc := &tls.Config{
		MinVersion:         cfg.minVersion,
		MaxVersion:         cfg.maxVersion,
		CipherSuites:       cfg.cipherSuites,
		CurvePreferences:   cfg.curves,
		InsecureSkipVerify: true, //nolint:gosec // verified by verifyConnection against the trust store
		VerifyConnection:   c.verifyConnection,
		Renegotiation:      cfg.renegotiation.engine(),
	}
	if cfg.keylog != nil {
		tc.KeyLogWriter = &keylogWriter{conn: c, cb: cfg.keylog}
	}

	cert, err := tlsCertificate(cfg)
	if err != nil {
		return nil, err
	}

	if c.side == sideClient {
		tc.ServerName = c.serverName
		tc.NextProtos = c.alpnProtos
		if tc.NextProtos == nil {
			tc.NextProtos = cfg.alpnProtos
		}
		tc.GetClientCertificate = func(cri *tls.CertificateRequestInfo) (*tls.Certificate, error) {
			c.acceptableCAs = cri.AcceptableCAs
			if cert == nil {
				return &tls.Certificate{}, nil
			}
			return cert, nil
		}
		tc.ClientSessionCache = &connSessionCache{conn: c, base: c.ctx.clientSessionCache(cfg)}
		return tc, nil
	}

	if cert != nil {
		tc.Certificates = []tls.Certificate{*cert}
	}
	if cfg.alpnSelect == nil {
		tc.NextProtos = cfg.alpnProtos
	}
	tc.ClientAuth = clientAuth(cfg.verifyMode)
	if len(cfg.clientCAs) > 0 {
		pool := x509.NewCertPool()
		for _, ca := range cfg.clientCAs {
			pool.AddCert(ca.X509())
		}
		tc.ClientCAs = pool
	}

	tc.SessionTicketsDisabled = !cfg.tickets || cfg.sessionMode&SessionCacheServer == 0
	if !tc.SessionTicketsDisabled {
		h := sha256.New()
		h.Write(cfg.ticketSecret[:])
		h.Write(cfg.sessionIDContext)
		var key [32]byte
		copy(key[:], h.Sum(nil))
		tc.SetSessionTicketKeys([][32]byte{key})
		c.limitTicketLifetime(tc, cfg.sessionTimeout)
	}

	tc.GetConfigForClient = c.configForClient
	return tc, nil
}

func clientAuth(mode VerifyMode) tls.ClientAuthType {
	switch {
	case !mode.Has(VerifyPeer):
		return tls.NoClientCert
	case mode.Has(VerifyFailIfNoPeerCert):
		return tls.RequireAnyClientCert
	default:
		return tls.RequestClientCert
	}
}

// tlsCertificate returns the engine form of the configured certificate, or
// nil when certificate or key is missing.
func tlsCertificate(cfg *settings) (*tls.Certificate, error) {
	if cfg.cert == nil || cfg.key == nil {
		return nil, nil
	}
	leaf := cfg.cert.X509()
	if leaf == nil {
		return nil, pki.ErrNotSigned
	}

	out := &tls.Certificate{Leaf: leaf, Certificate: [][]byte{leaf.Raw}}
	for _, ch := range cfg.chain {
		out.Certificate = append(out.Certificate, ch.X509().Raw)
	}
	err := cfg.key.Borrow(func(s crypto.Signer) error {
		out.PrivateKey = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// configForClient runs the server side callbacks once the ClientHello is in.
func (c *Connection) configForClient(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	c.serverName = hello.ServerName

	if cb := c.cfg.serverName; cb != nil {
		c.inServerName = true
		err := c.bridge.invoke(callbackServerName, func() error { return cb(c) })
		c.inServerName = false
		if err != nil {
			return nil, err
		}
	}

	// The server name callback may have switched contexts.
	if err := checkTLS13Offer(&c.cfg, hello); err != nil {
		return nil, err
	}
	tc, err := c.buildConfig(&c.cfg)
	if err != nil {
		return nil, err
	}
	tc.GetConfigForClient = nil

	if cb := c.cfg.alpnSelect; cb != nil && len(hello.SupportedProtos) > 0 {
		selected, err := c.selectALPN(cb, hello.SupportedProtos)
		if err != nil {
			return nil, err
		}
		tc.NextProtos = nil
		if selected != "" {
			tc.NextProtos = []string{selected}
		}
	}

	if cb := c.cfg.ocspServer; cb != nil && len(tc.Certificates) > 0 {
		var staple []byte
		err := c.bridge.invoke(callbackOCSPServer, func() error {
			var err error
			staple, err = cb(c, c.cfg.ocspData)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(staple) > 0 {
			cert := tc.Certificates[0]
			cert.OCSPStaple = slices.Clone(staple)
			tc.Certificates = []tls.Certificate{cert}
		}
	}

	return tc, nil
}

// checkTLS13Offer fails the handshake before the ServerHello when TLS 1.3
// can be negotiated and the client offered none of the allowed suites. Both
// peers then end with a ProtocolError.
func checkTLS13Offer(cfg *settings, hello *tls.ClientHelloInfo) error {
	if len(cfg.tls13Suites) == 0 || !slices.Contains(hello.SupportedVersions, TLS13) {
		return nil
	}
	if cfg.maxVersion != 0 && cfg.maxVersion < TLS13 {
		return nil
	}
	for _, id := range hello.CipherSuites {
		if slices.Contains(cfg.tls13Suites, id) {
			return nil
		}
	}
	return sslerr.NewProtocolError(alertHandshakeFailure, "no shared TLS 1.3 cipher suite", nil)
}

func (c *Connection) selectALPN(cb ALPNSelectCallback, offered []string) (string, error) {
	var selected string
	err := c.bridge.invoke(callbackALPN, func() error {
		proto, err := cb(c, slices.Clone(offered))
		switch {
		case errors.Is(err, NoOverlap):
			return nil
		case err != nil:
			return err
		case proto == "":
			return sslerr.NewConfigurationError("alpn_select", "callback selected an empty protocol")
		case !slices.Contains(offered, proto):
			return sslerr.NewProtocolError(alertNoApplicationProtocol, "selected protocol "+proto+" was not offered", nil)
		}
		selected = proto
		return nil
	})
	return selected, err
}

// verifyConnection runs once the peer's certificates are known. It runs the
// OCSP client callback and verifies the peer chain against the trust store.
func (c *Connection) verifyConnection(cs tls.ConnectionState) error {
	cfg := &c.cfg

	// The engine picks the TLS 1.3 suite on its own among those offered.
	if cs.Version == tls.VersionTLS13 && len(cfg.tls13Suites) > 0 && !slices.Contains(cfg.tls13Suites, cs.CipherSuite) {
		c.logger.Warn("negotiated TLS 1.3 cipher suite is outside the configured list",
			observability.String("cipher", CipherSuiteName(cs.CipherSuite)))
	}

	if c.side == sideClient && c.ocsp && cfg.ocspClient != nil {
		cb := cfg.ocspClient
		accepted := false
		err := c.bridge.invoke(callbackOCSPClient, func() error {
			var err error
			accepted, err = cb(c, slices.Clone(cs.OCSPResponse), cfg.ocspData)
			return err
		})
		if err != nil {
			return err
		}
		if !accepted {
			return sslerr.NewProtocolError(alertBadCertStatusResponse, "OCSP response rejected", nil)
		}
	}

	chain, err := c.adoptPeerChain(cs.PeerCertificates)
	if err != nil {
		return err
	}
	if len(chain) == 0 || cs.DidResume {
		return nil
	}
	return c.verifyPeer(chain)
}

// adoptPeerChain wraps the peer certificates in connection owned handles.
func (c *Connection) adoptPeerChain(certs []*x509.Certificate) ([]*pki.Certificate, error) {
	_ = freeCerts(c.e.peerChain)
	c.e.peerChain = nil
	for _, x := range certs {
		pc, err := pki.FromX509(x)
		if err != nil {
			return nil, err
		}
		c.e.peerChain = append(c.e.peerChain, pc)
	}
	return c.e.peerChain, nil
}

func (c *Connection) verifyPeer(chain []*pki.Certificate) error {
	cfg := &c.cfg
	if cfg.store == nil {
		return sslerr.NewConfigurationError("cert_store", "no trust store")
	}
	enforce := cfg.verifyMode.Has(VerifyPeer)

	purpose := x509.ExtKeyUsageServerAuth
	if c.side == sideServer {
		purpose = x509.ExtKeyUsageClientAuth
	}
	opts := []truststore.VerifyOption{
		truststore.WithExData(c),
		truststore.WithPurpose(purpose),
	}
	if cfg.verifyDepth >= 0 {
		opts = append(opts, truststore.WithDepth(cfg.verifyDepth))
	}
	if cfg.verifyCallback != nil {
		opts = append(opts, truststore.WithHook(c.verifyHook(cfg.verifyCallback, enforce)))
	}

	for {
		vctx, err := cfg.store.NewVerificationContext(chain, opts...)
		if err != nil {
			return err
		}
		verified, err := vctx.Verify()
		if errors.Is(err, sslerr.ErrWantX509Lookup) {
			if perr := c.e.sched.park(sslerr.ErrWantX509Lookup); perr != nil {
				return perr
			}
			continue
		}

		c.verifyResult = vctx.Result()
		c.metrics.RecordVerifyResult(c.verifyResult.String())
		if err != nil {
			c.logger.Debug("peer verification failed",
				observability.Int("code", int(c.verifyResult)),
				observability.Bool("enforced", enforce),
				observability.Error(err),
			)
			switch {
			case errors.Is(err, errCallbackFailed):
				return err
			case !enforce:
				return nil
			}
			return sslerr.NewProtocolError(alertBadCertificate, "certificate verify failed", err)
		}

		kept, err := retainAll(verified)
		if err != nil {
			return err
		}
		c.e.verified = kept
		return nil
	}
}

// verifyHook adapts a VerifyCallback to the trust store hook.
func (c *Connection) verifyHook(cb VerifyCallback, enforce bool) truststore.VerifyHook {
	return func(ok bool, vctx *truststore.VerificationContext) (bool, error) {
		accept := false
		err := c.bridge.invoke(callbackVerify, func() error {
			var err error
			accept, err = cb(c, vctx.CurrentCertificate(), vctx.Error(), vctx.ErrorDepth(), ok)
			return err
		})
		if !enforce {
			// Only errors count without VerifyPeer.
			return ok, err
		}
		return accept, err
	}
}

// keylogWriter splits the engine's key log output into lines.
type keylogWriter struct {
	conn *Connection
	cb   KeylogCallback
	buf  []byte
}

func (w *keylogWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.Clone(w.buf[:i])
		w.buf = w.buf[i+1:]
		w.conn.bridge.invokeSilent(callbackKeylog, func() error {
			return w.cb(w.conn, line)
		})
	}
	return len(p), nil
}
