package ssl

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/vyrodovalexey/avatls/internal/handle"
	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/pki"
	"github.com/vyrodovalexey/avatls/internal/sslerr"
	"github.com/vyrodovalexey/avatls/internal/truststore"
)

// Handle kinds.
const (
	KindContext    = "ssl_ctx"
	KindConnection = "ssl"
)

// Method selects the handshake roles connections of a context may take.
type Method int

// Methods.
const (
	// MethodTLS allows both roles; the role is chosen per connection.
	MethodTLS Method = iota
	// MethodTLSClient makes connections clients.
	MethodTLSClient
	// MethodTLSServer makes connections servers.
	MethodTLSServer
)

// VerifyMode controls peer certificate verification. Modes combine with |.
type VerifyMode int

// Verify modes.
const (
	VerifyNone             VerifyMode = 0
	VerifyPeer             VerifyMode = 1
	VerifyFailIfNoPeerCert VerifyMode = 2
	VerifyClientOnce       VerifyMode = 4
)

// Has reports whether all bits of m2 are set in m.
func (m VerifyMode) Has(m2 VerifyMode) bool {
	return m&m2 == m2
}

// RenegotiationPolicy controls renegotiation requested by a TLS 1.2 server.
type RenegotiationPolicy int

// Renegotiation policies.
const (
	RenegotiateNever RenegotiationPolicy = iota
	RenegotiateOnceAsClient
	RenegotiateFreelyAsClient
)

func (p RenegotiationPolicy) engine() tls.RenegotiationSupport {
	switch p {
	case RenegotiateOnceAsClient:
		return tls.RenegotiateOnceAsClient
	case RenegotiateFreelyAsClient:
		return tls.RenegotiateFreelyAsClient
	default:
		return tls.RenegotiateNever
	}
}

// MutationPolicy decides what happens when a security relevant setter is
// called on a frozen context.
type MutationPolicy int

// Mutation policies.
const (
	// MutationWarn logs a warning and applies the change to connections
	// created afterwards.
	MutationWarn MutationPolicy = iota
	// MutationReject refuses the change with a StateError.
	MutationReject
)

// VerifyCallback is consulted for every certificate of the peer chain, from
// the trust anchor down to the leaf, and for every verification failure.
// preverifyOK reports whether the check at depth passed; code holds the
// failure otherwise. Returning true accepts; returning an error aborts the
// handshake, which then fails with that error. Returning
// sslerr.ErrWantX509Lookup suspends the handshake with that retry signal.
// The accept value only matters when the mode includes VerifyPeer.
type VerifyCallback func(conn *Connection, cert *pki.Certificate, code truststore.Code, depth int, preverifyOK bool) (bool, error)

// ALPNSelectCallback picks one of the protocols offered by the client. It
// returns NoOverlap to continue without a protocol.
type ALPNSelectCallback func(conn *Connection, offered []string) (string, error)

// NoOverlap is returned by an ALPNSelectCallback when none of the offered
// protocols is acceptable. The handshake then completes without ALPN.
var NoOverlap = errors.New("no overlapping ALPN protocol") //nolint:revive,stylecheck // sentinel value, not a failure

// OCSPServerCallback returns the OCSP response to staple. Empty means none.
type OCSPServerCallback func(conn *Connection, data any) ([]byte, error)

// OCSPClientCallback inspects the stapled OCSP response, which is empty when
// the server sent none. Returning false fails the handshake.
type OCSPClientCallback func(conn *Connection, staple []byte, data any) (bool, error)

// KeylogCallback receives one NSS key log line per call, without newline.
type KeylogCallback func(conn *Connection, line []byte) error

// ServerNameCallback runs on the server when a ClientHello arrives. It may
// call conn.ServerName and conn.SetContext.
type ServerNameCallback func(conn *Connection) error

// PassphraseCallback supplies the passphrase for encrypted key files.
type PassphraseCallback func(maxLength int, verify bool, data any) ([]byte, error)

// InfoCallback observes connection progress. where is a combination of the
// Info constants; ret is 1 on success, 0 on failure and -1 on a retry
// signal for InfoExit, and (level<<8)|description for alerts.
type InfoCallback func(conn *Connection, where, ret int)

// settings are the values a connection snapshots when it starts.
type settings struct {
	method       Method
	minVersion   uint16
	maxVersion   uint16
	cipherSuites []uint16
	tls13Suites  []uint16
	curves       []tls.CurveID

	cert  *pki.Certificate
	chain []*pki.Certificate
	key   *pki.PrivateKey

	verifyMode     VerifyMode
	verifyCallback VerifyCallback
	verifyDepth    int
	store          *truststore.Store
	clientCAs      []*pki.Certificate

	alpnProtos []string
	alpnSelect ALPNSelectCallback

	ocspServer OCSPServerCallback
	ocspClient OCSPClientCallback
	ocspData   any

	sessionMode      SessionCacheMode
	sessionCache     SessionCache
	sessionIDContext []byte
	ticketSecret     [32]byte
	tickets          bool

	sessionTimeout time.Duration

	keylog         KeylogCallback
	info           InfoCallback
	serverName     ServerNameCallback
	renegotiation  RenegotiationPolicy
	passphrase     PassphraseCallback
	passphraseData any
}

type contextState struct {
	mu       sync.RWMutex
	cfg      settings
	frozen   bool
	mutation MutationPolicy
	appData  any
}

// Context is the configuration shared by connections. It starts out
// Configuring and becomes Frozen when the first connection is created from
// it. A frozen context is safe for concurrent use; later changes only affect
// connections created afterwards and are governed by the MutationPolicy.
type Context struct {
	h       *handle.Handle[*contextState]
	arena   *handle.Arena
	logger  observability.Logger
	metrics MetricsRecorder
	tracer  *observability.Tracer

	sessionsOnce sync.Once
	sessions     SessionCache
}

// ContextOption is a functional option for configuring a Context.
type ContextOption func(*Context)

// WithLogger sets the logger used by the context and its connections.
func WithLogger(logger observability.Logger) ContextOption {
	return func(c *Context) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics MetricsRecorder) ContextOption {
	return func(c *Context) {
		c.metrics = metrics
	}
}

// WithTracer enables handshake spans.
func WithTracer(tracer *observability.Tracer) ContextOption {
	return func(c *Context) {
		c.tracer = tracer
	}
}

// WithArena sets the handle arena that accounts the context and its connections.
func WithArena(arena *handle.Arena) ContextOption {
	return func(c *Context) {
		c.arena = arena
	}
}

// NewContext creates a context with an empty trust store, server side
// session caching and TLS 1.2 as the lowest protocol version.
func NewContext(method Method, opts ...ContextOption) (*Context, error) {
	if method < MethodTLS || method > MethodTLSServer {
		return nil, sslerr.NewConfigurationError("method", fmt.Sprintf("unknown method %d", method))
	}

	c := &Context{
		logger:  observability.NopLogger(),
		metrics: NewNopMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.arena == nil {
		c.arena = handle.Default()
	}

	h, err := handle.Acquire(c.arena, KindContext, func() (*contextState, error) {
		store, err := truststore.New(truststore.WithLogger(c.logger))
		if err != nil {
			return nil, err
		}
		st := &contextState{cfg: settings{
			method:      method,
			minVersion:  TLS12,
			verifyDepth: -1,
			store:       store,
			sessionMode: SessionCacheServer,
			tickets:     true,

			sessionTimeout: DefaultSessionTimeout,
		}}
		if _, err := rand.Read(st.cfg.ticketSecret[:]); err != nil {
			_ = store.Free()
			return nil, err
		}
		return st, nil
	}, releaseContext)
	if err != nil {
		return nil, err
	}
	c.h = h

	return c, nil
}

func releaseContext(st *contextState) {
	st.mu.Lock()
	defer st.mu.Unlock()

	cfg := &st.cfg
	if cfg.cert != nil {
		_ = cfg.cert.Free()
	}
	if cfg.key != nil {
		_ = cfg.key.Free()
	}
	for _, c := range cfg.chain {
		_ = c.Free()
	}
	for _, c := range cfg.clientCAs {
		_ = c.Free()
	}
	if cfg.store != nil {
		_ = cfg.store.Free()
	}
	st.cfg = settings{}
}

// Retain adds an owning reference for a new holder.
func (c *Context) Retain() error {
	return c.h.Retain()
}

// Free drops the caller's reference. Connections hold their own references,
// so a context stays usable by them after the application frees it.
func (c *Context) Free() error {
	return c.h.Release()
}

// Frozen reports whether a connection has been created from the context.
func (c *Context) Frozen() bool {
	frozen := false
	_ = c.read(func(st *contextState) error {
		frozen = st.frozen
		return nil
	})
	return frozen
}

// SetMutationPolicy sets how security relevant changes to a frozen context
// are handled. It may be called at any time.
func (c *Context) SetMutationPolicy(p MutationPolicy) error {
	return c.h.Borrow(func(st *contextState) error {
		st.mu.Lock()
		st.mutation = p
		st.mu.Unlock()
		return nil
	})
}

func (c *Context) read(fn func(st *contextState) error) error {
	return c.h.Borrow(func(st *contextState) error {
		st.mu.RLock()
		defer st.mu.RUnlock()
		return fn(st)
	})
}

// update applies fn under the write lock. On a frozen context a security
// relevant change is rejected or warned about according to the mutation
// policy; other changes are applied with a warning.
func (c *Context) update(setter string, security bool, fn func(cfg *settings) error) error {
	return c.h.Borrow(func(st *contextState) error {
		st.mu.Lock()
		defer st.mu.Unlock()

		if st.frozen {
			if security && st.mutation == MutationReject {
				c.metrics.RecordContextMutation(setter, true)
				return sslerr.NewStateError(setter, "frozen")
			}
			c.metrics.RecordContextMutation(setter, false)
			c.logger.Warn("context modified after a connection was created",
				observability.String("setter", setter),
				observability.Bool("security_relevant", security),
			)
		}
		return fn(&st.cfg)
	})
}

// freeze marks the context as in use and returns its current settings. The
// caller owns references to the objects they point to and drops them with
// release.
func (c *Context) freeze() (settings, error) {
	var snap settings
	err := c.h.Borrow(func(st *contextState) error {
		st.mu.Lock()
		defer st.mu.Unlock()
		st.frozen = true
		snap = st.cfg
		return snap.retain()
	})
	return snap, err
}

// retain takes a reference on every object the settings point to.
func (s *settings) retain() error {
	var errs error
	if s.store != nil {
		errs = multierr.Append(errs, s.store.Retain())
	}
	if s.cert != nil {
		errs = multierr.Append(errs, s.cert.Retain())
	}
	if s.key != nil {
		errs = multierr.Append(errs, s.key.Retain())
	}
	for _, c := range s.chain {
		errs = multierr.Append(errs, c.Retain())
	}
	for _, c := range s.clientCAs {
		errs = multierr.Append(errs, c.Retain())
	}
	return errs
}

// release drops the references taken by retain.
func (s *settings) release() error {
	var errs error
	if s.store != nil {
		errs = multierr.Append(errs, s.store.Free())
	}
	if s.cert != nil {
		errs = multierr.Append(errs, s.cert.Free())
	}
	if s.key != nil {
		errs = multierr.Append(errs, s.key.Free())
	}
	errs = multierr.Append(errs, freeCerts(s.chain))
	return multierr.Append(errs, freeCerts(s.clientCAs))
}

// SetMinProtocol sets the lowest protocol version. Zero removes the bound.
func (c *Context) SetMinProtocol(version uint16) error {
	if err := validVersion(version); err != nil {
		return err
	}
	return c.update("set_min_proto_version", true, func(cfg *settings) error {
		if version != 0 && cfg.maxVersion != 0 && version > cfg.maxVersion {
			return sslerr.NewConfigurationError("min_proto_version",
				fmt.Sprintf("%s is above the maximum %s", ProtocolVersionName(version), ProtocolVersionName(cfg.maxVersion)))
		}
		cfg.minVersion = version
		return nil
	})
}

// SetMaxProtocol sets the highest protocol version. Zero removes the bound.
func (c *Context) SetMaxProtocol(version uint16) error {
	if err := validVersion(version); err != nil {
		return err
	}
	return c.update("set_max_proto_version", true, func(cfg *settings) error {
		if version != 0 && cfg.minVersion != 0 && version < cfg.minVersion {
			return sslerr.NewConfigurationError("max_proto_version",
				fmt.Sprintf("%s is below the minimum %s", ProtocolVersionName(version), ProtocolVersionName(cfg.minVersion)))
		}
		cfg.maxVersion = version
		return nil
	})
}

func validVersion(v uint16) error {
	switch v {
	case 0, TLS10, TLS11, TLS12, TLS13:
		return nil
	}
	return sslerr.NewConfigurationError("protocol", fmt.Sprintf("unsupported protocol version 0x%04X", v))
}

// SetCipherList sets the TLS 1.2 and older cipher suites from an OpenSSL
// style list.
func (c *Context) SetCipherList(list string) error {
	ids, err := ParseCipherList(list)
	if err != nil {
		return err
	}
	return c.update("set_cipher_list", true, func(cfg *settings) error {
		cfg.cipherSuites = ids
		return nil
	})
}

// SetCipherSuitesTLS13 sets the allowed TLS 1.3 cipher suites. A server
// fails the handshake when the client offers none of them. The engine
// always offers every TLS 1.3 suite and chooses among the offered ones by
// its own preference, so the list cannot narrow a client's offer or steer
// the server's choice; a suite outside the list is logged, not refused.
func (c *Context) SetCipherSuitesTLS13(names ...string) error {
	ids, err := ParseCipherSuitesTLS13(names...)
	if err != nil {
		return err
	}
	return c.update("set_ciphersuites", true, func(cfg *settings) error {
		cfg.tls13Suites = ids
		return nil
	})
}

// SetCurves sets the key exchange groups in preference order.
func (c *Context) SetCurves(names ...string) error {
	curves, err := ParseCurvePreferences(names)
	if err != nil {
		return err
	}
	return c.update("set_groups", true, func(cfg *settings) error {
		cfg.curves = curves
		return nil
	})
}

// UseCertificate sets the certificate presented to peers. A configured key
// that does not match it is dropped.
func (c *Context) UseCertificate(cert *pki.Certificate) error {
	if cert == nil {
		return sslerr.NewConfigurationError("certificate", "certificate is required")
	}
	x := cert.X509()
	if x == nil {
		return fmt.Errorf("use certificate: %w", pki.ErrNotSigned)
	}

	err := c.update("use_certificate", true, func(cfg *settings) error {
		if err := cert.Retain(); err != nil {
			return err
		}
		if cfg.cert != nil {
			_ = cfg.cert.Free()
		}
		cfg.cert = cert

		if cfg.key != nil && !cfg.key.Matches(cert) {
			c.logger.Warn("dropping private key that does not match the new certificate",
				observability.String("subject", x.Subject.String()))
			_ = cfg.key.Free()
			cfg.key = nil
		}
		return nil
	})
	if err == nil {
		c.metrics.UpdateCertificateExpiry(x, "context")
	}
	return err
}

// UseCertificateChain sets the leaf certificate (first) and the chain
// certificates sent after it.
func (c *Context) UseCertificateChain(certs ...*pki.Certificate) error {
	if len(certs) == 0 {
		return sslerr.NewConfigurationError("certificate_chain", "at least one certificate is required")
	}
	for _, cert := range certs[1:] {
		if cert == nil || cert.X509() == nil {
			return sslerr.NewConfigurationError("certificate_chain", "chain certificates must be signed")
		}
	}
	if err := c.UseCertificate(certs[0]); err != nil {
		return err
	}
	return c.update("use_certificate_chain", true, func(cfg *settings) error {
		chain, err := retainAll(certs[1:])
		if err != nil {
			return err
		}
		_ = freeCerts(cfg.chain)
		cfg.chain = chain
		return nil
	})
}

// AddExtraChainCert appends a certificate to the chain sent after the leaf.
func (c *Context) AddExtraChainCert(cert *pki.Certificate) error {
	if cert == nil || cert.X509() == nil {
		return sslerr.NewConfigurationError("extra_chain_cert", "certificate must be signed")
	}
	return c.update("add_extra_chain_cert", true, func(cfg *settings) error {
		if err := cert.Retain(); err != nil {
			return err
		}
		cfg.chain = append(slices.Clip(cfg.chain), cert)
		return nil
	})
}

// UseCertificateFile loads the certificate from path.
func (c *Context) UseCertificateFile(path string, format pki.Format) error {
	data, err := readFile("certificate_file", path)
	if err != nil {
		return err
	}
	cert, err := pki.LoadCertificate(data, format)
	if err != nil {
		return err
	}
	defer func() { _ = cert.Free() }()
	return c.UseCertificate(cert)
}

// UseCertificateChainFile loads a PEM bundle whose first certificate is the
// leaf.
func (c *Context) UseCertificateChainFile(path string) error {
	data, err := readFile("certificate_chain_file", path)
	if err != nil {
		return err
	}
	certs, err := pki.LoadCertificates(data)
	if err != nil {
		return err
	}
	defer func() { _ = freeCerts(certs) }()
	return c.UseCertificateChain(certs...)
}

// UsePrivateKey sets the private key. It must match the certificate when
// one is set.
func (c *Context) UsePrivateKey(key *pki.PrivateKey) error {
	if key == nil {
		return sslerr.NewConfigurationError("private_key", "private key is required")
	}
	return c.update("use_privatekey", true, func(cfg *settings) error {
		if cfg.cert != nil && !key.Matches(cfg.cert) {
			return sslerr.NewKeyMismatchError(cfg.cert.Subject().String())
		}
		if err := key.Retain(); err != nil {
			return err
		}
		if cfg.key != nil {
			_ = cfg.key.Free()
		}
		cfg.key = key
		return nil
	})
}

// UsePrivateKeyFile loads the private key from path. Encrypted keys are
// unlocked with the passphrase callback.
func (c *Context) UsePrivateKeyFile(path string, format pki.Format) error {
	data, err := readFile("privatekey_file", path)
	if err != nil {
		return err
	}

	var passphrase []byte
	var cb PassphraseCallback
	var cbData any
	_ = c.read(func(st *contextState) error {
		cb, cbData = st.cfg.passphrase, st.cfg.passphraseData
		return nil
	})

	key, err := pki.LoadPrivateKey(data, format, nil)
	if errors.Is(err, sslerr.ErrIncorrectPassphrase) && cb != nil {
		if passphrase, err = cb(1024, false, cbData); err != nil {
			return err
		}
		key, err = pki.LoadPrivateKey(data, format, passphrase)
	}
	if err != nil {
		return err
	}
	defer func() { _ = key.Free() }()
	return c.UsePrivateKey(key)
}

// CheckPrivateKey reports whether a certificate and a matching key are set.
func (c *Context) CheckPrivateKey() error {
	return c.read(func(st *contextState) error {
		switch {
		case st.cfg.key == nil:
			return sslerr.NewConfigurationError("private_key", "no private key assigned")
		case st.cfg.cert == nil:
			return sslerr.NewConfigurationError("certificate", "no certificate assigned")
		case !st.cfg.key.Matches(st.cfg.cert):
			return sslerr.NewKeyMismatchError(st.cfg.cert.Subject().String())
		}
		return nil
	})
}

// SetPassphraseCallback sets the callback used by UsePrivateKeyFile.
func (c *Context) SetPassphraseCallback(cb PassphraseCallback, data any) error {
	return c.update("set_passwd_cb", false, func(cfg *settings) error {
		cfg.passphrase, cfg.passphraseData = cb, data
		return nil
	})
}

// SetVerify sets the verification mode and an optional callback. Without
// VerifyPeer the callback still runs and its errors still fail the
// handshake, but its accept value is ignored.
func (c *Context) SetVerify(mode VerifyMode, cb VerifyCallback) error {
	if mode < 0 || mode > VerifyPeer|VerifyFailIfNoPeerCert|VerifyClientOnce {
		return sslerr.NewConfigurationError("verify_mode", fmt.Sprintf("invalid verify mode %d", mode))
	}
	return c.update("set_verify", true, func(cfg *settings) error {
		cfg.verifyMode, cfg.verifyCallback = mode, cb
		return nil
	})
}

// VerifyMode returns the verification mode.
func (c *Context) VerifyMode() VerifyMode {
	var mode VerifyMode
	_ = c.read(func(st *contextState) error {
		mode = st.cfg.verifyMode
		return nil
	})
	return mode
}

// SetVerifyDepth limits the number of intermediate certificates in a
// verified peer chain. A negative depth removes the limit.
func (c *Context) SetVerifyDepth(depth int) error {
	return c.update("set_verify_depth", true, func(cfg *settings) error {
		cfg.verifyDepth = depth
		return nil
	})
}

// VerifyDepth returns the verification depth limit.
func (c *Context) VerifyDepth() int {
	depth := -1
	_ = c.read(func(st *contextState) error {
		depth = st.cfg.verifyDepth
		return nil
	})
	return depth
}

// SetTrustStore replaces the trust store used to verify peers.
func (c *Context) SetTrustStore(store *truststore.Store) error {
	if store == nil {
		return sslerr.NewConfigurationError("cert_store", "store is required")
	}
	return c.update("set_cert_store", true, func(cfg *settings) error {
		if err := store.Retain(); err != nil {
			return err
		}
		if cfg.store != nil {
			_ = cfg.store.Free()
		}
		cfg.store = store
		return nil
	})
}

// CertStore returns the trust store. Certificates added to it affect
// connections that have not started their handshake yet.
func (c *Context) CertStore() *truststore.Store {
	var store *truststore.Store
	_ = c.read(func(st *contextState) error {
		store = st.cfg.store
		return nil
	})
	return store
}

// LoadVerifyLocations adds the certificates in file and dir to the trust store.
func (c *Context) LoadVerifyLocations(file, dir string) error {
	return c.update("load_verify_locations", true, func(cfg *settings) error {
		return cfg.store.LoadLocations(file, dir)
	})
}

// SetClientCAList sets the CA names a server sends in its certificate request.
func (c *Context) SetClientCAList(certs ...*pki.Certificate) error {
	for _, cert := range certs {
		if cert == nil || cert.X509() == nil {
			return sslerr.NewConfigurationError("client_ca_list", "certificates must be signed")
		}
	}
	return c.update("set_client_ca_list", true, func(cfg *settings) error {
		cas, err := retainAll(certs)
		if err != nil {
			return err
		}
		_ = freeCerts(cfg.clientCAs)
		cfg.clientCAs = cas
		return nil
	})
}

// AddClientCA appends one CA to the client CA list.
func (c *Context) AddClientCA(cert *pki.Certificate) error {
	if cert == nil || cert.X509() == nil {
		return sslerr.NewConfigurationError("client_ca", "certificate must be signed")
	}
	return c.update("add_client_ca", true, func(cfg *settings) error {
		if err := cert.Retain(); err != nil {
			return err
		}
		cfg.clientCAs = append(slices.Clip(cfg.clientCAs), cert)
		return nil
	})
}

// ClientCAList returns the subjects of the client CA list.
func (c *Context) ClientCAList() []pkix.Name {
	var names []pkix.Name
	_ = c.read(func(st *contextState) error {
		for _, ca := range st.cfg.clientCAs {
			names = append(names, ca.Subject())
		}
		return nil
	})
	return names
}

// SetALPNProtos sets the protocols offered by clients and, without a select
// callback, accepted by servers.
func (c *Context) SetALPNProtos(protos ...string) error {
	if err := validateALPN(protos); err != nil {
		return err
	}
	return c.update("set_alpn_protos", false, func(cfg *settings) error {
		cfg.alpnProtos = slices.Clone(protos)
		return nil
	})
}

func validateALPN(protos []string) error {
	if len(protos) == 0 {
		return sslerr.NewConfigurationError("alpn_protos", "protocol list is empty")
	}
	for _, p := range protos {
		if p == "" || len(p) > 255 {
			return sslerr.NewConfigurationError("alpn_protos", fmt.Sprintf("invalid protocol name %q", p))
		}
	}
	return nil
}

// SetALPNSelectCallback sets the server side protocol selection.
func (c *Context) SetALPNSelectCallback(cb ALPNSelectCallback) error {
	return c.update("set_alpn_select_cb", false, func(cfg *settings) error {
		cfg.alpnSelect = cb
		return nil
	})
}

// SetOCSPServerCallback sets the callback that supplies OCSP staples.
func (c *Context) SetOCSPServerCallback(cb OCSPServerCallback, data any) error {
	return c.update("set_ocsp_server_cb", false, func(cfg *settings) error {
		cfg.ocspServer, cfg.ocspClient, cfg.ocspData = cb, nil, data
		return nil
	})
}

// SetOCSPClientCallback sets the callback that inspects OCSP staples on
// connections that called RequestOCSP.
func (c *Context) SetOCSPClientCallback(cb OCSPClientCallback, data any) error {
	return c.update("set_ocsp_client_cb", false, func(cfg *settings) error {
		cfg.ocspClient, cfg.ocspServer, cfg.ocspData = cb, nil, data
		return nil
	})
}

// SetSessionCacheMode selects which side caches sessions.
func (c *Context) SetSessionCacheMode(mode SessionCacheMode) error {
	if mode < SessionCacheOff || mode > SessionCacheBoth {
		return sslerr.NewConfigurationError("session_cache_mode", fmt.Sprintf("invalid mode %d", mode))
	}
	return c.update("set_session_cache_mode", false, func(cfg *settings) error {
		cfg.sessionMode = mode
		return nil
	})
}

// SessionCacheMode returns the session cache mode.
func (c *Context) SessionCacheMode() SessionCacheMode {
	var mode SessionCacheMode
	_ = c.read(func(st *contextState) error {
		mode = st.cfg.sessionMode
		return nil
	})
	return mode
}

// SetSessionCache sets the store for client sessions.
func (c *Context) SetSessionCache(cache SessionCache) error {
	return c.update("set_session_cache", false, func(cfg *settings) error {
		cfg.sessionCache = cache
		return nil
	})
}

// SetSessionIDContext scopes server sessions: a session issued under one
// context cannot be resumed under another.
func (c *Context) SetSessionIDContext(id []byte) error {
	if len(id) > 32 {
		return sslerr.NewConfigurationError("session_id_context", "context is longer than 32 bytes")
	}
	return c.update("set_session_id_context", false, func(cfg *settings) error {
		cfg.sessionIDContext = slices.Clone(id)
		return nil
	})
}

// SetSessionTickets enables or disables session tickets on servers.
func (c *Context) SetSessionTickets(enabled bool) error {
	return c.update("set_options_no_ticket", false, func(cfg *settings) error {
		cfg.tickets = enabled
		return nil
	})
}

// SetTimeout sets how long a session may be resumed after it was issued.
// Servers decline older tickets and clients drop cached sessions once the
// lifetime has passed.
func (c *Context) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return sslerr.NewConfigurationError("timeout", fmt.Sprintf("session timeout must be positive, got %s", d))
	}
	return c.update("set_timeout", false, func(cfg *settings) error {
		cfg.sessionTimeout = d
		return nil
	})
}

// Timeout returns the session lifetime.
func (c *Context) Timeout() time.Duration {
	var d time.Duration
	_ = c.read(func(st *contextState) error {
		d = st.cfg.sessionTimeout
		return nil
	})
	return d
}

// SetInfoCallback sets the callback that observes handshake progress,
// alerts and shutdown. Errors and panics in it are logged and counted.
func (c *Context) SetInfoCallback(cb InfoCallback) error {
	return c.update("set_info_callback", false, func(cfg *settings) error {
		cfg.info = cb
		return nil
	})
}

// SetKeylogCallback sets the key log callback.
func (c *Context) SetKeylogCallback(cb KeylogCallback) error {
	return c.update("set_keylog_callback", false, func(cfg *settings) error {
		cfg.keylog = cb
		return nil
	})
}

// SetServerNameCallback sets the callback run when a ClientHello arrives.
func (c *Context) SetServerNameCallback(cb ServerNameCallback) error {
	return c.update("set_tlsext_servername_callback", false, func(cfg *settings) error {
		cfg.serverName = cb
		return nil
	})
}

// SetRenegotiationPolicy sets how clients answer renegotiation requests.
func (c *Context) SetRenegotiationPolicy(p RenegotiationPolicy) error {
	return c.update("set_renegotiation", true, func(cfg *settings) error {
		cfg.renegotiation = p
		return nil
	})
}

// SetAppData attaches an application value.
func (c *Context) SetAppData(v any) {
	_ = c.h.Borrow(func(st *contextState) error {
		st.mu.Lock()
		st.appData = v
		st.mu.Unlock()
		return nil
	})
}

// AppData returns the value set with SetAppData.
func (c *Context) AppData() any {
	var v any
	_ = c.read(func(st *contextState) error {
		v = st.appData
		return nil
	})
	return v
}

// clientSessionCache returns the configured cache, or a per-context LRU
// cache created on first use.
func (c *Context) clientSessionCache(cfg *settings) SessionCache {
	if cfg.sessionMode&SessionCacheClient == 0 {
		return nil
	}
	if cfg.sessionCache != nil {
		return cfg.sessionCache
	}
	c.sessionsOnce.Do(func() {
		cache, err := NewLRUSessionCache(DefaultSessionCacheSize)
		if err != nil {
			c.logger.Error("failed to create session cache", observability.Error(err))
			return
		}
		c.sessions = cache
	})
	if c.sessions == nil {
		return nil
	}
	return c.sessions
}

// Logger returns the context logger.
func (c *Context) Logger() observability.Logger {
	return c.logger
}

func retainAll(certs []*pki.Certificate) ([]*pki.Certificate, error) {
	out := make([]*pki.Certificate, 0, len(certs))
	for _, cert := range certs {
		if err := cert.Retain(); err != nil {
			_ = freeCerts(out)
			return nil, err
		}
		out = append(out, cert)
	}
	return out, nil
}

func freeCerts(certs []*pki.Certificate) error {
	var errs error
	for _, c := range certs {
		errs = multierr.Append(errs, c.Free())
	}
	return errs
}

func readFile(field, path string) ([]byte, error) {
	//nolint:gosec // operator supplied path
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, sslerr.NewConfigurationErrorWithCause(field, fmt.Sprintf("failed to read %s", path), err)
	}
	return data, nil
}
