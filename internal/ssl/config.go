package ssl

import (
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/avatls/internal/pki"
	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

// TLSVersion names a protocol version in configuration files.
type TLSVersion string

// TLS version constants.
const (
	// TLSVersionAuto leaves the bound to the engine default.
	TLSVersionAuto TLSVersion = "AUTO"

	// TLSVersion10 represents TLS 1.0 (legacy, requires explicit opt-in).
	TLSVersion10 TLSVersion = "TLS10"

	// TLSVersion11 represents TLS 1.1 (legacy, requires explicit opt-in).
	TLSVersion11 TLSVersion = "TLS11"

	// TLSVersion12 represents TLS 1.2.
	TLSVersion12 TLSVersion = "TLS12"

	// TLSVersion13 represents TLS 1.3.
	TLSVersion13 TLSVersion = "TLS13"
)

// IsValid returns true if the TLS version is valid.
func (v TLSVersion) IsValid() bool {
	switch v {
	case TLSVersionAuto, TLSVersion10, TLSVersion11, TLSVersion12, TLSVersion13:
		return true
	default:
		return false
	}
}

// ToTLSVersion converts to the protocol version number. AUTO maps to zero.
func (v TLSVersion) ToTLSVersion() uint16 {
	switch v {
	case TLSVersion10:
		return TLS10
	case TLSVersion11:
		return TLS11
	case TLSVersion12:
		return TLS12
	case TLSVersion13:
		return TLS13
	default:
		return 0
	}
}

// IsLegacy returns true if this is a legacy TLS version (1.0 or 1.1).
func (v TLSVersion) IsLegacy() bool {
	return v == TLSVersion10 || v == TLSVersion11
}

// CertificateSource specifies the certificate source type.
type CertificateSource string

// Certificate source constants.
const (
	// CertificateSourceFile loads certificates from files.
	CertificateSourceFile CertificateSource = "file"

	// CertificateSourceInline uses inline PEM-encoded certificates.
	CertificateSourceInline CertificateSource = "inline"
)

// ContextConfig describes a Context in YAML or JSON.
type ContextConfig struct {
	// Method is "client", "server" or "any" (default).
	Method string `yaml:"method,omitempty" json:"method,omitempty"`

	// MinVersion is the minimum TLS version (default: TLS12).
	MinVersion TLSVersion `yaml:"minVersion,omitempty" json:"minVersion,omitempty"`

	// MaxVersion is the maximum TLS version.
	MaxVersion TLSVersion `yaml:"maxVersion,omitempty" json:"maxVersion,omitempty"`

	// CipherList is an OpenSSL style cipher list for TLS 1.2 and older.
	CipherList string `yaml:"cipherList,omitempty" json:"cipherList,omitempty"`

	// CipherSuitesTLS13 restricts the TLS 1.3 suites.
	CipherSuitesTLS13 []string `yaml:"cipherSuitesTLS13,omitempty" json:"cipherSuitesTLS13,omitempty"`

	// CurvePreferences is the list of key exchange groups.
	CurvePreferences []string `yaml:"curvePreferences,omitempty" json:"curvePreferences,omitempty"`

	// Certificate configures the certificate presented to peers.
	Certificate *CertificateConfig `yaml:"certificate,omitempty" json:"certificate,omitempty"`

	// Verify configures peer verification.
	Verify *VerifyConfig `yaml:"verify,omitempty" json:"verify,omitempty"`

	// ALPN protocols for negotiation.
	ALPN []string `yaml:"alpn,omitempty" json:"alpn,omitempty"`

	// Sessions configures session caching.
	Sessions *SessionConfig `yaml:"sessions,omitempty" json:"sessions,omitempty"`

	// Renegotiation is "never" (default), "once" or "freely".
	Renegotiation string `yaml:"renegotiation,omitempty" json:"renegotiation,omitempty"`

	// MutationPolicy is "warn" (default) or "reject".
	MutationPolicy string `yaml:"mutationPolicy,omitempty" json:"mutationPolicy,omitempty"`
}

// CertificateConfig configures certificate sources.
type CertificateConfig struct {
	// Source specifies where to load certificates from.
	Source CertificateSource `yaml:"source,omitempty" json:"source,omitempty"`

	// CertFile is the path to the certificate file (PEM). Further
	// certificates in the file form the chain.
	CertFile string `yaml:"certFile,omitempty" json:"certFile,omitempty"`

	// KeyFile is the path to the private key file (PEM).
	KeyFile string `yaml:"keyFile,omitempty" json:"keyFile,omitempty"`

	// CertData is the PEM-encoded certificate (inline).
	CertData string `yaml:"certData,omitempty" json:"certData,omitempty"`

	// KeyData is the PEM-encoded private key (inline).
	KeyData string `yaml:"keyData,omitempty" json:"keyData,omitempty"`

	// Passphrase unlocks an encrypted key.
	Passphrase string `yaml:"passphrase,omitempty" json:"passphrase,omitempty"`
}

// VerifyConfig configures peer verification.
type VerifyConfig struct {
	// Mode is "none", "peer" or "require" (peer plus fail if no certificate).
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`

	// Depth is the maximum number of intermediates. Zero means no limit.
	Depth int `yaml:"depth,omitempty" json:"depth,omitempty"`

	// CAFile is a PEM bundle of trusted certificates and CRLs.
	CAFile string `yaml:"caFile,omitempty" json:"caFile,omitempty"`

	// CADir is a directory of PEM files.
	CADir string `yaml:"caDir,omitempty" json:"caDir,omitempty"`

	// CAData is an inline PEM bundle of trusted certificates.
	CAData string `yaml:"caData,omitempty" json:"caData,omitempty"`

	// ClientCAFile lists the CA names a server requests certificates for.
	ClientCAFile string `yaml:"clientCAFile,omitempty" json:"clientCAFile,omitempty"`
}

// SessionConfig configures session caching.
type SessionConfig struct {
	// Mode is "off", "client", "server" (default) or "both".
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`

	// IDContext scopes server sessions.
	IDContext string `yaml:"idContext,omitempty" json:"idContext,omitempty"`

	// TicketsDisabled disables session tickets.
	TicketsDisabled bool `yaml:"ticketsDisabled,omitempty" json:"ticketsDisabled,omitempty"`

	// Timeout is how long a session stays resumable.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// CacheSize is the capacity of the in-process client cache.
	CacheSize int `yaml:"cacheSize,omitempty" json:"cacheSize,omitempty"`

	// Redis shares client sessions through Redis instead.
	Redis *RedisSessionConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
}

// RedisSessionConfig configures the Redis session cache.
type RedisSessionConfig struct {
	Addrs     []string      `yaml:"addrs,omitempty" json:"addrs,omitempty"`
	Password  string        `yaml:"password,omitempty" json:"password,omitempty"`
	DB        int           `yaml:"db,omitempty" json:"db,omitempty"`
	KeyPrefix string        `yaml:"keyPrefix,omitempty" json:"keyPrefix,omitempty"`
	TTL       time.Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`
	TTLJitter float64       `yaml:"ttlJitter,omitempty" json:"ttlJitter,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// DefaultContextConfig returns a ContextConfig with secure defaults.
func DefaultContextConfig() *ContextConfig {
	return &ContextConfig{
		Method:     "any",
		MinVersion: TLSVersion12,
		MaxVersion: TLSVersion13,
	}
}

// ParseContextConfig decodes a YAML (or JSON) document.
func ParseContextConfig(data []byte) (*ContextConfig, error) {
	cfg := DefaultContextConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, sslerr.NewConfigurationErrorWithCause("config", "failed to parse context configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var (
	methodNames = map[string]Method{
		"": MethodTLS, "any": MethodTLS, "client": MethodTLSClient, "server": MethodTLSServer,
	}
	verifyModeNames = map[string]VerifyMode{
		"": VerifyNone, "none": VerifyNone, "peer": VerifyPeer,
		"require": VerifyPeer | VerifyFailIfNoPeerCert,
	}
	sessionModeNames = map[string]SessionCacheMode{
		"": SessionCacheServer, "off": SessionCacheOff, "client": SessionCacheClient,
		"server": SessionCacheServer, "both": SessionCacheBoth,
	}
	renegotiationNames = map[string]RenegotiationPolicy{
		"": RenegotiateNever, "never": RenegotiateNever,
		"once": RenegotiateOnceAsClient, "freely": RenegotiateFreelyAsClient,
	}
	mutationNames = map[string]MutationPolicy{
		"": MutationWarn, "warn": MutationWarn, "reject": MutationReject,
	}
)

func lookup[T any](field string, names map[string]T, value string) (T, error) {
	v, ok := names[strings.ToLower(value)]
	if !ok {
		var zero T
		return zero, sslerr.NewConfigurationError(field, fmt.Sprintf("invalid value %q", value))
	}
	return v, nil
}

// Validate validates the context configuration.
func (c *ContextConfig) Validate() error {
	if c == nil {
		return sslerr.NewConfigurationError("config", "configuration is nil")
	}

	if _, err := lookup("method", methodNames, c.Method); err != nil {
		return err
	}
	if err := c.validateVersions(); err != nil {
		return err
	}
	if _, err := lookup("renegotiation", renegotiationNames, c.Renegotiation); err != nil {
		return err
	}
	if _, err := lookup("mutationPolicy", mutationNames, c.MutationPolicy); err != nil {
		return err
	}
	if c.Certificate != nil {
		if err := c.Certificate.Validate(); err != nil {
			return err
		}
	}
	if c.Verify != nil {
		if _, err := lookup("verify.mode", verifyModeNames, c.Verify.Mode); err != nil {
			return err
		}
		if c.Verify.Depth < 0 {
			return sslerr.NewConfigurationError("verify.depth", "depth cannot be negative")
		}
	}
	if c.Sessions != nil {
		if _, err := lookup("sessions.mode", sessionModeNames, c.Sessions.Mode); err != nil {
			return err
		}
		if c.Sessions.Timeout < 0 {
			return sslerr.NewConfigurationError("sessions.timeout", "timeout cannot be negative")
		}
		if r := c.Sessions.Redis; r != nil && len(r.Addrs) == 0 {
			return sslerr.NewConfigurationError("sessions.redis.addrs", "at least one address is required")
		}
	}
	return nil
}

func (c *ContextConfig) validateVersions() error {
	if c.MinVersion != "" && !c.MinVersion.IsValid() {
		return sslerr.NewConfigurationError("minVersion", fmt.Sprintf("invalid TLS version: %s", c.MinVersion))
	}
	if c.MaxVersion != "" && !c.MaxVersion.IsValid() {
		return sslerr.NewConfigurationError("maxVersion", fmt.Sprintf("invalid TLS version: %s", c.MaxVersion))
	}

	minVer := c.MinVersion.ToTLSVersion()
	maxVer := c.MaxVersion.ToTLSVersion()
	if minVer > 0 && maxVer > 0 && minVer > maxVer {
		return sslerr.NewConfigurationError("minVersion",
			fmt.Sprintf("minVersion (%s) cannot be greater than maxVersion (%s)", c.MinVersion, c.MaxVersion))
	}
	return nil
}

// Validate validates the certificate configuration.
func (c *CertificateConfig) Validate() error {
	source := c.Source
	if source == "" {
		source = CertificateSourceFile
	}

	switch source {
	case CertificateSourceFile:
		if c.CertFile == "" {
			return sslerr.NewConfigurationError("certificate.certFile", "certificate file path required")
		}
		if c.KeyFile == "" {
			return sslerr.NewConfigurationError("certificate.keyFile", "key file path required")
		}
	case CertificateSourceInline:
		if c.CertData == "" {
			return sslerr.NewConfigurationError("certificate.certData", "certificate data required")
		}
		if c.KeyData == "" {
			return sslerr.NewConfigurationError("certificate.keyData", "key data required")
		}
	default:
		return sslerr.NewConfigurationError("certificate.source", fmt.Sprintf("invalid certificate source: %s", source))
	}
	return nil
}

// NewContextFromConfig builds a context from cfg. The returned context is
// still configuring; callers may add callbacks before creating connections.
func NewContextFromConfig(cfg *ContextConfig, opts ...ContextOption) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	method, _ := lookup("method", methodNames, cfg.Method)
	ctx, err := NewContext(method, opts...)
	if err != nil {
		return nil, err
	}
	if err := ctx.apply(cfg); err != nil {
		return nil, multierr.Append(err, ctx.Free())
	}
	ctx.metrics.RecordContextReload(true)
	return ctx, nil
}

func (c *Context) apply(cfg *ContextConfig) error {
	if err := c.SetMinProtocol(cfg.MinVersion.ToTLSVersion()); err != nil {
		return err
	}
	if err := c.SetMaxProtocol(cfg.MaxVersion.ToTLSVersion()); err != nil {
		return err
	}
	if cfg.CipherList != "" {
		if err := c.SetCipherList(cfg.CipherList); err != nil {
			return err
		}
	}
	if len(cfg.CipherSuitesTLS13) > 0 {
		if err := c.SetCipherSuitesTLS13(cfg.CipherSuitesTLS13...); err != nil {
			return err
		}
	}
	if len(cfg.CurvePreferences) > 0 {
		if err := c.SetCurves(cfg.CurvePreferences...); err != nil {
			return err
		}
	}
	if len(cfg.ALPN) > 0 {
		if err := c.SetALPNProtos(cfg.ALPN...); err != nil {
			return err
		}
	}
	renegotiation, _ := lookup("renegotiation", renegotiationNames, cfg.Renegotiation)
	if err := c.SetRenegotiationPolicy(renegotiation); err != nil {
		return err
	}
	mutation, _ := lookup("mutationPolicy", mutationNames, cfg.MutationPolicy)
	if err := c.SetMutationPolicy(mutation); err != nil {
		return err
	}

	if cfg.Certificate != nil {
		if err := c.applyCertificate(cfg.Certificate); err != nil {
			return err
		}
	}
	if cfg.Verify != nil {
		if err := c.applyVerify(cfg.Verify); err != nil {
			return err
		}
	}
	if cfg.Sessions != nil {
		return c.applySessions(cfg.Sessions)
	}
	return nil
}

func (c *Context) applyCertificate(cc *CertificateConfig) error {
	var certPEM, keyPEM []byte
	if cc.Source == CertificateSourceInline {
		certPEM, keyPEM = []byte(cc.CertData), []byte(cc.KeyData)
	} else {
		var err error
		if certPEM, err = readFile("certificate.certFile", cc.CertFile); err != nil {
			return err
		}
		if keyPEM, err = readFile("certificate.keyFile", cc.KeyFile); err != nil {
			return err
		}
	}

	certs, err := pki.LoadCertificates(certPEM)
	if err != nil {
		return err
	}
	defer func() { _ = freeCerts(certs) }()

	var passphrase []byte
	if cc.Passphrase != "" {
		passphrase = []byte(cc.Passphrase)
	}
	key, err := pki.LoadPrivateKey(keyPEM, pki.FormatPEM, passphrase)
	if err != nil {
		return err
	}
	defer func() { _ = key.Free() }()

	if err := c.UseCertificateChain(certs...); err != nil {
		return err
	}
	if err := c.UsePrivateKey(key); err != nil {
		return err
	}
	return c.CheckPrivateKey()
}

func (c *Context) applyVerify(vc *VerifyConfig) error {
	mode, _ := lookup("verify.mode", verifyModeNames, vc.Mode)
	if err := c.SetVerify(mode, nil); err != nil {
		return err
	}
	if vc.Depth > 0 {
		if err := c.SetVerifyDepth(vc.Depth); err != nil {
			return err
		}
	}
	if vc.CAFile != "" || vc.CADir != "" {
		if err := c.LoadVerifyLocations(vc.CAFile, vc.CADir); err != nil {
			return err
		}
	}
	if vc.CAData != "" {
		certs, err := pki.LoadCertificates([]byte(vc.CAData))
		if err != nil {
			return err
		}
		defer func() { _ = freeCerts(certs) }()
		for _, cert := range certs {
			if err := c.CertStore().AddCertificate(cert); err != nil {
				return err
			}
		}
	}
	if vc.ClientCAFile != "" {
		data, err := readFile("verify.clientCAFile", vc.ClientCAFile)
		if err != nil {
			return err
		}
		certs, err := pki.LoadCertificates(data)
		if err != nil {
			return err
		}
		defer func() { _ = freeCerts(certs) }()
		return c.SetClientCAList(certs...)
	}
	return nil
}

func (c *Context) applySessions(sc *SessionConfig) error {
	mode, _ := lookup("sessions.mode", sessionModeNames, sc.Mode)
	if err := c.SetSessionCacheMode(mode); err != nil {
		return err
	}
	if err := c.SetSessionTickets(!sc.TicketsDisabled); err != nil {
		return err
	}
	if sc.IDContext != "" {
		if err := c.SetSessionIDContext([]byte(sc.IDContext)); err != nil {
			return err
		}
	}
	if sc.Timeout > 0 {
		if err := c.SetTimeout(sc.Timeout); err != nil {
			return err
		}
	}

	switch {
	case sc.Redis != nil:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    sc.Redis.Addrs,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		})
		opts := []RedisOption{WithRedisLogger(c.logger)}
		if sc.Redis.KeyPrefix != "" {
			opts = append(opts, WithRedisKeyPrefix(sc.Redis.KeyPrefix))
		}
		if sc.Redis.TTL > 0 {
			opts = append(opts, WithRedisTTL(sc.Redis.TTL, sc.Redis.TTLJitter))
		}
		if sc.Redis.Timeout > 0 {
			opts = append(opts, WithRedisTimeout(sc.Redis.Timeout))
		}
		return c.SetSessionCache(NewRedisSessionCache(client, opts...))
	case sc.CacheSize > 0:
		cache, err := NewLRUSessionCache(sc.CacheSize)
		if err != nil {
			return err
		}
		return c.SetSessionCache(cache)
	}
	return nil
}
