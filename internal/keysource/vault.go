package keysource

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/vyrodovalexey/avatls/internal/observability"
)

// AuthMethod specifies the Vault authentication method.
type AuthMethod string

// Authentication methods.
const (
	AuthMethodToken   AuthMethod = "token"
	AuthMethodAppRole AuthMethod = "approle"
)

// Vault defaults.
const (
	DefaultMount          = "secret"
	DefaultKVVersion      = 2
	DefaultVaultTimeout   = 30 * time.Second
	DefaultAppRoleMount   = "approle"
	defaultCertField      = "certificate"
	defaultKeyField       = "private_key"
	defaultChainField     = "ca_chain"
	defaultPKCS12Field    = "pkcs12"
	defaultPassphraseFld  = "passphrase"
	tokenLookupOperation  = "token_lookup"
	approleLoginOperation = "approle_login"
	kvReadOperation       = "kv_read"
)

// VaultConfig locates key material in a Vault KV secret.
type VaultConfig struct {
	// Address is the Vault server address.
	Address string `yaml:"address" json:"address"`

	// Namespace is the Vault namespace (Enterprise feature).
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`

	// AuthMethod is token (default) or approle.
	AuthMethod AuthMethod `yaml:"authMethod,omitempty" json:"authMethod,omitempty"`

	// Token for token authentication.
	Token string `yaml:"token,omitempty" json:"token,omitempty"`

	// AppRole auth configuration.
	AppRole *AppRoleConfig `yaml:"appRole,omitempty" json:"appRole,omitempty"`

	// TLS configures the connection to Vault.
	TLS *VaultTLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`

	// Mount is the KV engine mount (default "secret").
	Mount string `yaml:"mount,omitempty" json:"mount,omitempty"`

	// Path is the secret path under the mount.
	Path string `yaml:"path" json:"path"`

	// KVVersion is 1 or 2 (default).
	KVVersion int `yaml:"kvVersion,omitempty" json:"kvVersion,omitempty"`

	// Fields names the secret keys holding the material.
	Fields FieldNames `yaml:"fields,omitempty" json:"fields,omitempty"`

	// Passphrase unlocks the key when the secret carries none.
	Passphrase string `yaml:"passphrase,omitempty" json:"passphrase,omitempty"`

	// Timeout bounds each request.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Retry configures retries of failed reads.
	Retry *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// AppRoleConfig configures AppRole authentication.
type AppRoleConfig struct {
	RoleID    string `yaml:"roleId" json:"roleId"`
	SecretID  string `yaml:"secretId" json:"secretId"`
	MountPath string `yaml:"mountPath,omitempty" json:"mountPath,omitempty"`
}

// VaultTLSConfig configures TLS for the Vault connection.
type VaultTLSConfig struct {
	CACert     string `yaml:"caCert,omitempty" json:"caCert,omitempty"`
	ClientCert string `yaml:"clientCert,omitempty" json:"clientCert,omitempty"`
	ClientKey  string `yaml:"clientKey,omitempty" json:"clientKey,omitempty"`
	SkipVerify bool   `yaml:"skipVerify,omitempty" json:"skipVerify,omitempty"`
}

// FieldNames names the keys of the secret. Empty names use the defaults
// certificate, private_key, ca_chain, pkcs12 and passphrase.
type FieldNames struct {
	Certificate string `yaml:"certificate,omitempty" json:"certificate,omitempty"`
	PrivateKey  string `yaml:"privateKey,omitempty" json:"privateKey,omitempty"`
	Chain       string `yaml:"chain,omitempty" json:"chain,omitempty"`
	PKCS12      string `yaml:"pkcs12,omitempty" json:"pkcs12,omitempty"`
	Passphrase  string `yaml:"passphrase,omitempty" json:"passphrase,omitempty"`
}

func (f FieldNames) withDefaults() FieldNames {
	if f.Certificate == "" {
		f.Certificate = defaultCertField
	}
	if f.PrivateKey == "" {
		f.PrivateKey = defaultKeyField
	}
	if f.Chain == "" {
		f.Chain = defaultChainField
	}
	if f.PKCS12 == "" {
		f.PKCS12 = defaultPKCS12Field
	}
	if f.Passphrase == "" {
		f.Passphrase = defaultPassphraseFld
	}
	return f
}

// Validate validates the Vault configuration.
func (c *VaultConfig) Validate() error {
	if c.Address == "" {
		return configError("vault address is required")
	}
	if strings.Trim(c.Path, "/") == "" {
		return configError("vault secret path is required")
	}
	if strings.Contains(c.Path, "..") {
		return configError("vault secret path must not contain '..'")
	}
	if c.KVVersion != 0 && c.KVVersion != 1 && c.KVVersion != 2 {
		return configError("kvVersion must be 1 or 2, got %d", c.KVVersion)
	}

	switch c.AuthMethod {
	case "", AuthMethodToken:
		if c.Token == "" {
			return configError("token is required for token auth")
		}
	case AuthMethodAppRole:
		if c.AppRole == nil || c.AppRole.RoleID == "" {
			return configError("appRole.roleId is required for approle auth")
		}
		if c.AppRole.SecretID == "" {
			return configError("appRole.secretId is required for approle auth")
		}
	default:
		return configError("unsupported auth method: %s", c.AuthMethod)
	}
	return nil
}

// VaultSource reads key material from a Vault KV secret.
type VaultSource struct {
	cfg     VaultConfig
	fields  FieldNames
	api     *vaultapi.Client
	logger  observability.Logger
	metrics *Metrics

	mu            sync.Mutex
	authenticated bool
}

// Option configures a Vault source.
type Option func(*VaultSource)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *VaultSource) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(s *VaultSource) {
		s.metrics = metrics
	}
}

// NewVaultSource creates a Vault source. Authentication happens on the
// first Load.
func NewVaultSource(cfg VaultConfig, opts ...Option) (*VaultSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mount == "" {
		cfg.Mount = DefaultMount
	}
	if cfg.KVVersion == 0 {
		cfg.KVVersion = DefaultKVVersion
	}
	if cfg.AuthMethod == "" {
		cfg.AuthMethod = AuthMethodToken
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultVaultTimeout
	}

	apiConfig := vaultapi.DefaultConfig()
	apiConfig.Address = cfg.Address
	apiConfig.Timeout = cfg.Timeout
	apiConfig.MaxRetries = 0
	if cfg.TLS != nil {
		err := apiConfig.ConfigureTLS(&vaultapi.TLSConfig{
			CACert:     cfg.TLS.CACert,
			ClientCert: cfg.TLS.ClientCert,
			ClientKey:  cfg.TLS.ClientKey,
			Insecure:   cfg.TLS.SkipVerify,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to configure vault TLS: %w", ErrInvalidConfig, err)
		}
	}

	api, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create vault client: %w", ErrInvalidConfig, err)
	}
	api.ClearToken()
	if cfg.Namespace != "" {
		api.SetNamespace(cfg.Namespace)
	}

	s := &VaultSource{
		cfg:    cfg,
		fields: cfg.Fields.withDefaults(),
		api:    api,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics("")
	}
	s.logger = s.logger.With(observability.String("component", "keysource.vault"))
	return s, nil
}

// Name implements Source.
func (s *VaultSource) Name() string {
	return "vault:" + s.secretPath()
}

func (s *VaultSource) secretPath() string {
	p := strings.Trim(s.cfg.Path, "/")
	if s.cfg.KVVersion == 1 {
		return path.Join(s.cfg.Mount, p)
	}
	return path.Join(s.cfg.Mount, "data", p)
}

// Authenticate logs in to Vault with the configured method.
func (s *VaultSource) Authenticate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticateLocked(ctx)
}

func (s *VaultSource) authenticateLocked(ctx context.Context) error {
	var err error
	switch s.cfg.AuthMethod {
	case AuthMethodAppRole:
		err = s.loginAppRole(ctx)
	default:
		err = s.loginToken(ctx)
	}
	if err != nil {
		s.authenticated = false
		return err
	}
	s.authenticated = true
	s.logger.Info("authenticated with vault",
		observability.String("method", string(s.cfg.AuthMethod)),
	)
	return nil
}

func (s *VaultSource) loginToken(ctx context.Context) error {
	s.api.SetToken(s.cfg.Token)
	start := time.Now()
	_, err := s.api.Auth().Token().LookupSelfWithContext(ctx)
	if err != nil {
		s.metrics.RecordRequest(tokenLookupOperation, "error", time.Since(start))
		return s.classify(tokenLookupOperation, "auth/token/lookup-self", err, ErrAuthenticationFailed)
	}
	s.metrics.RecordRequest(tokenLookupOperation, "success", time.Since(start))
	return nil
}

func (s *VaultSource) loginAppRole(ctx context.Context) error {
	mount := s.cfg.AppRole.MountPath
	if mount == "" {
		mount = DefaultAppRoleMount
	}
	loginPath := path.Join("auth", mount, "login")

	start := time.Now()
	secret, err := s.api.Logical().WriteWithContext(ctx, loginPath, map[string]any{
		"role_id":   s.cfg.AppRole.RoleID,
		"secret_id": s.cfg.AppRole.SecretID,
	})
	if err != nil {
		s.metrics.RecordRequest(approleLoginOperation, "error", time.Since(start))
		return s.classify(approleLoginOperation, loginPath, err, ErrAuthenticationFailed)
	}
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		s.metrics.RecordRequest(approleLoginOperation, "error", time.Since(start))
		return newSourceError(approleLoginOperation, loginPath, ErrAuthenticationFailed)
	}
	s.metrics.RecordRequest(approleLoginOperation, "success", time.Since(start))
	s.api.SetToken(secret.Auth.ClientToken)
	return nil
}

// Load implements Source. A 403 after a successful login triggers one
// re-authentication, which covers expired tokens.
func (s *VaultSource) Load(ctx context.Context) (*Material, error) {
	data, version, err := s.read(ctx)
	if errors.Is(err, ErrPermissionDenied) {
		s.mu.Lock()
		wasAuthenticated := s.authenticated
		s.authenticated = false
		s.mu.Unlock()
		if wasAuthenticated {
			s.logger.Info("vault denied access, re-authenticating")
			data, version, err = s.read(ctx)
		}
	}
	if err != nil {
		return nil, err
	}

	m, err := s.decode(data)
	if err != nil {
		return nil, newSourceError("decode", s.secretPath(), err)
	}
	if version != "" {
		m.Version = version
	}
	s.logger.Debug("key material loaded",
		observability.String("path", s.secretPath()),
		observability.String("version", m.Version),
		observability.Int("chain", len(m.Chain)),
	)
	return m, nil
}

func (s *VaultSource) read(ctx context.Context) (map[string]any, string, error) {
	s.mu.Lock()
	if !s.authenticated {
		if err := s.authenticateLocked(ctx); err != nil {
			s.mu.Unlock()
			return nil, "", err
		}
	}
	s.mu.Unlock()

	fullPath := s.secretPath()
	var secret *vaultapi.Secret
	err := withRetry(ctx, s.cfg.Retry, kvReadOperation, s.logger, s.metrics, func() error {
		start := time.Now()
		var err error
		secret, err = s.api.Logical().ReadWithContext(ctx, fullPath)
		if err != nil {
			s.metrics.RecordRequest(kvReadOperation, "error", time.Since(start))
			return s.classify(kvReadOperation, fullPath, err, ErrPermissionDenied)
		}
		s.metrics.RecordRequest(kvReadOperation, "success", time.Since(start))
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	if secret == nil || secret.Data == nil {
		return nil, "", newSourceError(kvReadOperation, fullPath, ErrNotFound)
	}
	if s.cfg.KVVersion == 1 {
		return secret.Data, "", nil
	}

	// KV v2 wraps the fields in "data"; a soft-deleted version has data: null.
	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return nil, "", newSourceError(kvReadOperation, fullPath, ErrNotFound)
	}
	version := ""
	if meta, ok := secret.Data["metadata"].(map[string]any); ok {
		version = numberString(meta["version"])
	}
	return data, version, nil
}

// classify maps a Vault API error onto the package sentinels, keeping the
// HTTP status for retry decisions. denied is used for 401 and 403.
func (s *VaultSource) classify(op, fullPath string, err, denied error) error {
	var respErr *vaultapi.ResponseError
	if !errors.As(err, &respErr) {
		return &SourceError{Op: op, Path: fullPath, Err: fmt.Errorf("%w: %w", ErrUnavailable, err)}
	}

	se := &SourceError{Op: op, Path: fullPath, Code: respErr.StatusCode}
	switch {
	case respErr.StatusCode == http.StatusForbidden || respErr.StatusCode == http.StatusUnauthorized:
		se.Err = fmt.Errorf("%w: %w", denied, err)
	case respErr.StatusCode == http.StatusNotFound:
		se.Err = fmt.Errorf("%w: %w", ErrNotFound, err)
	case respErr.StatusCode >= http.StatusInternalServerError || respErr.StatusCode == http.StatusTooManyRequests:
		se.Err = fmt.Errorf("%w: %w", ErrUnavailable, err)
	default:
		se.Err = err
	}
	return se
}

func (s *VaultSource) decode(data map[string]any) (*Material, error) {
	passphrase := s.cfg.Passphrase
	if p, ok := data[s.fields.Passphrase].(string); ok && p != "" {
		passphrase = p
	}

	if encoded, ok := data[s.fields.PKCS12].(string); ok && encoded != "" {
		container, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("%w: %s is not base64: %w", ErrInvalidConfig, s.fields.PKCS12, err)
		}
		return decodePKCS12(container, passphrase)
	}

	certPEM, ok := pemField(data[s.fields.Certificate])
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, s.fields.Certificate)
	}
	keyPEM, ok := pemField(data[s.fields.PrivateKey])
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, s.fields.PrivateKey)
	}
	chainPEM, _ := pemField(data[s.fields.Chain])

	var pass []byte
	if passphrase != "" {
		pass = []byte(passphrase)
	}
	return decodePEM(certPEM, keyPEM, chainPEM, pass)
}

// pemField accepts a PEM string or a list of PEM strings, the shape Vault's
// PKI engine uses for ca_chain.
func pemField(v any) ([]byte, bool) {
	switch val := v.(type) {
	case string:
		if strings.TrimSpace(val) == "" {
			return nil, false
		}
		return []byte(val), true
	case []any:
		var b strings.Builder
		for _, item := range val {
			if s, ok := item.(string); ok {
				b.WriteString(strings.TrimSpace(s))
				b.WriteByte('\n')
			}
		}
		if b.Len() == 0 {
			return nil, false
		}
		return []byte(b.String()), true
	default:
		return nil, false
	}
}

func numberString(v any) string {
	switch n := v.(type) {
	case json.Number:
		return n.String()
	case float64:
		return fmt.Sprintf("%d", int64(n))
	case string:
		return n
	default:
		return ""
	}
}

var _ Source = (*VaultSource)(nil)
