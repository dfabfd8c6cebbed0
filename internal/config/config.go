package config

import (
	"time"

	"github.com/vyrodovalexey/avatls/internal/keysource"
	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/policy"
	"github.com/vyrodovalexey/avatls/internal/ssl"
)

// Defaults applied by the loader.
const (
	DefaultListenAddress    = ":8443"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultIdleTimeout      = 60 * time.Second
	DefaultPollInterval     = 250 * time.Millisecond
	DefaultMetricsAddress   = ":9090"
	DefaultMetricsPath      = "/metrics"
	DefaultClientTimeout    = 10 * time.Second
)

// Key source types.
const (
	KeySourceFile  = "file"
	KeySourceVault = "vault"
)

// Config is the avatls configuration file.
type Config struct {
	// Server configures the echo server started by "avatls serve".
	Server *ServerConfig `yaml:"server,omitempty" json:"server,omitempty"`

	// Client configures the probe started by "avatls connect".
	Client *ClientConfig `yaml:"client,omitempty" json:"client,omitempty"`

	// TLS describes the context shared by every connection.
	TLS *ssl.ContextConfig `yaml:"tls,omitempty" json:"tls,omitempty"`

	// KeySource supplies the certificate and key instead of tls.certificate.
	KeySource *KeySourceConfig `yaml:"keySource,omitempty" json:"keySource,omitempty"`

	// Policy adds CEL rules to peer verification.
	Policy *policy.Config `yaml:"policy,omitempty" json:"policy,omitempty"`

	Logging observability.LogConfig    `yaml:"logging" json:"logging"`
	Tracing observability.TracerConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig              `yaml:"metrics" json:"metrics"`
}

// ServerConfig configures the listener.
type ServerConfig struct {
	// Listen is the TCP address to accept on.
	Listen string `yaml:"listen,omitempty" json:"listen,omitempty"`

	// HandshakeTimeout bounds the handshake of each connection.
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout,omitempty" json:"handshakeTimeout,omitempty"`

	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration `yaml:"idleTimeout,omitempty" json:"idleTimeout,omitempty"`

	// PollInterval is the socket read deadline after which a read reports
	// WantRead and the server rechecks its deadlines.
	PollInterval time.Duration `yaml:"pollInterval,omitempty" json:"pollInterval,omitempty"`

	// MaxConnections caps concurrent connections. Zero means no limit.
	MaxConnections int `yaml:"maxConnections,omitempty" json:"maxConnections,omitempty"`

	// RateLimit limits the rate of new handshakes.
	RateLimit *RateLimitConfig `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`

	// OCSPResponseFile is a DER OCSP response stapled to every handshake
	// that requests one.
	OCSPResponseFile string `yaml:"ocspResponseFile,omitempty" json:"ocspResponseFile,omitempty"`
}

// RateLimitConfig configures handshake admission.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// RPS is the sustained number of handshakes per second.
	RPS float64 `yaml:"rps" json:"rps"`

	// Burst is the number of handshakes admitted at once.
	Burst int `yaml:"burst" json:"burst"`
}

// ClientConfig configures the probe.
type ClientConfig struct {
	// Address is host:port of the server.
	Address string `yaml:"address,omitempty" json:"address,omitempty"`

	// ServerName is sent as SNI. Empty uses the host part of Address.
	ServerName string `yaml:"serverName,omitempty" json:"serverName,omitempty"`

	// Timeout bounds dialing plus the handshake.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// RequestOCSP asks the server for a stapled OCSP response.
	RequestOCSP bool `yaml:"requestOCSP,omitempty" json:"requestOCSP,omitempty"`
}

// KeySourceConfig selects where certificate and key come from.
type KeySourceConfig struct {
	// Type is file or vault.
	Type string `yaml:"type" json:"type"`

	File  *keysource.FileConfig  `yaml:"file,omitempty" json:"file,omitempty"`
	Vault *keysource.VaultConfig `yaml:"vault,omitempty" json:"vault,omitempty"`

	// WatchInterval is how often the source is polled for new material.
	// Zero disables polling.
	WatchInterval time.Duration `yaml:"watchInterval,omitempty" json:"watchInterval,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address,omitempty" json:"address,omitempty"`
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
}

// DefaultConfig returns a configuration with defaults applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.TLS == nil {
		c.TLS = ssl.DefaultContextConfig()
	}
	if c.Server != nil {
		c.Server.SetDefaults()
	}
	if c.Client != nil && c.Client.Timeout == 0 {
		c.Client.Timeout = DefaultClientTimeout
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "avatls"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = DefaultMetricsAddress
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// SetDefaults fills unset server fields.
func (s *ServerConfig) SetDefaults() {
	if s.Listen == "" {
		s.Listen = DefaultListenAddress
	}
	if s.HandshakeTimeout == 0 {
		s.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.PollInterval == 0 {
		s.PollInterval = DefaultPollInterval
	}
}

// WatchedPaths returns the files whose content the configuration depends on:
// certificates, keys and trust anchors named by path.
func (c *Config) WatchedPaths() []string {
	var paths []string
	add := func(p ...string) {
		for _, s := range p {
			if s != "" {
				paths = append(paths, s)
			}
		}
	}

	if c.TLS != nil {
		if cc := c.TLS.Certificate; cc != nil && cc.Source != ssl.CertificateSourceInline {
			add(cc.CertFile, cc.KeyFile)
		}
		if vc := c.TLS.Verify; vc != nil {
			add(vc.CAFile, vc.ClientCAFile)
		}
	}
	if ks := c.KeySource; ks != nil && ks.Type == KeySourceFile && ks.File != nil {
		add(ks.File.Paths()...)
	}
	if c.Server != nil {
		add(c.Server.OCSPResponseFile)
	}
	return paths
}
