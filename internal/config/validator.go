package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "no validation errors"
	case 1:
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

// HasPath reports whether an error was recorded for path.
func (e ValidationErrors) HasPath(path string) bool {
	for i := range e {
		if e[i].Path == path {
			return true
		}
	}
	return false
}

// Validator collects every problem in a configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateConfig validates cfg.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

// Validate returns ValidationErrors listing every problem, or nil.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = nil

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateServer(cfg.Server)
	v.validateClient(cfg.Client)
	v.validateTLS(cfg)
	v.validateKeySource(cfg.KeySource)
	if err := cfg.Policy.Validate(); err != nil {
		v.addError("policy", err.Error())
	}
	v.validateObservability(cfg)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}

func (v *Validator) validateServer(s *ServerConfig) {
	if s == nil {
		return
	}
	if s.Listen == "" {
		v.addError("server.listen", "listen address is required")
	}
	if s.HandshakeTimeout < 0 {
		v.addError("server.handshakeTimeout", "must not be negative")
	}
	if s.IdleTimeout < 0 {
		v.addError("server.idleTimeout", "must not be negative")
	}
	if s.PollInterval < 0 {
		v.addError("server.pollInterval", "must not be negative")
	}
	if s.MaxConnections < 0 {
		v.addError("server.maxConnections", "must not be negative")
	}
	if rl := s.RateLimit; rl != nil && rl.Enabled {
		if rl.RPS <= 0 {
			v.addError("server.rateLimit.rps", "must be positive")
		}
		if rl.Burst < 1 {
			v.addError("server.rateLimit.burst", "must be at least 1")
		}
	}
}

func (v *Validator) validateClient(c *ClientConfig) {
	if c == nil {
		return
	}
	if c.Timeout < 0 {
		v.addError("client.timeout", "must not be negative")
	}
}

func (v *Validator) validateTLS(cfg *Config) {
	if cfg.TLS == nil {
		return
	}
	if err := cfg.TLS.Validate(); err != nil {
		v.addError("tls", err.Error())
	}
	if cfg.TLS.Certificate != nil && cfg.KeySource != nil {
		v.addError("keySource", "tls.certificate and keySource are mutually exclusive")
	}
}

func (v *Validator) validateKeySource(ks *KeySourceConfig) {
	if ks == nil {
		return
	}
	if ks.WatchInterval < 0 {
		v.addError("keySource.watchInterval", "must not be negative")
	}

	switch ks.Type {
	case KeySourceFile:
		if ks.File == nil {
			v.addError("keySource.file", "file settings are required for type file")
			return
		}
		if err := ks.File.Validate(); err != nil {
			v.addError("keySource.file", err.Error())
		}
	case KeySourceVault:
		if ks.Vault == nil {
			v.addError("keySource.vault", "vault settings are required for type vault")
			return
		}
		if err := ks.Vault.Validate(); err != nil {
			v.addError("keySource.vault", err.Error())
		}
	case "":
		v.addError("keySource.type", "type is required")
	default:
		v.addError("keySource.type", fmt.Sprintf("unknown type %q (must be file or vault)", ks.Type))
	}
}

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"json": true, "console": true}
)

func (v *Validator) validateObservability(cfg *Config) {
	if !validLogLevels[strings.ToLower(cfg.Logging.Level)] {
		v.addError("logging.level", fmt.Sprintf("invalid level %q", cfg.Logging.Level))
	}
	if !validLogFormats[cfg.Logging.Format] {
		v.addError("logging.format", fmt.Sprintf("invalid format %q", cfg.Logging.Format))
	}

	if cfg.Tracing.SamplingRate < 0 || cfg.Tracing.SamplingRate > 1 {
		v.addError("tracing.samplingRate", "must be between 0 and 1")
	}
	if cfg.Tracing.Enabled && cfg.Tracing.OTLPEndpoint == "" {
		v.addError("tracing.otlpEndpoint", "endpoint is required when tracing is enabled")
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Address == "" {
			v.addError("metrics.address", "address is required when metrics are enabled")
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			v.addError("metrics.path", "path must start with /")
		}
	}
}
