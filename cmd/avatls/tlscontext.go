package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/handle"
	"github.com/vyrodovalexey/avatls/internal/keysource"
	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/ocspstaple"
	"github.com/vyrodovalexey/avatls/internal/pki"
	"github.com/vyrodovalexey/avatls/internal/policy"
	"github.com/vyrodovalexey/avatls/internal/ssl"
)

// telemetry bundles the per-process observability components.
type telemetry struct {
	logger        observability.Logger
	tracer        *observability.Tracer
	arena         *handle.Arena
	sslMetrics    *ssl.Metrics
	policyMetrics *policy.Metrics
	ksMetrics     *keysource.Metrics
	registry      *prometheus.Registry
}

func newTelemetry(ctx context.Context, cfg *config.Config, logger observability.Logger) (*telemetry, error) {
	tracer, err := observability.NewTracer(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	registry := prometheus.NewRegistry()
	return &telemetry{
		logger:        logger,
		tracer:        tracer,
		arena:         handle.NewArena(handle.WithMetrics(handle.NewMetrics("avatls", registry))),
		sslMetrics:    ssl.NewMetrics("avatls"),
		policyMetrics: policy.NewMetrics("avatls"),
		ksMetrics:     keysource.NewMetrics("avatls"),
		registry:      registry,
	}, nil
}

// gatherers returns every registry the process exposes.
func (t *telemetry) gatherers(extra ...prometheus.Gatherer) prometheus.Gatherers {
	g := prometheus.Gatherers{t.registry, t.sslMetrics.Registry(), t.policyMetrics.Registry(), t.ksMetrics.Registry()}
	return append(g, extra...)
}

func (t *telemetry) contextOptions() []ssl.ContextOption {
	return []ssl.ContextOption{
		ssl.WithArena(t.arena),
		ssl.WithLogger(t.logger),
		ssl.WithMetrics(t.sslMetrics),
		ssl.WithTracer(t.tracer),
	}
}

// newKeySource creates the configured key source, or nil when certificates
// come from the tls section.
func (t *telemetry) newKeySource(cfg *config.KeySourceConfig) (keysource.Source, error) {
	if cfg == nil {
		return nil, nil
	}
	switch cfg.Type {
	case config.KeySourceFile:
		return keysource.NewFileSource(*cfg.File, t.logger)
	case config.KeySourceVault:
		return keysource.NewVaultSource(*cfg.Vault,
			keysource.WithLogger(t.logger),
			keysource.WithMetrics(t.ksMetrics),
		)
	default:
		return nil, fmt.Errorf("unknown key source type %q", cfg.Type)
	}
}

// builtContext is a configured context plus the leaf certificate it
// presents. Both hold one reference owned by the receiver.
type builtContext struct {
	ctx  *ssl.Context
	leaf *pki.Certificate
}

func (b *builtContext) free() error {
	if b == nil {
		return nil
	}
	var err error
	if b.ctx != nil {
		err = multierr.Append(err, b.ctx.Free())
	}
	if b.leaf != nil {
		err = multierr.Append(err, b.leaf.Free())
	}
	return err
}

// buildContext creates a context from cfg. Key material comes from m when
// given, then from src, then from tls.certificate. A CEL policy becomes the
// verify callback and a configured OCSP response is stapled.
func (t *telemetry) buildContext(ctx context.Context, cfg *config.Config, method string, src keysource.Source, m *keysource.Material) (b *builtContext, err error) {
	tlsCfg := *cfg.TLS
	if method != "" && (tlsCfg.Method == "" || tlsCfg.Method == "any") {
		tlsCfg.Method = method
	}
	if src != nil || m != nil {
		tlsCfg.Certificate = nil
	}

	tlsCtx, err := ssl.NewContextFromConfig(&tlsCfg, t.contextOptions()...)
	if err != nil {
		return nil, err
	}
	b = &builtContext{ctx: tlsCtx}
	defer func() {
		if err != nil {
			err = multierr.Append(err, b.free())
			b = nil
		}
	}()

	if m == nil && src != nil {
		if m, err = src.Load(ctx); err != nil {
			return b, err
		}
		defer func() { err = multierr.Append(err, m.Free()) }()
	}

	var issuer *pki.Certificate
	switch {
	case m != nil:
		if err = keysource.Apply(tlsCtx, m); err != nil {
			return b, err
		}
		if err = m.Certificate.Retain(); err != nil {
			return b, err
		}
		b.leaf = m.Certificate
		if len(m.Chain) > 0 {
			issuer = m.Chain[0]
		}
	case tlsCfg.Certificate != nil:
		certs, lerr := configuredCertificates(tlsCfg.Certificate)
		if lerr != nil {
			return b, lerr
		}
		b.leaf = certs[0]
		if len(certs) > 1 {
			issuer = certs[1]
		}
		defer func() {
			for _, c := range certs[1:] {
				_ = c.Free()
			}
		}()
	}

	if cfg.Policy != nil && len(cfg.Policy.Rules) > 0 {
		engine, perr := policy.NewEngine(cfg.Policy,
			policy.WithLogger(t.logger),
			policy.WithMetrics(t.policyMetrics),
		)
		if perr != nil {
			return b, perr
		}
		if err = tlsCtx.SetVerify(tlsCtx.VerifyMode(), engine.VerifyCallback()); err != nil {
			return b, err
		}
	}

	if cfg.Server != nil && cfg.Server.OCSPResponseFile != "" {
		if err = t.staple(tlsCtx, cfg.Server.OCSPResponseFile, b.leaf, issuer); err != nil {
			return b, err
		}
	}

	if b.leaf != nil {
		t.sslMetrics.UpdateCertificateExpiry(b.leaf.X509(), "server")
	}
	return b, nil
}

// staple installs the OCSP response in path on tlsCtx.
func (t *telemetry) staple(tlsCtx *ssl.Context, path string, leaf, issuer *pki.Certificate) error {
	der, info, err := ocspstaple.Load(path, issuer)
	if err != nil {
		return err
	}
	if leaf != nil && !info.Covers(leaf) {
		t.logger.Warn("ocsp response does not cover the served certificate",
			observability.String("file", path))
	}
	stapler := ocspstaple.NewStapler(t.logger)
	if err := stapler.Set(der, issuer); err != nil {
		return err
	}
	t.logger.Info("ocsp response loaded",
		observability.String("status", info.Status),
		observability.String("next_update", info.NextUpdate.String()),
	)
	return tlsCtx.SetOCSPServerCallback(stapler.ServerCallback(), nil)
}

// configuredCertificates loads the certificate chain named by the tls
// section. The caller owns every returned certificate.
func configuredCertificates(cc *ssl.CertificateConfig) ([]*pki.Certificate, error) {
	data := []byte(cc.CertData)
	if cc.Source != ssl.CertificateSourceInline {
		var err error
		if data, err = os.ReadFile(cc.CertFile); err != nil {
			return nil, fmt.Errorf("read certificate: %w", err)
		}
	}
	return pki.LoadCertificates(data)
}

// chainSummary renders subjects for log output.
func chainSummary(certs []*pki.Certificate) string {
	parts := make([]string, 0, len(certs))
	for _, c := range certs {
		subject := c.Subject()
		parts = append(parts, subject.String())
	}
	return strings.Join(parts, " <- ")
}
