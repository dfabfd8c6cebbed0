package keysource

import (
	"context"

	"go.uber.org/multierr"

	"github.com/vyrodovalexey/avatls/internal/pki"
	"github.com/vyrodovalexey/avatls/internal/ssl"
	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

// Material is a private key with its certificate and chain. The caller owns
// one reference to each object and releases them with Free.
type Material struct {
	Key         *pki.PrivateKey
	Certificate *pki.Certificate
	Chain       []*pki.Certificate

	// Version identifies the revision the material was read from. It is the
	// KV v2 version for Vault and a content digest otherwise.
	Version string
}

// Free drops the material's references.
func (m *Material) Free() error {
	if m == nil {
		return nil
	}
	var err error
	if m.Key != nil {
		err = multierr.Append(err, m.Key.Free())
	}
	if m.Certificate != nil {
		err = multierr.Append(err, m.Certificate.Free())
	}
	for _, c := range m.Chain {
		err = multierr.Append(err, c.Free())
	}
	return err
}

// Check verifies that the key belongs to the certificate.
func (m *Material) Check() error {
	if m.Key == nil || m.Certificate == nil {
		return sslerr.NewConfigurationError("material", "key and certificate are required")
	}
	if !m.Key.Matches(m.Certificate) {
		return sslerr.NewKeyMismatchError(m.Certificate.Subject().String())
	}
	return nil
}

// Source loads key material.
type Source interface {
	// Name describes the source in logs.
	Name() string

	// Load reads the current material.
	Load(ctx context.Context) (*Material, error)
}

// Apply installs m as the certificate, chain and key of tlsCtx.
func Apply(tlsCtx *ssl.Context, m *Material) error {
	if err := m.Check(); err != nil {
		return err
	}
	certs := append([]*pki.Certificate{m.Certificate}, m.Chain...)
	if err := tlsCtx.UseCertificateChain(certs...); err != nil {
		return err
	}
	if err := tlsCtx.UsePrivateKey(m.Key); err != nil {
		return err
	}
	return tlsCtx.CheckPrivateKey()
}

// LoadInto loads material from src and applies it to tlsCtx. The context
// keeps its own references; the loaded material is released before return.
func LoadInto(ctx context.Context, src Source, tlsCtx *ssl.Context) (err error) {
	m, err := src.Load(ctx)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, m.Free()) }()
	return Apply(tlsCtx, m)
}

// splitBundle turns a parsed PEM bundle into material: the first certificate
// is the leaf, the rest plus extra form the chain.
func splitBundle(key *pki.PrivateKey, certs, extra []*pki.Certificate) *Material {
	m := &Material{Key: key}
	if len(certs) > 0 {
		m.Certificate = certs[0]
		m.Chain = append(m.Chain, certs[1:]...)
	}
	m.Chain = append(m.Chain, extra...)
	return m
}
