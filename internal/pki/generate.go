package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // RFC 5280 key identifier method 1
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// generateSerialNumber creates a random serial number of at most 128 bits.
// Zero is not a valid serial number, so it is replaced by 1.
func generateSerialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)

	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate random serial number: %w", err)
	}

	if serial.Sign() == 0 {
		serial = big.NewInt(1)
	}

	return serial, nil
}

// generateSubjectKeyID computes the SHA-1 of the PKIX encoded public key.
func generateSubjectKeyID(publicKey crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key to PKIX format: %w", err)
	}

	if len(der) == 0 {
		return nil, errors.New("public key is empty")
	}

	sum := sha1.Sum(der) //nolint:gosec // see import
	return sum[:], nil
}

// CertificateOption configures IssueCertificate.
type CertificateOption func(*certificateOptions)

type certificateOptions struct {
	commonName   string
	organization []string
	hosts        []string
	validFrom    time.Time
	validFor     time.Duration
	isCA         bool
	maxPathLen   int
	extKeyUsage  []x509.ExtKeyUsage
	digest       string
}

// WithCommonName sets the subject common name.
func WithCommonName(cn string) CertificateOption {
	return func(o *certificateOptions) {
		o.commonName = cn
	}
}

// WithOrganization sets the subject organization.
func WithOrganization(org ...string) CertificateOption {
	return func(o *certificateOptions) {
		o.organization = org
	}
}

// WithHosts sets the subject alternative names.
func WithHosts(hosts ...string) CertificateOption {
	return func(o *certificateOptions) {
		o.hosts = hosts
	}
}

// WithValidity sets the validity window.
func WithValidity(from time.Time, validFor time.Duration) CertificateOption {
	return func(o *certificateOptions) {
		o.validFrom = from
		o.validFor = validFor
	}
}

// WithCA marks the issued certificate as a CA with the given path length
// constraint (negative for none).
func WithCA(maxPathLen int) CertificateOption {
	return func(o *certificateOptions) {
		o.isCA = true
		o.maxPathLen = maxPathLen
	}
}

// WithExtKeyUsage sets the extended key usages.
func WithExtKeyUsage(usages ...x509.ExtKeyUsage) CertificateOption {
	return func(o *certificateOptions) {
		o.extKeyUsage = usages
	}
}

// WithDigest sets the signature digest.
func WithDigest(digest string) CertificateOption {
	return func(o *certificateOptions) {
		o.digest = digest
	}
}

// IssueCertificate creates and signs a certificate for subjectKey. A nil
// issuer produces a self-signed certificate, in which case issuerKey must be
// the subject's private key.
func IssueCertificate(subjectKey KeyHolder, issuer *Certificate, issuerKey *PrivateKey, opts ...CertificateOption) (*Certificate, error) {
	o := &certificateOptions{
		commonName:   "avatls",
		organization: []string{"avatls"},
		validFrom:    time.Now(),
		validFor:     365 * 24 * time.Hour,
		maxPathLen:   -1,
		extKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		digest:       "sha256",
	}
	for _, opt := range opts {
		opt(o)
	}

	cert, err := NewCertificate()
	if err != nil {
		return nil, err
	}

	steps := []func() error{
		func() error {
			return cert.SetSubject(pkix.Name{CommonName: o.commonName, Organization: o.organization})
		},
		func() error { return cert.SetPublicKey(subjectKey) },
		func() error { return cert.SetNotBefore(o.validFrom.Add(-5 * time.Minute)) },
		func() error { return cert.SetNotAfter(o.validFrom.Add(o.validFor)) },
		func() error { return cert.SetSubjectAltNames(o.hosts...) },
		func() error { return cert.SetCA(o.isCA, o.maxPathLen) },
		func() error {
			if o.isCA {
				return nil
			}
			return cert.SetExtKeyUsage(o.extKeyUsage...)
		},
		func() error { return cert.Sign(issuer, issuerKey, o.digest) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			_ = cert.Free()
			return nil, err
		}
	}

	return cert, nil
}
