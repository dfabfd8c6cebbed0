package pki

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/mail"
	"net/url"
	"sync"
	"time"

	"github.com/vyrodovalexey/avatls/internal/handle"
	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

var (
	// ErrCertificateInUse is returned by mutators once a handshake that uses
	// the certificate has begun.
	ErrCertificateInUse = fmt.Errorf("certificate consumed by a handshake: %w", sslerr.ErrInvalidState)

	// ErrNotSigned is returned when a serialized form is requested for a
	// certificate that was mutated or never signed.
	ErrNotSigned = fmt.Errorf("certificate is not signed: %w", sslerr.ErrInvalidState)
)

// certData is the engine state behind a Certificate. tmpl always holds the
// current field values; signed is nil until the fields are signed.
type certData struct {
	mu     sync.RWMutex
	tmpl   *x509.Certificate
	signed *x509.Certificate
	inUse  bool
}

// Certificate is an X.509 certificate owned through an engine handle.
type Certificate struct {
	h *handle.Handle[*certData]
}

// NewCertificate returns an unsigned certificate with a random serial number
// and a one year validity starting now.
func NewCertificate() (*Certificate, error) {
	serial, err := generateSerialNumber()
	if err != nil {
		return nil, sslerr.NewAllocationError(KindCertificate, err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		Version:               3,
		SerialNumber:          serial,
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	return newCertificate(&certData{tmpl: tmpl})
}

// FromX509 places an already parsed certificate under a handle.
func FromX509(cert *x509.Certificate) (*Certificate, error) {
	if cert == nil {
		return nil, sslerr.NewAllocationError(KindCertificate, nil)
	}
	return newCertificate(&certData{tmpl: cloneTemplate(cert), signed: cert})
}

func newCertificate(data *certData) (*Certificate, error) {
	h, err := handle.Wrap(nil, KindCertificate, data, nil)
	if err != nil {
		return nil, err
	}
	return &Certificate{h: h}, nil
}

// LoadCertificate parses a single certificate.
func LoadCertificate(data []byte, format Format) (*Certificate, error) {
	if len(data) == 0 {
		return nil, sslerr.NewDecodeError("certificate", string(format), "empty input")
	}

	der := data
	switch format {
	case FormatPEM:
		block, err := decodePEM("certificate", data, pemCertificate, pemTrustedCertificate)
		if err != nil {
			return nil, err
		}
		der = block.Bytes
	case FormatDER:
	default:
		return nil, sslerr.NewConfigurationError("format", fmt.Sprintf("unsupported format %q", format))
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, sslerr.NewDecodeErrorWithCause("certificate", string(format), "malformed certificate", err)
	}

	return FromX509(cert)
}

// LoadCertificates parses every CERTIFICATE block of a PEM bundle.
func LoadCertificates(data []byte) ([]*Certificate, error) {
	var certs []*Certificate
	rest := data
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != pemCertificate && block.Type != pemTrustedCertificate {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			freeAll(certs)
			return nil, sslerr.NewDecodeErrorWithCause("certificate", string(FormatPEM), "malformed certificate", err)
		}
		c, err := FromX509(cert)
		if err != nil {
			freeAll(certs)
			return nil, err
		}
		certs = append(certs, c)
	}

	if len(certs) == 0 {
		return nil, sslerr.NewDecodeError("certificate", string(FormatPEM), "no certificates found in PEM data")
	}
	return certs, nil
}

func freeAll(certs []*Certificate) {
	for _, c := range certs {
		_ = c.Free()
	}
}

// Retain adds an owning reference for a new holder.
func (c *Certificate) Retain() error {
	return c.h.Retain()
}

// Free drops the caller's reference.
func (c *Certificate) Free() error {
	return c.h.Release()
}

// Borrow runs fn with the signed certificate pinned.
func (c *Certificate) Borrow(fn func(*x509.Certificate) error) error {
	return c.h.Borrow(func(d *certData) error {
		d.mu.RLock()
		signed := d.signed
		d.mu.RUnlock()
		if signed == nil {
			return ErrNotSigned
		}
		return fn(signed)
	})
}

// X509 returns the signed certificate, or nil when unsigned or released.
func (c *Certificate) X509() *x509.Certificate {
	var out *x509.Certificate
	_ = c.Borrow(func(cert *x509.Certificate) error {
		out = cert
		return nil
	})
	return out
}

// MarkInUse seals the certificate against further mutation. It is called
// when a handshake that presents the certificate begins.
func (c *Certificate) MarkInUse() {
	_ = c.h.Borrow(func(d *certData) error {
		d.mu.Lock()
		d.inUse = true
		d.mu.Unlock()
		return nil
	})
}

// InUse reports whether a handshake has consumed the certificate.
func (c *Certificate) InUse() bool {
	var inUse bool
	_ = c.h.Borrow(func(d *certData) error {
		d.mu.RLock()
		inUse = d.inUse
		d.mu.RUnlock()
		return nil
	})
	return inUse
}

// read runs fn against the current field values.
func (c *Certificate) read(fn func(t *x509.Certificate)) {
	_ = c.h.Borrow(func(d *certData) error {
		d.mu.RLock()
		defer d.mu.RUnlock()
		fn(d.tmpl)
		return nil
	})
}

// mutate applies fn to the field values and drops the signature.
func (c *Certificate) mutate(fn func(t *x509.Certificate) error) error {
	return c.h.Borrow(func(d *certData) error {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.inUse {
			return ErrCertificateInUse
		}
		if err := fn(d.tmpl); err != nil {
			return err
		}
		d.signed = nil
		return nil
	})
}

// SetSubject sets the subject name.
func (c *Certificate) SetSubject(name pkix.Name) error {
	return c.mutate(func(t *x509.Certificate) error {
		t.Subject = name
		return nil
	})
}

// SetSerialNumber sets the serial number. It must be positive.
func (c *Certificate) SetSerialNumber(serial *big.Int) error {
	if serial == nil || serial.Sign() <= 0 {
		return sslerr.NewConfigurationError("serial_number", "serial number must be positive")
	}
	return c.mutate(func(t *x509.Certificate) error {
		t.SerialNumber = new(big.Int).Set(serial)
		return nil
	})
}

// SetNotBefore sets the start of the validity period.
func (c *Certificate) SetNotBefore(at time.Time) error {
	return c.mutate(func(t *x509.Certificate) error {
		t.NotBefore = at
		return nil
	})
}

// SetNotAfter sets the end of the validity period.
func (c *Certificate) SetNotAfter(at time.Time) error {
	return c.mutate(func(t *x509.Certificate) error {
		t.NotAfter = at
		return nil
	})
}

// SetPublicKey sets the subject public key.
func (c *Certificate) SetPublicKey(holder KeyHolder) error {
	if holder == nil {
		return sslerr.NewConfigurationError("public_key", "public key is required")
	}
	pub, err := holder.PublicKey()
	if err != nil {
		return err
	}
	return c.mutate(func(t *x509.Certificate) error {
		t.PublicKey = pub.Crypto()
		t.SubjectKeyId = nil
		return nil
	})
}

// SetSubjectAltNames sets the subject alternative names. Each host is
// classified as an IP address, e-mail address, URI or DNS name.
func (c *Certificate) SetSubjectAltNames(hosts ...string) error {
	return c.mutate(func(t *x509.Certificate) error {
		t.DNSNames, t.IPAddresses, t.EmailAddresses, t.URIs = nil, nil, nil, nil
		for _, host := range hosts {
			if ip := net.ParseIP(host); ip != nil {
				t.IPAddresses = append(t.IPAddresses, ip)
			} else if email, err := mail.ParseAddress(host); err == nil && email.Address == host {
				t.EmailAddresses = append(t.EmailAddresses, host)
			} else if u, err := url.Parse(host); err == nil && u.Scheme != "" && u.Host != "" {
				t.URIs = append(t.URIs, u)
			} else {
				t.DNSNames = append(t.DNSNames, host)
			}
		}
		return nil
	})
}

// SetCA marks the certificate as a CA. maxPathLen < 0 leaves the path
// length unconstrained.
func (c *Certificate) SetCA(isCA bool, maxPathLen int) error {
	return c.mutate(func(t *x509.Certificate) error {
		t.BasicConstraintsValid = true
		t.IsCA = isCA
		if isCA {
			t.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
			t.MaxPathLen = maxPathLen
			t.MaxPathLenZero = maxPathLen == 0
		} else {
			t.KeyUsage &^= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
			t.MaxPathLen = 0
			t.MaxPathLenZero = false
		}
		return nil
	})
}

// SetExtKeyUsage sets the extended key usages.
func (c *Certificate) SetExtKeyUsage(usages ...x509.ExtKeyUsage) error {
	return c.mutate(func(t *x509.Certificate) error {
		t.ExtKeyUsage = append([]x509.ExtKeyUsage(nil), usages...)
		return nil
	})
}

// Sign signs the current field values with key. A nil issuer (or the
// certificate itself) produces a self-signed certificate. digest is ignored
// for Ed25519 keys.
func (c *Certificate) Sign(issuer *Certificate, key *PrivateKey, digest string) error {
	if key == nil {
		return sslerr.NewConfigurationError("key", "signing key is required")
	}
	if issuer == c {
		issuer = nil
	}

	var parent *x509.Certificate
	if issuer != nil {
		parent = issuer.X509()
		if parent == nil {
			return fmt.Errorf("issuer: %w", ErrNotSigned)
		}
	}

	return key.Borrow(func(signer crypto.Signer) error {
		sigAlg, err := signatureAlgorithm(key.Kind(), digest)
		if err != nil {
			return err
		}

		return c.h.Borrow(func(d *certData) error {
			d.mu.Lock()
			defer d.mu.Unlock()
			if d.inUse {
				return ErrCertificateInUse
			}

			tmpl := d.tmpl
			if tmpl.PublicKey == nil {
				if issuer != nil {
					return sslerr.NewConfigurationError("public_key", "subject public key is not set")
				}
				tmpl.PublicKey = signer.Public()
			}
			if tmpl.SerialNumber == nil {
				serial, err := generateSerialNumber()
				if err != nil {
					return err
				}
				tmpl.SerialNumber = serial
			}
			if len(tmpl.SubjectKeyId) == 0 {
				ski, err := generateSubjectKeyID(tmpl.PublicKey)
				if err != nil {
					return err
				}
				tmpl.SubjectKeyId = ski
			}
			tmpl.SignatureAlgorithm = sigAlg

			p := parent
			if p == nil {
				p = tmpl
			}

			der, err := x509.CreateCertificate(rand.Reader, tmpl, p, tmpl.PublicKey, signer)
			if err != nil {
				return sslerr.NewConfigurationErrorWithCause("certificate", "failed to sign certificate", err)
			}
			signed, err := x509.ParseCertificate(der)
			if err != nil {
				return sslerr.NewDecodeErrorWithCause("certificate", string(FormatDER), "signed certificate does not parse", err)
			}

			d.signed = signed
			d.tmpl = cloneTemplate(signed)
			return nil
		})
	})
}

// Dump serializes the signed certificate.
func (c *Certificate) Dump(format Format) ([]byte, error) {
	var out []byte
	err := c.Borrow(func(cert *x509.Certificate) error {
		switch format {
		case FormatDER:
			out = append([]byte(nil), cert.Raw...)
		case FormatPEM:
			out = encodePEM(pemCertificate, cert.Raw)
		default:
			return sslerr.NewConfigurationError("format", fmt.Sprintf("unsupported format %q", format))
		}
		return nil
	})
	return out, err
}

// Fingerprint returns the digest of the DER encoding.
func (c *Certificate) Fingerprint(digest string) ([]byte, error) {
	var sum []byte
	err := c.Borrow(func(cert *x509.Certificate) error {
		var err error
		sum, err = digestSum(digest, cert.Raw)
		return err
	})
	return sum, err
}

// Equal reports whether both certificates have the same DER encoding.
func (c *Certificate) Equal(other *Certificate) bool {
	if c == nil || other == nil {
		return false
	}
	a, b := c.X509(), other.X509()
	return a != nil && b != nil && a.Equal(b)
}

// PublicKey returns the subject public key.
func (c *Certificate) PublicKey() (*PublicKey, error) {
	var pub *PublicKey
	err := c.h.Borrow(func(d *certData) error {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if d.tmpl.PublicKey == nil {
			return sslerr.NewConfigurationError("public_key", "certificate has no public key")
		}
		pub = &PublicKey{key: d.tmpl.PublicKey}
		return nil
	})
	return pub, err
}

// Subject returns the subject name.
func (c *Certificate) Subject() pkix.Name {
	var name pkix.Name
	c.read(func(t *x509.Certificate) { name = t.Subject })
	return name
}

// Issuer returns the issuer name.
func (c *Certificate) Issuer() pkix.Name {
	var name pkix.Name
	c.read(func(t *x509.Certificate) { name = t.Issuer })
	return name
}

// SerialNumber returns a copy of the serial number.
func (c *Certificate) SerialNumber() *big.Int {
	var serial *big.Int
	c.read(func(t *x509.Certificate) {
		if t.SerialNumber != nil {
			serial = new(big.Int).Set(t.SerialNumber)
		}
	})
	return serial
}

// NotBefore returns the start of the validity period.
func (c *Certificate) NotBefore() time.Time {
	var at time.Time
	c.read(func(t *x509.Certificate) { at = t.NotBefore })
	return at
}

// NotAfter returns the end of the validity period.
func (c *Certificate) NotAfter() time.Time {
	var at time.Time
	c.read(func(t *x509.Certificate) { at = t.NotAfter })
	return at
}

// HasExpired reports whether the validity period ended before now.
func (c *Certificate) HasExpired() bool {
	return time.Now().After(c.NotAfter())
}

// IsCA reports whether the basic constraints mark a CA.
func (c *Certificate) IsCA() bool {
	var isCA bool
	c.read(func(t *x509.Certificate) { isCA = t.BasicConstraintsValid && t.IsCA })
	return isCA
}

// DNSNames returns the DNS subject alternative names.
func (c *Certificate) DNSNames() []string {
	var names []string
	c.read(func(t *x509.Certificate) { names = append(names, t.DNSNames...) })
	return names
}

// Version returns the X.509 version (1, 2 or 3).
func (c *Certificate) Version() int {
	var v int
	c.read(func(t *x509.Certificate) { v = t.Version })
	return v
}

// SignatureAlgorithm returns the name of the signature algorithm.
func (c *Certificate) SignatureAlgorithm() string {
	var alg string
	c.read(func(t *x509.Certificate) { alg = t.SignatureAlgorithm.String() })
	return alg
}

// Extensions returns the raw extensions of the signed certificate.
func (c *Certificate) Extensions() []pkix.Extension {
	var exts []pkix.Extension
	c.read(func(t *x509.Certificate) { exts = append(exts, t.Extensions...) })
	return exts
}

// IsSelfSigned reports whether the certificate is signed by its own key.
func (c *Certificate) IsSelfSigned() bool {
	cert := c.X509()
	if cert == nil {
		return false
	}
	return IsSelfSigned(cert)
}

// IsSelfSigned reports whether cert names itself as issuer and carries a
// valid signature from its own key. The CA flag is not consulted.
func IsSelfSigned(cert *x509.Certificate) bool {
	if cert == nil || !bytes.Equal(cert.RawIssuer, cert.RawSubject) {
		return false
	}
	return cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}

func signatureAlgorithm(kind KeyKind, digest string) (x509.SignatureAlgorithm, error) {
	if kind == KeyEd25519 {
		return x509.PureEd25519, nil
	}
	if digest == "" {
		digest = "sha256"
	}
	h, err := DigestByName(digest)
	if err != nil {
		return x509.UnknownSignatureAlgorithm, err
	}

	switch {
	case kind == KeyRSA && h == crypto.SHA256:
		return x509.SHA256WithRSA, nil
	case kind == KeyRSA && h == crypto.SHA384:
		return x509.SHA384WithRSA, nil
	case kind == KeyRSA && h == crypto.SHA512:
		return x509.SHA512WithRSA, nil
	case kind == KeyEC && h == crypto.SHA256:
		return x509.ECDSAWithSHA256, nil
	case kind == KeyEC && h == crypto.SHA384:
		return x509.ECDSAWithSHA384, nil
	case kind == KeyEC && h == crypto.SHA512:
		return x509.ECDSAWithSHA512, nil
	default:
		return x509.UnknownSignatureAlgorithm, sslerr.NewConfigurationError("digest",
			fmt.Sprintf("digest %q cannot sign with %s keys", digest, kind))
	}
}

// cloneTemplate copies the fields CreateCertificate consumes.
func cloneTemplate(cert *x509.Certificate) *x509.Certificate {
	tmpl := *cert
	tmpl.Raw = nil
	tmpl.RawTBSCertificate = nil
	tmpl.RawSubjectPublicKeyInfo = nil
	tmpl.RawSubject = nil
	tmpl.RawIssuer = nil
	tmpl.Signature = nil
	return &tmpl
}
