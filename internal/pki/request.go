package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"sync"

	"github.com/vyrodovalexey/avatls/internal/handle"
	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

type requestData struct {
	mu     sync.RWMutex
	tmpl   *x509.CertificateRequest
	signed *x509.CertificateRequest
}

// CertificateRequest is a PKCS#10 certificate signing request.
type CertificateRequest struct {
	h *handle.Handle[*requestData]
}

// NewCertificateRequest returns an empty, unsigned request.
func NewCertificateRequest() (*CertificateRequest, error) {
	return newRequest(&requestData{tmpl: &x509.CertificateRequest{}})
}

func newRequest(data *requestData) (*CertificateRequest, error) {
	h, err := handle.Wrap(nil, KindRequest, data, nil)
	if err != nil {
		return nil, err
	}
	return &CertificateRequest{h: h}, nil
}

// LoadCertificateRequest parses a request in PEM or DER form.
func LoadCertificateRequest(data []byte, format Format) (*CertificateRequest, error) {
	if len(data) == 0 {
		return nil, sslerr.NewDecodeError("certificate request", string(format), "empty input")
	}

	der := data
	switch format {
	case FormatPEM:
		block, err := decodePEM("certificate request", data, pemRequest, pemNewRequest)
		if err != nil {
			return nil, err
		}
		der = block.Bytes
	case FormatDER:
	default:
		return nil, sslerr.NewConfigurationError("format", fmt.Sprintf("unsupported format %q", format))
	}

	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, sslerr.NewDecodeErrorWithCause("certificate request", string(format), "malformed request", err)
	}

	tmpl := *csr
	return newRequest(&requestData{tmpl: &tmpl, signed: csr})
}

// Free drops the caller's reference.
func (r *CertificateRequest) Free() error {
	return r.h.Release()
}

// SetSubject sets the subject name.
func (r *CertificateRequest) SetSubject(name pkix.Name) error {
	return r.h.Borrow(func(d *requestData) error {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.tmpl.Subject = name
		d.tmpl.RawSubject = nil
		d.signed = nil
		return nil
	})
}

// SetDNSNames sets the requested DNS subject alternative names.
func (r *CertificateRequest) SetDNSNames(names ...string) error {
	return r.h.Borrow(func(d *requestData) error {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.tmpl.DNSNames = append([]string(nil), names...)
		d.signed = nil
		return nil
	})
}

// Subject returns the subject name.
func (r *CertificateRequest) Subject() pkix.Name {
	var name pkix.Name
	_ = r.h.Borrow(func(d *requestData) error {
		d.mu.RLock()
		defer d.mu.RUnlock()
		name = d.tmpl.Subject
		return nil
	})
	return name
}

// DNSNames returns the requested DNS names.
func (r *CertificateRequest) DNSNames() []string {
	var names []string
	_ = r.h.Borrow(func(d *requestData) error {
		d.mu.RLock()
		defer d.mu.RUnlock()
		names = append(names, d.tmpl.DNSNames...)
		return nil
	})
	return names
}

// Sign signs the request with key, which also becomes its public key.
func (r *CertificateRequest) Sign(key *PrivateKey, digest string) error {
	if key == nil {
		return sslerr.NewConfigurationError("key", "signing key is required")
	}
	sigAlg, err := signatureAlgorithm(key.Kind(), digest)
	if err != nil {
		return err
	}

	return key.Borrow(func(signer crypto.Signer) error {
		return r.h.Borrow(func(d *requestData) error {
			d.mu.Lock()
			defer d.mu.Unlock()

			tmpl := *d.tmpl
			tmpl.SignatureAlgorithm = sigAlg
			tmpl.Raw, tmpl.RawTBSCertificateRequest, tmpl.RawSubjectPublicKeyInfo = nil, nil, nil

			der, err := x509.CreateCertificateRequest(rand.Reader, &tmpl, signer)
			if err != nil {
				return sslerr.NewConfigurationErrorWithCause("certificate_request", "failed to sign request", err)
			}
			csr, err := x509.ParseCertificateRequest(der)
			if err != nil {
				return sslerr.NewDecodeErrorWithCause("certificate request", string(FormatDER), "signed request does not parse", err)
			}

			signedTmpl := *csr
			d.tmpl = &signedTmpl
			d.signed = csr
			return nil
		})
	})
}

// Verify checks the request's self-signature.
func (r *CertificateRequest) Verify() error {
	return r.h.Borrow(func(d *requestData) error {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if d.signed == nil {
			return fmt.Errorf("certificate request is not signed: %w", sslerr.ErrInvalidState)
		}
		if err := d.signed.CheckSignature(); err != nil {
			return sslerr.NewDecodeErrorWithCause("certificate request", "", "bad signature", err)
		}
		return nil
	})
}

// PublicKey returns the requested public key.
func (r *CertificateRequest) PublicKey() (*PublicKey, error) {
	var pub *PublicKey
	err := r.h.Borrow(func(d *requestData) error {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if d.tmpl.PublicKey == nil {
			return sslerr.NewConfigurationError("public_key", "request has no public key")
		}
		pub = &PublicKey{key: d.tmpl.PublicKey}
		return nil
	})
	return pub, err
}

// Dump serializes the signed request.
func (r *CertificateRequest) Dump(format Format) ([]byte, error) {
	var out []byte
	err := r.h.Borrow(func(d *requestData) error {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if d.signed == nil {
			return fmt.Errorf("certificate request is not signed: %w", sslerr.ErrInvalidState)
		}
		switch format {
		case FormatDER:
			out = append([]byte(nil), d.signed.Raw...)
		case FormatPEM:
			out = encodePEM(pemRequest, d.signed.Raw)
		default:
			return sslerr.NewConfigurationError("format", fmt.Sprintf("unsupported format %q", format))
		}
		return nil
	})
	return out, err
}

// IssueFromRequest signs a certificate for a verified request.
func IssueFromRequest(req *CertificateRequest, issuer *Certificate, issuerKey *PrivateKey, opts ...CertificateOption) (*Certificate, error) {
	if err := req.Verify(); err != nil {
		return nil, err
	}
	subject := req.Subject()
	opts = append([]CertificateOption{
		WithCommonName(subject.CommonName),
		WithOrganization(subject.Organization...),
		WithHosts(req.DNSNames()...),
	}, opts...)
	return IssueCertificate(req, issuer, issuerKey, opts...)
}
