package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/vyrodovalexey/avatls/internal/handle"
	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

// Revoked is one entry of a certificate revocation list.
type Revoked struct {
	SerialNumber *big.Int
	RevokedAt    time.Time
	ReasonCode   int
}

// RevocationList is an X.509 CRL owned through an engine handle.
type RevocationList struct {
	h *handle.Handle[*x509.RevocationList]
}

func newRevocationList(crl *x509.RevocationList) (*RevocationList, error) {
	h, err := handle.Wrap(nil, KindCRL, crl, nil)
	if err != nil {
		return nil, err
	}
	return &RevocationList{h: h}, nil
}

// LoadRevocationList parses a CRL in PEM or DER form.
func LoadRevocationList(data []byte, format Format) (*RevocationList, error) {
	if len(data) == 0 {
		return nil, sslerr.NewDecodeError("crl", string(format), "empty input")
	}

	der := data
	switch format {
	case FormatPEM:
		block, err := decodePEM("crl", data, pemCRL)
		if err != nil {
			return nil, err
		}
		der = block.Bytes
	case FormatDER:
	default:
		return nil, sslerr.NewConfigurationError("format", fmt.Sprintf("unsupported format %q", format))
	}

	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, sslerr.NewDecodeErrorWithCause("crl", string(format), "malformed revocation list", err)
	}
	return newRevocationList(crl)
}

// LoadRevocationLists parses every X509 CRL block of a PEM bundle. Blocks
// of other types are skipped.
func LoadRevocationLists(data []byte) ([]*RevocationList, error) {
	var lists []*RevocationList
	rest := data
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != pemCRL {
			continue
		}

		crl, err := x509.ParseRevocationList(block.Bytes)
		if err != nil {
			freeLists(lists)
			return nil, sslerr.NewDecodeErrorWithCause("crl", string(FormatPEM), "malformed revocation list", err)
		}
		l, err := newRevocationList(crl)
		if err != nil {
			freeLists(lists)
			return nil, err
		}
		lists = append(lists, l)
	}

	if len(lists) == 0 {
		return nil, sslerr.NewDecodeError("crl", string(FormatPEM), "no revocation lists found in PEM data")
	}
	return lists, nil
}

func freeLists(lists []*RevocationList) {
	for _, l := range lists {
		_ = l.Free()
	}
}

// NewRevocationList signs a CRL listing revoked for issuer.
func NewRevocationList(issuer *Certificate, key *PrivateKey, revoked []Revoked, thisUpdate, nextUpdate time.Time) (*RevocationList, error) {
	if issuer == nil || key == nil {
		return nil, sslerr.NewConfigurationError("issuer", "issuer certificate and key are required")
	}
	parent := issuer.X509()
	if parent == nil {
		return nil, fmt.Errorf("issuer: %w", ErrNotSigned)
	}

	number, err := generateSerialNumber()
	if err != nil {
		return nil, err
	}

	tmpl := &x509.RevocationList{
		Number:     number,
		ThisUpdate: thisUpdate,
		NextUpdate: nextUpdate,
	}
	for _, r := range revoked {
		tmpl.RevokedCertificateEntries = append(tmpl.RevokedCertificateEntries, x509.RevocationListEntry{
			SerialNumber:   r.SerialNumber,
			RevocationTime: r.RevokedAt,
			ReasonCode:     r.ReasonCode,
		})
	}

	var crl *x509.RevocationList
	err = key.Borrow(func(signer crypto.Signer) error {
		der, err := x509.CreateRevocationList(rand.Reader, tmpl, parent, signer)
		if err != nil {
			return sslerr.NewConfigurationErrorWithCause("crl", "failed to sign revocation list", err)
		}
		crl, err = x509.ParseRevocationList(der)
		if err != nil {
			return sslerr.NewDecodeErrorWithCause("crl", string(FormatDER), "signed revocation list does not parse", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return newRevocationList(crl)
}

// Retain adds an owning reference for a new holder.
func (l *RevocationList) Retain() error {
	return l.h.Retain()
}

// Free drops the caller's reference.
func (l *RevocationList) Free() error {
	return l.h.Release()
}

// Borrow runs fn with the parsed list pinned.
func (l *RevocationList) Borrow(fn func(*x509.RevocationList) error) error {
	return l.h.Borrow(fn)
}

// Revoked returns the revoked entries.
func (l *RevocationList) Revoked() []Revoked {
	var out []Revoked
	_ = l.h.Borrow(func(crl *x509.RevocationList) error {
		for _, e := range crl.RevokedCertificateEntries {
			out = append(out, Revoked{
				SerialNumber: new(big.Int).Set(e.SerialNumber),
				RevokedAt:    e.RevocationTime,
				ReasonCode:   e.ReasonCode,
			})
		}
		return nil
	})
	return out
}

// Dump serializes the list.
func (l *RevocationList) Dump(format Format) ([]byte, error) {
	var out []byte
	err := l.h.Borrow(func(crl *x509.RevocationList) error {
		switch format {
		case FormatDER:
			out = append([]byte(nil), crl.Raw...)
		case FormatPEM:
			out = encodePEM(pemCRL, crl.Raw)
		default:
			return sslerr.NewConfigurationError("format", fmt.Sprintf("unsupported format %q", format))
		}
		return nil
	})
	return out, err
}
