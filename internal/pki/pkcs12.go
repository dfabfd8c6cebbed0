package pki

import (
	"crypto"
	"crypto/x509"
	"errors"

	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

// Bundle is the content of a PKCS#12 container.
type Bundle struct {
	Key         *PrivateKey
	Certificate *Certificate
	CACerts     []*Certificate
}

// Free drops the bundle's references to its objects.
func (b *Bundle) Free() {
	if b.Key != nil {
		_ = b.Key.Free()
	}
	if b.Certificate != nil {
		_ = b.Certificate.Free()
	}
	freeAll(b.CACerts)
}

// LoadPKCS12 decodes a passphrase protected PKCS#12 container.
func LoadPKCS12(data []byte, passphrase string) (*Bundle, error) {
	if len(data) == 0 {
		return nil, sslerr.NewDecodeError("pkcs12", "", "empty input")
	}

	priv, leaf, caCerts, err := pkcs12.DecodeChain(data, passphrase)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, sslerr.NewIncorrectPassphraseError("pkcs12", err)
		}
		return nil, sslerr.NewDecodeErrorWithCause("pkcs12", "", "malformed container", err)
	}

	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, sslerr.NewDecodeError("pkcs12", "", "container key cannot sign")
	}

	bundle := &Bundle{}
	if bundle.Key, err = NewPrivateKey(signer); err != nil {
		return nil, err
	}
	if bundle.Certificate, err = FromX509(leaf); err != nil {
		bundle.Free()
		return nil, err
	}
	for _, ca := range caCerts {
		c, err := FromX509(ca)
		if err != nil {
			bundle.Free()
			return nil, err
		}
		bundle.CACerts = append(bundle.CACerts, c)
	}

	return bundle, nil
}

// DumpPKCS12 encodes key, certificate and chain into a container protected
// with passphrase using modern algorithms.
func DumpPKCS12(key *PrivateKey, cert *Certificate, chain []*Certificate, passphrase string) ([]byte, error) {
	if key == nil || cert == nil {
		return nil, sslerr.NewConfigurationError("pkcs12", "key and certificate are required")
	}
	if !key.Matches(cert) {
		return nil, sslerr.NewKeyMismatchError(cert.Subject().CommonName)
	}

	leaf := cert.X509()
	if leaf == nil {
		return nil, ErrNotSigned
	}
	var caCerts []*x509.Certificate
	for _, c := range chain {
		x := c.X509()
		if x == nil {
			return nil, ErrNotSigned
		}
		caCerts = append(caCerts, x)
	}

	var out []byte
	err := key.Borrow(func(s crypto.Signer) error {
		var err error
		out, err = pkcs12.Modern.Encode(s, leaf, caCerts, passphrase)
		return err
	})
	if err != nil {
		return nil, sslerr.NewConfigurationErrorWithCause("pkcs12", "failed to encode container", err)
	}
	return out, nil
}
