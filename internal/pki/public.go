package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

// PublicKey is the public half of a key. It holds no engine resources.
type PublicKey struct {
	key crypto.PublicKey
}

// LoadPublicKey parses a SubjectPublicKeyInfo in PEM or DER form.
func LoadPublicKey(data []byte, format Format) (*PublicKey, error) {
	if len(data) == 0 {
		return nil, sslerr.NewDecodeError("public key", string(format), "empty input")
	}

	der := data
	if format == FormatPEM {
		block, err := decodePEM("public key", data, pemPublicKey)
		if err != nil {
			return nil, err
		}
		der = block.Bytes
	}

	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, sslerr.NewDecodeErrorWithCause("public key", string(format), "malformed key", err)
	}
	if kind, _ := describeKey(key); !kind.IsValid() {
		return nil, sslerr.NewDecodeError("public key", string(format), fmt.Sprintf("unsupported key type %T", key))
	}

	return &PublicKey{key: key}, nil
}

// PublicKey returns p itself so a PublicKey satisfies KeyHolder.
func (p *PublicKey) PublicKey() (*PublicKey, error) {
	return p, nil
}

// Crypto returns the standard library public key.
func (p *PublicKey) Crypto() crypto.PublicKey {
	return p.key
}

// Kind returns the key algorithm family.
func (p *PublicKey) Kind() KeyKind {
	kind, _ := describeKey(p.key)
	return kind
}

// Bits returns the key size in bits.
func (p *PublicKey) Bits() int {
	_, bits := describeKey(p.key)
	return bits
}

// Equal reports whether both keys are the same public key.
func (p *PublicKey) Equal(other *PublicKey) bool {
	if p == nil || other == nil {
		return false
	}
	eq, ok := p.key.(interface{ Equal(crypto.PublicKey) bool })
	return ok && eq.Equal(other.key)
}

// DER returns the DER encoded SubjectPublicKeyInfo.
func (p *PublicKey) DER() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(p.key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return der, nil
}

// Dump serializes the key as a SubjectPublicKeyInfo.
func (p *PublicKey) Dump(format Format) ([]byte, error) {
	der, err := p.DER()
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatDER:
		return der, nil
	case FormatPEM:
		return encodePEM(pemPublicKey, der), nil
	default:
		return nil, sslerr.NewConfigurationError("format", fmt.Sprintf("unsupported format %q", format))
	}
}

// Fingerprint returns the digest of the DER encoded SubjectPublicKeyInfo.
func (p *PublicKey) Fingerprint(digest string) ([]byte, error) {
	der, err := p.DER()
	if err != nil {
		return nil, err
	}
	return digestSum(digest, der)
}

func (p *PublicKey) verify(digest, sig []byte) bool {
	switch key := p.key.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest, sig) == nil
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(key, digest, sig)
	case ed25519.PublicKey:
		return ed25519.Verify(key, digest, sig)
	default:
		return false
	}
}
