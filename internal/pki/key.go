package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"strings"

	"github.com/youmark/pkcs8"

	"github.com/vyrodovalexey/avatls/internal/handle"
	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

// KeyKind identifies the algorithm family of a key.
type KeyKind string

// Supported key kinds.
const (
	KeyRSA     KeyKind = "RSA"
	KeyEC      KeyKind = "EC"
	KeyEd25519 KeyKind = "ED25519"
)

// String returns the string representation of the key kind.
func (k KeyKind) String() string {
	return string(k)
}

// IsValid returns true if the key kind is supported.
func (k KeyKind) IsValid() bool {
	switch k {
	case KeyRSA, KeyEC, KeyEd25519:
		return true
	default:
		return false
	}
}

// MinRSABits is the smallest RSA modulus GenerateKey accepts.
const MinRSABits = 1024

var curves = map[string]elliptic.Curve{
	"P-256":      elliptic.P256(),
	"prime256v1": elliptic.P256(),
	"secp256r1":  elliptic.P256(),
	"P-384":      elliptic.P384(),
	"secp384r1":  elliptic.P384(),
	"P-521":      elliptic.P521(),
	"secp521r1":  elliptic.P521(),
}

// CurveByName returns the named elliptic curve.
func CurveByName(name string) (elliptic.Curve, error) {
	curve, ok := curves[strings.TrimSpace(name)]
	if !ok {
		return nil, sslerr.NewConfigurationError("curve", fmt.Sprintf("unknown curve %q", name))
	}
	return curve, nil
}

// PrivateKey is a private key owned through an engine handle.
type PrivateKey struct {
	h    *handle.Handle[crypto.Signer]
	kind KeyKind
	bits int
}

// KeyHolder is anything that carries a public key.
type KeyHolder interface {
	PublicKey() (*PublicKey, error)
}

// GenerateKey creates a new private key. bits is the RSA modulus size or, for
// EC keys, the curve size (256, 384 or 521). It is ignored for Ed25519.
func GenerateKey(kind KeyKind, bits int) (*PrivateKey, error) {
	switch kind {
	case KeyRSA:
		if bits < MinRSABits {
			return nil, sslerr.NewConfigurationError("bits", fmt.Sprintf("RSA keys need at least %d bits", MinRSABits))
		}
		return newPrivateKey(func() (crypto.Signer, error) { return rsa.GenerateKey(rand.Reader, bits) })
	case KeyEC:
		var curve elliptic.Curve
		switch bits {
		case 256:
			curve = elliptic.P256()
		case 384:
			curve = elliptic.P384()
		case 521:
			curve = elliptic.P521()
		default:
			return nil, sslerr.NewConfigurationError("bits", fmt.Sprintf("no curve of size %d", bits))
		}
		return GenerateECKey(curve)
	case KeyEd25519:
		return newPrivateKey(func() (crypto.Signer, error) {
			_, priv, err := ed25519.GenerateKey(rand.Reader)
			return priv, err
		})
	default:
		return nil, sslerr.NewConfigurationError("kind", fmt.Sprintf("unsupported key kind %q", kind))
	}
}

// GenerateECKey creates a new ECDSA key on the given curve.
func GenerateECKey(curve elliptic.Curve) (*PrivateKey, error) {
	if curve == nil {
		return nil, sslerr.NewConfigurationError("curve", "curve is required")
	}
	return newPrivateKey(func() (crypto.Signer, error) { return ecdsa.GenerateKey(curve, rand.Reader) })
}

// NewPrivateKey places an existing signer under a handle.
func NewPrivateKey(signer crypto.Signer) (*PrivateKey, error) {
	return newPrivateKey(func() (crypto.Signer, error) { return signer, nil })
}

func newPrivateKey(ctor func() (crypto.Signer, error)) (*PrivateKey, error) {
	h, err := handle.Acquire(nil, KindPrivateKey, ctor, nil)
	if err != nil {
		return nil, err
	}

	var kind KeyKind
	var bits int
	_ = h.Borrow(func(s crypto.Signer) error {
		kind, bits = describeKey(s.Public())
		return nil
	})
	if !kind.IsValid() {
		_ = h.Release()
		return nil, sslerr.NewDecodeError("private key", "", "unsupported key type")
	}

	return &PrivateKey{h: h, kind: kind, bits: bits}, nil
}

// LoadPrivateKey parses a private key. Encrypted PKCS#8 and legacy
// encrypted PEM blocks are unlocked with passphrase.
func LoadPrivateKey(data []byte, format Format, passphrase []byte) (*PrivateKey, error) {
	if len(data) == 0 {
		return nil, sslerr.NewDecodeError("private key", string(format), "empty input")
	}

	var (
		signer crypto.Signer
		err    error
	)
	switch format {
	case FormatPEM:
		signer, err = parsePrivateKeyPEM(data, passphrase)
	case FormatDER:
		signer, err = parsePrivateKeyDER(data, passphrase)
	default:
		return nil, sslerr.NewConfigurationError("format", fmt.Sprintf("unsupported format %q", format))
	}
	if err != nil {
		return nil, err
	}

	return NewPrivateKey(signer)
}

func parsePrivateKeyPEM(data, passphrase []byte) (crypto.Signer, error) {
	block, err := decodePEM("private key", data, pemPrivateKey, pemEncryptedKey, pemRSAPrivateKey, pemECPrivateKey)
	if err != nil {
		return nil, err
	}

	if block.Type == pemEncryptedKey {
		return parseEncryptedPKCS8(block.Bytes, passphrase, FormatPEM)
	}

	der := block.Bytes
	//nolint:staticcheck // SA1019: legacy Proc-Type encryption is still found in deployed key files
	if x509.IsEncryptedPEMBlock(block) {
		if len(passphrase) == 0 {
			return nil, sslerr.NewIncorrectPassphraseError("private key", errors.New("passphrase required"))
		}
		//nolint:staticcheck // SA1019: see above
		der, err = x509.DecryptPEMBlock(block, passphrase)
		if err != nil {
			if errors.Is(err, x509.IncorrectPasswordError) {
				return nil, sslerr.NewIncorrectPassphraseError("private key", err)
			}
			return nil, sslerr.NewDecodeErrorWithCause("private key", string(FormatPEM), "failed to decrypt PEM block", err)
		}
	}

	var key any
	switch block.Type {
	case pemRSAPrivateKey:
		key, err = x509.ParsePKCS1PrivateKey(der)
	case pemECPrivateKey:
		key, err = x509.ParseECPrivateKey(der)
	default:
		key, err = x509.ParsePKCS8PrivateKey(der)
	}
	if err != nil {
		if len(passphrase) > 0 && block.Headers["Proc-Type"] != "" {
			// Legacy decryption with the wrong password can yield padding-valid garbage.
			return nil, sslerr.NewIncorrectPassphraseError("private key", err)
		}
		return nil, sslerr.NewDecodeErrorWithCause("private key", string(FormatPEM), "malformed key", err)
	}

	return asSigner(key, FormatPEM)
}

func parsePrivateKeyDER(der, passphrase []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return asSigner(key, FormatDER)
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	if isEncryptedPKCS8(der) {
		return parseEncryptedPKCS8(der, passphrase, FormatDER)
	}
	return nil, sslerr.NewDecodeError("private key", string(FormatDER), "malformed key")
}

func parseEncryptedPKCS8(der, passphrase []byte, format Format) (crypto.Signer, error) {
	if len(passphrase) == 0 {
		return nil, sslerr.NewIncorrectPassphraseError("private key", errors.New("passphrase required"))
	}

	key, err := pkcs8.ParsePKCS8PrivateKey(der, passphrase)
	if err != nil {
		if isEncryptedPKCS8(der) {
			return nil, sslerr.NewIncorrectPassphraseError("private key", err)
		}
		return nil, sslerr.NewDecodeErrorWithCause("private key", string(format), "malformed encrypted key", err)
	}

	return asSigner(key, format)
}

// encryptedPrivateKeyInfo is the RFC 5208 envelope around encrypted PKCS#8 data.
type encryptedPrivateKeyInfo struct {
	Algorithm     pkix.AlgorithmIdentifier
	EncryptedData []byte
}

// isEncryptedPKCS8 reports whether der is a well formed encrypted PKCS#8
// envelope, which separates a wrong passphrase from malformed input.
func isEncryptedPKCS8(der []byte) bool {
	var info encryptedPrivateKeyInfo
	rest, err := asn1.Unmarshal(der, &info)
	return err == nil && len(rest) == 0 && len(info.EncryptedData) > 0
}

func asSigner(key any, format Format) (crypto.Signer, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, sslerr.NewDecodeError("private key", string(format), fmt.Sprintf("unsupported key type %T", key))
	}
}

// Kind returns the key algorithm family.
func (k *PrivateKey) Kind() KeyKind {
	return k.kind
}

// Bits returns the key size in bits.
func (k *PrivateKey) Bits() int {
	return k.bits
}

// Borrow runs fn with the underlying signer pinned.
func (k *PrivateKey) Borrow(fn func(crypto.Signer) error) error {
	return k.h.Borrow(fn)
}

// Retain adds an owning reference for a new holder.
func (k *PrivateKey) Retain() error {
	return k.h.Retain()
}

// Free drops the caller's reference.
func (k *PrivateKey) Free() error {
	return k.h.Release()
}

// PublicKey returns the public half of the key.
func (k *PrivateKey) PublicKey() (*PublicKey, error) {
	var pub *PublicKey
	err := k.h.Borrow(func(s crypto.Signer) error {
		pub = &PublicKey{key: s.Public()}
		return nil
	})
	return pub, err
}

// Matches reports whether other carries the public half of this key.
func (k *PrivateKey) Matches(other KeyHolder) bool {
	if other == nil {
		return false
	}
	mine, err := k.PublicKey()
	if err != nil {
		return false
	}
	theirs, err := other.PublicKey()
	if err != nil || theirs == nil {
		return false
	}
	return mine.Equal(theirs)
}

// Check verifies the internal consistency of the key by signing and
// verifying a probe message.
func (k *PrivateKey) Check() error {
	return k.h.Borrow(func(s crypto.Signer) error {
		if rsaKey, ok := s.(*rsa.PrivateKey); ok {
			if err := rsaKey.Validate(); err != nil {
				return sslerr.NewDecodeErrorWithCause("private key", "", "inconsistent RSA key", err)
			}
			return nil
		}

		probe := []byte("avatls key check")
		pub := &PublicKey{key: s.Public()}
		digest, opts := probe, crypto.SignerOpts(crypto.Hash(0))
		if k.kind != KeyEd25519 {
			sum := crypto.SHA256.New()
			sum.Write(probe)
			digest, opts = sum.Sum(nil), crypto.SHA256
		}
		sig, err := s.Sign(rand.Reader, digest, opts)
		if err != nil {
			return sslerr.NewDecodeErrorWithCause("private key", "", "key cannot sign", err)
		}
		if !pub.verify(digest, sig) {
			return sslerr.NewDecodeError("private key", "", "public and private halves disagree")
		}
		return nil
	})
}

// DumpOption configures private key serialization.
type DumpOption func(*dumpOptions)

type dumpOptions struct {
	cipher     string
	passphrase []byte
}

// WithCipher selects the cipher used to encrypt the dumped key, for example
// "aes-256-cbc". It must be paired with WithPassphrase.
func WithCipher(name string) DumpOption {
	return func(o *dumpOptions) {
		o.cipher = name
	}
}

// WithPassphrase sets the passphrase used to encrypt the dumped key. It must
// be paired with WithCipher.
func WithPassphrase(passphrase []byte) DumpOption {
	return func(o *dumpOptions) {
		o.passphrase = passphrase
	}
}

var pkcs8Ciphers = map[string]pkcs8.Cipher{
	"aes-128-cbc":  pkcs8.AES128CBC,
	"aes-192-cbc":  pkcs8.AES192CBC,
	"aes-256-cbc":  pkcs8.AES256CBC,
	"aes-128-gcm":  pkcs8.AES128GCM,
	"aes-192-gcm":  pkcs8.AES192GCM,
	"aes-256-gcm":  pkcs8.AES256GCM,
	"des-ede3-cbc": pkcs8.TripleDESCBC,
}

// Dump serializes the key. PEM output is PKCS#8; DER output uses the
// traditional per-algorithm structure (PKCS#1, SEC 1) where one exists.
// Encrypted output is always PKCS#8.
func (k *PrivateKey) Dump(format Format, opts ...DumpOption) ([]byte, error) {
	o := &dumpOptions{}
	for _, opt := range opts {
		opt(o)
	}

	if (o.cipher == "") != (len(o.passphrase) == 0) {
		return nil, sslerr.NewConfigurationError("passphrase", "encrypted output requires both a cipher and a passphrase")
	}
	if !format.IsValid() {
		return nil, sslerr.NewConfigurationError("format", fmt.Sprintf("unsupported format %q", format))
	}

	var out []byte
	err := k.h.Borrow(func(s crypto.Signer) error {
		var err error
		if o.cipher != "" {
			out, err = dumpEncrypted(s, format, o)
			return err
		}
		out, err = dumpPlain(s, format)
		return err
	})
	return out, err
}

func dumpEncrypted(s crypto.Signer, format Format, o *dumpOptions) ([]byte, error) {
	cipher, ok := pkcs8Ciphers[strings.ToLower(o.cipher)]
	if !ok {
		return nil, sslerr.NewConfigurationError("cipher", fmt.Sprintf("unsupported cipher %q", o.cipher))
	}

	der, err := pkcs8.MarshalPrivateKey(s, o.passphrase, &pkcs8.Opts{
		Cipher: cipher,
		KDFOpts: pkcs8.PBKDF2Opts{
			SaltSize:       16,
			IterationCount: 10000,
			HMACHash:       crypto.SHA256,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt private key: %w", err)
	}

	if format == FormatDER {
		return der, nil
	}
	return encodePEM(pemEncryptedKey, der), nil
}

func dumpPlain(s crypto.Signer, format Format) ([]byte, error) {
	if format == FormatPEM {
		der, err := x509.MarshalPKCS8PrivateKey(s)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal private key: %w", err)
		}
		return encodePEM(pemPrivateKey, der), nil
	}

	switch key := s.(type) {
	case *rsa.PrivateKey:
		return x509.MarshalPKCS1PrivateKey(key), nil
	case *ecdsa.PrivateKey:
		return x509.MarshalECPrivateKey(key)
	default:
		return x509.MarshalPKCS8PrivateKey(s)
	}
}

func describeKey(pub crypto.PublicKey) (KeyKind, int) {
	switch p := pub.(type) {
	case *rsa.PublicKey:
		return KeyRSA, p.N.BitLen()
	case *ecdsa.PublicKey:
		return KeyEC, p.Curve.Params().BitSize
	case ed25519.PublicKey:
		return KeyEd25519, 256
	default:
		return "", 0
	}
}
