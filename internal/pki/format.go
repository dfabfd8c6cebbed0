// Package pki wraps private keys, certificates, certificate requests and
// revocation lists in engine handles and implements their serialization.
package pki

import (
	"crypto"
	"encoding/pem"
	"fmt"
	"strings"

	// Register the digests offered by DigestByName.
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

// Format is a serialization format for keys, certificates and requests.
type Format string

// Supported serialization formats.
const (
	FormatPEM Format = "PEM"
	FormatDER Format = "DER"
)

// String returns the string representation of the format.
func (f Format) String() string {
	return string(f)
}

// IsValid returns true if the format is supported.
func (f Format) IsValid() bool {
	return f == FormatPEM || f == FormatDER
}

// ParseFormat parses a format name case-insensitively. "ASN1" is accepted as
// an alias for DER.
func ParseFormat(name string) (Format, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "PEM":
		return FormatPEM, nil
	case "DER", "ASN1":
		return FormatDER, nil
	default:
		return "", sslerr.NewConfigurationError("format", fmt.Sprintf("unsupported format %q", name))
	}
}

// Handle kinds registered with the arena.
const (
	KindPrivateKey  = "private_key"
	KindCertificate = "certificate"
	KindRequest     = "certificate_request"
	KindCRL         = "crl"
)

// PEM block types.
const (
	pemCertificate        = "CERTIFICATE"
	pemTrustedCertificate = "TRUSTED CERTIFICATE"
	pemPrivateKey         = "PRIVATE KEY"
	pemEncryptedKey       = "ENCRYPTED PRIVATE KEY"
	pemRSAPrivateKey      = "RSA PRIVATE KEY"
	pemECPrivateKey       = "EC PRIVATE KEY"
	pemPublicKey          = "PUBLIC KEY"
	pemRequest            = "CERTIFICATE REQUEST"
	pemNewRequest         = "NEW CERTIFICATE REQUEST"
	pemCRL                = "X509 CRL"
)

var digests = map[string]crypto.Hash{
	"sha1":   crypto.SHA1,
	"sha224": crypto.SHA224,
	"sha256": crypto.SHA256,
	"sha384": crypto.SHA384,
	"sha512": crypto.SHA512,
}

// DigestByName returns the hash for a digest name such as "sha256".
func DigestByName(name string) (crypto.Hash, error) {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "-", ""))
	h, ok := digests[normalized]
	if !ok || !h.Available() {
		return 0, sslerr.NewConfigurationError("digest", fmt.Sprintf("unknown digest %q", name))
	}
	return h, nil
}

// digestSum hashes data with the named digest.
func digestSum(name string, data []byte) ([]byte, error) {
	h, err := DigestByName(name)
	if err != nil {
		return nil, err
	}
	hasher := h.New()
	hasher.Write(data)
	return hasher.Sum(nil), nil
}

// FormatFingerprint renders a digest as colon separated upper-case hex.
func FormatFingerprint(sum []byte) string {
	var b strings.Builder
	for i, c := range sum {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02X", c)
	}
	return b.String()
}

// decodePEM returns the first block of one of the accepted types, skipping
// any other blocks that precede it.
func decodePEM(object string, data []byte, accepted ...string) (*pem.Block, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, sslerr.NewDecodeError(object, string(FormatPEM), "no PEM block found")
		}
		for _, t := range accepted {
			if block.Type == t {
				if len(block.Bytes) == 0 {
					return nil, sslerr.NewDecodeError(object, string(FormatPEM), "empty PEM block")
				}
				return block, nil
			}
		}
	}
}

func encodePEM(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}
