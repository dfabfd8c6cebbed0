package keysource

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/vyrodovalexey/avatls/internal/pki"
)

// decodePEM builds material from PEM text. Any certificates after the first
// in certPEM, then those of chainPEM, form the chain.
func decodePEM(certPEM, keyPEM, chainPEM, passphrase []byte) (*Material, error) {
	certs, err := pki.LoadCertificates(certPEM)
	if err != nil {
		return nil, err
	}
	var extra []*pki.Certificate
	if len(chainPEM) > 0 {
		if extra, err = pki.LoadCertificates(chainPEM); err != nil {
			freeCerts(certs)
			return nil, err
		}
	}

	key, err := pki.LoadPrivateKey(keyPEM, pki.FormatPEM, passphrase)
	if err != nil {
		freeCerts(certs)
		freeCerts(extra)
		return nil, err
	}

	m := splitBundle(key, certs, extra)
	m.Version = digest(certPEM, keyPEM, chainPEM)
	return m, nil
}

// decodePKCS12 builds material from a PKCS#12 container.
func decodePKCS12(data []byte, passphrase string) (*Material, error) {
	bundle, err := pki.LoadPKCS12(data, passphrase)
	if err != nil {
		return nil, err
	}
	return &Material{
		Key:         bundle.Key,
		Certificate: bundle.Certificate,
		Chain:       bundle.CACerts,
		Version:     digest(data),
	}, nil
}

func digest(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		_, _ = h.Write(p)
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func freeCerts(certs []*pki.Certificate) {
	for _, c := range certs {
		_ = c.Free()
	}
}
