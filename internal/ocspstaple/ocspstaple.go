// Package ocspstaple parses OCSP responses for stapling on the server side
// and for inspecting staples on the client side.
package ocspstaple

import (
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/pki"
	"github.com/vyrodovalexey/avatls/internal/ssl"
)

// Certificate status values.
const (
	StatusGood    = "good"
	StatusRevoked = "revoked"
	StatusUnknown = "unknown"
)

// ErrExpired is returned for a response past its NextUpdate.
var ErrExpired = errors.New("ocsp response expired")

// Info summarizes an OCSP response.
type Info struct {
	Status           string
	SerialNumber     *big.Int
	ProducedAt       time.Time
	ThisUpdate       time.Time
	NextUpdate       time.Time
	RevokedAt        time.Time
	RevocationReason int
}

// Parse decodes a DER OCSP response. When issuer is not nil the response
// signature is checked against it.
func Parse(der []byte, issuer *pki.Certificate) (*Info, error) {
	if len(der) == 0 {
		return nil, errors.New("empty ocsp response")
	}
	resp, err := ocsp.ParseResponse(der, issuerX509(issuer))
	if err != nil {
		return nil, fmt.Errorf("parse ocsp response: %w", err)
	}

	info := &Info{
		SerialNumber: resp.SerialNumber,
		ProducedAt:   resp.ProducedAt,
		ThisUpdate:   resp.ThisUpdate,
		NextUpdate:   resp.NextUpdate,
	}
	switch resp.Status {
	case ocsp.Good:
		info.Status = StatusGood
	case ocsp.Revoked:
		info.Status = StatusRevoked
		info.RevokedAt = resp.RevokedAt
		info.RevocationReason = resp.RevocationReason
	default:
		info.Status = StatusUnknown
	}
	return info, nil
}

func issuerX509(c *pki.Certificate) *x509.Certificate {
	if c == nil {
		return nil
	}
	return c.X509()
}

// Load reads and parses a DER OCSP response file.
func Load(path string, issuer *pki.Certificate) ([]byte, *Info, error) {
	der, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, nil, fmt.Errorf("read ocsp response: %w", err)
	}
	info, err := Parse(der, issuer)
	if err != nil {
		return nil, nil, err
	}
	return der, info, nil
}

// Expired reports whether the response is past its NextUpdate. Responses
// without NextUpdate never expire.
func (i *Info) Expired(now time.Time) bool {
	return !i.NextUpdate.IsZero() && now.After(i.NextUpdate)
}

// Covers reports whether the response is about cert.
func (i *Info) Covers(cert *pki.Certificate) bool {
	return cert != nil && i.SerialNumber != nil && i.SerialNumber.Cmp(cert.SerialNumber()) == 0
}

// Stapler holds the response a server staples. It is safe for concurrent
// use; Set may be called while connections are handshaking.
type Stapler struct {
	mu     sync.RWMutex
	der    []byte
	info   *Info
	logger observability.Logger
	now    func() time.Time
}

// NewStapler creates an empty stapler.
func NewStapler(logger observability.Logger) *Stapler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Stapler{logger: logger, now: time.Now}
}

// Set replaces the stapled response after parsing it. An expired response
// is rejected and the previous one kept.
func (s *Stapler) Set(der []byte, issuer *pki.Certificate) error {
	info, err := Parse(der, issuer)
	if err != nil {
		return err
	}
	if info.Expired(s.now()) {
		return fmt.Errorf("%w: next update %s", ErrExpired, info.NextUpdate.Format(time.RFC3339))
	}

	s.mu.Lock()
	s.der, s.info = der, info
	s.mu.Unlock()

	s.logger.Info("ocsp staple loaded",
		observability.String("status", info.Status),
		observability.String("serial", info.SerialNumber.String()),
		observability.String("next_update", info.NextUpdate.Format(time.RFC3339)),
	)
	return nil
}

// Clear removes the staple.
func (s *Stapler) Clear() {
	s.mu.Lock()
	s.der, s.info = nil, nil
	s.mu.Unlock()
}

// Info returns the current response summary, or nil.
func (s *Stapler) Info() *Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// ServerCallback returns an ssl.OCSPServerCallback that staples the current
// response. Once it expires nothing is stapled.
func (s *Stapler) ServerCallback() ssl.OCSPServerCallback {
	return func(_ *ssl.Connection, _ any) ([]byte, error) {
		s.mu.RLock()
		der, info := s.der, s.info
		s.mu.RUnlock()

		if info == nil {
			return nil, nil
		}
		if info.Expired(s.now()) {
			s.logger.Warn("ocsp staple expired, not stapling",
				observability.String("next_update", info.NextUpdate.Format(time.RFC3339)),
			)
			return nil, nil
		}
		return der, nil
	}
}
