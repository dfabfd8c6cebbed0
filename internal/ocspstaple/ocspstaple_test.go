package ocspstaple

import (
	"crypto"
	"crypto/elliptic"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/vyrodovalexey/avatls/internal/pki"
)

type fixture struct {
	caKey *pki.PrivateKey
	ca    *pki.Certificate
	leaf  *pki.Certificate
	other *pki.Certificate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key := func() *pki.PrivateKey {
		k, err := pki.GenerateECKey(elliptic.P256())
		require.NoError(t, err)
		t.Cleanup(func() { _ = k.Free() })
		return k
	}
	issue := func(subject *pki.PrivateKey, issuer *pki.Certificate, issuerKey *pki.PrivateKey, opts ...pki.CertificateOption) *pki.Certificate {
		c, err := pki.IssueCertificate(subject, issuer, issuerKey, opts...)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Free() })
		return c
	}

	f := &fixture{caKey: key()}
	f.ca = issue(f.caKey, nil, f.caKey, pki.WithCommonName("OCSP CA"), pki.WithCA(0))
	f.leaf = issue(key(), f.ca, f.caKey, pki.WithCommonName("leaf"))
	otherKey := key()
	f.other = issue(otherKey, nil, otherKey, pki.WithCommonName("Other CA"), pki.WithCA(0))
	return f
}

func (f *fixture) response(t *testing.T, status int, serial *big.Int, nextUpdate time.Time) []byte {
	t.Helper()
	tmpl := ocsp.Response{
		Status:       status,
		SerialNumber: serial,
		ThisUpdate:   time.Now().Add(-time.Hour),
		NextUpdate:   nextUpdate,
	}
	if status == ocsp.Revoked {
		tmpl.RevokedAt = time.Now().Add(-2 * time.Hour)
		tmpl.RevocationReason = ocsp.KeyCompromise
	}

	var der []byte
	err := f.caKey.Borrow(func(signer crypto.Signer) error {
		var err error
		der, err = ocsp.CreateResponse(f.ca.X509(), f.ca.X509(), tmpl, signer)
		return err
	})
	require.NoError(t, err)
	return der
}

func TestParse(t *testing.T) {
	f := newFixture(t)
	next := time.Now().Add(time.Hour)

	tests := []struct {
		name       string
		der        []byte
		issuer     *pki.Certificate
		wantStatus string
		wantErr    bool
	}{
		{name: "good", der: f.response(t, ocsp.Good, f.leaf.SerialNumber(), next), issuer: f.ca, wantStatus: StatusGood},
		{name: "revoked", der: f.response(t, ocsp.Revoked, f.leaf.SerialNumber(), next), issuer: f.ca, wantStatus: StatusRevoked},
		{name: "unknown", der: f.response(t, ocsp.Unknown, f.leaf.SerialNumber(), next), issuer: f.ca, wantStatus: StatusUnknown},
		{name: "no issuer check", der: f.response(t, ocsp.Good, f.leaf.SerialNumber(), next), wantStatus: StatusGood},
		{name: "wrong issuer", der: f.response(t, ocsp.Good, f.leaf.SerialNumber(), next), issuer: f.other, wantErr: true},
		{name: "garbage", der: []byte("not ocsp"), wantErr: true},
		{name: "empty", der: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := Parse(tt.der, tt.issuer)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, info.Status)
			assert.True(t, info.Covers(f.leaf))
			assert.False(t, info.Covers(f.ca))
			assert.False(t, info.Expired(time.Now()))
			if tt.wantStatus == StatusRevoked {
				assert.Equal(t, ocsp.KeyCompromise, info.RevocationReason)
				assert.False(t, info.RevokedAt.IsZero())
			}
		})
	}
}

func TestLoad(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "staple.der")
	der := f.response(t, ocsp.Good, f.leaf.SerialNumber(), time.Now().Add(time.Hour))
	require.NoError(t, os.WriteFile(path, der, 0o600))

	got, info, err := Load(path, f.ca)
	require.NoError(t, err)
	assert.Equal(t, der, got)
	assert.Equal(t, StatusGood, info.Status)

	_, _, err = Load(filepath.Join(t.TempDir(), "absent.der"), nil)
	assert.ErrorContains(t, err, "read ocsp response")
}

func TestStapler(t *testing.T) {
	f := newFixture(t)
	s := NewStapler(nil)
	cb := s.ServerCallback()

	staple, err := cb(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, staple, "nothing to staple yet")

	der := f.response(t, ocsp.Good, f.leaf.SerialNumber(), time.Now().Add(time.Hour))
	require.NoError(t, s.Set(der, f.ca))
	require.NotNil(t, s.Info())
	staple, err = cb(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, der, staple)

	expired := f.response(t, ocsp.Good, f.leaf.SerialNumber(), time.Now().Add(-time.Minute))
	assert.ErrorIs(t, s.Set(expired, f.ca), ErrExpired)
	staple, _ = cb(nil, nil)
	assert.Equal(t, der, staple, "rejected response keeps the previous one")

	assert.Error(t, s.Set([]byte("junk"), nil))

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	staple, err = cb(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, staple, "expired staple is withheld")

	s.Clear()
	assert.Nil(t, s.Info())
}
