package pki

import (
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

// testCA returns a self-signed ECDSA CA and its key.
func testCA(t *testing.T) (*Certificate, *PrivateKey) {
	t.Helper()

	key, err := GenerateKey(KeyEC, 256)
	require.NoError(t, err)

	ca, err := IssueCertificate(key, nil, key, WithCommonName("Test CA"), WithCA(-1))
	require.NoError(t, err)

	return ca, key
}

func TestIssueCertificate(t *testing.T) {
	ca, caKey := testCA(t)

	leafKey, err := GenerateKey(KeyRSA, 2048)
	require.NoError(t, err)

	leaf, err := IssueCertificate(leafKey, ca, caKey,
		WithCommonName("server.example"),
		WithHosts("server.example", "127.0.0.1", "admin@example.com", "spiffe://example/server"),
	)
	require.NoError(t, err)

	assert.True(t, ca.IsCA())
	assert.True(t, ca.IsSelfSigned())
	assert.False(t, leaf.IsCA())
	assert.False(t, leaf.IsSelfSigned())
	assert.Equal(t, "server.example", leaf.Subject().CommonName)
	assert.Equal(t, "Test CA", leaf.Issuer().CommonName)
	assert.Equal(t, []string{"server.example"}, leaf.DNSNames())
	assert.Equal(t, 3, leaf.Version())
	assert.Equal(t, "ECDSA-SHA256", leaf.SignatureAlgorithm())
	assert.NotEmpty(t, leaf.Extensions())
	assert.False(t, leaf.HasExpired())
	assert.True(t, leafKey.Matches(leaf))
	assert.False(t, caKey.Matches(leaf))

	x := leaf.X509()
	require.NotNil(t, x)
	require.Len(t, x.IPAddresses, 1)
	assert.Equal(t, []string{"admin@example.com"}, x.EmailAddresses)
	require.Len(t, x.URIs, 1)
	assert.NoError(t, x.CheckSignatureFrom(ca.X509()))
}

func TestCertificate_DumpRoundTrip(t *testing.T) {
	ca, _ := testCA(t)

	for _, format := range []Format{FormatPEM, FormatDER} {
		t.Run(string(format), func(t *testing.T) {
			data, err := ca.Dump(format)
			require.NoError(t, err)

			loaded, err := LoadCertificate(data, format)
			require.NoError(t, err)
			assert.True(t, ca.Equal(loaded))

			again, err := loaded.Dump(format)
			require.NoError(t, err)
			assert.Equal(t, data, again)
		})
	}
}

func TestCertificate_Fingerprint(t *testing.T) {
	ca, _ := testCA(t)

	sha1Sum, err := ca.Fingerprint("sha1")
	require.NoError(t, err)
	assert.Len(t, sha1Sum, 20)

	sha256Sum, err := ca.Fingerprint("sha256")
	require.NoError(t, err)
	assert.Len(t, sha256Sum, 32)

	formatted := FormatFingerprint(sha256Sum)
	assert.Len(t, formatted, 32*3-1)
}

func TestCertificate_MutationInvalidatesSignature(t *testing.T) {
	ca, caKey := testCA(t)

	require.NoError(t, ca.SetNotAfter(time.Now().Add(48*time.Hour)))
	_, err := ca.Dump(FormatPEM)
	assert.ErrorIs(t, err, ErrNotSigned)
	assert.Nil(t, ca.X509())

	require.NoError(t, ca.Sign(nil, caKey, "sha384"))
	_, err = ca.Dump(FormatPEM)
	require.NoError(t, err)
	assert.Equal(t, "ECDSA-SHA384", ca.SignatureAlgorithm())
}

func TestCertificate_MutationAfterUse(t *testing.T) {
	ca, caKey := testCA(t)
	ca.MarkInUse()
	assert.True(t, ca.InUse())

	tests := []struct {
		name   string
		mutate func() error
	}{
		{"subject", func() error { return ca.SetSubject(pkix.Name{CommonName: "x"}) }},
		{"serial", func() error { return ca.SetSerialNumber(big.NewInt(7)) }},
		{"not before", func() error { return ca.SetNotBefore(time.Now()) }},
		{"not after", func() error { return ca.SetNotAfter(time.Now()) }},
		{"alt names", func() error { return ca.SetSubjectAltNames("a.example") }},
		{"sign", func() error { return ca.Sign(nil, caKey, "sha256") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mutate()
			assert.ErrorIs(t, err, ErrCertificateInUse)
			assert.ErrorIs(t, err, sslerr.ErrInvalidState)
		})
	}

	_, err := ca.Dump(FormatDER)
	assert.NoError(t, err)
}

func TestCertificate_Validation(t *testing.T) {
	cert, err := NewCertificate()
	require.NoError(t, err)

	assert.ErrorIs(t, cert.SetSerialNumber(big.NewInt(0)), sslerr.ErrConfiguration)
	assert.ErrorIs(t, cert.Sign(nil, nil, "sha256"), sslerr.ErrConfiguration)

	key, err := GenerateKey(KeyEC, 256)
	require.NoError(t, err)
	assert.ErrorIs(t, cert.Sign(nil, key, "sha1024"), sslerr.ErrConfiguration)

	_, err = cert.PublicKey()
	assert.Error(t, err)
}

func TestLoadCertificate_DecodeErrors(t *testing.T) {
	_, err := LoadCertificate(nil, FormatPEM)
	assert.ErrorIs(t, err, sslerr.ErrDecode)

	_, err = LoadCertificate([]byte("garbage"), FormatPEM)
	assert.ErrorIs(t, err, sslerr.ErrDecode)

	_, err = LoadCertificate([]byte{0x30, 0x01, 0x00}, FormatDER)
	assert.ErrorIs(t, err, sslerr.ErrDecode)
}

func TestLoadCertificates_Bundle(t *testing.T) {
	ca, caKey := testCA(t)
	key, err := GenerateKey(KeyEC, 256)
	require.NoError(t, err)
	leaf, err := IssueCertificate(key, ca, caKey, WithCommonName("leaf"))
	require.NoError(t, err)

	leafPEM, err := leaf.Dump(FormatPEM)
	require.NoError(t, err)
	caPEM, err := ca.Dump(FormatPEM)
	require.NoError(t, err)

	certs, err := LoadCertificates(append(leafPEM, caPEM...))
	require.NoError(t, err)
	require.Len(t, certs, 2)
	assert.True(t, certs[0].Equal(leaf))
	assert.True(t, certs[1].Equal(ca))

	_, err = LoadCertificates([]byte("nothing here"))
	assert.ErrorIs(t, err, sslerr.ErrDecode)
}

func TestCertificateRequest(t *testing.T) {
	ca, caKey := testCA(t)
	key, err := GenerateKey(KeyEC, 384)
	require.NoError(t, err)

	req, err := NewCertificateRequest()
	require.NoError(t, err)
	require.NoError(t, req.SetSubject(pkix.Name{CommonName: "client"}))
	require.NoError(t, req.SetDNSNames("client.example"))

	_, err = req.Dump(FormatPEM)
	assert.ErrorIs(t, err, sslerr.ErrInvalidState)

	require.NoError(t, req.Sign(key, "sha384"))
	require.NoError(t, req.Verify())
	assert.True(t, key.Matches(req))

	data, err := req.Dump(FormatPEM)
	require.NoError(t, err)
	loaded, err := LoadCertificateRequest(data, FormatPEM)
	require.NoError(t, err)
	assert.Equal(t, "client", loaded.Subject().CommonName)
	assert.Equal(t, []string{"client.example"}, loaded.DNSNames())

	cert, err := IssueFromRequest(loaded, ca, caKey)
	require.NoError(t, err)
	assert.Equal(t, "client", cert.Subject().CommonName)
	assert.True(t, key.Matches(cert))

	_, err = LoadCertificateRequest([]byte("junk"), FormatPEM)
	assert.ErrorIs(t, err, sslerr.ErrDecode)
}

func TestRevocationList(t *testing.T) {
	ca, caKey := testCA(t)
	now := time.Now()

	crl, err := NewRevocationList(ca, caKey, []Revoked{
		{SerialNumber: big.NewInt(42), RevokedAt: now.Add(-time.Hour)},
	}, now.Add(-time.Minute), now.Add(24*time.Hour))
	require.NoError(t, err)

	revoked := crl.Revoked()
	require.Len(t, revoked, 1)
	assert.Equal(t, int64(42), revoked[0].SerialNumber.Int64())

	data, err := crl.Dump(FormatPEM)
	require.NoError(t, err)
	loaded, err := LoadRevocationList(data, FormatPEM)
	require.NoError(t, err)
	assert.Len(t, loaded.Revoked(), 1)

	_, err = LoadRevocationList([]byte("x"), FormatDER)
	assert.ErrorIs(t, err, sslerr.ErrDecode)
}

func TestPKCS12RoundTrip(t *testing.T) {
	ca, caKey := testCA(t)
	key, err := GenerateKey(KeyRSA, 2048)
	require.NoError(t, err)
	leaf, err := IssueCertificate(key, ca, caKey, WithCommonName("bundle"))
	require.NoError(t, err)

	data, err := DumpPKCS12(key, leaf, []*Certificate{ca}, "p12pass")
	require.NoError(t, err)

	bundle, err := LoadPKCS12(data, "p12pass")
	require.NoError(t, err)
	defer bundle.Free()

	assert.True(t, bundle.Certificate.Equal(leaf))
	assert.True(t, key.Matches(bundle.Key))
	require.Len(t, bundle.CACerts, 1)
	assert.True(t, bundle.CACerts[0].Equal(ca))

	_, err = LoadPKCS12(data, "wrong")
	assert.ErrorIs(t, err, sslerr.ErrIncorrectPassphrase)

	_, err = DumpPKCS12(caKey, leaf, nil, "p12pass")
	assert.ErrorIs(t, err, sslerr.ErrKeyMismatch)
}
