package ssl

import (
	"crypto/elliptic"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avatls/internal/handle"
	"github.com/vyrodovalexey/avatls/internal/pki"
	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

type testPKI struct {
	rootKey   *pki.PrivateKey
	root      *pki.Certificate
	serverKey *pki.PrivateKey
	server    *pki.Certificate
	clientKey *pki.PrivateKey
	client    *pki.Certificate
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()

	newKey := func() *pki.PrivateKey {
		key, err := pki.GenerateECKey(elliptic.P256())
		require.NoError(t, err)
		t.Cleanup(func() { _ = key.Free() })
		return key
	}
	issue := func(subject *pki.PrivateKey, issuer *pki.Certificate, issuerKey *pki.PrivateKey, opts ...pki.CertificateOption) *pki.Certificate {
		cert, err := pki.IssueCertificate(subject, issuer, issuerKey, opts...)
		require.NoError(t, err)
		t.Cleanup(func() { _ = cert.Free() })
		return cert
	}

	p := &testPKI{rootKey: newKey(), serverKey: newKey(), clientKey: newKey()}
	p.root = issue(p.rootKey, nil, p.rootKey, pki.WithCommonName("Test Root CA"), pki.WithCA(-1))
	p.server = issue(p.serverKey, p.root, p.rootKey, pki.WithCommonName("localhost"), pki.WithHosts("localhost"))
	p.client = issue(p.clientKey, p.root, p.rootKey, pki.WithCommonName("client"))
	return p
}

func newTestContext(t *testing.T, method Method, opts ...ContextOption) *Context {
	t.Helper()
	ctx, err := NewContext(method, append([]ContextOption{WithArena(handle.NewArena())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Free() })
	return ctx
}

// newServerContext returns a server context presenting the server certificate.
func newServerContext(t *testing.T, p *testPKI, opts ...ContextOption) *Context {
	t.Helper()
	ctx := newTestContext(t, MethodTLSServer, opts...)
	require.NoError(t, ctx.UseCertificate(p.server))
	require.NoError(t, ctx.UsePrivateKey(p.serverKey))
	return ctx
}

// newClientContext returns a client context that verifies the server
// against the test root.
func newClientContext(t *testing.T, p *testPKI, opts ...ContextOption) *Context {
	t.Helper()
	ctx := newTestContext(t, MethodTLSClient, opts...)
	require.NoError(t, ctx.SetVerify(VerifyPeer, nil))
	require.NoError(t, ctx.CertStore().AddCertificate(p.root))
	return ctx
}

type testPair struct {
	client *Connection
	server *Connection
}

func newTestPair(t *testing.T, clientCtx, serverCtx *Context) *testPair {
	t.Helper()
	client, err := NewConnection(clientCtx, NewMemoryTransport())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	server, err := NewConnection(serverCtx, NewMemoryTransport())
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	return &testPair{client: client, server: server}
}

// pump moves everything from's transport has queued into to's transport.
func pump(t *testing.T, from, to *Connection) bool {
	t.Helper()
	data, err := from.BIORead(0)
	if errors.Is(err, sslerr.ErrWantRead) {
		return false
	}
	require.NoError(t, err)
	_, err = to.BIOWrite(data)
	require.NoError(t, err)
	return true
}

// handshake drives both sides until neither can progress.
func (p *testPair) handshake(t *testing.T) (clientErr, serverErr error) {
	t.Helper()
	clientDone, serverDone := false, false
	for i := 0; i < 32 && !(clientDone && serverDone); i++ {
		if !clientDone {
			clientErr = p.client.Handshake()
			clientDone = !sslerr.IsRetry(clientErr)
		}
		pump(t, p.client, p.server)
		if !serverDone {
			serverErr = p.server.Handshake()
			serverDone = !sslerr.IsRetry(serverErr)
		}
		pump(t, p.server, p.client)
	}
	return clientErr, serverErr
}

func (p *testPair) mustHandshake(t *testing.T) {
	t.Helper()
	clientErr, serverErr := p.handshake(t)
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	require.Equal(t, StateEstablished, p.client.State())
	require.Equal(t, StateEstablished, p.server.State())
}

// recvAll reads from c until the transport runs dry.
func recvAll(t *testing.T, c *Connection) ([]byte, error) {
	t.Helper()
	var out []byte
	for {
		data, err := c.Recv(MaxRecordSize)
		if err != nil {
			if errors.Is(err, sslerr.ErrWantRead) && len(out) > 0 {
				return out, nil
			}
			return out, err
		}
		out = append(out, data...)
	}
}
