package ssl

import (
	"crypto/elliptic"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avatls/internal/handle"
	"github.com/vyrodovalexey/avatls/internal/pki"
	"github.com/vyrodovalexey/avatls/internal/sslerr"
	"github.com/vyrodovalexey/avatls/internal/truststore"
)

func TestNewContext(t *testing.T) {
	arena := handle.NewArena()

	ctx, err := NewContext(MethodTLSServer, WithArena(arena))
	require.NoError(t, err)
	assert.Equal(t, 1, arena.Live(KindContext))
	assert.False(t, ctx.Frozen())
	assert.Equal(t, VerifyNone, ctx.VerifyMode())
	assert.Equal(t, -1, ctx.VerifyDepth())
	assert.Equal(t, SessionCacheServer, ctx.SessionCacheMode())
	require.NotNil(t, ctx.CertStore())
	assert.Zero(t, ctx.CertStore().Len())

	require.NoError(t, ctx.Free())
	assert.Equal(t, 0, arena.Live(KindContext))
	assert.ErrorIs(t, ctx.Free(), handle.ErrReleased)
	assert.ErrorIs(t, ctx.SetCipherList("HIGH"), handle.ErrReleased)

	_, err = NewContext(Method(42))
	assert.ErrorIs(t, err, sslerr.ErrConfiguration)
}

func TestContext_ProtocolBounds(t *testing.T) {
	tests := []struct {
		name    string
		min     uint16
		max     uint16
		wantErr bool
	}{
		{"TLS 1.2 to 1.3", TLS12, TLS13, false},
		{"pinned", TLS13, TLS13, false},
		{"unbounded", 0, 0, false},
		{"min above max", TLS13, TLS12, true},
		{"unknown version", 0x0305, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := newTestContext(t, MethodTLSClient)
			require.NoError(t, ctx.SetMinProtocol(0))
			errMax := ctx.SetMaxProtocol(tt.max)
			errMin := ctx.SetMinProtocol(tt.min)
			if tt.wantErr {
				assert.True(t, errMax != nil || errMin != nil)
				if errMin != nil {
					assert.ErrorIs(t, errMin, sslerr.ErrConfiguration)
				}
				return
			}
			assert.NoError(t, errMax)
			assert.NoError(t, errMin)
		})
	}

	t.Run("max below min", func(t *testing.T) {
		ctx := newTestContext(t, MethodTLSClient)
		require.NoError(t, ctx.SetMinProtocol(TLS13))
		assert.ErrorIs(t, ctx.SetMaxProtocol(TLS12), sslerr.ErrConfiguration)
	})
}

func TestContext_CipherSetters(t *testing.T) {
	ctx := newTestContext(t, MethodTLSServer)

	assert.NoError(t, ctx.SetCipherList("ECDHE+AESGCM"))
	assert.ErrorIs(t, ctx.SetCipherList("NULL-MD5"), sslerr.ErrConfiguration)
	assert.NoError(t, ctx.SetCipherSuitesTLS13("TLS_AES_256_GCM_SHA384"))
	assert.ErrorIs(t, ctx.SetCipherSuitesTLS13("AES256-SHA"), sslerr.ErrConfiguration)
	assert.NoError(t, ctx.SetCurves("X25519", "prime256v1"))
	assert.ErrorIs(t, ctx.SetCurves("nope"), sslerr.ErrConfiguration)
}

func TestContext_CertificateAndKey(t *testing.T) {
	p := newTestPKI(t)

	t.Run("check before anything is set", func(t *testing.T) {
		ctx := newTestContext(t, MethodTLSServer)
		assert.ErrorIs(t, ctx.CheckPrivateKey(), sslerr.ErrConfiguration)
		require.NoError(t, ctx.UsePrivateKey(p.serverKey))
		assert.ErrorIs(t, ctx.CheckPrivateKey(), sslerr.ErrConfiguration)
	})

	t.Run("matching pair", func(t *testing.T) {
		ctx := newTestContext(t, MethodTLSServer)
		require.NoError(t, ctx.UseCertificate(p.server))
		require.NoError(t, ctx.UsePrivateKey(p.serverKey))
		assert.NoError(t, ctx.CheckPrivateKey())
	})

	t.Run("mismatched key is refused", func(t *testing.T) {
		ctx := newTestContext(t, MethodTLSServer)
		require.NoError(t, ctx.UseCertificate(p.server))
		err := ctx.UsePrivateKey(p.clientKey)
		require.ErrorIs(t, err, sslerr.ErrKeyMismatch)
		var kerr *sslerr.KeyMismatchError
		require.ErrorAs(t, err, &kerr)
		assert.Contains(t, kerr.Error(), "localhost")
	})

	t.Run("new certificate drops stale key", func(t *testing.T) {
		ctx := newTestContext(t, MethodTLSServer)
		require.NoError(t, ctx.UseCertificate(p.server))
		require.NoError(t, ctx.UsePrivateKey(p.serverKey))
		require.NoError(t, ctx.UseCertificate(p.client))
		assert.ErrorIs(t, ctx.CheckPrivateKey(), sslerr.ErrConfiguration)
	})

	t.Run("context keeps its own references", func(t *testing.T) {
		key, err := pki.GenerateECKey(elliptic.P256())
		require.NoError(t, err)
		cert, err := pki.IssueCertificate(key, p.root, p.rootKey, pki.WithCommonName("owned"))
		require.NoError(t, err)

		ctx := newTestContext(t, MethodTLSServer)
		require.NoError(t, ctx.UseCertificate(cert))
		require.NoError(t, ctx.UsePrivateKey(key))
		require.NoError(t, cert.Free())
		require.NoError(t, key.Free())

		assert.NoError(t, ctx.CheckPrivateKey())
		assert.NotNil(t, cert.X509())
	})

	t.Run("nil arguments", func(t *testing.T) {
		ctx := newTestContext(t, MethodTLSServer)
		assert.ErrorIs(t, ctx.UseCertificate(nil), sslerr.ErrConfiguration)
		assert.ErrorIs(t, ctx.UsePrivateKey(nil), sslerr.ErrConfiguration)
		assert.ErrorIs(t, ctx.UseCertificateChain(), sslerr.ErrConfiguration)
	})
}

func TestContext_Files(t *testing.T) {
	p := newTestPKI(t)
	dir := t.TempDir()

	certPEM, err := p.server.Dump(pki.FormatPEM)
	require.NoError(t, err)
	rootPEM, err := p.root.Dump(pki.FormatPEM)
	require.NoError(t, err)
	keyPEM, err := p.serverKey.Dump(pki.FormatPEM, pki.WithCipher("aes-256-cbc"), pki.WithPassphrase([]byte("secret")))
	require.NoError(t, err)

	certFile := filepath.Join(dir, "server.pem")
	chainFile := filepath.Join(dir, "chain.pem")
	keyFile := filepath.Join(dir, "server.key")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(chainFile, append(append([]byte{}, certPEM...), rootPEM...), 0o600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))

	t.Run("encrypted key with passphrase callback", func(t *testing.T) {
		ctx := newTestContext(t, MethodTLSServer)
		require.NoError(t, ctx.UseCertificateFile(certFile, pki.FormatPEM))

		var gotData any
		require.NoError(t, ctx.SetPassphraseCallback(func(maxLength int, verify bool, data any) ([]byte, error) {
			assert.Positive(t, maxLength)
			assert.False(t, verify)
			gotData = data
			return []byte("secret"), nil
		}, "cb-data"))

		require.NoError(t, ctx.UsePrivateKeyFile(keyFile, pki.FormatPEM))
		assert.Equal(t, "cb-data", gotData)
		assert.NoError(t, ctx.CheckPrivateKey())
	})

	t.Run("encrypted key without callback", func(t *testing.T) {
		ctx := newTestContext(t, MethodTLSServer)
		assert.ErrorIs(t, ctx.UsePrivateKeyFile(keyFile, pki.FormatPEM), sslerr.ErrIncorrectPassphrase)
	})

	t.Run("wrong passphrase", func(t *testing.T) {
		ctx := newTestContext(t, MethodTLSServer)
		require.NoError(t, ctx.SetPassphraseCallback(func(int, bool, any) ([]byte, error) {
			return []byte("wrong"), nil
		}, nil))
		assert.ErrorIs(t, ctx.UsePrivateKeyFile(keyFile, pki.FormatPEM), sslerr.ErrIncorrectPassphrase)
	})

	t.Run("chain file", func(t *testing.T) {
		ctx := newTestContext(t, MethodTLSServer)
		require.NoError(t, ctx.UseCertificateChainFile(chainFile))

		require.NoError(t, ctx.UsePrivateKey(p.serverKey))

		pair := newTestPair(t, newClientContext(t, p), ctx)
		pair.mustHandshake(t)
		chain := pair.client.PeerCertChain()
		require.Len(t, chain, 2)
		assert.True(t, chain[0].Equal(p.server))
		assert.True(t, chain[1].Equal(p.root))
	})

	t.Run("verify locations", func(t *testing.T) {
		ctx := newTestContext(t, MethodTLSClient)
		require.NoError(t, ctx.LoadVerifyLocations(filepath.Join(dir, "server.pem"), ""))
		assert.Equal(t, 1, ctx.CertStore().Len())
	})

	t.Run("missing files", func(t *testing.T) {
		ctx := newTestContext(t, MethodTLSServer)
		assert.ErrorIs(t, ctx.UseCertificateFile(filepath.Join(dir, "absent.pem"), pki.FormatPEM), sslerr.ErrConfiguration)
		assert.ErrorIs(t, ctx.UsePrivateKeyFile(filepath.Join(dir, "absent.key"), pki.FormatPEM), sslerr.ErrConfiguration)
		assert.ErrorIs(t, ctx.UseCertificateFile(keyFile, pki.FormatPEM), sslerr.ErrDecode)
	})
}

func TestContext_ChainIsSent(t *testing.T) {
	p := newTestPKI(t)

	interKey, err := pki.GenerateECKey(elliptic.P256())
	require.NoError(t, err)
	t.Cleanup(func() { _ = interKey.Free() })
	inter, err := pki.IssueCertificate(interKey, p.root, p.rootKey, pki.WithCommonName("Test Intermediate"), pki.WithCA(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = inter.Free() })

	leafKey, err := pki.GenerateECKey(elliptic.P256())
	require.NoError(t, err)
	t.Cleanup(func() { _ = leafKey.Free() })
	leaf, err := pki.IssueCertificate(leafKey, inter, interKey, pki.WithCommonName("leaf.example"), pki.WithHosts("leaf.example"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = leaf.Free() })

	tests := []struct {
		name      string
		sendChain bool
		wantDepth int
		wantCode  truststore.Code
	}{
		{"intermediate sent", true, 0, truststore.CodeOK},
		{"intermediate missing", false, 0, truststore.CodeUnableToGetIssuerCertLocally},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serverCtx := newTestContext(t, MethodTLSServer)
			if tt.sendChain {
				require.NoError(t, serverCtx.UseCertificateChain(leaf, inter))
			} else {
				require.NoError(t, serverCtx.UseCertificate(leaf))
			}
			require.NoError(t, serverCtx.UsePrivateKey(leafKey))

			pair := newTestPair(t, newClientContext(t, p), serverCtx)
			clientErr, _ := pair.handshake(t)

			if tt.wantCode == truststore.CodeOK {
				require.NoError(t, clientErr)
				assert.Len(t, pair.client.PeerCertChain(), 2)
				assert.Len(t, pair.client.VerifiedChain(), 3)
				return
			}
			var verr *truststore.VerificationError
			require.ErrorAs(t, clientErr, &verr)
			assert.Equal(t, tt.wantCode, verr.Code)
			assert.Equal(t, tt.wantDepth, verr.Depth)
		})
	}
}

func TestContext_VerifySettings(t *testing.T) {
	p := newTestPKI(t)
	ctx := newTestContext(t, MethodTLSServer)

	require.NoError(t, ctx.SetVerify(VerifyPeer|VerifyFailIfNoPeerCert, nil))
	assert.True(t, ctx.VerifyMode().Has(VerifyPeer))
	assert.True(t, ctx.VerifyMode().Has(VerifyFailIfNoPeerCert))
	assert.False(t, ctx.VerifyMode().Has(VerifyClientOnce))
	assert.ErrorIs(t, ctx.SetVerify(VerifyMode(64), nil), sslerr.ErrConfiguration)

	require.NoError(t, ctx.SetVerifyDepth(3))
	assert.Equal(t, 3, ctx.VerifyDepth())

	require.NoError(t, ctx.SetClientCAList(p.root))
	require.NoError(t, ctx.AddClientCA(p.root))
	names := ctx.ClientCAList()
	require.Len(t, names, 2)
	assert.Equal(t, "Test Root CA", names[0].CommonName)

	store, err := truststore.New()
	require.NoError(t, err)
	require.NoError(t, store.AddCertificate(p.root))
	require.NoError(t, ctx.SetTrustStore(store))
	require.NoError(t, store.Free())
	assert.Same(t, store, ctx.CertStore())
	assert.Equal(t, 1, ctx.CertStore().Len())
	assert.ErrorIs(t, ctx.SetTrustStore(nil), sslerr.ErrConfiguration)
}

func TestContext_SessionSettings(t *testing.T) {
	ctx := newTestContext(t, MethodTLSClient)

	require.NoError(t, ctx.SetSessionCacheMode(SessionCacheBoth))
	assert.Equal(t, SessionCacheBoth, ctx.SessionCacheMode())
	assert.ErrorIs(t, ctx.SetSessionCacheMode(SessionCacheMode(8)), sslerr.ErrConfiguration)

	require.NoError(t, ctx.SetSessionIDContext([]byte("app")))
	assert.ErrorIs(t, ctx.SetSessionIDContext(make([]byte, 33)), sslerr.ErrConfiguration)
	require.NoError(t, ctx.SetSessionTickets(false))
}

func TestContext_ALPNValidation(t *testing.T) {
	tests := []struct {
		name    string
		protos  []string
		wantErr bool
	}{
		{"single", []string{"h2"}, false},
		{"several", []string{"h2", "http/1.1"}, false},
		{"empty list", nil, true},
		{"empty name", []string{"h2", ""}, true},
		{"name too long", []string{string(make([]byte, 256))}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := newTestContext(t, MethodTLSClient)
			err := ctx.SetALPNProtos(tt.protos...)
			if tt.wantErr {
				assert.ErrorIs(t, err, sslerr.ErrConfiguration)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestContext_FreezeAndMutationPolicy(t *testing.T) {
	p := newTestPKI(t)

	tests := []struct {
		name         string
		policy       MutationPolicy
		mutate       func(ctx *Context) error
		setter       string
		wantRejected bool
	}{
		{
			name:   "security setter warns",
			policy: MutationWarn,
			mutate: func(ctx *Context) error { return ctx.SetCipherList("ECDHE+AESGCM") },
			setter: "set_cipher_list",
		},
		{
			name:         "security setter rejected",
			policy:       MutationReject,
			mutate:       func(ctx *Context) error { return ctx.SetVerify(VerifyNone, nil) },
			setter:       "set_verify",
			wantRejected: true,
		},
		{
			name:         "key rejected",
			policy:       MutationReject,
			mutate:       func(ctx *Context) error { return ctx.UsePrivateKey(p.serverKey) },
			setter:       "use_privatekey",
			wantRejected: true,
		},
		{
			name:   "non security setter applies under reject",
			policy: MutationReject,
			mutate: func(ctx *Context) error { return ctx.SetALPNProtos("h2") },
			setter: "set_alpn_protos",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := NewMetrics("test")
			ctx := newServerContext(t, p, WithMetrics(metrics))
			require.NoError(t, ctx.SetMutationPolicy(tt.policy))

			require.NoError(t, ctx.SetCipherList("HIGH"), "setters are free before freeze")
			assert.Zero(t, testutil.CollectAndCount(metrics.contextMutations))

			conn, err := NewConnection(ctx, NewMemoryTransport())
			require.NoError(t, err)
			defer func() { _ = conn.Close() }()
			require.True(t, ctx.Frozen())

			err = tt.mutate(ctx)
			outcome := "warned"
			if tt.wantRejected {
				outcome = "rejected"
				var serr *sslerr.StateError
				require.ErrorAs(t, err, &serr)
				assert.Equal(t, tt.setter, serr.Op)
				assert.Equal(t, "frozen", serr.State)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, float64(1), testutil.ToFloat64(metrics.contextMutations.WithLabelValues(tt.setter, outcome)))
		})
	}
}

func TestContext_ChangesAfterFreezeOnlyAffectNewConnections(t *testing.T) {
	p := newTestPKI(t)
	clientCtx := newClientContext(t, p)
	serverCtx := newServerContext(t, p)
	require.NoError(t, serverCtx.SetALPNProtos("h2"))
	require.NoError(t, clientCtx.SetALPNProtos("h2", "http/1.1"))

	first := newTestPair(t, clientCtx, serverCtx)
	require.NoError(t, serverCtx.SetALPNProtos("http/1.1"))
	second := newTestPair(t, clientCtx, serverCtx)

	first.mustHandshake(t)
	second.mustHandshake(t)
	assert.Equal(t, "h2", first.server.ALPNSelected())
	assert.Equal(t, "http/1.1", second.server.ALPNSelected())
}

func TestContext_CertificateReplacedWhileConnectionHoldsIt(t *testing.T) {
	p := newTestPKI(t)

	key, err := pki.GenerateECKey(elliptic.P256())
	require.NoError(t, err)
	cert, err := pki.IssueCertificate(key, p.root, p.rootKey, pki.WithCommonName("localhost"), pki.WithHosts("localhost"))
	require.NoError(t, err)

	serverCtx := newTestContext(t, MethodTLSServer)
	require.NoError(t, serverCtx.UseCertificate(cert))
	require.NoError(t, serverCtx.UsePrivateKey(key))
	require.NoError(t, cert.Free())
	require.NoError(t, key.Free())

	pair := newTestPair(t, newClientContext(t, p), serverCtx)

	require.NoError(t, serverCtx.UseCertificate(p.server))
	require.NoError(t, serverCtx.UsePrivateKey(p.serverKey))

	pair.mustHandshake(t)
	assert.Equal(t, "localhost", pair.client.PeerCertificate().Subject().CommonName)
	assert.False(t, pair.client.PeerCertificate().Equal(p.server))
}

func TestContext_AppData(t *testing.T) {
	ctx := newTestContext(t, MethodTLS)
	assert.Nil(t, ctx.AppData())
	ctx.SetAppData("value")
	assert.Equal(t, "value", ctx.AppData())
}
