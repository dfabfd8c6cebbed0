package ssl

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avatls/internal/handle"
	"github.com/vyrodovalexey/avatls/internal/pki"
	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

func TestTLSVersion(t *testing.T) {
	tests := []struct {
		version TLSVersion
		valid   bool
		number  uint16
		legacy  bool
	}{
		{TLSVersionAuto, true, 0, false},
		{TLSVersion10, true, TLS10, true},
		{TLSVersion11, true, TLS11, true},
		{TLSVersion12, true, TLS12, false},
		{TLSVersion13, true, TLS13, false},
		{TLSVersion("SSL3"), false, 0, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.version), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.version.IsValid())
			assert.Equal(t, tt.number, tt.version.ToTLSVersion())
			assert.Equal(t, tt.legacy, tt.version.IsLegacy())
		})
	}
}

func TestParseContextConfig(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		check   func(t *testing.T, cfg *ContextConfig)
		wantErr string
	}{
		{
			name: "defaults",
			yaml: "{}",
			check: func(t *testing.T, cfg *ContextConfig) {
				assert.Equal(t, "any", cfg.Method)
				assert.Equal(t, TLSVersion12, cfg.MinVersion)
				assert.Equal(t, TLSVersion13, cfg.MaxVersion)
			},
		},
		{
			name: "full document",
			yaml: `
method: server
minVersion: TLS13
cipherList: "ECDHE+AESGCM"
alpn: [h2, http/1.1]
verify:
  mode: require
  depth: 2
sessions:
  mode: both
  idContext: app
  redis:
    addrs: ["127.0.0.1:6379"]
    ttl: 30m
    ttlJitter: 0.1
mutationPolicy: reject
`,
			check: func(t *testing.T, cfg *ContextConfig) {
				assert.Equal(t, "server", cfg.Method)
				assert.Equal(t, TLSVersion13, cfg.MinVersion)
				assert.Equal(t, []string{"h2", "http/1.1"}, cfg.ALPN)
				require.NotNil(t, cfg.Verify)
				assert.Equal(t, 2, cfg.Verify.Depth)
				require.NotNil(t, cfg.Sessions)
				require.NotNil(t, cfg.Sessions.Redis)
				assert.Equal(t, 30*time.Minute, cfg.Sessions.Redis.TTL)
				assert.Equal(t, "reject", cfg.MutationPolicy)
			},
		},
		{name: "malformed yaml", yaml: "method: [", wantErr: "failed to parse"},
		{name: "unknown method", yaml: "method: both", wantErr: "method"},
		{name: "unknown version", yaml: "minVersion: TLS14", wantErr: "minVersion"},
		{name: "inverted versions", yaml: "minVersion: TLS13\nmaxVersion: TLS12", wantErr: "cannot be greater"},
		{name: "unknown verify mode", yaml: "verify: {mode: sometimes}", wantErr: "verify.mode"},
		{name: "negative depth", yaml: "verify: {depth: -1}", wantErr: "verify.depth"},
		{name: "unknown session mode", yaml: "sessions: {mode: shared}", wantErr: "sessions.mode"},
		{name: "redis without addresses", yaml: "sessions: {redis: {}}", wantErr: "sessions.redis.addrs"},
		{name: "negative session timeout", yaml: "sessions: {timeout: -5s}", wantErr: "sessions.timeout"},
		{name: "unknown renegotiation", yaml: "renegotiation: always", wantErr: "renegotiation"},
		{name: "unknown mutation policy", yaml: "mutationPolicy: ignore", wantErr: "mutationPolicy"},
		{name: "file certificate without key", yaml: "certificate: {certFile: a.pem}", wantErr: "certificate.keyFile"},
		{name: "inline certificate without data", yaml: "certificate: {source: inline, keyData: x}", wantErr: "certificate.certData"},
		{name: "unknown certificate source", yaml: "certificate: {source: vault}", wantErr: "certificate.source"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseContextConfig([]byte(tt.yaml))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, sslerr.ErrConfiguration)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}

	var nilCfg *ContextConfig
	assert.ErrorIs(t, nilCfg.Validate(), sslerr.ErrConfiguration)
}

// writePKIFiles writes the server certificate, its key and the root to dir.
func writePKIFiles(t *testing.T, p *testPKI, dir string) (certFile, keyFile, caFile string) {
	t.Helper()
	certPEM, err := p.server.Dump(pki.FormatPEM)
	require.NoError(t, err)
	keyPEM, err := p.serverKey.Dump(pki.FormatPEM)
	require.NoError(t, err)
	rootPEM, err := p.root.Dump(pki.FormatPEM)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "tls.crt")
	keyFile = filepath.Join(dir, "tls.key")
	caFile = filepath.Join(dir, "ca.crt")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))
	require.NoError(t, os.WriteFile(caFile, rootPEM, 0o600))
	return certFile, keyFile, caFile
}

func TestNewContextFromConfig_Files(t *testing.T) {
	p := newTestPKI(t)
	certFile, keyFile, caFile := writePKIFiles(t, p, t.TempDir())

	serverYAML := fmt.Sprintf(`
method: server
certificate:
  certFile: %q
  keyFile: %q
verify:
  clientCAFile: %q
sessions:
  cacheSize: 8
`, certFile, keyFile, caFile)
	clientYAML := fmt.Sprintf(`
method: client
alpn: [h2]
verify:
  mode: peer
  caFile: %q
sessions:
  mode: both
`, caFile)

	build := func(doc string) *Context {
		cfg, err := ParseContextConfig([]byte(doc))
		require.NoError(t, err)
		ctx, err := NewContextFromConfig(cfg, WithArena(handle.NewArena()))
		require.NoError(t, err)
		t.Cleanup(func() { _ = ctx.Free() })
		return ctx
	}
	serverCtx := build(serverYAML)
	clientCtx := build(clientYAML)

	assert.NoError(t, serverCtx.CheckPrivateKey())
	require.Len(t, serverCtx.ClientCAList(), 1)
	assert.Equal(t, VerifyPeer, clientCtx.VerifyMode())
	assert.Equal(t, SessionCacheBoth, clientCtx.SessionCacheMode())
	assert.Equal(t, 1, clientCtx.CertStore().Len())

	pair := newTestPair(t, clientCtx, serverCtx)
	pair.mustHandshake(t)
	assert.True(t, pair.client.PeerCertificate().Equal(p.server))
}

func TestNewContextFromConfig_Inline(t *testing.T) {
	p := newTestPKI(t)
	certPEM, err := p.server.Dump(pki.FormatPEM)
	require.NoError(t, err)
	keyPEM, err := p.serverKey.Dump(pki.FormatPEM, pki.WithCipher("aes-128-gcm"), pki.WithPassphrase([]byte("hunter2")))
	require.NoError(t, err)
	rootPEM, err := p.root.Dump(pki.FormatPEM)
	require.NoError(t, err)

	tests := []struct {
		name       string
		passphrase string
		wantErr    error
	}{
		{"correct passphrase", "hunter2", nil},
		{"missing passphrase", "", sslerr.ErrIncorrectPassphrase},
		{"wrong passphrase", "nope", sslerr.ErrIncorrectPassphrase},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arena := handle.NewArena()
			cfg := &ContextConfig{
				Method:     "server",
				MinVersion: TLSVersion12,
				Certificate: &CertificateConfig{
					Source:     CertificateSourceInline,
					CertData:   string(certPEM) + string(rootPEM),
					KeyData:    string(keyPEM),
					Passphrase: tt.passphrase,
				},
				Verify: &VerifyConfig{CAData: string(rootPEM)},
			}

			ctx, err := NewContextFromConfig(cfg, WithArena(arena))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Zero(t, arena.Live(KindContext), "failed builds release the context")
				return
			}
			require.NoError(t, err)
			defer func() { _ = ctx.Free() }()
			assert.NoError(t, ctx.CheckPrivateKey())
			assert.Equal(t, 1, ctx.CertStore().Len())
		})
	}
}

func TestNewContextFromConfig_ApplyErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  *ContextConfig
	}{
		{"invalid", &ContextConfig{Method: "nope"}},
		{"bad cipher list", &ContextConfig{CipherList: "NOT-A-CIPHER"}},
		{"bad curve", &ContextConfig{CurvePreferences: []string{"brainpool"}}},
		{"missing certificate file", &ContextConfig{Certificate: &CertificateConfig{CertFile: "/nonexistent/tls.crt", KeyFile: "/nonexistent/tls.key"}}},
		{"long session id context", &ContextConfig{Sessions: &SessionConfig{IDContext: string(make([]byte, 40))}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arena := handle.NewArena()
			_, err := NewContextFromConfig(tt.cfg, WithArena(arena))
			assert.ErrorIs(t, err, sslerr.ErrConfiguration)
			assert.Zero(t, arena.Live(KindContext))
		})
	}
}

func TestNewContextFromConfig_RedisSessions(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	p := newTestPKI(t)
	cfg := &ContextConfig{
		Method:     "client",
		MaxVersion: TLSVersion12,
		Verify:     &VerifyConfig{Mode: "peer"},
		Sessions: &SessionConfig{
			Mode:    "client",
			Timeout: 30 * time.Second,
			Redis: &RedisSessionConfig{
				Addrs:     []string{mr.Addr()},
				KeyPrefix: "cfg:",
				TTL:       time.Minute,
				Timeout:   time.Second,
			},
		},
	}
	clientCtx, err := NewContextFromConfig(cfg, WithArena(handle.NewArena()))
	require.NoError(t, err)
	defer func() { _ = clientCtx.Free() }()
	require.NoError(t, clientCtx.CertStore().AddCertificate(p.root))

	serverCtx := newServerContext(t, p)
	newTestPair(t, clientCtx, serverCtx).mustHandshake(t)

	assert.Equal(t, 30*time.Second, clientCtx.Timeout())
	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "cfg:")
	assert.Equal(t, 30*time.Second, mr.TTL(keys[0]), "session timeout caps the Redis TTL")

	pair := newTestPair(t, clientCtx, serverCtx)
	pair.mustHandshake(t)
	assert.True(t, pair.client.SessionReused())
}
