package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/health"
	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/ssl"
)

func serveConfig(f *testFiles) *config.Config {
	cfg := config.DefaultConfig()
	cfg.TLS.Certificate = &ssl.CertificateConfig{
		Source:   ssl.CertificateSourceFile,
		CertFile: f.leaf,
		KeyFile:  f.leafKey,
	}
	cfg.Server = &config.ServerConfig{Listen: "127.0.0.1:0", PollInterval: 20 * time.Millisecond}
	cfg.Server.SetDefaults()
	return cfg
}

// startServeApp runs a server built the way "avatls serve" builds it and
// returns its address.
func startServeApp(t *testing.T, cfg *config.Config) (*serveApp, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	app, err := newServeApp(ctx, cfg, observability.NopLogger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- app.srv.ListenAndServe(ctx) }()
	t.Cleanup(func() {
		_ = app.shutdown(5 * time.Second)
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return app.srv.Addr() != nil }, 5*time.Second, 10*time.Millisecond)
	return app, app.srv.Addr().String()
}

func TestServeAndConnect(t *testing.T) {
	f := writeTestFiles(t)
	app, addr := startServeApp(t, serveConfig(f))

	leaf := app.currentLeaf()
	require.NotNil(t, leaf)
	assert.Equal(t, "localhost", leaf.Subject().CommonName)

	t.Run("json report", func(t *testing.T) {
		code, stdout, stderr := runCLI("connect", "-address", addr, "-ca", f.caCert,
			"-payload", "ping", "-json", "-log-level", "error")
		require.Equal(t, 0, code, stderr)

		var report connectReport
		require.NoError(t, json.Unmarshal([]byte(stdout), &report))
		assert.Equal(t, "TLSv1.3", report.Version)
		assert.Equal(t, "ok", report.Verify)
		assert.Equal(t, "ping", report.Echo)
		require.NotEmpty(t, report.Chain)
		assert.Contains(t, report.Chain[0].Subject, "CN=localhost")
		assert.Nil(t, report.OCSP)
	})

	t.Run("text report", func(t *testing.T) {
		code, stdout, stderr := runCLI("connect", "-address", addr, "-servername", "localhost",
			"-ca", f.caCert, "-log-level", "error")
		require.Equal(t, 0, code, stderr)
		assert.Contains(t, stdout, "protocol:    TLSv1.3")
		assert.Contains(t, stdout, "chain[0]:    CN=localhost")
	})

	t.Run("untrusted server", func(t *testing.T) {
		other := writeTestFiles(t)
		code, _, stderr := runCLI("connect", "-address", addr, "-ca", other.caCert, "-log-level", "error")
		assert.Equal(t, 1, code)
		assert.Contains(t, stderr, "avatls connect:")
	})

	t.Run("insecure skips verification", func(t *testing.T) {
		code, _, stderr := runCLI("connect", "-address", addr, "-insecure", "-log-level", "error")
		assert.Equal(t, 0, code, stderr)
	})

	t.Run("ocsp required but not stapled", func(t *testing.T) {
		code, _, _ := runCLI("connect", "-address", addr, "-ca", f.caCert,
			"-require-ocsp", "-log-level", "error")
		assert.Equal(t, 1, code)
	})
}

func TestServeApp_ReloadConfig(t *testing.T) {
	f := writeTestFiles(t)
	cfg := serveConfig(f)
	app, addr := startServeApp(t, cfg)

	// A second leaf from the same CA under another name.
	code, _, stderr := runCLI("genkey", "-type", "ec", "-out", f.leafKey,
		"-cert", f.leaf, "-cn", "reloaded", "-hosts", "localhost,127.0.0.1",
		"-issuer-cert", f.caCert, "-issuer-key", f.caKey)
	require.Equal(t, 0, code, stderr)

	next := serveConfig(f)
	next.Server.Listen = "127.0.0.1:1"
	app.reloadConfig(context.Background(), next)

	require.NoError(t, app.lastReloadError())
	assert.Equal(t, "reloaded", app.currentLeaf().Subject().CommonName)
	assert.Equal(t, cfg.Server.Listen, app.config().Server.Listen, "listen address is kept")

	code, stdout, stderr := runCLI("connect", "-address", addr, "-ca", f.caCert, "-log-level", "error")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "CN=reloaded")

	t.Run("broken reload keeps serving", func(t *testing.T) {
		broken := serveConfig(f)
		broken.TLS.Certificate.CertFile = f.dir + "/missing.pem"
		app.reloadConfig(context.Background(), broken)

		assert.Error(t, app.lastReloadError())
		assert.Equal(t, "reloaded", app.currentLeaf().Subject().CommonName)

		rec := httptest.NewRecorder()
		app.checker.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		var resp health.ReadinessResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, health.StatusDegraded, resp.Status)
	})
}

func TestServeApp_ShutdownDrains(t *testing.T) {
	f := writeTestFiles(t)
	app, _ := startServeApp(t, serveConfig(f))

	require.NoError(t, app.shutdown(time.Second))
	assert.Nil(t, app.currentLeaf())

	rec := httptest.NewRecorder()
	app.checker.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
