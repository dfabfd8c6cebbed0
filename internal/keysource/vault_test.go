package keysource

import (
	"context"
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

const secretPath = "secret/data/tls/web"

func fastRetry() *RetryConfig {
	return &RetryConfig{MaxRetries: 2, BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond}
}

func TestVaultConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     VaultConfig
		wantErr string
	}{
		{
			name: "token auth",
			cfg:  VaultConfig{Address: "http://vault:8200", Token: "t", Path: "tls/web"},
		},
		{
			name: "approle auth",
			cfg: VaultConfig{
				Address: "http://vault:8200", Path: "tls/web", AuthMethod: AuthMethodAppRole,
				AppRole: &AppRoleConfig{RoleID: "r", SecretID: "s"},
			},
		},
		{
			name:    "missing address",
			cfg:     VaultConfig{Token: "t", Path: "tls/web"},
			wantErr: "address is required",
		},
		{
			name:    "missing path",
			cfg:     VaultConfig{Address: "http://vault:8200", Token: "t", Path: "/"},
			wantErr: "path is required",
		},
		{
			name:    "path traversal",
			cfg:     VaultConfig{Address: "http://vault:8200", Token: "t", Path: "tls/../root"},
			wantErr: "must not contain",
		},
		{
			name:    "bad kv version",
			cfg:     VaultConfig{Address: "http://vault:8200", Token: "t", Path: "tls/web", KVVersion: 3},
			wantErr: "kvVersion",
		},
		{
			name:    "token missing",
			cfg:     VaultConfig{Address: "http://vault:8200", Path: "tls/web"},
			wantErr: "token is required",
		},
		{
			name:    "approle without role",
			cfg:     VaultConfig{Address: "http://vault:8200", Path: "tls/web", AuthMethod: AuthMethodAppRole},
			wantErr: "roleId is required",
		},
		{
			name: "approle without secret",
			cfg: VaultConfig{
				Address: "http://vault:8200", Path: "tls/web", AuthMethod: AuthMethodAppRole,
				AppRole: &AppRoleConfig{RoleID: "r"},
			},
			wantErr: "secretId is required",
		},
		{
			name:    "unknown auth method",
			cfg:     VaultConfig{Address: "http://vault:8200", Path: "tls/web", AuthMethod: "kubernetes"},
			wantErr: "unsupported auth method",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestVaultSource_Name(t *testing.T) {
	t.Parallel()

	v2, err := NewVaultSource(VaultConfig{Address: "http://vault:8200", Token: "t", Path: "/tls/web/"})
	require.NoError(t, err)
	assert.Equal(t, "vault:secret/data/tls/web", v2.Name())

	v1, err := NewVaultSource(VaultConfig{Address: "http://vault:8200", Token: "t", Path: "tls/web", Mount: "kv", KVVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, "vault:kv/tls/web", v1.Name())
}

func TestVaultSource_Load(t *testing.T) {
	m := newTestMaterial(t)

	tests := []struct {
		name      string
		cfg       func(addr string) VaultConfig
		path      string
		data      map[string]any
		wantChain int
		wantErr   error
	}{
		{
			name: "pem fields with chain string",
			path: secretPath,
			data: map[string]any{
				"certificate": m.leafPEM,
				"private_key": m.keyPEM,
				"ca_chain":    m.interPEM,
			},
			wantChain: 1,
		},
		{
			name: "ca_chain as a list",
			path: secretPath,
			data: map[string]any{
				"certificate": m.leafPEM,
				"private_key": m.keyPEM,
				"ca_chain":    []any{m.interPEM, m.rootPEM},
			},
			wantChain: 2,
		},
		{
			name: "encrypted key with passphrase field",
			path: secretPath,
			data: map[string]any{
				"certificate": m.leafPEM + m.interPEM,
				"private_key": m.encryptedKeyPEM(t, "vault-pass"),
				"passphrase":  "vault-pass",
			},
			wantChain: 1,
		},
		{
			name: "encrypted key with configured passphrase",
			cfg: func(addr string) VaultConfig {
				return VaultConfig{Address: addr, Token: "root", Path: "tls/web", Passphrase: "cfg-pass"}
			},
			path: secretPath,
			data: map[string]any{
				"certificate": m.leafPEM,
				"private_key": m.encryptedKeyPEM(t, "cfg-pass"),
			},
		},
		{
			name: "encrypted key without passphrase",
			path: secretPath,
			data: map[string]any{
				"certificate": m.leafPEM,
				"private_key": m.encryptedKeyPEM(t, "vault-pass"),
			},
			wantErr: sslerr.ErrIncorrectPassphrase,
		},
		{
			name: "pkcs12 field",
			path: secretPath,
			data: map[string]any{
				"pkcs12":     base64.StdEncoding.EncodeToString(m.pkcs12(t, "p12")),
				"passphrase": "p12",
			},
			wantChain: 1,
		},
		{
			name: "pkcs12 not base64",
			path: secretPath,
			data: map[string]any{
				"pkcs12": "%%%",
			},
			wantErr: ErrInvalidConfig,
		},
		{
			name: "custom field names",
			cfg: func(addr string) VaultConfig {
				return VaultConfig{
					Address: addr, Token: "root", Path: "tls/web",
					Fields: FieldNames{Certificate: "tls.crt", PrivateKey: "tls.key"},
				}
			},
			path: secretPath,
			data: map[string]any{
				"tls.crt": m.leafPEM,
				"tls.key": m.keyPEM,
			},
		},
		{
			name: "kv version 1",
			cfg: func(addr string) VaultConfig {
				return VaultConfig{Address: addr, Token: "root", Mount: "kv", Path: "tls/web", KVVersion: 1}
			},
			path: "kv/tls/web",
			data: map[string]any{
				"certificate": m.leafPEM,
				"private_key": m.keyPEM,
			},
		},
		{
			name: "missing certificate",
			path: secretPath,
			data: map[string]any{
				"private_key": m.keyPEM,
			},
			wantErr: ErrMissingField,
		},
		{
			name: "missing key",
			path: secretPath,
			data: map[string]any{
				"certificate": m.leafPEM,
			},
			wantErr: ErrMissingField,
		},
		{
			name: "malformed certificate",
			path: secretPath,
			data: map[string]any{
				"certificate": "-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n",
				"private_key": m.keyPEM,
			},
			wantErr: sslerr.ErrDecode,
		},
		{
			name:    "secret not found",
			path:    "secret/data/other",
			data:    map[string]any{"certificate": m.leafPEM},
			wantErr: ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vault := newFakeVault(t, "root")
			vault.put(tt.path, tt.data)

			cfg := VaultConfig{Address: vault.server.URL, Token: "root", Path: "tls/web"}
			if tt.cfg != nil {
				cfg = tt.cfg(vault.server.URL)
			}
			cfg.Retry = fastRetry()

			src, err := NewVaultSource(cfg)
			require.NoError(t, err)

			got, err := src.Load(context.Background())
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			t.Cleanup(func() { _ = got.Free() })

			require.NoError(t, got.Check())
			assert.True(t, got.Certificate.Equal(m.leaf))
			assert.Len(t, got.Chain, tt.wantChain)
			assert.NotEmpty(t, got.Version)
		})
	}
}

func TestVaultSource_VersionFromMetadata(t *testing.T) {
	m := newTestMaterial(t)
	vault := newFakeVault(t, "root")
	vault.put(secretPath, map[string]any{"certificate": m.leafPEM, "private_key": m.keyPEM})
	vault.put(secretPath, map[string]any{"certificate": m.leafPEM, "private_key": m.keyPEM})

	src, err := NewVaultSource(VaultConfig{Address: vault.server.URL, Token: "root", Path: "tls/web"})
	require.NoError(t, err)

	got, err := src.Load(context.Background())
	require.NoError(t, err)
	defer func() { _ = got.Free() }()
	assert.Equal(t, "2", got.Version)
}

func TestVaultSource_Authentication(t *testing.T) {
	m := newTestMaterial(t)
	data := map[string]any{"certificate": m.leafPEM, "private_key": m.keyPEM}

	t.Run("token is looked up once", func(t *testing.T) {
		vault := newFakeVault(t, "root")
		vault.put(secretPath, data)
		src, err := NewVaultSource(VaultConfig{Address: vault.server.URL, Token: "root", Path: "tls/web"})
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			got, err := src.Load(context.Background())
			require.NoError(t, err)
			require.NoError(t, got.Free())
		}
		assert.Equal(t, int32(1), vault.lookups.Load())
		assert.Equal(t, int32(3), vault.reads.Load())
	})

	t.Run("wrong token", func(t *testing.T) {
		vault := newFakeVault(t, "root")
		vault.put(secretPath, data)
		src, err := NewVaultSource(VaultConfig{Address: vault.server.URL, Token: "guess", Path: "tls/web"})
		require.NoError(t, err)

		_, err = src.Load(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
		assert.Zero(t, vault.reads.Load())
	})

	t.Run("approle", func(t *testing.T) {
		vault := newFakeVault(t, "issued-token")
		vault.put(secretPath, data)
		src, err := NewVaultSource(VaultConfig{
			Address: vault.server.URL, Path: "tls/web", AuthMethod: AuthMethodAppRole,
			AppRole: &AppRoleConfig{RoleID: "role", SecretID: "secret"},
		})
		require.NoError(t, err)

		got, err := src.Load(context.Background())
		require.NoError(t, err)
		require.NoError(t, got.Free())
		assert.Equal(t, int32(1), vault.logins.Load())
	})

	t.Run("approle rejected", func(t *testing.T) {
		vault := newFakeVault(t, "issued-token")
		src, err := NewVaultSource(VaultConfig{
			Address: vault.server.URL, Path: "tls/web", AuthMethod: AuthMethodAppRole,
			AppRole: &AppRoleConfig{RoleID: "role", SecretID: "wrong"},
		})
		require.NoError(t, err)

		err = src.Authenticate(context.Background())
		require.Error(t, err)
		var se *SourceError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusBadRequest, se.Code)
		assert.Equal(t, "approle_login", se.Op)
	})

	t.Run("denied read re-authenticates once", func(t *testing.T) {
		vault := newFakeVault(t, "root")
		vault.put(secretPath, data)
		src, err := NewVaultSource(VaultConfig{Address: vault.server.URL, Token: "root", Path: "tls/web"})
		require.NoError(t, err)
		require.NoError(t, src.Authenticate(context.Background()))

		vault.fail(secretPath, http.StatusForbidden)
		got, err := src.Load(context.Background())
		require.NoError(t, err)
		require.NoError(t, got.Free())
		assert.Equal(t, int32(2), vault.lookups.Load())
	})

	t.Run("revoked token", func(t *testing.T) {
		vault := newFakeVault(t, "root")
		vault.put(secretPath, data)
		src, err := NewVaultSource(VaultConfig{Address: vault.server.URL, Token: "root", Path: "tls/web"})
		require.NoError(t, err)
		got, err := src.Load(context.Background())
		require.NoError(t, err)
		require.NoError(t, got.Free())

		vault.setToken("rotated")
		_, err = src.Load(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
	})
}

func TestVaultSource_Retry(t *testing.T) {
	m := newTestMaterial(t)
	data := map[string]any{"certificate": m.leafPEM, "private_key": m.keyPEM}

	t.Run("server errors are retried", func(t *testing.T) {
		vault := newFakeVault(t, "root")
		vault.put(secretPath, data)
		metrics := NewMetrics("test")
		src, err := NewVaultSource(
			VaultConfig{Address: vault.server.URL, Token: "root", Path: "tls/web", Retry: fastRetry()},
			WithMetrics(metrics),
		)
		require.NoError(t, err)

		vault.fail(secretPath, http.StatusInternalServerError, http.StatusTooManyRequests)
		got, err := src.Load(context.Background())
		require.NoError(t, err)
		require.NoError(t, got.Free())

		assert.Equal(t, float64(2), testutil.ToFloat64(metrics.retriesTotal.WithLabelValues("kv_read")))
		assert.Equal(t, float64(2), testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("kv_read", "error")))
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("kv_read", "success")))
	})

	t.Run("attempts run out", func(t *testing.T) {
		vault := newFakeVault(t, "root")
		vault.put(secretPath, data)
		src, err := NewVaultSource(VaultConfig{Address: vault.server.URL, Token: "root", Path: "tls/web", Retry: fastRetry()})
		require.NoError(t, err)

		vault.fail(secretPath, http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway)
		_, err = src.Load(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.True(t, IsRetryable(err))
	})

	t.Run("retries disabled", func(t *testing.T) {
		vault := newFakeVault(t, "root")
		vault.put(secretPath, data)
		src, err := NewVaultSource(VaultConfig{
			Address: vault.server.URL, Token: "root", Path: "tls/web",
			Retry: &RetryConfig{MaxRetries: -1},
		})
		require.NoError(t, err)

		vault.fail(secretPath, http.StatusServiceUnavailable)
		_, err = src.Load(context.Background())
		require.Error(t, err)
		var se *SourceError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	})

	t.Run("unreachable vault", func(t *testing.T) {
		vault := newFakeVault(t, "root")
		addr := vault.server.URL
		vault.server.Close()

		src, err := NewVaultSource(VaultConfig{Address: addr, Token: "root", Path: "tls/web", Retry: fastRetry()})
		require.NoError(t, err)
		_, err = src.Load(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("cancelled context", func(t *testing.T) {
		vault := newFakeVault(t, "root")
		vault.put(secretPath, data)
		src, err := NewVaultSource(VaultConfig{
			Address: vault.server.URL, Token: "root", Path: "tls/web",
			Retry: &RetryConfig{MaxRetries: 5, BackoffBase: time.Hour, BackoffMax: time.Hour},
		})
		require.NoError(t, err)
		require.NoError(t, src.Authenticate(context.Background()))

		vault.fail(secretPath, http.StatusInternalServerError)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = src.Load(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", &SourceError{Code: 500, Err: ErrUnavailable}, true},
		{"rate limited", &SourceError{Code: 429, Err: ErrUnavailable}, true},
		{"forbidden", &SourceError{Code: 403, Err: ErrPermissionDenied}, false},
		{"unreachable", newSourceError("kv_read", "x", ErrUnavailable), true},
		{"not found", newSourceError("kv_read", "x", ErrNotFound), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestSourceError(t *testing.T) {
	t.Parallel()

	err := newSourceError("kv_read", "secret/data/x", ErrNotFound)
	assert.Equal(t, "keysource kv_read on secret/data/x: keysource: material not found", err.Error())
	assert.ErrorIs(t, err, ErrNotFound)

	err = newSourceError("decode", "", ErrMissingField)
	assert.Equal(t, "keysource decode: keysource: missing field", err.Error())
}
