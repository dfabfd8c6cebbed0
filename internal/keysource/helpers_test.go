package keysource

import (
	"crypto/elliptic"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avatls/internal/pki"
)

type testMaterial struct {
	rootKey  *pki.PrivateKey
	root     *pki.Certificate
	interKey *pki.PrivateKey
	inter    *pki.Certificate
	leafKey  *pki.PrivateKey
	leaf     *pki.Certificate

	leafPEM  string
	interPEM string
	rootPEM  string
	keyPEM   string
}

func newTestMaterial(t *testing.T) *testMaterial {
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
	dump := func(c *pki.Certificate) string {
		out, err := c.Dump(pki.FormatPEM)
		require.NoError(t, err)
		return string(out)
	}

	m := &testMaterial{rootKey: newKey(), interKey: newKey(), leafKey: newKey()}
	m.root = issue(m.rootKey, nil, m.rootKey, pki.WithCommonName("Keysource Root"), pki.WithCA(-1))
	m.inter = issue(m.interKey, m.root, m.rootKey, pki.WithCommonName("Keysource Intermediate"), pki.WithCA(0))
	m.leaf = issue(m.leafKey, m.inter, m.interKey, pki.WithCommonName("localhost"), pki.WithHosts("localhost"))

	m.leafPEM, m.interPEM, m.rootPEM = dump(m.leaf), dump(m.inter), dump(m.root)
	keyPEM, err := m.leafKey.Dump(pki.FormatPEM)
	require.NoError(t, err)
	m.keyPEM = string(keyPEM)
	return m
}

func (m *testMaterial) encryptedKeyPEM(t *testing.T, passphrase string) string {
	t.Helper()
	out, err := m.leafKey.Dump(pki.FormatPEM, pki.WithCipher("aes-256-cbc"), pki.WithPassphrase([]byte(passphrase)))
	require.NoError(t, err)
	return string(out)
}

func (m *testMaterial) pkcs12(t *testing.T, passphrase string) []byte {
	t.Helper()
	out, err := pki.DumpPKCS12(m.leafKey, m.leaf, []*pki.Certificate{m.inter}, passphrase)
	require.NoError(t, err)
	return out
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

// fakeVault serves the subset of the Vault HTTP API the source uses.
type fakeVault struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	token    string
	secrets  map[string]map[string]any
	versions map[string]int
	failures map[string][]int

	reads   atomic.Int32
	lookups atomic.Int32
	logins  atomic.Int32
}

func newFakeVault(t *testing.T, token string) *fakeVault {
	t.Helper()
	v := &fakeVault{
		t:        t,
		token:    token,
		secrets:  make(map[string]map[string]any),
		versions: make(map[string]int),
		failures: make(map[string][]int),
	}
	v.server = httptest.NewServer(http.HandlerFunc(v.handle))
	t.Cleanup(v.server.Close)
	return v
}

// put stores data at a KV v2 path such as "secret/data/tls/web".
func (v *fakeVault) put(path string, data map[string]any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[path] = data
	v.versions[path]++
}

// fail makes the next requests to path answer with the given statuses.
func (v *fakeVault) fail(path string, statuses ...int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failures[path] = append(v.failures[path], statuses...)
}

func (v *fakeVault) setToken(token string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.token = token
}

func (v *fakeVault) reply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	assert.NoError(v.t, json.NewEncoder(w).Encode(body))
}

func (v *fakeVault) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/")

	v.mu.Lock()
	token := v.token
	var injected int
	if queue := v.failures[path]; len(queue) > 0 {
		injected, v.failures[path] = queue[0], queue[1:]
	}
	data, found := v.secrets[path]
	version := v.versions[path]
	v.mu.Unlock()

	if injected != 0 {
		v.reply(w, injected, map[string]any{"errors": []string{http.StatusText(injected)}})
		return
	}

	switch {
	case path == "auth/approle/login":
		v.logins.Add(1)
		var body map[string]string
		assert.NoError(v.t, json.NewDecoder(r.Body).Decode(&body))
		if body["role_id"] != "role" || body["secret_id"] != "secret" {
			v.reply(w, http.StatusBadRequest, map[string]any{"errors": []string{"invalid role or secret ID"}})
			return
		}
		v.reply(w, http.StatusOK, map[string]any{
			"auth": map[string]any{"client_token": token, "lease_duration": 3600, "renewable": true},
		})
		return
	}

	if r.Header.Get("X-Vault-Token") != token {
		v.reply(w, http.StatusForbidden, map[string]any{"errors": []string{"permission denied"}})
		return
	}

	switch {
	case path == "auth/token/lookup-self":
		v.lookups.Add(1)
		v.reply(w, http.StatusOK, map[string]any{"data": map[string]any{"ttl": 3600, "renewable": false}})
	case !found:
		v.reads.Add(1)
		v.reply(w, http.StatusNotFound, map[string]any{"errors": []string{}})
	case strings.Contains(path, "/data/"):
		v.reads.Add(1)
		v.reply(w, http.StatusOK, map[string]any{"data": map[string]any{
			"data":     data,
			"metadata": map[string]any{"version": version},
		}})
	default:
		v.reads.Add(1)
		v.reply(w, http.StatusOK, map[string]any{"data": data})
	}
}
