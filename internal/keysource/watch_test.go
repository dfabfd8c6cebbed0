package keysource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_Poll(t *testing.T) {
	m := newTestMaterial(t)
	dir := t.TempDir()
	certPath := writeFile(t, dir, "cert.pem", m.leafPEM)
	keyPath := writeFile(t, dir, "key.pem", m.keyPEM)

	src, err := NewFileSource(FileConfig{CertFile: certPath, KeyFile: keyPath}, nil)
	require.NoError(t, err)

	var versions []string
	reject := false
	metrics := NewMetrics("test")
	w := NewWatcher(src, time.Hour, func(got *Material) error {
		defer func() { _ = got.Free() }()
		if reject {
			return errors.New("rejected")
		}
		versions = append(versions, got.Version)
		return nil
	}, nil, metrics)

	ctx := context.Background()
	assert.True(t, w.Poll(ctx), "first poll reports the initial material")
	assert.False(t, w.Poll(ctx), "unchanged material is not reported")

	writeFile(t, dir, "cert.pem", m.leafPEM+m.interPEM)
	reject = true
	assert.False(t, w.Poll(ctx))
	assert.Equal(t, versions[0], w.Version(), "a rejected version is not remembered")

	reject = false
	assert.True(t, w.Poll(ctx))
	require.Len(t, versions, 2)
	assert.Equal(t, versions[1], w.Version())

	writeFile(t, dir, "key.pem", "garbage")
	assert.False(t, w.Poll(ctx))

	name := src.Name()
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.refreshTotal.WithLabelValues(name, "changed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.refreshTotal.WithLabelValues(name, "unchanged")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.refreshTotal.WithLabelValues(name, "error")))
}

func TestWatcher_RunVault(t *testing.T) {
	m := newTestMaterial(t)
	vault := newFakeVault(t, "root")
	vault.put(secretPath, map[string]any{"certificate": m.leafPEM, "private_key": m.keyPEM})

	src, err := NewVaultSource(VaultConfig{Address: vault.server.URL, Token: "root", Path: "tls/web"})
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	changed := make(chan struct{}, 4)
	w := NewWatcher(src, 10*time.Millisecond, func(got *Material) error {
		mu.Lock()
		seen = append(seen, got.Version)
		mu.Unlock()
		changed <- struct{}{}
		return got.Free()
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	waitFor := func() {
		t.Helper()
		select {
		case <-changed:
		case <-time.After(5 * time.Second):
			t.Fatal("watcher did not report a change")
		}
	}

	waitFor()
	vault.put(secretPath, map[string]any{"certificate": m.leafPEM + m.interPEM, "private_key": m.keyPEM})
	waitFor()

	w.Stop()
	w.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2"}, seen)
}

func TestWatcher_Defaults(t *testing.T) {
	src, err := NewFileSource(FileConfig{CertFile: "c", KeyFile: "k"}, nil)
	require.NoError(t, err)

	w := NewWatcher(src, 0, func(*Material) error { return nil }, nil, nil)
	assert.Equal(t, DefaultWatchInterval, w.interval)
	assert.Empty(t, w.Version())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)
}
