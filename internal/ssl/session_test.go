package ssl

import (
	"crypto/tls"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

// newTLS12ClientContext pins the client to TLS 1.2, where the session ticket
// arrives during the handshake.
func newTLS12ClientContext(t *testing.T, p *testPKI) *Context {
	t.Helper()
	ctx := newClientContext(t, p)
	require.NoError(t, ctx.SetMaxProtocol(TLS12))
	return ctx
}

func TestSession_ResumeWithSetSession(t *testing.T) {
	p := newTestPKI(t)
	clientCtx := newTLS12ClientContext(t, p)
	serverCtx := newServerContext(t, p)

	first := newTestPair(t, clientCtx, serverCtx)
	first.mustHandshake(t)
	assert.False(t, first.client.SessionReused())
	session := first.client.Session()
	require.NotNil(t, session)

	tests := []struct {
		name    string
		session func(t *testing.T) *Session
	}{
		{
			name:    "same process",
			session: func(*testing.T) *Session { return session },
		},
		{
			name: "marshaled",
			session: func(t *testing.T) *Session {
				data, err := session.Marshal()
				require.NoError(t, err)
				s, err := UnmarshalSession(data)
				require.NoError(t, err)
				return s
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pair := newTestPair(t, clientCtx, serverCtx)
			require.NoError(t, pair.client.SetSession(tt.session(t)))
			pair.mustHandshake(t)

			assert.True(t, pair.client.SessionReused())
			assert.True(t, pair.server.SessionReused())
			require.NotNil(t, pair.client.PeerCertificate())
			assert.True(t, pair.client.PeerCertificate().Equal(p.server))
		})
	}
}

func TestSession_DifferentServerContextDeclines(t *testing.T) {
	p := newTestPKI(t)
	clientCtx := newTLS12ClientContext(t, p)

	first := newTestPair(t, clientCtx, newServerContext(t, p))
	first.mustHandshake(t)
	session := first.client.Session()
	require.NotNil(t, session)

	pair := newTestPair(t, clientCtx, newServerContext(t, p))
	require.NoError(t, pair.client.SetSession(session))
	pair.mustHandshake(t)
	assert.False(t, pair.client.SessionReused())
}

func TestSession_ContextCacheMode(t *testing.T) {
	p := newTestPKI(t)

	tests := []struct {
		name       string
		mode       SessionCacheMode
		wantResume bool
	}{
		{"client caching enabled", SessionCacheBoth, true},
		{"client caching disabled", SessionCacheServer, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientCtx := newTLS12ClientContext(t, p)
			require.NoError(t, clientCtx.SetSessionCacheMode(tt.mode))
			serverCtx := newServerContext(t, p)

			newTestPair(t, clientCtx, serverCtx).mustHandshake(t)

			pair := newTestPair(t, clientCtx, serverCtx)
			pair.mustHandshake(t)
			assert.Equal(t, tt.wantResume, pair.client.SessionReused())
		})
	}
}

func TestSession_ServerTicketsDisabled(t *testing.T) {
	p := newTestPKI(t)
	clientCtx := newTLS12ClientContext(t, p)
	require.NoError(t, clientCtx.SetSessionCacheMode(SessionCacheBoth))
	serverCtx := newServerContext(t, p)
	require.NoError(t, serverCtx.SetSessionTickets(false))

	newTestPair(t, clientCtx, serverCtx).mustHandshake(t)
	pair := newTestPair(t, clientCtx, serverCtx)
	pair.mustHandshake(t)
	assert.False(t, pair.client.SessionReused())
}

func TestSession_RedisCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	p := newTestPKI(t)
	cache := NewRedisSessionCache(client, WithRedisKeyPrefix("test:session:"), WithRedisTTL(time.Hour, 0.1))

	clientCtx := newTLS12ClientContext(t, p)
	require.NoError(t, clientCtx.SetSessionCacheMode(SessionCacheClient))
	require.NoError(t, clientCtx.SetSessionCache(cache))
	require.NoError(t, clientCtx.SetTimeout(2*time.Hour))
	serverCtx := newServerContext(t, p)

	newTestPair(t, clientCtx, serverCtx).mustHandshake(t)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "test:session:"))
	assert.NotContains(t, keys[0], "memory")
	ttl := mr.TTL(keys[0])
	assert.Greater(t, ttl, 50*time.Minute)
	assert.LessOrEqual(t, ttl, 66*time.Minute)

	pair := newTestPair(t, clientCtx, serverCtx)
	pair.mustHandshake(t)
	assert.True(t, pair.client.SessionReused())
	assert.Equal(t, gobreaker.StateClosed, cache.State())
}

func TestSession_RedisTTLCappedBySessionTimeout(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	p := newTestPKI(t)
	cache := NewRedisSessionCache(client, WithRedisTTL(time.Hour, 0))

	clientCtx := newTLS12ClientContext(t, p)
	require.NoError(t, clientCtx.SetSessionCacheMode(SessionCacheClient))
	require.NoError(t, clientCtx.SetSessionCache(cache))
	require.NoError(t, clientCtx.SetTimeout(10*time.Minute))

	newTestPair(t, clientCtx, newServerContext(t, p)).mustHandshake(t)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, 10*time.Minute, mr.TTL(keys[0]))

	cache.PutWithLifetime("example.com:443", pairSessionState(t, clientCtx, p), 0)
	assert.Equal(t, time.Hour, mr.TTL(cache.resolveKey("example.com:443")))
}

// pairSessionState runs one handshake and returns the client's session state.
func pairSessionState(t *testing.T, clientCtx *Context, p *testPKI) *tls.ClientSessionState {
	t.Helper()
	pair := newTestPair(t, clientCtx, newServerContext(t, p))
	pair.mustHandshake(t)
	s := pair.client.Session()
	require.NotNil(t, s)
	return s.state
}

func TestSession_ServerDeclinesExpiredTicket(t *testing.T) {
	p := newTestPKI(t)
	clientCtx := newTLS12ClientContext(t, p)
	serverCtx := newServerContext(t, p)
	require.NoError(t, serverCtx.SetTimeout(200*time.Millisecond))
	assert.Equal(t, 200*time.Millisecond, serverCtx.Timeout())

	first := newTestPair(t, clientCtx, serverCtx)
	first.mustHandshake(t)
	session := first.client.Session()
	require.NotNil(t, session)

	fresh := newTestPair(t, clientCtx, serverCtx)
	require.NoError(t, fresh.client.SetSession(session))
	fresh.mustHandshake(t)
	require.True(t, fresh.server.SessionReused())

	time.Sleep(250 * time.Millisecond)

	stale := newTestPair(t, clientCtx, serverCtx)
	require.NoError(t, stale.client.SetSession(session))
	stale.mustHandshake(t)
	assert.False(t, stale.client.SessionReused())
	assert.False(t, stale.server.SessionReused())
}

func TestSession_SetTimeout(t *testing.T) {
	ctx := newTestContext(t, MethodTLSClient)
	assert.Equal(t, DefaultSessionTimeout, ctx.Timeout())

	require.NoError(t, ctx.SetTimeout(time.Minute))
	assert.Equal(t, time.Minute, ctx.Timeout())

	for _, d := range []time.Duration{0, -time.Second} {
		var cerr *sslerr.ConfigurationError
		assert.ErrorAs(t, ctx.SetTimeout(d), &cerr)
	}
	assert.Equal(t, time.Minute, ctx.Timeout())
}

func TestSession_RedisCacheMissesAndDeletes(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()
	cache := NewRedisSessionCache(client)

	cs, ok := cache.Get("example.com:443")
	assert.False(t, ok)
	assert.Nil(t, cs)

	require.NoError(t, mr.Set(cache.resolveKey("example.com:443"), "garbage"))
	_, ok = cache.Get("example.com:443")
	assert.False(t, ok)

	cache.Put("example.com:443", nil)
	assert.False(t, mr.Exists(cache.resolveKey("example.com:443")))
	assert.Equal(t, gobreaker.StateClosed, cache.State())
}

func TestSession_RedisBreakerOpens(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer func() { _ = client.Close() }()
	mr.Close()

	cache := NewRedisSessionCache(client, WithRedisTimeout(50*time.Millisecond))
	for i := 0; i < 5; i++ {
		_, ok := cache.Get("example.com:443")
		assert.False(t, ok)
	}
	assert.Equal(t, gobreaker.StateOpen, cache.State())

	// Open breaker fails fast.
	start := time.Now()
	_, ok := cache.Get("example.com:443")
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestSession_LRUCache(t *testing.T) {
	cache, err := NewLRUSessionCache(2)
	require.NoError(t, err)

	states := make([]*tls.ClientSessionState, 3)
	for i := range states {
		states[i] = &tls.ClientSessionState{}
	}

	cache.Put("a", states[0])
	cache.Put("b", states[1])
	got, ok := cache.Get("a")
	require.True(t, ok)
	assert.Same(t, states[0], got)

	cache.Put("c", states[2])
	assert.Equal(t, 2, cache.Len())
	_, ok = cache.Get("b")
	assert.False(t, ok, "least recently used entry is evicted")

	cache.Put("a", nil)
	_, ok = cache.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, cache.Len())
}

func TestSession_LRUCacheLifetime(t *testing.T) {
	cache, err := NewLRUSessionCache(4)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	cache.now = func() time.Time { return now }

	state := &tls.ClientSessionState{}
	cache.PutWithLifetime("short", state, time.Minute)
	cache.PutWithLifetime("forever", state, 0)

	_, ok := cache.Get("short")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok = cache.Get("short")
	assert.False(t, ok, "expired entry is reported missing")
	assert.Equal(t, 1, cache.Len(), "expired entry is evicted")

	_, ok = cache.Get("forever")
	assert.True(t, ok)
}

func TestSession_UnmarshalErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", []byte{0, 0}},
		{"ticket length past end", []byte{0, 0, 0, 9, 1, 2}},
		{"malformed state", []byte{0, 0, 0, 1, 7, 1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalSession(tt.data)
			assert.ErrorIs(t, err, sslerr.ErrDecode)
		})
	}
}

func TestSession_ApplyTTLJitter(t *testing.T) {
	tests := []struct {
		name   string
		ttl    time.Duration
		jitter float64
		min    time.Duration
		max    time.Duration
	}{
		{"no jitter", time.Hour, 0, time.Hour, time.Hour},
		{"ten percent", time.Hour, 0.1, 54 * time.Minute, 66 * time.Minute},
		{"capped at one", time.Hour, 5, 0, 2 * time.Hour},
		{"zero ttl", 0, 0.5, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 20; i++ {
				got := applyTTLJitter(tt.ttl, tt.jitter)
				assert.GreaterOrEqual(t, got, tt.min)
				assert.LessOrEqual(t, got, tt.max)
			}
		})
	}
}
