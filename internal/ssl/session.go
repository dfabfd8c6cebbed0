package ssl

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

// SessionCacheMode selects which side of a connection caches sessions.
type SessionCacheMode int

// Session cache modes.
const (
	SessionCacheOff    SessionCacheMode = 0
	SessionCacheClient SessionCacheMode = 1
	SessionCacheServer SessionCacheMode = 2
	SessionCacheBoth   SessionCacheMode = SessionCacheClient | SessionCacheServer
)

// SessionCache stores client sessions for resumption.
type SessionCache = tls.ClientSessionCache

// DefaultSessionCacheSize is the capacity of the cache a client context
// creates when none was configured.
const DefaultSessionCacheSize = 128

// DefaultSessionTimeout is how long a session stays resumable.
const DefaultSessionTimeout = 300 * time.Second

// lifetimeCache is implemented by caches that can expire an entry on their
// own. Connections store sessions through it so the context timeout bounds
// how long a session is offered.
type lifetimeCache interface {
	PutWithLifetime(key string, cs *tls.ClientSessionState, lifetime time.Duration)
}

// Session is a resumable client session.
type Session struct {
	state *tls.ClientSessionState
}

// Marshal encodes the session so it can be stored outside the process.
func (s *Session) Marshal() ([]byte, error) {
	return encodeSession(s.state)
}

// UnmarshalSession decodes a session encoded with Marshal.
func UnmarshalSession(data []byte) (*Session, error) {
	state, err := decodeSession(data)
	if err != nil {
		return nil, err
	}
	return &Session{state: state}, nil
}

// encodeSession frames the ticket and the serialized state as
// len(ticket) || ticket || state.
func encodeSession(cs *tls.ClientSessionState) ([]byte, error) {
	if cs == nil {
		return nil, sslerr.NewConfigurationError("session", "session is empty")
	}
	ticket, state, err := cs.ResumptionState()
	if err != nil {
		return nil, fmt.Errorf("session resumption state: %w", err)
	}
	if state == nil {
		return nil, sslerr.NewConfigurationError("session", "session is not resumable")
	}
	raw, err := state.Bytes()
	if err != nil {
		return nil, fmt.Errorf("session state: %w", err)
	}

	out := make([]byte, 4, 4+len(ticket)+len(raw))
	binary.BigEndian.PutUint32(out, uint32(len(ticket))) //nolint:gosec // tickets are far below 4GiB
	out = append(out, ticket...)
	return append(out, raw...), nil
}

func decodeSession(data []byte) (*tls.ClientSessionState, error) {
	if len(data) < 4 {
		return nil, sslerr.NewDecodeError("session", "", "truncated session")
	}
	n := int(binary.BigEndian.Uint32(data))
	if n > len(data)-4 {
		return nil, sslerr.NewDecodeError("session", "", "truncated session ticket")
	}
	ticket := data[4 : 4+n]
	state, err := tls.ParseSessionState(data[4+n:])
	if err != nil {
		return nil, sslerr.NewDecodeErrorWithCause("session", "", "malformed session state", err)
	}
	cs, err := tls.NewResumptionState(append([]byte(nil), ticket...), state)
	if err != nil {
		return nil, sslerr.NewDecodeErrorWithCause("session", "", "unusable session state", err)
	}
	return cs, nil
}

// LRUSessionCache is an in-process session cache with a fixed capacity.
type LRUSessionCache struct {
	cache *lru.Cache[string, lruEntry]
	now   func() time.Time
}

type lruEntry struct {
	state   *tls.ClientSessionState
	expires time.Time
}

// NewLRUSessionCache creates a cache holding at most size sessions.
func NewLRUSessionCache(size int) (*LRUSessionCache, error) {
	if size <= 0 {
		size = DefaultSessionCacheSize
	}
	cache, err := lru.New[string, lruEntry](size)
	if err != nil {
		return nil, sslerr.NewConfigurationErrorWithCause("session_cache", "invalid cache size", err)
	}
	return &LRUSessionCache{cache: cache, now: time.Now}, nil
}

// Get implements tls.ClientSessionCache. Expired sessions are evicted and
// reported as missing.
func (c *LRUSessionCache) Get(key string) (*tls.ClientSessionState, bool) {
	e, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		c.cache.Remove(key)
		return nil, false
	}
	return e.state, true
}

// Put implements tls.ClientSessionCache. A nil state evicts the key.
func (c *LRUSessionCache) Put(key string, cs *tls.ClientSessionState) {
	c.PutWithLifetime(key, cs, 0)
}

// PutWithLifetime stores cs until lifetime has passed. Zero keeps it until
// it is evicted.
func (c *LRUSessionCache) PutWithLifetime(key string, cs *tls.ClientSessionState, lifetime time.Duration) {
	if cs == nil {
		c.cache.Remove(key)
		return
	}
	e := lruEntry{state: cs}
	if lifetime > 0 {
		e.expires = c.now().Add(lifetime)
	}
	c.cache.Add(key, e)
}

// Len returns the number of cached sessions.
func (c *LRUSessionCache) Len() int {
	return c.cache.Len()
}

// Redis session cache defaults.
const (
	DefaultRedisKeyPrefix  = "avatls:session:"
	DefaultRedisSessionTTL = 2 * time.Hour
	DefaultRedisOpTimeout  = 250 * time.Millisecond
)

// RedisSessionCache shares client sessions between processes through Redis.
// Calls are guarded by a circuit breaker; while it is open, lookups miss and
// stores are dropped so handshakes never wait on an unavailable Redis.
type RedisSessionCache struct {
	client    redis.UniversalClient
	breaker   *gobreaker.CircuitBreaker
	logger    observability.Logger
	keyPrefix string
	ttl       time.Duration
	ttlJitter float64
	timeout   time.Duration
}

// RedisOption configures a RedisSessionCache.
type RedisOption func(*RedisSessionCache)

// WithRedisKeyPrefix sets the key prefix.
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(c *RedisSessionCache) {
		c.keyPrefix = prefix
	}
}

// WithRedisTTL sets the session lifetime and the jitter factor (0 to 1)
// applied to it.
func WithRedisTTL(ttl time.Duration, jitter float64) RedisOption {
	return func(c *RedisSessionCache) {
		c.ttl = ttl
		c.ttlJitter = jitter
	}
}

// WithRedisTimeout bounds every Redis call.
func WithRedisTimeout(timeout time.Duration) RedisOption {
	return func(c *RedisSessionCache) {
		c.timeout = timeout
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(logger observability.Logger) RedisOption {
	return func(c *RedisSessionCache) {
		c.logger = logger
	}
}

// NewRedisSessionCache creates a session cache backed by client.
func NewRedisSessionCache(client redis.UniversalClient, opts ...RedisOption) *RedisSessionCache {
	c := &RedisSessionCache{
		client:    client,
		logger:    observability.NopLogger(),
		keyPrefix: DefaultRedisKeyPrefix,
		ttl:       DefaultRedisSessionTTL,
		timeout:   DefaultRedisOpTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-session-cache",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Info("circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
	})
	return c
}

// resolveKey hashes the session key: it is a server name or address and
// should not appear verbatim in a shared store.
func (c *RedisSessionCache) resolveKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return c.keyPrefix + hex.EncodeToString(sum[:])
}

// Get implements tls.ClientSessionCache.
func (c *RedisSessionCache) Get(key string) (*tls.ClientSessionState, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	res, err := c.breaker.Execute(func() (any, error) {
		return c.client.Get(ctx, c.resolveKey(key)).Bytes()
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("session cache lookup failed", observability.Error(err))
		}
		return nil, false
	}

	cs, err := decodeSession(res.([]byte))
	if err != nil {
		c.logger.Debug("discarding undecodable session", observability.Error(err))
		return nil, false
	}
	return cs, true
}

// Put implements tls.ClientSessionCache. A nil state deletes the key.
func (c *RedisSessionCache) Put(key string, cs *tls.ClientSessionState) {
	c.PutWithLifetime(key, cs, 0)
}

// PutWithLifetime stores cs with the cache TTL, capped at lifetime when it
// is positive.
func (c *RedisSessionCache) PutWithLifetime(key string, cs *tls.ClientSessionState, lifetime time.Duration) {
	ttl := applyTTLJitter(c.ttl, c.ttlJitter)
	if lifetime > 0 && lifetime < ttl {
		ttl = lifetime
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	fullKey := c.resolveKey(key)
	_, err := c.breaker.Execute(func() (any, error) {
		if cs == nil {
			return nil, c.client.Del(ctx, fullKey).Err()
		}
		data, err := encodeSession(cs)
		if err != nil {
			return nil, err
		}
		return nil, c.client.Set(ctx, fullKey, data, ttl).Err()
	})
	if err != nil {
		c.logger.Debug("session cache store failed", observability.Error(err))
	}
}

// State returns the circuit breaker state.
func (c *RedisSessionCache) State() gobreaker.State {
	return c.breaker.State()
}

// applyTTLJitter varies ttl by up to ±jitterFactor.
func applyTTLJitter(ttl time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 || ttl <= 0 {
		return ttl
	}
	if jitterFactor > 1.0 {
		jitterFactor = 1.0
	}
	//nolint:gosec // G404: TTL jitter does not require cryptographic randomness
	jitter := time.Duration(float64(ttl) * jitterFactor * (2*rand.Float64() - 1))
	if result := ttl + jitter; result > 0 {
		return result
	}
	return ttl
}

// ticketIssuedTag marks the SessionState.Extra entry holding the time the
// session was first issued.
const ticketIssuedTag = "avatls-issued:"

// limitTicketLifetime stamps the issue time into every ticket and declines
// tickets older than lifetime. Tickets re-issued after a resumption keep the
// original time.
func (c *Connection) limitTicketLifetime(tc *tls.Config, lifetime time.Duration) {
	tc.WrapSession = func(cs tls.ConnectionState, ss *tls.SessionState) ([]byte, error) {
		issued := time.Now()
		if cs.DidResume && !c.ticketIssued.IsZero() {
			issued = c.ticketIssued
		}
		ss.Extra = append(ss.Extra, encodeTicketIssued(issued))
		return tc.EncryptTicket(cs, ss)
	}
	tc.UnwrapSession = func(identity []byte, cs tls.ConnectionState) (*tls.SessionState, error) {
		ss, err := tc.DecryptTicket(identity, cs)
		if err != nil || ss == nil {
			return nil, err
		}
		issued, ok := parseTicketIssued(ss.Extra)
		if !ok {
			return nil, nil
		}
		if age := time.Since(issued); lifetime > 0 && (age < 0 || age >= lifetime) {
			c.logger.Debug("declining expired session ticket",
				observability.Duration("age", age))
			return nil, nil
		}
		c.ticketIssued = issued
		return ss, nil
	}
}

func encodeTicketIssued(t time.Time) []byte {
	out := make([]byte, len(ticketIssuedTag), len(ticketIssuedTag)+8)
	copy(out, ticketIssuedTag)
	return binary.BigEndian.AppendUint64(out, uint64(t.UnixNano())) //nolint:gosec // issue times are after 1970
}

func parseTicketIssued(extra [][]byte) (time.Time, bool) {
	for _, e := range extra {
		raw, ok := bytes.CutPrefix(e, []byte(ticketIssuedTag))
		if !ok || len(raw) != 8 {
			continue
		}
		return time.Unix(0, int64(binary.BigEndian.Uint64(raw))), true //nolint:gosec // written by encodeTicketIssued
	}
	return time.Time{}, false
}

// connSessionCache is the per-connection view of the context's cache. It
// offers the session set with SetSession first and records the session the
// handshake produced.
type connSessionCache struct {
	conn *Connection
	base SessionCache
}

func (c *connSessionCache) Get(key string) (*tls.ClientSessionState, bool) {
	if s := c.conn.offered; s != nil {
		return s.state, true
	}
	if c.base == nil {
		return nil, false
	}
	return c.base.Get(key)
}

func (c *connSessionCache) Put(key string, cs *tls.ClientSessionState) {
	if cs != nil {
		c.conn.session = &Session{state: cs}
	}
	switch base := c.base.(type) {
	case nil:
	case lifetimeCache:
		base.PutWithLifetime(key, cs, c.conn.cfg.sessionTimeout)
	default:
		base.Put(key, cs)
	}
}
