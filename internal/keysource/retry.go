package keysource

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/vyrodovalexey/avatls/internal/observability"
)

// Retry defaults.
const (
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 100 * time.Millisecond
	DefaultBackoffMax  = 5 * time.Second

	jitterFactor = 0.25
)

// RetryConfig configures retries of backend requests.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first. Negative
	// disables retries.
	MaxRetries int `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`

	// BackoffBase is the first backoff, doubled per attempt.
	BackoffBase time.Duration `yaml:"backoffBase,omitempty" json:"backoffBase,omitempty"`

	// BackoffMax caps the backoff.
	BackoffMax time.Duration `yaml:"backoffMax,omitempty" json:"backoffMax,omitempty"`
}

func (c *RetryConfig) maxRetries() int {
	switch {
	case c == nil || c.MaxRetries == 0:
		return DefaultMaxRetries
	case c.MaxRetries < 0:
		return 0
	default:
		return c.MaxRetries
	}
}

func (c *RetryConfig) backoff(attempt int) time.Duration {
	base, maxBackoff := DefaultBackoffBase, DefaultBackoffMax
	if c != nil && c.BackoffBase > 0 {
		base = c.BackoffBase
	}
	if c != nil && c.BackoffMax > 0 {
		maxBackoff = c.BackoffMax
	}

	d := float64(base) * math.Pow(2, float64(attempt))
	//nolint:gosec // jitter for retry timing is not security-sensitive
	d += d * jitterFactor * rand.Float64()
	if d > float64(maxBackoff) {
		d = float64(maxBackoff)
	}
	return time.Duration(d)
}

// withRetry runs fn until it succeeds, fails with a non-retryable error, the
// attempts run out or ctx ends.
func withRetry(ctx context.Context, cfg *RetryConfig, op string, logger observability.Logger, metrics *Metrics, fn func() error) error {
	maxRetries := cfg.maxRetries()

	var err error
	for attempt := 0; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(); err == nil || !IsRetryable(err) || attempt >= maxRetries {
			return err
		}

		wait := cfg.backoff(attempt)
		metrics.RecordRetry(op)
		logger.Debug("retrying key source request",
			observability.String("operation", op),
			observability.Int("attempt", attempt+1),
			observability.Duration("backoff", wait),
			observability.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
