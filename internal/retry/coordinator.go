package retry

import (
	"time"

	"github.com/sifapp/sifd/internal/message"
)

const (
	// DefaultMaxRetries is the retry ceiling: once a message has failed
	// this many times it is terminal.
	DefaultMaxRetries = 3

	// DefaultBaseDelay is the delay before the first automatic retry.
	// Subsequent retries back off exponentially: 30s, 60s, 120s.
	DefaultBaseDelay = 30 * time.Second

	// DefaultMaxDelay caps the backoff
	DefaultMaxDelay = time.Hour
)

// Decision is the outcome of a failed delivery attempt: schedule an
// automatic retry after a delay, or give up and mark the message
// terminally failed.
type Decision struct {
	Retry bool
	After time.Duration
}

// Coordinator decides whether a failed attempt may be retried. It never
// retries structural failures and enforces the retry ceiling; the delay
// grows exponentially with the attempt count.
type Coordinator struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// Config contains retry policy settings
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// New creates a coordinator, filling zero config values with defaults
func New(cfg Config) *Coordinator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	return &Coordinator{
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
	}
}

// MaxRetries returns the configured retry ceiling
func (c *Coordinator) MaxRetries() int {
	return c.maxRetries
}

// OnFailure decides retry-or-fail for a message whose attempt just failed
// with cause. The message's RetryCount already includes the failed
// attempt; at the ceiling, or for a structural cause, the answer is GiveUp.
func (c *Coordinator) OnFailure(msg *message.Message, cause error) Decision {
	if !message.IsTemporary(cause) {
		return Decision{Retry: false}
	}
	if msg.RetryCount >= c.maxRetries {
		return Decision{Retry: false}
	}
	return Decision{Retry: true, After: c.backoff(msg.RetryCount)}
}

// backoff returns baseDelay * 2^(attempt-1), capped at maxDelay
func (c *Coordinator) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := 1 << (attempt - 1)
	if multiplier > 64 {
		multiplier = 64
	}

	d := time.Duration(multiplier) * c.baseDelay
	if d > c.maxDelay {
		return c.maxDelay
	}
	return d
}
