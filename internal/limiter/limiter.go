package limiter

import (
	"context"
	"time"

	"github.com/perplexo/gateway/internal/quota"
)

// Default policy parameters.
const (
	DefaultMaxRequests = 20
	DefaultWindow      = time.Hour
)

// Limiter admits or denies a request for a (user, channel) key.
type Limiter interface {
	// Allow evaluates one request. A non-nil error means no decision could be
	// made from durable state and the request must not be admitted.
	Allow(ctx context.Context, key quota.Key) (Decision, error)
}

// Decision captures the result of a rate limit check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"` // Requests left after this one is counted
	Limit     int       `json:"limit"`     // Max requests per window
	ResetAt   time.Time `json:"reset_at"`  // When the current window ends
}

// RetryAfter returns how long a denied caller should wait, rounded up to a
// whole second and never below one.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return time.Second
	}
	return ((wait + time.Second - 1) / time.Second) * time.Second
}

// Usage is a read-only view of a key's current window.
type Usage struct {
	Key         quota.Key `json:"key"`
	Used        int       `json:"used"`
	Remaining   int       `json:"remaining"`
	Limit       int       `json:"limit"`
	WindowStart time.Time `json:"window_start,omitempty"`
	ResetAt     time.Time `json:"reset_at,omitempty"`
	Active      bool      `json:"active"`
}

// Policy holds the parameters for creating a limiter.
type Policy struct {
	MaxRequests int           `json:"max_requests" yaml:"max_requests"`
	Window      time.Duration `json:"window" yaml:"window"`
}

// DefaultPolicy returns 20 requests per hour.
func DefaultPolicy() Policy {
	return Policy{MaxRequests: DefaultMaxRequests, Window: DefaultWindow}
}
