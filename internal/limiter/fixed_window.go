package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/perplexo/gateway/internal/clock"
	"github.com/perplexo/gateway/internal/quota"
)

// FixedWindow implements the fixed window counter rate limiting algorithm on
// top of a quota.Store.
//
// A key's window opens with its first request and lasts for the configured
// duration. Requests inside the window increment the counter until the limit
// is reached; later requests are denied without touching the record. The first
// request after the window has expired opens a fresh window with a full
// allowance, whatever was left of the old one.
//
// A caller straddling a boundary can be admitted up to twice the limit in
// quick succession.
type FixedWindow struct {
	store  quota.Store
	clock  clock.Clock
	limit  int
	window time.Duration
}

// NewFixedWindow creates a fixed window limiter.
//   - store: durable per-key counters
//   - limit: max requests allowed per window
//   - window: duration of each window
//   - c: clock to use for time (nil selects the wall clock)
func NewFixedWindow(store quota.Store, limit int, window time.Duration, c clock.Clock) (*FixedWindow, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %s", window)
	}
	return &FixedWindow{
		store:  store,
		clock:  clock.OrReal(c),
		limit:  limit,
		window: window,
	}, nil
}

// NewFromPolicy is NewFixedWindow with the parameters taken from p.
func NewFromPolicy(store quota.Store, p Policy, c clock.Clock) (*FixedWindow, error) {
	return NewFixedWindow(store, p.MaxRequests, p.Window, c)
}

// Limit returns the configured max requests per window.
func (fw *FixedWindow) Limit() int { return fw.limit }

// Window returns the configured window length.
func (fw *FixedWindow) Window() time.Duration { return fw.window }

func (fw *FixedWindow) Allow(ctx context.Context, key quota.Key) (Decision, error) {
	var d Decision
	err := fw.store.Update(ctx, key, func(tx quota.Tx) error {
		now := fw.clock.Now()

		rec, ok, err := tx.Get()
		if err != nil {
			return err
		}

		switch {
		case !ok, now.Sub(rec.WindowStart) > fw.window:
			// New or expired window.
			if err := tx.UpsertReset(now); err != nil {
				return err
			}
			d = Decision{
				Allowed:   true,
				Remaining: fw.limit - 1,
				Limit:     fw.limit,
				ResetAt:   now.Add(fw.window),
			}

		case rec.RequestCount < fw.limit:
			if err := tx.Increment(); err != nil {
				return err
			}
			d = Decision{
				Allowed:   true,
				Remaining: fw.limit - rec.RequestCount - 1,
				Limit:     fw.limit,
				ResetAt:   rec.WindowStart.Add(fw.window),
			}

		default:
			d = Decision{
				Allowed:   false,
				Remaining: 0,
				Limit:     fw.limit,
				ResetAt:   rec.WindowStart.Add(fw.window),
			}
		}
		return nil
	})
	if err != nil {
		return Decision{}, &StorageError{Op: "allow", Key: key, Err: err}
	}
	return d, nil
}

// Status reports the key's usage without counting a request.
func (fw *FixedWindow) Status(ctx context.Context, key quota.Key) (Usage, error) {
	rec, ok, err := fw.store.Get(ctx, key)
	if err != nil {
		return Usage{}, &StorageError{Op: "status", Key: key, Err: err}
	}

	u := Usage{Key: key, Limit: fw.limit, Remaining: fw.limit}
	if !ok || fw.clock.Now().Sub(rec.WindowStart) > fw.window {
		return u, nil
	}

	u.Active = true
	u.Used = rec.RequestCount
	u.Remaining = max(fw.limit-rec.RequestCount, 0)
	u.WindowStart = rec.WindowStart
	u.ResetAt = rec.WindowStart.Add(fw.window)
	return u, nil
}
