// Package replay runs recorded gateway events through a quota policy on a
// virtual clock, to see how a different limit or window would have decided.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/perplexo/gateway/internal/clock"
	"github.com/perplexo/gateway/internal/limiter"
	"github.com/perplexo/gateway/internal/querylog"
	"github.com/perplexo/gateway/internal/quota"
)

// ErrNoEvents is returned by Run when nothing was loaded.
var ErrNoEvents = errors.New("no events loaded")

// Replayer replays recorded events through a limiter at a configurable speed.
type Replayer struct {
	events  []querylog.Event
	limiter limiter.Limiter
	clock   *clock.VirtualClock
	filter  Filter
	speed   float64 // 1.0 = real-time, 10.0 = 10x, 0 = instant
}

// Result captures the outcome of replaying a single event.
type Result struct {
	Event    querylog.Event   `json:"event"`
	Decision limiter.Decision `json:"decision"`
	Time     time.Time        `json:"time"`    // virtual time when the decision was made
	Changed  bool             `json:"changed"` // decision differs from the recorded one
}

// Summary aggregates replay statistics.
type Summary struct {
	TotalEvents  int                   `json:"total_events"`
	Filtered     int                   `json:"filtered"`
	Replayed     int                   `json:"replayed"`
	Anonymous    int                   `json:"anonymous"`
	Allowed      int                   `json:"allowed"`
	Denied       int                   `json:"denied"`
	Changed      int                   `json:"changed"`
	Duration     time.Duration         `json:"duration"`      // virtual time span
	WallDuration time.Duration         `json:"wall_duration"` // actual wall clock time
	PerKey       map[string]KeySummary `json:"per_key"`
}

// KeySummary has per-key stats.
type KeySummary struct {
	Allowed int `json:"allowed"`
	Denied  int `json:"denied"`
}

// New creates a replayer. The limiter must read time from vc.
func New(lim limiter.Limiter, vc *clock.VirtualClock, speed float64, filter Filter) *Replayer {
	if speed < 0 {
		speed = 0
	}
	return &Replayer{
		limiter: lim,
		clock:   vc,
		speed:   speed,
		filter:  filter,
	}
}

// NewForPolicy builds a replayer over a fresh in-memory quota store, with
// the virtual clock starting at start.
func NewForPolicy(p limiter.Policy, start time.Time, speed float64, filter Filter) (*Replayer, error) {
	vc := clock.NewVirtualClock(start)
	lim, err := limiter.NewFromPolicy(quota.NewMemoryStore(), p, vc)
	if err != nil {
		return nil, err
	}
	return New(lim, vc, speed, filter), nil
}

// Load reads events from a JSON reader.
func (r *Replayer) Load(reader io.Reader) error {
	events, err := querylog.LoadJSON(reader)
	if err != nil {
		return fmt.Errorf("loading events: %w", err)
	}
	r.events = events
	return nil
}

// LoadEvents sets the events directly.
func (r *Replayer) LoadEvents(events []querylog.Event) {
	r.events = make([]querylog.Event, len(events))
	copy(r.events, events)
}

// Run replays all loaded events through the limiter in time order.
// The callback is called for each replayed event with its decision.
// Anonymous events are counted but never limited.
func (r *Replayer) Run(ctx context.Context, cb func(Result)) (*Summary, error) {
	if len(r.events) == 0 {
		return nil, ErrNoEvents
	}

	sorted := make([]querylog.Event, len(r.events))
	copy(sorted, r.events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time.Before(sorted[j].Time)
	})

	var filtered []querylog.Event
	for _, ev := range sorted {
		if r.filter.Match(ev) {
			filtered = append(filtered, ev)
		}
	}

	summary := &Summary{
		TotalEvents: len(sorted),
		Filtered:    len(filtered),
		PerKey:      make(map[string]KeySummary),
	}
	if len(filtered) == 0 {
		return summary, nil
	}

	wallStart := time.Now()
	baseTime := filtered[0].Time
	if baseTime.After(r.clock.Now()) {
		r.clock.Set(baseTime)
	}

	for i, ev := range filtered {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		if i > 0 {
			gap := ev.Time.Sub(filtered[i-1].Time)
			if gap > 0 {
				if r.speed > 0 {
					scaledGap := time.Duration(float64(gap) / r.speed)
					if scaledGap > time.Millisecond {
						select {
						case <-ctx.Done():
							return summary, ctx.Err()
						case <-time.After(scaledGap):
						}
					}
				}
				r.clock.Advance(gap)
			}
		}

		summary.Replayed++
		if ev.UserID == 0 {
			summary.Anonymous++
			summary.Allowed++
			continue
		}

		key := quota.Key{UserID: ev.UserID, Channel: ev.Channel}
		decision, err := r.limiter.Allow(ctx, key)
		if err != nil {
			return summary, fmt.Errorf("replay event %d: %w", i, err)
		}
		result := Result{
			Event:    ev,
			Decision: decision,
			Time:     r.clock.Now(),
			Changed:  decision.Allowed != ev.Decision.Allowed,
		}

		ks := summary.PerKey[key.String()]
		if decision.Allowed {
			summary.Allowed++
			ks.Allowed++
		} else {
			summary.Denied++
			ks.Denied++
		}
		summary.PerKey[key.String()] = ks
		if result.Changed {
			summary.Changed++
		}

		if cb != nil {
			cb(result)
		}
	}

	summary.Duration = filtered[len(filtered)-1].Time.Sub(baseTime)
	summary.WallDuration = time.Since(wallStart)

	return summary, nil
}
