package generate

import (
	"testing"
	"time"

	"github.com/perplexo/gateway/internal/limiter"
	"github.com/perplexo/gateway/internal/querylog"
)

func TestEvents_AllPatterns(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	patterns := []string{PatternSteady, PatternBurst, PatternRamp}

	for _, p := range patterns {
		t.Run(p, func(t *testing.T) {
			events, err := Events(&Options{
				Count:    32,
				Users:    3,
				Duration: 2 * time.Minute,
				Pattern:  p,
				Start:    start,
				Seed:     7,
			})
			if err != nil {
				t.Fatalf("Events() error = %v", err)
			}
			if len(events) != 32 {
				t.Fatalf("len(events) = %d, want 32", len(events))
			}
			for i, ev := range events {
				if ev.UserID < 1 || ev.UserID > 3 || ev.Channel == "" {
					t.Fatalf("event %d has bad key: %+v", i, ev)
				}
				if i > 0 && ev.Time.Before(events[i-1].Time) {
					t.Fatalf("event %d out of order", i)
				}
			}
		})
	}
}

func TestEvents_UnknownPatternFallsBackToSteady(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	events, err := Events(&Options{
		Count:    10,
		Users:    2,
		Duration: 10 * time.Second,
		Pattern:  "not-a-pattern",
		Start:    start,
		Seed:     1,
	})
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}

	if !events[1].Time.Equal(start.Add(time.Second)) {
		t.Fatalf("unexpected time at index 1: got %v", events[1].Time)
	}
}

func TestEvents_StampsDecisions(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	events, err := Events(&Options{
		Count:    10,
		Users:    1,
		Duration: 10 * time.Second,
		Start:    start,
		Seed:     3,
		Channels: []string{"telegram"},
		Policy:   limiter.Policy{MaxRequests: 4, Window: time.Hour},
	})
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}

	allowed := 0
	for _, ev := range events {
		if ev.Decision.Allowed {
			allowed++
			if ev.Outcome == "" {
				t.Fatalf("admitted event without outcome: %+v", ev)
			}
		} else if ev.Outcome != "" {
			t.Fatalf("denied event with outcome: %+v", ev)
		}
		if ev.Decision.Limit != 4 {
			t.Fatalf("decision limit = %d, want 4", ev.Decision.Limit)
		}
	}
	if allowed != 4 {
		t.Fatalf("allowed = %d, want 4", allowed)
	}
}

func TestEvents_VisionRatio(t *testing.T) {
	events, err := Events(&Options{
		Count:       20,
		Users:       2,
		Duration:    time.Minute,
		Seed:        5,
		VisionRatio: 1,
	})
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	for _, ev := range events {
		if ev.Kind != querylog.KindVision {
			t.Fatalf("kind = %q, want vision", ev.Kind)
		}
	}
}

func TestEvents_InvalidOptions(t *testing.T) {
	cases := map[string]*Options{
		"nil":          nil,
		"zero count":   {Count: 0, Users: 1, Duration: time.Minute},
		"zero users":   {Count: 1, Users: 0, Duration: time.Minute},
		"zero window":  {Count: 1, Users: 1, Duration: 0},
		"vision ratio": {Count: 1, Users: 1, Duration: time.Minute, VisionRatio: 2},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Events(opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
