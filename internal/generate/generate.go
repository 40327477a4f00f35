// Package generate builds synthetic admission event files for the replay
// command.
package generate

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/perplexo/gateway/internal/clock"
	"github.com/perplexo/gateway/internal/limiter"
	"github.com/perplexo/gateway/internal/querylog"
	"github.com/perplexo/gateway/internal/quota"
	"github.com/perplexo/gateway/internal/relay"
)

const (
	// PatternSteady generates evenly distributed traffic.
	PatternSteady = "steady"
	// PatternBurst generates clustered bursts with quiet gaps.
	PatternBurst = "burst"
	// PatternRamp generates traffic density that increases over time.
	PatternRamp = "ramp"
)

// DefaultChannels is the channel pool used when Options.Channels is empty.
var DefaultChannels = []string{"telegram", "whatsapp"}

// Options controls how synthetic events are generated.
type Options struct {
	Count    int
	Users    int
	Duration time.Duration
	Pattern  string
	Start    time.Time
	Seed     int64
	Channels []string
	// VisionRatio is the fraction of events that are image queries.
	VisionRatio float64
	// Policy stamps each event with the decision it would have received.
	Policy limiter.Policy
}

// DefaultOptions returns the CLI defaults.
func DefaultOptions() Options {
	return Options{
		Count:    100,
		Users:    3,
		Duration: 2 * time.Hour,
		Pattern:  PatternSteady,
		Policy:   limiter.DefaultPolicy(),
	}
}

// Events creates synthetic events, sorted by time, with recorded
// decisions computed by a fixed-window limiter running on a virtual clock.
func Events(opts *Options) ([]querylog.Event, error) {
	if opts == nil {
		return nil, fmt.Errorf("options are required")
	}
	o := *opts
	if o.Count <= 0 {
		return nil, fmt.Errorf("count must be positive, got %d", o.Count)
	}
	if o.Users <= 0 {
		return nil, fmt.Errorf("users must be positive, got %d", o.Users)
	}
	if o.Duration <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %s", o.Duration)
	}
	if o.VisionRatio < 0 || o.VisionRatio > 1 {
		return nil, fmt.Errorf("vision ratio must be between 0 and 1, got %v", o.VisionRatio)
	}
	if o.Pattern == "" {
		o.Pattern = PatternSteady
	}
	if o.Start.IsZero() {
		o.Start = time.Now().Truncate(time.Second)
	}
	if len(o.Channels) == 0 {
		o.Channels = DefaultChannels
	}
	if o.Policy.MaxRequests == 0 && o.Policy.Window == 0 {
		o.Policy = limiter.DefaultPolicy()
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}

	rng := rand.New(rand.NewSource(o.Seed))
	var times []time.Time
	switch o.Pattern {
	case PatternBurst:
		times = burstTimes(rng, o.Start, o.Count, o.Duration)
	case PatternRamp:
		times = rampTimes(o.Start, o.Count, o.Duration)
	default:
		times = steadyTimes(o.Start, o.Count, o.Duration)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	events := make([]querylog.Event, len(times))
	for i, t := range times {
		kind := querylog.KindSearch
		if rng.Float64() < o.VisionRatio {
			kind = querylog.KindVision
		}
		events[i] = querylog.Event{
			Time:    t,
			UserID:  int64(rng.Intn(o.Users) + 1),
			Channel: o.Channels[rng.Intn(len(o.Channels))],
			Kind:    kind,
		}
	}

	if err := stamp(events, o.Start, o.Policy); err != nil {
		return nil, err
	}
	return events, nil
}

// stamp fills in the decision and outcome each event would have received.
func stamp(events []querylog.Event, start time.Time, p limiter.Policy) error {
	vc := clock.NewVirtualClock(start)
	lim, err := limiter.NewFromPolicy(quota.NewMemoryStore(), p, vc)
	if err != nil {
		return err
	}
	ctx := context.Background()
	for i := range events {
		ev := &events[i]
		vc.Set(ev.Time)
		d, err := lim.Allow(ctx, quota.Key{UserID: ev.UserID, Channel: ev.Channel})
		if err != nil {
			return err
		}
		ev.Decision = d
		if d.Allowed {
			ev.Outcome = string(relay.OutcomeSimulated)
		}
	}
	return nil
}

func steadyTimes(start time.Time, count int, dur time.Duration) []time.Time {
	interval := dur / time.Duration(count)
	times := make([]time.Time, count)
	for i := range times {
		times[i] = start.Add(time.Duration(i) * interval)
	}
	return times
}

func burstTimes(rng *rand.Rand, start time.Time, count int, dur time.Duration) []time.Time {
	times := make([]time.Time, 0, count)
	numBursts := 4
	burstSize := count / numBursts
	burstGap := dur / time.Duration(numBursts)

	for b := 0; b < numBursts; b++ {
		burstStart := start.Add(time.Duration(b) * burstGap)
		for i := 0; i < burstSize; i++ {
			offset := time.Duration(rng.Intn(1000)) * time.Millisecond
			times = append(times, burstStart.Add(offset))
		}
	}

	for len(times) < count {
		times = append(times, start.Add(time.Duration(rng.Int63n(int64(dur)))))
	}
	return times
}

func rampTimes(start time.Time, count int, dur time.Duration) []time.Time {
	times := make([]time.Time, count)
	for i := range times {
		frac := float64(i) / float64(count)
		times[i] = start.Add(time.Duration(frac * frac * float64(dur)))
	}
	return times
}
