package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/perplexo/gateway/internal/clock"
	"github.com/perplexo/gateway/internal/gateway"
	"github.com/perplexo/gateway/internal/limiter"
	"github.com/perplexo/gateway/internal/quota"
)

func newSimulateCmd(g *globalOptions) *cobra.Command {
	var (
		requests    int
		users       []int64
		channel     string
		fastForward time.Duration
		outputJSON  bool
		limits      limiterOptions
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Exercise the quota policy on a virtual clock",
		Long: `Sends batches of requests through a fixed-window limiter backed by an
in-memory store, optionally fast-forwarding a virtual clock between
batches. Shows how a policy behaves over hours in milliseconds.`,
		Example: `  gateway simulate --requests 25
  gateway simulate --max-requests 5 --window 1m --fast-forward 61s
  gateway simulate --users 1,2 --requests 15 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load(cmd)
			if err != nil {
				return err
			}
			limits.applyTo(cmd, &cfg.Limiter)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if len(users) == 0 {
				users = []int64{1}
			}

			vc := clock.NewVirtualClock(time.Now().Truncate(time.Second))
			lim, err := limiter.NewFromPolicy(quota.NewMemoryStore(), cfg.Limiter.Policy(), vc)
			if err != nil {
				return err
			}

			keys := make([]quota.Key, len(users))
			for i, u := range users {
				keys[i] = quota.Key{UserID: u, Channel: channel}
			}

			result, err := runSimulation(cmd.Context(), vc, lim, keys, requests, fastForward)
			if err != nil {
				return err
			}
			result.MaxRequests = cfg.Limiter.MaxRequests
			result.Window = cfg.Limiter.Window().String()

			if outputJSON {
				return writeIndentedJSON(cmd.OutOrStdout(), result)
			}
			printSimulation(cmd.OutOrStdout(), &result)
			return nil
		},
	}

	cmd.Flags().IntVar(&requests, "requests", 25, "number of requests per user per batch")
	cmd.Flags().Int64SliceVar(&users, "users", nil, "comma-separated user ids (default 1)")
	cmd.Flags().StringVar(&channel, "channel", gateway.DefaultChannel, "channel for every request")
	cmd.Flags().DurationVar(&fastForward, "fast-forward", 0, "time to fast-forward between batches")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output results as JSON")
	limits.addFlags(cmd)

	return cmd
}

// SimulationResult captures the full output of a simulation run.
type SimulationResult struct {
	MaxRequests int                   `json:"max_requests"`
	Window      string                `json:"window"`
	FastForward string                `json:"fast_forward,omitempty"`
	Batches     []BatchResult         `json:"batches"`
	Summary     map[string]KeySummary `json:"summary"`
}

// BatchResult captures results for one batch of requests.
type BatchResult struct {
	Label     string           `json:"label"`
	Time      string           `json:"time"`
	Decisions []DecisionRecord `json:"decisions"`
}

// DecisionRecord is a single admission result.
type DecisionRecord struct {
	Key      quota.Key        `json:"key"`
	Decision limiter.Decision `json:"decision"`
}

// KeySummary aggregates stats per key.
type KeySummary struct {
	TotalRequests int `json:"total_requests"`
	Allowed       int `json:"allowed"`
	Denied        int `json:"denied"`
}

func runSimulation(ctx context.Context, vc *clock.VirtualClock, lim limiter.Limiter, keys []quota.Key, requests int, fastForward time.Duration) (SimulationResult, error) {
	result := SimulationResult{
		Summary: make(map[string]KeySummary),
	}

	runBatch := func(label string) error {
		batch := BatchResult{Label: label, Time: vc.Now().Format(time.RFC3339)}
		for i := 0; i < requests; i++ {
			for _, key := range keys {
				d, err := lim.Allow(ctx, key)
				if err != nil {
					return err
				}
				batch.Decisions = append(batch.Decisions, DecisionRecord{Key: key, Decision: d})
				s := result.Summary[key.String()]
				s.TotalRequests++
				if d.Allowed {
					s.Allowed++
				} else {
					s.Denied++
				}
				result.Summary[key.String()] = s
			}
		}
		result.Batches = append(result.Batches, batch)
		return nil
	}

	if err := runBatch("Initial requests"); err != nil {
		return result, err
	}
	if fastForward > 0 {
		vc.Advance(fastForward)
		result.FastForward = fastForward.String()
		if err := runBatch(fmt.Sprintf("After fast-forward %s", fastForward)); err != nil {
			return result, err
		}
	}
	return result, nil
}

func printSimulation(w io.Writer, r *SimulationResult) {
	fmt.Fprintf(w, "=== Quota simulation: %d requests per %s ===\n\n", r.MaxRequests, r.Window)

	for _, batch := range r.Batches {
		fmt.Fprintf(w, "--- %s (at %s) ---\n", batch.Label, batch.Time)
		for i, dr := range batch.Decisions {
			status := "ALLOW"
			if !dr.Decision.Allowed {
				status = "DENY "
			}
			fmt.Fprintf(w, "  #%03d [%s] key=%s remaining=%d/%d\n",
				i+1, status, dr.Key, dr.Decision.Remaining, dr.Decision.Limit)
		}
		fmt.Fprintln(w)
	}

	keys := make([]string, 0, len(r.Summary))
	for k := range r.Summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintln(w, "--- Summary ---")
	for _, k := range keys {
		s := r.Summary[k]
		fmt.Fprintf(w, "  %s: %d total, %d allowed, %d denied\n", k, s.TotalRequests, s.Allowed, s.Denied)
	}

	if r.FastForward == "" || len(r.Batches) < 2 {
		return
	}
	recovered := false
	for _, dr := range r.Batches[1].Decisions {
		if dr.Decision.Allowed {
			recovered = true
			break
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("=", 50))
	if recovered {
		fmt.Fprintf(w, "Window reset after fast-forwarding %s.\n", r.FastForward)
	} else {
		fmt.Fprintf(w, "Still limited after fast-forwarding %s.\n", r.FastForward)
	}
	fmt.Fprintln(w, strings.Repeat("=", 50))
}
