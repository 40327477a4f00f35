package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/perplexo/gateway/internal/replay"
)

func newReplayCmd(g *globalOptions) *cobra.Command {
	var (
		file       string
		speed      float64
		users      []int64
		channels   []string
		kinds      []string
		outputJSON bool
		limits     limiterOptions
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay recorded events through a quota policy",
		Long: `Replays admission events recorded by "serve --record" through a
fixed-window limiter with the given policy.

Events are replayed in time order. The virtual clock advances to match
the gaps between events, so the limiter decides exactly as it would have
in production. Decisions that differ from the recorded ones are counted
as changed.

Speed: 0 = instant, 1 = real-time, 10 = 10x, 100 = 100x`,
		Example: `  gateway replay --file events.json
  gateway replay --file events.json --max-requests 10 --window 30m
  gateway replay --file events.json --users 1,2 --channels whatsapp --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			cfg, _, err := g.load(cmd)
			if err != nil {
				return err
			}
			limits.applyTo(cmd, &cfg.Limiter)
			if err := cfg.Validate(); err != nil {
				return err
			}

			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("opening file: %w", err)
			}
			defer f.Close()

			filter := replay.Filter{
				Users:    users,
				Channels: channels,
				Kinds:    kinds,
			}
			r, err := replay.NewForPolicy(cfg.Limiter.Policy(), time.Unix(0, 0).UTC(), speed, filter)
			if err != nil {
				return err
			}
			if err := r.Load(f); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !outputJSON {
				fmt.Fprintf(out, "Replaying %s with %d requests per %s at %.0fx speed...\n\n",
					file, cfg.Limiter.MaxRequests, cfg.Limiter.Window(), speed)
			}

			var results []replay.Result
			summary, err := r.Run(context.Background(), func(res replay.Result) {
				if outputJSON {
					results = append(results, res)
					return
				}
				status := "ALLOW"
				if !res.Decision.Allowed {
					status = "DENY "
				}
				changed := ""
				if res.Changed {
					changed = " (changed)"
				}
				fmt.Fprintf(out, "  [%s] %s user=%d channel=%s remaining=%d/%d%s\n",
					status,
					res.Event.Time.Format("2006-01-02 15:04:05"),
					res.Event.UserID,
					res.Event.Channel,
					res.Decision.Remaining,
					res.Decision.Limit,
					changed)
			})
			if err != nil {
				return err
			}

			if outputJSON {
				return writeIndentedJSON(out, map[string]any{
					"results": results,
					"summary": summary,
				})
			}

			fmt.Fprintln(out)
			fmt.Fprintln(out, "--- Replay Summary ---")
			fmt.Fprintf(out, "  Total events:   %d\n", summary.TotalEvents)
			fmt.Fprintf(out, "  Filtered:       %d\n", summary.Filtered)
			fmt.Fprintf(out, "  Replayed:       %d\n", summary.Replayed)
			fmt.Fprintf(out, "  Anonymous:      %d\n", summary.Anonymous)
			fmt.Fprintf(out, "  Allowed:        %d\n", summary.Allowed)
			fmt.Fprintf(out, "  Denied:         %d\n", summary.Denied)
			fmt.Fprintf(out, "  Changed:        %d\n", summary.Changed)
			fmt.Fprintf(out, "  Virtual time:   %s\n", summary.Duration)
			fmt.Fprintf(out, "  Wall time:      %s\n", summary.WallDuration.Round(time.Millisecond))

			if len(summary.PerKey) > 1 {
				keys := make([]string, 0, len(summary.PerKey))
				for k := range summary.PerKey {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Fprintln(out)
				fmt.Fprintln(out, "  Per key:")
				for _, k := range keys {
					ks := summary.PerKey[k]
					fmt.Fprintf(out, "    %s: %d allowed, %d denied\n", k, ks.Allowed, ks.Denied)
				}
			}

			if summary.Denied > 0 && summary.Allowed > 0 {
				fmt.Fprintln(out)
				fmt.Fprintln(out, strings.Repeat("=", 50))
				denyRate := float64(summary.Denied) / float64(summary.Replayed) * 100
				fmt.Fprintf(out, "Deny rate: %.1f%% (%d/%d requests denied)\n", denyRate, summary.Denied, summary.Replayed)
				fmt.Fprintln(out, strings.Repeat("=", 50))
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "path to recorded events JSON file (required)")
	cmd.Flags().Float64Var(&speed, "speed", 0, "replay speed (0=instant, 1=real-time, 10=10x)")
	cmd.Flags().Int64SliceVar(&users, "users", nil, "filter by user ids (comma-separated)")
	cmd.Flags().StringSliceVar(&channels, "channels", nil, "filter by channels (comma-separated)")
	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "filter by event kind (search, vision)")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output results as JSON")
	limits.addFlags(cmd)

	return cmd
}
