package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/perplexo/gateway/internal/config"
	"github.com/perplexo/gateway/internal/generate"
	"github.com/perplexo/gateway/internal/querylog"
)

func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate sample event files and config",
		Long: `Generates sample data for testing and experimentation.

Use "generate events" to create a sample admission events file for replay.
Use "generate config" to create an example YAML config file.`,
	}

	cmd.AddCommand(newGenerateEventsCmd(), newGenerateConfigCmd())
	return cmd
}

func newGenerateEventsCmd() *cobra.Command {
	var (
		output      string
		count       int
		users       int
		duration    time.Duration
		pattern     string
		channels    []string
		visionRatio float64
		seed        int64
		limits      limiterOptions
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Generate a sample admission events JSON file",
		Long: `Creates an events file in the same format "serve --record" writes.
Each event carries the decision the given policy would have made.

Patterns:
  steady    Evenly distributed requests
  burst     Concentrated bursts with quiet periods
  ramp      Gradually increasing request rate`,
		Example: `  gateway generate events --output events.json --count 100 --users 5
  gateway generate events --pattern burst --count 200 --duration 3h --max-requests 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			limits.applyTo(cmd, &cfg.Limiter)

			events, err := generate.Events(&generate.Options{
				Count:       count,
				Users:       users,
				Duration:    duration,
				Pattern:     pattern,
				Channels:    channels,
				VisionRatio: visionRatio,
				Seed:        seed,
				Policy:      cfg.Limiter.Policy(),
			})
			if err != nil {
				return err
			}

			rec := querylog.NewRecorder(nil)
			for _, ev := range events {
				rec.Publish(ev)
			}
			if err := rec.ExportFile(output); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Generated %d events to %s\n", len(events), output)
			fmt.Fprintf(out, "  Users:    %d\n", users)
			fmt.Fprintf(out, "  Duration: %s\n", duration)
			fmt.Fprintf(out, "  Pattern:  %s\n", pattern)
			return nil
		},
	}

	cmd.Flags().StringVar(&output, "output", "events.json", "output file path")
	cmd.Flags().IntVar(&count, "count", 100, "number of events to generate")
	cmd.Flags().IntVar(&users, "users", 3, "number of distinct users")
	cmd.Flags().DurationVar(&duration, "duration", 2*time.Hour, "time span for generated events")
	cmd.Flags().StringVar(&pattern, "pattern", generate.PatternSteady, "traffic pattern (steady, burst, ramp)")
	cmd.Flags().StringSliceVar(&channels, "channels", generate.DefaultChannels, "channels to spread events over")
	cmd.Flags().Float64Var(&visionRatio, "vision-ratio", 0.1, "fraction of image queries")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed (0 = time based)")
	limits.addFlags(cmd)
	return cmd
}

func newGenerateConfigCmd() *cobra.Command {
	var (
		output string
		force  bool
	)

	cmd := &cobra.Command{
		Use:     "config",
		Short:   "Generate an example YAML config file",
		Example: `  gateway generate config --output gateway.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(output); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", output)
				}
			}
			if err := config.WriteExample(output); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated example config at %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVar(&output, "output", config.DefaultPath, "output file path")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
