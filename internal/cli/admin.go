package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/perplexo/gateway/internal/clock"
	"github.com/perplexo/gateway/internal/gateway"
	"github.com/perplexo/gateway/internal/quota"
)

func newQuotaCmd(g *globalOptions) *cobra.Command {
	var (
		channel    string
		outputJSON bool
		limits     limiterOptions
		storage    storageOptions
	)

	cmd := &cobra.Command{
		Use:     "quota <user_id>",
		Short:   "Show a user's current quota window",
		Long:    `Reads the user's quota record without counting a request.`,
		Example: `  gateway quota 42 --channel whatsapp`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			cfg, _, err := g.load(cmd)
			if err != nil {
				return err
			}
			limits.applyTo(cmd, &cfg.Limiter)
			if err := storage.applyTo(cmd, &cfg.Storage); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			st, err := openStores(cfg, clock.NewRealClock())
			if err != nil {
				return err
			}
			defer st.Close()

			usage, err := st.limiter.Status(cmd.Context(), quota.Key{UserID: userID, Channel: channel})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outputJSON {
				return writeIndentedJSON(out, usage)
			}
			fmt.Fprintf(out, "user %d on %s: %d/%d used, %d remaining\n",
				userID, channel, usage.Used, usage.Limit, usage.Remaining)
			if usage.Active {
				fmt.Fprintf(out, "window started %s, resets %s\n",
					usage.WindowStart.Local().Format(time.DateTime), usage.ResetAt.Local().Format(time.DateTime))
			} else {
				fmt.Fprintln(out, "no active window")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&channel, "channel", gateway.DefaultChannel, "channel the user is on")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output as JSON")
	limits.addFlags(cmd)
	storage.addFlags(cmd)
	return cmd
}

func newStatsCmd(g *globalOptions) *cobra.Command {
	var (
		channel    string
		outputJSON bool
		storage    storageOptions
	)

	cmd := &cobra.Command{
		Use:   "stats [user_id]",
		Short: "Show query analytics",
		Example: `  gateway stats
  gateway stats 42 --channel telegram`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load(cmd)
			if err != nil {
				return err
			}
			if err := storage.applyTo(cmd, &cfg.Storage); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			st, err := openStores(cfg, clock.NewRealClock())
			if err != nil {
				return err
			}
			defer st.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				gs, err := st.logs.GlobalStats(cmd.Context())
				if err != nil {
					return err
				}
				if outputJSON {
					return writeIndentedJSON(out, gs)
				}
				fmt.Fprintf(out, "users: %d\nqueries: %d\navg response: %.2fms\n",
					gs.TotalUsers, gs.TotalQueries, gs.AvgResponseTimeMs)
				return nil
			}

			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			us, err := st.logs.UserStats(cmd.Context(), userID, channel)
			if err != nil {
				return err
			}
			if outputJSON {
				return writeIndentedJSON(out, us)
			}
			fmt.Fprintf(out, "user %d on %s\nqueries: %d\nsuccessful: %d\nfavorite model: %s\n",
				us.UserID, us.Channel, us.TotalQueries, us.SuccessfulQueries, us.FavoriteModel)
			return nil
		},
	}

	cmd.Flags().StringVar(&channel, "channel", gateway.DefaultChannel, "channel for per-user stats")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output as JSON")
	storage.addFlags(cmd)
	return cmd
}

func newLogsCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Manage the query log",
	}

	var (
		days    int
		storage storageOptions
	)
	prune := &cobra.Command{
		Use:     "prune",
		Short:   "Delete query log entries older than a number of days",
		Example: `  gateway logs prune --older-than 7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load(cmd)
			if err != nil {
				return err
			}
			if err := storage.applyTo(cmd, &cfg.Storage); err != nil {
				return err
			}
			if cmd.Flags().Changed("older-than") {
				cfg.QueryLog.RetentionDays = days
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.QueryLog.RetentionDays <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			clk := clock.NewRealClock()
			st, err := openStores(cfg, clk)
			if err != nil {
				return err
			}
			defer st.Close()

			cutoff := clk.Now().AddDate(0, 0, -cfg.QueryLog.RetentionDays)
			n, err := st.logs.Prune(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			log.Debug("pruned query log", "cutoff", cutoff)
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries older than %d days\n", n, cfg.QueryLog.RetentionDays)
			return nil
		},
	}
	prune.Flags().IntVar(&days, "older-than", 30, "retention in days")
	storage.addFlags(prune)

	cmd.AddCommand(prune)
	return cmd
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}
