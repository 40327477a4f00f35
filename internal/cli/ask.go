package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/perplexo/gateway/internal/clock"
	"github.com/perplexo/gateway/internal/gateway"
	"github.com/perplexo/gateway/internal/relay"
)

func newAskCmd(g *globalOptions) *cobra.Command {
	var (
		userID     int64
		channel    string
		model      string
		focus      string
		reasoning  bool
		image      string
		outputJSON bool
		storage    storageOptions
	)

	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Send one query through the gateway",
		Long: `Runs a single query through the same admission and relay path as the
HTTP API. With --user the query counts against that user's quota and is
logged; without it the query is anonymous.`,
		Example: `  gateway ask "what is a fixed window rate limiter"
  gateway ask "summarize this" --image photo.jpg --user 42
  gateway ask "latest go release" --model sonar-pro --focus web --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load(cmd)
			if err != nil {
				return err
			}
			if err := storage.applyTo(cmd, &cfg.Storage); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			clk := clock.NewRealClock()
			st, err := openStores(cfg, clk)
			if err != nil {
				return err
			}
			defer st.Close()

			gw, err := gateway.New(gateway.Options{
				Limiter: st.limiter,
				Relay:   relay.New(cfg.Relay, relay.WithLogger(log)),
				Log:     st.logs,
				Prefs:   st.prefs,
				Clock:   clk,
				Logger:  log,
			})
			if err != nil {
				return err
			}

			query := strings.Join(args, " ")
			out := cmd.OutOrStdout()

			if image != "" {
				resp, err := gw.Vision(cmd.Context(), gateway.VisionRequest{
					UserID:    userID,
					Channel:   channel,
					Query:     query,
					ImagePath: image,
					Model:     model,
				})
				if err != nil {
					return err
				}
				if outputJSON {
					return writeIndentedJSON(out, resp)
				}
				if resp.Denied() {
					return printDenial(out, resp.Denial)
				}
				fmt.Fprintln(out, resp.Result.Text)
				return nil
			}

			req := gateway.SearchRequest{
				UserID:  userID,
				Channel: channel,
				Query:   query,
				Model:   model,
				Focus:   focus,
			}
			if cmd.Flags().Changed("reasoning") {
				req.EnableReasoning = &reasoning
			}
			resp, err := gw.Search(cmd.Context(), req)
			if err != nil {
				return err
			}
			if outputJSON {
				return writeIndentedJSON(out, resp)
			}
			if resp.Denied() {
				return printDenial(out, resp.Denial)
			}
			printQueryResult(out, resp)
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user id (0 = anonymous, not rate limited)")
	cmd.Flags().StringVar(&channel, "channel", gateway.DefaultChannel, "channel the user is on")
	cmd.Flags().StringVar(&model, "model", "", "model id (default from preferences)")
	cmd.Flags().StringVar(&focus, "focus", "", "focus mode (default from preferences)")
	cmd.Flags().BoolVar(&reasoning, "reasoning", false, "enable reasoning")
	cmd.Flags().StringVar(&image, "image", "", "ask about a local image file")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output the full response as JSON")
	storage.addFlags(cmd)

	return cmd
}

func printQueryResult(w io.Writer, resp *gateway.Response) {
	r := resp.Result
	fmt.Fprintln(w, r.Text)
	if len(r.Citations) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Sources:")
		for i, c := range r.Citations {
			fmt.Fprintf(w, "  [%d] %s %s\n", i+1, c.Title, c.URL)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "model=%s focus=%s outcome=%s time=%dms", r.ModelUsed, r.FocusMode, r.Outcome, resp.ResponseTimeMs)
	if resp.Decision != nil {
		fmt.Fprintf(w, " remaining=%d/%d", resp.Decision.Remaining, resp.Decision.Limit)
	}
	fmt.Fprintln(w)
}

func printDenial(w io.Writer, d *gateway.Denial) error {
	fmt.Fprintf(w, "Rate limit exceeded: %d requests per window, resets at %s\n",
		d.Limit, d.ResetAt.Local().Format("2006-01-02 15:04:05"))
	return nil
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
