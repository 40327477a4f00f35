package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/perplexo/gateway/internal/clock"
	"github.com/perplexo/gateway/internal/config"
	"github.com/perplexo/gateway/internal/gateway"
	"github.com/perplexo/gateway/internal/metrics"
	"github.com/perplexo/gateway/internal/querylog"
	"github.com/perplexo/gateway/internal/relay"
	"github.com/perplexo/gateway/internal/server"
)

type limiterOptions struct {
	maxRequests int
	window      time.Duration
}

func (o *limiterOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&o.maxRequests, "max-requests", 20, "requests allowed per window")
	cmd.Flags().DurationVar(&o.window, "window", time.Hour, "quota window length")
}

func (o *limiterOptions) applyTo(cmd *cobra.Command, cfg *config.LimiterConfig) {
	if cmd.Flags().Changed("max-requests") {
		cfg.MaxRequests = o.maxRequests
	}
	if cmd.Flags().Changed("window") {
		cfg.WindowSeconds = int(o.window / time.Second)
	}
}

func newServeCmd(g *globalOptions) *cobra.Command {
	var (
		host       string
		port       int
		recordFile string
		limits     limiterOptions
		storage    storageOptions
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		Long: `Starts the HTTP API that admits queries against the quota and relays
them upstream.

Endpoints:
  GET  /                                 Service info
  GET  /health                           Health and upstream availability
  GET  /models                           Model and focus catalog
  POST /search                           Text query
  POST /vision                           Image query (base64 body)
  GET  /quota/{user_id}                  Current window usage
  GET  /stats, /stats/{user_id}          Query analytics
  GET  /config/{user_id}                 User preferences
  POST /config/{user_id}                 Update preferences
  POST /config/{user_id}/toggle/{name}   Flip a boolean preference
  GET  /metrics                          Prometheus metrics
  WS   /ws                               Live admission events`,
		Example: `  gateway serve
  gateway serve --port 8080 --max-requests 50 --window 30m
  gateway serve --storage redis --redis-host localhost:6379
  gateway serve --record events.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("record") {
				cfg.QueryLog.EventsFile = recordFile
			}
			limits.applyTo(cmd, &cfg.Limiter)
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

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pruneExpired(ctx, st.logs, cfg.QueryLog.RetentionDays, clk, log)

			m := metrics.New()
			hub := server.NewHub(log)
			publishers := []querylog.Publisher{hub}
			var rec *querylog.Recorder
			if cfg.QueryLog.EventsFile != "" {
				rec = querylog.NewRecorder(nil)
				publishers = append(publishers, rec)
			}

			rl := relay.New(cfg.Relay, relay.WithLogger(log), relay.WithClock(clk))
			if !rl.HasCredential() {
				log.Warn("no session token configured, queries will get simulated answers")
			}

			gw, err := gateway.New(gateway.Options{
				Limiter:    st.limiter,
				Relay:      rl,
				Log:        st.logs,
				Prefs:      st.prefs,
				Publishers: publishers,
				Metrics:    m,
				Clock:      clk,
				Logger:     log,
			})
			if err != nil {
				return err
			}

			srv := server.New(cfg.Server.Addr(), server.Options{
				Gateway: gw,
				Quota:   st.limiter,
				Prefs:   st.prefs,
				Stats:   st.logs,
				Metrics: m,
				Hub:     hub,
				Clock:   clk,
				Logger:  log,
			})

			log.Info("starting gateway",
				"addr", cfg.Server.Addr(),
				"storage", cfg.Storage.Backend,
				"max_requests", cfg.Limiter.MaxRequests,
				"window", cfg.Limiter.Window(),
			)

			grp, gctx := errgroup.WithContext(ctx)
			grp.Go(func() error {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			grp.Go(func() error {
				<-gctx.Done()
				log.Info("shutting down")
				if rec != nil {
					log.Info("exporting events", "count", rec.Len(), "file", cfg.QueryLog.EventsFile)
					if err := rec.ExportFile(cfg.QueryLog.EventsFile); err != nil {
						log.Error("export events", "error", err)
					}
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return grp.Wait()
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "address to listen on")
	cmd.Flags().IntVar(&port, "port", 5000, "port to listen on")
	cmd.Flags().StringVar(&recordFile, "record", "", "record admission events to a JSON file (exported on shutdown)")
	limits.addFlags(cmd)
	storage.addFlags(cmd)

	return cmd
}

// pruneExpired drops query log entries older than the retention period.
func pruneExpired(ctx context.Context, logs querylog.Analytics, days int, clk clock.Clock, log *slog.Logger) {
	if days <= 0 {
		return
	}
	cutoff := clk.Now().AddDate(0, 0, -days)
	n, err := logs.Prune(ctx, cutoff)
	if err != nil {
		log.Warn("prune query log", "error", err)
		return
	}
	if n > 0 {
		log.Info("pruned query log", "removed", n, "older_than", cutoff.Format(time.RFC3339))
	}
}
