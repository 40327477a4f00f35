package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/perplexo/gateway/internal/config"
	"github.com/perplexo/gateway/internal/logger"
)

type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCmd creates the root gateway command.
func NewRootCmd() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:   "gateway",
		Short: "Quota-enforced query gateway",
		Long: `Gateway admits chat-bot queries against a per-user, per-channel quota
and relays the admitted ones to the upstream answer service.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&g.configPath, "config", config.DefaultPath, "path to YAML config file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "log format (text, json)")

	root.AddCommand(
		newServeCmd(g),
		newAskCmd(g),
		newQuotaCmd(g),
		newStatsCmd(g),
		newLogsCmd(g),
		newReplayCmd(g),
		newSimulateCmd(g),
		newGenerateCmd(),
	)

	return root
}

// load reads the config file, applies the global flags and installs the
// logger. Commands apply their own flags before validating.
func (g *globalOptions) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	log, err := logger.Setup(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
