package cmd

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/varasto-kb/varasto/internal/app"
	"github.com/varasto-kb/varasto/internal/config"
	"github.com/varasto-kb/varasto/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the knowledge base server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		logCfg := logging.DefaultConfig()
		logCfg.Level = cfg.LogLevel
		logCfg.FilePath = cfg.LogFile
		logger, cleanup, err := logging.Setup(logCfg)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		application, err := app.New(ctx, cfg, logger, cleanup)
		if err != nil {
			cleanup()
			return err
		}

		logger.Info("varasto starting",
			slog.String("root", cfg.RootPath),
			slog.String("http", cfg.HTTPAddr),
			slog.String("mcp_transport", cfg.MCPTransport))
		if err := application.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
