package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jxucoder/efimeral"
	"github.com/jxucoder/efimeral/internal/config"
	"github.com/jxucoder/efimeral/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the efimeral server",
	Long: `Start the HTTP API, the box proxy and the lifetime enforcer.

Leases persisted by a previous run are recovered before the server accepts
requests: running boxes are re-attached and expired ones are reclaimed.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if _, err := logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr); err != nil {
		return err
	}

	app, err := efimeral.NewBuilder().WithConfig(cfg).Build()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("template", cfg.Template.Name).
		Dur("max_lifetime", cfg.MaxLifetime).
		Int("max_capacity", cfg.Template.MaxCapacity).
		Msg("starting efimeral")
	return app.Start(ctx)
}
