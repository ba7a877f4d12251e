package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonathan/textbook-forge/internal/config"
	"github.com/jonathan/textbook-forge/internal/server"
	"github.com/jonathan/textbook-forge/internal/server/ratelimit"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API server",
		Long:  `Start an HTTP server that accepts textbook runs, streams their progress and serves artifacts and knowledge graphs.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "Port to listen on (overrides PORT)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.close() //nolint:errcheck

	srv, err := server.New(server.Config{
		Port:      cfg.Port,
		Runs:      a.runs,
		Runner:    a.runner,
		Artifacts: a.artifacts,
		Graph:     a.graph,
		JWT:       cfg.JWT,
		RateLimit: ratelimit.LoadConfig(),
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if !cfg.JWT.Enabled() {
		a.logger.Warn("JWT_SECRET is not set; mutating routes are unauthenticated")
	}
	a.logger.Info("serving textbook runs", "graph_store", cfg.GraphStoreDriver, "output_dir", cfg.OutputDir)
	return srv.Run(ctx)
}
