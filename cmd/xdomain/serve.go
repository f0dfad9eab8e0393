package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/xdomain/pkg/api"
	"github.com/Mindburn-Labs/xdomain/pkg/config"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator, local processors and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel, cmd.ErrOrStderr())
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func loadTopology(cfg *config.Config) (*config.Topology, error) {
	if cfg.TopologyFile == "" {
		return config.DefaultTopology(cfg.LocalDomain), nil
	}
	return config.LoadTopology(cfg.TopologyFile)
}

func serve(ctx context.Context, cfg *config.Config) error {
	top, err := loadTopology(cfg)
	if err != nil {
		return err
	}
	n, err := buildNode(ctx, cfg, top)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.Close(shutdownCtx); err != nil {
			n.logger.Error("shutdown", "error", err)
		}
	}()

	limiter := api.NewRateLimiter(5, 10)
	go limiter.Cleanup(ctx, 3*time.Minute)
	handler := api.NewServer(n.orch, api.NewAuthenticator(cfg.JWTSecret, "xdomain"),
		api.WithProcessors(n.processors...),
		api.WithTickLimiter(limiter),
		api.WithTimeline(n.timeline),
		api.WithSLO(n.telemetry.SLO()),
		api.WithArchive(n.archiver),
	).Handler()

	srv := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		n.logger.InfoContext(ctx, "http server listening", "addr", cfg.Addr, "self", cfg.Self, "owner", cfg.Owner)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	done := make(chan struct{})
	go func() {
		n.run(ctx)
		close(done)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	n.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-done
	return nil
}
