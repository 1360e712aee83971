package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httpserver "github.com/fyrsmithlabs/devtrace/internal/http"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/devtrace/internal/http"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve phases over HTTP",
	Long: `Start the HTTP phase endpoint so a pipeline engine can list and invoke
phases remotely. Each phase's max_parallel is enforced; excess requests
receive 429.

Endpoints:
  GET  /health
  GET  /metrics
  GET  /api/v1/phases
  GET  /api/v1/phases/:name
  POST /api/v1/phases/:name   {"input": ..., "options": {...}}`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	srv, err := httpserver.NewServer(a.registry, a.logger.Named("http"), &httpserver.Config{
		Host:      a.cfg.Server.Host,
		Port:      a.cfg.Server.Port,
		RateLimit: a.cfg.Server.RateLimit,
		Metrics:   httpserver.NewHTTPMetrics(a.telemetry.Meter(httpInstrumentationName), a.logger),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info(context.Background(), "shutting down", zap.Duration("timeout", a.cfg.Server.ShutdownTimeout.Duration()))
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
