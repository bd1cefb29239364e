package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"cardflow/internal/app"
	"cardflow/internal/config"
	"cardflow/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID, _ = os.Hostname()
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "cardflow-worker", "worker_id", workerID)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingOptions{
		Enabled:     cfg.OTelEnabled,
		Stdout:      cfg.OTelStdout,
		ServiceName: "cardflow-worker",
	})
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("start: %v", err)
	}
	defer a.Close()

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}

	logger.Info("worker started",
		"tenants", cfg.AgentTenants,
		"interval", cfg.RunInterval,
		"visibility", cfg.VisibilityTimeout,
		"backoff_initial", cfg.BackoffInitial)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.RunLoop(gctx, cfg.AgentTenants, cfg.RunInterval) })
	g.Go(func() error { return a.Worker.Run(gctx) })
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return metrics.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "err", err)
	}
}
