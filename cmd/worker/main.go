// Command worker runs the palette job worker pool against the shared
// Postgres and Redis backends.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/leejennwah/palette-engine/internal/bootstrap"
	"github.com/leejennwah/palette-engine/internal/config"
	"github.com/leejennwah/palette-engine/internal/tracing"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Backend != config.BackendPostgres {
		logger.Fatal("the standalone worker needs STORE_BACKEND=postgres; use WORKER_INPROCESS with the memory backend")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize tracing.
	shutdownTracer, err := tracing.Init(ctx, "palette-worker", cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer shutdownTracer(context.Background())
	}

	rt, err := bootstrap.Open(ctx, cfg, logger, "worker")
	if err != nil {
		logger.Fatal("open backends", zap.Error(err))
	}
	defer rt.Close()
	rt.Start(ctx)

	// Expose metrics endpoint for Prometheus scraping.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(rt.Gatherer, promhttp.HandlerOpts{}))
		logger.Info("metrics server starting", zap.String("addr", cfg.MetricsAddr))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	if err := rt.NewPool().Run(ctx); err != nil {
		logger.Fatal("worker pool error", zap.Error(err))
	}
}
