// Command api starts the HTTP API server for the palette engine. With
// WORKER_INPROCESS set it also runs the worker pool.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/leejennwah/palette-engine/internal/api"
	"github.com/leejennwah/palette-engine/internal/bootstrap"
	"github.com/leejennwah/palette-engine/internal/config"
	"github.com/leejennwah/palette-engine/internal/signature"
	"github.com/leejennwah/palette-engine/internal/tracing"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize tracing.
	shutdownTracer, err := tracing.Init(ctx, "palette-api", cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer shutdownTracer(context.Background())
	}

	rt, err := bootstrap.Open(ctx, cfg, logger, "api")
	if err != nil {
		logger.Fatal("open backends", zap.Error(err))
	}
	defer rt.Close()

	limiter := api.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	if err := limiter.TrustProxies(cfg.TrustedProxies); err != nil {
		logger.Fatal("parse trusted proxies", zap.Error(err))
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	rt.Start(bgCtx)

	deps := api.Deps{
		Store:          rt.Store,
		Queue:          rt.Queue,
		Blobs:          rt.Blobs,
		Idempotency:    rt.Idempotency,
		Nonces:         rt.Nonces,
		Verifier:       signature.NewVerifier(cfg.SignatureEnforced, cfg.SignatureSecret),
		Limiter:        limiter,
		Notifier:       rt.Webhooks,
		Publisher:      rt.Publisher,
		Metrics:        rt.Metrics,
		Gatherer:       rt.Gatherer,
		Logger:         logger,
		Checks:         rt.Checks,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Info: api.Info{
			Service:  "palette-engine",
			Version:  version,
			Features: features(cfg),
		},
	}

	var workers sync.WaitGroup
	if cfg.WorkerInProcess {
		pool := rt.NewPool()
		deps.Scheduler = pool
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := pool.Run(bgCtx); err != nil {
				logger.Error("worker pool error", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:         cfg.APIAddr,
		Handler:      api.NewServer(deps).Handler(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	go func() {
		logger.Info("api server starting",
			zap.String("addr", cfg.APIAddr),
			zap.String("backend", string(cfg.Backend)),
			zap.Bool("worker_inprocess", cfg.WorkerInProcess),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down api server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}

	// In-flight jobs settle before webhooks drain in rt.Close.
	stopBackground()
	workers.Wait()
}

func features(cfg *config.Config) []string {
	f := []string{"zip_upload", "image_upload", "url_fetch", "etag_polling", "idempotency", "webhooks", "cancellation"}
	if cfg.SignatureEnforced {
		f = append(f, "request_signing")
	}
	if len(cfg.KafkaBrokers) > 0 {
		f = append(f, "kafka_events")
	}
	return f
}
