package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockwatch/internal/app"
	variancehttp "github.com/odyssey-erp/stockwatch/internal/variance/http"
	"github.com/odyssey-erp/stockwatch/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	container, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("build services", slog.Any("error", err))
		os.Exit(1)
	}
	defer container.Close()

	if err := container.Cache.ListenForInvalidation(ctx, cfg.CacheChannel); err != nil {
		logger.Warn("cache invalidation listener", slog.Any("error", err))
	}

	var (
		enqueuer  variancehttp.Enqueuer
		inspector *asynq.Inspector
	)
	if container.Redis != nil {
		redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
		client, err := jobs.NewClient(redisOpts)
		if err != nil {
			logger.Warn("asynq client unavailable, async scans disabled", slog.Any("error", err))
		} else {
			enqueuer = client
			defer func() {
				if err := client.Close(); err != nil {
					logger.Warn("asynq client close", slog.Any("error", err))
				}
			}()
		}
		inspector = asynq.NewInspector(redisOpts)
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
	}

	if cfg.ScanInterval > 0 {
		if err := container.Scheduler.Start(ctx); err != nil {
			logger.Error("start variance scheduler", slog.Any("error", err))
			os.Exit(1)
		}
		defer container.Scheduler.Stop()
	}

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      container.Router(enqueuer, inspector),
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("storage", cfg.StorageDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
