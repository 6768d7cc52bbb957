package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockwatch/internal/app"
	"github.com/odyssey-erp/stockwatch/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	if cfg.StorageDriver != app.DriverPostgres || !cfg.RedisEnabled() {
		logger.Error("worker needs the postgres driver and REDIS_ADDR")
		os.Exit(1)
	}

	container, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("build services", slog.Any("error", err))
		os.Exit(1)
	}
	defer container.Close()

	metrics := container.Metrics.Jobs()
	scanJob := jobs.NewVarianceScanJob(container.Scheduler, logger, metrics)
	cleanupJob := jobs.NewIdempotencyCleanupJob(container.Keys, logger, metrics)

	var cron []jobs.CronRegistration
	if cfg.ScanCron != "" {
		task, err := jobs.NewVarianceScanTask(0)
		if err != nil {
			logger.Error("build variance scan task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{Spec: cfg.ScanCron, Task: task, Options: []asynq.Option{asynq.MaxRetry(1)}})
	}
	if cfg.CleanupCron != "" {
		task, err := jobs.NewIdempotencyCleanupTask(cfg.KeyRetention)
		if err != nil {
			logger.Error("build idempotency cleanup task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{Spec: cfg.CleanupCron, Task: task, Options: []asynq.Option{asynq.MaxRetry(3)}})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskVarianceScan, Handler: scanJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
