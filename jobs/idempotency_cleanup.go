package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockwatch/internal/jobs"
)

// KeyCleaner prunes idempotency keys older than a retention.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyCleanupJob handles TaskIdempotencyCleanup.
type IdempotencyCleanupJob struct {
	cleaner KeyCleaner
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewIdempotencyCleanupJob constructs the handler.
func NewIdempotencyCleanupJob(cleaner KeyCleaner, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotencyCleanupJob{cleaner: cleaner, logger: logger, metrics: metrics}
}

// Handle executes the cleanup.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.OlderThan <= 0 {
		payload.OlderThan = 72 * time.Hour
	}
	tracker := j.metrics.Track(TaskIdempotencyCleanup)
	defer func() {
		err = tracker.End(err)
	}()
	removed, err := j.cleaner.Cleanup(ctx, payload.OlderThan)
	if err != nil {
		j.logger.ErrorContext(ctx, "idempotency cleanup failed", slog.Any("error", err))
		return err
	}
	j.logger.InfoContext(ctx, "idempotency keys pruned",
		slog.Duration("older_than", payload.OlderThan), slog.Int64("removed", removed))
	return nil
}
