package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockwatch/internal/jobs"
	"github.com/odyssey-erp/stockwatch/internal/shared"
)

// StoreScanner runs the detector for one store or for all of them.
type StoreScanner interface {
	ScanStore(ctx context.Context, storeID int64) error
	ScanAll(ctx context.Context) error
}

// VarianceScanJob handles TaskVarianceScan.
type VarianceScanJob struct {
	scanner StoreScanner
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewVarianceScanJob constructs the handler.
func NewVarianceScanJob(scanner StoreScanner, logger *slog.Logger, metrics *jobmetrics.Metrics) *VarianceScanJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &VarianceScanJob{scanner: scanner, logger: logger, metrics: metrics}
}

// Handle executes the scan.
func (j *VarianceScanJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.scanner == nil {
		return errors.New("variance scan: handler not configured")
	}
	var payload VarianceScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.StoreID < 0 {
		return asynq.SkipRetry
	}
	tracker := j.metrics.Track(TaskVarianceScan)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger.With(slog.Int64("store_id", payload.StoreID))
	if payload.StoreID == 0 {
		err = j.scanner.ScanAll(ctx)
	} else {
		err = j.scanner.ScanStore(ctx, payload.StoreID)
	}
	if err != nil {
		logger.ErrorContext(ctx, "variance scan failed", slog.Any("error", err))
		if errors.Is(err, shared.ErrNotFound) || errors.Is(err, shared.ErrValidation) {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return err
	}
	logger.InfoContext(ctx, "variance scan completed")
	return nil
}
