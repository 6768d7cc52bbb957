package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueScans carries detector scans.
	QueueScans = "scans"
	// QueueMaintenance carries housekeeping tasks.
	QueueMaintenance = "maintenance"
	// TaskVarianceScan runs the variance detector for one store, or every
	// active store when the payload carries store 0.
	TaskVarianceScan = "variance:scan"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// VarianceScanPayload identifies the store to scan.
type VarianceScanPayload struct {
	StoreID int64 `json:"store_id"`
}

// NewVarianceScanTask constructs a scan task. Scans of one store are unique
// while queued.
func NewVarianceScanTask(storeID int64) (*asynq.Task, error) {
	body, err := json.Marshal(VarianceScanPayload{StoreID: storeID})
	if err != nil {
		return nil, fmt.Errorf("marshal variance scan payload: %w", err)
	}
	return asynq.NewTask(TaskVarianceScan, body, asynq.Queue(QueueScans), asynq.Unique(10*time.Minute), asynq.MaxRetry(3)), nil
}

// IdempotencyCleanupPayload sets the retention of idempotency keys.
type IdempotencyCleanupPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewIdempotencyCleanupTask constructs a cleanup task.
func NewIdempotencyCleanupTask(olderThan time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{OlderThan: olderThan})
	if err != nil {
		return nil, fmt.Errorf("marshal idempotency cleanup payload: %w", err)
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueMaintenance)), nil
}
