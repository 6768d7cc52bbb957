package variance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockwatch/internal/shared"
)

// Repository persists alerts.
type Repository interface {
	// InsertIfAbsent stores a unless an active alert with the same dedupe key
	// exists, reporting whether it was stored.
	InsertIfAbsent(ctx context.Context, a Alert) (bool, error)
	Get(ctx context.Context, id uuid.UUID) (Alert, error)
	// Active lists unresolved alerts, newest first. storeID 0 selects every store.
	Active(ctx context.Context, storeID int64) ([]Alert, error)
	Resolve(ctx context.Context, id uuid.UUID, by int64, at time.Time, note string) (Alert, error)
	DetectedSince(ctx context.Context, storeID int64, since time.Time) ([]Alert, error)
}

// PgRepository stores alerts in variance_alerts. A partial unique index on
// (store_id, product_id, type, window_key) WHERE NOT resolved keeps active
// alerts unique.
type PgRepository struct {
	pool    *pgxpool.Pool
	builder squirrel.StatementBuilderType
}

// NewRepository constructs the PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{
		pool:    pool,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

type alertRow struct {
	Alert
	RawDetails []byte `db:"details"`
}

func (r alertRow) alert() (Alert, error) {
	a := r.Alert
	if len(r.RawDetails) > 0 {
		if err := json.Unmarshal(r.RawDetails, &a.Details); err != nil {
			return Alert{}, fmt.Errorf("variance: decode details of %s: %w", a.ID, err)
		}
	}
	return a, nil
}

var alertColumns = []string{
	"id", "type", "severity", "store_id", "product_id", "details", "window_key", "source_ref",
	"detected_at", "resolved", "COALESCE(resolved_by, 0) AS resolved_by", "resolved_at",
	"resolution_note", "recommended_actions",
}

// InsertIfAbsent implements Repository.
func (r *PgRepository) InsertIfAbsent(ctx context.Context, a Alert) (bool, error) {
	tag, err := r.pool.Exec(ctx, `INSERT INTO variance_alerts
		(id, type, severity, store_id, product_id, details, window_key, source_ref, detected_at, recommended_actions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (store_id, product_id, type, window_key) WHERE NOT resolved DO NOTHING`,
		a.ID, a.Type, a.Severity, a.StoreID, a.ProductID, a.Details, a.WindowKey, a.SourceRef, a.DetectedAt, a.RecommendedActions)
	if err != nil {
		return false, fmt.Errorf("variance: insert alert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get implements Repository.
func (r *PgRepository) Get(ctx context.Context, id uuid.UUID) (Alert, error) {
	sql, args, err := r.builder.Select(alertColumns...).From("variance_alerts").Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return Alert{}, err
	}
	var row alertRow
	if err := pgxscan.Get(ctx, r.pool, &row, sql, args...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Alert{}, shared.NotFound("variance_alert", id)
		}
		return Alert{}, fmt.Errorf("variance: get alert: %w", err)
	}
	return row.alert()
}

// Active implements Repository.
func (r *PgRepository) Active(ctx context.Context, storeID int64) ([]Alert, error) {
	q := r.builder.Select(alertColumns...).From("variance_alerts").Where(squirrel.Eq{"resolved": false})
	if storeID != 0 {
		q = q.Where(squirrel.Eq{"store_id": storeID})
	}
	return r.list(ctx, q.OrderBy("detected_at DESC", "id"))
}

// DetectedSince implements Repository.
func (r *PgRepository) DetectedSince(ctx context.Context, storeID int64, since time.Time) ([]Alert, error) {
	q := r.builder.Select(alertColumns...).From("variance_alerts").Where(squirrel.GtOrEq{"detected_at": since})
	if storeID != 0 {
		q = q.Where(squirrel.Eq{"store_id": storeID})
	}
	return r.list(ctx, q.OrderBy("detected_at", "id"))
}

func (r *PgRepository) list(ctx context.Context, q squirrel.SelectBuilder) ([]Alert, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []alertRow
	if err := pgxscan.Select(ctx, r.pool, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("variance: list alerts: %w", err)
	}
	alerts := make([]Alert, 0, len(rows))
	for _, row := range rows {
		a, err := row.alert()
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// Resolve flips an active alert to resolved. An alert resolved concurrently
// yields a ConcurrencyConflictError.
func (r *PgRepository) Resolve(ctx context.Context, id uuid.UUID, by int64, at time.Time, note string) (Alert, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE variance_alerts
		SET resolved = TRUE, resolved_by = $2, resolved_at = $3, resolution_note = $4
		WHERE id = $1 AND NOT resolved`, id, by, at, note)
	if err != nil {
		return Alert{}, fmt.Errorf("variance: resolve alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return Alert{}, err
		}
		return Alert{}, shared.Conflict("variance_alert", id, "already resolved")
	}
	return r.Get(ctx, id)
}
