package stockcount

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockwatch/internal/inventory"
	"github.com/odyssey-erp/stockwatch/internal/platform/db"
	"github.com/odyssey-erp/stockwatch/internal/shared"
)

// Repository is the storage port of counts.
type Repository interface {
	// WithTx runs fn in one transaction shared with the ledger.
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error
	Get(ctx context.Context, id uuid.UUID) (Count, error)
	List(ctx context.Context, storeID int64) ([]Count, error)
}

// Tx is the transactional part of Repository.
type Tx interface {
	Ledger() inventory.Tx
	// Insert fails with ConcurrencyConflict when the store already has an active count.
	Insert(ctx context.Context, c Count) error
	// Update stores c when the persisted version still equals expected.
	Update(ctx context.Context, c Count, expected int64) error
}

const countColumns = "id, number, store_id, count_date, status, created_by, created_at, COALESCE(submitted_by, 0) AS submitted_by, submitted_at, COALESCE(validated_by, 0) AS validated_by, validated_at, COALESCE(rejected_by, 0) AS rejected_by, rejected_at, COALESCE(rejection_reason, '') AS rejection_reason, resubmission_of, total_variance_value, version"

// PgRepository persists counts in stock_counts and stock_count_lines.
type PgRepository struct {
	pool    *pgxpool.Pool
	builder squirrel.StatementBuilderType
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool, builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)}
}

type pgTx struct {
	tx      pgx.Tx
	ledger  *inventory.PgTx
	builder squirrel.StatementBuilderType
}

// WithTx runs fn in a read-committed transaction. The count row update is
// guarded by its version so a concurrent writer finds zero affected rows.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("stockcount: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(ctx, &pgTx{tx: tx, ledger: inventory.NewPgTx(tx), builder: r.builder}); err != nil {
		if db.IsSerializationFailure(err) {
			return shared.Conflict("stock_count", "", "concurrent transaction")
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("stockcount: commit tx: %w", err)
	}
	return nil
}

func (t *pgTx) Ledger() inventory.Tx { return t.ledger }

func (t *pgTx) Insert(ctx context.Context, c Count) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO stock_counts (id, number, store_id, count_date, status, created_by, created_at, resubmission_of, total_variance_value, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.Number, c.StoreID, c.Date, c.Status, c.CreatedBy, c.CreatedAt, c.ResubmissionOf, c.TotalVarianceValue, c.Version)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return shared.Conflict("stock_count", c.StoreID, "store already has an active count")
		}
		return fmt.Errorf("stockcount: insert: %w", err)
	}
	return t.saveLines(ctx, c)
}

func (t *pgTx) Update(ctx context.Context, c Count, expected int64) error {
	query, args, err := t.builder.Update("stock_counts").
		SetMap(map[string]any{
			"status":               c.Status,
			"submitted_by":         nullable(c.SubmittedBy),
			"submitted_at":         c.SubmittedAt,
			"validated_by":         nullable(c.ValidatedBy),
			"validated_at":         c.ValidatedAt,
			"rejected_by":          nullable(c.RejectedBy),
			"rejected_at":          c.RejectedAt,
			"rejection_reason":     c.RejectionReason,
			"total_variance_value": c.TotalVarianceValue,
			"version":              c.Version,
		}).
		Where(squirrel.Eq{"id": c.ID, "version": expected}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("stockcount: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.Conflict("stock_count", c.ID, "modified concurrently")
	}
	return t.saveLines(ctx, c)
}

func (t *pgTx) saveLines(ctx context.Context, c Count) error {
	batch := &pgx.Batch{}
	for _, l := range c.Lines {
		batch.Queue(`INSERT INTO stock_count_lines (count_id, product_id, theoretical_qty, physical_qty, variance, variance_value, unit_cost, severity, comment)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (count_id, product_id) DO UPDATE SET physical_qty = EXCLUDED.physical_qty, variance = EXCLUDED.variance,
	variance_value = EXCLUDED.variance_value, severity = EXCLUDED.severity, comment = EXCLUDED.comment`,
			c.ID, l.ProductID, l.TheoreticalQty, l.PhysicalQty, l.Variance, l.VarianceValue, l.UnitCost, string(l.Severity), l.Comment)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("stockcount: save lines: %w", err)
	}
	return nil
}

// Get loads a count with its lines.
func (r *PgRepository) Get(ctx context.Context, id uuid.UUID) (Count, error) {
	var c Count
	err := pgxscan.Get(ctx, r.pool, &c, "SELECT "+countColumns+" FROM stock_counts WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Count{}, shared.NotFound("stock_count", id)
		}
		return Count{}, fmt.Errorf("stockcount: get: %w", err)
	}
	lines, err := r.lines(ctx, id)
	if err != nil {
		return Count{}, err
	}
	c.Lines = lines
	return c, nil
}

// List returns the store's counts, newest first, without lines.
func (r *PgRepository) List(ctx context.Context, storeID int64) ([]Count, error) {
	var counts []Count
	err := pgxscan.Select(ctx, r.pool, &counts, "SELECT "+countColumns+" FROM stock_counts WHERE store_id = $1 ORDER BY created_at DESC", storeID)
	if err != nil {
		return nil, fmt.Errorf("stockcount: list: %w", err)
	}
	return counts, nil
}

func (r *PgRepository) lines(ctx context.Context, id uuid.UUID) ([]Line, error) {
	var lines []Line
	err := pgxscan.Select(ctx, r.pool, &lines, `SELECT product_id, theoretical_qty, physical_qty, variance, variance_value, unit_cost, COALESCE(severity, '') AS severity, COALESCE(comment, '') AS comment
FROM stock_count_lines WHERE count_id = $1 ORDER BY product_id`, id)
	if err != nil {
		return nil, fmt.Errorf("stockcount: lines: %w", err)
	}
	return lines, nil
}

func nullable(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
