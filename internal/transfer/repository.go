package transfer

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

// Repository is the storage port of transfers.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error
	Get(ctx context.Context, id uuid.UUID) (Transfer, error)
	List(ctx context.Context, filter ListFilter) ([]Transfer, error)
}

// Tx is the transactional part of Repository.
type Tx interface {
	Ledger() inventory.Tx
	Insert(ctx context.Context, t Transfer) error
	// Update stores t when the persisted version still equals expected.
	Update(ctx context.Context, t Transfer, expected int64) error
}

// ListFilter selects transfers touching a store.
type ListFilter struct {
	StoreID int64
	Status  Status
}

const transferColumns = "id, number, source_store_id, destination_store_id, status, COALESCE(note, '') AS note, created_by, created_at, COALESCE(dispatched_by, 0) AS dispatched_by, dispatched_at, COALESCE(received_by, 0) AS received_by, received_at, COALESCE(cancelled_by, 0) AS cancelled_by, cancelled_at, COALESCE(cancel_reason, '') AS cancel_reason, version"

// PgRepository persists transfers in transfers and transfer_lines.
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

// WithTx runs fn in a read-committed transaction shared with the ledger.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("transfer: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(ctx, &pgTx{tx: tx, ledger: inventory.NewPgTx(tx), builder: r.builder}); err != nil {
		if db.IsSerializationFailure(err) {
			return shared.Conflict("transfer", "", "concurrent transaction")
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("transfer: commit tx: %w", err)
	}
	return nil
}

func (t *pgTx) Ledger() inventory.Tx { return t.ledger }

func (t *pgTx) Insert(ctx context.Context, tr Transfer) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO transfers (id, number, source_store_id, destination_store_id, status, note, created_by, created_at, dispatched_by, dispatched_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tr.ID, tr.Number, tr.SourceStoreID, tr.DestinationStoreID, tr.Status, tr.Note, tr.CreatedBy, tr.CreatedAt, nullable(tr.DispatchedBy), tr.DispatchedAt, tr.Version)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return shared.Conflict("transfer", tr.Number, "number already used")
		}
		return fmt.Errorf("transfer: insert: %w", err)
	}
	return t.saveLines(ctx, tr)
}

func (t *pgTx) Update(ctx context.Context, tr Transfer, expected int64) error {
	query, args, err := t.builder.Update("transfers").
		SetMap(map[string]any{
			"status":        tr.Status,
			"dispatched_by": nullable(tr.DispatchedBy),
			"dispatched_at": tr.DispatchedAt,
			"received_by":   nullable(tr.ReceivedBy),
			"received_at":   tr.ReceivedAt,
			"cancelled_by":  nullable(tr.CancelledBy),
			"cancelled_at":  tr.CancelledAt,
			"cancel_reason": tr.CancelReason,
			"version":       tr.Version,
		}).
		Where(squirrel.Eq{"id": tr.ID, "version": expected}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transfer: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.Conflict("transfer", tr.ID, "modified concurrently")
	}
	return t.saveLines(ctx, tr)
}

func (t *pgTx) saveLines(ctx context.Context, tr Transfer) error {
	batch := &pgx.Batch{}
	for _, l := range tr.Lines {
		batch.Queue(`INSERT INTO transfer_lines (transfer_id, product_id, quantity_sent, quantity_received, condition, discrepancy)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (transfer_id, product_id) DO UPDATE SET quantity_received = EXCLUDED.quantity_received,
	condition = EXCLUDED.condition, discrepancy = EXCLUDED.discrepancy`,
			tr.ID, l.ProductID, l.QuantitySent, l.QuantityReceived, string(l.Condition), l.Discrepancy)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("transfer: save lines: %w", err)
	}
	return nil
}

// Get loads a transfer with its lines.
func (r *PgRepository) Get(ctx context.Context, id uuid.UUID) (Transfer, error) {
	var tr Transfer
	if err := pgxscan.Get(ctx, r.pool, &tr, "SELECT "+transferColumns+" FROM transfers WHERE id = $1", id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, shared.NotFound("transfer", id)
		}
		return Transfer{}, fmt.Errorf("transfer: get: %w", err)
	}
	var lines []Line
	err := pgxscan.Select(ctx, r.pool, &lines, `SELECT product_id, quantity_sent, quantity_received, COALESCE(condition, '') AS condition, discrepancy
FROM transfer_lines WHERE transfer_id = $1 ORDER BY product_id`, id)
	if err != nil {
		return Transfer{}, fmt.Errorf("transfer: lines: %w", err)
	}
	tr.Lines = lines
	return tr, nil
}

// List returns transfers leaving or entering the store, newest first, without lines.
func (r *PgRepository) List(ctx context.Context, filter ListFilter) ([]Transfer, error) {
	builder := r.builder.Select(transferColumns).From("transfers").
		Where(squirrel.Or{squirrel.Eq{"source_store_id": filter.StoreID}, squirrel.Eq{"destination_store_id": filter.StoreID}}).
		OrderBy("created_at DESC")
	if filter.Status != "" {
		builder = builder.Where(squirrel.Eq{"status": filter.Status})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	var out []Transfer
	if err := pgxscan.Select(ctx, r.pool, &out, query, args...); err != nil {
		return nil, fmt.Errorf("transfer: list: %w", err)
	}
	return out, nil
}

func nullable(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
