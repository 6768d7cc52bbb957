package inventory

import (
	"context"
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

// Store is the storage port of the ledger.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error
	ListMovements(ctx context.Context, q MovementQuery) ([]Movement, error)
	SumQuantity(ctx context.Context, storeID, productID int64) (float64, error)
	ReservationTotals(ctx context.Context, storeID, productID int64) (reserved, inTransit float64, err error)
	Totals(ctx context.Context, q AggregateQuery) (Totals, error)
	TotalsByProduct(ctx context.Context, q AggregateQuery) (map[int64]Totals, error)
	DailyTotals(ctx context.Context, q AggregateQuery) ([]DailyTotal, error)
}

// Tx exposes the operations that must share one transaction.
type Tx interface {
	// LockStock serialises writers of one (store, product) pair until the transaction ends.
	LockStock(ctx context.Context, storeID, productID int64) (Position, error)
	InsertMovement(ctx context.Context, m Movement) error
	SaveReservation(ctx context.Context, r Reservation) error
	Reservations(ctx context.Context, transferID uuid.UUID) ([]Reservation, error)
}

// Repository persists the ledger in PostgreSQL.
type Repository struct {
	pool    *pgxpool.Pool
	builder squirrel.StatementBuilderType
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{
		pool:    pool,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// WithTx executes the callback inside a read-committed transaction. Writers
// are serialised by row locks taken in LockStock, so every statement after the
// lock sees the latest committed movements for the locked pair.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("inventory: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, NewPgTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("inventory: commit tx: %w", err)
	}
	return nil
}

// PgTx implements Tx on an open pgx transaction. Other modules build one
// over their own transaction to post movements atomically with their documents.
type PgTx struct {
	tx pgx.Tx
}

// NewPgTx wraps tx.
func NewPgTx(tx pgx.Tx) *PgTx {
	return &PgTx{tx: tx}
}

// LockStock locks the stock_levels row and cross-checks its cached quantity
// against the ledger sum.
func (t *PgTx) LockStock(ctx context.Context, storeID, productID int64) (Position, error) {
	if _, err := t.tx.Exec(ctx, `INSERT INTO inventory_stock_levels (store_id, product_id, quantity, updated_at)
		VALUES ($1, $2, 0, NOW()) ON CONFLICT (store_id, product_id) DO NOTHING`, storeID, productID); err != nil {
		return Position{}, fmt.Errorf("inventory: ensure stock row: %w", err)
	}
	var cached float64
	if err := t.tx.QueryRow(ctx, `SELECT quantity FROM inventory_stock_levels
		WHERE store_id = $1 AND product_id = $2 FOR UPDATE`, storeID, productID).Scan(&cached); err != nil {
		return Position{}, fmt.Errorf("inventory: lock stock row: %w", err)
	}
	pos := Position{StoreID: storeID, ProductID: productID}
	if err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM stock_movements
		WHERE store_id = $1 AND product_id = $2`, storeID, productID).Scan(&pos.Quantity); err != nil {
		return Position{}, fmt.Errorf("inventory: sum movements: %w", err)
	}
	if !nearlyEqual(cached, pos.Quantity) {
		return Position{}, &shared.IntegrityError{
			Op:  "inventory.lock_stock",
			Err: fmt.Errorf("cached quantity %.3f differs from ledger %.3f for %s", cached, pos.Quantity, shared.StockKey(storeID, productID)),
		}
	}
	if err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM stock_reservations
		WHERE store_id = $1 AND product_id = $2 AND state = $3`, storeID, productID, ReservationHeld).Scan(&pos.Reserved); err != nil {
		return Position{}, fmt.Errorf("inventory: sum reservations: %w", err)
	}
	return pos, nil
}

// InsertMovement appends a movement and bumps the cached quantity.
func (t *PgTx) InsertMovement(ctx context.Context, m Movement) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO stock_movements
		(id, store_id, product_id, type, quantity, loss_category, reason, comment, recorded_by, recorded_at, ref_module, ref_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.StoreID, m.ProductID, m.Type, m.Quantity, m.LossCategory, m.Reason, m.Comment,
		m.RecordedBy, m.RecordedAt, m.RefModule, m.RefID)
	if err != nil {
		return fmt.Errorf("inventory: insert movement: %w", err)
	}
	tag, err := t.tx.Exec(ctx, `UPDATE inventory_stock_levels SET quantity = quantity + $3, updated_at = NOW()
		WHERE store_id = $1 AND product_id = $2`, m.StoreID, m.ProductID, m.Quantity)
	if err != nil {
		return fmt.Errorf("inventory: update stock row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &shared.IntegrityError{Op: "inventory.insert_movement", Err: errors.New("stock row not locked before insert")}
	}
	return nil
}

// SaveReservation upserts the reservation of one transfer line.
func (t *PgTx) SaveReservation(ctx context.Context, r Reservation) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO stock_reservations (transfer_id, store_id, product_id, quantity, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (transfer_id, product_id) DO UPDATE SET quantity = EXCLUDED.quantity, state = EXCLUDED.state, updated_at = NOW()`,
		r.TransferID, r.StoreID, r.ProductID, r.Quantity, r.State)
	if err != nil {
		return fmt.Errorf("inventory: save reservation: %w", err)
	}
	return nil
}

// Reservations lists the reservations of a transfer.
func (t *PgTx) Reservations(ctx context.Context, transferID uuid.UUID) ([]Reservation, error) {
	var rows []Reservation
	err := pgxscan.Select(ctx, t.tx, &rows, `SELECT transfer_id, store_id, product_id, quantity, state
		FROM stock_reservations WHERE transfer_id = $1 ORDER BY product_id`, transferID)
	if err != nil {
		return nil, fmt.Errorf("inventory: list reservations: %w", err)
	}
	return rows, nil
}

// ListMovements returns one keyset page ordered by (recorded_at, id).
func (r *Repository) ListMovements(ctx context.Context, q MovementQuery) ([]Movement, error) {
	builder := r.builder.
		Select("id", "store_id", "product_id", "type", "quantity", "loss_category", "reason", "comment",
			"recorded_by", "recorded_at", "ref_module", "ref_id").
		From("stock_movements").
		Where(squirrel.Eq{"store_id": q.StoreID}).
		OrderBy("recorded_at", "id")
	builder = applyRange(builder, q.Range)
	if len(q.Types) > 0 {
		builder = builder.Where(squirrel.Eq{"type": q.Types})
	}
	if len(q.LossCategories) > 0 {
		builder = builder.Where(squirrel.Eq{"loss_category": q.LossCategories})
	}
	if len(q.ProductIDs) > 0 {
		builder = builder.Where(squirrel.Eq{"product_id": q.ProductIDs})
	}
	if !q.AfterTime.IsZero() {
		builder = builder.Where(squirrel.Expr("(recorded_at, id) > (?, ?)", q.AfterTime, q.AfterID))
	}
	if q.Limit > 0 {
		builder = builder.Limit(uint64(q.Limit))
	}
	sql, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []Movement
	if err := pgxscan.Select(ctx, r.pool, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("inventory: list movements: %w", err)
	}
	return rows, nil
}

// SumQuantity recomputes the stock level from the ledger.
func (r *Repository) SumQuantity(ctx context.Context, storeID, productID int64) (float64, error) {
	var qty float64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM stock_movements
		WHERE store_id = $1 AND product_id = $2`, storeID, productID).Scan(&qty)
	if err != nil {
		return 0, fmt.Errorf("inventory: sum quantity: %w", err)
	}
	return qty, nil
}

// ReservationTotals returns held quantity at the store and shipped quantity leaving it.
func (r *Repository) ReservationTotals(ctx context.Context, storeID, productID int64) (float64, float64, error) {
	var reserved, inTransit float64
	err := r.pool.QueryRow(ctx, `SELECT
			COALESCE(SUM(quantity) FILTER (WHERE state = $3), 0),
			COALESCE(SUM(quantity) FILTER (WHERE state = $4), 0)
		FROM stock_reservations WHERE store_id = $1 AND product_id = $2`,
		storeID, productID, ReservationHeld, ReservationShipped).Scan(&reserved, &inTransit)
	if err != nil {
		return 0, 0, fmt.Errorf("inventory: reservation totals: %w", err)
	}
	return reserved, inTransit, nil
}

type totalsRow struct {
	ProductID    int64        `db:"product_id"`
	Day          time.Time    `db:"day"`
	Type         MovementType `db:"type"`
	LossCategory LossCategory `db:"loss_category"`
	Quantity     float64      `db:"quantity"`
}

// aggregate groups by type and loss category plus an optional extra
// expression, exposed under alias.
func (r *Repository) aggregate(ctx context.Context, q AggregateQuery, expr, alias string) ([]totalsRow, error) {
	columns := []string{"type", "loss_category", "SUM(quantity) AS quantity"}
	group := []string{"type", "loss_category"}
	if expr != "" {
		columns = append(columns, expr+" AS "+alias)
		group = append(group, alias)
	}
	builder := r.builder.Select(columns...).
		From("stock_movements").
		Where(squirrel.Eq{"store_id": q.StoreID}).
		GroupBy(group...)
	if q.ProductID != 0 {
		builder = builder.Where(squirrel.Eq{"product_id": q.ProductID})
	}
	builder = applyRange(builder, q.Range)
	sql, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []totalsRow
	if err := pgxscan.Select(ctx, r.pool, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("inventory: aggregate movements: %w", err)
	}
	return rows, nil
}

// Totals sums the selected movements by type and loss category.
func (r *Repository) Totals(ctx context.Context, q AggregateQuery) (Totals, error) {
	rows, err := r.aggregate(ctx, q, "", "")
	if err != nil {
		return Totals{}, err
	}
	totals := NewTotals()
	for _, row := range rows {
		totals.Add(Movement{Type: row.Type, LossCategory: row.LossCategory, Quantity: row.Quantity})
	}
	return totals, nil
}

// TotalsByProduct sums the selected movements per product.
func (r *Repository) TotalsByProduct(ctx context.Context, q AggregateQuery) (map[int64]Totals, error) {
	rows, err := r.aggregate(ctx, q, "product_id", "product_id")
	if err != nil {
		return nil, err
	}
	out := make(map[int64]Totals)
	for _, row := range rows {
		totals, ok := out[row.ProductID]
		if !ok {
			totals = NewTotals()
			out[row.ProductID] = totals
		}
		totals.Add(Movement{Type: row.Type, LossCategory: row.LossCategory, Quantity: row.Quantity})
	}
	return out, nil
}

// DailyTotals sums the selected movements per UTC day, ordered by day.
func (r *Repository) DailyTotals(ctx context.Context, q AggregateQuery) ([]DailyTotal, error) {
	rows, err := r.aggregate(ctx, q, "date_trunc('day', recorded_at AT TIME ZONE 'UTC')", "day")
	if err != nil {
		return nil, err
	}
	return foldDaily(rows), nil
}

func foldDaily(rows []totalsRow) []DailyTotal {
	byDay := make(map[time.Time]Totals)
	var days []time.Time
	for _, row := range rows {
		day := time.Date(row.Day.Year(), row.Day.Month(), row.Day.Day(), 0, 0, 0, 0, time.UTC)
		totals, ok := byDay[day]
		if !ok {
			totals = NewTotals()
			byDay[day] = totals
			days = append(days, day)
		}
		totals.Add(Movement{Type: row.Type, LossCategory: row.LossCategory, Quantity: row.Quantity})
	}
	sortDays(days)
	out := make([]DailyTotal, 0, len(days))
	for _, day := range days {
		out = append(out, DailyTotal{Day: day, Totals: byDay[day]})
	}
	return out
}

func applyRange(builder squirrel.SelectBuilder, rng DateRange) squirrel.SelectBuilder {
	if !rng.From.IsZero() {
		builder = builder.Where(squirrel.GtOrEq{"recorded_at": rng.From})
	}
	if !rng.To.IsZero() {
		builder = builder.Where(squirrel.Lt{"recorded_at": rng.To})
	}
	return builder
}
