package masterdata

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockwatch/internal/shared"
)

const productColumns = "id, sku, name, category, unit, unit_cost, reorder_point, active, updated_at"

// repo implements Repository on PostgreSQL.
type repo struct {
	db      *pgxpool.Pool
	builder squirrel.StatementBuilderType
}

// NewRepository creates a new master data repository
func NewRepository(db *pgxpool.Pool) Repository {
	return &repo{db: db, builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)}
}

func (r *repo) Product(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := pgxscan.Get(ctx, r.db, &p, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	if err != nil {
		if pgxscan.NotFound(err) {
			return Product{}, shared.NotFound("product", id)
		}
		return Product{}, fmt.Errorf("masterdata: get product: %w", err)
	}
	return p, nil
}

func (r *repo) Store(ctx context.Context, id int64) (Store, error) {
	var s Store
	err := pgxscan.Get(ctx, r.db, &s, `SELECT id, name, role, active, updated_at FROM stores WHERE id = $1`, id)
	if err != nil {
		if pgxscan.NotFound(err) {
			return Store{}, shared.NotFound("store", id)
		}
		return Store{}, fmt.Errorf("masterdata: get store: %w", err)
	}
	return s, nil
}

func (r *repo) Products(ctx context.Context, ids []int64) (map[int64]Product, error) {
	out := make(map[int64]Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	sql, args, err := r.builder.Select(productColumns).From("products").Where(squirrel.Eq{"id": ids}).ToSql()
	if err != nil {
		return nil, err
	}
	var rows []Product
	if err := pgxscan.Select(ctx, r.db, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("masterdata: list products: %w", err)
	}
	for _, p := range rows {
		out[p.ID] = p
	}
	return out, nil
}

func (r *repo) ActiveProducts(ctx context.Context) ([]Product, error) {
	var rows []Product
	err := pgxscan.Select(ctx, r.db, &rows, `SELECT `+productColumns+` FROM products WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("masterdata: active products: %w", err)
	}
	return rows, nil
}

func (r *repo) ActiveStores(ctx context.Context) ([]Store, error) {
	var rows []Store
	err := pgxscan.Select(ctx, r.db, &rows, `SELECT id, name, role, active, updated_at FROM stores WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("masterdata: active stores: %w", err)
	}
	return rows, nil
}

func (r *repo) SaveProduct(ctx context.Context, p Product) (Product, error) {
	if err := ValidateProduct(p); err != nil {
		return Product{}, err
	}
	p.UpdatedAt = time.Now().UTC()
	if p.ID == 0 {
		err := r.db.QueryRow(ctx, `INSERT INTO products (sku, name, category, unit, unit_cost, reorder_point, active, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
			p.SKU, p.Name, p.Category, p.Unit, p.UnitCost, p.ReorderPoint, p.Active, p.UpdatedAt).Scan(&p.ID)
		if err != nil {
			return Product{}, fmt.Errorf("masterdata: insert product: %w", err)
		}
		return p, nil
	}
	_, err := r.db.Exec(ctx, `INSERT INTO products (id, sku, name, category, unit, unit_cost, reorder_point, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET sku = EXCLUDED.sku, name = EXCLUDED.name, category = EXCLUDED.category,
			unit = EXCLUDED.unit, unit_cost = EXCLUDED.unit_cost, reorder_point = EXCLUDED.reorder_point,
			active = EXCLUDED.active, updated_at = EXCLUDED.updated_at`,
		p.ID, p.SKU, p.Name, p.Category, p.Unit, p.UnitCost, p.ReorderPoint, p.Active, p.UpdatedAt)
	if err != nil {
		return Product{}, fmt.Errorf("masterdata: upsert product: %w", err)
	}
	return p, nil
}

func (r *repo) SaveStore(ctx context.Context, s Store) (Store, error) {
	if err := ValidateStore(s); err != nil {
		return Store{}, err
	}
	s.UpdatedAt = time.Now().UTC()
	if s.ID == 0 {
		err := r.db.QueryRow(ctx, `INSERT INTO stores (name, role, active, updated_at) VALUES ($1, $2, $3, $4) RETURNING id`,
			s.Name, s.Role, s.Active, s.UpdatedAt).Scan(&s.ID)
		if err != nil {
			return Store{}, fmt.Errorf("masterdata: insert store: %w", err)
		}
		return s, nil
	}
	_, err := r.db.Exec(ctx, `INSERT INTO stores (id, name, role, active, updated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, role = EXCLUDED.role, active = EXCLUDED.active, updated_at = EXCLUDED.updated_at`,
		s.ID, s.Name, s.Role, s.Active, s.UpdatedAt)
	if err != nil {
		return Store{}, fmt.Errorf("masterdata: upsert store: %w", err)
	}
	return s, nil
}
