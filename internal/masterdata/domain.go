package masterdata

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Unit is the measurement unit of a product.
type Unit string

const (
	UnitMass  Unit = "kg"
	UnitCount Unit = "pcs"
)

// StoreRole distinguishes the central hub from satellite stores.
type StoreRole string

const (
	StoreHub       StoreRole = "hub"
	StoreSatellite StoreRole = "satellite"
)

// Product represents a perishable product tracked by the ledger.
type Product struct {
	ID           int64           `json:"id" db:"id"`
	SKU          string          `json:"sku" db:"sku"`
	Name         string          `json:"name" db:"name"`
	Category     string          `json:"category" db:"category"`
	Unit         Unit            `json:"unit" db:"unit"`
	UnitCost     decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	ReorderPoint float64         `json:"reorder_point" db:"reorder_point"`
	Active       bool            `json:"active" db:"active"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Store represents a selling location.
type Store struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Role      StoreRole `json:"role" db:"role"`
	Active    bool      `json:"active" db:"active"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Directory is the read port the stock components use for master data.
type Directory interface {
	Product(ctx context.Context, id int64) (Product, error)
	Store(ctx context.Context, id int64) (Store, error)
	Products(ctx context.Context, ids []int64) (map[int64]Product, error)
	ActiveProducts(ctx context.Context) ([]Product, error)
	ActiveStores(ctx context.Context) ([]Store, error)
}

// Repository extends Directory with maintenance writes.
type Repository interface {
	Directory
	SaveProduct(ctx context.Context, p Product) (Product, error)
	SaveStore(ctx context.Context, s Store) (Store, error)
}
