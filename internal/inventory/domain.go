package inventory

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// MovementType enumerates supported ledger movements.
type MovementType string

const (
	// MovementArrival represents goods received from a supplier.
	MovementArrival MovementType = "arrival"
	// MovementSale represents goods sold at the till.
	MovementSale MovementType = "sale"
	// MovementLoss represents goods written off.
	MovementLoss MovementType = "loss"
	// MovementTransferOut leaves the source store of a transfer.
	MovementTransferOut MovementType = "transfer_out"
	// MovementTransferIn enters the destination store of a transfer.
	MovementTransferIn MovementType = "transfer_in"
	// MovementCountAdjustment aligns the ledger with a validated physical count.
	MovementCountAdjustment MovementType = "count_adjustment"
)

// Valid reports whether t is a known movement type.
func (t MovementType) Valid() bool {
	switch t {
	case MovementArrival, MovementSale, MovementLoss, MovementTransferOut, MovementTransferIn, MovementCountAdjustment:
		return true
	}
	return false
}

// Sign returns +1 for inbound types, -1 for outbound types and 0 when the
// movement carries its own sign.
func (t MovementType) Sign() float64 {
	switch t {
	case MovementArrival, MovementTransferIn:
		return 1
	case MovementSale, MovementLoss, MovementTransferOut:
		return -1
	}
	return 0
}

// LossCategory classifies a loss movement.
type LossCategory string

const (
	LossSpoilage  LossCategory = "spoilage"
	LossDamage    LossCategory = "damage"
	LossPromotion LossCategory = "promotion"
)

// LossCategories lists every category in reporting order.
var LossCategories = []LossCategory{LossSpoilage, LossDamage, LossPromotion}

// Valid reports whether c is a known category.
func (c LossCategory) Valid() bool {
	switch c {
	case LossSpoilage, LossDamage, LossPromotion:
		return true
	}
	return false
}

// Movement is an immutable ledger entry. Quantity is signed.
type Movement struct {
	ID           uuid.UUID    `json:"id" db:"id"`
	StoreID      int64        `json:"store_id" db:"store_id"`
	ProductID    int64        `json:"product_id" db:"product_id"`
	Type         MovementType `json:"type" db:"type"`
	Quantity     float64      `json:"quantity" db:"quantity"`
	LossCategory LossCategory `json:"loss_category,omitempty" db:"loss_category"`
	Reason       string       `json:"reason,omitempty" db:"reason"`
	Comment      string       `json:"comment,omitempty" db:"comment"`
	RecordedBy   int64        `json:"recorded_by" db:"recorded_by"`
	RecordedAt   time.Time    `json:"recorded_at" db:"recorded_at"`
	RefModule    string       `json:"ref_module,omitempty" db:"ref_module"`
	RefID        string       `json:"ref_id,omitempty" db:"ref_id"`
}

// StockLevel is derived from the ledger, never stored as truth.
type StockLevel struct {
	StoreID           int64   `json:"store_id"`
	ProductID         int64   `json:"product_id"`
	Quantity          float64 `json:"quantity"`
	ReservedQuantity  float64 `json:"reserved_quantity"`
	InTransitQuantity float64 `json:"in_transit_quantity"`
	AvailableQuantity float64 `json:"available_quantity"`
}

// Position is the locked view of one (store, product) pair inside a transaction.
type Position struct {
	StoreID   int64
	ProductID int64
	Quantity  float64
	Reserved  float64
}

// Available returns quantity not yet promised to a draft transfer.
func (p Position) Available() float64 {
	return p.Quantity - p.Reserved
}

// ReservationState tracks a transfer's hold on source stock.
type ReservationState string

const (
	// ReservationHeld reduces available quantity before dispatch.
	ReservationHeld ReservationState = "held"
	// ReservationShipped marks quantity that left the source and is in transit.
	ReservationShipped ReservationState = "shipped"
	// ReservationReleased closes the reservation.
	ReservationReleased ReservationState = "released"
)

// Reservation ties a transfer line to source stock.
type Reservation struct {
	TransferID uuid.UUID        `json:"transfer_id" db:"transfer_id"`
	StoreID    int64            `json:"store_id" db:"store_id"`
	ProductID  int64            `json:"product_id" db:"product_id"`
	Quantity   float64          `json:"quantity" db:"quantity"`
	State      ReservationState `json:"state" db:"state"`
}

// DateRange is a half-open [From, To) interval. Zero bounds are open.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// Filter narrows a movement listing.
type Filter struct {
	Types          []MovementType
	LossCategories []LossCategory
	ProductIDs     []int64
	Search         string
}

// MovementQuery is one keyset page request against storage.
type MovementQuery struct {
	StoreID        int64
	Range          DateRange
	Types          []MovementType
	LossCategories []LossCategory
	ProductIDs     []int64
	AfterTime      time.Time
	AfterID        uuid.UUID
	Limit          int
}

// AggregateQuery selects movements for aggregate totals.
type AggregateQuery struct {
	StoreID   int64
	ProductID int64
	Range     DateRange
}

// Totals sums signed quantities by movement type and loss magnitudes by category.
type Totals struct {
	ByType map[MovementType]float64 `json:"by_type"`
	Losses map[LossCategory]float64 `json:"losses"`
}

// NewTotals returns empty totals.
func NewTotals() Totals {
	return Totals{ByType: make(map[MovementType]float64), Losses: make(map[LossCategory]float64)}
}

// Add folds one movement into the totals.
func (t Totals) Add(m Movement) {
	t.ByType[m.Type] += m.Quantity
	if m.Type == MovementLoss && m.LossCategory != "" {
		t.Losses[m.LossCategory] += math.Abs(m.Quantity)
	}
}

// Arrivals is the received quantity.
func (t Totals) Arrivals() float64 { return math.Abs(t.ByType[MovementArrival]) }

// LossTotal is the written-off quantity.
func (t Totals) LossTotal() float64 { return math.Abs(t.ByType[MovementLoss]) }

// Depletion is quantity consumed by sales and losses.
func (t Totals) Depletion() float64 {
	return math.Abs(t.ByType[MovementSale]) + math.Abs(t.ByType[MovementLoss])
}

// DailyTotal groups totals per calendar day (UTC).
type DailyTotal struct {
	Day    time.Time `json:"day"`
	Totals Totals    `json:"totals"`
}

// RecordInput is the request to record a single movement.
type RecordInput struct {
	StoreID        int64        `json:"store_id" validate:"required"`
	ProductID      int64        `json:"product_id" validate:"required"`
	Type           MovementType `json:"type" validate:"required"`
	Quantity       float64      `json:"quantity"`
	LossCategory   LossCategory `json:"loss_category,omitempty"`
	Reason         string       `json:"reason,omitempty"`
	Comment        string       `json:"comment,omitempty"`
	RecordedAt     time.Time    `json:"recorded_at,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
}

const epsilon = 1e-9
