package transfer

import (
	"time"

	"github.com/google/uuid"
)

// Status tracks a transfer between two stores.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusInTransit Status = "in_transit"
	StatusReceived  Status = "received"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusReceived || s == StatusCancelled
}

// Condition describes the state of goods on arrival.
type Condition string

const (
	ConditionGood    Condition = "good"
	ConditionDamaged Condition = "damaged"
	ConditionSpoiled Condition = "spoiled"
)

// Valid reports whether c is empty or a known condition.
func (c Condition) Valid() bool {
	switch c {
	case "", ConditionGood, ConditionDamaged, ConditionSpoiled:
		return true
	}
	return false
}

// Line is one product moved by a transfer.
type Line struct {
	ProductID        int64     `json:"product_id" db:"product_id"`
	QuantitySent     float64   `json:"quantity_sent" db:"quantity_sent"`
	QuantityReceived *float64  `json:"quantity_received,omitempty" db:"quantity_received"`
	Condition        Condition `json:"condition,omitempty" db:"condition"`
	Discrepancy      float64   `json:"discrepancy" db:"discrepancy"`
}

// Transfer moves stock from a source store to a destination store.
type Transfer struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	Number             string     `json:"number" db:"number"`
	SourceStoreID      int64      `json:"source_store_id" db:"source_store_id"`
	DestinationStoreID int64      `json:"destination_store_id" db:"destination_store_id"`
	Status             Status     `json:"status" db:"status"`
	Note               string     `json:"note,omitempty" db:"note"`
	CreatedBy          int64      `json:"created_by" db:"created_by"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	DispatchedBy       int64      `json:"dispatched_by,omitempty" db:"dispatched_by"`
	DispatchedAt       *time.Time `json:"dispatched_at,omitempty" db:"dispatched_at"`
	ReceivedBy         int64      `json:"received_by,omitempty" db:"received_by"`
	ReceivedAt         *time.Time `json:"received_at,omitempty" db:"received_at"`
	CancelledBy        int64      `json:"cancelled_by,omitempty" db:"cancelled_by"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CancelReason       string     `json:"cancel_reason,omitempty" db:"cancel_reason"`
	Version            int64      `json:"version" db:"version"`
	Lines              []Line     `json:"lines" db:"-"`
}

func (t Transfer) line(productID int64) int {
	for i := range t.Lines {
		if t.Lines[i].ProductID == productID {
			return i
		}
	}
	return -1
}

func (t Transfer) clone() Transfer {
	out := t
	out.Lines = make([]Line, len(t.Lines))
	for i, l := range t.Lines {
		if l.QuantityReceived != nil {
			qty := *l.QuantityReceived
			l.QuantityReceived = &qty
		}
		out.Lines[i] = l
	}
	return out
}

// LineInput requests a quantity of one product.
type LineInput struct {
	ProductID int64   `json:"product_id" validate:"required"`
	Quantity  float64 `json:"quantity" validate:"gt=0"`
}

// CreateInput describes a new transfer. Draft transfers only hold the stock
// until Dispatch.
type CreateInput struct {
	SourceStoreID      int64       `json:"source_store_id" validate:"required"`
	DestinationStoreID int64       `json:"destination_store_id" validate:"required"`
	Lines              []LineInput `json:"lines" validate:"required,min=1,dive"`
	Draft              bool        `json:"draft"`
	Note               string      `json:"note,omitempty" validate:"max=500"`
}

// ReceiptLine is the quantity counted at the destination.
type ReceiptLine struct {
	ProductID        int64     `json:"product_id" validate:"required"`
	QuantityReceived float64   `json:"quantity_received" validate:"gte=0"`
	Condition        Condition `json:"condition,omitempty"`
}
