package stockcount

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockwatch/internal/variance"
)

// Status tracks the count workflow.
type Status string

const (
	StatusInProgress        Status = "in_progress"
	StatusPendingValidation Status = "pending_validation"
	StatusValidated         Status = "validated"
	StatusRejected          Status = "rejected"
)

// Active reports whether the count still blocks a new count for its store.
func (s Status) Active() bool {
	return s == StatusInProgress || s == StatusPendingValidation
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusValidated || s == StatusRejected
}

// Line is one product of a count.
type Line struct {
	ProductID      int64             `json:"product_id" db:"product_id"`
	TheoreticalQty float64           `json:"theoretical_qty" db:"theoretical_qty"`
	PhysicalQty    *float64          `json:"physical_qty,omitempty" db:"physical_qty"`
	Variance       float64           `json:"variance" db:"variance"`
	VarianceValue  decimal.Decimal   `json:"variance_value" db:"variance_value"`
	UnitCost       decimal.Decimal   `json:"unit_cost" db:"unit_cost"`
	Severity       variance.Severity `json:"severity,omitempty" db:"severity"`
	Comment        string            `json:"comment,omitempty" db:"comment"`
}

// Counted reports whether a physical quantity was captured.
func (l Line) Counted() bool { return l.PhysicalQty != nil }

// Count is a physical inventory of one store.
type Count struct {
	ID                 uuid.UUID       `json:"id" db:"id"`
	Number             string          `json:"number" db:"number"`
	StoreID            int64           `json:"store_id" db:"store_id"`
	Date               time.Time       `json:"date" db:"count_date"`
	Status             Status          `json:"status" db:"status"`
	CreatedBy          int64           `json:"created_by" db:"created_by"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	SubmittedBy        int64           `json:"submitted_by,omitempty" db:"submitted_by"`
	SubmittedAt        *time.Time      `json:"submitted_at,omitempty" db:"submitted_at"`
	ValidatedBy        int64           `json:"validated_by,omitempty" db:"validated_by"`
	ValidatedAt        *time.Time      `json:"validated_at,omitempty" db:"validated_at"`
	RejectedBy         int64           `json:"rejected_by,omitempty" db:"rejected_by"`
	RejectedAt         *time.Time      `json:"rejected_at,omitempty" db:"rejected_at"`
	RejectionReason    string          `json:"rejection_reason,omitempty" db:"rejection_reason"`
	ResubmissionOf     *uuid.UUID      `json:"resubmission_of,omitempty" db:"resubmission_of"`
	TotalVarianceValue decimal.Decimal `json:"total_variance_value" db:"total_variance_value"`
	Version            int64           `json:"version" db:"version"`
	Lines              []Line          `json:"lines" db:"-"`
}

// Line returns the index of productID in c.Lines or -1.
func (c Count) Line(productID int64) int {
	for i := range c.Lines {
		if c.Lines[i].ProductID == productID {
			return i
		}
	}
	return -1
}

func (c Count) clone() Count {
	out := c
	out.Lines = make([]Line, len(c.Lines))
	for i, l := range c.Lines {
		if l.PhysicalQty != nil {
			qty := *l.PhysicalQty
			l.PhysicalQty = &qty
		}
		out.Lines[i] = l
	}
	return out
}

// Entry captures one physical quantity.
type Entry struct {
	ProductID   int64   `json:"product_id" validate:"required"`
	PhysicalQty float64 `json:"physical_qty" validate:"gte=0"`
	Comment     string  `json:"comment,omitempty" validate:"max=500"`
}

// Evaluate fills the line's variance, value and severity from its physical quantity.
func Evaluate(l Line) Line {
	if l.PhysicalQty == nil {
		l.Variance = 0
		l.VarianceValue = decimal.Zero
		l.Severity = ""
		return l
	}
	l.Variance = round3(*l.PhysicalQty - l.TheoreticalQty)
	l.VarianceValue = decimal.NewFromFloat(l.Variance).Mul(l.UnitCost).Round(2)
	l.Severity = Severity(l.TheoreticalQty, l.Variance)
	return l
}

// Severity grades a line variance relative to the theoretical quantity.
func Severity(theoretical, diff float64) variance.Severity {
	if theoretical == 0 {
		if diff == 0 {
			return variance.SeverityLow
		}
		return variance.SeverityCritical
	}
	return variance.GradePercent(diff / theoretical * 100)
}

// Total sums the variance value of every line.
func Total(lines []Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.VarianceValue)
	}
	return total
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
