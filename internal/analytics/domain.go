package analytics

import (
	"time"

	"github.com/odyssey-erp/stockwatch/internal/inventory"
)

// Period selects the length of the analysis window.
type Period string

const (
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// Days returns the window length.
func (p Period) Days() int {
	switch p {
	case PeriodWeek:
		return 7
	case PeriodMonth:
		return 30
	}
	return 0
}

// Status grades a loss rate against thresholds.
type Status string

const (
	StatusAcceptable Status = "acceptable"
	StatusWarning    Status = "warning"
	StatusCritical   Status = "critical"
)

// Direction classifies the trend between two windows.
type Direction string

const (
	TrendStable    Direction = "stable"
	TrendImproving Direction = "improving"
	TrendWorsening Direction = "worsening"
)

// Thresholds are loss-rate percentages. A rate at or below AcceptablePct is
// acceptable, at or below WarningPct is a warning, anything above is
// critical and above CriticalPct is severe.
type Thresholds struct {
	AcceptablePct float64 `json:"acceptable_pct"`
	WarningPct    float64 `json:"warning_pct"`
	CriticalPct   float64 `json:"critical_pct"`
}

// DefaultThresholds returns the 5/10/15 ladder.
func DefaultThresholds() Thresholds {
	return Thresholds{AcceptablePct: 5, WarningPct: 10, CriticalPct: 15}
}

// Config tunes the analyzer.
type Config struct {
	Thresholds     Thresholds
	StoreOverrides map[int64]Thresholds
	StablePct      float64
}

// ThresholdsFor returns the store's override or the default thresholds.
func (c Config) ThresholdsFor(storeID int64) Thresholds {
	if t, ok := c.StoreOverrides[storeID]; ok {
		return t
	}
	return c.Thresholds
}

// Query identifies one loss-rate computation.
type Query struct {
	StoreID   int64
	ProductID int64
	Period    Period
	AsOf      time.Time
}

// Window is a half-open [From, To) analysis window.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Range converts the window to a ledger range.
func (w Window) Range() inventory.DateRange {
	return inventory.DateRange{From: w.From, To: w.To}
}

// Trend compares the current window to the preceding one.
type Trend struct {
	PreviousRate float64   `json:"previous_rate"`
	ChangePct    float64   `json:"change_pct"`
	Direction    Direction `json:"direction"`
}

// LossRateReport is derived from the ledger for one store (and optionally one product).
type LossRateReport struct {
	StoreID       int64                              `json:"store_id"`
	ProductID     int64                              `json:"product_id,omitempty"`
	Period        Period                             `json:"period"`
	Window        Window                             `json:"window"`
	TotalArrivals float64                            `json:"total_arrivals"`
	TotalLosses   float64                            `json:"total_losses"`
	LossRate      float64                            `json:"loss_rate"`
	Breakdown     map[inventory.LossCategory]float64 `json:"breakdown"`
	Status        Status                             `json:"status"`
	Severe        bool                               `json:"severe"`
	Thresholds    Thresholds                         `json:"thresholds"`
	Trend         Trend                              `json:"trend"`
	GeneratedAt   time.Time                          `json:"generated_at"`
}
