package variance

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AlertType enumerates detector checks.
type AlertType string

const (
	AlertAbnormalLoss         AlertType = "abnormal_loss"
	AlertUnusualFlow          AlertType = "unusual_flow"
	AlertInventoryDiscrepancy AlertType = "inventory_discrepancy"
	AlertThresholdExceeded    AlertType = "threshold_exceeded"
)

// Valid reports whether t is a known alert type.
func (t AlertType) Valid() bool {
	switch t {
	case AlertAbnormalLoss, AlertUnusualFlow, AlertInventoryDiscrepancy, AlertThresholdExceeded:
		return true
	}
	return false
}

// Severity grades an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// AllProducts marks a store-wide alert.
const AllProducts int64 = 0

// Details carries the figures behind an alert.
type Details struct {
	CurrentValue       float64 `json:"current_value"`
	ExpectedValue      float64 `json:"expected_value"`
	Variance           float64 `json:"variance"`
	VariancePercentage float64 `json:"variance_percentage"`
	Threshold          float64 `json:"threshold"`
}

// NewDetails derives variance and percentage from current and expected.
// The percentage is 0 when nothing was expected.
func NewDetails(current, expected, threshold float64) Details {
	d := Details{
		CurrentValue:  round2(current),
		ExpectedValue: round2(expected),
		Variance:      round2(current - expected),
		Threshold:     threshold,
	}
	if expected != 0 {
		d.VariancePercentage = round2((current - expected) / math.Abs(expected) * 100)
	}
	return d
}

// Alert is raised by the detector and mutated only by resolution.
type Alert struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	Type               AlertType  `json:"type" db:"type"`
	Severity           Severity   `json:"severity" db:"severity"`
	StoreID            int64      `json:"store_id" db:"store_id"`
	ProductID          int64      `json:"product_id" db:"product_id"`
	Details            Details    `json:"details" db:"-"`
	WindowKey          string     `json:"window_key" db:"window_key"`
	SourceRef          string     `json:"source_ref,omitempty" db:"source_ref"`
	DetectedAt         time.Time  `json:"detected_at" db:"detected_at"`
	Resolved           bool       `json:"resolved" db:"resolved"`
	ResolvedBy         int64      `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolutionNote     string     `json:"resolution_note,omitempty" db:"resolution_note"`
	RecommendedActions []string   `json:"recommended_actions" db:"recommended_actions"`
}

// DedupeKey identifies the alert among active alerts.
func (a Alert) DedupeKey() string {
	return fmt.Sprintf("%d:%d:%s:%s", a.StoreID, a.ProductID, a.Type, a.WindowKey)
}

// AlertStatistics summarises alerts detected within a trailing window.
type AlertStatistics struct {
	StoreID             int64             `json:"store_id"`
	WindowDays          int               `json:"window_days"`
	From                time.Time         `json:"from"`
	To                  time.Time         `json:"to"`
	Total               int               `json:"total"`
	Active              int               `json:"active"`
	Resolved            int               `json:"resolved"`
	ByType              map[AlertType]int `json:"by_type"`
	BySeverity          map[Severity]int  `json:"by_severity"`
	MeanResolutionHours float64           `json:"mean_resolution_hours"`
}

// Signal reports a quantity mismatch observed by a count or a transfer.
type Signal struct {
	Source    string          `json:"source"`
	SourceRef string          `json:"source_ref"`
	StoreID   int64           `json:"store_id"`
	ProductID int64           `json:"product_id"`
	Expected  float64         `json:"expected"`
	Actual    float64         `json:"actual"`
	Value     decimal.Decimal `json:"value"`
	At        time.Time       `json:"at"`
}

// Variance returns actual minus expected.
func (s Signal) Variance() float64 {
	return s.Actual - s.Expected
}

// Metric names usable by threshold rules.
type Metric string

const (
	MetricStockLevel    Metric = "stock_level"
	MetricLossRate      Metric = "loss_rate"
	MetricDepletionRate Metric = "depletion_rate"
)

// Operator compares a metric with a rule boundary.
type Operator string

const (
	OpLess         Operator = "lt"
	OpLessEqual    Operator = "lte"
	OpGreater      Operator = "gt"
	OpGreaterEqual Operator = "gte"
)

// Compare applies the operator.
func (o Operator) Compare(value, boundary float64) bool {
	switch o {
	case OpLess:
		return value < boundary
	case OpLessEqual:
		return value <= boundary
	case OpGreater:
		return value > boundary
	case OpGreaterEqual:
		return value >= boundary
	}
	return false
}

// ThresholdRule is a configured boundary on a product metric. Condition is an
// optional CEL expression that must also hold for the rule to fire.
type ThresholdRule struct {
	Name       string   `json:"name"`
	Metric     Metric   `json:"metric"`
	Operator   Operator `json:"operator"`
	Boundary   float64  `json:"boundary"`
	Condition  string   `json:"condition,omitempty"`
	ProductIDs []int64  `json:"product_ids,omitempty"`
	Severity   Severity `json:"severity,omitempty"`
}

// Config tunes the detector.
type Config struct {
	// AbnormalLossPoints is the excess in percentage points over the trailing
	// average that raises an abnormal-loss alert.
	AbnormalLossPoints float64
	HistoryWeeks       int
	UnusualFlowPct     float64
	FlowWindowDays     int
	FlowHistoryDays    int
	DiscrepancyValue   decimal.Decimal
	DiscrepancyPct     float64
	Rules              []ThresholdRule
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		AbnormalLossPoints: 5,
		HistoryWeeks:       4,
		UnusualFlowPct:     50,
		FlowWindowDays:     3,
		FlowHistoryDays:    28,
		DiscrepancyValue:   decimal.NewFromInt(100000),
		DiscrepancyPct:     5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AbnormalLossPoints <= 0 {
		c.AbnormalLossPoints = d.AbnormalLossPoints
	}
	if c.HistoryWeeks <= 0 {
		c.HistoryWeeks = d.HistoryWeeks
	}
	if c.UnusualFlowPct <= 0 {
		c.UnusualFlowPct = d.UnusualFlowPct
	}
	if c.FlowWindowDays <= 0 {
		c.FlowWindowDays = d.FlowWindowDays
	}
	if c.FlowHistoryDays <= 0 {
		c.FlowHistoryDays = d.FlowHistoryDays
	}
	if !c.DiscrepancyValue.IsPositive() {
		c.DiscrepancyValue = d.DiscrepancyValue
	}
	if c.DiscrepancyPct <= 0 {
		c.DiscrepancyPct = d.DiscrepancyPct
	}
	return c
}

var recommendedActions = map[AlertType][]string{
	AlertAbnormalLoss: {
		"Inspect storage conditions and cold chain",
		"Review recent loss entries with the store team",
		"Adjust order quantities for affected products",
	},
	AlertUnusualFlow: {
		"Verify recent sales and loss entries for data-entry errors",
		"Schedule a spot count of the affected products",
	},
	AlertInventoryDiscrepancy: {
		"Recount the affected products",
		"Check transfer and delivery paperwork",
		"Investigate possible theft or misplacement",
	},
	AlertThresholdExceeded: {
		"Review stock and reorder from the hub",
		"Confirm the threshold still matches demand",
	},
}

// RecommendedActions returns the operator checklist for an alert type.
func RecommendedActions(t AlertType) []string {
	return append([]string(nil), recommendedActions[t]...)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
