package variance

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/odyssey-erp/stockwatch/internal/shared"
)

// LossSample is one product's loss rate in the current week and the rates of
// the preceding weeks that had arrivals.
type LossSample struct {
	ProductID int64
	Arrivals  float64
	Current   float64
	History   []float64
}

// FlowSample compares recent average daily depletion with the trailing baseline.
type FlowSample struct {
	ProductID int64
	Recent    float64
	Baseline  float64
}

// MetricSample holds the product metrics threshold rules are evaluated on.
type MetricSample struct {
	ProductID     int64
	Category      string
	ReorderPoint  float64
	StockLevel    float64
	LossRate      float64
	DepletionRate float64
}

func (m MetricSample) value(metric Metric) float64 {
	switch metric {
	case MetricStockLevel:
		return m.StockLevel
	case MetricLossRate:
		return m.LossRate
	case MetricDepletionRate:
		return m.DepletionRate
	}
	return 0
}

// Scope locates one evaluation: the store, the window key used for
// deduplication and the detection time.
type Scope struct {
	StoreID   int64
	WindowKey string
	At        time.Time
}

type compiledRule struct {
	ThresholdRule
	program cel.Program
}

// Engine evaluates detector rules over prepared samples. It holds no state
// besides its configuration and is safe for concurrent use.
type Engine struct {
	cfg   Config
	rules []compiledRule
}

// NewEngine validates cfg and compiles the CEL conditions of its rules.
func NewEngine(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	env, err := cel.NewEnv(
		cel.Variable("store_id", cel.IntType),
		cel.Variable("product_id", cel.IntType),
		cel.Variable("category", cel.StringType),
		cel.Variable("value", cel.DoubleType),
		cel.Variable("stock_level", cel.DoubleType),
		cel.Variable("reorder_point", cel.DoubleType),
		cel.Variable("loss_rate", cel.DoubleType),
		cel.Variable("depletion_rate", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("variance: cel env: %w", err)
	}
	engine := &Engine{cfg: cfg}
	for i, rule := range cfg.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if strings.TrimSpace(rule.Name) == "" {
			return nil, shared.Invalid(field+".name", "required")
		}
		switch rule.Metric {
		case MetricStockLevel, MetricLossRate, MetricDepletionRate:
		default:
			return nil, shared.Invalid(field+".metric", "must be stock_level, loss_rate or depletion_rate")
		}
		switch rule.Operator {
		case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		default:
			return nil, shared.Invalid(field+".operator", "must be lt, lte, gt or gte")
		}
		if rule.Severity == "" {
			rule.Severity = SeverityMedium
		} else if !rule.Severity.Valid() {
			return nil, shared.Invalid(field+".severity", "unknown severity")
		}
		compiled := compiledRule{ThresholdRule: rule}
		if cond := strings.TrimSpace(rule.Condition); cond != "" {
			ast, issues := env.Compile(cond)
			if issues != nil && issues.Err() != nil {
				return nil, shared.Invalid(field+".condition", issues.Err().Error())
			}
			if !ast.OutputType().IsExactType(cel.BoolType) {
				return nil, shared.Invalid(field+".condition", "must evaluate to a bool")
			}
			program, err := env.Program(ast)
			if err != nil {
				return nil, shared.Invalid(field+".condition", err.Error())
			}
			compiled.program = program
		}
		engine.rules = append(engine.rules, compiled)
	}
	return engine, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// AbnormalLoss flags samples whose current loss rate exceeds the trailing
// average by more than the configured points.
func (e *Engine) AbnormalLoss(scope Scope, samples []LossSample) []Alert {
	threshold := e.cfg.AbnormalLossPoints
	var alerts []Alert
	for _, s := range samples {
		if s.Arrivals == 0 || len(s.History) == 0 {
			continue
		}
		expected := mean(s.History)
		excess := s.Current - expected
		if excess <= threshold {
			continue
		}
		alerts = append(alerts, newAlert(AlertAbnormalLoss, lossSeverity(excess, threshold), scope, s.ProductID,
			NewDetails(s.Current, expected, threshold)))
	}
	return alerts
}

// lossSeverity grades the excess in points over the trailing average.
func lossSeverity(excess, threshold float64) Severity {
	switch {
	case excess < threshold+5:
		return SeverityLow
	case excess < threshold+10:
		return SeverityMedium
	case excess < threshold+20:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// UnusualFlow flags samples whose recent depletion deviates from the baseline
// by more than the configured percentage in either direction.
func (e *Engine) UnusualFlow(scope Scope, samples []FlowSample) []Alert {
	threshold := e.cfg.UnusualFlowPct
	var alerts []Alert
	for _, s := range samples {
		if s.Baseline == 0 {
			continue
		}
		details := NewDetails(s.Recent, s.Baseline, threshold)
		deviation := math.Abs(details.VariancePercentage)
		if deviation <= threshold {
			continue
		}
		alerts = append(alerts, newAlert(AlertUnusualFlow, flowSeverity(deviation, threshold), scope, s.ProductID, details))
	}
	return alerts
}

func flowSeverity(deviation, threshold float64) Severity {
	switch ratio := deviation / threshold; {
	case ratio < 1.5:
		return SeverityLow
	case ratio < 2:
		return SeverityMedium
	case ratio < 3:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Thresholds evaluates the reorder-point rule and the configured rules. A
// condition that fails to evaluate skips that rule for that sample and is
// reported in the returned error.
func (e *Engine) Thresholds(scope Scope, samples []MetricSample) ([]Alert, error) {
	var (
		alerts []Alert
		errs   []error
	)
	for _, s := range samples {
		if s.ReorderPoint > 0 && s.StockLevel < s.ReorderPoint {
			alert := newAlert(AlertThresholdExceeded, reorderSeverity(s), scope, s.ProductID,
				NewDetails(s.StockLevel, s.ReorderPoint, s.ReorderPoint))
			alert.WindowKey += ":reorder_point"
			alerts = append(alerts, alert)
		}
	}
	for _, rule := range e.rules {
		for _, s := range samples {
			if len(rule.ProductIDs) > 0 && !slices.Contains(rule.ProductIDs, s.ProductID) {
				continue
			}
			value := s.value(rule.Metric)
			if !rule.Operator.Compare(value, rule.Boundary) {
				continue
			}
			ok, err := rule.matches(scope.StoreID, s, value)
			if err != nil {
				errs = append(errs, fmt.Errorf("rule %s product %d: %w", rule.Name, s.ProductID, err))
				continue
			}
			if !ok {
				continue
			}
			alert := newAlert(AlertThresholdExceeded, rule.Severity, scope, s.ProductID, NewDetails(value, rule.Boundary, rule.Boundary))
			alert.WindowKey += ":" + rule.Name
			alerts = append(alerts, alert)
		}
	}
	return alerts, errors.Join(errs...)
}

func (r compiledRule) matches(storeID int64, s MetricSample, value float64) (bool, error) {
	if r.program == nil {
		return true, nil
	}
	out, _, err := r.program.Eval(map[string]any{
		"store_id":       storeID,
		"product_id":     s.ProductID,
		"category":       s.Category,
		"value":          value,
		"stock_level":    s.StockLevel,
		"reorder_point":  s.ReorderPoint,
		"loss_rate":      s.LossRate,
		"depletion_rate": s.DepletionRate,
	})
	if err != nil {
		return false, err
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition returned %T", out.Value())
	}
	return matched, nil
}

func reorderSeverity(s MetricSample) Severity {
	switch {
	case s.StockLevel <= 0:
		return SeverityCritical
	case s.StockLevel < s.ReorderPoint/2:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// Discrepancy grades a count or transfer signal. It reports false when the
// mismatch stays under both the value and the percentage threshold.
func (e *Engine) Discrepancy(sig Signal, at time.Time) (Alert, bool) {
	variance := sig.Variance()
	if math.Abs(variance) < 1e-9 {
		return Alert{}, false
	}
	details := NewDetails(sig.Actual, sig.Expected, e.cfg.DiscrepancyPct)
	pct := math.Abs(details.VariancePercentage)
	overValue := sig.Value.Abs().GreaterThanOrEqual(e.cfg.DiscrepancyValue)
	overPct := sig.Expected == 0 || pct >= e.cfg.DiscrepancyPct
	if !overValue && !overPct {
		return Alert{}, false
	}
	severity := GradePercent(pct)
	if sig.Expected == 0 {
		severity = SeverityCritical
	}
	if overValue && rank(severity) < rank(SeverityHigh) {
		severity = SeverityHigh
	}
	ref := sig.Source + ":" + sig.SourceRef
	alert := newAlert(AlertInventoryDiscrepancy, severity, Scope{StoreID: sig.StoreID, WindowKey: ref, At: at}, sig.ProductID, details)
	alert.SourceRef = ref
	return alert, true
}

// GradePercent grades a variance expressed as a percentage of the expected
// quantity: under 1 is low, under 5 medium, under 10 high, otherwise critical.
func GradePercent(pct float64) Severity {
	switch pct = math.Abs(pct); {
	case pct < 1:
		return SeverityLow
	case pct < 5:
		return SeverityMedium
	case pct < 10:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

func rank(s Severity) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

func newAlert(t AlertType, severity Severity, scope Scope, productID int64, details Details) Alert {
	return Alert{
		Type:               t,
		Severity:           severity,
		StoreID:            scope.StoreID,
		ProductID:          productID,
		Details:            details,
		WindowKey:          scope.WindowKey,
		DetectedAt:         scope.At,
		RecommendedActions: RecommendedActions(t),
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func dayKey(prefix string, day time.Time) string {
	return prefix + ":" + day.UTC().Format(time.DateOnly)
}
