package variance

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/stockwatch/internal/analytics"
	"github.com/odyssey-erp/stockwatch/internal/inventory"
	"github.com/odyssey-erp/stockwatch/internal/masterdata"
	"github.com/odyssey-erp/stockwatch/internal/rbac"
	"github.com/odyssey-erp/stockwatch/internal/shared"
)

// Ledger is the read side of the movement ledger used by the checks.
type Ledger interface {
	Totals(ctx context.Context, q inventory.AggregateQuery) (inventory.Totals, error)
	TotalsByProduct(ctx context.Context, q inventory.AggregateQuery) (map[int64]inventory.Totals, error)
	DailyTotals(ctx context.Context, q inventory.AggregateQuery) ([]inventory.DailyTotal, error)
	SumQuantity(ctx context.Context, storeID, productID int64) (float64, error)
}

// Metrics counts raised alerts.
type Metrics interface {
	AddAlerts(alertType, severity string, storeID int64, count int)
	CheckFailed(check string)
	ScanSkipped(reason string)
}

// Service runs the detector and manages the alert lifecycle.
type Service struct {
	repo      Repository
	ledger    Ledger
	directory masterdata.Directory
	policy    *rbac.Policy
	engine    *Engine
	logger    *slog.Logger

	locker  Locker
	lockTTL time.Duration
	audit   shared.AuditSink
	metrics Metrics
	now     func() time.Time
	group   singleflight.Group
}

// NewService builds Service.
func NewService(repo Repository, ledger Ledger, directory masterdata.Directory, policy *rbac.Policy, engine *Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		ledger:    ledger,
		directory: directory,
		policy:    policy,
		engine:    engine,
		logger:    logger.With(slog.String("component", "variance")),
		lockTTL:   5 * time.Minute,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetLocker installs the cross-process scan lock.
func (s *Service) SetLocker(l Locker, ttl time.Duration) {
	s.locker = l
	if ttl > 0 {
		s.lockTTL = ttl
	}
}

// SetAudit installs the audit sink.
func (s *Service) SetAudit(a shared.AuditSink) { s.audit = a }

// SetMetrics installs the alert counters.
func (s *Service) SetMetrics(m Metrics) { s.metrics = m }

// SetClock overrides the service clock.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

type check struct {
	name string
	run  func(ctx context.Context, storeID int64, asOf time.Time) ([]Alert, error)
}

// RunAnalysis runs every check against the store's recent ledger and returns
// the alerts it created. Concurrent runs for one store share a single
// execution; a run held by another process yields a ConcurrencyConflictError.
func (s *Service) RunAnalysis(ctx context.Context, storeID int64) ([]Alert, error) {
	if storeID == 0 {
		return nil, shared.Invalid("store_id", "required")
	}
	if _, err := s.directory.Store(ctx, storeID); err != nil {
		return nil, err
	}
	v, err, _ := s.group.Do(strconv.FormatInt(storeID, 10), func() (any, error) {
		return s.runLocked(ctx, storeID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Alert), nil
}

func (s *Service) runLocked(ctx context.Context, storeID int64) ([]Alert, error) {
	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx, shared.VarianceScanLockKey(storeID), s.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("variance: acquire scan lock: %w", err)
		}
		if !ok {
			if s.metrics != nil {
				s.metrics.ScanSkipped("locked")
			}
			return nil, shared.Conflict("variance_scan", storeID, "scan already running")
		}
		defer release()
	}

	asOf := s.now()
	checks := []check{
		{name: string(AlertAbnormalLoss), run: s.checkAbnormalLoss},
		{name: string(AlertUnusualFlow), run: s.checkUnusualFlow},
		{name: string(AlertThresholdExceeded), run: s.checkThresholds},
	}
	var candidates []Alert
	for _, c := range checks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		alerts, err := c.run(ctx, storeID, asOf)
		if err != nil {
			s.logger.WarnContext(ctx, "variance check failed",
				slog.String("check", c.name), slog.Int64("store_id", storeID), slog.Any("error", err))
			if s.metrics != nil {
				s.metrics.CheckFailed(c.name)
			}
		}
		candidates = append(candidates, alerts...)
	}

	created := make([]Alert, 0, len(candidates))
	var failed int
	var lastErr error
	for _, a := range candidates {
		stored, ok, err := s.store(ctx, a)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			failed++
			lastErr = err
			s.logger.WarnContext(ctx, "variance alert not stored",
				slog.String("type", string(a.Type)), slog.Int64("store_id", storeID), slog.Int64("product_id", a.ProductID), slog.Any("error", err))
			if s.metrics != nil {
				s.metrics.CheckFailed("store_alert")
			}
			continue
		}
		if ok {
			created = append(created, stored)
		}
	}
	if failed > 0 && failed == len(candidates) {
		return nil, fmt.Errorf("variance: store alerts: %w", lastErr)
	}
	s.logger.InfoContext(ctx, "variance analysis completed",
		slog.Int64("store_id", storeID), slog.Int("candidates", len(candidates)), slog.Int("created", len(created)), slog.Int("failed", failed))
	return created, nil
}

func (s *Service) store(ctx context.Context, a Alert) (Alert, bool, error) {
	a.ID = uuid.New()
	if a.DetectedAt.IsZero() {
		a.DetectedAt = s.now()
	}
	ok, err := s.repo.InsertIfAbsent(ctx, a)
	if err != nil || !ok {
		return Alert{}, false, err
	}
	if s.metrics != nil {
		s.metrics.AddAlerts(string(a.Type), string(a.Severity), a.StoreID, 1)
	}
	return a, true, nil
}

func weekRange(asOf time.Time, weeksBack int) analytics.Window {
	w := analytics.WindowFor(analytics.PeriodWeek, asOf)
	shift := -7 * weeksBack
	return analytics.Window{From: w.From.AddDate(0, 0, shift), To: w.To.AddDate(0, 0, shift)}
}

func (s *Service) checkAbnormalLoss(ctx context.Context, storeID int64, asOf time.Time) ([]Alert, error) {
	cfg := s.engine.Config()
	current := weekRange(asOf, 0)
	byProduct, err := s.ledger.TotalsByProduct(ctx, inventory.AggregateQuery{StoreID: storeID, Range: current.Range()})
	if err != nil {
		return nil, err
	}
	storeTotals, err := s.ledger.Totals(ctx, inventory.AggregateQuery{StoreID: storeID, Range: current.Range()})
	if err != nil {
		return nil, err
	}
	samples := make(map[int64]*LossSample, len(byProduct)+1)
	samples[AllProducts] = &LossSample{ProductID: AllProducts, Arrivals: storeTotals.Arrivals(), Current: analytics.LossRate(storeTotals)}
	for productID, totals := range byProduct {
		samples[productID] = &LossSample{ProductID: productID, Arrivals: totals.Arrivals(), Current: analytics.LossRate(totals)}
	}

	for week := 1; week <= cfg.HistoryWeeks; week++ {
		rng := weekRange(asOf, week).Range()
		past, err := s.ledger.TotalsByProduct(ctx, inventory.AggregateQuery{StoreID: storeID, Range: rng})
		if err != nil {
			return nil, err
		}
		all := inventory.NewTotals()
		for productID, totals := range past {
			for t, qty := range totals.ByType {
				all.ByType[t] += qty
			}
			sample, ok := samples[productID]
			if !ok || totals.Arrivals() == 0 {
				continue
			}
			sample.History = append(sample.History, analytics.LossRate(totals))
		}
		if all.Arrivals() > 0 {
			samples[AllProducts].History = append(samples[AllProducts].History, analytics.LossRate(all))
		}
	}

	list := make([]LossSample, 0, len(samples))
	for _, sample := range samples {
		list = append(list, *sample)
	}
	return s.engine.AbnormalLoss(Scope{StoreID: storeID, WindowKey: dayKey("week", current.From), At: asOf}, list), nil
}

func (s *Service) flowWindows(asOf time.Time) (recent, history inventory.DateRange) {
	cfg := s.engine.Config()
	end := analytics.WindowFor(analytics.PeriodWeek, asOf).To
	recent = inventory.DateRange{From: end.AddDate(0, 0, -cfg.FlowWindowDays), To: end}
	history = inventory.DateRange{From: recent.From.AddDate(0, 0, -cfg.FlowHistoryDays), To: recent.From}
	return recent, history
}

func (s *Service) checkUnusualFlow(ctx context.Context, storeID int64, asOf time.Time) ([]Alert, error) {
	cfg := s.engine.Config()
	recent, history := s.flowWindows(asOf)
	recentTotals, err := s.ledger.TotalsByProduct(ctx, inventory.AggregateQuery{StoreID: storeID, Range: recent})
	if err != nil {
		return nil, err
	}
	historyTotals, err := s.ledger.TotalsByProduct(ctx, inventory.AggregateQuery{StoreID: storeID, Range: history})
	if err != nil {
		return nil, err
	}
	days, err := s.ledger.DailyTotals(ctx, inventory.AggregateQuery{StoreID: storeID, Range: inventory.DateRange{From: history.From, To: recent.To}})
	if err != nil {
		return nil, err
	}

	recentDays, historyDays := float64(cfg.FlowWindowDays), float64(cfg.FlowHistoryDays)
	store := FlowSample{ProductID: AllProducts}
	for _, day := range days {
		if recent.Contains(day.Day) {
			store.Recent += day.Totals.Depletion() / recentDays
		} else {
			store.Baseline += day.Totals.Depletion() / historyDays
		}
	}
	samples := []FlowSample{store}
	for productID, past := range historyTotals {
		samples = append(samples, FlowSample{
			ProductID: productID,
			Recent:    depletion(recentTotals, productID) / recentDays,
			Baseline:  past.Depletion() / historyDays,
		})
	}
	return s.engine.UnusualFlow(Scope{StoreID: storeID, WindowKey: dayKey("flow", recent.From), At: asOf}, samples), nil
}

func depletion(totals map[int64]inventory.Totals, productID int64) float64 {
	t, ok := totals[productID]
	if !ok {
		return 0
	}
	return t.Depletion()
}

func (s *Service) checkThresholds(ctx context.Context, storeID int64, asOf time.Time) ([]Alert, error) {
	cfg := s.engine.Config()
	week := weekRange(asOf, 0).Range()
	recent, history := s.flowWindows(asOf)
	weekTotals, err := s.ledger.TotalsByProduct(ctx, inventory.AggregateQuery{StoreID: storeID, Range: week})
	if err != nil {
		return nil, err
	}
	recentTotals, err := s.ledger.TotalsByProduct(ctx, inventory.AggregateQuery{StoreID: storeID, Range: recent})
	if err != nil {
		return nil, err
	}
	seen, err := s.ledger.TotalsByProduct(ctx, inventory.AggregateQuery{StoreID: storeID, Range: inventory.DateRange{From: history.From, To: recent.To}})
	if err != nil {
		return nil, err
	}
	products, err := s.directory.ActiveProducts(ctx)
	if err != nil {
		return nil, err
	}

	var samples []MetricSample
	for _, p := range products {
		stock, err := s.ledger.SumQuantity(ctx, storeID, p.ID)
		if err != nil {
			return nil, err
		}
		if _, active := seen[p.ID]; !active && stock == 0 {
			continue
		}
		sample := MetricSample{
			ProductID:     p.ID,
			Category:      p.Category,
			ReorderPoint:  p.ReorderPoint,
			StockLevel:    stock,
			DepletionRate: depletion(recentTotals, p.ID) / float64(cfg.FlowWindowDays),
		}
		if t, ok := weekTotals[p.ID]; ok {
			sample.LossRate = analytics.LossRate(t)
		}
		samples = append(samples, sample)
	}
	return s.engine.Thresholds(Scope{StoreID: storeID, WindowKey: dayKey("day", asOf), At: asOf}, samples)
}

// ReportDiscrepancy raises an inventory-discrepancy alert for a count or
// transfer mismatch that crosses the configured thresholds. Replaying the
// same signal is a no-op while the alert is active.
func (s *Service) ReportDiscrepancy(ctx context.Context, sig Signal) (Alert, bool, error) {
	if sig.StoreID == 0 || sig.ProductID == 0 {
		return Alert{}, false, shared.Invalid("signal", "store and product required")
	}
	if strings.TrimSpace(sig.Source) == "" || strings.TrimSpace(sig.SourceRef) == "" {
		return Alert{}, false, shared.Invalid("signal", "source required")
	}
	at := sig.At
	if at.IsZero() {
		at = s.now()
	}
	alert, raise := s.engine.Discrepancy(sig, at)
	if !raise {
		return Alert{}, false, nil
	}
	stored, ok, err := s.store(ctx, alert)
	if err != nil {
		return Alert{}, false, err
	}
	if ok {
		s.logger.InfoContext(ctx, "inventory discrepancy raised",
			slog.String("source", alert.SourceRef), slog.Int64("store_id", sig.StoreID),
			slog.Int64("product_id", sig.ProductID), slog.Float64("variance", sig.Variance()))
	}
	return stored, ok, nil
}

// GetActiveAlerts lists unresolved alerts of a store, or of every store when storeID is 0.
func (s *Service) GetActiveAlerts(ctx context.Context, storeID int64) ([]Alert, error) {
	return s.repo.Active(ctx, storeID)
}

// ResolveAlert closes an active alert. Only actors holding the resolve
// permission may do so.
func (s *Service) ResolveAlert(ctx context.Context, actor shared.Actor, id uuid.UUID, note string) (Alert, error) {
	if err := s.policy.Authorize(actor, shared.PermAlertResolve); err != nil {
		return Alert{}, err
	}
	if id == uuid.Nil {
		return Alert{}, shared.Invalid("id", "required")
	}
	alert, err := s.repo.Resolve(ctx, id, actor.ID, s.now(), strings.TrimSpace(note))
	if err != nil {
		return Alert{}, err
	}
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actor.ID,
			Action:   "variance:resolve",
			Entity:   "variance_alert",
			EntityID: id.String(),
			Meta:     map[string]any{"type": alert.Type, "severity": alert.Severity, "note": alert.ResolutionNote},
		}); err != nil {
			s.logger.WarnContext(ctx, "audit record failed", slog.Any("error", err))
		}
	}
	return alert, nil
}

// GetAlertStatistics summarises alerts detected in the trailing windowDays.
func (s *Service) GetAlertStatistics(ctx context.Context, storeID int64, windowDays int) (AlertStatistics, error) {
	if windowDays <= 0 {
		return AlertStatistics{}, shared.Invalid("window_days", "must be positive")
	}
	to := s.now()
	from := to.AddDate(0, 0, -windowDays)
	alerts, err := s.repo.DetectedSince(ctx, storeID, from)
	if err != nil {
		return AlertStatistics{}, err
	}
	stats := AlertStatistics{
		StoreID:    storeID,
		WindowDays: windowDays,
		From:       from,
		To:         to,
		ByType:     make(map[AlertType]int),
		BySeverity: make(map[Severity]int),
	}
	var resolution time.Duration
	for _, a := range alerts {
		stats.Total++
		stats.ByType[a.Type]++
		stats.BySeverity[a.Severity]++
		if !a.Resolved {
			stats.Active++
			continue
		}
		stats.Resolved++
		if a.ResolvedAt != nil {
			resolution += a.ResolvedAt.Sub(a.DetectedAt)
		}
	}
	if stats.Resolved > 0 {
		stats.MeanResolutionHours = round2(resolution.Hours() / float64(stats.Resolved))
	}
	return stats, nil
}
