package analytics

import (
	"context"
	"log/slog"
	"time"

	"github.com/odyssey-erp/stockwatch/internal/inventory"
	"github.com/odyssey-erp/stockwatch/internal/shared"
)

// LedgerReader is the aggregate slice of the ledger the analyzer needs.
type LedgerReader interface {
	Totals(ctx context.Context, q inventory.AggregateQuery) (inventory.Totals, error)
}

// Service computes loss-rate reports with the cache layer in front.
type Service struct {
	ledger LedgerReader
	cache  *Cache
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewService wires a ledger reader with a Cache helper.
func NewService(ledger LedgerReader, cache *Cache, cfg Config, logger *slog.Logger) *Service {
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.StablePct <= 0 {
		cfg.StablePct = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger: ledger,
		cache:  cache,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "analytics")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the service clock.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// CalculateLossRates reports the store-wide loss rate of the window ending today.
func (s *Service) CalculateLossRates(ctx context.Context, storeID int64, period Period) (LossRateReport, error) {
	return s.CalculateLossRatesAt(ctx, Query{StoreID: storeID, Period: period, AsOf: s.now()})
}

// CalculateLossRatesAt reports the loss rate of the window ending on the day of q.AsOf.
// Output depends only on the ledger contents and q.
func (s *Service) CalculateLossRatesAt(ctx context.Context, q Query) (LossRateReport, error) {
	if q.StoreID == 0 {
		return LossRateReport{}, shared.Invalid("store_id", "required")
	}
	if q.Period.Days() == 0 {
		return LossRateReport{}, shared.Invalid("period", "must be week or month")
	}
	if q.AsOf.IsZero() {
		q.AsOf = s.now()
	}
	key, err := s.cache.BuildKey(ctx, q.StoreID, keyLossRate(q))
	if err != nil {
		s.logger.WarnContext(ctx, "loss rate cache key", slog.Any("error", err))
		return s.compute(ctx, q)
	}
	report, err := FetchJSON(ctx, s.cache, key, func(ctx context.Context) (LossRateReport, error) {
		return s.compute(ctx, q)
	})
	if err != nil {
		return LossRateReport{}, err
	}
	return report, nil
}

func (s *Service) compute(ctx context.Context, q Query) (LossRateReport, error) {
	window := WindowFor(q.Period, q.AsOf)
	current, err := s.ledger.Totals(ctx, inventory.AggregateQuery{StoreID: q.StoreID, ProductID: q.ProductID, Range: window.Range()})
	if err != nil {
		return LossRateReport{}, err
	}
	previous, err := s.ledger.Totals(ctx, inventory.AggregateQuery{StoreID: q.StoreID, ProductID: q.ProductID, Range: window.Previous().Range()})
	if err != nil {
		return LossRateReport{}, err
	}

	thresholds := s.cfg.ThresholdsFor(q.StoreID)
	rate := LossRate(current)
	status, severe := Classify(rate, thresholds)
	breakdown := make(map[inventory.LossCategory]float64, len(inventory.LossCategories))
	for _, c := range inventory.LossCategories {
		breakdown[c] = current.Losses[c]
	}
	return LossRateReport{
		StoreID:       q.StoreID,
		ProductID:     q.ProductID,
		Period:        q.Period,
		Window:        window,
		TotalArrivals: current.Arrivals(),
		TotalLosses:   current.LossTotal(),
		LossRate:      round2(rate),
		Breakdown:     breakdown,
		Status:        status,
		Severe:        severe,
		Thresholds:    thresholds,
		Trend:         CompareTrend(rate, LossRate(previous), s.cfg.StablePct),
		GeneratedAt:   window.To,
	}, nil
}
