package analytics

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockwatch/internal/inventory"
	"github.com/odyssey-erp/stockwatch/internal/masterdata"
	"github.com/odyssey-erp/stockwatch/internal/rbac"
	"github.com/odyssey-erp/stockwatch/internal/shared"
)

var (
	asOf    = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	manager = shared.Actor{ID: 7, Role: shared.RoleManager}
)

type ledgerFixture struct {
	ledger  *inventory.Service
	storeID int64
	product int64
}

func newLedger(t *testing.T) ledgerFixture {
	t.Helper()
	ctx := context.Background()
	dir := masterdata.NewMemoryRepository()
	store, err := dir.SaveStore(ctx, masterdata.Store{Name: "Satellite", Role: masterdata.StoreSatellite, Active: true})
	require.NoError(t, err)
	product, err := dir.SaveProduct(ctx, masterdata.Product{Name: "Salad", Category: "Greens", Unit: masterdata.UnitCount, UnitCost: decimal.NewFromInt(3), Active: true})
	require.NoError(t, err)
	ledger := inventory.NewService(inventory.NewMemoryStore(), dir, rbac.DefaultPolicy(), nil, nil, nil, inventory.ServiceConfig{})
	ledger.SetClock(func() time.Time { return asOf })
	return ledgerFixture{ledger: ledger, storeID: store.ID, product: product.ID}
}

func (f ledgerFixture) arrive(t *testing.T, qty float64, at time.Time) {
	t.Helper()
	_, err := f.ledger.Record(context.Background(), manager, inventory.RecordInput{
		StoreID: f.storeID, ProductID: f.product, Type: inventory.MovementArrival, Quantity: qty, RecordedAt: at,
	})
	require.NoError(t, err)
}

func (f ledgerFixture) lose(t *testing.T, qty float64, category inventory.LossCategory, at time.Time) {
	t.Helper()
	_, err := f.ledger.Record(context.Background(), manager, inventory.RecordInput{
		StoreID: f.storeID, ProductID: f.product, Type: inventory.MovementLoss, Quantity: qty, LossCategory: category, RecordedAt: at,
	})
	require.NoError(t, err)
}

func newTestService(t *testing.T, f ledgerFixture, cfg Config) (*Service, *Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewCache(client, time.Minute, nil)
	f.ledger.Subscribe(cache)
	svc := NewService(f.ledger.Store(), cache, cfg, nil)
	svc.SetClock(func() time.Time { return asOf })
	return svc, cache
}

func TestLossRateScenarioWithConfiguredThresholds(t *testing.T) {
	f := newLedger(t)
	f.arrive(t, 100, asOf.AddDate(0, 0, -2))
	f.lose(t, 8, inventory.LossSpoilage, asOf.AddDate(0, 0, -1))
	f.lose(t, 4, inventory.LossDamage, asOf)

	svc, _ := newTestService(t, f, Config{Thresholds: Thresholds{AcceptablePct: 10, WarningPct: 15, CriticalPct: 15}})
	report, err := svc.CalculateLossRates(context.Background(), f.storeID, PeriodWeek)
	require.NoError(t, err)
	require.Equal(t, 100.0, report.TotalArrivals)
	require.Equal(t, 12.0, report.TotalLosses)
	require.Equal(t, 12.0, report.LossRate)
	require.Equal(t, StatusWarning, report.Status)
	require.False(t, report.Severe)
	require.Equal(t, 8.0, report.Breakdown[inventory.LossSpoilage])
	require.Equal(t, 4.0, report.Breakdown[inventory.LossDamage])
	require.Equal(t, 0.0, report.Breakdown[inventory.LossPromotion])
	require.Equal(t, time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC), report.Window.From)
	require.Equal(t, time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC), report.Window.To)
}

func TestClassifyBoundaries(t *testing.T) {
	thresholds := DefaultThresholds()
	cases := []struct {
		rate   float64
		status Status
		severe bool
	}{
		{0, StatusAcceptable, false},
		{5.0, StatusAcceptable, false},
		{5.01, StatusWarning, false},
		{10.0, StatusWarning, false},
		{10.01, StatusCritical, false},
		{15.0, StatusCritical, false},
		{15.01, StatusCritical, true},
	}
	for _, tc := range cases {
		status, severe := Classify(tc.rate, thresholds)
		require.Equal(t, tc.status, status, "rate %.2f", tc.rate)
		require.Equal(t, tc.severe, severe, "rate %.2f", tc.rate)
	}
}

func TestLossRateBoundaryFromLedger(t *testing.T) {
	f := newLedger(t)
	f.arrive(t, 100, asOf)
	f.lose(t, 5, inventory.LossSpoilage, asOf)
	svc, _ := newTestService(t, f, Config{})

	report, err := svc.CalculateLossRates(context.Background(), f.storeID, PeriodWeek)
	require.NoError(t, err)
	require.Equal(t, 5.0, report.LossRate)
	require.Equal(t, StatusAcceptable, report.Status)

	f.lose(t, 5.01, inventory.LossPromotion, asOf)
	report, err = svc.CalculateLossRates(context.Background(), f.storeID, PeriodWeek)
	require.NoError(t, err)
	require.Equal(t, 10.01, report.LossRate)
	require.NotEqual(t, StatusAcceptable, report.Status)
}

func TestLossRateJustAboveThresholdIsNotAcceptable(t *testing.T) {
	f := newLedger(t)
	f.arrive(t, 100000, asOf)
	f.lose(t, 5004, inventory.LossSpoilage, asOf)
	svc, _ := newTestService(t, f, Config{})

	report, err := svc.CalculateLossRates(context.Background(), f.storeID, PeriodWeek)
	require.NoError(t, err)
	require.Equal(t, StatusWarning, report.Status)
	require.Equal(t, 5.0, report.LossRate)

	require.Equal(t, 5.0, LossRate(inventory.Totals{
		ByType: map[inventory.MovementType]float64{inventory.MovementArrival: 300, inventory.MovementLoss: -15},
	}))
}

func TestLossRateZeroArrivals(t *testing.T) {
	f := newLedger(t)
	svc, _ := newTestService(t, f, Config{})
	report, err := svc.CalculateLossRates(context.Background(), f.storeID, PeriodMonth)
	require.NoError(t, err)
	require.Equal(t, 0.0, report.LossRate)
	require.Equal(t, StatusAcceptable, report.Status)
	require.Equal(t, TrendStable, report.Trend.Direction)
}

func TestCompareTrend(t *testing.T) {
	require.Equal(t, Trend{PreviousRate: 10, ChangePct: 20, Direction: TrendWorsening}, CompareTrend(12, 10, 5))
	require.Equal(t, Trend{PreviousRate: 10, ChangePct: -20, Direction: TrendImproving}, CompareTrend(8, 10, 5))
	require.Equal(t, TrendStable, CompareTrend(10.4, 10, 5).Direction)
	require.Equal(t, TrendWorsening, CompareTrend(10.5004, 10, 5).Direction)
	require.Equal(t, Trend{PreviousRate: 0, Direction: TrendStable}, CompareTrend(12, 0, 5))
}

func TestTrendAgainstPreviousWindow(t *testing.T) {
	f := newLedger(t)
	previous := asOf.AddDate(0, 0, -8)
	f.arrive(t, 100, previous)
	f.lose(t, 10, inventory.LossSpoilage, previous)
	f.arrive(t, 100, asOf)
	f.lose(t, 12, inventory.LossSpoilage, asOf)

	svc, _ := newTestService(t, f, Config{})
	report, err := svc.CalculateLossRates(context.Background(), f.storeID, PeriodWeek)
	require.NoError(t, err)
	require.Equal(t, 10.0, report.Trend.PreviousRate)
	require.Equal(t, 20.0, report.Trend.ChangePct)
	require.Equal(t, TrendWorsening, report.Trend.Direction)
}

func TestCalculateLossRatesIsIdempotent(t *testing.T) {
	f := newLedger(t)
	f.arrive(t, 40, asOf)
	f.lose(t, 3, inventory.LossDamage, asOf)
	svc, _ := newTestService(t, f, Config{})
	q := Query{StoreID: f.storeID, Period: PeriodMonth, AsOf: asOf}

	first, err := svc.CalculateLossRatesAt(context.Background(), q)
	require.NoError(t, err)
	second, err := svc.CalculateLossRatesAt(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, first, second)

	uncached := NewService(f.ledger.Store(), nil, Config{}, nil)
	third, err := uncached.CalculateLossRatesAt(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, first, third)
}

func TestLedgerCommitInvalidatesCache(t *testing.T) {
	f := newLedger(t)
	f.arrive(t, 50, asOf)
	svc, cache := newTestService(t, f, Config{})
	ctx := context.Background()

	before, err := svc.CalculateLossRates(ctx, f.storeID, PeriodWeek)
	require.NoError(t, err)
	require.Equal(t, 0.0, before.LossRate)
	ver, err := cache.Version(ctx, f.storeID)
	require.NoError(t, err)

	f.lose(t, 5, inventory.LossSpoilage, asOf)
	bumped, err := cache.Version(ctx, f.storeID)
	require.NoError(t, err)
	require.Equal(t, ver+1, bumped)

	after, err := svc.CalculateLossRates(ctx, f.storeID, PeriodWeek)
	require.NoError(t, err)
	require.Equal(t, 10.0, after.LossRate)
}

func TestFailedInvalidationIsLogged(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	var logs bytes.Buffer
	cache := NewCache(client, time.Minute, slog.New(slog.NewTextHandler(&logs, nil)))
	mr.Close()

	cache.MovementsCommitted(context.Background(), []inventory.Movement{{StoreID: 7}, {StoreID: 7}, {StoreID: 9}})

	out := logs.String()
	require.Equal(t, 2, strings.Count(out, "cache invalidation failed"))
	require.Contains(t, out, "store_id=7")
	require.Contains(t, out, "store_id=9")
}

func TestStoreOverrideThresholds(t *testing.T) {
	cfg := Config{Thresholds: DefaultThresholds(), StoreOverrides: map[int64]Thresholds{9: {AcceptablePct: 1, WarningPct: 2, CriticalPct: 3}}}
	require.Equal(t, DefaultThresholds(), cfg.ThresholdsFor(1))
	require.Equal(t, 1.0, cfg.ThresholdsFor(9).AcceptablePct)
}

func TestCalculateLossRatesValidation(t *testing.T) {
	svc := NewService(inventory.NewMemoryStore(), nil, Config{}, nil)
	_, err := svc.CalculateLossRates(context.Background(), 0, PeriodWeek)
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.CalculateLossRates(context.Background(), 1, "year")
	require.ErrorIs(t, err, shared.ErrValidation)
}
