package inventory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockwatch/internal/masterdata"
	"github.com/odyssey-erp/stockwatch/internal/rbac"
	"github.com/odyssey-erp/stockwatch/internal/shared"
)

var (
	clerk   = shared.Actor{ID: 11, Role: shared.RoleClerk}
	baseDay = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
)

type fixture struct {
	svc     *Service
	store   *MemoryStore
	dir     *masterdata.MemoryRepository
	audit   *shared.MemoryAuditLog
	storeID int64
	spinach int64
	apples  int64
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	dir := masterdata.NewMemoryRepository()
	hub, err := dir.SaveStore(ctx, masterdata.Store{Name: "Hub", Role: masterdata.StoreHub, Active: true})
	require.NoError(t, err)
	spinach, err := dir.SaveProduct(ctx, masterdata.Product{Name: "Épinards", Category: "Légumes", Unit: masterdata.UnitMass, UnitCost: decimal.NewFromInt(4), Active: true})
	require.NoError(t, err)
	apples, err := dir.SaveProduct(ctx, masterdata.Product{Name: "Apples", Category: "Fruit", Unit: masterdata.UnitMass, UnitCost: decimal.NewFromInt(2), Active: true})
	require.NoError(t, err)

	store := NewMemoryStore()
	audit := shared.NewMemoryAuditLog()
	svc := NewService(store, dir, rbac.DefaultPolicy(), audit, shared.NewMemoryIdempotency(), nil, ServiceConfig{PageSize: 2})
	svc.SetClock(func() time.Time { return baseDay.Add(24 * time.Hour) })
	return fixture{svc: svc, store: store, dir: dir, audit: audit, storeID: hub.ID, spinach: spinach.ID, apples: apples.ID}
}

func (f fixture) record(t *testing.T, input RecordInput) Movement {
	t.Helper()
	if input.StoreID == 0 {
		input.StoreID = f.storeID
	}
	m, err := f.svc.Record(context.Background(), clerk, input)
	require.NoError(t, err)
	return m
}

func TestStockLevelEqualsSignedSum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inputs := []RecordInput{
		{ProductID: f.spinach, Type: MovementArrival, Quantity: 100},
		{ProductID: f.spinach, Type: MovementSale, Quantity: 10},
		{ProductID: f.spinach, Type: MovementLoss, Quantity: -5, LossCategory: LossSpoilage},
		{ProductID: f.spinach, Type: MovementCountAdjustment, Quantity: -2},
		{ProductID: f.spinach, Type: MovementCountAdjustment, Quantity: 0.5},
	}
	var sum float64
	for _, in := range inputs {
		sum += f.record(t, in).Quantity
	}
	require.InDelta(t, 83.5, sum, 1e-9)

	level, err := f.svc.StockLevel(ctx, f.storeID, f.spinach)
	require.NoError(t, err)
	require.InDelta(t, sum, level.Quantity, 1e-9)
	require.InDelta(t, sum, level.AvailableQuantity, 1e-9)
	require.Len(t, f.audit.Entries(), len(inputs))
}

func TestRecordNormalisesDirectionalSigns(t *testing.T) {
	f := newFixture(t)
	in := f.record(t, RecordInput{ProductID: f.apples, Type: MovementArrival, Quantity: -20})
	require.Equal(t, 20.0, in.Quantity)
	out := f.record(t, RecordInput{ProductID: f.apples, Type: MovementSale, Quantity: 3})
	require.Equal(t, -3.0, out.Quantity)
}

func TestRecordValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []struct {
		name  string
		input RecordInput
	}{
		{"zero quantity", RecordInput{StoreID: f.storeID, ProductID: f.spinach, Type: MovementArrival}},
		{"unknown type", RecordInput{StoreID: f.storeID, ProductID: f.spinach, Type: "gift", Quantity: 1}},
		{"unknown store", RecordInput{StoreID: 999, ProductID: f.spinach, Type: MovementArrival, Quantity: 1}},
		{"unknown product", RecordInput{StoreID: f.storeID, ProductID: 999, Type: MovementArrival, Quantity: 1}},
		{"loss without category", RecordInput{StoreID: f.storeID, ProductID: f.spinach, Type: MovementLoss, Quantity: 1}},
		{"category on arrival", RecordInput{StoreID: f.storeID, ProductID: f.spinach, Type: MovementArrival, Quantity: 1, LossCategory: LossDamage}},
		{"future", RecordInput{StoreID: f.storeID, ProductID: f.spinach, Type: MovementArrival, Quantity: 1, RecordedAt: baseDay.Add(72 * time.Hour)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Record(ctx, clerk, tc.input)
			require.Error(t, err)
			require.True(t, errors.Is(err, shared.ErrValidation), err.Error())
		})
	}

	_, err := f.svc.Record(ctx, shared.Actor{ID: 1, Role: "guest"}, RecordInput{StoreID: f.storeID, ProductID: f.spinach, Type: MovementArrival, Quantity: 1})
	require.True(t, errors.Is(err, shared.ErrPermission))
}

func TestRecordRejectsNegativeStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.record(t, RecordInput{ProductID: f.spinach, Type: MovementArrival, Quantity: 3})

	_, err := f.svc.Record(ctx, clerk, RecordInput{StoreID: f.storeID, ProductID: f.spinach, Type: MovementLoss, Quantity: 5, LossCategory: LossDamage})
	require.True(t, errors.Is(err, shared.ErrInsufficientStock))
	var stockErr *shared.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	require.Equal(t, 3.0, stockErr.Available)
	require.Equal(t, 5.0, stockErr.Requested)

	level, err := f.svc.StockLevel(ctx, f.storeID, f.spinach)
	require.NoError(t, err)
	require.Equal(t, 3.0, level.Quantity)
}

func TestMovementsPagesLazilyInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 4; i >= 0; i-- {
		f.record(t, RecordInput{ProductID: f.apples, Type: MovementArrival, Quantity: float64(i + 1), RecordedAt: baseDay.Add(time.Duration(i) * time.Hour)})
	}
	f.record(t, RecordInput{ProductID: f.spinach, Type: MovementArrival, Quantity: 9, RecordedAt: baseDay.Add(30 * time.Minute)})

	all, err := CollectMovements(f.svc.Movements(ctx, f.storeID, DateRange{}, Filter{}))
	require.NoError(t, err)
	require.Len(t, all, 6)
	for i := 1; i < len(all); i++ {
		require.False(t, all[i].RecordedAt.Before(all[i-1].RecordedAt))
	}

	ranged, err := CollectMovements(f.svc.Movements(ctx, f.storeID, DateRange{From: baseDay.Add(time.Hour), To: baseDay.Add(3 * time.Hour)}, Filter{}))
	require.NoError(t, err)
	require.Len(t, ranged, 2)

	seen := 0
	for _, err := range f.svc.Movements(ctx, f.storeID, DateRange{}, Filter{}) {
		require.NoError(t, err)
		seen++
		if seen == 3 {
			break
		}
	}
	require.Equal(t, 3, seen)
}

func TestMovementsFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.record(t, RecordInput{ProductID: f.spinach, Type: MovementArrival, Quantity: 10})
	f.record(t, RecordInput{ProductID: f.spinach, Type: MovementLoss, Quantity: 1, LossCategory: LossSpoilage})
	f.record(t, RecordInput{ProductID: f.apples, Type: MovementArrival, Quantity: 10})
	f.record(t, RecordInput{ProductID: f.apples, Type: MovementLoss, Quantity: 2, LossCategory: LossDamage})

	losses, err := CollectMovements(f.svc.Movements(ctx, f.storeID, DateRange{}, Filter{Types: []MovementType{MovementLoss}}))
	require.NoError(t, err)
	require.Len(t, losses, 2)

	damage, err := CollectMovements(f.svc.Movements(ctx, f.storeID, DateRange{}, Filter{LossCategories: []LossCategory{LossDamage}}))
	require.NoError(t, err)
	require.Len(t, damage, 1)
	require.Equal(t, f.apples, damage[0].ProductID)

	accentless, err := CollectMovements(f.svc.Movements(ctx, f.storeID, DateRange{}, Filter{Search: "EPINARD"}))
	require.NoError(t, err)
	require.Len(t, accentless, 2)
	byCategory, err := CollectMovements(f.svc.Movements(ctx, f.storeID, DateRange{}, Filter{Search: "legumes"}))
	require.NoError(t, err)
	require.Len(t, byCategory, 2)

	none, err := CollectMovements(f.svc.Movements(ctx, f.storeID, DateRange{}, Filter{Search: "bread"}))
	require.NoError(t, err)
	require.Empty(t, none)

	_, err = CollectMovements(f.svc.Movements(ctx, 0, DateRange{}, Filter{}))
	require.True(t, errors.Is(err, shared.ErrValidation))
}

func TestConcurrentDepletionNeverGoesNegative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.record(t, RecordInput{ProductID: f.apples, Type: MovementArrival, Quantity: 30})

	var ok, short atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Record(ctx, clerk, RecordInput{StoreID: f.storeID, ProductID: f.apples, Type: MovementSale, Quantity: 1})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, shared.ErrInsufficientStock):
				short.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(30), ok.Load())
	require.Equal(t, int32(20), short.Load())

	level, err := f.svc.StockLevel(ctx, f.storeID, f.apples)
	require.NoError(t, err)
	require.Equal(t, 0.0, level.Quantity)
}

func TestIdempotencyKeyRejectsReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	input := RecordInput{StoreID: f.storeID, ProductID: f.apples, Type: MovementArrival, Quantity: 4, IdempotencyKey: "pos-42"}
	_, err := f.svc.Record(ctx, clerk, input)
	require.NoError(t, err)
	_, err = f.svc.Record(ctx, clerk, input)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)

	failing := RecordInput{StoreID: f.storeID, ProductID: f.apples, Type: MovementSale, Quantity: 40, IdempotencyKey: "pos-43"}
	_, err = f.svc.Record(ctx, clerk, failing)
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	failing.Quantity = 1
	_, err = f.svc.Record(ctx, clerk, failing)
	require.NoError(t, err, "failed attempts release their key")

	level, err := f.svc.StockLevel(ctx, f.storeID, f.apples)
	require.NoError(t, err)
	require.Equal(t, 3.0, level.Quantity)
}

type recordingListener struct {
	mu    sync.Mutex
	calls [][]Movement
}

func (l *recordingListener) MovementsCommitted(_ context.Context, ms []Movement) {
	l.mu.Lock()
	l.calls = append(l.calls, ms)
	l.mu.Unlock()
}

func TestAppendIsAtomicAndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	listener := &recordingListener{}
	f.svc.Subscribe(listener)
	f.record(t, RecordInput{ProductID: f.apples, Type: MovementArrival, Quantity: 5})

	err := f.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := f.svc.Append(ctx, tx,
			Movement{StoreID: f.storeID, ProductID: f.spinach, Type: MovementArrival, Quantity: 10},
			Movement{StoreID: f.storeID, ProductID: f.apples, Type: MovementTransferOut, Quantity: -6},
		)
		return err
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	level, err := f.svc.StockLevel(ctx, f.storeID, f.spinach)
	require.NoError(t, err)
	require.Equal(t, 0.0, level.Quantity, "rolled back batch leaves no trace")
	require.Len(t, listener.calls, 1)
}

func TestTotalsAggregates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.record(t, RecordInput{ProductID: f.apples, Type: MovementArrival, Quantity: 100, RecordedAt: baseDay})
	f.record(t, RecordInput{ProductID: f.apples, Type: MovementLoss, Quantity: 7, LossCategory: LossSpoilage, RecordedAt: baseDay.Add(time.Hour)})
	f.record(t, RecordInput{ProductID: f.apples, Type: MovementLoss, Quantity: 3, LossCategory: LossPromotion, RecordedAt: baseDay.Add(2 * time.Hour)})
	f.record(t, RecordInput{ProductID: f.apples, Type: MovementSale, Quantity: 20, RecordedAt: baseDay.Add(-20 * time.Hour)})

	totals, err := f.store.Totals(ctx, AggregateQuery{StoreID: f.storeID, Range: DateRange{From: baseDay, To: baseDay.Add(24 * time.Hour)}})
	require.NoError(t, err)
	require.Equal(t, 100.0, totals.Arrivals())
	require.Equal(t, 10.0, totals.LossTotal())
	require.Equal(t, 7.0, totals.Losses[LossSpoilage])
	require.Equal(t, 3.0, totals.Losses[LossPromotion])
	require.Equal(t, 10.0, totals.Depletion())

	daily, err := f.store.DailyTotals(ctx, AggregateQuery{StoreID: f.storeID, ProductID: f.apples})
	require.NoError(t, err)
	require.Len(t, daily, 2)
	require.True(t, daily[0].Day.Before(daily[1].Day))
	require.Equal(t, 20.0, daily[0].Totals.Depletion())
}
