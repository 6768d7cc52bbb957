package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockwatch/internal/inventory"
	"github.com/odyssey-erp/stockwatch/internal/masterdata"
	"github.com/odyssey-erp/stockwatch/internal/platform/numerator"
	"github.com/odyssey-erp/stockwatch/internal/rbac"
	"github.com/odyssey-erp/stockwatch/internal/shared"
	"github.com/odyssey-erp/stockwatch/internal/variance"
)

var (
	now     = time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	clerk   = shared.Actor{ID: 3, Role: shared.RoleClerk}
	manager = shared.Actor{ID: 5, Role: shared.RoleManager}
)

type recordingSink struct {
	mu      sync.Mutex
	signals []variance.Signal
}

func (s *recordingSink) ReportDiscrepancy(_ context.Context, sig variance.Signal) (variance.Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, sig)
	return variance.Alert{ID: uuid.New()}, true, nil
}

func (s *recordingSink) received() []variance.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]variance.Signal(nil), s.signals...)
}

type fixture struct {
	svc      *Service
	ledger   *inventory.Service
	sink     *recordingSink
	logs     *bytes.Buffer
	hub      int64
	kiosk    int64
	tomatoes int64
	lettuce  int64
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	dir := masterdata.NewMemoryRepository()
	hub, err := dir.SaveStore(ctx, masterdata.Store{Name: "Central", Role: masterdata.StoreHub, Active: true})
	require.NoError(t, err)
	kiosk, err := dir.SaveStore(ctx, masterdata.Store{Name: "Station kiosk", Role: masterdata.StoreSatellite, Active: true})
	require.NoError(t, err)
	tomatoes, err := dir.SaveProduct(ctx, masterdata.Product{Name: "Tomatoes", Unit: masterdata.UnitMass, UnitCost: decimal.NewFromInt(800), Active: true})
	require.NoError(t, err)
	lettuce, err := dir.SaveProduct(ctx, masterdata.Product{Name: "Lettuce", Unit: masterdata.UnitCount, UnitCost: decimal.NewFromInt(250), Active: true})
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	memory := inventory.NewMemoryStore()
	ledger := inventory.NewService(memory, dir, rbac.DefaultPolicy(), nil, nil, slog.New(slog.NewTextHandler(logs, nil)), inventory.ServiceConfig{})
	ledger.SetClock(func() time.Time { return now })
	for productID, qty := range map[int64]float64{tomatoes.ID: 40, lettuce.ID: 20} {
		_, err := ledger.Record(ctx, clerk, inventory.RecordInput{StoreID: hub.ID, ProductID: productID, Type: inventory.MovementArrival, Quantity: qty})
		require.NoError(t, err)
	}

	sink := &recordingSink{}
	svc := NewService(NewMemoryRepository(memory), ledger, dir, rbac.DefaultPolicy(), numerator.NewMemory(), sink, shared.NewMemoryAuditLog(), nil)
	svc.SetClock(func() time.Time { return now })
	return fixture{svc: svc, ledger: ledger, sink: sink, logs: logs, hub: hub.ID, kiosk: kiosk.ID, tomatoes: tomatoes.ID, lettuce: lettuce.ID}
}

func (f fixture) level(t *testing.T, storeID, productID int64) inventory.StockLevel {
	t.Helper()
	level, err := f.ledger.StockLevel(context.Background(), storeID, productID)
	require.NoError(t, err)
	return level
}

func (f fixture) send(t *testing.T, draft bool, lines ...LineInput) Transfer {
	t.Helper()
	tr, err := f.svc.Create(context.Background(), manager, CreateInput{SourceStoreID: f.hub, DestinationStoreID: f.kiosk, Lines: lines, Draft: draft})
	require.NoError(t, err)
	return tr
}

func TestCreateDispatchesImmediately(t *testing.T) {
	f := newFixture(t)
	tr := f.send(t, false, LineInput{ProductID: f.tomatoes, Quantity: 15})

	require.Equal(t, "TRF-2026-00001", tr.Number)
	require.Equal(t, StatusInTransit, tr.Status)
	require.NotNil(t, tr.DispatchedAt)

	src := f.level(t, f.hub, f.tomatoes)
	require.Equal(t, 25.0, src.Quantity)
	require.Equal(t, 15.0, src.InTransitQuantity)
	require.Zero(t, src.ReservedQuantity)
	require.Zero(t, f.level(t, f.kiosk, f.tomatoes).Quantity)
}

func TestReceiveShortReportsDiscrepancy(t *testing.T) {
	f := newFixture(t)
	tr := f.send(t, false, LineInput{ProductID: f.tomatoes, Quantity: 15})

	received, err := f.svc.Receive(context.Background(), clerk, tr.ID, []ReceiptLine{{ProductID: f.tomatoes, QuantityReceived: 12, Condition: ConditionDamaged}})
	require.NoError(t, err)
	require.Equal(t, StatusReceived, received.Status)
	require.Equal(t, -3.0, received.Lines[0].Discrepancy)

	require.Equal(t, 12.0, f.level(t, f.kiosk, f.tomatoes).Quantity)
	require.Zero(t, f.level(t, f.hub, f.tomatoes).InTransitQuantity)

	signals := f.sink.received()
	require.Len(t, signals, 1)
	require.Equal(t, f.kiosk, signals[0].StoreID)
	require.Equal(t, -3.0, signals[0].Variance())
	require.True(t, signals[0].Value.Equal(decimal.NewFromInt(-2400)), signals[0].Value.String())
	require.Equal(t, tr.Number, signals[0].SourceRef)
}

func TestReceiveExactRaisesNothing(t *testing.T) {
	f := newFixture(t)
	tr := f.send(t, false, LineInput{ProductID: f.tomatoes, Quantity: 15})

	_, err := f.svc.Receive(context.Background(), clerk, tr.ID, []ReceiptLine{{ProductID: f.tomatoes, QuantityReceived: 15}})
	require.NoError(t, err)
	require.Empty(t, f.sink.received())
	require.Equal(t, 15.0, f.level(t, f.kiosk, f.tomatoes).Quantity)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, manager, CreateInput{SourceStoreID: f.hub, DestinationStoreID: f.hub, Lines: []LineInput{{ProductID: f.tomatoes, Quantity: 1}}})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.Create(ctx, manager, CreateInput{SourceStoreID: f.hub, DestinationStoreID: f.kiosk})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.Create(ctx, manager, CreateInput{SourceStoreID: f.hub, DestinationStoreID: f.kiosk, Lines: []LineInput{{ProductID: f.tomatoes, Quantity: 0}}})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.Create(ctx, manager, CreateInput{SourceStoreID: f.hub, DestinationStoreID: f.kiosk, Lines: []LineInput{{ProductID: f.tomatoes, Quantity: 1}, {ProductID: f.tomatoes, Quantity: 2}}})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.Create(ctx, manager, CreateInput{SourceStoreID: f.hub, DestinationStoreID: 999, Lines: []LineInput{{ProductID: f.tomatoes, Quantity: 1}}})
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.svc.Create(ctx, manager, CreateInput{SourceStoreID: f.hub, DestinationStoreID: f.kiosk, Lines: []LineInput{{ProductID: f.lettuce, Quantity: 5}, {ProductID: f.tomatoes, Quantity: 41}}})
	var insufficient *shared.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, f.tomatoes, insufficient.ProductID)
	require.Equal(t, 40.0, insufficient.Available)
	// the lettuce line of the failed transfer left nothing behind
	require.Equal(t, 20.0, f.level(t, f.hub, f.lettuce).AvailableQuantity)

	_, err = f.svc.Create(ctx, clerk, CreateInput{SourceStoreID: f.hub, DestinationStoreID: f.kiosk, Lines: []LineInput{{ProductID: f.tomatoes, Quantity: 1}}})
	require.ErrorIs(t, err, shared.ErrPermission)
}

func TestDraftHoldsThenDispatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	draft := f.send(t, true, LineInput{ProductID: f.tomatoes, Quantity: 30})
	require.Equal(t, StatusDraft, draft.Status)

	src := f.level(t, f.hub, f.tomatoes)
	require.Equal(t, 40.0, src.Quantity)
	require.Equal(t, 30.0, src.ReservedQuantity)
	require.Equal(t, 10.0, src.AvailableQuantity)

	_, err := f.svc.Create(ctx, manager, CreateInput{SourceStoreID: f.hub, DestinationStoreID: f.kiosk, Lines: []LineInput{{ProductID: f.tomatoes, Quantity: 15}}})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	_, err = f.svc.Receive(ctx, clerk, draft.ID, []ReceiptLine{{ProductID: f.tomatoes, QuantityReceived: 30}})
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)

	dispatched, err := f.svc.Dispatch(ctx, manager, draft.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInTransit, dispatched.Status)
	require.Equal(t, int64(2), dispatched.Version)

	src = f.level(t, f.hub, f.tomatoes)
	require.Equal(t, 10.0, src.Quantity)
	require.Zero(t, src.ReservedQuantity)
	require.Equal(t, 30.0, src.InTransitQuantity)

	_, err = f.svc.Dispatch(ctx, manager, draft.ID)
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)
}

func TestCancelDraftReleasesHold(t *testing.T) {
	f := newFixture(t)
	draft := f.send(t, true, LineInput{ProductID: f.tomatoes, Quantity: 30})

	_, err := f.svc.Cancel(context.Background(), manager, draft.ID, " ")
	require.ErrorIs(t, err, shared.ErrValidation)

	cancelled, err := f.svc.Cancel(context.Background(), manager, draft.ID, "order merged")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)

	src := f.level(t, f.hub, f.tomatoes)
	require.Equal(t, 40.0, src.Quantity)
	require.Zero(t, src.ReservedQuantity)
}

func TestCancelInTransitCompensates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.send(t, false, LineInput{ProductID: f.tomatoes, Quantity: 15}, LineInput{ProductID: f.lettuce, Quantity: 4})

	_, err := f.svc.Cancel(ctx, manager, tr.ID, "truck broke down")
	require.NoError(t, err)

	tomatoes := f.level(t, f.hub, f.tomatoes)
	require.Equal(t, 40.0, tomatoes.Quantity)
	require.Zero(t, tomatoes.InTransitQuantity)
	require.Equal(t, 20.0, f.level(t, f.hub, f.lettuce).Quantity)

	ms, err := inventory.CollectMovements(f.ledger.Movements(ctx, f.hub, inventory.DateRange{}, inventory.Filter{Types: []inventory.MovementType{inventory.MovementTransferIn}}))
	require.NoError(t, err)
	require.Len(t, ms, 2)
	require.Equal(t, tr.Number, ms[0].RefID)

	_, err = f.svc.Cancel(ctx, manager, tr.ID, "again")
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)
	_, err = f.svc.Receive(ctx, clerk, tr.ID, []ReceiptLine{{ProductID: f.tomatoes, QuantityReceived: 15}, {ProductID: f.lettuce, QuantityReceived: 4}})
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)
}

// brokenLedger fails every append after the transfer row was updated in the
// same transaction.
type brokenLedger struct {
	*inventory.Service
	err error
}

func (l brokenLedger) Append(context.Context, inventory.Tx, ...inventory.Movement) ([]inventory.Movement, error) {
	return nil, l.err
}

func (f fixture) requireUntouched(t *testing.T, tr Transfer) {
	t.Helper()
	stored, err := f.svc.Get(context.Background(), tr.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInTransit, stored.Status)
	require.Equal(t, tr.Version, stored.Version)

	hub := f.level(t, f.hub, f.tomatoes)
	require.Equal(t, 25.0, hub.Quantity)
	require.Equal(t, 15.0, hub.InTransitQuantity)
	require.Zero(t, f.level(t, f.kiosk, f.tomatoes).Quantity)
	require.Empty(t, f.sink.received())
}

func TestFailedReceiveAndCancelLeaveNoPartialState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.send(t, false, LineInput{ProductID: f.tomatoes, Quantity: 15})
	f.svc.ledger = brokenLedger{Service: f.ledger, err: errors.New("connection reset")}

	_, err := f.svc.Receive(ctx, clerk, tr.ID, []ReceiptLine{{ProductID: f.tomatoes, QuantityReceived: 12}})
	require.Error(t, err)
	f.requireUntouched(t, tr)

	_, err = f.svc.Cancel(ctx, manager, tr.ID, "truck broke down")
	require.Error(t, err)
	f.requireUntouched(t, tr)
	require.NotContains(t, f.logs.String(), "escalate=true")

	f.svc.ledger = f.ledger
	received, err := f.svc.Receive(ctx, clerk, tr.ID, []ReceiptLine{{ProductID: f.tomatoes, QuantityReceived: 15}})
	require.NoError(t, err)
	require.Equal(t, StatusReceived, received.Status)
}

func TestReceiveEscalatesIntegrityViolation(t *testing.T) {
	f := newFixture(t)
	tr := f.send(t, false, LineInput{ProductID: f.tomatoes, Quantity: 15})
	f.svc.ledger = brokenLedger{Service: f.ledger, err: &shared.IntegrityError{Op: "append", Err: errors.New("balance drift")}}

	_, err := f.svc.Receive(context.Background(), clerk, tr.ID, []ReceiptLine{{ProductID: f.tomatoes, QuantityReceived: 15}})
	require.ErrorIs(t, err, shared.ErrIntegrity)
	require.Contains(t, f.logs.String(), "op=transfer:receive")
	require.Contains(t, f.logs.String(), "escalate=true")
	f.requireUntouched(t, tr)
}

func TestReceiveRequiresEveryLine(t *testing.T) {
	f := newFixture(t)
	tr := f.send(t, false, LineInput{ProductID: f.tomatoes, Quantity: 15}, LineInput{ProductID: f.lettuce, Quantity: 4})

	_, err := f.svc.Receive(context.Background(), clerk, tr.ID, []ReceiptLine{{ProductID: f.tomatoes, QuantityReceived: 15}})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.Receive(context.Background(), clerk, tr.ID, []ReceiptLine{{ProductID: f.tomatoes, QuantityReceived: 15}, {ProductID: f.lettuce, QuantityReceived: 4, Condition: "melted"}})
	require.ErrorIs(t, err, shared.ErrValidation)

	stored, err := f.svc.Get(context.Background(), tr.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInTransit, stored.Status)
}

func TestConcurrentReceiveCommitsOnce(t *testing.T) {
	f := newFixture(t)
	tr := f.send(t, false, LineInput{ProductID: f.tomatoes, Quantity: 15})

	const workers = 5
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Receive(context.Background(), clerk, tr.ID, []ReceiptLine{{ProductID: f.tomatoes, QuantityReceived: 14}})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		if !errors.Is(err, shared.ErrConcurrencyConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 14.0, f.level(t, f.kiosk, f.tomatoes).Quantity)
	require.Len(t, f.sink.received(), 1)
}

func TestListTransfers(t *testing.T) {
	f := newFixture(t)
	f.send(t, true, LineInput{ProductID: f.tomatoes, Quantity: 1})
	f.send(t, false, LineInput{ProductID: f.lettuce, Quantity: 1})

	all, err := f.svc.List(context.Background(), ListFilter{StoreID: f.kiosk})
	require.NoError(t, err)
	require.Len(t, all, 2)
	drafts, err := f.svc.List(context.Background(), ListFilter{StoreID: f.hub, Status: StatusDraft})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	_, err = f.svc.List(context.Background(), ListFilter{StoreID: f.hub, Status: "lost"})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestHandlerRoutes(t *testing.T) {
	f := newFixture(t)
	mw := rbac.Middleware{Policy: rbac.DefaultPolicy()}
	r := chi.NewRouter()
	r.Use(mw.Principal)
	NewHandler(nil, f.svc, mw).MountRoutes(r)

	do := func(method, path, body string, role shared.Role) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(rbac.HeaderActorID, "4")
		req.Header.Set(rbac.HeaderActorRole, string(role))
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		return rr
	}

	rr := do(http.MethodPost, "/transfers", fmt.Sprintf(`{"source_store_id":%d,"destination_store_id":%d,"lines":[]}`, f.hub, f.kiosk), shared.RoleManager)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(http.MethodPost, "/transfers", fmt.Sprintf(`{"source_store_id":%d,"destination_store_id":%d,"lines":[{"product_id":%d,"quantity":99}]}`, f.hub, f.kiosk, f.tomatoes), shared.RoleManager)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	tr := f.send(t, false, LineInput{ProductID: f.tomatoes, Quantity: 15})
	rr = do(http.MethodGet, "/transfers/"+tr.ID.String(), "", shared.RoleClerk)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"status":"in_transit"`)

	rr = do(http.MethodPost, "/transfers/"+tr.ID.String()+"/cancel", `{"reason":"x"}`, shared.RoleClerk)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(http.MethodPost, "/transfers/"+tr.ID.String()+"/receive", fmt.Sprintf(`{"lines":[{"product_id":%d,"quantity_received":12}]}`, f.tomatoes), shared.RoleClerk)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"discrepancy":-3`)
}
