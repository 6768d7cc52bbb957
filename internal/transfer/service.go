package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockwatch/internal/inventory"
	"github.com/odyssey-erp/stockwatch/internal/masterdata"
	"github.com/odyssey-erp/stockwatch/internal/platform/numerator"
	"github.com/odyssey-erp/stockwatch/internal/rbac"
	"github.com/odyssey-erp/stockwatch/internal/shared"
	"github.com/odyssey-erp/stockwatch/internal/variance"
)

const (
	numberPrefix = "TRF"
	refModule    = "transfer"
	epsilon      = 1e-9
)

// Ledger is the part of the movement ledger a transfer needs.
type Ledger interface {
	Append(ctx context.Context, tx inventory.Tx, movements ...inventory.Movement) ([]inventory.Movement, error)
	Notify(ctx context.Context, movements []inventory.Movement)
	Escalate(ctx context.Context, op string, err error) error
}

// DiscrepancySink receives received-versus-sent mismatches.
type DiscrepancySink interface {
	ReportDiscrepancy(ctx context.Context, sig variance.Signal) (variance.Alert, bool, error)
}

// Service reconciles stock moved between stores.
type Service struct {
	repo      Repository
	ledger    Ledger
	directory masterdata.Directory
	policy    *rbac.Policy
	numbers   numerator.Generator
	signals   DiscrepancySink
	audit     shared.AuditSink
	logger    *slog.Logger
	now       func() time.Time
}

// NewService builds Service. signals and audit may be nil.
func NewService(repo Repository, ledger Ledger, directory masterdata.Directory, policy *rbac.Policy, numbers numerator.Generator, signals DiscrepancySink, audit shared.AuditSink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		ledger:    ledger,
		directory: directory,
		policy:    policy,
		numbers:   numbers,
		signals:   signals,
		audit:     audit,
		logger:    logger.With(slog.String("component", "transfer")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the service clock.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Create opens a transfer. Unless input.Draft is set the goods leave the
// source immediately.
func (s *Service) Create(ctx context.Context, actor shared.Actor, input CreateInput) (Transfer, error) {
	if err := s.policy.Authorize(actor, shared.PermTransferCreate); err != nil {
		return Transfer{}, err
	}
	lines, err := s.validateCreate(ctx, input)
	if err != nil {
		return Transfer{}, err
	}
	now := s.now()
	number, err := s.numbers.Next(ctx, numberPrefix, now)
	if err != nil {
		return Transfer{}, err
	}
	tr := Transfer{
		ID:                 uuid.New(),
		Number:             number,
		SourceStoreID:      input.SourceStoreID,
		DestinationStoreID: input.DestinationStoreID,
		Status:             StatusDraft,
		Note:               strings.TrimSpace(input.Note),
		CreatedBy:          actor.ID,
		CreatedAt:          now,
		Version:            1,
		Lines:              lines,
	}
	if !input.Draft {
		tr.Status = StatusInTransit
		tr.DispatchedBy = actor.ID
		tr.DispatchedAt = &now
	}

	var posted []inventory.Movement
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.Insert(ctx, tr); err != nil {
			return err
		}
		if err := hold(ctx, tx.Ledger(), tr); err != nil {
			return err
		}
		if input.Draft {
			return nil
		}
		var err error
		posted, err = s.ship(ctx, tx.Ledger(), tr, actor, now)
		return err
	})
	if err != nil {
		return Transfer{}, s.ledger.Escalate(ctx, "transfer:create", err)
	}
	s.ledger.Notify(ctx, posted)
	s.record(ctx, actor, "transfer:create", tr, map[string]any{
		"source_store_id":      tr.SourceStoreID,
		"destination_store_id": tr.DestinationStoreID,
		"lines":                len(tr.Lines),
	})
	s.logger.InfoContext(ctx, "transfer created", slog.String("number", tr.Number), slog.String("status", string(tr.Status)))
	return tr, nil
}

// Dispatch ships a draft transfer.
func (s *Service) Dispatch(ctx context.Context, actor shared.Actor, id uuid.UUID) (Transfer, error) {
	if err := s.policy.Authorize(actor, shared.PermTransferDispatch); err != nil {
		return Transfer{}, err
	}
	now := s.now()
	var posted []inventory.Movement
	tr, err := s.update(ctx, "transfer:dispatch", id, func(tr *Transfer) error {
		if tr.Status != StatusDraft {
			return statusConflict(*tr)
		}
		tr.Status = StatusInTransit
		tr.DispatchedBy = actor.ID
		tr.DispatchedAt = &now
		return nil
	}, func(ctx context.Context, tx Tx, tr Transfer) error {
		var err error
		posted, err = s.ship(ctx, tx.Ledger(), tr, actor, now)
		return err
	})
	if err != nil {
		return Transfer{}, err
	}
	s.ledger.Notify(ctx, posted)
	s.record(ctx, actor, "transfer:dispatch", tr, nil)
	return tr, nil
}

// Receive books the counted quantities at the destination and reports every
// line where the received quantity differs from the quantity sent.
func (s *Service) Receive(ctx context.Context, actor shared.Actor, id uuid.UUID, receipt []ReceiptLine) (Transfer, error) {
	if err := s.policy.Authorize(actor, shared.PermTransferReceive); err != nil {
		return Transfer{}, err
	}
	if len(receipt) == 0 {
		return Transfer{}, shared.Invalid("lines", "at least one line required")
	}
	now := s.now()
	var posted []inventory.Movement
	tr, err := s.update(ctx, "transfer:receive", id, func(tr *Transfer) error {
		if tr.Status != StatusInTransit {
			return statusConflict(*tr)
		}
		if err := applyReceipt(tr, receipt); err != nil {
			return err
		}
		tr.Status = StatusReceived
		tr.ReceivedBy = actor.ID
		tr.ReceivedAt = &now
		return nil
	}, func(ctx context.Context, tx Tx, tr Transfer) error {
		var movements []inventory.Movement
		for _, l := range tr.Lines {
			if *l.QuantityReceived < epsilon {
				continue
			}
			movements = append(movements, s.movement(tr, l.ProductID, tr.DestinationStoreID, inventory.MovementTransferIn, *l.QuantityReceived, actor, now, "transfer "+tr.Number))
		}
		var err error
		if posted, err = s.ledger.Append(ctx, tx.Ledger(), movements...); err != nil {
			return err
		}
		return release(ctx, tx.Ledger(), tr)
	})
	if err != nil {
		return Transfer{}, err
	}
	s.ledger.Notify(ctx, posted)
	mismatches := s.report(ctx, tr, now)
	s.record(ctx, actor, "transfer:receive", tr, map[string]any{"mismatches": mismatches})
	s.logger.InfoContext(ctx, "transfer received", slog.String("number", tr.Number), slog.Int("mismatches", mismatches))
	return tr, nil
}

// Cancel releases a draft hold, or books the in-transit quantity back into
// the source with a compensating movement.
func (s *Service) Cancel(ctx context.Context, actor shared.Actor, id uuid.UUID, reason string) (Transfer, error) {
	if err := s.policy.Authorize(actor, shared.PermTransferCancel); err != nil {
		return Transfer{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Transfer{}, shared.Invalid("reason", "required")
	}
	now := s.now()
	var (
		previous Status
		posted   []inventory.Movement
	)
	tr, err := s.update(ctx, "transfer:cancel", id, func(tr *Transfer) error {
		if tr.Status != StatusDraft && tr.Status != StatusInTransit {
			return statusConflict(*tr)
		}
		previous = tr.Status
		tr.Status = StatusCancelled
		tr.CancelledBy = actor.ID
		tr.CancelledAt = &now
		tr.CancelReason = reason
		return nil
	}, func(ctx context.Context, tx Tx, tr Transfer) error {
		if previous == StatusInTransit {
			movements := make([]inventory.Movement, 0, len(tr.Lines))
			for _, l := range tr.Lines {
				movements = append(movements, s.movement(tr, l.ProductID, tr.SourceStoreID, inventory.MovementTransferIn, l.QuantitySent, actor, now, "cancelled transfer "+tr.Number))
			}
			var err error
			if posted, err = s.ledger.Append(ctx, tx.Ledger(), movements...); err != nil {
				return err
			}
		}
		return release(ctx, tx.Ledger(), tr)
	})
	if err != nil {
		return Transfer{}, err
	}
	s.ledger.Notify(ctx, posted)
	s.record(ctx, actor, "transfer:cancel", tr, map[string]any{"reason": reason, "from_status": string(previous)})
	return tr, nil
}

// Get loads a transfer with its lines.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Transfer, error) {
	return s.repo.Get(ctx, id)
}

// List returns the transfers touching a store.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Transfer, error) {
	if filter.StoreID <= 0 {
		return nil, shared.Invalid("store_id", "required")
	}
	if filter.Status != "" {
		switch filter.Status {
		case StatusDraft, StatusInTransit, StatusReceived, StatusCancelled:
		default:
			return nil, shared.Invalid("status", "unknown transfer status")
		}
	}
	return s.repo.List(ctx, filter)
}

func (s *Service) validateCreate(ctx context.Context, input CreateInput) ([]Line, error) {
	if input.SourceStoreID <= 0 {
		return nil, shared.Invalid("source_store_id", "required")
	}
	if input.DestinationStoreID <= 0 {
		return nil, shared.Invalid("destination_store_id", "required")
	}
	if input.SourceStoreID == input.DestinationStoreID {
		return nil, shared.Invalid("destination_store_id", "must differ from source")
	}
	for _, id := range []int64{input.SourceStoreID, input.DestinationStoreID} {
		store, err := s.directory.Store(ctx, id)
		if err != nil {
			return nil, err
		}
		if !store.Active {
			return nil, shared.Invalid("store_id", fmt.Sprintf("store %d is inactive", id))
		}
	}
	if len(input.Lines) == 0 {
		return nil, shared.Invalid("lines", "at least one line required")
	}
	ids := make([]int64, 0, len(input.Lines))
	seen := make(map[int64]struct{}, len(input.Lines))
	for i, l := range input.Lines {
		if l.Quantity <= 0 || math.IsNaN(l.Quantity) || math.IsInf(l.Quantity, 0) {
			return nil, shared.Invalid(fmt.Sprintf("lines[%d].quantity", i), "must be positive")
		}
		if _, dup := seen[l.ProductID]; dup {
			return nil, shared.Invalid(fmt.Sprintf("lines[%d].product_id", i), "duplicate product")
		}
		seen[l.ProductID] = struct{}{}
		ids = append(ids, l.ProductID)
	}
	products, err := s.directory.Products(ctx, ids)
	if err != nil {
		return nil, err
	}
	lines := make([]Line, 0, len(input.Lines))
	for i, l := range input.Lines {
		p, ok := products[l.ProductID]
		if !ok || !p.Active {
			return nil, shared.Invalid(fmt.Sprintf("lines[%d].product_id", i), "unknown or inactive product")
		}
		lines = append(lines, Line{ProductID: l.ProductID, QuantitySent: l.Quantity})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
	return lines, nil
}

// hold checks availability at the source and reserves each line. Lines are
// sorted by product so pairs are locked in a stable order.
func hold(ctx context.Context, tx inventory.Tx, tr Transfer) error {
	for _, l := range tr.Lines {
		pos, err := tx.LockStock(ctx, tr.SourceStoreID, l.ProductID)
		if err != nil {
			return err
		}
		if pos.Available()+epsilon < l.QuantitySent {
			return &shared.InsufficientStockError{
				StoreID:   tr.SourceStoreID,
				ProductID: l.ProductID,
				Requested: l.QuantitySent,
				Available: pos.Available(),
			}
		}
		if err := tx.SaveReservation(ctx, inventory.Reservation{
			TransferID: tr.ID,
			StoreID:    tr.SourceStoreID,
			ProductID:  l.ProductID,
			Quantity:   l.QuantitySent,
			State:      inventory.ReservationHeld,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) ship(ctx context.Context, tx inventory.Tx, tr Transfer, actor shared.Actor, at time.Time) ([]inventory.Movement, error) {
	movements := make([]inventory.Movement, 0, len(tr.Lines))
	for _, l := range tr.Lines {
		movements = append(movements, s.movement(tr, l.ProductID, tr.SourceStoreID, inventory.MovementTransferOut, -l.QuantitySent, actor, at, "transfer "+tr.Number))
	}
	posted, err := s.ledger.Append(ctx, tx, movements...)
	if err != nil {
		return nil, err
	}
	for _, l := range tr.Lines {
		if err := tx.SaveReservation(ctx, inventory.Reservation{
			TransferID: tr.ID,
			StoreID:    tr.SourceStoreID,
			ProductID:  l.ProductID,
			Quantity:   l.QuantitySent,
			State:      inventory.ReservationShipped,
		}); err != nil {
			return nil, err
		}
	}
	return posted, nil
}

func release(ctx context.Context, tx inventory.Tx, tr Transfer) error {
	reservations, err := tx.Reservations(ctx, tr.ID)
	if err != nil {
		return err
	}
	for _, r := range reservations {
		if r.State == inventory.ReservationReleased {
			continue
		}
		r.State = inventory.ReservationReleased
		if err := tx.SaveReservation(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) movement(tr Transfer, productID, storeID int64, typ inventory.MovementType, qty float64, actor shared.Actor, at time.Time, reason string) inventory.Movement {
	return inventory.Movement{
		StoreID:    storeID,
		ProductID:  productID,
		Type:       typ,
		Quantity:   qty,
		Reason:     reason,
		RecordedBy: actor.ID,
		RecordedAt: at,
		RefModule:  refModule,
		RefID:      tr.Number,
	}
}

func applyReceipt(tr *Transfer, receipt []ReceiptLine) error {
	seen := make(map[int64]struct{}, len(receipt))
	for i, r := range receipt {
		idx := tr.line(r.ProductID)
		if idx < 0 {
			return shared.Invalid(fmt.Sprintf("lines[%d].product_id", i), "product is not part of the transfer")
		}
		if _, dup := seen[r.ProductID]; dup {
			return shared.Invalid(fmt.Sprintf("lines[%d].product_id", i), "duplicate product")
		}
		seen[r.ProductID] = struct{}{}
		if r.QuantityReceived < 0 || math.IsNaN(r.QuantityReceived) || math.IsInf(r.QuantityReceived, 0) {
			return shared.Invalid(fmt.Sprintf("lines[%d].quantity_received", i), "must be a non-negative number")
		}
		if !r.Condition.Valid() {
			return shared.Invalid(fmt.Sprintf("lines[%d].condition", i), "unknown condition")
		}
		qty := r.QuantityReceived
		line := tr.Lines[idx]
		line.QuantityReceived = &qty
		line.Condition = r.Condition
		line.Discrepancy = math.Round((qty-line.QuantitySent)*1000) / 1000
		tr.Lines[idx] = line
	}
	for _, l := range tr.Lines {
		if l.QuantityReceived == nil {
			return shared.Invalid("lines", fmt.Sprintf("product %d was not received", l.ProductID))
		}
	}
	return nil
}

// report forwards mismatching lines to the detector and returns how many there were.
func (s *Service) report(ctx context.Context, tr Transfer, at time.Time) int {
	var mismatched []Line
	ids := make([]int64, 0, len(tr.Lines))
	for _, l := range tr.Lines {
		if math.Abs(l.Discrepancy) >= epsilon {
			mismatched = append(mismatched, l)
			ids = append(ids, l.ProductID)
		}
	}
	if len(mismatched) == 0 || s.signals == nil {
		return len(mismatched)
	}
	products, err := s.directory.Products(ctx, ids)
	if err != nil {
		s.logger.WarnContext(ctx, "load unit costs", slog.String("number", tr.Number), slog.Any("error", err))
		products = nil
	}
	for _, l := range mismatched {
		value := decimal.NewFromFloat(l.Discrepancy).Mul(products[l.ProductID].UnitCost).Round(2)
		if _, _, err := s.signals.ReportDiscrepancy(ctx, variance.Signal{
			Source:    refModule,
			SourceRef: tr.Number,
			StoreID:   tr.DestinationStoreID,
			ProductID: l.ProductID,
			Expected:  l.QuantitySent,
			Actual:    *l.QuantityReceived,
			Value:     value,
			At:        at,
		}); err != nil {
			s.logger.WarnContext(ctx, "report transfer discrepancy", slog.String("number", tr.Number), slog.Int64("product_id", l.ProductID), slog.Any("error", err))
		}
	}
	return len(mismatched)
}

// update applies mutate to a copy and stores it with a version
// compare-and-set; inTx runs in the same transaction after the CAS.
func (s *Service) update(ctx context.Context, op string, id uuid.UUID, mutate func(*Transfer) error, inTx func(context.Context, Tx, Transfer) error) (Transfer, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Transfer{}, err
	}
	next := current.clone()
	if err := mutate(&next); err != nil {
		return Transfer{}, err
	}
	next.Version = current.Version + 1
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.Update(ctx, next, current.Version); err != nil {
			return err
		}
		if inTx != nil {
			return inTx(ctx, tx, next)
		}
		return nil
	})
	if err != nil {
		return Transfer{}, s.ledger.Escalate(ctx, op, err)
	}
	return next, nil
}

func (s *Service) record(ctx context.Context, actor shared.Actor, action string, tr Transfer, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["number"] = tr.Number
	meta["status"] = string(tr.Status)
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "transfer",
		EntityID: tr.ID.String(),
		Meta:     meta,
		At:       s.now(),
	}); err != nil {
		s.logger.WarnContext(ctx, "audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func statusConflict(tr Transfer) error {
	return shared.Conflict("transfer", tr.ID, fmt.Sprintf("transfer is %s", tr.Status))
}
