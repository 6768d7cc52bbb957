package stockcount

import (
	"context"
	"fmt"
	"log/slog"
	"math"
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
	numberPrefix = "INV"
	refModule    = "stockcount"
	epsilon      = 1e-9
)

// Ledger is the part of the movement ledger a count needs.
type Ledger interface {
	Append(ctx context.Context, tx inventory.Tx, movements ...inventory.Movement) ([]inventory.Movement, error)
	Notify(ctx context.Context, movements []inventory.Movement)
	Escalate(ctx context.Context, op string, err error) error
	StockLevel(ctx context.Context, storeID, productID int64) (inventory.StockLevel, error)
}

// DiscrepancySink receives per-line variances of validated counts.
type DiscrepancySink interface {
	ReportDiscrepancy(ctx context.Context, sig variance.Signal) (variance.Alert, bool, error)
}

// Service drives the count workflow.
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
		logger:    logger.With(slog.String("component", "stockcount")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the service clock.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Create opens a count snapshotting the theoretical quantity of every active product.
func (s *Service) Create(ctx context.Context, actor shared.Actor, storeID int64) (Count, error) {
	if err := s.policy.Authorize(actor, shared.PermCountCreate); err != nil {
		return Count{}, err
	}
	return s.open(ctx, actor, storeID, nil)
}

// Resubmit opens a fresh count for the store of a rejected one.
func (s *Service) Resubmit(ctx context.Context, actor shared.Actor, rejectedID uuid.UUID) (Count, error) {
	if err := s.policy.Authorize(actor, shared.PermCountCreate); err != nil {
		return Count{}, err
	}
	prev, err := s.repo.Get(ctx, rejectedID)
	if err != nil {
		return Count{}, err
	}
	if prev.Status != StatusRejected {
		return Count{}, shared.Conflict("stock_count", rejectedID, "only rejected counts can be resubmitted")
	}
	return s.open(ctx, actor, prev.StoreID, &prev.ID)
}

func (s *Service) open(ctx context.Context, actor shared.Actor, storeID int64, resubmissionOf *uuid.UUID) (Count, error) {
	if storeID <= 0 {
		return Count{}, shared.Invalid("store_id", "required")
	}
	store, err := s.directory.Store(ctx, storeID)
	if err != nil {
		return Count{}, err
	}
	if !store.Active {
		return Count{}, shared.Invalid("store_id", "store is inactive")
	}
	products, err := s.directory.ActiveProducts(ctx)
	if err != nil {
		return Count{}, err
	}
	if len(products) == 0 {
		return Count{}, shared.Invalid("store_id", "no active products to count")
	}
	lines := make([]Line, 0, len(products))
	for _, p := range products {
		level, err := s.ledger.StockLevel(ctx, storeID, p.ID)
		if err != nil {
			return Count{}, fmt.Errorf("stockcount: snapshot product %d: %w", p.ID, err)
		}
		lines = append(lines, Line{ProductID: p.ID, TheoreticalQty: level.Quantity, UnitCost: p.UnitCost, VarianceValue: decimal.Zero})
	}

	now := s.now()
	number, err := s.numbers.Next(ctx, numberPrefix, now)
	if err != nil {
		return Count{}, err
	}
	c := Count{
		ID:                 uuid.New(),
		Number:             number,
		StoreID:            storeID,
		Date:               now.Truncate(24 * time.Hour),
		Status:             StatusInProgress,
		CreatedBy:          actor.ID,
		CreatedAt:          now,
		ResubmissionOf:     resubmissionOf,
		TotalVarianceValue: decimal.Zero,
		Version:            1,
		Lines:              lines,
	}
	if err := s.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Insert(ctx, c)
	}); err != nil {
		return Count{}, err
	}
	meta := map[string]any{"store_id": storeID, "lines": len(lines)}
	if resubmissionOf != nil {
		meta["resubmission_of"] = resubmissionOf.String()
	}
	s.record(ctx, actor, "stockcount:create", c, meta)
	s.logger.InfoContext(ctx, "count opened", slog.String("number", c.Number), slog.Int64("store_id", storeID))
	return c, nil
}

// RecordCounts captures physical quantities while the count is in progress.
func (s *Service) RecordCounts(ctx context.Context, actor shared.Actor, id uuid.UUID, entries []Entry) (Count, error) {
	if err := s.policy.Authorize(actor, shared.PermCountRecord); err != nil {
		return Count{}, err
	}
	if len(entries) == 0 {
		return Count{}, shared.Invalid("entries", "at least one entry required")
	}
	return s.update(ctx, "stockcount:record", id, func(c *Count) error {
		if c.Status != StatusInProgress {
			return statusConflict(*c)
		}
		return applyEntries(c, entries)
	}, nil)
}

// Submit completes capture and hands the count to a director.
func (s *Service) Submit(ctx context.Context, actor shared.Actor, id uuid.UUID, entries []Entry) (Count, error) {
	if err := s.policy.Authorize(actor, shared.PermCountSubmit); err != nil {
		return Count{}, err
	}
	now := s.now()
	c, err := s.update(ctx, "stockcount:submit", id, func(c *Count) error {
		if c.Status != StatusInProgress {
			return statusConflict(*c)
		}
		if err := applyEntries(c, entries); err != nil {
			return err
		}
		var missing []string
		for _, l := range c.Lines {
			if !l.Counted() {
				missing = append(missing, fmt.Sprint(l.ProductID))
			}
		}
		if len(missing) > 0 {
			return shared.Invalid("entries", "missing physical quantity for products "+strings.Join(missing, ","))
		}
		c.Status = StatusPendingValidation
		c.SubmittedBy = actor.ID
		c.SubmittedAt = &now
		return nil
	}, nil)
	if err != nil {
		return Count{}, err
	}
	s.record(ctx, actor, "stockcount:submit", c, map[string]any{"total_variance_value": c.TotalVarianceValue.String()})
	return c, nil
}

// Validate posts one count adjustment per non-zero variance together with
// the status change, then reports the variances to the detector.
func (s *Service) Validate(ctx context.Context, actor shared.Actor, id uuid.UUID) (Count, error) {
	if err := s.policy.Authorize(actor, shared.PermCountValidate); err != nil {
		return Count{}, err
	}
	now := s.now()
	var posted []inventory.Movement
	c, err := s.update(ctx, "stockcount:validate", id, func(c *Count) error {
		if c.Status != StatusPendingValidation {
			return statusConflict(*c)
		}
		c.Status = StatusValidated
		c.ValidatedBy = actor.ID
		c.ValidatedAt = &now
		return nil
	}, func(ctx context.Context, tx Tx, c Count) error {
		movements := adjustments(c, actor, now)
		var err error
		posted, err = s.ledger.Append(ctx, tx.Ledger(), movements...)
		return err
	})
	if err != nil {
		return Count{}, err
	}
	s.ledger.Notify(ctx, posted)
	s.report(ctx, c, now)
	s.record(ctx, actor, "stockcount:validate", c, map[string]any{"adjustments": len(posted), "total_variance_value": c.TotalVarianceValue.String()})
	s.logger.InfoContext(ctx, "count validated", slog.String("number", c.Number), slog.Int("adjustments", len(posted)))
	return c, nil
}

// Reject closes a pending count without touching the ledger.
func (s *Service) Reject(ctx context.Context, actor shared.Actor, id uuid.UUID, reason string) (Count, error) {
	if err := s.policy.Authorize(actor, shared.PermCountReject); err != nil {
		return Count{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Count{}, shared.Invalid("reason", "required")
	}
	now := s.now()
	c, err := s.update(ctx, "stockcount:reject", id, func(c *Count) error {
		if c.Status != StatusPendingValidation {
			return statusConflict(*c)
		}
		c.Status = StatusRejected
		c.RejectedBy = actor.ID
		c.RejectedAt = &now
		c.RejectionReason = reason
		return nil
	}, nil)
	if err != nil {
		return Count{}, err
	}
	s.record(ctx, actor, "stockcount:reject", c, map[string]any{"reason": reason})
	return c, nil
}

// Get loads a count with its lines.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Count, error) {
	return s.repo.Get(ctx, id)
}

// List returns the store's counts, newest first.
func (s *Service) List(ctx context.Context, storeID int64) ([]Count, error) {
	if storeID <= 0 {
		return nil, shared.Invalid("store_id", "required")
	}
	return s.repo.List(ctx, storeID)
}

// update applies mutate to a copy of the count and stores it with a version
// compare-and-set; inTx runs in the same transaction after the CAS.
func (s *Service) update(ctx context.Context, op string, id uuid.UUID, mutate func(*Count) error, inTx func(context.Context, Tx, Count) error) (Count, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Count{}, err
	}
	next := current.clone()
	if err := mutate(&next); err != nil {
		return Count{}, err
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
		return Count{}, s.ledger.Escalate(ctx, op, err)
	}
	return next, nil
}

func applyEntries(c *Count, entries []Entry) error {
	for i, e := range entries {
		idx := c.Line(e.ProductID)
		if idx < 0 {
			return shared.Invalid(fmt.Sprintf("entries[%d].product_id", i), "product is not part of the count")
		}
		if e.PhysicalQty < 0 || math.IsNaN(e.PhysicalQty) || math.IsInf(e.PhysicalQty, 0) {
			return shared.Invalid(fmt.Sprintf("entries[%d].physical_qty", i), "must be a non-negative number")
		}
		qty := e.PhysicalQty
		line := c.Lines[idx]
		line.PhysicalQty = &qty
		if comment := strings.TrimSpace(e.Comment); comment != "" {
			line.Comment = comment
		}
		c.Lines[idx] = Evaluate(line)
	}
	c.TotalVarianceValue = Total(c.Lines)
	return nil
}

func adjustments(c Count, actor shared.Actor, at time.Time) []inventory.Movement {
	var out []inventory.Movement
	for _, l := range c.Lines {
		if math.Abs(l.Variance) < epsilon {
			continue
		}
		out = append(out, inventory.Movement{
			StoreID:    c.StoreID,
			ProductID:  l.ProductID,
			Type:       inventory.MovementCountAdjustment,
			Quantity:   l.Variance,
			Reason:     "count " + c.Number,
			Comment:    l.Comment,
			RecordedBy: actor.ID,
			RecordedAt: at,
			RefModule:  refModule,
			RefID:      c.Number,
		})
	}
	return out
}

func (s *Service) report(ctx context.Context, c Count, at time.Time) {
	if s.signals == nil {
		return
	}
	for _, l := range c.Lines {
		if math.Abs(l.Variance) < epsilon || l.PhysicalQty == nil {
			continue
		}
		_, raised, err := s.signals.ReportDiscrepancy(ctx, variance.Signal{
			Source:    refModule,
			SourceRef: c.Number,
			StoreID:   c.StoreID,
			ProductID: l.ProductID,
			Expected:  l.TheoreticalQty,
			Actual:    *l.PhysicalQty,
			Value:     l.VarianceValue,
			At:        at,
		})
		if err != nil {
			s.logger.WarnContext(ctx, "report count discrepancy", slog.String("number", c.Number), slog.Int64("product_id", l.ProductID), slog.Any("error", err))
			continue
		}
		if raised {
			s.logger.DebugContext(ctx, "count discrepancy alert", slog.String("number", c.Number), slog.Int64("product_id", l.ProductID))
		}
	}
}

func (s *Service) record(ctx context.Context, actor shared.Actor, action string, c Count, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["number"] = c.Number
	meta["status"] = string(c.Status)
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "stock_count",
		EntityID: c.ID.String(),
		Meta:     meta,
		At:       s.now(),
	}); err != nil {
		s.logger.WarnContext(ctx, "audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func statusConflict(c Count) error {
	return shared.Conflict("stock_count", c.ID, fmt.Sprintf("count is %s", c.Status))
}
