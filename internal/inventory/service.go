package inventory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockwatch/internal/masterdata"
	"github.com/odyssey-erp/stockwatch/internal/rbac"
	"github.com/odyssey-erp/stockwatch/internal/shared"
)

const movementModule = "inventory.movement"

// Listener is notified after movements are committed.
type Listener interface {
	MovementsCommitted(ctx context.Context, movements []Movement)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	PageSize      int
	MaxFutureSkew time.Duration
}

// Service is the movement ledger.
type Service struct {
	store       Store
	directory   masterdata.Directory
	policy      *rbac.Policy
	audit       shared.AuditSink
	idempotency shared.Idempotency
	logger      *slog.Logger
	listeners   []Listener
	cfg         ServiceConfig
	now         func() time.Time
}

// NewService builds Service.
func NewService(store Store, directory masterdata.Directory, policy *rbac.Policy, audit shared.AuditSink, idem shared.Idempotency, logger *slog.Logger, cfg ServiceConfig) *Service {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.MaxFutureSkew <= 0 {
		cfg.MaxFutureSkew = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		directory:   directory,
		policy:      policy,
		audit:       audit,
		idempotency: idem,
		logger:      logger.With(slog.String("component", "inventory")),
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers a commit listener.
func (s *Service) Subscribe(l Listener) {
	s.listeners = append(s.listeners, l)
}

// SetClock overrides the service clock.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Now returns the service clock reading.
func (s *Service) Now() time.Time {
	return s.now()
}

// Store exposes the underlying storage for read-side collaborators.
func (s *Service) Store() Store {
	return s.store
}

// Record validates and appends one movement in its own transaction.
func (s *Service) Record(ctx context.Context, actor shared.Actor, input RecordInput) (Movement, error) {
	if err := s.policy.Authorize(actor, shared.PermMovementRecord); err != nil {
		return Movement{}, err
	}
	m, err := s.buildMovement(ctx, actor, input)
	if err != nil {
		return Movement{}, err
	}

	insertedKey := false
	if input.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, input.IdempotencyKey, movementModule); err != nil {
			return Movement{}, err
		}
		insertedKey = true
	}

	var posted []Movement
	err = s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		posted, err = s.Append(ctx, tx, m)
		return err
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, input.IdempotencyKey, movementModule)
		}
		s.Escalate(ctx, "record movement", err)
		return Movement{}, err
	}
	s.Notify(ctx, posted)
	s.record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   fmt.Sprintf("inventory:%s", m.Type),
		Entity:   "stock_movement",
		EntityID: posted[0].ID.String(),
		Meta: map[string]any{
			"store_id":      m.StoreID,
			"product_id":    m.ProductID,
			"quantity":      m.Quantity,
			"loss_category": m.LossCategory,
		},
	})
	return posted[0], nil
}

func (s *Service) buildMovement(ctx context.Context, actor shared.Actor, input RecordInput) (Movement, error) {
	if !input.Type.Valid() {
		return Movement{}, shared.Invalid("type", "unknown movement type")
	}
	if math.IsNaN(input.Quantity) || math.IsInf(input.Quantity, 0) || math.Abs(input.Quantity) < epsilon {
		return Movement{}, shared.Invalid("quantity", "must be a non-zero number")
	}
	if input.Type == MovementLoss {
		if !input.LossCategory.Valid() {
			return Movement{}, shared.Invalid("loss_category", "spoilage, damage or promotion required for losses")
		}
	} else if input.LossCategory != "" {
		return Movement{}, shared.Invalid("loss_category", "only allowed on loss movements")
	}
	now := s.now()
	recordedAt := input.RecordedAt.UTC()
	if input.RecordedAt.IsZero() {
		recordedAt = now
	}
	if recordedAt.After(now.Add(s.cfg.MaxFutureSkew)) {
		return Movement{}, shared.Invalid("recorded_at", "must not be in the future")
	}

	store, err := s.directory.Store(ctx, input.StoreID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Movement{}, shared.Invalid("store_id", "unknown store")
		}
		return Movement{}, err
	}
	if !store.Active {
		return Movement{}, shared.Invalid("store_id", "store is inactive")
	}
	product, err := s.directory.Product(ctx, input.ProductID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Movement{}, shared.Invalid("product_id", "unknown product")
		}
		return Movement{}, err
	}
	if !product.Active {
		return Movement{}, shared.Invalid("product_id", "product is inactive")
	}

	return Movement{
		StoreID:      input.StoreID,
		ProductID:    input.ProductID,
		Type:         input.Type,
		Quantity:     NormalizeQuantity(input.Type, input.Quantity),
		LossCategory: input.LossCategory,
		Reason:       input.Reason,
		Comment:      input.Comment,
		RecordedBy:   actor.ID,
		RecordedAt:   recordedAt,
	}, nil
}

// NormalizeQuantity applies the type's sign to a magnitude. Count
// adjustments keep the caller's sign.
func NormalizeQuantity(t MovementType, qty float64) float64 {
	if sign := t.Sign(); sign != 0 {
		return sign * math.Abs(qty)
	}
	return qty
}

// Append posts movements inside a caller-owned transaction. Pairs are locked
// in (store, product) order and no pair may end below zero.
func (s *Service) Append(ctx context.Context, tx Tx, movements ...Movement) ([]Movement, error) {
	if len(movements) == 0 {
		return nil, nil
	}
	type pair struct{ store, product int64 }
	positions := make(map[pair]*Position, len(movements))
	keys := make([]pair, 0, len(movements))
	for _, m := range movements {
		if !m.Type.Valid() {
			return nil, shared.Invalid("type", "unknown movement type")
		}
		if math.Abs(m.Quantity) < epsilon {
			return nil, shared.Invalid("quantity", "must not be zero")
		}
		if sign := m.Type.Sign(); sign != 0 && sign*m.Quantity < 0 {
			return nil, &shared.IntegrityError{Op: "inventory.append", Err: fmt.Errorf("%s movement with quantity %.3f", m.Type, m.Quantity)}
		}
		k := pair{m.StoreID, m.ProductID}
		if _, ok := positions[k]; !ok {
			positions[k] = nil
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b pair) int {
		if c := cmp.Compare(a.store, b.store); c != 0 {
			return c
		}
		return cmp.Compare(a.product, b.product)
	})
	for _, k := range keys {
		pos, err := tx.LockStock(ctx, k.store, k.product)
		if err != nil {
			return nil, err
		}
		positions[k] = &pos
	}

	now := s.now()
	posted := make([]Movement, 0, len(movements))
	for _, m := range movements {
		pos := positions[pair{m.StoreID, m.ProductID}]
		next := pos.Quantity + m.Quantity
		if m.Quantity < 0 && next < -epsilon {
			return nil, &shared.InsufficientStockError{
				StoreID:   m.StoreID,
				ProductID: m.ProductID,
				Requested: math.Abs(m.Quantity),
				Available: pos.Quantity,
			}
		}
		pos.Quantity = next
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		if m.RecordedAt.IsZero() {
			m.RecordedAt = now
		}
		if err := tx.InsertMovement(ctx, m); err != nil {
			return nil, err
		}
		posted = append(posted, m)
	}
	return posted, nil
}

// Notify fans committed movements out to listeners. Callers that post through
// Append call it after their transaction commits.
func (s *Service) Notify(ctx context.Context, movements []Movement) {
	if len(movements) == 0 {
		return
	}
	for _, l := range s.listeners {
		l.MovementsCommitted(ctx, movements)
	}
}

// Movements lazily yields the store's movements in the range ordered by
// recorded time, fetching keyset pages on demand.
func (s *Service) Movements(ctx context.Context, storeID int64, rng DateRange, filter Filter) iter.Seq2[Movement, error] {
	return func(yield func(Movement, error) bool) {
		if storeID == 0 {
			yield(Movement{}, shared.Invalid("store_id", "required"))
			return
		}
		if !rng.From.IsZero() && !rng.To.IsZero() && !rng.From.Before(rng.To) {
			yield(Movement{}, shared.Invalid("range", "from must be before to"))
			return
		}
		q := MovementQuery{
			StoreID:        storeID,
			Range:          rng,
			Types:          filter.Types,
			LossCategories: filter.LossCategories,
			ProductIDs:     filter.ProductIDs,
			Limit:          s.cfg.PageSize,
		}
		if filter.Search != "" {
			ids, err := s.searchProducts(ctx, filter.Search, filter.ProductIDs)
			if err != nil {
				yield(Movement{}, err)
				return
			}
			if len(ids) == 0 {
				return
			}
			q.ProductIDs = ids
		}
		for {
			page, err := s.store.ListMovements(ctx, q)
			if err != nil {
				yield(Movement{}, err)
				return
			}
			for _, m := range page {
				if !yield(m, nil) {
					return
				}
			}
			if len(page) < q.Limit {
				return
			}
			last := page[len(page)-1]
			q.AfterTime, q.AfterID = last.RecordedAt, last.ID
		}
	}
}

func (s *Service) searchProducts(ctx context.Context, query string, restrict []int64) ([]int64, error) {
	products, err := s.directory.ActiveProducts(ctx)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, p := range products {
		if len(restrict) > 0 && !slices.Contains(restrict, p.ID) {
			continue
		}
		if matchesText(query, p.Name, p.Category, p.SKU) {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

// CollectMovements drains a movement sequence.
func CollectMovements(seq iter.Seq2[Movement, error]) ([]Movement, error) {
	var out []Movement
	for m, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// StockLevel recomputes the pair's level from the ledger.
func (s *Service) StockLevel(ctx context.Context, storeID, productID int64) (StockLevel, error) {
	if storeID == 0 || productID == 0 {
		return StockLevel{}, shared.Invalid("", "store and product required")
	}
	qty, err := s.store.SumQuantity(ctx, storeID, productID)
	if err != nil {
		s.Escalate(ctx, "stock level", err)
		return StockLevel{}, err
	}
	reserved, inTransit, err := s.store.ReservationTotals(ctx, storeID, productID)
	if err != nil {
		return StockLevel{}, err
	}
	return StockLevel{
		StoreID:           storeID,
		ProductID:         productID,
		Quantity:          qty,
		ReservedQuantity:  reserved,
		InTransitQuantity: inTransit,
		AvailableQuantity: qty - reserved,
	}, nil
}

// Escalate logs integrity violations raised by op at error level and returns
// err unchanged. Callers committing ledger movements in their own transaction
// route failures through it.
func (s *Service) Escalate(ctx context.Context, op string, err error) error {
	if errors.Is(err, shared.ErrIntegrity) {
		s.logger.ErrorContext(ctx, "ledger integrity violation", slog.String("op", op), slog.Bool("escalate", true), slog.Any("error", err))
	}
	return err
}

func (s *Service) record(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.WarnContext(ctx, "audit record failed", slog.String("action", log.Action), slog.Any("error", err))
	}
}
