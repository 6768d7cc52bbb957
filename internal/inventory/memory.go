package inventory

import (
	"context"
	"errors"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockwatch/internal/shared"
)

var (
	errNotLocked  = errors.New("stock pair not locked before insert")
	errLevelDrift = errors.New("cached level differs from ledger sum")
)

// MemoryStore is the in-process ledger used by the memory storage driver and tests.
// Writers of one (store, product) pair are serialised by a per-key lock; a
// transaction stages its writes and applies them in one critical section.
type MemoryStore struct {
	mu           sync.RWMutex
	movements    []Movement
	levels       map[string]float64
	reservations map[uuid.UUID]map[int64]Reservation

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// NewMemoryStore constructs an empty ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		levels:       make(map[string]float64),
		reservations: make(map[uuid.UUID]map[int64]Reservation),
		locks:        make(map[string]chan struct{}),
	}
}

// MemoryTx stages ledger writes until commit.
type MemoryTx struct {
	store        *MemoryStore
	held         map[string]chan struct{}
	movements    []Movement
	deltas       map[string]float64
	reservations map[uuid.UUID]map[int64]Reservation
	hooks        []func()
}

// WithTx runs fn and applies its staged writes atomically when fn succeeds.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	tx := &MemoryTx{
		store:        s,
		held:         make(map[string]chan struct{}),
		deltas:       make(map[string]float64),
		reservations: make(map[uuid.UUID]map[int64]Reservation),
	}
	defer tx.release()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// OnCommit registers apply to run inside the commit critical section. Memory
// repositories of other modules use it to publish their document changes
// together with the movements.
func (tx *MemoryTx) OnCommit(apply func()) {
	tx.hooks = append(tx.hooks, apply)
}

func (tx *MemoryTx) commit() {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.movements = append(s.movements, tx.movements...)
	for key, delta := range tx.deltas {
		s.levels[key] += delta
	}
	for transferID, lines := range tx.reservations {
		current, ok := s.reservations[transferID]
		if !ok {
			current = make(map[int64]Reservation)
			s.reservations[transferID] = current
		}
		for productID, r := range lines {
			current[productID] = r
		}
	}
	for _, apply := range tx.hooks {
		apply()
	}
}

func (tx *MemoryTx) release() {
	for _, lock := range tx.held {
		<-lock
	}
	tx.held = nil
}

func (s *MemoryStore) keyLock(key string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[key] = lock
	}
	return lock
}

// LockStock acquires the pair's lock, waiting until it is free or ctx ends.
func (tx *MemoryTx) LockStock(ctx context.Context, storeID, productID int64) (Position, error) {
	key := shared.StockKey(storeID, productID)
	if _, ok := tx.held[key]; !ok {
		lock := tx.store.keyLock(key)
		select {
		case lock <- struct{}{}:
			tx.held[key] = lock
		case <-ctx.Done():
			return Position{}, ctx.Err()
		}
	}
	s := tx.store
	pos := Position{StoreID: storeID, ProductID: productID}
	merged := make(map[uuid.UUID]Reservation)
	s.mu.RLock()
	pos.Quantity = s.levels[key]
	for transferID, lines := range s.reservations {
		if r, ok := lines[productID]; ok {
			merged[transferID] = r
		}
	}
	s.mu.RUnlock()
	for transferID, lines := range tx.reservations {
		if r, ok := lines[productID]; ok {
			merged[transferID] = r
		}
	}
	for _, r := range merged {
		if r.StoreID == storeID && r.State == ReservationHeld {
			pos.Reserved += r.Quantity
		}
	}
	pos.Quantity += tx.deltas[key]
	return pos, nil
}

// InsertMovement stages a movement. The pair must be locked.
func (tx *MemoryTx) InsertMovement(_ context.Context, m Movement) error {
	key := shared.StockKey(m.StoreID, m.ProductID)
	if _, ok := tx.held[key]; !ok {
		return &shared.IntegrityError{Op: "inventory.insert_movement", Err: errNotLocked}
	}
	tx.movements = append(tx.movements, m)
	tx.deltas[key] += m.Quantity
	return nil
}

// SaveReservation stages a reservation upsert.
func (tx *MemoryTx) SaveReservation(_ context.Context, r Reservation) error {
	lines, ok := tx.reservations[r.TransferID]
	if !ok {
		lines = make(map[int64]Reservation)
		tx.reservations[r.TransferID] = lines
	}
	lines[r.ProductID] = r
	return nil
}

// Reservations lists committed reservations overlaid with staged ones.
func (tx *MemoryTx) Reservations(_ context.Context, transferID uuid.UUID) ([]Reservation, error) {
	merged := make(map[int64]Reservation)
	tx.store.mu.RLock()
	for productID, r := range tx.store.reservations[transferID] {
		merged[productID] = r
	}
	tx.store.mu.RUnlock()
	for productID, r := range tx.reservations[transferID] {
		merged[productID] = r
	}
	out := make([]Reservation, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

// ListMovements returns one keyset page ordered by (recorded_at, id).
func (s *MemoryStore) ListMovements(_ context.Context, q MovementQuery) ([]Movement, error) {
	s.mu.RLock()
	var matched []Movement
	for _, m := range s.movements {
		if m.StoreID != q.StoreID || !q.Range.Contains(m.RecordedAt) {
			continue
		}
		if len(q.Types) > 0 && !slices.Contains(q.Types, m.Type) {
			continue
		}
		if len(q.LossCategories) > 0 && !slices.Contains(q.LossCategories, m.LossCategory) {
			continue
		}
		if len(q.ProductIDs) > 0 && !slices.Contains(q.ProductIDs, m.ProductID) {
			continue
		}
		if !q.AfterTime.IsZero() && !after(m, q.AfterTime, q.AfterID) {
			continue
		}
		matched = append(matched, m)
	}
	s.mu.RUnlock()
	sortMovements(matched)
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

// SumQuantity recomputes the stock level from the ledger.
func (s *MemoryStore) SumQuantity(_ context.Context, storeID, productID int64) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum float64
	for _, m := range s.movements {
		if m.StoreID == storeID && m.ProductID == productID {
			sum += m.Quantity
		}
	}
	if !nearlyEqual(sum, s.levels[shared.StockKey(storeID, productID)]) {
		return 0, &shared.IntegrityError{Op: "inventory.sum_quantity", Err: errLevelDrift}
	}
	return sum, nil
}

// ReservationTotals returns held quantity at the store and shipped quantity leaving it.
func (s *MemoryStore) ReservationTotals(_ context.Context, storeID, productID int64) (float64, float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var reserved, inTransit float64
	for _, lines := range s.reservations {
		r, ok := lines[productID]
		if !ok || r.StoreID != storeID {
			continue
		}
		switch r.State {
		case ReservationHeld:
			reserved += r.Quantity
		case ReservationShipped:
			inTransit += r.Quantity
		}
	}
	return reserved, inTransit, nil
}

func (s *MemoryStore) selectMovements(q AggregateQuery) []Movement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Movement
	for _, m := range s.movements {
		if m.StoreID != q.StoreID || !q.Range.Contains(m.RecordedAt) {
			continue
		}
		if q.ProductID != 0 && m.ProductID != q.ProductID {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Totals sums the selected movements by type and loss category.
func (s *MemoryStore) Totals(_ context.Context, q AggregateQuery) (Totals, error) {
	totals := NewTotals()
	for _, m := range s.selectMovements(q) {
		totals.Add(m)
	}
	return totals, nil
}

// TotalsByProduct sums the selected movements per product.
func (s *MemoryStore) TotalsByProduct(_ context.Context, q AggregateQuery) (map[int64]Totals, error) {
	out := make(map[int64]Totals)
	for _, m := range s.selectMovements(q) {
		totals, ok := out[m.ProductID]
		if !ok {
			totals = NewTotals()
			out[m.ProductID] = totals
		}
		totals.Add(m)
	}
	return out, nil
}

// DailyTotals sums the selected movements per UTC day, ordered by day.
func (s *MemoryStore) DailyTotals(_ context.Context, q AggregateQuery) ([]DailyTotal, error) {
	rows := make([]totalsRow, 0)
	for _, m := range s.selectMovements(q) {
		rows = append(rows, totalsRow{Day: m.RecordedAt.UTC(), Type: m.Type, LossCategory: m.LossCategory, Quantity: m.Quantity})
	}
	return foldDaily(rows), nil
}

func after(m Movement, t time.Time, id uuid.UUID) bool {
	if m.RecordedAt.After(t) {
		return true
	}
	return m.RecordedAt.Equal(t) && compareUUID(m.ID, id) > 0
}

func sortMovements(ms []Movement) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].RecordedAt.Equal(ms[j].RecordedAt) {
			return ms[i].RecordedAt.Before(ms[j].RecordedAt)
		}
		return compareUUID(ms[i].ID, ms[j].ID) < 0
	})
}

func sortDays(days []time.Time) {
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
}

func compareUUID(a, b uuid.UUID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func nearlyEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}
