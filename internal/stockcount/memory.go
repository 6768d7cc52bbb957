package stockcount

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockwatch/internal/inventory"
	"github.com/odyssey-erp/stockwatch/internal/shared"
)

// MemoryRepository keeps counts in process next to the memory ledger.
// Staged count writes are published in the ledger's commit critical section.
type MemoryRepository struct {
	ledger *inventory.MemoryStore
	locks  *shared.KeyLocks

	mu     sync.RWMutex
	counts map[uuid.UUID]Count
}

// NewMemoryRepository constructs a repository sharing transactions with ledger.
func NewMemoryRepository(ledger *inventory.MemoryStore) *MemoryRepository {
	return &MemoryRepository{
		ledger: ledger,
		locks:  shared.NewKeyLocks(),
		counts: make(map[uuid.UUID]Count),
	}
}

type memoryTx struct {
	repo     *MemoryRepository
	ledger   *inventory.MemoryTx
	unlock   []func()
	held     map[string]struct{}
	upserts  map[uuid.UUID]Count
	newStore map[int64]struct{}
}

// WithTx runs fn inside a ledger transaction.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	mtx := &memoryTx{
		repo:     r,
		held:     make(map[string]struct{}),
		upserts:  make(map[uuid.UUID]Count),
		newStore: make(map[int64]struct{}),
	}
	defer mtx.release()
	return r.ledger.WithTx(ctx, func(ctx context.Context, ltx inventory.Tx) error {
		tx, ok := ltx.(*inventory.MemoryTx)
		if !ok {
			return fmt.Errorf("stockcount: unexpected ledger tx %T", ltx)
		}
		mtx.ledger = tx
		if err := fn(ctx, mtx); err != nil {
			return err
		}
		tx.OnCommit(mtx.apply)
		return nil
	})
}

func (t *memoryTx) Ledger() inventory.Tx { return t.ledger }

func (t *memoryTx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	unlock, err := t.repo.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	t.held[key] = struct{}{}
	t.unlock = append(t.unlock, unlock)
	return nil
}

func (t *memoryTx) Insert(ctx context.Context, c Count) error {
	if err := t.lock(ctx, fmt.Sprintf("store:%d", c.StoreID)); err != nil {
		return err
	}
	if _, ok := t.newStore[c.StoreID]; ok {
		return shared.Conflict("stock_count", c.StoreID, "store already has an active count")
	}
	t.repo.mu.RLock()
	for _, existing := range t.repo.counts {
		if existing.StoreID == c.StoreID && existing.Status.Active() {
			t.repo.mu.RUnlock()
			return shared.Conflict("stock_count", c.StoreID, "store already has an active count")
		}
	}
	t.repo.mu.RUnlock()
	t.newStore[c.StoreID] = struct{}{}
	t.upserts[c.ID] = c.clone()
	return nil
}

func (t *memoryTx) Update(ctx context.Context, c Count, expected int64) error {
	if err := t.lock(ctx, "count:"+c.ID.String()); err != nil {
		return err
	}
	current, ok := t.upserts[c.ID]
	if !ok {
		t.repo.mu.RLock()
		current, ok = t.repo.counts[c.ID]
		t.repo.mu.RUnlock()
	}
	if !ok {
		return shared.NotFound("stock_count", c.ID)
	}
	if current.Version != expected {
		return shared.Conflict("stock_count", c.ID, "modified concurrently")
	}
	t.upserts[c.ID] = c.clone()
	return nil
}

func (t *memoryTx) apply() {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	for id, c := range t.upserts {
		t.repo.counts[id] = c
	}
}

func (t *memoryTx) release() {
	for _, unlock := range t.unlock {
		unlock()
	}
	t.unlock = nil
}

// Get returns a copy of the count.
func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (Count, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.counts[id]
	if !ok {
		return Count{}, shared.NotFound("stock_count", id)
	}
	return c.clone(), nil
}

// List returns the store's counts, newest first, without lines.
func (r *MemoryRepository) List(_ context.Context, storeID int64) ([]Count, error) {
	r.mu.RLock()
	out := make([]Count, 0)
	for _, c := range r.counts {
		if c.StoreID == storeID {
			c.Lines = nil
			out = append(out, c)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
