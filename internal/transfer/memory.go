package transfer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockwatch/internal/inventory"
	"github.com/odyssey-erp/stockwatch/internal/shared"
)

// MemoryRepository keeps transfers next to the memory ledger and publishes
// staged writes in the ledger's commit critical section.
type MemoryRepository struct {
	ledger *inventory.MemoryStore
	locks  *shared.KeyLocks

	mu        sync.RWMutex
	transfers map[uuid.UUID]Transfer
}

// NewMemoryRepository constructs a repository sharing transactions with ledger.
func NewMemoryRepository(ledger *inventory.MemoryStore) *MemoryRepository {
	return &MemoryRepository{
		ledger:    ledger,
		locks:     shared.NewKeyLocks(),
		transfers: make(map[uuid.UUID]Transfer),
	}
}

type memoryTx struct {
	repo    *MemoryRepository
	ledger  *inventory.MemoryTx
	unlock  []func()
	upserts map[uuid.UUID]Transfer
}

// WithTx runs fn inside a ledger transaction.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	mtx := &memoryTx{repo: r, upserts: make(map[uuid.UUID]Transfer)}
	defer mtx.release()
	return r.ledger.WithTx(ctx, func(ctx context.Context, ltx inventory.Tx) error {
		tx, ok := ltx.(*inventory.MemoryTx)
		if !ok {
			return fmt.Errorf("transfer: unexpected ledger tx %T", ltx)
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

func (t *memoryTx) Insert(_ context.Context, tr Transfer) error {
	t.repo.mu.RLock()
	_, exists := t.repo.transfers[tr.ID]
	t.repo.mu.RUnlock()
	if exists {
		return shared.Conflict("transfer", tr.ID, "already exists")
	}
	t.upserts[tr.ID] = tr.clone()
	return nil
}

func (t *memoryTx) Update(ctx context.Context, tr Transfer, expected int64) error {
	if _, staged := t.upserts[tr.ID]; !staged {
		unlock, err := t.repo.locks.Lock(ctx, tr.ID.String())
		if err != nil {
			return err
		}
		t.unlock = append(t.unlock, unlock)
	}
	current, ok := t.upserts[tr.ID]
	if !ok {
		t.repo.mu.RLock()
		current, ok = t.repo.transfers[tr.ID]
		t.repo.mu.RUnlock()
	}
	if !ok {
		return shared.NotFound("transfer", tr.ID)
	}
	if current.Version != expected {
		return shared.Conflict("transfer", tr.ID, "modified concurrently")
	}
	t.upserts[tr.ID] = tr.clone()
	return nil
}

func (t *memoryTx) apply() {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	for id, tr := range t.upserts {
		t.repo.transfers[id] = tr
	}
}

func (t *memoryTx) release() {
	for _, unlock := range t.unlock {
		unlock()
	}
	t.unlock = nil
}

// Get returns a copy of the transfer.
func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (Transfer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tr, ok := r.transfers[id]
	if !ok {
		return Transfer{}, shared.NotFound("transfer", id)
	}
	return tr.clone(), nil
}

// List returns transfers leaving or entering the store, newest first, without lines.
func (r *MemoryRepository) List(_ context.Context, filter ListFilter) ([]Transfer, error) {
	r.mu.RLock()
	out := make([]Transfer, 0)
	for _, tr := range r.transfers {
		if tr.SourceStoreID != filter.StoreID && tr.DestinationStoreID != filter.StoreID {
			continue
		}
		if filter.Status != "" && tr.Status != filter.Status {
			continue
		}
		tr.Lines = nil
		out = append(out, tr)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
