package masterdata

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/stockwatch/internal/shared"
)

// MemoryRepository keeps master data in process.
type MemoryRepository struct {
	mu       sync.RWMutex
	products map[int64]Product
	stores   map[int64]Store
	nextID   int64
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		products: make(map[int64]Product),
		stores:   make(map[int64]Store),
	}
}

func (m *MemoryRepository) Product(_ context.Context, id int64) (Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return Product{}, shared.NotFound("product", id)
	}
	return p, nil
}

func (m *MemoryRepository) Store(_ context.Context, id int64) (Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stores[id]
	if !ok {
		return Store{}, shared.NotFound("store", id)
	}
	return s, nil
}

func (m *MemoryRepository) Products(_ context.Context, ids []int64) (map[int64]Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]Product, len(ids))
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *MemoryRepository) ActiveProducts(_ context.Context) ([]Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Product
	for _, p := range m.products {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) ActiveStores(_ context.Context) ([]Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Store
	for _, s := range m.stores {
		if s.Active {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveProduct inserts when ID is zero, otherwise upserts under the given ID.
func (m *MemoryRepository) SaveProduct(_ context.Context, p Product) (Product, error) {
	if err := ValidateProduct(p); err != nil {
		return Product{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.assignID(p.ID)
	p.UpdatedAt = time.Now().UTC()
	m.products[p.ID] = p
	return p, nil
}

// SaveStore inserts when ID is zero, otherwise upserts under the given ID.
func (m *MemoryRepository) SaveStore(_ context.Context, s Store) (Store, error) {
	if err := ValidateStore(s); err != nil {
		return Store{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = m.assignID(s.ID)
	s.UpdatedAt = time.Now().UTC()
	m.stores[s.ID] = s
	return s, nil
}

func (m *MemoryRepository) assignID(id int64) int64 {
	if id == 0 {
		m.nextID++
		return m.nextID
	}
	if id > m.nextID {
		m.nextID = id
	}
	return id
}
