package variance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockwatch/internal/shared"
)

// MemoryRepository keeps alerts in process.
type MemoryRepository struct {
	mu     sync.RWMutex
	alerts map[uuid.UUID]Alert
	active map[string]uuid.UUID
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		alerts: make(map[uuid.UUID]Alert),
		active: make(map[string]uuid.UUID),
	}
}

// InsertIfAbsent implements Repository.
func (m *MemoryRepository) InsertIfAbsent(_ context.Context, a Alert) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := a.DedupeKey()
	if _, ok := m.active[key]; ok {
		return false, nil
	}
	m.alerts[a.ID] = clone(a)
	m.active[key] = a.ID
	return true, nil
}

// Get implements Repository.
func (m *MemoryRepository) Get(_ context.Context, id uuid.UUID) (Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return Alert{}, shared.NotFound("variance_alert", id)
	}
	return clone(a), nil
}

// Active implements Repository.
func (m *MemoryRepository) Active(_ context.Context, storeID int64) ([]Alert, error) {
	out := m.filter(func(a Alert) bool {
		return !a.Resolved && (storeID == 0 || a.StoreID == storeID)
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.After(out[j].DetectedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// DetectedSince implements Repository.
func (m *MemoryRepository) DetectedSince(_ context.Context, storeID int64, since time.Time) ([]Alert, error) {
	out := m.filter(func(a Alert) bool {
		return !a.DetectedAt.Before(since) && (storeID == 0 || a.StoreID == storeID)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

// Resolve implements Repository.
func (m *MemoryRepository) Resolve(_ context.Context, id uuid.UUID, by int64, at time.Time, note string) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return Alert{}, shared.NotFound("variance_alert", id)
	}
	if a.Resolved {
		return Alert{}, shared.Conflict("variance_alert", id, "already resolved")
	}
	a.Resolved = true
	a.ResolvedBy = by
	a.ResolvedAt = &at
	a.ResolutionNote = note
	m.alerts[id] = a
	delete(m.active, a.DedupeKey())
	return clone(a), nil
}

func (m *MemoryRepository) filter(keep func(Alert) bool) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Alert
	for _, a := range m.alerts {
		if keep(a) {
			out = append(out, clone(a))
		}
	}
	return out
}

func clone(a Alert) Alert {
	a.RecommendedActions = append([]string(nil), a.RecommendedActions...)
	if a.ResolvedAt != nil {
		at := *a.ResolvedAt
		a.ResolvedAt = &at
	}
	return a
}
