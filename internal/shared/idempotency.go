package shared

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrIdempotencyConflict indicates the key was already used for the module.
var ErrIdempotencyConflict = errors.New("idempotent request already processed")

// Idempotency guards retried writes by key. Keys are scoped by module, so one
// client key may be reused across unrelated operations.
type Idempotency interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// KeyStore is an Idempotency whose expired keys can be pruned.
type KeyStore interface {
	Idempotency
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

func checkKey(key, module string) error {
	switch {
	case key == "":
		return Invalid("idempotency_key", "required")
	case len(key) > 128:
		return Invalid("idempotency_key", "at most 128 characters")
	case module == "":
		return errors.New("idempotency module required")
	}
	return nil
}

// IdempotencyStore keeps keys in the idempotency_keys table.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// CheckAndInsert claims key for module or returns ErrIdempotencyConflict.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	if err := checkKey(key, module); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO idempotency_keys (module, key, created_at) VALUES ($1, $2, now())
ON CONFLICT (module, key) DO NOTHING`, module, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIdempotencyConflict
	}
	return nil
}

// Delete releases a key after the guarded write failed.
func (s *IdempotencyStore) Delete(ctx context.Context, key, module string) error {
	if s == nil {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE module = $1 AND key = $2`, module, key)
	return err
}

// Cleanup removes keys claimed before now-olderThan and reports how many.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type memoryKey struct {
	module string
	key    string
}

// MemoryIdempotency is the in-process variant of IdempotencyStore.
type MemoryIdempotency struct {
	mu   sync.Mutex
	keys map[memoryKey]time.Time
	now  func() time.Time
}

// NewMemoryIdempotency constructs an empty key set.
func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{keys: make(map[memoryKey]time.Time), now: time.Now}
}

func (s *MemoryIdempotency) CheckAndInsert(_ context.Context, key, module string) error {
	if err := checkKey(key, module); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memoryKey{module: module, key: key}
	if _, ok := s.keys[k]; ok {
		return ErrIdempotencyConflict
	}
	s.keys[k] = s.now()
	return nil
}

func (s *MemoryIdempotency) Delete(_ context.Context, key, module string) error {
	s.mu.Lock()
	delete(s.keys, memoryKey{module: module, key: key})
	s.mu.Unlock()
	return nil
}

func (s *MemoryIdempotency) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	var removed int64
	for k, at := range s.keys {
		if at.Before(cutoff) {
			delete(s.keys, k)
			removed++
		}
	}
	return removed, nil
}
