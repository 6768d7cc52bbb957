package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyLocksSerialisesPerKey(t *testing.T) {
	locks := NewKeyLocks()
	ctx := context.Background()

	unlock, err := locks.Lock(ctx, "count:1")
	require.NoError(t, err)

	other, err := locks.Lock(ctx, "count:2")
	require.NoError(t, err)
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(waitCtx, "count:1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan func(), 1)
	go func() {
		next, err := locks.Lock(ctx, "count:1")
		if err == nil {
			acquired <- next
		}
	}()
	unlock()
	unlock()
	select {
	case next := <-acquired:
		next()
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the released key")
	}
}

func TestMemoryIdempotency(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotency()

	require.NoError(t, store.CheckAndInsert(ctx, "k-1", "inventory.movement"))
	require.ErrorIs(t, store.CheckAndInsert(ctx, "k-1", "inventory.movement"), ErrIdempotencyConflict)
	require.NoError(t, store.CheckAndInsert(ctx, "k-1", "transfer.create"))
	require.NoError(t, store.Delete(ctx, "k-1", "inventory.movement"))
	require.NoError(t, store.CheckAndInsert(ctx, "k-1", "inventory.movement"))
	require.ErrorIs(t, store.CheckAndInsert(ctx, "", "inventory.movement"), ErrValidation)
}

func TestMemoryIdempotencyCleanup(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryIdempotency()
	store.now = func() time.Time { return now }

	require.NoError(t, store.CheckAndInsert(ctx, "old", "inventory.movement"))
	now = now.Add(48 * time.Hour)
	require.NoError(t, store.CheckAndInsert(ctx, "fresh", "inventory.movement"))

	removed, err := store.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)
	require.NoError(t, store.CheckAndInsert(ctx, "old", "inventory.movement"))
	require.ErrorIs(t, store.CheckAndInsert(ctx, "fresh", "inventory.movement"), ErrIdempotencyConflict)
}

func TestMemoryAuditLog(t *testing.T) {
	log := NewMemoryAuditLog()
	require.Error(t, log.Record(context.Background(), AuditLog{Action: "transfer:create"}))
	require.NoError(t, log.Record(context.Background(), AuditLog{ActorID: 3, Action: "transfer:create", Entity: "transfer", EntityID: "TRF-2026-00001"}))

	entries := log.Entries()
	require.Len(t, entries, 1)
	require.False(t, entries[0].At.IsZero())
}

func TestNewPagination(t *testing.T) {
	p := NewPagination(0, 0, 41)
	require.Equal(t, Pagination{Page: 1, PerPage: 20, Total: 41, TotalPages: 3}, p)
}

func TestErrorTaxonomy(t *testing.T) {
	require.True(t, errors.Is(NotFound("store", 4), ErrNotFound))
	require.True(t, errors.Is(Invalid("quantity", "must be positive"), ErrValidation))
}
