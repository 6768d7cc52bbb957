package shared

import (
	"context"
	"sync"
)

// KeyLocks hands out one mutex per key. Lock honours context cancellation,
// which sync.Mutex does not.
type KeyLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewKeyLocks constructs an empty lock table.
func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: make(map[string]chan struct{})}
}

// Lock blocks until key is free or ctx ends and returns the unlock func.
func (k *KeyLocks) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = make(chan struct{}, 1)
		k.locks[key] = lock
	}
	k.mu.Unlock()

	select {
	case lock <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-lock }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
