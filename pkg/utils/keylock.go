package utils

import (
	"context"
	"sort"
	"sync"
)

// KeyLock serializes work per string key. A batch acquires the locks for
// every entity key it touches and holds them through resolve, reconcile, and
// commit, so merges touching a given node apply in lock-acquisition order and
// never interleave.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewKeyLock creates an empty lock table.
func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[string]chan struct{})}
}

func (kl *KeyLock) channel(key string) chan struct{} {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	ch, ok := kl.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		kl.locks[key] = ch
	}
	return ch
}

// Acquire blocks until the key's lock is held or the context is cancelled.
func (kl *KeyLock) Acquire(ctx context.Context, key string) error {
	select {
	case kl.channel(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the key's lock. Releasing an unheld key is a no-op.
func (kl *KeyLock) Release(key string) {
	kl.mu.Lock()
	ch, ok := kl.locks[key]
	kl.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-ch:
	default:
	}
}

// AcquireAll acquires the locks for all keys in sorted order, which is what
// prevents two batches with overlapping key sets from deadlocking against
// each other. On cancellation every lock acquired so far is released.
func (kl *KeyLock) AcquireAll(ctx context.Context, keys []string) (release func(), err error) {
	unique := make(map[string]bool, len(keys))
	sorted := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" && !unique[k] {
			unique[k] = true
			sorted = append(sorted, k)
		}
	}
	sort.Strings(sorted)

	held := make([]string, 0, len(sorted))
	releaseHeld := func() {
		for i := len(held) - 1; i >= 0; i-- {
			kl.Release(held[i])
		}
	}

	for _, k := range sorted {
		if err := kl.Acquire(ctx, k); err != nil {
			releaseHeld()
			return nil, err
		}
		held = append(held, k)
	}
	return releaseHeld, nil
}
