package utils

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLockSerializesPerKey(t *testing.T) {
	t.Parallel()

	kl := NewKeyLock()
	ctx := context.Background()

	var mu sync.Mutex
	order := []int{}
	inCritical := 0
	maxInCritical := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			require.NoError(t, kl.Acquire(ctx, "Person/ada"))
			defer kl.Release("Person/ada")

			mu.Lock()
			inCritical++
			if inCritical > maxInCritical {
				maxInCritical = inCritical
			}
			order = append(order, n)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, maxInCritical, "critical sections must not overlap")
	assert.Len(t, order, 8)
}

func TestKeyLockIndependentKeys(t *testing.T) {
	t.Parallel()

	kl := NewKeyLock()
	ctx := context.Background()

	require.NoError(t, kl.Acquire(ctx, "Person/ada"))
	defer kl.Release("Person/ada")

	// An unrelated key must not block.
	done := make(chan struct{})
	go func() {
		_ = kl.Acquire(ctx, "Org/mit")
		kl.Release("Org/mit")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent key blocked")
	}
}

func TestKeyLockAcquireCancelled(t *testing.T) {
	t.Parallel()

	kl := NewKeyLock()
	require.NoError(t, kl.Acquire(context.Background(), "k"))
	defer kl.Release("k")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := kl.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyLockAcquireAll(t *testing.T) {
	t.Parallel()

	kl := NewKeyLock()
	ctx := context.Background()

	release, err := kl.AcquireAll(ctx, []string{"b", "a", "a", "", "c"})
	require.NoError(t, err)

	// All three keys are held.
	shortCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.Error(t, kl.Acquire(shortCtx, "a"))

	release()

	// Released keys are reacquirable.
	require.NoError(t, kl.Acquire(ctx, "a"))
	kl.Release("a")
}

func TestWorkerPoolProcessItems(t *testing.T) {
	t.Parallel()

	pool := NewWorkerPool(4, func(ctx context.Context, item int) (int, error) {
		return item * 2, nil
	})
	results, errs := pool.ProcessItems(context.Background(), []int{1, 2, 3, 4, 5})
	require.Len(t, results, 5)
	for i, r := range results {
		assert.NoError(t, errs[i])
		assert.Equal(t, (i+1)*2, r)
	}
}

func TestWorkerPoolRecoversPanic(t *testing.T) {
	t.Parallel()

	pool := NewWorkerPool(2, func(ctx context.Context, item int) (int, error) {
		if item == 2 {
			panic("boom")
		}
		return item, nil
	})
	_, errs := pool.ProcessItems(context.Background(), []int{1, 2, 3})
	assert.NoError(t, errs[0])
	assert.Error(t, errs[1])
	assert.NoError(t, errs[2])
}

func TestChunk(t *testing.T) {
	t.Parallel()

	batches := Chunk([]int{1, 2, 3, 4, 5}, 2)
	require.Len(t, batches, 3)
	assert.Equal(t, []int{1, 2}, batches[0])
	assert.Equal(t, []int{5}, batches[2])

	assert.Nil(t, Chunk([]int{}, 2))
}
