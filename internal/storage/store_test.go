package storage_test

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/pixelcanvas/internal/canvas"
	"github.com/dreamware/pixelcanvas/internal/storage"
	"github.com/dreamware/pixelcanvas/internal/storage/storagetest"
)

// TestMemoryStoreContract runs the shared conformance suite
func TestMemoryStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return storage.NewMemoryStore()
	})
}

// TestStoreInterface verifies MemoryStore implements Store
func TestStoreInterface(t *testing.T) {
	var _ storage.Store = (*storage.MemoryStore)(nil)
}

// TestMemoryStore covers behaviour specific to the memory backend
func TestMemoryStore(t *testing.T) {
	t.Run("new store is empty", func(t *testing.T) {
		store := storage.NewMemoryStore()

		seq, err := store.All(context.Background())
		require.NoError(t, err)
		assert.Empty(t, slices.Collect(seq))

		_, err = store.Get(context.Background(), "0_0")
		assert.ErrorIs(t, err, storage.ErrPixelNotFound)
	})

	t.Run("default clock stamps writes", func(t *testing.T) {
		store := storage.NewMemoryStore()
		before := time.Now()

		p, err := store.Set(context.Background(), 1, 1, "red")
		require.NoError(t, err)

		assert.False(t, p.UpdatedAt.Before(before))
		assert.False(t, p.UpdatedAt.After(time.Now()))
	})

	t.Run("cancelled context", func(t *testing.T) {
		store := storage.NewMemoryStore()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := store.Set(ctx, 1, 1, "red")
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.All(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("iteration stops early", func(t *testing.T) {
		store := storage.NewMemoryStore()
		for i := int32(0); i < 10; i++ {
			_, err := store.Set(context.Background(), i, 0, "red")
			require.NoError(t, err)
		}

		seq, err := store.All(context.Background())
		require.NoError(t, err)

		seen := 0
		for range seq {
			seen++
			if seen == 3 {
				break
			}
		}
		assert.Equal(t, 3, seen)
	})

	t.Run("close is a no-op", func(t *testing.T) {
		assert.NoError(t, storage.NewMemoryStore().Close())
	})
}

// TestMemoryStoreConcurrency tests thread-safe concurrent access at higher volume
func TestMemoryStoreConcurrency(t *testing.T) {
	t.Run("concurrent mixed operations", func(t *testing.T) {
		store := storage.NewMemoryStore()
		ctx := context.Background()

		var wg sync.WaitGroup
		numGoroutines := 50
		wg.Add(numGoroutines * 3)

		// Writers
		for i := 0; i < numGoroutines; i++ {
			go func(id int) {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					store.Set(ctx, int32(j), 0, fmt.Sprintf("writer-%d", id))
				}
			}(i)
		}

		// Deleters
		for i := 0; i < numGoroutines; i++ {
			go func(id int) {
				defer wg.Done()
				for j := 0; j < 100; j += 10 {
					store.Delete(ctx, canvas.PixelKey(int32(j), 0))
				}
			}(i)
		}

		// Scanners
		for i := 0; i < numGoroutines; i++ {
			go func(id int) {
				defer wg.Done()
				for j := 0; j < 10; j++ {
					store.All(ctx)
					time.Sleep(time.Microsecond)
				}
			}(i)
		}

		wg.Wait()

		// Store should still be functional
		_, err := store.Set(ctx, 999, 999, "final")
		require.NoError(t, err)
		got, err := store.Get(ctx, canvas.PixelKey(999, 999))
		require.NoError(t, err)
		assert.Equal(t, "final", got.Color)
	})
}
