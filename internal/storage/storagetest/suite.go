package storagetest

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
)

// Epoch is the fixed start time used by the suite's clocks.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Factory opens a fresh, empty store for one subtest.
// The factory is responsible for registering cleanup with t.
type Factory func(t *testing.T) storage.Store

// Run exercises the storage.Store contract against the stores produced by open.
func Run(t *testing.T, open Factory) {
	t.Run("last write wins", func(t *testing.T) { testLastWriteWins(t, open) })
	t.Run("key isolation", func(t *testing.T) { testKeyIsolation(t, open) })
	t.Run("idempotent delete", func(t *testing.T) { testIdempotentDelete(t, open) })
	t.Run("any color accepted", func(t *testing.T) { testAnyColor(t, open) })
	t.Run("same color refreshes timestamp", func(t *testing.T) { testSameColorRefresh(t, open) })
	t.Run("timestamp never decreases", func(t *testing.T) { testMonotonicTimestamp(t, open) })
	t.Run("delete stale rechecks timestamp", func(t *testing.T) { testDeleteStale(t, open) })
	t.Run("snapshot ignores later writes", func(t *testing.T) { testSnapshot(t, open) })
	t.Run("schedule is a singleton", func(t *testing.T) { testScheduleSingleton(t, open) })
	t.Run("change notifications", func(t *testing.T) { testChanges(t, open) })
	t.Run("stats", func(t *testing.T) { testStats(t, open) })
	t.Run("concurrent writers", func(t *testing.T) { testConcurrentWriters(t, open) })
	t.Run("concurrent same key", func(t *testing.T) { testConcurrentSameKey(t, open) })
}

func openWithClock(t *testing.T, open Factory) (storage.Store, *Clock) {
	t.Helper()
	store := open(t)
	clock := NewClock(Epoch)
	store.SetClock(clock.Now)
	return store, clock
}

func testLastWriteWins(t *testing.T, open Factory) {
	ctx := context.Background()
	store, clock := openWithClock(t, open)

	_, err := store.Set(ctx, 3, 4, "red")
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	written, err := store.Set(ctx, 3, 4, "blue")
	require.NoError(t, err)
	assert.Equal(t, "blue", written.Color)

	clock.Advance(time.Second)
	got, err := store.Get(ctx, canvas.PixelKey(3, 4))
	require.NoError(t, err)
	assert.Equal(t, "blue", got.Color)
	assert.Equal(t, int32(3), got.X)
	assert.Equal(t, int32(4), got.Y)
	assert.WithinDuration(t, Epoch.Add(5*time.Second), got.UpdatedAt, 0)

	seq, err := store.All(ctx)
	require.NoError(t, err)
	pixels := slices.Collect(seq)
	require.Len(t, pixels, 1, "a replaced pixel must not leave a second entry")
	assert.Equal(t, "blue", pixels[0].Color)
}

func testKeyIsolation(t *testing.T, open Factory) {
	ctx := context.Background()
	store, _ := openWithClock(t, open)

	_, err := store.Set(ctx, 1, 1, "green")
	require.NoError(t, err)
	_, err = store.Set(ctx, 1, 2, "purple")
	require.NoError(t, err)
	_, err = store.Set(ctx, 2, 1, "orange")
	require.NoError(t, err)

	got, err := store.Get(ctx, canvas.PixelKey(1, 1))
	require.NoError(t, err)
	assert.Equal(t, "green", got.Color)

	_, err = store.Get(ctx, canvas.PixelKey(9, 9))
	assert.ErrorIs(t, err, storage.ErrPixelNotFound)
}

func testIdempotentDelete(t *testing.T, open Factory) {
	ctx := context.Background()
	store, _ := openWithClock(t, open)

	_, err := store.Set(ctx, 5, 5, "black")
	require.NoError(t, err)
	_, err = store.Set(ctx, 6, 6, "white")
	require.NoError(t, err)

	key := canvas.PixelKey(5, 5)
	require.NoError(t, store.Delete(ctx, key))
	require.NoError(t, store.Delete(ctx, key))
	require.NoError(t, store.Delete(ctx, canvas.PixelKey(100, 100)))

	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, storage.ErrPixelNotFound)

	seq, err := store.All(ctx)
	require.NoError(t, err)
	pixels := slices.Collect(seq)
	require.Len(t, pixels, 1)
	assert.Equal(t, canvas.PixelKey(6, 6), pixels[0].Key)
}

func testAnyColor(t *testing.T, open Factory) {
	ctx := context.Background()
	store, _ := openWithClock(t, open)

	colors := []string{"", "#zzz", "not a color", "rgba(1,2,3,0.5)", "🟥"}
	for i, color := range colors {
		_, err := store.Set(ctx, int32(i), 0, color)
		require.NoError(t, err, "color %q", color)

		got, err := store.Get(ctx, canvas.PixelKey(int32(i), 0))
		require.NoError(t, err)
		assert.Equal(t, color, got.Color)
	}
}

func testSameColorRefresh(t *testing.T, open Factory) {
	ctx := context.Background()
	store, clock := openWithClock(t, open)

	_, err := store.Set(ctx, 0, 0, "red")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = store.Set(ctx, 0, 0, "red")
	require.NoError(t, err)

	got, err := store.Get(ctx, canvas.PixelKey(0, 0))
	require.NoError(t, err)
	assert.WithinDuration(t, Epoch.Add(time.Hour), got.UpdatedAt, 0)
}

func testMonotonicTimestamp(t *testing.T, open Factory) {
	ctx := context.Background()
	store, clock := openWithClock(t, open)

	clock.Advance(time.Minute)
	_, err := store.Set(ctx, 7, 7, "red")
	require.NoError(t, err)

	clock.Advance(-30 * time.Second)
	written, err := store.Set(ctx, 7, 7, "blue")
	require.NoError(t, err)
	assert.Equal(t, "blue", written.Color)
	assert.WithinDuration(t, Epoch.Add(time.Minute), written.UpdatedAt, 0)

	got, err := store.Get(ctx, canvas.PixelKey(7, 7))
	require.NoError(t, err)
	assert.Equal(t, "blue", got.Color)
	assert.WithinDuration(t, Epoch.Add(time.Minute), got.UpdatedAt, 0)
}

func testDeleteStale(t *testing.T, open Factory) {
	ctx := context.Background()
	store, clock := openWithClock(t, open)
	key := canvas.PixelKey(1, 1)

	_, err := store.Set(ctx, 1, 1, "green")
	require.NoError(t, err)

	// not yet stale: written exactly at cutoff
	removed, err := store.DeleteStale(ctx, key, Epoch)
	require.NoError(t, err)
	assert.False(t, removed)

	// rewritten after the caller's snapshot: must survive
	clock.Advance(10 * time.Second)
	_, err = store.Set(ctx, 1, 1, "green")
	require.NoError(t, err)
	removed, err = store.DeleteStale(ctx, key, Epoch.Add(5*time.Second))
	require.NoError(t, err)
	assert.False(t, removed)
	_, err = store.Get(ctx, key)
	require.NoError(t, err)

	removed, err = store.DeleteStale(ctx, key, Epoch.Add(11*time.Second))
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, storage.ErrPixelNotFound)

	removed, err = store.DeleteStale(ctx, key, Epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, removed, "absent key is a no-op")
}

func testSnapshot(t *testing.T, open Factory) {
	ctx := context.Background()
	store, _ := openWithClock(t, open)

	for i := int32(0); i < 5; i++ {
		_, err := store.Set(ctx, i, i, "red")
		require.NoError(t, err)
	}

	seq, err := store.All(ctx)
	require.NoError(t, err)

	_, err = store.Set(ctx, 50, 50, "blue")
	require.NoError(t, err)
	_, err = store.Set(ctx, 0, 0, "blue")
	require.NoError(t, err)

	pixels := slices.Collect(seq)
	assert.Len(t, pixels, 5)
	for _, p := range pixels {
		assert.Equal(t, "red", p.Color, "snapshot must not see writes after it was taken")
	}
}

func testScheduleSingleton(t *testing.T, open Factory) {
	ctx := context.Background()
	store, _ := openWithClock(t, open)

	_, err := store.Schedule(ctx)
	assert.ErrorIs(t, err, storage.ErrScheduleNotFound)

	count, err := store.CountSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	first, created, err := store.EnsureSchedule(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, time.Second, first.Interval)

	second, created, err := store.EnsureSchedule(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, time.Second, second.Interval, "existing schedule is never mutated")

	count, err = store.CountSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored, err := store.Schedule(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, stored.ID)
	assert.Equal(t, time.Second, stored.Interval)
}

func testChanges(t *testing.T, open Factory) {
	ctx := context.Background()
	store, clock := openWithClock(t, open)

	var mu sync.Mutex
	var changes []canvas.Change
	store.SetOnChange(func(c canvas.Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	_, err := store.Set(ctx, 1, 2, "red")
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, canvas.PixelKey(1, 2)))
	require.NoError(t, store.Delete(ctx, canvas.PixelKey(1, 2)))

	_, err = store.Set(ctx, 3, 3, "blue")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = store.DeleteStale(ctx, canvas.PixelKey(3, 3), Epoch)
	require.NoError(t, err)
	_, err = store.DeleteStale(ctx, canvas.PixelKey(3, 3), Epoch.Add(time.Second))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 4, "no-op deletes must not notify")
	assert.Equal(t, canvas.ChangeSet, changes[0].Type)
	assert.Equal(t, "red", changes[0].Pixel.Color)
	assert.Equal(t, canvas.ChangeDelete, changes[1].Type)
	assert.Equal(t, canvas.PixelKey(1, 2), changes[1].Pixel.Key)
	assert.Equal(t, canvas.ChangeSet, changes[2].Type)
	assert.Equal(t, canvas.ChangeDelete, changes[3].Type)
	assert.Equal(t, canvas.PixelKey(3, 3), changes[3].Pixel.Key)
}

func testStats(t *testing.T, open Factory) {
	ctx := context.Background()
	store, _ := openWithClock(t, open)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pixels)
	assert.Equal(t, 0, stats.Bytes)

	_, err = store.Set(ctx, 1, 1, "red") // 3 bytes
	require.NoError(t, err)
	_, err = store.Set(ctx, 2, 2, "blue") // 4 bytes
	require.NoError(t, err)
	_, err = store.Set(ctx, 2, 2, "yellow") // replaces, 6 bytes
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, canvas.PixelKey(1, 1)))

	stats, err = store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pixels)
	assert.Equal(t, 6, stats.Bytes)
	assert.Equal(t, uint64(3), stats.Ops.Sets)
	assert.Equal(t, uint64(1), stats.Ops.Deletes)
}

func testConcurrentWriters(t *testing.T, open Factory) {
	ctx := context.Background()
	store, _ := openWithClock(t, open)

	numWriters := 10
	numWrites := 20

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numWrites; j++ {
				if _, err := store.Set(ctx, int32(id), int32(j), fmt.Sprintf("w%d", id)); err != nil {
					t.Errorf("writer %d failed: %v", id, err)
				}
			}
		}(i)
	}

	// a concurrent scanner must only ever see complete pixels
	wg.Add(1)
	go func() {
		defer wg.Done()
		for k := 0; k < 10; k++ {
			seq, err := store.All(ctx)
			if err != nil {
				t.Errorf("scan failed: %v", err)
				return
			}
			for p := range seq {
				if p.Color != fmt.Sprintf("w%d", p.X) {
					t.Errorf("pixel %s has color %q from another writer", p.Key, p.Color)
				}
			}
		}
	}()
	wg.Wait()

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, numWriters*numWrites, stats.Pixels)
}

func testConcurrentSameKey(t *testing.T, open Factory) {
	ctx := context.Background()
	store, _ := openWithClock(t, open)

	numWriters := 10
	submitted := make(map[string]bool)
	for i := 0; i < numWriters; i++ {
		submitted[fmt.Sprintf("writer-%d", i)] = true
	}

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := store.Set(ctx, 0, 0, fmt.Sprintf("writer-%d", id)); err != nil {
					t.Errorf("writer %d failed: %v", id, err)
				}
			}
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, canvas.PixelKey(0, 0))
	require.NoError(t, err)
	assert.True(t, submitted[got.Color], "final color %q was never submitted", got.Color)

	seq, err := store.All(ctx)
	require.NoError(t, err)
	assert.Len(t, slices.Collect(seq), 1)
}
