package reaper

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/pixelcanvas/internal/canvas"
	"github.com/dreamware/pixelcanvas/internal/storage"
	"github.com/dreamware/pixelcanvas/internal/storage/storagetest"
)

// testRetention is the test-scaled retention window
const testRetention = 30 * time.Second

func newTestReaper(t *testing.T) (*Reaper, *storage.MemoryStore, *storagetest.Clock) {
	t.Helper()
	store := storage.NewMemoryStore()
	clock := storagetest.NewClock(storagetest.Epoch)
	store.SetClock(clock.Now)

	r := New(store, testRetention, 10*time.Millisecond)
	r.SetClock(clock.Now)
	return r, store, clock
}

// captureLog redirects the standard logger for the duration of the test
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
	return &buf
}

// TestNew verifies defaults are applied for non-positive durations
func TestNew(t *testing.T) {
	r := New(storage.NewMemoryStore(), 0, -1)

	assert.Equal(t, DefaultRetention, r.retention)
	assert.Equal(t, DefaultInterval, r.interval)
	assert.Equal(t, 30*24*time.Hour, DefaultRetention)
	assert.Equal(t, time.Second, DefaultInterval)
	assert.NotEmpty(t, r.Identity())
	assert.False(t, r.Status().Activated)

	other := New(storage.NewMemoryStore(), 0, 0)
	assert.NotEqual(t, r.Identity(), other.Identity(), "scheduler identities are per reaper")
}

// TestActivateIsIdempotent verifies two activations leave exactly one schedule
func TestActivateIsIdempotent(t *testing.T) {
	r, store, _ := newTestReaper(t)
	logs := captureLog(t)
	ctx := context.Background()

	require.NoError(t, r.Activate(ctx))
	require.NoError(t, r.Activate(ctx))

	count, err := store.CountSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	sched, err := store.Schedule(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, sched.Interval)

	assert.True(t, r.Status().Activated)
	assert.Contains(t, logs.String(), "already exists, skipping")
}

// TestActivateAdoptsExistingSchedule verifies a restarted reaper keeps the stored cadence
func TestActivateAdoptsExistingSchedule(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	_, _, err := store.EnsureSchedule(ctx, 250*time.Millisecond)
	require.NoError(t, err)

	r := New(store, testRetention, time.Second)
	require.NoError(t, r.Activate(ctx))

	assert.Equal(t, 250*time.Millisecond, r.Status().Interval)
	count, err := store.CountSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// TestSweepRejectsClients verifies non-scheduler callers cannot sweep
func TestSweepRejectsClients(t *testing.T) {
	r, store, clock := newTestReaper(t)
	ctx := context.Background()

	_, err := store.Set(ctx, 1, 1, "green")
	require.NoError(t, err)
	clock.Advance(time.Hour)

	for _, caller := range []canvas.Identity{"", "client-1", canvas.Identity(r.Identity().String() + "x")} {
		result, err := r.Sweep(ctx, caller)
		assert.ErrorIs(t, err, canvas.ErrNotScheduler)
		assert.Contains(t, err.Error(), "may not be invoked by clients, only via scheduling")
		assert.Zero(t, result)
	}

	got, err := store.Get(ctx, canvas.PixelKey(1, 1))
	require.NoError(t, err, "rejected sweep must not touch pixels")
	assert.Equal(t, "green", got.Color)
	assert.True(t, r.Status().LastSweep.IsZero())
}

// TestSweepRetentionBoundary covers the t=29 / t=31 scenario
func TestSweepRetentionBoundary(t *testing.T) {
	r, store, clock := newTestReaper(t)
	ctx := context.Background()
	key := canvas.PixelKey(1, 1)

	_, err := store.Set(ctx, 1, 1, "green")
	require.NoError(t, err)

	clock.Set(storagetest.Epoch.Add(29 * time.Second))
	result, err := r.Sweep(ctx, r.Identity())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Removed)
	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "green", got.Color)

	clock.Set(storagetest.Epoch.Add(31 * time.Second))
	result, err = r.Sweep(ctx, r.Identity())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Removed)
	assert.Equal(t, 1, result.Scanned)
	assert.True(t, storagetest.Epoch.Add(time.Second).Equal(result.Cutoff))
	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, storage.ErrPixelNotFound)
}

// TestSweepBoundedStaleness verifies every expired pixel is gone after one sweep
func TestSweepBoundedStaleness(t *testing.T) {
	r, store, clock := newTestReaper(t)
	ctx := context.Background()

	// ages at sweep time: 40s, 35s, 20s, 0s
	_, err := store.Set(ctx, 0, 0, "a")
	require.NoError(t, err)
	clock.Advance(5 * time.Second)
	_, err = store.Set(ctx, 0, 1, "b")
	require.NoError(t, err)
	clock.Advance(15 * time.Second)
	_, err = store.Set(ctx, 0, 2, "c")
	require.NoError(t, err)
	clock.Advance(20 * time.Second)
	_, err = store.Set(ctx, 0, 3, "d")
	require.NoError(t, err)

	result, err := r.Sweep(ctx, r.Identity())
	require.NoError(t, err)
	assert.Equal(t, 4, result.Scanned)
	assert.Equal(t, 2, result.Removed)

	seq, err := store.All(ctx)
	require.NoError(t, err)
	var colors []string
	for p := range seq {
		assert.False(t, p.UpdatedAt.Before(result.Cutoff))
		colors = append(colors, p.Color)
	}
	assert.ElementsMatch(t, []string{"c", "d"}, colors)

	status := r.Status()
	assert.Equal(t, 2, status.LastRemoved)
	assert.Equal(t, 2, status.TotalRemoved)
	assert.True(t, clock.Now().Equal(status.LastSweep))
}

// TestSweepLogsOnlyWhenRemoving verifies idle canvases stay quiet
func TestSweepLogsOnlyWhenRemoving(t *testing.T) {
	r, store, clock := newTestReaper(t)
	logs := captureLog(t)
	ctx := context.Background()

	_, err := r.Sweep(ctx, r.Identity())
	require.NoError(t, err)
	assert.Empty(t, logs.String())

	_, err = store.Set(ctx, 2, 2, "x")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = r.Sweep(ctx, r.Identity())
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "removed 1 pixels")
}

// racingStore writes a fresh value for one key right after the snapshot is taken
type racingStore struct {
	*storage.MemoryStore
	clock *storagetest.Clock
	key   [2]int32
}

func (s *racingStore) All(ctx context.Context) (iter.Seq[canvas.Pixel], error) {
	seq, err := s.MemoryStore.All(ctx)
	if err != nil {
		return nil, err
	}
	s.clock.Advance(time.Millisecond)
	if _, err := s.MemoryStore.Set(ctx, s.key[0], s.key[1], "fresh"); err != nil {
		return nil, err
	}
	return seq, nil
}

// TestSweepKeepsPixelsWrittenAfterSnapshot verifies no premature eviction
func TestSweepKeepsPixelsWrittenAfterSnapshot(t *testing.T) {
	clock := storagetest.NewClock(storagetest.Epoch)
	mem := storage.NewMemoryStore()
	mem.SetClock(clock.Now)
	store := &racingStore{MemoryStore: mem, clock: clock, key: [2]int32{4, 4}}

	ctx := context.Background()
	_, err := mem.Set(ctx, 4, 4, "stale")
	require.NoError(t, err)
	_, err = mem.Set(ctx, 5, 5, "stale")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	r := New(store, testRetention, time.Second)
	r.SetClock(clock.Now)

	result, err := r.Sweep(ctx, r.Identity())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Removed)

	got, err := mem.Get(ctx, canvas.PixelKey(4, 4))
	require.NoError(t, err, "pixel rewritten after the snapshot must survive")
	assert.Equal(t, "fresh", got.Color)

	_, err = mem.Get(ctx, canvas.PixelKey(5, 5))
	assert.ErrorIs(t, err, storage.ErrPixelNotFound)
}

// flakyStore fails deletes for selected keys and schedule reads after a budget
type flakyStore struct {
	*storage.MemoryStore
	failKeys      map[string]bool
	scheduleReads int
	scheduleLimit int
	mu            sync.Mutex
}

func (s *flakyStore) DeleteStale(ctx context.Context, key string, cutoff time.Time) (bool, error) {
	if s.failKeys[key] {
		return false, errors.New("disk on fire")
	}
	return s.MemoryStore.DeleteStale(ctx, key, cutoff)
}

func (s *flakyStore) Schedule(ctx context.Context) (canvas.Schedule, error) {
	s.mu.Lock()
	s.scheduleReads++
	reads := s.scheduleReads
	s.mu.Unlock()
	if s.scheduleLimit > 0 && reads > s.scheduleLimit {
		return canvas.Schedule{}, errors.New("schedule table unavailable")
	}
	return s.MemoryStore.Schedule(ctx)
}

// TestSweepContinuesPastFailedDeletes verifies best-effort cleanup
func TestSweepContinuesPastFailedDeletes(t *testing.T) {
	clock := storagetest.NewClock(storagetest.Epoch)
	mem := storage.NewMemoryStore()
	mem.SetClock(clock.Now)
	store := &flakyStore{MemoryStore: mem, failKeys: map[string]bool{canvas.PixelKey(1, 0): true}}
	logs := captureLog(t)

	ctx := context.Background()
	for i := int32(0); i < 3; i++ {
		_, err := mem.Set(ctx, i, 0, "old")
		require.NoError(t, err)
	}
	clock.Advance(time.Hour)

	r := New(store, testRetention, time.Second)
	r.SetClock(clock.Now)

	result, err := r.Sweep(ctx, r.Identity())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Removed)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, r.Status().FailedSweeps)
	assert.Contains(t, logs.String(), "failed to remove pixel 1_0")

	_, err = mem.Get(ctx, canvas.PixelKey(1, 0))
	assert.NoError(t, err)
}

// TestStartSweepsPeriodically verifies the timer loop removes expired pixels
func TestStartSweepsPeriodically(t *testing.T) {
	r, store, clock := newTestReaper(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, r.Activate(ctx))
	_, err := store.Set(ctx, 9, 9, "old")
	require.NoError(t, err)
	clock.Advance(time.Minute)

	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	assert.Eventually(t, func() bool {
		_, err := store.Get(ctx, canvas.PixelKey(9, 9))
		return errors.Is(err, storage.ErrPixelNotFound)
	}, 2*time.Second, 5*time.Millisecond)

	// keeps running after the first wake
	assert.Eventually(t, func() bool {
		return r.Status().TotalRemoved == 1 && !r.Status().LastSweep.IsZero()
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after cancellation")
	}
}

// TestStartRequiresActivation verifies Start refuses to run without a schedule
func TestStartRequiresActivation(t *testing.T) {
	r, _, _ := newTestReaper(t)

	err := r.Start(context.Background())
	assert.ErrorIs(t, err, ErrNotActivated)
}

// TestStartSurfacesRearmFailure verifies a lost schedule stops the loop loudly
func TestStartSurfacesRearmFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore(), scheduleLimit: 2}
	logs := captureLog(t)

	r := New(store, testRetention, 5*time.Millisecond)
	require.NoError(t, r.Activate(context.Background()))

	done := make(chan error, 1)
	go func() { done <- r.Start(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRearmFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("reaper kept running without a schedule")
	}
	assert.Contains(t, logs.String(), "CRITICAL")
}

// TestStop verifies Stop ends a running loop
func TestStop(t *testing.T) {
	r, _, _ := newTestReaper(t)
	require.NoError(t, r.Activate(context.Background()))

	done := make(chan error, 1)
	go func() { done <- r.Start(context.Background()) }()

	// let the loop get going before stopping it
	time.Sleep(30 * time.Millisecond)
	r.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

// TestStartIsIdempotent verifies a second Start never arms a competing timer
func TestStartIsIdempotent(t *testing.T) {
	const interval = 20 * time.Millisecond
	store := storage.NewMemoryStore()
	logs := captureLog(t)

	r := New(store, testRetention, interval)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Activate(ctx))

	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	// the first loop owns the timer once it has swept
	require.Eventually(t, func() bool {
		return !r.Status().LastSweep.IsZero()
	}, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() { second <- r.Start(ctx) }()
	select {
	case err := <-second:
		assert.ErrorIs(t, err, ErrAlreadyStarted)
	case <-time.After(time.Second):
		t.Fatal("second Start did not return")
	}
	assert.Contains(t, logs.String(), "already running")

	before, err := store.Stats(ctx)
	require.NoError(t, err)
	time.Sleep(10 * interval)
	after, err := store.Stats(ctx)
	require.NoError(t, err)

	// one loop scans at most once per interval
	assert.LessOrEqual(t, after.Ops.Scans-before.Ops.Scans, uint64(12))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after cancellation")
	}
}

// TestStartRestartsAfterLoopEnds verifies the guard is released when a loop
// returns, and that Stop prevents any further loop
func TestStartRestartsAfterLoopEnds(t *testing.T) {
	r, store, _ := newTestReaper(t)
	require.NoError(t, r.Activate(context.Background()))

	scans := func() uint64 {
		stats, _ := store.Stats(context.Background())
		return stats.Ops.Scans
	}
	runUntilSwept := func(ctx context.Context) chan error {
		start := scans()
		done := make(chan error, 1)
		go func() { done <- r.Start(ctx) }()
		require.Eventually(t, func() bool { return scans() > start }, time.Second, time.Millisecond)
		return done
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := runUntilSwept(ctx)
	cancel()
	require.NoError(t, <-done)

	done = runUntilSwept(context.Background())
	r.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}

	// after Stop, Start returns without running
	assert.NoError(t, r.Start(context.Background()))
}
