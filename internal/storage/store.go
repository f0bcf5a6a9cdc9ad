package storage

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/pixelcanvas/internal/canvas"
)

var (
	// ErrPixelNotFound is returned when no pixel exists for a key
	ErrPixelNotFound = errors.New("pixel not found")

	// ErrScheduleNotFound is returned when the reaper schedule has not been created
	ErrScheduleNotFound = errors.New("schedule not found")
)

// PixelStore is the exclusive, last-write-wins mapping from coordinate to pixel.
// All implementations must be thread-safe for concurrent access
type PixelStore interface {
	// Set creates or overwrites the pixel at (x, y)
	// The timestamp comes from the store clock and is never decreased
	Set(ctx context.Context, x, y int32, color string) (canvas.Pixel, error)

	// Get retrieves a pixel by key
	// Returns ErrPixelNotFound if the key doesn't exist
	Get(ctx context.Context, key string) (canvas.Pixel, error)

	// All returns a point-in-time snapshot of every pixel
	// Order is not guaranteed
	All(ctx context.Context) (iter.Seq[canvas.Pixel], error)

	// Delete removes a pixel
	// No error if key doesn't exist
	Delete(ctx context.Context, key string) error

	// DeleteStale removes a pixel only if it was last written before cutoff
	// Reports whether a pixel was removed
	DeleteStale(ctx context.Context, key string, cutoff time.Time) (bool, error)
}

// ScheduleStore holds the singleton reaper schedule record.
type ScheduleStore interface {
	// EnsureSchedule creates the schedule if none exists
	// Returns the stored schedule and whether this call created it
	EnsureSchedule(ctx context.Context, interval time.Duration) (canvas.Schedule, bool, error)

	// Schedule returns the stored schedule
	// Returns ErrScheduleNotFound if it was never created
	Schedule(ctx context.Context) (canvas.Schedule, error)

	// CountSchedules returns the number of schedule records
	CountSchedules(ctx context.Context) (int, error)
}

// Store is a complete canvas backend.
type Store interface {
	PixelStore
	ScheduleStore

	// Stats returns storage statistics
	Stats(ctx context.Context) (StoreStats, error)

	// SetOnChange registers a callback for every committed set or delete.
	// The callback may run while the store holds internal locks and must not block
	SetOnChange(fn func(canvas.Change))

	// SetClock overrides the time source used for pixel timestamps
	SetClock(now func() time.Time)

	// Close releases resources held by the store
	Close() error
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Pixels int            `json:"pixels"` // Number of live pixels
	Bytes  int            `json:"bytes"`  // Total size of all colors in bytes
	Ops    OperationStats `json:"ops"`    // Operation counters since the store was opened
}

// OperationStats tracks operation counts
type OperationStats struct {
	Sets    uint64 `json:"sets"`    // Number of set operations
	Deletes uint64 `json:"deletes"` // Number of pixels actually removed
	Scans   uint64 `json:"scans"`   // Number of snapshot scans
}

// Counters tracks OperationStats atomically for store implementations
type Counters struct {
	sets    atomic.Uint64
	deletes atomic.Uint64
	scans   atomic.Uint64
}

// IncSets records one set operation
func (c *Counters) IncSets() { c.sets.Add(1) }

// IncDeletes records one removed pixel
func (c *Counters) IncDeletes() { c.deletes.Add(1) }

// IncScans records one snapshot scan
func (c *Counters) IncScans() { c.scans.Add(1) }

// Snapshot returns the current counter values
func (c *Counters) Snapshot() OperationStats {
	return OperationStats{
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		Scans:   c.scans.Load(),
	}
}

// MemoryStore implements Store with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	now      func() time.Time        // Clock for pixel timestamps
	onChange func(canvas.Change)     // Change callback, may be nil
	schedule *canvas.Schedule        // Singleton schedule record
	pixels   map[string]canvas.Pixel // Pixels by key
	ops      Counters                // Operation counters
	mu       sync.RWMutex            // Protects all fields above
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:    time.Now,
		pixels: make(map[string]canvas.Pixel),
	}
}

// Set creates or overwrites the pixel at (x, y)
// Every call refreshes the timestamp, even when the color is unchanged
func (m *MemoryStore) Set(ctx context.Context, x, y int32, color string) (canvas.Pixel, error) {
	if err := ctx.Err(); err != nil {
		return canvas.Pixel{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p := canvas.NewPixel(x, y, color, m.now())
	if prev, exists := m.pixels[p.Key]; exists && p.UpdatedAt.Before(prev.UpdatedAt) {
		p.UpdatedAt = prev.UpdatedAt
	}
	m.pixels[p.Key] = p
	m.ops.IncSets()
	m.notify(canvas.Change{Type: canvas.ChangeSet, Pixel: p})

	return p, nil
}

// Get retrieves a pixel by key
func (m *MemoryStore) Get(ctx context.Context, key string) (canvas.Pixel, error) {
	if err := ctx.Err(); err != nil {
		return canvas.Pixel{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	p, exists := m.pixels[key]
	if !exists {
		return canvas.Pixel{}, ErrPixelNotFound
	}
	return p, nil
}

// All returns a snapshot of every pixel
// The copy is taken under the read lock so later writes are never observed
func (m *MemoryStore) All(ctx context.Context) (iter.Seq[canvas.Pixel], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	snapshot := make([]canvas.Pixel, 0, len(m.pixels))
	for _, p := range m.pixels {
		snapshot = append(snapshot, p)
	}
	m.mu.RUnlock()
	m.ops.IncScans()

	return slices.Values(snapshot), nil
}

// Delete removes a pixel
// No error if key doesn't exist (idempotent)
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, exists := m.pixels[key]; exists {
		m.remove(p)
	}
	return nil
}

// DeleteStale removes a pixel only if its timestamp is still before cutoff
func (m *MemoryStore) DeleteStale(ctx context.Context, key string, cutoff time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.pixels[key]
	if !exists || !p.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	m.remove(p)
	return true, nil
}

// EnsureSchedule creates the schedule record if it doesn't exist yet
func (m *MemoryStore) EnsureSchedule(ctx context.Context, interval time.Duration) (canvas.Schedule, bool, error) {
	if err := ctx.Err(); err != nil {
		return canvas.Schedule{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.schedule != nil {
		return *m.schedule, false, nil
	}
	m.schedule = &canvas.Schedule{
		ID:        1,
		Interval:  interval,
		CreatedAt: m.now(),
	}
	return *m.schedule, true, nil
}

// Schedule returns the schedule record
func (m *MemoryStore) Schedule(ctx context.Context) (canvas.Schedule, error) {
	if err := ctx.Err(); err != nil {
		return canvas.Schedule{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.schedule == nil {
		return canvas.Schedule{}, ErrScheduleNotFound
	}
	return *m.schedule, nil
}

// CountSchedules returns 1 once the schedule exists, 0 before
func (m *MemoryStore) CountSchedules(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.schedule == nil {
		return 0, nil
	}
	return 1, nil
}

// Stats returns storage statistics
func (m *MemoryStore) Stats(ctx context.Context) (StoreStats, error) {
	if err := ctx.Err(); err != nil {
		return StoreStats{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, p := range m.pixels {
		totalBytes += len(p.Color)
	}

	return StoreStats{
		Pixels: len(m.pixels),
		Bytes:  totalBytes,
		Ops:    m.ops.Snapshot(),
	}, nil
}

// SetOnChange registers the change callback
func (m *MemoryStore) SetOnChange(fn func(canvas.Change)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// SetClock overrides the time source
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Close is a no-op for the memory store
func (m *MemoryStore) Close() error {
	return nil
}

// remove deletes p and publishes the change; caller holds m.mu
func (m *MemoryStore) remove(p canvas.Pixel) {
	delete(m.pixels, p.Key)
	m.ops.IncDeletes()
	m.notify(canvas.Change{Type: canvas.ChangeDelete, Pixel: p})
}

// notify invokes the change callback; caller holds m.mu
func (m *MemoryStore) notify(c canvas.Change) {
	if m.onChange != nil {
		m.onChange(c)
	}
}
