// Package storage defines the canvas storage interfaces and the in-memory
// implementation, giving the reaper and the HTTP server one consistent API
// over every backend.
//
// # Overview
//
// The canvas has two kinds of persisted state:
//
//	┌─────────────────────────────────────┐
//	│  pixels                             │
//	│    key "{x}_{y}" → color, updated   │
//	├─────────────────────────────────────┤
//	│  cleanup_schedule                   │
//	│    singleton → interval, created    │
//	└─────────────────────────────────────┘
//
// PixelStore owns the first, ScheduleStore the second, and Store combines
// them with statistics, change notification and lifecycle.
//
// # Implementations
//
// MemoryStore: maps guarded by one sync.RWMutex
//   - No persistence (data lost on restart)
//   - Suitable for tests and throwaway canvases
//
// sqlite.Store (internal/storage/sqlite): modernc.org/sqlite
//   - Survives restarts, including the schedule record
//   - Single-statement upserts and conditional deletes
//
// # Consistency Guarantees
//
//   - Per-key serializability: writes to one key observe a total order
//   - Set is a full replace; color and timestamp always change together
//   - UpdatedAt never decreases for a key, even if the clock steps back
//   - All returns a point-in-time snapshot; later writes are not included
//   - Delete is idempotent
//   - DeleteStale re-checks the timestamp at deletion time, so a pixel
//     rewritten after a reaper snapshot survives that sweep
//
// # Change Notification
//
// SetOnChange registers a callback invoked once per committed set and per
// pixel actually removed. The memory store calls it while holding its
// lock, which keeps notifications in commit order; callbacks must not
// block or call back into the store.
//
// # Error Handling
//
// ErrPixelNotFound: Get on an absent key
//
// ErrScheduleNotFound: Schedule before EnsureSchedule
//
// Set never fails on business logic. Its error return only reports a
// cancelled context or a broken backend.
//
// # Testing
//
// internal/storage/storagetest holds a conformance suite every backend
// runs, plus a controllable Clock:
//
//	go test ./internal/storage/... -race
package storage
