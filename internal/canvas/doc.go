// Package canvas defines the shared vocabulary of the pixel canvas: the
// Pixel record and its coordinate key, the singleton reaper Schedule, the
// Identity of a calling principal and the Change events published to live
// readers.
//
// # Overview
//
// Every other package speaks in these types. Storage backends persist
// Pixels and the Schedule, the reaper removes Pixels that have outlived the
// retention window, and the HTTP server exposes them to clients.
//
// # Coordinate Keys
//
// A Pixel is identified by its (x, y) pair. The key is derived, never
// assigned:
//
//	PixelKey(3, 4)   == "3_4"
//	PixelKey(-1, 20) == "-1_20"
//
// The underscore never occurs in a decimal integer, so the encoding is
// injective over the whole int32 range and ParseKey can always recover the
// coordinates.
//
// # Timestamps
//
// UpdatedAt is assigned by the store at the moment of the write. Clients
// never supply it. Every write refreshes it, including writes that repeat
// the current color, because the retention window is measured from the
// most recent write.
//
// # Identities
//
// An Identity names the principal behind a call. Client identities are
// issued by the identity package; the reaper owns a process-private
// scheduler identity that is never handed to clients. Operations that only
// the scheduler may perform compare the caller against that identity and
// fail with ErrNotScheduler otherwise.
//
// # See Also
//
//   - internal/storage: PixelStore and ScheduleStore implementations
//   - internal/reaper: retention sweeps
//   - internal/server: HTTP and websocket surface
package canvas
