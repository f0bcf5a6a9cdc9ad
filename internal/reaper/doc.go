// Package reaper removes pixels that have outlived the retention window.
//
// # Lifecycle
//
//	Uninitialized ──Activate──▶ Scheduled ──wake──▶ Sweeping
//	                                ▲                  │
//	                                └──────re-arm──────┘
//
// Activate writes the singleton schedule record through the store's
// check-then-insert, so repeated activation (including after a restart
// with a persistent store) never produces a second schedule. Start runs the
// wake loop and refuses to run a second one concurrently (ErrAlreadyStarted),
// so there is never more than one timer. Each wake sweeps and then re-reads
// the schedule to arm the next wake. If that read fails Start logs a CRITICAL line and returns an
// error wrapping ErrRearmFailed.
//
// # Sweeping
//
// The sweep interval bounds staleness and the retention window is the
// business TTL; the two are configured separately (1s and 30 days by
// default). A sweep snapshots the store, selects pixels with
// UpdatedAt < now-retention and removes each through DeleteStale, which
// re-checks the timestamp at deletion time. A failed delete is logged and
// skipped. A summary line is logged only when something was removed.
//
// # Authorization
//
// Sweep takes the caller's canvas.Identity. Only the reaper's own
// scheduler identity, minted per process and never issued to clients, is
// accepted; everyone else receives canvas.ErrNotScheduler.
package reaper
