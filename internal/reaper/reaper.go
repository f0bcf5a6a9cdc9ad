package reaper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/pixelcanvas/internal/canvas"
	"github.com/dreamware/pixelcanvas/internal/storage"
)

const (
	// DefaultRetention is how long a pixel lives after its last write.
	DefaultRetention = 30 * 24 * time.Hour
	// DefaultInterval is how often the reaper wakes to sweep.
	DefaultInterval = time.Second
)

var (
	// ErrRearmFailed is returned by Start when the next wake cannot be scheduled.
	// A stalled reaper lets the canvas grow without bound, so callers treat it as fatal.
	ErrRearmFailed = errors.New("reaper failed to re-arm")

	// ErrNotActivated is returned by Start when Activate has not created a schedule.
	ErrNotActivated = errors.New("reaper schedule not activated")

	// ErrAlreadyStarted is returned by Start while another Start loop is running.
	ErrAlreadyStarted = errors.New("reaper already running")
)

// Store is the subset of storage the reaper needs.
type Store interface {
	storage.PixelStore
	storage.ScheduleStore
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Cutoff  time.Time `json:"cutoff"`
	Scanned int       `json:"scanned"` // Pixels in the snapshot
	Removed int       `json:"removed"` // Pixels actually deleted
	Failed  int       `json:"failed"`  // Deletes that returned an error
}

// Status reports the reaper's current state.
type Status struct {
	LastSweep    time.Time     `json:"last_sweep,omitempty"`
	Interval     time.Duration `json:"interval"`
	Retention    time.Duration `json:"retention"`
	LastRemoved  int           `json:"last_removed"`
	TotalRemoved int           `json:"total_removed"`
	FailedSweeps int           `json:"failed_sweeps"` // Consecutive sweeps with at least one failed delete
	Activated    bool          `json:"activated"`
}

// Reaper periodically removes pixels older than the retention window.
// Thread-safe: All methods are safe for concurrent access.
type Reaper struct {
	store     Store
	now       func() time.Time   // Clock used to compute the cutoff
	ctx       context.Context    // Context for cancellation
	cancel    context.CancelFunc // Cancel function for shutdown
	identity  canvas.Identity    // Scheduler identity, never issued to clients
	status    Status             // Protected by mu
	retention time.Duration      // Business TTL for pixels
	interval  time.Duration      // Wake cadence used when creating the schedule
	mu        sync.RWMutex       // Protects status, now, running and stopped
	wg        sync.WaitGroup     // Wait group for graceful shutdown
	running   bool               // A Start loop owns the timer
	stopped   bool               // Stop was called; Start no longer runs
}

// New creates a reaper over store with the given retention window and wake interval.
// Non-positive values fall back to DefaultRetention and DefaultInterval.
//
// Example:
//
//	r := reaper.New(store, reaper.DefaultRetention, reaper.DefaultInterval)
//	if err := r.Activate(ctx); err != nil {
//	    log.Fatalf("activate reaper: %v", err)
//	}
//	go r.Start(ctx)
func New(store Store, retention, interval time.Duration) *Reaper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Reaper{
		store:     store,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		identity:  canvas.Identity("scheduler:" + uuid.NewString()),
		retention: retention,
		interval:  interval,
		status: Status{
			Interval:  interval,
			Retention: retention,
		},
	}
}

// Identity returns the scheduler identity the timer loop sweeps with.
func (r *Reaper) Identity() canvas.Identity {
	return r.identity
}

// SetClock overrides the time source used to compute sweep cutoffs.
// This is useful for testing.
func (r *Reaper) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Activate creates the recurring schedule if it does not exist yet.
// Calling it again, in this process or after a restart, only logs.
func (r *Reaper) Activate(ctx context.Context) error {
	log.Println("Initializing cleanup schedule")

	sched, created, err := r.store.EnsureSchedule(ctx, r.interval)
	if err != nil {
		return fmt.Errorf("ensure schedule: %w", err)
	}

	r.mu.Lock()
	r.status.Activated = true
	r.status.Interval = sched.Interval
	r.mu.Unlock()

	if !created {
		log.Println("Cleanup schedule already exists, skipping initialization")
		return nil
	}
	log.Printf("Initialized cleanup schedule with interval of %v", sched.Interval)
	return nil
}

// Sweep deletes every pixel last written before now minus the retention window.
// Only the scheduler identity may call it; any other caller gets
// canvas.ErrNotScheduler and nothing is touched.
//
// A failed delete is logged and the sweep moves on to the next candidate.
func (r *Reaper) Sweep(ctx context.Context, caller canvas.Identity) (SweepResult, error) {
	if caller != r.identity {
		return SweepResult{}, fmt.Errorf("sweep: %w", canvas.ErrNotScheduler)
	}

	now := r.clock()
	result := SweepResult{Cutoff: now.Add(-r.retention)}

	pixels, err := r.store.All(ctx)
	if err != nil {
		return result, fmt.Errorf("sweep snapshot: %w", err)
	}

	var stale []string
	for p := range pixels {
		result.Scanned++
		if p.UpdatedAt.Before(result.Cutoff) {
			stale = append(stale, p.Key)
		}
	}

	for _, key := range stale {
		// DeleteStale re-checks the timestamp so a pixel rewritten since the
		// snapshot is kept.
		removed, err := r.store.DeleteStale(ctx, key, result.Cutoff)
		if err != nil {
			result.Failed++
			log.Printf("Cleanup failed to remove pixel %s: %v", key, err)
			continue
		}
		if removed {
			result.Removed++
		}
	}

	if result.Removed > 0 {
		log.Printf("Cleanup complete - removed %d pixels", result.Removed)
	}

	r.mu.Lock()
	r.status.LastSweep = now
	r.status.LastRemoved = result.Removed
	r.status.TotalRemoved += result.Removed
	if result.Failed > 0 {
		r.status.FailedSweeps++
	} else {
		r.status.FailedSweeps = 0
	}
	r.mu.Unlock()

	return result, nil
}

// Start runs the timer loop in the current goroutine until ctx or Stop
// cancels it. Each wake sweeps, then re-reads the persisted schedule to
// arm the next wake. It returns nil on cancellation and an error wrapping
// ErrRearmFailed if the schedule can no longer be read.
//
// Only one loop runs at a time: a second Start while the first is running
// returns ErrAlreadyStarted without arming a timer. After Stop, Start
// returns nil immediately.
//
// Example:
//
//	g.Go(func() error { return r.Start(ctx) })
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	if r.running {
		r.mu.Unlock()
		log.Println("Reaper already running, ignoring second start")
		return ErrAlreadyStarted
	}
	r.running = true
	r.wg.Add(1)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		r.wg.Done()
	}()

	sched, err := r.store.Schedule(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotActivated, err)
	}

	timer := time.NewTimer(sched.Interval)
	defer timer.Stop()

	log.Printf("Reaper started with interval %v and retention %v", sched.Interval, r.retention)

	for {
		select {
		case <-timer.C:
			if _, err := r.Sweep(ctx, r.identity); err != nil {
				log.Printf("Cleanup sweep failed: %v", err)
			}

			next, err := r.rearm(ctx)
			if err != nil {
				if ctx.Err() != nil || r.ctx.Err() != nil {
					return nil
				}
				log.Printf("CRITICAL: cleanup schedule could not be re-armed, expired pixels will accumulate: %v", err)
				return err
			}
			timer.Reset(next)
		case <-ctx.Done():
			log.Println("Reaper stopping due to context cancellation")
			return nil
		case <-r.ctx.Done():
			log.Println("Reaper stopping due to internal cancellation")
			return nil
		}
	}
}

// Stop gracefully shuts down the reaper loop and waits for it to return.
func (r *Reaper) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	log.Println("Reaper stopped")
}

// Status returns a copy of the reaper's state.
func (r *Reaper) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// rearm loads the schedule that drives the next wake.
func (r *Reaper) rearm(ctx context.Context) (time.Duration, error) {
	sched, err := r.store.Schedule(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRearmFailed, err)
	}
	if sched.Interval <= 0 {
		return 0, fmt.Errorf("%w: invalid interval %v", ErrRearmFailed, sched.Interval)
	}
	return sched.Interval, nil
}

func (r *Reaper) clock() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.now()
}
