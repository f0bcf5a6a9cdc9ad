// Package sqlite provides the persistent canvas store backed by
// modernc.org/sqlite. Pixels and the reaper schedule survive restarts, so a
// restarted process finds its schedule record and does not create another.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dreamware/pixelcanvas/internal/canvas"
	"github.com/dreamware/pixelcanvas/internal/storage"
)

// Store implements storage.Store on top of a SQLite database file.
type Store struct {
	sqlDB    *sql.DB
	now      func() time.Time
	onChange func(canvas.Change)
	ops      storage.Counters
	// writeMu serializes writers in this process so change notifications
	// follow commit order. SQLite admits one writer at a time regardless.
	writeMu sync.Mutex
	mu      sync.RWMutex // protects now and onChange
}

var _ storage.Store = (*Store)(nil)

// Open opens a canvas SQLite store and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// SetClock overrides the time source used for pixel timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetOnChange registers the change callback.
func (s *Store) SetOnChange(fn func(canvas.Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Set upserts the pixel at (x, y). The stored timestamp is the later of the
// previous one and the clock, so it never moves backwards.
func (s *Store) Set(ctx context.Context, x, y int32, color string) (canvas.Pixel, error) {
	if err := ctx.Err(); err != nil {
		return canvas.Pixel{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	p := canvas.NewPixel(x, y, color, s.clock())
	var updatedAt int64
	err := s.sqlDB.QueryRowContext(ctx, `
INSERT INTO pixels (id, x, y, color, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	color = excluded.color,
	updated_at = MAX(pixels.updated_at, excluded.updated_at)
RETURNING updated_at
`,
		p.Key, p.X, p.Y, p.Color, p.UpdatedAt.UnixMicro(),
	).Scan(&updatedAt)
	if err != nil {
		return canvas.Pixel{}, fmt.Errorf("set pixel %s: %w", p.Key, err)
	}
	p.UpdatedAt = fromMicros(updatedAt)

	s.ops.IncSets()
	s.notify(canvas.Change{Type: canvas.ChangeSet, Pixel: p})
	return p, nil
}

// Get retrieves a pixel by key.
func (s *Store) Get(ctx context.Context, key string) (canvas.Pixel, error) {
	if err := ctx.Err(); err != nil {
		return canvas.Pixel{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT id, x, y, color, updated_at FROM pixels WHERE id = ?`, key)
	p, err := scanPixel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return canvas.Pixel{}, storage.ErrPixelNotFound
	}
	if err != nil {
		return canvas.Pixel{}, fmt.Errorf("get pixel %s: %w", key, err)
	}
	return p, nil
}

// All reads every pixel with a single statement, which SQLite evaluates
// against one consistent snapshot.
func (s *Store) All(ctx context.Context) (iter.Seq[canvas.Pixel], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `SELECT id, x, y, color, updated_at FROM pixels`)
	if err != nil {
		return nil, fmt.Errorf("list pixels: %w", err)
	}
	defer rows.Close()

	var snapshot []canvas.Pixel
	for rows.Next() {
		p, err := scanPixel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pixel: %w", err)
		}
		snapshot = append(snapshot, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pixels: %w", err)
	}

	s.ops.IncScans()
	return slices.Values(snapshot), nil
}

// Delete removes a pixel. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := s.sqlDB.QueryRowContext(ctx, `DELETE FROM pixels WHERE id = ? RETURNING id, x, y, color, updated_at`, key)
	_, err := s.removed(row)
	if err != nil {
		return fmt.Errorf("delete pixel %s: %w", key, err)
	}
	return nil
}

// DeleteStale removes the pixel only while its timestamp is before cutoff.
// The comparison happens inside the DELETE statement.
func (s *Store) DeleteStale(ctx context.Context, key string, cutoff time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := s.sqlDB.QueryRowContext(ctx,
		`DELETE FROM pixels WHERE id = ? AND updated_at < ? RETURNING id, x, y, color, updated_at`,
		key, cutoff.UnixMicro(),
	)
	ok, err := s.removed(row)
	if err != nil {
		return false, fmt.Errorf("delete stale pixel %s: %w", key, err)
	}
	return ok, nil
}

// EnsureSchedule inserts the singleton schedule row unless it already exists.
func (s *Store) EnsureSchedule(ctx context.Context, interval time.Duration) (canvas.Schedule, bool, error) {
	if err := ctx.Err(); err != nil {
		return canvas.Schedule{}, false, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO cleanup_schedule (id, interval_us, created_at) VALUES (1, ?, ?) ON CONFLICT(id) DO NOTHING`,
		interval.Microseconds(), s.clock().UnixMicro(),
	)
	if err != nil {
		return canvas.Schedule{}, false, fmt.Errorf("insert schedule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return canvas.Schedule{}, false, fmt.Errorf("insert schedule: %w", err)
	}

	sched, err := s.Schedule(ctx)
	if err != nil {
		return canvas.Schedule{}, false, err
	}
	return sched, affected == 1, nil
}

// Schedule returns the schedule row.
func (s *Store) Schedule(ctx context.Context) (canvas.Schedule, error) {
	if err := ctx.Err(); err != nil {
		return canvas.Schedule{}, err
	}

	var (
		sched      canvas.Schedule
		intervalUS int64
		createdAt  int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, interval_us, created_at FROM cleanup_schedule WHERE id = 1`,
	).Scan(&sched.ID, &intervalUS, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return canvas.Schedule{}, storage.ErrScheduleNotFound
	}
	if err != nil {
		return canvas.Schedule{}, fmt.Errorf("get schedule: %w", err)
	}
	sched.Interval = time.Duration(intervalUS) * time.Microsecond
	sched.CreatedAt = fromMicros(createdAt)
	return sched, nil
}

// CountSchedules returns the number of schedule rows.
func (s *Store) CountSchedules(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var count int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM cleanup_schedule`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count schedules: %w", err)
	}
	return count, nil
}

// Stats returns pixel count, color bytes and this process's operation counters.
func (s *Store) Stats(ctx context.Context) (storage.StoreStats, error) {
	if err := ctx.Err(); err != nil {
		return storage.StoreStats{}, err
	}

	var stats storage.StoreStats
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(CAST(color AS BLOB))), 0) FROM pixels`,
	).Scan(&stats.Pixels, &stats.Bytes)
	if err != nil {
		return storage.StoreStats{}, fmt.Errorf("pixel stats: %w", err)
	}
	stats.Ops = s.ops.Snapshot()
	return stats, nil
}

// removed scans a DELETE ... RETURNING row and publishes the deletion.
// Reports false when no row matched.
func (s *Store) removed(row *sql.Row) (bool, error) {
	p, err := scanPixel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.ops.IncDeletes()
	s.notify(canvas.Change{Type: canvas.ChangeDelete, Pixel: p})
	return true, nil
}

func (s *Store) clock() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now()
}

func (s *Store) notify(c canvas.Change) {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn(c)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPixel(row rowScanner) (canvas.Pixel, error) {
	var (
		p         canvas.Pixel
		updatedAt int64
	)
	if err := row.Scan(&p.Key, &p.X, &p.Y, &p.Color, &updatedAt); err != nil {
		return canvas.Pixel{}, err
	}
	p.UpdatedAt = fromMicros(updatedAt)
	return p, nil
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
