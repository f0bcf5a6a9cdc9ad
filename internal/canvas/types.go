package canvas

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotScheduler is returned when a scheduler-only operation is invoked
	// by any other identity.
	ErrNotScheduler = errors.New("may not be invoked by clients, only via scheduling")

	// ErrInvalidKey is returned by ParseKey for strings PixelKey cannot produce.
	ErrInvalidKey = errors.New("invalid pixel key")
)

// Pixel is one occupied cell of the canvas.
type Pixel struct {
	UpdatedAt time.Time `json:"updated_at"`
	Key       string    `json:"id"`
	Color     string    `json:"color"`
	X         int32     `json:"x"`
	Y         int32     `json:"y"`
}

// NewPixel builds a Pixel with its key derived from the coordinates.
func NewPixel(x, y int32, color string, at time.Time) Pixel {
	return Pixel{
		Key:       PixelKey(x, y),
		X:         x,
		Y:         y,
		Color:     color,
		UpdatedAt: at,
	}
}

// PixelKey returns the stable identity of the cell at (x, y).
func PixelKey(x, y int32) string {
	return strconv.FormatInt(int64(x), 10) + "_" + strconv.FormatInt(int64(y), 10)
}

// ParseKey recovers the coordinates encoded by PixelKey.
func ParseKey(key string) (int32, int32, error) {
	xs, ys, ok := strings.Cut(key, "_")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	x, err := strconv.ParseInt(xs, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	y, err := strconv.ParseInt(ys, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return int32(x), int32(y), nil
}

// Schedule records that a recurring reaper wake exists.
// There is at most one per store and it is never modified after creation.
type Schedule struct {
	CreatedAt time.Time     `json:"created_at"`
	ID        int64         `json:"id"`
	Interval  time.Duration `json:"interval"`
}

// Identity names the principal behind a call.
type Identity string

// String returns the identity as a plain string.
func (i Identity) String() string { return string(i) }

// ChangeType tells live readers what happened to a pixel.
type ChangeType string

const (
	// ChangeSet means the pixel was created or overwritten.
	ChangeSet ChangeType = "set"
	// ChangeDelete means the pixel was removed.
	ChangeDelete ChangeType = "delete"
)

// Change is a committed mutation of the canvas.
type Change struct {
	Type  ChangeType `json:"type"`
	Pixel Pixel      `json:"pixel"`
}
