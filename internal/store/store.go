// Package store persists playback state, cached synthesis results and
// backend usage between runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vrwarp/narrator/internal/cache"
	"github.com/vrwarp/narrator/internal/playback"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Usage is the accumulated character count sent to one metered backend.
type Usage struct {
	BackendID  string
	Characters int64
	Requests   int64
}

// Store is the application's persistence layer.
type Store interface {
	playback.Persister
	cache.Persistence

	// Prune drops cached audio not accessed since cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int, error)

	// RecordUsage adds characters sent to a metered backend.
	RecordUsage(ctx context.Context, backendID string, characters int) error
	Usage(ctx context.Context) ([]Usage, error)

	Close() error
}
