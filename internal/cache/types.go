package cache

import (
	"context"
	"errors"
	"time"

	"github.com/vrwarp/narrator/internal/ttypes"
)

// Common errors for cache operations
var (
	// ErrItemTooLarge is returned when an item exceeds the tier capacity
	ErrItemTooLarge = errors.New("item too large for cache")

	// ErrCacheMiss is returned when an item is not found in a tier
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheCorrupted is returned when stored data cannot be decoded
	ErrCacheCorrupted = errors.New("cache data corrupted")
)

// Tier identifies a storage layer.
type Tier int

const (
	// TierMemory is the in-process LRU (fastest)
	TierMemory Tier = iota

	// TierDisk is the local zstd-compressed file store
	TierDisk

	// TierRedis is a shared network cache
	TierRedis

	// TierStore is the application's persistence layer
	TierStore
)

// String returns the string representation of the tier
func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierDisk:
		return "disk"
	case TierRedis:
		return "redis"
	case TierStore:
		return "store"
	default:
		return "unknown"
	}
}

// Entry is one cached synthesis result.
type Entry struct {
	Audio          []byte                  `json:"audio"`
	Format         ttypes.Format           `json:"format"`
	Alignment      []ttypes.AlignmentPoint `json:"alignment,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	LastAccessedAt time.Time               `json:"last_accessed_at"`
}

// Size approximates the memory held by the entry.
func (e *Entry) Size() int64 {
	if e == nil {
		return 0
	}
	return int64(len(e.Audio)) + int64(len(e.Alignment))*24
}

// Clone returns a copy whose slices do not alias the receiver's.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Audio = append([]byte(nil), e.Audio...)
	if e.Alignment != nil {
		c.Alignment = append([]ttypes.AlignmentPoint(nil), e.Alignment...)
	}
	return &c
}

// AsAudio converts the entry back to a synthesis result.
func (e *Entry) AsAudio() ttypes.Audio {
	return ttypes.Audio{Data: e.Audio, Format: e.Format, Alignment: e.Alignment}
}

// Stats holds tier performance metrics
type Stats struct {
	Tier      Tier
	Capacity  int64 // Maximum capacity in bytes, 0 when unbounded
	Size      int64 // Current size in bytes
	ItemCount int64

	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64

	LastAccess time.Time
	LastEvict  time.Time
}

func (s *Stats) updateHitRate() {
	if s.Hits+s.Misses > 0 {
		s.HitRate = float64(s.Hits) / float64(s.Hits+s.Misses)
	}
}

// Store is one storage tier. Get returns ErrCacheMiss for absent keys.
type Store interface {
	Tier() Tier
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, e *Entry) error
	Touch(ctx context.Context, key string, at time.Time) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Stats() Stats
	Close() error
}

// Pruner is implemented by tiers that can drop entries not accessed since a
// cutoff. Used by the retention loop.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// Config holds configuration for the cache tiers
type Config struct {
	// Memory tier
	MemoryCapacity int64 // Bytes

	// Disk tier
	DiskCapacity     int64  // Bytes
	DiskPath         string // Directory for cache files, empty disables the tier
	CompressionLevel int    // Zstd compression level (1-22, default 3)

	// Redis tier, empty address disables it
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	RedisTTL      time.Duration

	// Retention, applied by StartRetention
	TTLDays         int
	CleanupInterval time.Duration
}

// DefaultConfig returns default cache configuration
func DefaultConfig() Config {
	return Config{
		MemoryCapacity:   100 * 1024 * 1024,  // 100MB
		DiskCapacity:     1024 * 1024 * 1024, // 1GB
		CompressionLevel: 3,
		RedisPrefix:      "narrator:audio:",
		RedisTTL:         7 * 24 * time.Hour,
		TTLDays:          7,
		CleanupInterval:  time.Hour,
	}
}
