package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Persistence is the cached-audio half of the application store.
// GetCachedAudio returns ErrCacheMiss when the key is absent.
type Persistence interface {
	GetCachedAudio(ctx context.Context, key string) (*Entry, error)
	PutCachedAudio(ctx context.Context, key string, e *Entry) error
	TouchCachedAudio(ctx context.Context, key string, at time.Time) error
	DeleteCachedAudio(ctx context.Context, key string) error
}

// PersistentStore adapts the application store into a cache tier.
type PersistentStore struct {
	p     Persistence
	mu    sync.Mutex
	stats Stats
}

// NewPersistentStore wraps p.
func NewPersistentStore(p Persistence) *PersistentStore {
	return &PersistentStore{p: p, stats: Stats{Tier: TierStore}}
}

// Tier implements Store.
func (s *PersistentStore) Tier() Tier { return TierStore }

// Get implements Store.
func (s *PersistentStore) Get(ctx context.Context, key string) (*Entry, error) {
	e, err := s.p.GetCachedAudio(ctx, key)
	s.mu.Lock()
	if err == nil {
		s.stats.Hits++
		s.stats.LastAccess = time.Now()
	} else if errors.Is(err, ErrCacheMiss) {
		s.stats.Misses++
	}
	s.mu.Unlock()
	return e, err
}

// Put implements Store.
func (s *PersistentStore) Put(ctx context.Context, key string, e *Entry) error {
	return s.p.PutCachedAudio(ctx, key, e)
}

// Touch implements Store.
func (s *PersistentStore) Touch(ctx context.Context, key string, at time.Time) error {
	return s.p.TouchCachedAudio(ctx, key, at)
}

// Delete implements Store.
func (s *PersistentStore) Delete(ctx context.Context, key string) error {
	return s.p.DeleteCachedAudio(ctx, key)
}

// Clear is not supported on the application store; retention is its job.
func (s *PersistentStore) Clear(context.Context) error { return nil }

// Stats implements Store.
func (s *PersistentStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.updateHitRate()
	return stats
}

// Prune implements Pruner when the application store supports it.
func (s *PersistentStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	if p, ok := s.p.(Pruner); ok {
		return p.Prune(ctx, cutoff)
	}
	return 0, nil
}

// Close implements Store. The application store is owned elsewhere.
func (s *PersistentStore) Close() error { return nil }
