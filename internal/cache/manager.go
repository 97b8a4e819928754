package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/vrwarp/narrator/internal/ttypes"
)

// Source says where a GetOrFetch result came from.
type Source int

const (
	// SourceCache means some tier already held the entry.
	SourceCache Source = iota

	// SourceFetch means this caller ran the fetch. Only this caller should
	// account usage or cost.
	SourceFetch

	// SourceShared means the caller joined another caller's in-flight fetch.
	SourceShared
)

func (s Source) String() string {
	switch s {
	case SourceCache:
		return "cache"
	case SourceFetch:
		return "fetch"
	case SourceShared:
		return "shared"
	default:
		return "unknown"
	}
}

// Result is the outcome of GetOrFetch.
type Result struct {
	Entry  *Entry
	Source Source
}

// FetchFunc produces audio on a miss.
type FetchFunc func(ctx context.Context) (ttypes.Audio, error)

// ManagerStats aggregates manager and tier counters.
type ManagerStats struct {
	Hits        int64
	Misses      int64
	Fetches     int64
	SharedWaits int64
	Promotions  int64
	TierErrors  int64
	CleanupRuns int64
	LastCleanup time.Time
	InFlight    int
	Tiers       []Stats
}

// Manager is the synthesis cache: an ordered list of tiers, fastest first,
// plus an in-flight registry that collapses concurrent fetches of one key.
type Manager struct {
	tiers []Store

	// in-flight registry
	group    singleflight.Group
	flightMu sync.Mutex
	inflight map[string]time.Time

	mu    sync.Mutex
	stats ManagerStats

	cleanupStop chan struct{}
	cleanupWg   sync.WaitGroup

	logger *log.Logger
	now    func() time.Time
}

// NewManager builds a cache over the given tiers, fastest first.
func NewManager(logger *log.Logger, tiers ...Store) *Manager {
	if logger == nil {
		logger = log.Default().WithPrefix("cache")
	}
	return &Manager{
		tiers:    tiers,
		inflight: make(map[string]time.Time),
		logger:   logger,
		now:      time.Now,
	}
}

// Open builds the configured tiers: memory, then disk, then redis, then the
// application store when p is not nil. A redis tier that cannot connect is
// skipped with a warning.
func Open(ctx context.Context, cfg Config, p Persistence, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.Default().WithPrefix("cache")
	}
	var tiers []Store
	if cfg.MemoryCapacity > 0 {
		tiers = append(tiers, NewMemoryStore(cfg.MemoryCapacity))
	}
	if cfg.DiskPath != "" {
		disk, err := NewDiskStore(cfg.DiskPath, cfg.DiskCapacity, cfg.CompressionLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to create disk cache: %w", err)
		}
		tiers = append(tiers, disk)
	}
	if cfg.RedisAddr != "" {
		rs, err := NewRedisStore(ctx, cfg)
		if err != nil {
			logger.Warn("redis cache unavailable", "addr", cfg.RedisAddr, "error", err)
		} else {
			tiers = append(tiers, rs)
		}
	}
	if p != nil {
		tiers = append(tiers, NewPersistentStore(p))
	}

	m := NewManager(logger, tiers...)
	if cfg.TTLDays > 0 && cfg.CleanupInterval > 0 {
		m.StartRetention(time.Duration(cfg.TTLDays)*24*time.Hour, cfg.CleanupInterval)
	}
	return m, nil
}

// Tiers returns the configured tiers, fastest first.
func (m *Manager) Tiers() []Store {
	return m.tiers
}

// Get looks the key up tier by tier. A hit refreshes the entry's last
// access time and is copied into every faster tier. Tier errors are logged
// and treated as misses.
func (m *Manager) Get(ctx context.Context, key string) (*Entry, bool) {
	for i, t := range m.tiers {
		e, err := t.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, ErrCacheMiss) {
				m.tierError(t, "get", key, err)
			}
			continue
		}

		now := m.now()
		e.LastAccessedAt = now
		if err := t.Touch(ctx, key, now); err != nil && !errors.Is(err, ErrCacheMiss) {
			m.tierError(t, "touch", key, err)
		}
		for _, faster := range m.tiers[:i] {
			if err := faster.Put(ctx, key, e); err != nil && !errors.Is(err, ErrItemTooLarge) {
				m.tierError(faster, "promote", key, err)
			}
		}

		m.mu.Lock()
		m.stats.Hits++
		if i > 0 {
			m.stats.Promotions++
		}
		m.mu.Unlock()
		return e, true
	}

	m.mu.Lock()
	m.stats.Misses++
	m.mu.Unlock()
	return nil, false
}

// Put stores audio in every tier, overwriting what was there. Tier
// failures are logged; the joined error is returned for callers that care.
func (m *Manager) Put(ctx context.Context, key string, audio ttypes.Audio) error {
	_, err := m.put(ctx, key, audio)
	return err
}

func (m *Manager) put(ctx context.Context, key string, audio ttypes.Audio) (*Entry, error) {
	now := m.now()
	e := &Entry{
		Audio:          audio.Data,
		Format:         audio.Format,
		Alignment:      audio.Alignment,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	var errs []error
	for _, t := range m.tiers {
		if err := t.Put(ctx, key, e); err != nil {
			if errors.Is(err, ErrItemTooLarge) {
				continue
			}
			m.tierError(t, "put", key, err)
			errs = append(errs, fmt.Errorf("%s: %w", t.Tier(), err))
		}
	}
	return e, errors.Join(errs...)
}

// GetOrFetch returns the cached entry for key, or runs fetch exactly once
// however many callers ask for the same key concurrently. The caller whose
// fetch ran gets SourceFetch; everybody who joined gets SourceShared.
//
// If the owning caller is canceled, joined callers whose own context is
// still live retry with their own fetch.
func (m *Manager) GetOrFetch(ctx context.Context, key string, fetch FetchFunc) (Result, error) {
	if e, ok := m.Get(ctx, key); ok {
		return Result{Entry: e, Source: SourceCache}, nil
	}

	for attempt := 0; ; attempt++ {
		owned := false
		ch := m.group.DoChan(key, func() (any, error) {
			owned = true
			m.track(key)
			defer m.untrack(key)

			// a flight that just finished may have filled the cache
			if e, ok := m.Get(ctx, key); ok {
				return Result{Entry: e, Source: SourceCache}, nil
			}

			m.mu.Lock()
			m.stats.Fetches++
			m.mu.Unlock()

			audio, err := fetch(ctx)
			if err != nil {
				return nil, err
			}
			e, _ := m.put(ctx, key, audio)
			return Result{Entry: e, Source: SourceFetch}, nil
		})

		select {
		case res := <-ch:
			if res.Err != nil {
				if !owned && attempt == 0 && ctx.Err() == nil && isCancellation(res.Err) {
					continue
				}
				return Result{}, res.Err
			}
			r := res.Val.(Result)
			if !owned {
				r.Source = SourceShared
				m.mu.Lock()
				m.stats.SharedWaits++
				m.mu.Unlock()
			}
			return r, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

// InFlight returns the keys with a fetch currently running.
func (m *Manager) InFlight() []string {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()
	keys := make([]string, 0, len(m.inflight))
	for k := range m.inflight {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Manager) track(key string) {
	m.flightMu.Lock()
	m.inflight[key] = m.now()
	m.flightMu.Unlock()
}

func (m *Manager) untrack(key string) {
	m.flightMu.Lock()
	delete(m.inflight, key)
	m.flightMu.Unlock()
}

// Delete removes key from every tier.
func (m *Manager) Delete(ctx context.Context, key string) {
	for _, t := range m.tiers {
		if err := t.Delete(ctx, key); err != nil {
			m.tierError(t, "delete", key, err)
		}
	}
}

// Clear empties every tier.
func (m *Manager) Clear(ctx context.Context) error {
	var errs []error
	for _, t := range m.tiers {
		if err := t.Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s clear: %w", t.Tier(), err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns aggregated statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	stats := m.stats
	m.mu.Unlock()

	stats.InFlight = len(m.InFlight())
	stats.Tiers = make([]Stats, 0, len(m.tiers))
	for _, t := range m.tiers {
		stats.Tiers = append(stats.Tiers, t.Stats())
	}
	return stats
}

// StartRetention prunes entries not accessed within maxAge every interval.
// Eviction policy lives here, outside of Get and Put.
func (m *Manager) StartRetention(maxAge, interval time.Duration) {
	if m.cleanupStop != nil || interval <= 0 {
		return
	}
	m.cleanupStop = make(chan struct{})
	m.cleanupWg.Add(1)

	go func() {
		defer m.cleanupWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Prune(context.Background(), maxAge)
			case <-m.cleanupStop:
				return
			}
		}
	}()
}

// Prune drops entries older than maxAge from tiers that support it and
// returns how many were removed.
func (m *Manager) Prune(ctx context.Context, maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)
	total := 0
	for _, t := range m.tiers {
		p, ok := t.(Pruner)
		if !ok {
			continue
		}
		n, err := p.Prune(ctx, cutoff)
		if err != nil {
			m.tierError(t, "prune", "", err)
		}
		total += n
	}

	m.mu.Lock()
	m.stats.CleanupRuns++
	m.stats.LastCleanup = m.now()
	m.mu.Unlock()

	if total > 0 {
		m.logger.Debug("pruned cache", "removed", total, "older_than", humanize.Time(cutoff))
	}
	return total
}

// Close stops retention and closes every tier.
func (m *Manager) Close() error {
	if m.cleanupStop != nil {
		close(m.cleanupStop)
		m.cleanupWg.Wait()
		m.cleanupStop = nil
	}
	var errs []error
	for _, t := range m.tiers {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s close: %w", t.Tier(), err))
		}
	}
	return errors.Join(errs...)
}

// Describe renders tier sizes for logs and the CLI.
func (m *Manager) Describe() []string {
	var lines []string
	for _, s := range m.Stats().Tiers {
		line := fmt.Sprintf("%-7s %5d items  %9s", s.Tier, s.ItemCount, humanize.IBytes(uint64(max(s.Size, 0))))
		if s.Capacity > 0 {
			line += " / " + humanize.IBytes(uint64(s.Capacity))
		}
		line += fmt.Sprintf("  hit rate %.0f%%", s.HitRate*100)
		lines = append(lines, line)
	}
	return lines
}

func (m *Manager) tierError(t Store, op, key string, err error) {
	m.mu.Lock()
	m.stats.TierErrors++
	m.mu.Unlock()
	m.logger.Warn("cache tier error", "tier", t.Tier(), "op", op, "key", key, "error", err)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
