package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/vrwarp/narrator/internal/cache"
	"github.com/vrwarp/narrator/internal/playback"
)

// Memory is a Store that keeps everything in process. Used for tests and
// when persistence is disabled.
type Memory struct {
	mu     sync.Mutex
	queues map[string]*playback.SavedQueue
	audio  map[string]*cache.Entry
	usage  map[string]*Usage
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string]*playback.SavedQueue),
		audio:  make(map[string]*cache.Entry),
		usage:  make(map[string]*Usage),
	}
}

func (m *Memory) queueLocked(bookID string) *playback.SavedQueue {
	q, ok := m.queues[bookID]
	if !ok {
		q = &playback.SavedQueue{}
		m.queues[bookID] = q
	}
	return q
}

// SaveQueueState implements playback.Persister.
func (m *Memory) SaveQueueState(_ context.Context, bookID string, queue []playback.QueueItem, index, sectionIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queueLocked(bookID)
	q.Queue = slices.Clone(queue)
	q.Index = index
	q.SectionIndex = sectionIndex
	return nil
}

// SavePosition implements playback.Persister.
func (m *Memory) SavePosition(_ context.Context, bookID string, index, sectionIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[bookID]
	if !ok {
		return fmt.Errorf("save position for %s: %w", bookID, ErrNotFound)
	}
	q.Index = index
	q.SectionIndex = sectionIndex
	return nil
}

// UpdatePlaybackMarker implements playback.Persister.
func (m *Memory) UpdatePlaybackMarker(_ context.Context, bookID, anchor string, pausedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queueLocked(bookID)
	q.Anchor = anchor
	if pausedAt != nil {
		t := *pausedAt
		q.PausedAt = &t
	} else {
		q.PausedAt = nil
	}
	return nil
}

// LoadQueueState implements playback.Persister.
func (m *Memory) LoadQueueState(_ context.Context, bookID string) (*playback.SavedQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[bookID]
	if !ok {
		return nil, nil
	}
	out := *q
	out.Queue = slices.Clone(q.Queue)
	return &out, nil
}

// GetCachedAudio implements cache.Persistence.
func (m *Memory) GetCachedAudio(_ context.Context, key string) (*cache.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.audio[key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return e.Clone(), nil
}

// PutCachedAudio implements cache.Persistence.
func (m *Memory) PutCachedAudio(_ context.Context, key string, e *cache.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audio[key] = e.Clone()
	return nil
}

// TouchCachedAudio implements cache.Persistence.
func (m *Memory) TouchCachedAudio(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.audio[key]
	if !ok {
		return cache.ErrCacheMiss
	}
	e.LastAccessedAt = at
	return nil
}

// DeleteCachedAudio implements cache.Persistence.
func (m *Memory) DeleteCachedAudio(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.audio, key)
	return nil
}

// Prune implements Store.
func (m *Memory) Prune(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, e := range m.audio {
		if e.LastAccessedAt.Before(cutoff) {
			delete(m.audio, k)
			removed++
		}
	}
	return removed, nil
}

// RecordUsage implements Store.
func (m *Memory) RecordUsage(_ context.Context, backendID string, characters int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usage[backendID]
	if !ok {
		u = &Usage{BackendID: backendID}
		m.usage[backendID] = u
	}
	u.Characters += int64(characters)
	u.Requests++
	return nil
}

// Usage implements Store.
func (m *Memory) Usage(context.Context) ([]Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Usage, 0, len(m.usage))
	for _, u := range m.usage {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BackendID < out[j].BackendID })
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
