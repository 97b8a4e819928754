package playback

import (
	"context"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
)

// Manager is the single owner of the queue and the playback position.
//
// Mutations are expected to arrive from one sequencer lane; the mutex only
// protects readers on other goroutines (status displays, tests).
type Manager struct {
	mu sync.RWMutex

	bookID  string
	queue   []QueueItem
	current int
	section int
	status  Status

	// prefix[i] is the number of visible characters before item i;
	// len(prefix) == len(queue)+1.
	prefix []int
	rate   float64

	// queueVersion changes whenever the queue slice is replaced;
	// persistedVersion is the version last written in full.
	queueVersion     uint64
	persistedVersion uint64

	persister Persister

	listenerMu sync.Mutex
	listeners  map[int]Listener
	nextID     int

	logger *log.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithCharsPerSecond overrides the nominal reading rate.
func WithCharsPerSecond(rate float64) Option {
	return func(m *Manager) {
		if rate > 0 {
			m.rate = rate
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates an empty manager. persister may be nil.
func NewManager(persister Persister, opts ...Option) *Manager {
	m := &Manager{
		section:   -1,
		status:    StatusStopped,
		prefix:    []int{0},
		rate:      DefaultCharsPerSecond,
		persister: persister,
		listeners: make(map[int]Listener),
		logger:    log.Default().WithPrefix("playback"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetBook switches the active book. Changing books discards the queue.
func (m *Manager) SetBook(bookID string) {
	m.mu.Lock()
	if m.bookID == bookID {
		m.mu.Unlock()
		return
	}
	m.bookID = bookID
	m.resetLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snap)
}

// BookID returns the active book.
func (m *Manager) BookID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bookID
}

// SetQueue replaces the queue and persists it.
func (m *Manager) SetQueue(ctx context.Context, items []QueueItem, startIndex, sectionIndex int) {
	m.mu.Lock()
	m.replaceQueueLocked(items, startIndex, sectionIndex)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.persist(ctx, snap)
	m.notify(snap)
}

func (m *Manager) replaceQueueLocked(items []QueueItem, startIndex, sectionIndex int) {
	m.queue = cloneQueue(items)
	m.queueVersion++
	m.rebuildPrefixLocked()

	if len(m.queue) == 0 {
		m.current = 0
		m.section = -1
		return
	}
	m.current = min(max(startIndex, 0), len(m.queue)-1)
	m.section = sectionIndex
}

// Restore loads the saved queue for the active book. It reports whether
// anything was restored. The restored queue is not written back.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	m.mu.RLock()
	bookID := m.bookID
	m.mu.RUnlock()
	if m.persister == nil || bookID == "" {
		return false, nil
	}

	saved, err := m.persister.LoadQueueState(ctx, bookID)
	if err != nil || saved == nil || len(saved.Queue) == 0 {
		return false, err
	}

	m.mu.Lock()
	m.replaceQueueLocked(saved.Queue, saved.Index, saved.SectionIndex)
	m.persistedVersion = m.queueVersion
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snap)
	return true, nil
}

// Reset empties the queue without persisting.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.resetLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snap)
}

func (m *Manager) resetLocked() {
	m.queue = nil
	m.queueVersion++
	m.persistedVersion = m.queueVersion
	m.current = 0
	m.section = -1
	m.status = StatusStopped
	m.rebuildPrefixLocked()
}

// ApplySkipMask marks an item skipped when every one of its source indices
// is in skipped. Items with partial overlap stay audible. It never clears
// an existing skip flag, so applying the same mask twice is a no-op.
func (m *Manager) ApplySkipMask(ctx context.Context, skipped map[int]struct{}) bool {
	if len(skipped) == 0 {
		return false
	}

	m.mu.Lock()
	var next []QueueItem
	for i, it := range m.queue {
		if it.Skipped || !coveredBy(it.SourceIndices, skipped) {
			continue
		}
		if next == nil {
			next = cloneQueue(m.queue)
		}
		next[i] = it.withSkipped(true)
	}
	if next == nil {
		m.mu.Unlock()
		return false
	}
	m.queue = next
	m.queueVersion++
	m.rebuildPrefixLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.persist(ctx, snap)
	m.notify(snap)
	return true
}

func coveredBy(indices []int, set map[int]struct{}) bool {
	if len(indices) == 0 {
		return false
	}
	for _, idx := range indices {
		if _, ok := set[idx]; !ok {
			return false
		}
	}
	return true
}

// ApplyTableAdaptations swaps each group of items under a common ancestor
// anchor for a single adapted item: the first item in the group takes the
// adapted text and becomes audible, its siblings are skipped.
func (m *Manager) ApplyTableAdaptations(ctx context.Context, adaptations map[string]string) bool {
	if len(adaptations) == 0 {
		return false
	}

	// deterministic order for overlapping ancestors
	ancestors := make([]string, 0, len(adaptations))
	for a := range adaptations {
		ancestors = append(ancestors, a)
	}
	sort.Strings(ancestors)

	m.mu.Lock()
	next := cloneQueue(m.queue)
	changed := false
	for _, ancestor := range ancestors {
		text := adaptations[ancestor]
		first := true
		for i, it := range next {
			if !AnchorContains(ancestor, it.Anchor) {
				continue
			}
			var updated QueueItem
			if first {
				updated = it.withText(text).withSkipped(false)
				first = false
			} else {
				updated = it.withSkipped(true)
			}
			if updated.Text != it.Text || updated.Skipped != it.Skipped {
				next[i] = updated
				changed = true
			}
		}
	}
	if !changed {
		m.mu.Unlock()
		return false
	}
	m.queue = next
	m.queueVersion++
	m.rebuildPrefixLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.persist(ctx, snap)
	m.notify(snap)
	return true
}

// Next moves to the next visible item.
func (m *Manager) Next(ctx context.Context) bool {
	return m.move(ctx, func() int { return m.scanLocked(m.current+1, 1) })
}

// Prev moves to the previous visible item.
func (m *Manager) Prev(ctx context.Context) bool {
	return m.move(ctx, func() int { return m.scanLocked(m.current-1, -1) })
}

// JumpTo moves to item i, or the nearest visible item after it, or failing
// that the nearest visible item before it.
func (m *Manager) JumpTo(ctx context.Context, i int) bool {
	return m.move(ctx, func() int {
		if i < 0 || i >= len(m.queue) {
			return -1
		}
		if t := m.scanLocked(i, 1); t >= 0 {
			return t
		}
		return m.scanLocked(i, -1)
	})
}

// SeekToTime moves to the item containing time t on the virtual timeline.
// Negative times clamp to the start, times past the end to the last visible
// item. It returns the resulting index and whether a visible target exists.
func (m *Manager) SeekToTime(ctx context.Context, t float64) (int, bool) {
	idx := -1
	ok := m.move(ctx, func() int {
		idx = m.indexAtTimeLocked(t)
		return idx
	})
	if !ok && idx >= 0 {
		// already there
		return idx, true
	}
	return idx, ok
}

func (m *Manager) indexAtTimeLocked(t float64) int {
	n := len(m.queue)
	if n == 0 {
		return -1
	}
	if t < 0 {
		t = 0
	}
	target := t * m.rate
	i := sort.Search(n, func(i int) bool { return float64(m.prefix[i+1]) > target })
	if i >= n {
		return m.scanLocked(n-1, -1)
	}
	if j := m.scanLocked(i, 1); j >= 0 {
		return j
	}
	return m.scanLocked(i, -1)
}

// move applies a navigation. pick runs under the lock and returns the
// target index or -1. Moving to the current index is not a change.
func (m *Manager) move(ctx context.Context, pick func() int) bool {
	m.mu.Lock()
	target := pick()
	if target < 0 || target == m.current {
		m.mu.Unlock()
		return false
	}
	m.current = target
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.persist(ctx, snap)
	m.notify(snap)
	return true
}

// scanLocked returns the first visible index at or beyond from in direction
// dir, or -1.
func (m *Manager) scanLocked(from, dir int) int {
	for i := from; i >= 0 && i < len(m.queue); i += dir {
		if !m.queue[i].Skipped {
			return i
		}
	}
	return -1
}

// CalculateCharsPerSecond returns the nominal reading rate.
func (m *Manager) CalculateCharsPerSecond() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rate
}

// GetCurrentPosition returns the position on the virtual timeline given the
// time the backend reports into the current item.
func (m *Manager) GetCurrentPosition(elapsed float64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return float64(m.prefix[m.current])/m.rate + elapsed
}

// GetTotalDuration returns the length of the virtual timeline in seconds.
func (m *Manager) GetTotalDuration() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return float64(m.prefix[len(m.prefix)-1]) / m.rate
}

func (m *Manager) rebuildPrefixLocked() {
	prefix := make([]int, len(m.queue)+1)
	for i, it := range m.queue {
		n := 0
		if !it.Skipped {
			n = utf8.RuneCountInString(it.Text)
		}
		prefix[i+1] = prefix[i] + n
	}
	m.prefix = prefix
}

// SetStatus updates the status, notifying only on change.
func (m *Manager) SetStatus(status Status) {
	m.mu.Lock()
	if m.status == status {
		m.mu.Unlock()
		return
	}
	m.status = status
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snap)
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Current returns the current item.
func (m *Manager) Current() (QueueItem, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.queue) == 0 {
		return QueueItem{}, false
	}
	return m.queue[m.current], true
}

// Peek returns the next visible item after the current one.
func (m *Manager) Peek() (QueueItem, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i := m.scanLocked(m.current+1, 1); i >= 0 {
		return m.queue[i], true
	}
	return QueueItem{}, false
}

// Len returns the number of queued items, skipped ones included.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queue)
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		BookID:              m.bookID,
		Queue:               m.queue,
		CurrentIndex:        m.current,
		CurrentSectionIndex: m.section,
		Status:              m.status,
	}
	if len(m.queue) > 0 {
		item := m.queue[m.current]
		snap.CurrentItem = &item
	}
	return snap
}

// UpdatePlaybackMarker records the current anchor and pause time. A nil
// pausedAt clears the pause.
func (m *Manager) UpdatePlaybackMarker(ctx context.Context, pausedAt *time.Time) {
	snap := m.Snapshot()
	if m.persister == nil || snap.BookID == "" || snap.CurrentItem == nil {
		return
	}
	if err := m.persister.UpdatePlaybackMarker(ctx, snap.BookID, snap.CurrentAnchor(), pausedAt); err != nil {
		m.logger.Warn("failed to update playback marker", "book", snap.BookID, "error", err)
	}
}

// persist writes the full queue when it changed since the last full write,
// otherwise only the position. Failures are logged.
func (m *Manager) persist(ctx context.Context, snap Snapshot) {
	if m.persister == nil || snap.BookID == "" {
		return
	}

	m.mu.Lock()
	full := m.queueVersion != m.persistedVersion
	version := m.queueVersion
	m.mu.Unlock()

	var err error
	if full {
		err = m.persister.SaveQueueState(ctx, snap.BookID, snap.Queue, snap.CurrentIndex, snap.CurrentSectionIndex)
		if err == nil {
			m.mu.Lock()
			m.persistedVersion = version
			m.mu.Unlock()
		}
	} else {
		err = m.persister.SavePosition(ctx, snap.BookID, snap.CurrentIndex, snap.CurrentSectionIndex)
	}
	if err != nil {
		m.logger.Warn("failed to persist playback state", "book", snap.BookID, "full", full, "error", err)
	}
}

// Subscribe registers l and returns a function that removes it.
func (m *Manager) Subscribe(l Listener) func() {
	m.listenerMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenerMu.Lock()
			delete(m.listeners, id)
			m.listenerMu.Unlock()
		})
	}
}

func (m *Manager) notify(snap Snapshot) {
	m.listenerMu.Lock()
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, m.listeners[id])
	}
	m.listenerMu.Unlock()

	for _, l := range ls {
		l(snap)
	}
}
