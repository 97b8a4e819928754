package playback

import (
	"context"
	"errors"
	"slices"
	"time"
)

// DefaultCharsPerSecond is the nominal reading rate used to derive a
// continuous timeline from character counts.
const DefaultCharsPerSecond = 15.0

// ErrQueueEmpty is returned by operations that need at least one item.
var ErrQueueEmpty = errors.New("playback queue is empty")

// Status is the coarse playback status shown to the user.
type Status string

const (
	StatusStopped   Status = "stopped"
	StatusLoading   Status = "loading"
	StatusPlaying   Status = "playing"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// QueueItem is one narratable unit. Items are values: changing a flag
// produces a new item, so snapshots handed to subscribers stay stable.
type QueueItem struct {
	Text   string `json:"text"`
	Anchor string `json:"anchor"`

	// display metadata
	Title    string `json:"title,omitempty"`
	Author   string `json:"author,omitempty"`
	CoverRef string `json:"cover,omitempty"`

	// Kind is the content classification of the source segment
	// (paragraph, heading, code, table, footnote).
	Kind string `json:"kind,omitempty"`

	Skipped bool `json:"skipped,omitempty"`

	// SourceIndices are the finer-grained source segments this item was
	// composed from.
	SourceIndices []int `json:"source_indices,omitempty"`
}

func (it QueueItem) withSkipped(skipped bool) QueueItem {
	it.Skipped = skipped
	return it
}

func (it QueueItem) withText(text string) QueueItem {
	it.Text = text
	return it
}

// Snapshot is an immutable view of playback state. Queue must not be
// modified by receivers.
type Snapshot struct {
	BookID              string
	Queue               []QueueItem
	CurrentIndex        int
	CurrentItem         *QueueItem
	CurrentSectionIndex int
	Status              Status
}

// CurrentAnchor returns the anchor of the current item, or "".
func (s Snapshot) CurrentAnchor() string {
	if s.CurrentItem == nil {
		return ""
	}
	return s.CurrentItem.Anchor
}

// SavedQueue is what a Persister returns from LoadQueueState.
type SavedQueue struct {
	Queue        []QueueItem
	Index        int
	SectionIndex int
	Anchor       string
	PausedAt     *time.Time
}

// Persister is the write-through target for playback state.
// LoadQueueState returns nil, nil when nothing was saved for the book.
type Persister interface {
	SaveQueueState(ctx context.Context, bookID string, queue []QueueItem, index, sectionIndex int) error
	SavePosition(ctx context.Context, bookID string, index, sectionIndex int) error
	UpdatePlaybackMarker(ctx context.Context, bookID, anchor string, pausedAt *time.Time) error
	LoadQueueState(ctx context.Context, bookID string) (*SavedQueue, error)
}

// Listener receives a snapshot after every state change.
type Listener func(Snapshot)

func cloneQueue(items []QueueItem) []QueueItem {
	return slices.Clone(items)
}
