package provider

import (
	"time"

	"github.com/vrwarp/narrator/internal/ttypes"
)

// EventKind tags an Event.
type EventKind string

const (
	EventStart            EventKind = "start"
	EventEnd              EventKind = "end"
	EventError            EventKind = "error"
	EventTimeUpdate       EventKind = "time-update"
	EventBoundary         EventKind = "boundary"
	EventMeta             EventKind = "meta"
	EventDownloadProgress EventKind = "download-progress"
	EventFallback         EventKind = "fallback"
	EventCost             EventKind = "cost"
)

// opScoped reports whether events of this kind belong to one play operation
// and must be dropped once that operation is superseded.
func (k EventKind) opScoped() bool {
	switch k {
	case EventStart, EventEnd, EventError, EventTimeUpdate, EventBoundary, EventMeta:
		return true
	default:
		return false
	}
}

// Event is emitted by backends and forwarded by the Manager. Which fields
// are set depends on Kind.
type Event struct {
	Kind    EventKind
	OpID    uint64
	Backend string
	Text    string

	// time-update
	Elapsed time.Duration

	// meta
	Duration  time.Duration
	Alignment []ttypes.AlignmentPoint

	// boundary
	Boundary ttypes.AlignmentPoint

	// download-progress, 0 to 1
	Progress float64
	Asset    string

	// cost
	Characters int

	// error, fallback
	Err *Error
}

// Emitter receives backend events.
type Emitter func(Event)
