package narrator

import (
	"context"

	"github.com/vrwarp/narrator/internal/playback"
	"github.com/vrwarp/narrator/internal/provider"
	"github.com/vrwarp/narrator/internal/ttypes"
)

// EventKind tags an Event.
type EventKind string

const (
	// EventStatus carries a playback snapshot after every state change.
	EventStatus EventKind = "status"

	// EventError reports a failure. Fatal errors stopped playback.
	EventError EventKind = "error"

	// EventProgress reports a backend asset download.
	EventProgress EventKind = "progress"

	// EventPosition reports the position on the section timeline.
	EventPosition EventKind = "position"

	// EventBoundary marks a word or sentence boundary in the current item.
	EventBoundary EventKind = "boundary"

	// EventCost reports characters sent to a metered backend.
	EventCost EventKind = "cost"

	// EventSection reports that a section was loaded.
	EventSection EventKind = "section"
)

// Event is what the narrator reports to its subscribers. Which fields are
// set depends on Kind.
type Event struct {
	Kind    EventKind
	Session string
	Backend string

	// status
	Snapshot playback.Snapshot

	// error
	Err   error
	Fatal bool

	// progress, 0 to 1
	Asset    string
	Progress float64

	// position, in seconds
	Position float64
	Duration float64

	// boundary
	Boundary ttypes.AlignmentPoint

	// cost
	Characters      int
	TotalCharacters int

	// section
	Section int
	Title   string
}

// handleProviderEvent runs on the emitting goroutine. Anything that
// mutates playback state is handed to the lane.
func (n *Narrator) handleProviderEvent(ev provider.Event) {
	switch ev.Kind {
	case provider.EventEnd:
		op := ev.OpID
		n.seq.Enqueue("advance", func(ctx context.Context) (any, error) {
			return nil, n.advanceAfter(ctx, op)
		})

	case provider.EventError:
		n.seq.Enqueue("recover", func(ctx context.Context) (any, error) {
			return nil, n.recoverPlayback(ctx, ev)
		})

	case provider.EventFallback:
		n.emit(Event{Kind: EventError, Backend: ev.Backend, Err: ev.Err})
		n.seq.Enqueue("fallback", func(ctx context.Context) (any, error) {
			n.dropForeignVoice(ctx)
			return nil, nil
		})

	case provider.EventCost:
		n.recordCost(ev)

	case provider.EventDownloadProgress:
		n.emit(Event{Kind: EventProgress, Backend: ev.Backend, Asset: ev.Asset, Progress: ev.Progress})

	case provider.EventTimeUpdate:
		n.emit(Event{
			Kind:     EventPosition,
			Backend:  ev.Backend,
			Position: n.playback.GetCurrentPosition(ev.Elapsed.Seconds()),
			Duration: n.playback.GetTotalDuration(),
		})

	case provider.EventBoundary:
		n.emit(Event{Kind: EventBoundary, Backend: ev.Backend, Boundary: ev.Boundary})
	}
}

// recordCost adds to the running totals and writes the delta to the usage
// recorder.
func (n *Narrator) recordCost(ev provider.Event) {
	if ev.Characters <= 0 {
		return
	}
	n.mu.Lock()
	n.costs[ev.Backend] += ev.Characters
	n.total += ev.Characters
	total := n.total
	n.mu.Unlock()

	if n.usage != nil {
		if err := n.usage.RecordUsage(context.Background(), ev.Backend, ev.Characters); err != nil {
			n.logger.Warn("failed to record usage", "backend", ev.Backend, "error", err)
		}
	}
	n.emit(Event{Kind: EventCost, Backend: ev.Backend, Characters: ev.Characters, TotalCharacters: total})
}

// recoverPlayback handles an error reported after playback started. Network
// failures continue on the local backend; anything else stops playback.
func (n *Narrator) recoverPlayback(ctx context.Context, ev provider.Event) error {
	err := n.providers.Recover(ctx, ev)
	if err == nil || provider.IsCancellation(err) {
		return nil
	}
	n.fail(err)
	return err
}

func (n *Narrator) fail(err error) {
	n.playback.SetStatus(playback.StatusStopped)
	n.emit(Event{Kind: EventError, Err: err, Fatal: true})
}
