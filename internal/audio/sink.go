package audio

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vrwarp/narrator/internal/ttypes"
)

var (
	// ErrClosed is returned by operations on a closed sink.
	ErrClosed = errors.New("audio sink is closed")

	// ErrEmptyAudio is returned when asked to play nothing.
	ErrEmptyAudio = errors.New("audio data is empty")
)

// Sink plays PCM audio one utterance at a time.
type Sink interface {
	// Format is the output format; Play converts input to it.
	Format() ttypes.Format

	// Play starts pcm, stopping whatever was playing. The returned
	// Playback resolves when the audio ends or is stopped.
	Play(pcm []byte, format ttypes.Format) (*Playback, error)

	Pause() error
	Resume() error
	Stop() error

	// Position is the elapsed time of the current utterance.
	Position() time.Duration

	SetVolume(volume float64) error
	Close() error
}

// Playback tracks one utterance handed to a Sink.
type Playback struct {
	Duration time.Duration

	done      chan struct{}
	once      sync.Once
	completed atomic.Bool
}

func newPlayback(d time.Duration) *Playback {
	return &Playback{Duration: d, done: make(chan struct{})}
}

// Done is closed when playback ends for any reason.
func (p *Playback) Done() <-chan struct{} {
	return p.done
}

// Completed reports whether the audio played to its end rather than being
// stopped. Only meaningful after Done.
func (p *Playback) Completed() bool {
	return p.completed.Load()
}

func (p *Playback) finish(completed bool) {
	p.once.Do(func() {
		p.completed.Store(completed)
		close(p.done)
	})
}

// PlayerState is the state of a sink.
type PlayerState int32

const (
	StateStopped PlayerState = iota
	StatePlaying
	StatePaused
	StateClosed
)

func (s PlayerState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
