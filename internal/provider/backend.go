package provider

import (
	"context"

	"github.com/vrwarp/narrator/internal/ttypes"
)

// Capabilities describe how the Manager must drive a backend.
type Capabilities struct {
	// Local marks the always-available on-device backend used as the
	// fallback target.
	Local bool

	// Handoff means a preloaded utterance can be adopted by Handoff without
	// a new synthesis call.
	Handoff bool

	// Interruptible means canceling the operation context silences the
	// backend. Otherwise the Manager calls Stop and waits for it.
	Interruptible bool

	// Metered backends bill per character and emit cost events.
	Metered bool
}

// Options are the per-utterance settings passed to a backend.
type Options struct {
	ttypes.SynthesisOptions

	// OpID identifies the play operation; every op-scoped event the
	// backend emits for it must carry the same id.
	OpID uint64

	// LexiconHash identifies the rule set applied to the text, for caching.
	LexiconHash string
}

// Backend is one speech engine.
//
// Play returns once audio has started; completion is reported with an end
// event and failures after that point with an error event. A failure to
// start is returned directly and must not also be emitted.
type Backend interface {
	ID() string
	Capabilities() Capabilities

	// Init is called once before first use. emit stays valid for the
	// backend's lifetime.
	Init(ctx context.Context, emit Emitter) error

	Voices(ctx context.Context) ([]ttypes.Voice, error)

	Play(ctx context.Context, text string, opts Options) error

	// Preload prepares text in the background without playing it.
	Preload(ctx context.Context, text string, opts Options) error

	// Handoff starts the preloaded text under opts.OpID. It reports false
	// if nothing usable was preloaded. The backend must not emit start for
	// a handoff.
	Handoff(ctx context.Context, text string, opts Options) bool

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error

	// Stop silences the backend and returns once it is quiet.
	Stop(ctx context.Context) error

	Close() error
}
