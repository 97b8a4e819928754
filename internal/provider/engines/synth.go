package engines

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vrwarp/narrator/internal/audio"
	"github.com/vrwarp/narrator/internal/cache"
	"github.com/vrwarp/narrator/internal/logging"
	"github.com/vrwarp/narrator/internal/provider"
	"github.com/vrwarp/narrator/internal/ttypes"
)

// DefaultTickInterval is how often time-update events are emitted.
const DefaultTickInterval = 250 * time.Millisecond

// Synthesizer turns text into audio in one request.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, opts ttypes.SynthesisOptions) (ttypes.Audio, error)
	Voices(ctx context.Context) ([]ttypes.Voice, error)
}

// Preparer is implemented by synthesizers that need setup, such as a model
// download, before the first request.
type Preparer interface {
	Prepare(ctx context.Context, emit provider.Emitter) error
}

// SynthConfig configures a Synth backend.
type SynthConfig struct {
	ID           string
	Capabilities provider.Capabilities

	// Cache is consulted before every synthesis; nil disables caching.
	Cache *cache.Manager

	Sink         audio.Sink
	TickInterval time.Duration
	Logger       *log.Logger
	Metrics      *logging.Metrics
}

type utterance struct {
	op       uint64
	playback *audio.Playback
}

type pending struct {
	text  string
	key   string
	done  chan struct{}
	audio ttypes.Audio
	err   error
}

// Synth is a provider.Backend that synthesizes whole utterances, caches
// them, and plays them on an audio sink. It is interruptible and supports
// handoff of preloaded utterances.
type Synth struct {
	id      string
	caps    provider.Capabilities
	synth   Synthesizer
	cache   *cache.Manager
	sink    audio.Sink
	tick    time.Duration
	logger  *log.Logger
	metrics *logging.Metrics

	mu      sync.Mutex
	emit    provider.Emitter
	current *utterance
	pending *pending
}

// NewSynth wraps s as a backend.
func NewSynth(s Synthesizer, cfg SynthConfig) *Synth {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default().WithPrefix(cfg.ID)
	}
	caps := cfg.Capabilities
	caps.Interruptible = true
	caps.Handoff = true
	return &Synth{
		id:      cfg.ID,
		caps:    caps,
		synth:   s,
		cache:   cfg.Cache,
		sink:    cfg.Sink,
		tick:    cfg.TickInterval,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// ID implements provider.Backend.
func (s *Synth) ID() string { return s.id }

// Capabilities implements provider.Backend.
func (s *Synth) Capabilities() provider.Capabilities { return s.caps }

// Init implements provider.Backend.
func (s *Synth) Init(ctx context.Context, emit provider.Emitter) error {
	if s.sink == nil {
		return provider.NewError(provider.ErrorCodeEngineUnavailable, s.id, "no audio output", nil)
	}
	s.mu.Lock()
	s.emit = emit
	s.mu.Unlock()

	if p, ok := s.synth.(Preparer); ok {
		return p.Prepare(ctx, s.send)
	}
	return nil
}

// Voices implements provider.Backend.
func (s *Synth) Voices(ctx context.Context) ([]ttypes.Voice, error) {
	voices, err := s.synth.Voices(ctx)
	if err != nil {
		return nil, err
	}
	for i := range voices {
		voices[i].BackendID = s.id
	}
	return voices, nil
}

func (s *Synth) key(text string, opts provider.Options) string {
	o := opts.Normalized()
	return cache.Key(text, s.id+":"+o.VoiceID, o.Speed, o.Pitch, opts.LexiconHash)
}

// fetch returns audio for text from the cache or the synthesizer. Cost is
// reported only by the caller that actually ran the synthesis.
func (s *Synth) fetch(ctx context.Context, text string, opts provider.Options) (ttypes.Audio, error) {
	synthesize := func(ctx context.Context) (ttypes.Audio, error) {
		return s.synth.Synthesize(ctx, text, opts.Normalized())
	}

	var (
		a   ttypes.Audio
		err error
		src = cache.SourceFetch
	)
	sample := s.metrics.Start(s.id, text)
	if s.cache != nil {
		var res cache.Result
		if res, err = s.cache.GetOrFetch(ctx, s.key(text, opts), synthesize); err == nil {
			a, src = res.Entry.AsAudio(), res.Source
		}
	} else {
		a, err = synthesize(ctx)
	}
	sample.End(len(a.Data), src != cache.SourceFetch, err)
	if err != nil {
		return ttypes.Audio{}, err
	}

	if s.caps.Metered && src == cache.SourceFetch {
		s.send(provider.Event{Kind: provider.EventCost, OpID: opts.OpID, Text: text, Characters: len([]rune(text))})
	}
	return a, nil
}

// Play implements provider.Backend.
func (s *Synth) Play(ctx context.Context, text string, opts provider.Options) error {
	a, err := s.fetch(ctx, text, opts)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.start(ctx, text, opts.OpID, a, true)
}

func (s *Synth) start(ctx context.Context, text string, op uint64, a ttypes.Audio, announce bool) error {
	pcm, format, err := audio.ToPCM(a)
	if err != nil {
		return provider.NewError(provider.ErrorCodeEngineFailure, s.id, "undecodable audio", err)
	}

	s.mu.Lock()
	pb, err := s.sink.Play(pcm, format)
	if err != nil {
		s.mu.Unlock()
		return provider.NewError(provider.ErrorCodeEngineFailure, s.id, "audio output failed", err)
	}
	u := &utterance{op: op, playback: pb}
	s.current = u
	s.mu.Unlock()

	s.send(provider.Event{Kind: provider.EventMeta, OpID: op, Text: text, Duration: pb.Duration, Alignment: a.Alignment})
	if announce {
		s.send(provider.Event{Kind: provider.EventStart, OpID: op, Text: text})
	}
	go s.track(ctx, u, a.Alignment)
	return nil
}

// track reports progress of u until it ends or ctx is canceled.
func (s *Synth) track(ctx context.Context, u *utterance, alignment []ttypes.AlignmentPoint) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	next := 0
	for {
		select {
		case <-u.playback.Done():
			s.mu.Lock()
			if s.current == u {
				s.current = nil
			}
			s.mu.Unlock()
			if u.playback.Completed() {
				s.send(provider.Event{Kind: provider.EventEnd, OpID: u.op})
			}
			return

		case <-ctx.Done():
			s.stopIfCurrent(u)
			return

		case <-ticker.C:
			s.mu.Lock()
			live := s.current == u
			s.mu.Unlock()
			if !live {
				continue
			}
			pos := s.sink.Position()
			s.send(provider.Event{Kind: provider.EventTimeUpdate, OpID: u.op, Elapsed: pos})
			for next < len(alignment) && time.Duration(alignment[next].TimeSeconds*float64(time.Second)) <= pos {
				s.send(provider.Event{Kind: provider.EventBoundary, OpID: u.op, Boundary: alignment[next]})
				next++
			}
		}
	}
}

func (s *Synth) stopIfCurrent(u *utterance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != u {
		return
	}
	s.current = nil
	if err := s.sink.Stop(); err != nil {
		s.logger.Warn("failed to stop audio", "err", err)
	}
}

// Preload implements provider.Backend. Synthesis runs in the background and
// is abandoned when ctx is canceled.
func (s *Synth) Preload(ctx context.Context, text string, opts provider.Options) error {
	p := &pending{text: text, key: s.key(text, opts), done: make(chan struct{})}

	s.mu.Lock()
	s.pending = p
	s.mu.Unlock()

	go func() {
		defer close(p.done)
		p.audio, p.err = s.fetch(ctx, text, opts)
		if p.err != nil && !errors.Is(p.err, context.Canceled) {
			s.logger.Warn("preload failed", "err", p.err)
		}
	}()
	return nil
}

// Handoff implements provider.Backend. It waits for a matching preload to
// finish and plays its audio without announcing a start.
func (s *Synth) Handoff(ctx context.Context, text string, opts provider.Options) bool {
	s.mu.Lock()
	p := s.pending
	if p == nil || p.text != text || p.key != s.key(text, opts) {
		s.mu.Unlock()
		return false
	}
	s.pending = nil
	s.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		return false
	}
	if p.err != nil {
		return false
	}
	if err := s.start(ctx, text, opts.OpID, p.audio, false); err != nil {
		s.logger.Warn("handoff failed", "err", err)
		return false
	}
	return true
}

// Pause implements provider.Backend.
func (s *Synth) Pause(context.Context) error {
	return s.sink.Pause()
}

// Resume implements provider.Backend.
func (s *Synth) Resume(context.Context) error {
	return s.sink.Resume()
}

// Stop implements provider.Backend.
func (s *Synth) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
	s.pending = nil
	return s.sink.Stop()
}

// Close implements provider.Backend.
func (s *Synth) Close() error {
	err := s.Stop(context.Background())
	if c, ok := s.synth.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}

func (s *Synth) send(ev provider.Event) {
	s.mu.Lock()
	emit := s.emit
	s.mu.Unlock()
	if emit == nil {
		return
	}
	ev.Backend = s.id
	emit(ev)
}
