// Package narrator wires the playback state, the speech providers and the
// pronunciation lexicon into one orchestrator. Every command runs on a
// single sequencer lane; the returned handle resolves when it has taken
// effect.
package narrator

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/vrwarp/narrator/internal/content"
	"github.com/vrwarp/narrator/internal/lexicon"
	"github.com/vrwarp/narrator/internal/playback"
	"github.com/vrwarp/narrator/internal/provider"
	"github.com/vrwarp/narrator/internal/sequencer"
	"github.com/vrwarp/narrator/internal/ttypes"
)

var (
	// ErrNoBook is returned by commands that need an open book.
	ErrNoBook = errors.New("no book open")

	// ErrEmptyBook is returned when a book has no sections.
	ErrEmptyBook = errors.New("book has no narratable sections")
)

// Settings are the user-adjustable synthesis options.
type Settings struct {
	VoiceID string
	Speed   float64
	Pitch   float64
}

// Config configures narration behavior.
type Config struct {
	Settings

	// SkipKinds are segment kinds that are never spoken.
	SkipKinds []content.Kind

	// AdaptTables speaks a summary in place of table rows.
	AdaptTables bool

	// ResumeRewind restarts the current item when resuming after a pause
	// longer than this. Zero always resumes mid-utterance.
	ResumeRewind time.Duration

	// ContinueBook moves on to the next section when one ends.
	ContinueBook bool

	CharsPerSecond float64
}

// RuleSource resolves the ordered lexicon rules for a book.
type RuleSource interface {
	Resolve(bookID string) []lexicon.Rule
}

// UsageRecorder accumulates characters sent to metered backends.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, backendID string, characters int) error
}

// Options are the collaborators of a Narrator. Only Providers is required.
type Options struct {
	Providers *provider.Manager
	Persister playback.Persister
	Usage     UsageRecorder
	Rules     RuleSource
	Config    Config
	Logger    *log.Logger
}

// Narrator is the playback orchestrator. Its lane-owned fields are only
// touched from sequencer tasks.
type Narrator struct {
	id        string
	seq       *sequencer.Sequencer
	playback  *playback.Manager
	providers *provider.Manager
	lexicon   *lexicon.Engine
	rules     RuleSource
	usage     UsageRecorder
	cfg       Config
	logger    *log.Logger

	// lane-owned
	source   content.Source
	meta     content.BookMeta
	sections int
	pausedAt time.Time

	// set while a synthesis request is outstanding on the lane
	synthesizing atomic.Bool

	mu       sync.Mutex
	settings Settings
	costs    map[string]int
	total    int
	subs     map[int]func(Event)
	nextSub  int

	unsubscribe []func()
}

// New creates a narrator. Providers must already have their backends
// registered.
func New(opts Options) (*Narrator, error) {
	if opts.Providers == nil {
		return nil, provider.ErrNoBackend
	}
	id := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("narrator")
	}
	logger = logger.With("session", id[:8])

	cfg := opts.Config
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	if cfg.Pitch <= 0 {
		cfg.Pitch = 1
	}

	n := &Narrator{
		id:        id,
		seq:       sequencer.New(logger.WithPrefix("sequencer")),
		providers: opts.Providers,
		lexicon:   lexicon.NewEngine(logger.WithPrefix("lexicon")),
		rules:     opts.Rules,
		usage:     opts.Usage,
		cfg:       cfg,
		logger:    logger,
		settings:  cfg.Settings,
		costs:     make(map[string]int),
		subs:      make(map[int]func(Event)),
	}
	n.playback = playback.NewManager(opts.Persister,
		playback.WithCharsPerSecond(cfg.CharsPerSecond),
		playback.WithLogger(logger.WithPrefix("playback")))

	n.unsubscribe = append(n.unsubscribe,
		n.playback.Subscribe(func(s playback.Snapshot) {
			n.emit(Event{Kind: EventStatus, Snapshot: s})
		}),
		n.providers.Subscribe(n.handleProviderEvent),
	)
	return n, nil
}

// ID returns the session id.
func (n *Narrator) ID() string { return n.id }

// Snapshot returns the current playback state.
func (n *Narrator) Snapshot() playback.Snapshot { return n.playback.Snapshot() }

// Duration returns the length of the current section's timeline in
// seconds.
func (n *Narrator) Duration() float64 { return n.playback.GetTotalDuration() }

// Settings returns the current synthesis options.
func (n *Narrator) Settings() Settings {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.settings
}

// Costs returns the characters billed per backend this session.
func (n *Narrator) Costs() map[string]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return maps.Clone(n.costs)
}

// Voices lists the voices of every backend.
func (n *Narrator) Voices(ctx context.Context) ([]ttypes.Voice, error) {
	return n.providers.Voices(ctx)
}

// Subscribe registers fn for every narrator event and returns a function
// that removes it. fn must not block.
func (n *Narrator) Subscribe(fn func(Event)) func() {
	n.mu.Lock()
	id := n.nextSub
	n.nextSub++
	n.subs[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

func (n *Narrator) emit(ev Event) {
	ev.Session = n.id
	n.mu.Lock()
	subs := make([]func(Event), 0, len(n.subs))
	for _, id := range slices.Sorted(maps.Keys(n.subs)) {
		subs = append(subs, n.subs[id])
	}
	n.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// Close stops playback and shuts the lane down. Queued commands are
// dropped. The providers and persister stay open.
func (n *Narrator) Close(ctx context.Context) error {
	n.providers.Cancel()
	stop := n.seq.Enqueue("close", func(ctx context.Context) (any, error) {
		return nil, n.providers.Stop(ctx)
	})
	if _, err := stop.Wait(ctx); err != nil {
		return err
	}
	n.seq.Destroy()
	for _, fn := range n.unsubscribe {
		fn()
	}
	return n.seq.Wait(ctx)
}
