package engines

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vrwarp/narrator/internal/audio"
	"github.com/vrwarp/narrator/internal/cache"
	"github.com/vrwarp/narrator/internal/logging"
	"github.com/vrwarp/narrator/internal/provider"
	"github.com/vrwarp/narrator/internal/ttypes"
)

// fakeSynth returns short mono PCM clips.
type fakeSynth struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error
	bytes int
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string, _ ttypes.SynthesisOptions) (ttypes.Audio, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ttypes.Audio{}, ctx.Err()
		}
	}
	if f.err != nil {
		return ttypes.Audio{}, f.err
	}
	n := f.bytes
	if n == 0 {
		n = 4410 // 50ms at 44.1kHz mono
	}
	return ttypes.Audio{
		Data:   make([]byte, n),
		Format: ttypes.Format{Encoding: ttypes.EncodingPCM16, SampleRate: 44100, Channels: 1},
		Alignment: []ttypes.AlignmentPoint{
			{TimeSeconds: 0, TextOffset: 0, Kind: ttypes.AlignWord},
		},
	}, nil
}

func (f *fakeSynth) Voices(context.Context) ([]ttypes.Voice, error) {
	return []ttypes.Voice{{ID: "v1", DisplayName: "Voice"}}, nil
}

type events struct {
	mu  sync.Mutex
	evs []provider.Event
}

func (e *events) emit(ev provider.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evs = append(e.evs, ev)
}

func (e *events) count(kind provider.EventKind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.evs {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (e *events) waitFor(t *testing.T, kind provider.EventKind) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for e.count(kind) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s event", kind)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestSynth(t *testing.T, f *fakeSynth, metered bool) (*Synth, *audio.MockSink, *events) {
	t.Helper()
	sink := audio.NewMockSink()
	logger := log.New(io.Discard)
	s := NewSynth(f, SynthConfig{
		ID:           "fake",
		Capabilities: provider.Capabilities{Metered: metered},
		Cache:        cache.NewManager(logger, cache.NewMemoryStore(1<<20)),
		Sink:         sink,
		TickInterval: 10 * time.Millisecond,
		Logger:       logger,
		Metrics:      logging.NewMetrics(logger),
	})
	ev := &events{}
	if err := s.Init(context.Background(), ev.emit); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, sink, ev
}

func TestSynthPlay(t *testing.T) {
	f := &fakeSynth{}
	s, sink, ev := newTestSynth(t, f, false)

	err := s.Play(context.Background(), "hello", provider.Options{OpID: 7})
	if err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	ev.waitFor(t, provider.EventEnd)

	if got := ev.count(provider.EventStart); got != 1 {
		t.Errorf("start events = %d, want 1", got)
	}
	if got := ev.count(provider.EventMeta); got != 1 {
		t.Errorf("meta events = %d, want 1", got)
	}
	if got := ev.count(provider.EventCost); got != 0 {
		t.Errorf("cost events = %d, want 0 for an unmetered backend", got)
	}
	for _, e := range ev.evs {
		if e.OpID != 7 || e.Backend != "fake" {
			t.Errorf("event %s has op %d backend %q", e.Kind, e.OpID, e.Backend)
		}
	}
	if got := sink.Metrics().PlayCount; got != 1 {
		t.Errorf("sink plays = %d, want 1", got)
	}
}

func TestSynthCachesAudio(t *testing.T) {
	f := &fakeSynth{}
	s, _, ev := newTestSynth(t, f, true)

	opts := provider.Options{SynthesisOptions: ttypes.SynthesisOptions{VoiceID: "v1", Speed: 1}}
	for i := 0; i < 3; i++ {
		if err := s.Play(context.Background(), "same words", opts); err != nil {
			t.Fatalf("Play() error = %v", err)
		}
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("synthesis calls = %d, want 1", got)
	}
	if got := ev.count(provider.EventCost); got != 1 {
		t.Errorf("cost events = %d, want 1", got)
	}

	opts.Speed = 1.5
	if err := s.Play(context.Background(), "same words", opts); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if got := f.calls.Load(); got != 2 {
		t.Errorf("synthesis calls after speed change = %d, want 2", got)
	}

	totals := s.metrics.Snapshot()["fake"]
	if totals.Requests != 4 || totals.CacheHits != 2 || totals.Chars != 20 {
		t.Errorf("metrics = %+v, want 4 requests with 2 cache hits", totals)
	}
}

func TestSynthConcurrentFetchBillsOnce(t *testing.T) {
	f := &fakeSynth{gate: make(chan struct{})}
	s, _, ev := newTestSynth(t, f, true)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.fetch(context.Background(), "shared", provider.Options{})
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(f.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("fetch() error = %v", err)
		}
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("synthesis calls = %d, want 1", got)
	}
	if got := ev.count(provider.EventCost); got != 1 {
		t.Errorf("cost events = %d, want 1", got)
	}
}

func TestSynthPlayError(t *testing.T) {
	f := &fakeSynth{err: errors.New("boom")}
	s, sink, ev := newTestSynth(t, f, false)

	if err := s.Play(context.Background(), "hello", provider.Options{OpID: 1}); err == nil {
		t.Fatal("Play() error = nil, want error")
	}
	if got := ev.count(provider.EventStart); got != 0 {
		t.Errorf("start events = %d, want 0", got)
	}
	if got := ev.count(provider.EventError); got != 0 {
		t.Errorf("error events = %d, want 0", got)
	}
	if got := sink.Metrics().PlayCount; got != 0 {
		t.Errorf("sink plays = %d, want 0", got)
	}
}

func TestSynthHandoff(t *testing.T) {
	f := &fakeSynth{}
	s, sink, ev := newTestSynth(t, f, false)
	sink.SetHold(true)

	ctx := context.Background()
	if err := s.Preload(ctx, "next", provider.Options{}); err != nil {
		t.Fatalf("Preload() error = %v", err)
	}
	if s.Handoff(ctx, "other", provider.Options{OpID: 2}) {
		t.Fatal("Handoff() = true for text that was not preloaded")
	}
	if !s.Handoff(ctx, "next", provider.Options{OpID: 2}) {
		t.Fatal("Handoff() = false for preloaded text")
	}
	if got := ev.count(provider.EventStart); got != 0 {
		t.Errorf("start events = %d, want 0 after handoff", got)
	}
	if got := sink.State(); got != audio.StatePlaying {
		t.Errorf("sink state = %v, want playing", got)
	}
	if s.Handoff(ctx, "next", provider.Options{OpID: 3}) {
		t.Error("Handoff() = true twice for one preload")
	}
}

func TestSynthCancelStopsPlayback(t *testing.T) {
	f := &fakeSynth{}
	s, sink, ev := newTestSynth(t, f, false)
	sink.SetHold(true)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Play(ctx, "hello", provider.Options{OpID: 1}); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for sink.State() != audio.StateStopped {
		if time.Now().After(deadline) {
			t.Fatalf("sink state = %v, want stopped", sink.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond)
	if got := ev.count(provider.EventEnd); got != 0 {
		t.Errorf("end events = %d, want 0 after cancellation", got)
	}
}

func TestSynthStaleCancelKeepsNewerPlayback(t *testing.T) {
	f := &fakeSynth{}
	s, sink, _ := newTestSynth(t, f, false)
	sink.SetHold(true)

	first, cancelFirst := context.WithCancel(context.Background())
	if err := s.Play(first, "one", provider.Options{OpID: 1}); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if err := s.Play(context.Background(), "two", provider.Options{OpID: 2}); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	cancelFirst()
	time.Sleep(50 * time.Millisecond)

	if got := sink.State(); got != audio.StatePlaying {
		t.Errorf("sink state = %v, want playing", got)
	}
}

func TestSynthVoicesTagged(t *testing.T) {
	s, _, _ := newTestSynth(t, &fakeSynth{}, false)
	voices, err := s.Voices(context.Background())
	if err != nil {
		t.Fatalf("Voices() error = %v", err)
	}
	if len(voices) != 1 || voices[0].BackendID != "fake" {
		t.Errorf("Voices() = %+v", voices)
	}
}

func TestSynthInitWithoutSink(t *testing.T) {
	s := NewSynth(&fakeSynth{}, SynthConfig{ID: "fake", Logger: log.New(io.Discard)})
	err := s.Init(context.Background(), func(provider.Event) {})
	var perr *provider.Error
	if !errors.As(err, &perr) || perr.Code != provider.ErrorCodeEngineUnavailable {
		t.Errorf("Init() error = %v, want engine unavailable", err)
	}
}
