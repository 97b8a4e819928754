// Package mock provides a scriptable speech backend for tests and for
// running the narrator without audio.
package mock

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/vrwarp/narrator/internal/provider"
	"github.com/vrwarp/narrator/internal/ttypes"
)

// EstimatedDuration makes utterances end after a reading-time estimate of
// their text instead of a fixed delay.
const EstimatedDuration time.Duration = -1

// Call records one method invocation.
type Call struct {
	Method string
	Text   string
	Opts   provider.Options
}

// Backend implements provider.Backend without producing sound.
type Backend struct {
	id     string
	caps   provider.Capabilities
	voices []ttypes.Voice

	mu        sync.Mutex
	emit      provider.Emitter
	calls     []Call
	failures  []error
	failAll   error
	initErr   error
	preloaded map[string]bool
	playing   uint64
	paused    bool
	timer     *time.Timer
	autoEnd   time.Duration
	stopDelay time.Duration
}

// New returns a mock network backend with three voices. Utterances play
// until Finish, Stop or cancellation unless SetAutoEnd is used.
func New(id string, caps provider.Capabilities) *Backend {
	b := &Backend{
		id:        id,
		caps:      caps,
		preloaded: make(map[string]bool),
	}
	for i, lang := range []string{"en-US", "en-GB", "en-US"} {
		n := i + 1
		b.voices = append(b.voices, ttypes.Voice{
			ID:          fmt.Sprintf("%s-voice-%d", id, n),
			DisplayName: fmt.Sprintf("Mock Voice %d", n),
			LanguageTag: lang,
			BackendID:   id,
		})
	}
	return b
}

// NewLocal returns a mock on-device backend.
func NewLocal(id string) *Backend {
	return New(id, provider.Capabilities{Local: true, Handoff: true, Interruptible: true})
}

func (b *Backend) ID() string                           { return b.id }
func (b *Backend) Capabilities() provider.Capabilities { return b.caps }

// Init implements provider.Backend.
func (b *Backend) Init(_ context.Context, emit provider.Emitter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("init", "", provider.Options{})
	if b.initErr != nil {
		return b.initErr
	}
	b.emit = emit
	return nil
}

// Voices implements provider.Backend.
func (b *Backend) Voices(context.Context) ([]ttypes.Voice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAll != nil {
		return nil, b.failAll
	}
	return slices.Clone(b.voices), nil
}

// Play implements provider.Backend.
func (b *Backend) Play(ctx context.Context, text string, opts provider.Options) error {
	b.mu.Lock()
	b.record("play", text, opts)
	if err := b.nextFailure(); err != nil {
		b.mu.Unlock()
		return err
	}
	if err := ctx.Err(); err != nil {
		b.mu.Unlock()
		return err
	}
	b.startLocked(ctx, text, opts.OpID, opts.Speed)
	emit := b.emit
	b.mu.Unlock()

	b.send(emit, provider.Event{Kind: provider.EventStart, OpID: opts.OpID, Text: text})
	if b.caps.Metered {
		b.send(emit, provider.Event{Kind: provider.EventCost, OpID: opts.OpID, Characters: len([]rune(text))})
	}
	return nil
}

func (b *Backend) startLocked(ctx context.Context, text string, op uint64, speed float64) {
	b.stopTimerLocked()
	b.playing = op
	b.paused = false

	d := b.autoEnd
	if d == EstimatedDuration {
		d = estimateDuration(text, speed)
	}
	if d > 0 {
		b.timer = time.AfterFunc(d, func() { b.finish(op) })
	}
	if b.caps.Interruptible {
		context.AfterFunc(ctx, func() {
			b.mu.Lock()
			if b.playing == op {
				b.stopTimerLocked()
				b.playing = 0
			}
			b.mu.Unlock()
		})
	}
}

// Preload implements provider.Backend.
func (b *Backend) Preload(_ context.Context, text string, opts provider.Options) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("preload", text, opts)
	if err := b.nextFailure(); err != nil {
		return err
	}
	b.preloaded[text] = true
	return nil
}

// Handoff implements provider.Backend.
func (b *Backend) Handoff(ctx context.Context, text string, opts provider.Options) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("handoff", text, opts)
	if !b.preloaded[text] {
		return false
	}
	delete(b.preloaded, text)
	b.startLocked(ctx, text, opts.OpID, opts.Speed)
	return true
}

// Pause implements provider.Backend.
func (b *Backend) Pause(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("pause", "", provider.Options{})
	b.paused = true
	return nil
}

// Resume implements provider.Backend.
func (b *Backend) Resume(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("resume", "", provider.Options{})
	b.paused = false
	return nil
}

// Stop implements provider.Backend. With a stop delay it blocks like an
// engine that cannot be interrupted mid-utterance.
func (b *Backend) Stop(ctx context.Context) error {
	b.mu.Lock()
	delay := b.stopDelay
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopTimerLocked()
	b.playing = 0
	b.paused = false
	b.preloaded = make(map[string]bool)
	b.record("stop", "", provider.Options{})
	return nil
}

// Close implements provider.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopTimerLocked()
	b.record("close", "", provider.Options{})
	return nil
}

func (b *Backend) record(method, text string, opts provider.Options) {
	b.calls = append(b.calls, Call{Method: method, Text: text, Opts: opts})
}

func (b *Backend) nextFailure() error {
	if b.failAll != nil {
		return b.failAll
	}
	if len(b.failures) > 0 {
		err := b.failures[0]
		b.failures = b.failures[1:]
		return err
	}
	return nil
}

func (b *Backend) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Backend) finish(op uint64) {
	b.mu.Lock()
	if b.playing != op || op == 0 {
		b.mu.Unlock()
		return
	}
	b.playing = 0
	b.timer = nil
	emit := b.emit
	b.mu.Unlock()
	b.send(emit, provider.Event{Kind: provider.EventEnd, OpID: op})
}

func (b *Backend) send(emit provider.Emitter, ev provider.Event) {
	if emit == nil {
		return
	}
	ev.Backend = b.id
	emit(ev)
}

// Test control methods

// FailNext makes the next len(errs) Play or Preload calls fail in order.
func (b *Backend) FailNext(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, errs...)
}

// FailAlways makes every Play, Preload and Voices call fail until cleared
// with nil.
func (b *Backend) FailAlways(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failAll = err
}

// SetInitError makes Init fail.
func (b *Backend) SetInitError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initErr = err
}

// SetAutoEnd makes utterances end on their own after d, or after an
// estimate with EstimatedDuration. Zero disables it.
func (b *Backend) SetAutoEnd(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoEnd = d
}

// SetStopDelay makes Stop block for d.
func (b *Backend) SetStopDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopDelay = d
}

// Finish ends the current utterance with an end event.
func (b *Backend) Finish() {
	b.mu.Lock()
	op := b.playing
	b.stopTimerLocked()
	b.mu.Unlock()
	b.finish(op)
}

// Fail reports an asynchronous failure of the current utterance.
func (b *Backend) Fail(err error) {
	b.mu.Lock()
	op := b.playing
	emit := b.emit
	b.mu.Unlock()
	b.send(emit, provider.Event{
		Kind: provider.EventError,
		OpID: op,
		Err:  provider.Normalize(b.id, err),
	})
}

// Emit sends an arbitrary event as this backend.
func (b *Backend) Emit(ev provider.Event) {
	b.mu.Lock()
	emit := b.emit
	b.mu.Unlock()
	b.send(emit, ev)
}

// Playing returns the op id of the current utterance, or zero.
func (b *Backend) Playing() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.playing
}

// Paused reports whether Pause was called since the last Resume.
func (b *Backend) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// Calls returns every recorded call.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.calls)
}

// Methods returns the recorded method names, in order.
func (b *Backend) Methods() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	for i, c := range b.calls {
		out[i] = c.Method
	}
	return out
}

// CallCount returns how many times method was called.
func (b *Backend) CallCount(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// estimateDuration assumes 150 words per minute at speed 1.
func estimateDuration(text string, speed float64) time.Duration {
	words := len(text) / 5
	if words < 1 {
		words = 1
	}
	if speed <= 0 {
		speed = 1
	}
	seconds := float64(words) * 60.0 / 150.0 / speed
	return time.Duration(seconds * float64(time.Second))
}
