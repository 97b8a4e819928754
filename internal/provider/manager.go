package provider

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/vrwarp/narrator/internal/ttypes"
)

// State is the fallback state of the Manager.
type State int

const (
	// StateBackendActive means a network backend is serving requests.
	StateBackendActive State = iota

	// StateFallingBack is held while switching to the local backend after
	// a failure.
	StateFallingBack

	// StateLocalActive means the on-device backend is serving requests.
	StateLocalActive
)

func (s State) String() string {
	switch s {
	case StateBackendActive:
		return "backend-active"
	case StateFallingBack:
		return "falling-back"
	case StateLocalActive:
		return "local-active"
	default:
		return "unknown"
	}
}

type request struct {
	text    string
	opts    Options
	backend string
}

type preloadState struct {
	text    string
	backend string
	cancel  context.CancelFunc
}

// Manager presents one surface over several backends. Exactly one backend
// is active; network backend failures fall back to the local one and the
// current request is retried there.
//
// Every Play gets a new operation id. Op-scoped events carrying any other
// id, or coming from a backend that is no longer active, are dropped.
type Manager struct {
	mu       sync.Mutex
	backends map[string]Backend
	order    []string
	inited   map[string]bool
	local    Backend
	active   Backend
	state    State

	root       context.Context
	rootCancel context.CancelFunc
	op         uint64
	opCancel   context.CancelFunc
	request    *request
	preload    *preloadState

	subs    map[int]func(Event)
	nextSub int

	logger *log.Logger
}

// NewManager returns a manager with local registered and active. local may
// be nil when no on-device engine is available; failures are then surfaced
// without fallback.
func NewManager(local Backend, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default().WithPrefix("provider")
	}
	root, cancel := context.WithCancel(context.Background())
	m := &Manager{
		backends:   make(map[string]Backend),
		inited:     make(map[string]bool),
		root:       root,
		rootCancel: cancel,
		subs:       make(map[int]func(Event)),
		logger:     logger,
	}
	if local != nil {
		m.Register(local)
		m.local = local
		m.active = local
		m.state = StateLocalActive
	}
	return m
}

// Register adds a backend. Registering an id twice replaces the backend.
func (m *Manager) Register(b Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := b.ID()
	if _, ok := m.backends[id]; !ok {
		m.order = append(m.order, id)
	}
	m.backends[id] = b
	delete(m.inited, id)
	if m.local == nil && b.Capabilities().Local {
		m.local = b
	}
}

// Backend returns a registered backend.
func (m *Manager) Backend(id string) (Backend, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backends[id]
	return b, ok
}

// Backends returns registered ids in registration order.
func (m *Manager) Backends() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.order)
}

// Active returns the active backend, or nil.
func (m *Manager) Active() Backend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// State returns the fallback state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentOp returns the id of the latest play operation.
func (m *Manager) CurrentOp() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.op
}

// Init initializes the active backend.
func (m *Manager) Init(ctx context.Context) error {
	b := m.Active()
	if b == nil {
		return ErrNoBackend
	}
	if err := m.ensureInit(ctx, b); err != nil {
		return Normalize(b.ID(), err)
	}
	return nil
}

func (m *Manager) ensureInit(ctx context.Context, b Backend) error {
	m.mu.Lock()
	done := m.inited[b.ID()]
	m.mu.Unlock()
	if done {
		return nil
	}

	id := b.ID()
	emit := func(ev Event) {
		if ev.Backend == "" {
			ev.Backend = id
		}
		m.dispatch(ev)
	}
	if err := b.Init(ctx, emit); err != nil {
		return fmt.Errorf("init %s: %w", id, err)
	}

	m.mu.Lock()
	m.inited[id] = true
	m.mu.Unlock()
	m.logger.Debug("backend initialized", "backend", id)
	return nil
}

// SetBackend stops the active backend and activates id. On failure the
// previous backend stays active.
func (m *Manager) SetBackend(ctx context.Context, id string) error {
	m.mu.Lock()
	next, ok := m.backends[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownBackend, id)
	}
	prev := m.active
	if prev == next {
		m.mu.Unlock()
		return nil
	}
	m.invalidateLocked()
	m.mu.Unlock()

	if prev != nil {
		if err := prev.Stop(ctx); err != nil {
			m.logger.Warn("failed to stop backend", "backend", prev.ID(), "err", err)
		}
	}
	if err := m.ensureInit(ctx, next); err != nil {
		return Normalize(id, err)
	}

	m.mu.Lock()
	m.active = next
	m.state = stateFor(next)
	m.mu.Unlock()

	m.logger.Info("switched speech backend", "backend", id)
	return nil
}

func stateFor(b Backend) State {
	if b.Capabilities().Local {
		return StateLocalActive
	}
	return StateBackendActive
}

// invalidateLocked cancels the current operation and any preload and
// retires the operation id so late events are dropped.
func (m *Manager) invalidateLocked() {
	if m.opCancel != nil {
		m.opCancel()
		m.opCancel = nil
	}
	if m.preload != nil {
		m.preload.cancel()
		m.preload = nil
	}
	m.op++
	m.request = nil
}

// beginLocked allocates a new operation.
func (m *Manager) beginLocked() (context.Context, context.CancelFunc, uint64) {
	if m.opCancel != nil {
		m.opCancel()
	}
	m.op++
	opCtx, cancel := context.WithCancel(m.root)
	m.opCancel = cancel
	return opCtx, cancel, m.op
}

// Play speaks text on the active backend. It returns once audio has started.
// If text was preloaded on a backend that supports it, the preloaded
// utterance is adopted without a new synthesis call.
func (m *Manager) Play(ctx context.Context, text string, opts Options) error {
	m.mu.Lock()
	b := m.active
	if b == nil {
		m.mu.Unlock()
		return ErrNoBackend
	}
	opCtx, cancel, op := m.beginLocked()
	pre := m.preload
	m.preload = nil
	m.request = &request{text: text, opts: opts, backend: b.ID()}
	m.mu.Unlock()

	// the caller may abandon the start, not the playback that follows
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	opts.OpID = op
	if pre != nil {
		handoff := pre.text == text && pre.backend == b.ID() && b.Capabilities().Handoff
		if handoff && b.Handoff(opCtx, text, opts) {
			pre.cancel()
			m.setRequest(op, text, opts, b.ID())
			m.logger.Debug("handed off preloaded utterance", "backend", b.ID(), "op", op)
			m.dispatch(Event{Kind: EventStart, OpID: op, Backend: b.ID(), Text: text})
			return nil
		}
		pre.cancel()
	}

	if !b.Capabilities().Interruptible {
		if err := b.Stop(ctx); err != nil {
			m.logger.Warn("failed to stop previous utterance", "backend", b.ID(), "err", err)
		}
	}
	return m.playOn(ctx, opCtx, b, text, opts)
}

func (m *Manager) playOn(ctx, opCtx context.Context, b Backend, text string, opts Options) error {
	m.setRequest(opts.OpID, text, opts, b.ID())

	err := m.ensureInit(ctx, b)
	if err == nil {
		err = b.Play(opCtx, text, opts)
	}
	if err == nil {
		return nil
	}

	perr := Normalize(b.ID(), err)
	if perr.IsCancellation() {
		return perr
	}
	if opCtx.Err() != nil {
		return NewError(ErrorCodeCanceled, b.ID(), "play superseded", opCtx.Err())
	}
	return m.fallback(ctx, opCtx, b, text, opts, perr)
}

// fallback moves the request from a failed network backend to the local one.
func (m *Manager) fallback(ctx, opCtx context.Context, failed Backend, text string, opts Options, cause *Error) error {
	m.mu.Lock()
	local := m.local
	m.mu.Unlock()

	if local == nil || failed.Capabilities().Local || local == failed {
		m.logger.Error("speech backend failed", "backend", failed.ID(), "err", cause)
		return cause
	}

	m.setState(StateFallingBack)
	m.logger.Warn("speech backend failed, falling back", "from", failed.ID(), "to", local.ID(), "err", cause)
	m.dispatch(Event{
		Kind:    EventFallback,
		OpID:    opts.OpID,
		Backend: failed.ID(),
		Text:    text,
		Err:     NewError(ErrorCodeFallback, failed.ID(), "falling back to "+local.ID(), cause),
	})

	if err := failed.Stop(ctx); err != nil {
		m.logger.Warn("failed to stop backend", "backend", failed.ID(), "err", err)
	}

	m.mu.Lock()
	m.active = local
	m.mu.Unlock()

	if !m.owns(ctx, local, opts.VoiceID) {
		opts.VoiceID = ""
	}
	m.setRequest(opts.OpID, text, opts, local.ID())

	err := m.ensureInit(ctx, local)
	if err == nil {
		err = local.Play(opCtx, text, opts)
	}
	m.setState(StateLocalActive)
	if err != nil {
		perr := Normalize(local.ID(), err)
		if !perr.IsCancellation() {
			m.logger.Error("local backend failed", "backend", local.ID(), "err", perr)
		}
		return perr
	}
	return nil
}

// Recover handles an error event reported after playback started. Network
// failures replay the current request on the local backend; a local failure
// is returned. Stale or cancellation events are ignored.
func (m *Manager) Recover(ctx context.Context, ev Event) error {
	if ev.Kind != EventError {
		return nil
	}
	if ev.Err != nil && ev.Err.IsCancellation() {
		return nil
	}

	m.mu.Lock()
	b := m.active
	if b == nil || m.request == nil || ev.OpID != m.op || ev.Backend != b.ID() {
		m.mu.Unlock()
		return nil
	}
	req := *m.request
	opCtx, cancel, op := m.beginLocked()
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	cause := ev.Err
	if cause == nil {
		cause = NewError(ErrorCodeEngineFailure, b.ID(), "playback failed", nil)
	}
	req.opts.OpID = op
	return m.fallback(ctx, opCtx, b, req.text, req.opts, cause)
}

func (m *Manager) setRequest(op uint64, text string, opts Options, backend string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.op == op {
		m.request = &request{text: text, opts: opts, backend: backend}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) owns(ctx context.Context, b Backend, voiceID string) bool {
	if voiceID == "" {
		return true
	}
	voices, err := b.Voices(ctx)
	if err != nil {
		return false
	}
	return slices.ContainsFunc(voices, func(v ttypes.Voice) bool { return v.ID == voiceID })
}

// Preload asks the active backend to prepare text for the next Play.
// Failures are logged and returned; they never affect current playback.
func (m *Manager) Preload(ctx context.Context, text string, opts Options) error {
	m.mu.Lock()
	b := m.active
	if b == nil {
		m.mu.Unlock()
		return ErrNoBackend
	}
	if m.preload != nil {
		m.preload.cancel()
	}
	pctx, cancel := context.WithCancel(m.root)
	pre := &preloadState{text: text, backend: b.ID(), cancel: cancel}
	m.preload = pre
	m.mu.Unlock()

	opts.OpID = 0
	err := m.ensureInit(ctx, b)
	if err == nil {
		err = b.Preload(pctx, text, opts)
	}
	if err != nil {
		m.mu.Lock()
		if m.preload == pre {
			m.preload = nil
		}
		m.mu.Unlock()
		cancel()
		m.logger.Warn("preload failed", "backend", b.ID(), "err", err)
		return Normalize(b.ID(), err)
	}
	return nil
}

// Pause pauses the active backend.
func (m *Manager) Pause(ctx context.Context) error {
	b := m.Active()
	if b == nil {
		return ErrNoBackend
	}
	if err := b.Pause(ctx); err != nil {
		return Normalize(b.ID(), err)
	}
	return nil
}

// Resume resumes the active backend.
func (m *Manager) Resume(ctx context.Context) error {
	b := m.Active()
	if b == nil {
		return ErrNoBackend
	}
	if err := b.Resume(ctx); err != nil {
		return Normalize(b.ID(), err)
	}
	return nil
}

// Stop ends the current operation and silences the active backend.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	b := m.active
	m.invalidateLocked()
	m.mu.Unlock()

	if b == nil {
		return nil
	}
	if err := b.Stop(ctx); err != nil {
		return Normalize(b.ID(), err)
	}
	return nil
}

// Cancel aborts the in-flight synthesis and any preload. Unlike the other
// methods it is meant to be called outside the command lane, so a new
// command does not wait for a slow synthesis to finish.
func (m *Manager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opCancel != nil {
		m.opCancel()
	}
	if m.preload != nil {
		m.preload.cancel()
		m.preload = nil
	}
}

// Voices lists the voices of every registered backend. Backends that fail
// to list are logged and skipped.
func (m *Manager) Voices(ctx context.Context) ([]ttypes.Voice, error) {
	m.mu.Lock()
	backends := make([]Backend, 0, len(m.order))
	for _, id := range m.order {
		backends = append(backends, m.backends[id])
	}
	m.mu.Unlock()

	var (
		out  []ttypes.Voice
		errs []error
	)
	for _, b := range backends {
		voices, err := b.Voices(ctx)
		if err != nil {
			m.logger.Warn("failed to list voices", "backend", b.ID(), "err", err)
			errs = append(errs, Normalize(b.ID(), err))
			continue
		}
		for _, v := range voices {
			if v.BackendID == "" {
				v.BackendID = b.ID()
			}
			out = append(out, v)
		}
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// Subscribe registers fn for every forwarded event and returns a function
// that removes it. fn runs on the emitting goroutine.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

func (m *Manager) dispatch(ev Event) {
	m.mu.Lock()
	if ev.Kind.opScoped() {
		if ev.OpID != m.op || m.active == nil || ev.Backend != m.active.ID() {
			m.mu.Unlock()
			m.logger.Debug("dropping stale event", "kind", ev.Kind, "op", ev.OpID, "backend", ev.Backend)
			return
		}
	}
	if ev.Kind == EventError && ev.Err == nil {
		ev.Err = NewError(ErrorCodeEngineFailure, ev.Backend, "backend reported an error", nil)
	}
	subs := make([]func(Event), 0, len(m.subs))
	for _, id := range slices.Sorted(maps.Keys(m.subs)) {
		subs = append(subs, m.subs[id])
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// Close stops playback and closes every backend.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.invalidateLocked()
	backends := make([]Backend, 0, len(m.order))
	for _, id := range m.order {
		backends = append(backends, m.backends[id])
	}
	m.mu.Unlock()
	m.rootCancel()

	var errs []error
	for _, b := range backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", b.ID(), err))
		}
	}
	return errors.Join(errs...)
}
