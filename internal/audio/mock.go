package audio

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vrwarp/narrator/internal/ttypes"
)

// MockSink is a Sink that simulates playback on a timer without a device.
type MockSink struct {
	mu     sync.Mutex
	format ttypes.Format
	state  atomic.Int32 // PlayerState

	playback *Playback
	duration time.Duration
	offset   time.Duration // position when the current run started
	runStart time.Time
	timer    *time.Timer

	// delayFactor scales simulated time: 0.1 plays ten times faster.
	delayFactor float64
	hold        bool
	volume      float64
	failNext    error

	played    [][]byte
	callbacks MockCallbacks

	playCount   atomic.Int64
	pauseCount  atomic.Int64
	resumeCount atomic.Int64
	stopCount   atomic.Int64
}

// MockCallbacks are hooks invoked by MockSink.
type MockCallbacks struct {
	OnPlay     func(pcm []byte)
	OnPause    func()
	OnResume   func()
	OnStop     func()
	OnComplete func()
}

// MockMetrics counts MockSink calls.
type MockMetrics struct {
	PlayCount   int64
	PauseCount  int64
	ResumeCount int64
	StopCount   int64
}

// NewMockSink returns a mock sink producing 16-bit mono at 44.1kHz.
func NewMockSink() *MockSink {
	m := &MockSink{
		format: ttypes.Format{
			Encoding:   ttypes.EncodingPCM16,
			SampleRate: 44100,
			Channels:   1,
		},
		delayFactor: 1.0,
		volume:      1.0,
	}
	m.state.Store(int32(StateStopped))
	return m
}

// NewMockSinkWithCallbacks returns a mock sink with hooks installed.
func NewMockSinkWithCallbacks(callbacks MockCallbacks) *MockSink {
	m := NewMockSink()
	m.callbacks = callbacks
	return m
}

// Format implements Sink.
func (m *MockSink) Format() ttypes.Format {
	return m.format
}

// Play implements Sink.
func (m *MockSink) Play(pcm []byte, format ttypes.Format) (*Playback, error) {
	if len(pcm) == 0 {
		return nil, ErrEmptyAudio
	}
	data, err := Convert(pcm, format, m.format)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if PlayerState(m.state.Load()) == StateClosed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if err := m.failNext; err != nil {
		m.failNext = nil
		m.mu.Unlock()
		return nil, err
	}
	stopped := m.stopLocked()

	pb := newPlayback(m.format.PCMDuration(len(data)))
	m.playback = pb
	m.duration = pb.Duration
	m.offset = 0
	m.played = append(m.played, bytes.Clone(data))
	m.state.Store(int32(StatePlaying))
	m.playCount.Add(1)
	m.startRunLocked(pb)
	cb := m.callbacks
	m.mu.Unlock()

	if stopped && cb.OnStop != nil {
		cb.OnStop()
	}
	if cb.OnPlay != nil {
		cb.OnPlay(data)
	}
	return pb, nil
}

func (m *MockSink) startRunLocked(pb *Playback) {
	m.runStart = time.Now()
	if m.hold {
		return
	}
	remaining := time.Duration(float64(m.duration-m.offset) * m.delayFactor)
	m.timer = time.AfterFunc(remaining, func() { m.complete(pb) })
}

func (m *MockSink) complete(pb *Playback) {
	m.mu.Lock()
	if m.playback != pb || PlayerState(m.state.Load()) != StatePlaying {
		m.mu.Unlock()
		return
	}
	m.offset = m.duration
	m.playback = nil
	m.timer = nil
	m.state.Store(int32(StateStopped))
	cb := m.callbacks.OnComplete
	m.mu.Unlock()

	pb.finish(true)
	if cb != nil {
		cb()
	}
}

// Complete finishes the current utterance as if it had played to the end.
func (m *MockSink) Complete() {
	m.mu.Lock()
	pb := m.playback
	if m.timer != nil {
		m.timer.Stop()
	}
	m.mu.Unlock()
	if pb != nil {
		m.complete(pb)
	}
}

// Pause implements Sink.
func (m *MockSink) Pause() error {
	m.mu.Lock()
	if s := PlayerState(m.state.Load()); s != StatePlaying {
		m.mu.Unlock()
		return fmt.Errorf("cannot pause: player is %s", s)
	}
	m.offset = m.positionLocked()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.state.Store(int32(StatePaused))
	m.pauseCount.Add(1)
	cb := m.callbacks.OnPause
	m.mu.Unlock()

	if cb != nil {
		cb()
	}
	return nil
}

// Resume implements Sink.
func (m *MockSink) Resume() error {
	m.mu.Lock()
	if s := PlayerState(m.state.Load()); s != StatePaused {
		m.mu.Unlock()
		return fmt.Errorf("cannot resume: player is %s", s)
	}
	m.state.Store(int32(StatePlaying))
	m.resumeCount.Add(1)
	m.startRunLocked(m.playback)
	cb := m.callbacks.OnResume
	m.mu.Unlock()

	if cb != nil {
		cb()
	}
	return nil
}

// Stop implements Sink.
func (m *MockSink) Stop() error {
	m.mu.Lock()
	stopped := m.stopLocked()
	cb := m.callbacks.OnStop
	m.mu.Unlock()

	if stopped && cb != nil {
		cb()
	}
	return nil
}

func (m *MockSink) stopLocked() bool {
	s := PlayerState(m.state.Load())
	if s != StatePlaying && s != StatePaused {
		return false
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.playback != nil {
		m.playback.finish(false)
		m.playback = nil
	}
	m.offset = 0
	m.state.Store(int32(StateStopped))
	m.stopCount.Add(1)
	return true
}

// Position implements Sink.
func (m *MockSink) Position() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positionLocked()
}

func (m *MockSink) positionLocked() time.Duration {
	switch PlayerState(m.state.Load()) {
	case StatePlaying:
		elapsed := time.Duration(float64(time.Since(m.runStart)) / m.delayFactor)
		return min(m.offset+elapsed, m.duration)
	case StatePaused:
		return m.offset
	default:
		return 0
	}
}

// SetVolume implements Sink.
func (m *MockSink) SetVolume(volume float64) error {
	if volume < 0.0 || volume > 1.0 {
		return fmt.Errorf("volume must be between 0.0 and 1.0, got %f", volume)
	}
	m.mu.Lock()
	m.volume = volume
	m.mu.Unlock()
	return nil
}

// Volume returns the last volume set.
func (m *MockSink) Volume() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume
}

// Close implements Sink.
func (m *MockSink) Close() error {
	m.mu.Lock()
	m.stopLocked()
	m.state.Store(int32(StateClosed))
	m.mu.Unlock()
	return nil
}

// State returns the current state.
func (m *MockSink) State() PlayerState {
	return PlayerState(m.state.Load())
}

// SetDelayFactor scales simulated playback time for utterances started
// afterwards. It must be positive.
func (m *MockSink) SetDelayFactor(factor float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if factor > 0 {
		m.delayFactor = factor
	}
}

// SetHold makes utterances play until Stop or Complete instead of on a timer.
func (m *MockSink) SetHold(hold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = hold
}

// FailNext makes the next Play return err.
func (m *MockSink) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Played returns the PCM of every utterance started, in order.
func (m *MockSink) Played() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.played))
	copy(out, m.played)
	return out
}

// Metrics returns call counts.
func (m *MockSink) Metrics() MockMetrics {
	return MockMetrics{
		PlayCount:   m.playCount.Load(),
		PauseCount:  m.pauseCount.Load(),
		ResumeCount: m.resumeCount.Load(),
		StopCount:   m.stopCount.Load(),
	}
}
