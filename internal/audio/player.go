package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ebitengine/oto/v3"

	"github.com/vrwarp/narrator/internal/ttypes"
)

// watchInterval is how often the completion watcher polls the device.
const watchInterval = 20 * time.Millisecond

// Player is a Sink backed by the system audio device through oto.
type Player struct {
	// oto allows one context per process; it is created once and reused.
	context *oto.Context
	format  ttypes.Format

	player   *oto.Player
	stream   *stream
	playback *Playback

	state  atomic.Int32 // PlayerState
	volume atomic.Uint64

	startTime  time.Time
	pausedAt   time.Duration
	totalPause time.Duration

	mu     sync.Mutex
	logger *log.Logger
}

// stream keeps the PCM alive while oto reads from it.
type stream struct {
	data     []byte
	reader   io.ReadSeeker
	duration time.Duration
}

// PlayerConfig configures the output device.
type PlayerConfig struct {
	SampleRate int // 44100 or 48000 Hz only
	Channels   int // 1 = mono, 2 = stereo
	BufferSize int // bytes
}

// DefaultPlayerConfig returns 44.1kHz mono, which suits speech.
func DefaultPlayerConfig() PlayerConfig {
	return PlayerConfig{
		SampleRate: 44100,
		Channels:   1,
		BufferSize: 4096,
	}
}

// NewPlayer opens the audio device.
func NewPlayer(config PlayerConfig, logger *log.Logger) (*Player, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = log.Default().WithPrefix("audio")
	}

	op := &oto.NewContextOptions{
		SampleRate:   config.SampleRate,
		ChannelCount: config.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   time.Duration(config.BufferSize) * time.Second / time.Duration(config.SampleRate*config.Channels*2),
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-ready

	p := &Player{
		context: ctx,
		format: ttypes.Format{
			Encoding:   ttypes.EncodingPCM16,
			SampleRate: config.SampleRate,
			Channels:   config.Channels,
		},
		logger: logger,
	}
	p.state.Store(int32(StateStopped))
	_ = p.SetVolume(1.0)
	return p, nil
}

func validateConfig(config PlayerConfig) error {
	if config.SampleRate != 44100 && config.SampleRate != 48000 {
		return fmt.Errorf("sample rate must be 44100 or 48000 Hz, got %d", config.SampleRate)
	}
	if config.Channels != 1 && config.Channels != 2 {
		return fmt.Errorf("channels must be 1 (mono) or 2 (stereo), got %d", config.Channels)
	}
	if config.BufferSize <= 0 {
		return errors.New("buffer size must be positive")
	}
	return nil
}

// Format implements Sink.
func (p *Player) Format() ttypes.Format {
	return p.format
}

// Play implements Sink.
func (p *Player) Play(pcm []byte, format ttypes.Format) (*Playback, error) {
	if len(pcm) == 0 {
		return nil, ErrEmptyAudio
	}
	data, err := Convert(pcm, format, p.format)
	if err != nil {
		return nil, err
	}
	// own the bytes; the caller may reuse its slice
	if &data[0] == &pcm[0] {
		data = bytes.Clone(data)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if PlayerState(p.state.Load()) == StateClosed {
		return nil, ErrClosed
	}
	p.stopLocked()

	s := &stream{
		data:     data,
		reader:   bytes.NewReader(data),
		duration: p.format.PCMDuration(len(data)),
	}
	player := p.context.NewPlayer(s.reader)
	player.SetVolume(p.getVolume())

	pb := newPlayback(s.duration)
	p.player = player
	p.stream = s
	p.playback = pb
	p.startTime = time.Now()
	p.pausedAt = 0
	p.totalPause = 0

	player.Play()
	p.state.Store(int32(StatePlaying))

	go p.watch(player, pb)
	return pb, nil
}

// watch resolves pb once the device has drained player.
func (p *Player) watch(player *oto.Player, pb *Playback) {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pb.Done():
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		if p.player != player {
			p.mu.Unlock()
			return
		}
		if PlayerState(p.state.Load()) == StatePlaying && !player.IsPlaying() {
			if err := player.Err(); err != nil {
				p.logger.Warn("playback ended with error", "err", err)
			}
			p.releaseLocked()
			p.state.Store(int32(StateStopped))
			p.mu.Unlock()
			pb.finish(true)
			return
		}
		p.mu.Unlock()
	}
}

// Pause implements Sink.
func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s := PlayerState(p.state.Load()); s != StatePlaying {
		return fmt.Errorf("cannot pause: player is %s", s)
	}
	if p.player != nil {
		p.player.Pause()
	}
	p.pausedAt = p.positionLocked()
	p.state.Store(int32(StatePaused))
	return nil
}

// Resume implements Sink.
func (p *Player) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s := PlayerState(p.state.Load()); s != StatePaused {
		return fmt.Errorf("cannot resume: player is %s", s)
	}
	if p.player != nil {
		p.player.Play()
	}
	p.totalPause += time.Since(p.startTime.Add(p.pausedAt + p.totalPause))
	p.state.Store(int32(StatePlaying))
	return nil
}

// Stop implements Sink.
func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	return nil
}

func (p *Player) stopLocked() {
	s := PlayerState(p.state.Load())
	if s == StateStopped || s == StateClosed {
		return
	}
	pb := p.playback
	p.releaseLocked()
	p.state.Store(int32(StateStopped))
	if pb != nil {
		pb.finish(false)
	}
}

func (p *Player) releaseLocked() {
	if p.player != nil {
		p.player.Pause()
		if err := p.player.Close(); err != nil {
			p.logger.Warn("failed to close oto player", "err", err)
		}
		p.player = nil
	}
	p.stream = nil
	p.playback = nil
	p.pausedAt = 0
	p.totalPause = 0
}

// Position implements Sink.
func (p *Player) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *Player) positionLocked() time.Duration {
	switch PlayerState(p.state.Load()) {
	case StatePlaying:
		elapsed := time.Since(p.startTime) - p.totalPause
		if p.stream != nil && elapsed > p.stream.duration {
			elapsed = p.stream.duration
		}
		return elapsed
	case StatePaused:
		return p.pausedAt
	default:
		return 0
	}
}

// SetVolume implements Sink.
func (p *Player) SetVolume(volume float64) error {
	if volume < 0.0 || volume > 1.0 {
		return fmt.Errorf("volume must be between 0.0 and 1.0, got %f", volume)
	}
	p.volume.Store(uint64(volume * 1000000))

	p.mu.Lock()
	if p.player != nil {
		p.player.SetVolume(volume)
	}
	p.mu.Unlock()
	return nil
}

func (p *Player) getVolume() float64 {
	return float64(p.volume.Load()) / 1000000.0
}

// State returns the current player state.
func (p *Player) State() PlayerState {
	return PlayerState(p.state.Load())
}

// Close implements Sink. oto has no way to release its context, so the
// device stays open until the process exits.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.state.Store(int32(StateClosed))
	return nil
}
