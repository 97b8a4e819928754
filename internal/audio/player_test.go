package audio

import (
	"sync"
	"testing"
	"time"

	"github.com/vrwarp/narrator/internal/ttypes"
)

func TestPlayerConfig(t *testing.T) {
	tests := []struct {
		name      string
		config    PlayerConfig
		expectErr bool
	}{
		{"valid config 44100Hz", PlayerConfig{SampleRate: 44100, Channels: 1, BufferSize: 4096}, false},
		{"valid config 48000Hz", PlayerConfig{SampleRate: 48000, Channels: 2, BufferSize: 8192}, false},
		{"invalid sample rate", PlayerConfig{SampleRate: 22050, Channels: 1, BufferSize: 4096}, true},
		{"invalid channels", PlayerConfig{SampleRate: 44100, Channels: 3, BufferSize: 4096}, true},
		{"invalid buffer size", PlayerConfig{SampleRate: 44100, Channels: 1, BufferSize: 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(tt.config)
			if tt.expectErr && err == nil {
				t.Errorf("validateConfig() expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("validateConfig() unexpected error: %v", err)
			}
		})
	}
}

func TestDefaultPlayerConfig(t *testing.T) {
	config := DefaultPlayerConfig()
	if config.SampleRate != 44100 || config.Channels != 1 {
		t.Errorf("unexpected default %+v", config)
	}
	if err := validateConfig(config); err != nil {
		t.Errorf("default config is invalid: %v", err)
	}
}

// oto allows a single context per process, so device tests share one.
var (
	testPlayer     *Player
	testPlayerOnce sync.Once
	testPlayerErr  error
)

func getTestPlayer(t *testing.T) *Player {
	testPlayerOnce.Do(func() {
		testPlayer, testPlayerErr = NewPlayer(DefaultPlayerConfig(), nil)
	})
	if testPlayerErr != nil {
		t.Skipf("Skipping test: cannot create audio player (no audio device?): %v", testPlayerErr)
	}
	_ = testPlayer.Stop()
	return testPlayer
}

// generateTestAudio returns a sawtooth of the given length.
func generateTestAudio(sampleRate, channels int, duration time.Duration) []byte {
	samples := int(duration.Seconds() * float64(sampleRate))
	data := make([]byte, samples*channels*2)
	for i := 0; i < len(data); i += 2 {
		sample := int16((i / 2) % 1000)
		data[i] = byte(sample)
		data[i+1] = byte(sample >> 8)
	}
	return data
}

var monoFormat = ttypes.Format{Encoding: ttypes.EncodingPCM16, SampleRate: 44100, Channels: 1}

func TestPlayerPlayEmpty(t *testing.T) {
	player := getTestPlayer(t)
	if _, err := player.Play(nil, monoFormat); err != ErrEmptyAudio {
		t.Errorf("Play(nil) = %v, want ErrEmptyAudio", err)
	}
}

func TestPlayerPlaybackCompletes(t *testing.T) {
	player := getTestPlayer(t)

	pb, err := player.Play(generateTestAudio(44100, 1, 100*time.Millisecond), monoFormat)
	if err != nil {
		t.Fatalf("Play() failed: %v", err)
	}
	if player.State() != StatePlaying {
		t.Errorf("expected playing after Play(), got %s", player.State())
	}

	select {
	case <-pb.Done():
		if !pb.Completed() {
			t.Error("natural end reported as stopped")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("playback never completed")
	}
}

func TestPlayerStopResolvesPlayback(t *testing.T) {
	player := getTestPlayer(t)

	pb, err := player.Play(generateTestAudio(22050, 2, 500*time.Millisecond),
		ttypes.Format{Encoding: ttypes.EncodingPCM16, SampleRate: 22050, Channels: 2})
	if err != nil {
		t.Fatalf("Play() failed: %v", err)
	}
	if pb.Duration < 450*time.Millisecond || pb.Duration > 550*time.Millisecond {
		t.Errorf("converted duration = %v, want ~500ms", pb.Duration)
	}

	time.Sleep(50 * time.Millisecond)
	if err := player.Pause(); err != nil {
		t.Fatalf("Pause() failed: %v", err)
	}
	paused := player.Position()
	time.Sleep(50 * time.Millisecond)
	if player.Position() != paused {
		t.Error("position advanced while paused")
	}
	if err := player.Resume(); err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}

	_ = player.Stop()
	select {
	case <-pb.Done():
	default:
		t.Fatal("Stop did not resolve the playback")
	}
	if pb.Completed() {
		t.Error("stopped playback reported as completed")
	}
	if player.Position() != 0 {
		t.Errorf("position after stop = %v", player.Position())
	}
}

func TestPlayerStateTransitions(t *testing.T) {
	player := getTestPlayer(t)

	if err := player.Pause(); err == nil {
		t.Error("Pause() when stopped should fail")
	}
	if err := player.Resume(); err == nil {
		t.Error("Resume() when stopped should fail")
	}
	if err := player.Stop(); err != nil {
		t.Errorf("Stop() when stopped should not fail: %v", err)
	}
	if err := player.SetVolume(1.5); err == nil {
		t.Error("SetVolume(1.5) should fail")
	}
}
