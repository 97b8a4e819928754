package audio

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMockSink_NaturalCompletion(t *testing.T) {
	completed := make(chan struct{}, 1)
	sink := NewMockSinkWithCallbacks(MockCallbacks{
		OnComplete: func() { completed <- struct{}{} },
	})
	defer sink.Close()
	sink.SetDelayFactor(0.1)

	pb, err := sink.Play(make([]byte, 8820), monoFormat) // 100ms
	if err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if pb.Duration != 100*time.Millisecond {
		t.Errorf("Duration = %v, want 100ms", pb.Duration)
	}

	select {
	case <-pb.Done():
	case <-time.After(time.Second):
		t.Fatal("playback did not complete")
	}
	if !pb.Completed() {
		t.Error("Completed() = false after natural end")
	}
	<-completed
	if sink.State() != StateStopped {
		t.Errorf("state = %s, want stopped", sink.State())
	}
}

func TestMockSink_PlayInterruptsPrevious(t *testing.T) {
	sink := NewMockSink()
	sink.SetHold(true)

	first, _ := sink.Play(make([]byte, 100), monoFormat)
	second, _ := sink.Play(make([]byte, 200), monoFormat)

	select {
	case <-first.Done():
	default:
		t.Fatal("first playback still pending")
	}
	if first.Completed() {
		t.Error("interrupted playback reported completed")
	}

	sink.Complete()
	<-second.Done()
	if !second.Completed() {
		t.Error("Complete() did not mark the playback completed")
	}

	if got := len(sink.Played()); got != 2 {
		t.Errorf("Played() has %d entries, want 2", got)
	}
	m := sink.Metrics()
	if m.PlayCount != 2 || m.StopCount != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestMockSink_PauseResume(t *testing.T) {
	sink := NewMockSink()
	sink.SetHold(true)

	if err := sink.Pause(); err == nil {
		t.Error("Pause when stopped should fail")
	}

	pb, _ := sink.Play(make([]byte, 88200), monoFormat)
	time.Sleep(30 * time.Millisecond)

	if err := sink.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	pos := sink.Position()
	if pos == 0 {
		t.Error("position did not advance")
	}
	time.Sleep(20 * time.Millisecond)
	if sink.Position() != pos {
		t.Error("position moved while paused")
	}

	if err := sink.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if err := sink.Resume(); err == nil {
		t.Error("Resume while playing should fail")
	}

	_ = sink.Stop()
	<-pb.Done()
	if pb.Completed() {
		t.Error("stopped playback reported completed")
	}
	if sink.Position() != 0 {
		t.Errorf("position after stop = %v", sink.Position())
	}
}

func TestMockSink_ConvertsInput(t *testing.T) {
	sink := NewMockSink()
	sink.SetHold(true)

	stereo22k := monoFormat
	stereo22k.SampleRate = 22050
	stereo22k.Channels = 2

	// 100 frames of stereo at half rate becomes 200 mono frames
	if _, err := sink.Play(make([]byte, 400), stereo22k); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if got := len(sink.Played()[0]); got != 400 {
		t.Errorf("converted length = %d, want 400", got)
	}
}

func TestMockSink_Errors(t *testing.T) {
	sink := NewMockSink()

	if _, err := sink.Play(nil, monoFormat); !errors.Is(err, ErrEmptyAudio) {
		t.Errorf("Play(nil) = %v", err)
	}

	boom := errors.New("device gone")
	sink.FailNext(boom)
	if _, err := sink.Play(make([]byte, 10), monoFormat); !errors.Is(err, boom) {
		t.Errorf("Play = %v, want injected error", err)
	}

	_ = sink.Close()
	if _, err := sink.Play(make([]byte, 10), monoFormat); !errors.Is(err, ErrClosed) {
		t.Errorf("Play after Close = %v, want ErrClosed", err)
	}
}

func TestMockSink_Volume(t *testing.T) {
	sink := NewMockSink()
	for _, v := range []float64{0, 0.5, 1} {
		if err := sink.SetVolume(v); err != nil || sink.Volume() != v {
			t.Errorf("SetVolume(%v) = %v, Volume() = %v", v, err, sink.Volume())
		}
	}
	if err := sink.SetVolume(-0.1); err == nil {
		t.Error("negative volume accepted")
	}
}

func TestMockSink_ConcurrentOperations(t *testing.T) {
	sink := NewMockSink()
	sink.SetDelayFactor(0.01)
	defer sink.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				pb, err := sink.Play(make([]byte, 882), monoFormat)
				if err != nil {
					t.Errorf("Play failed: %v", err)
					return
				}
				_ = sink.Pause()
				_ = sink.Resume()
				_ = sink.Position()
				if j%3 == 0 {
					_ = sink.Stop()
				}
				select {
				case <-pb.Done():
				case <-time.After(time.Second):
					t.Error("playback never resolved")
					return
				}
			}
		}()
	}
	wg.Wait()
}
