package narrator

import (
	"context"
	"time"

	"github.com/vrwarp/narrator/internal/content"
	"github.com/vrwarp/narrator/internal/playback"
	"github.com/vrwarp/narrator/internal/sequencer"
)

// interrupt cancels an outstanding synthesis so a conflicting command does
// not wait behind it. Playback that has already started is left to the
// command itself.
func (n *Narrator) interrupt() {
	if n.synthesizing.Load() {
		n.providers.Cancel()
	}
}

// Open makes src the active book. Saved state for the book is restored;
// otherwise narration starts at the first section. The handle resolves to
// true when state was restored.
func (n *Narrator) Open(src content.Source) *sequencer.Handle {
	n.interrupt()
	return n.seq.Enqueue("open", func(ctx context.Context) (any, error) {
		meta, err := src.Meta(ctx)
		if err != nil {
			return false, err
		}
		count, err := src.Sections(ctx)
		if err != nil {
			return false, err
		}
		if count == 0 {
			return false, ErrEmptyBook
		}

		if err := n.providers.Stop(ctx); err != nil {
			n.logger.Warn("failed to stop playback", "error", err)
		}
		n.source, n.meta, n.sections = src, meta, count
		n.pausedAt = time.Time{}
		n.playback.SetBook(meta.ID)
		n.playback.SetStatus(playback.StatusStopped)

		restored, err := n.playback.Restore(ctx)
		if err != nil {
			n.logger.Warn("failed to restore playback state", "book", meta.ID, "error", err)
		}
		if restored {
			snap := n.playback.Snapshot()
			n.logger.Info("restored position", "book", meta.ID, "section", snap.CurrentSectionIndex, "index", snap.CurrentIndex)
			return true, nil
		}
		return false, n.loadSection(ctx, 0, 0)
	})
}

// LoadSection replaces the queue with section index, keeping playback
// going if it was.
func (n *Narrator) LoadSection(index int) *sequencer.Handle {
	n.interrupt()
	return n.seq.Enqueue("load-section", func(ctx context.Context) (any, error) {
		if n.source == nil {
			return nil, ErrNoBook
		}
		st := n.playback.Status()
		if err := n.loadSection(ctx, index, 0); err != nil {
			return nil, err
		}
		return nil, n.continueFrom(ctx, st)
	})
}

// Play starts narration at the current item, or resumes it when paused.
func (n *Narrator) Play() *sequencer.Handle {
	return n.seq.Enqueue("play", func(ctx context.Context) (any, error) {
		switch n.playback.Status() {
		case playback.StatusPlaying:
			return nil, nil
		case playback.StatusPaused:
			return nil, n.resume(ctx)
		case playback.StatusCompleted:
			n.playback.SeekToTime(ctx, 0)
		}
		return nil, n.playCurrent(ctx)
	})
}

// Pause pauses narration and records the playback marker.
func (n *Narrator) Pause() *sequencer.Handle {
	return n.seq.Enqueue("pause", func(ctx context.Context) (any, error) {
		if n.playback.Status() != playback.StatusPlaying {
			return nil, nil
		}
		if err := n.providers.Pause(ctx); err != nil {
			return nil, err
		}
		now := time.Now()
		n.pausedAt = now
		n.playback.SetStatus(playback.StatusPaused)
		n.playback.UpdatePlaybackMarker(ctx, &now)
		return nil, nil
	})
}

// Resume continues after Pause. It behaves like Play when stopped.
func (n *Narrator) Resume() *sequencer.Handle {
	return n.seq.Enqueue("resume", func(ctx context.Context) (any, error) {
		switch n.playback.Status() {
		case playback.StatusPaused:
			return nil, n.resume(ctx)
		case playback.StatusStopped, playback.StatusLoading:
			return nil, n.playCurrent(ctx)
		}
		return nil, nil
	})
}

// Stop silences playback. The position is kept.
func (n *Narrator) Stop() *sequencer.Handle {
	n.providers.Cancel()
	return n.seq.Enqueue("stop", func(ctx context.Context) (any, error) {
		n.pausedAt = time.Time{}
		err := n.providers.Stop(ctx)
		n.playback.SetStatus(playback.StatusStopped)
		return nil, err
	})
}

// Next moves to the next visible item. The handle resolves to whether it
// moved.
func (n *Narrator) Next() *sequencer.Handle {
	return n.navigate("next", n.playback.Next)
}

// Prev moves to the previous visible item.
func (n *Narrator) Prev() *sequencer.Handle {
	return n.navigate("prev", n.playback.Prev)
}

// JumpTo moves to item i or the nearest visible item.
func (n *Narrator) JumpTo(i int) *sequencer.Handle {
	return n.navigate("jump", func(ctx context.Context) bool {
		return n.playback.JumpTo(ctx, i)
	})
}

// Seek moves to the item at t seconds on the section timeline. Seeking
// restarts the target item even when it is the current one.
func (n *Narrator) Seek(t float64) *sequencer.Handle {
	return n.navigate("seek", func(ctx context.Context) bool {
		_, ok := n.playback.SeekToTime(ctx, t)
		return ok
	})
}

func (n *Narrator) navigate(name string, move func(context.Context) bool) *sequencer.Handle {
	n.interrupt()
	return n.seq.Enqueue(name, func(ctx context.Context) (any, error) {
		st := n.playback.Status()
		if !move(ctx) {
			if st == playback.StatusLoading {
				// the interrupted synthesis has to be redone
				return false, n.playCurrent(ctx)
			}
			return false, nil
		}
		return true, n.continueFrom(ctx, st)
	})
}

// SetVoice changes the voice. The current item restarts with it.
func (n *Narrator) SetVoice(id string) *sequencer.Handle {
	return n.reconfigure("set-voice", func(s *Settings) { s.VoiceID = id })
}

// SetSpeed changes the speaking rate. The current item restarts at the new
// rate.
func (n *Narrator) SetSpeed(speed float64) *sequencer.Handle {
	return n.reconfigure("set-speed", func(s *Settings) {
		if speed > 0 {
			s.Speed = speed
		}
	})
}

// SetPitch changes the pitch.
func (n *Narrator) SetPitch(pitch float64) *sequencer.Handle {
	return n.reconfigure("set-pitch", func(s *Settings) {
		if pitch > 0 {
			s.Pitch = pitch
		}
	})
}

func (n *Narrator) reconfigure(name string, apply func(*Settings)) *sequencer.Handle {
	n.interrupt()
	return n.seq.Enqueue(name, func(ctx context.Context) (any, error) {
		n.mu.Lock()
		before := n.settings
		apply(&n.settings)
		changed := n.settings != before
		n.mu.Unlock()
		if !changed {
			return false, nil
		}
		return true, n.continueFrom(ctx, n.playback.Status())
	})
}

// SetBackend switches the speech backend. A voice the new backend does not
// offer is cleared.
func (n *Narrator) SetBackend(id string) *sequencer.Handle {
	n.interrupt()
	return n.seq.Enqueue("set-backend", func(ctx context.Context) (any, error) {
		st := n.playback.Status()
		if err := n.providers.SetBackend(ctx, id); err != nil {
			return nil, err
		}
		n.dropForeignVoice(ctx)
		return nil, n.continueFrom(ctx, st)
	})
}
