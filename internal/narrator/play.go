package narrator

import (
	"context"
	"slices"
	"time"

	"github.com/vrwarp/narrator/internal/content"
	"github.com/vrwarp/narrator/internal/lexicon"
	"github.com/vrwarp/narrator/internal/playback"
	"github.com/vrwarp/narrator/internal/provider"
	"github.com/vrwarp/narrator/internal/ttypes"
)

// playCurrent speaks the current item and preloads the one after it.
// Skipped items are stepped over; running off the end of the section
// finishes it.
func (n *Narrator) playCurrent(ctx context.Context) error {
	snap := n.playback.Snapshot()
	if snap.CurrentItem == nil {
		return playback.ErrQueueEmpty
	}
	item := *snap.CurrentItem
	if item.Skipped {
		if !n.playback.JumpTo(ctx, snap.CurrentIndex) {
			return n.finishSection(ctx)
		}
		item, _ = n.playback.Current()
	}

	n.playback.SetStatus(playback.StatusLoading)
	text, opts := n.prepare(item.Text)

	n.synthesizing.Store(true)
	err := n.providers.Play(ctx, text, opts)
	n.synthesizing.Store(false)
	if err != nil {
		if provider.IsCancellation(err) {
			// a newer command owns the lane state now
			n.logger.Debug("playback superseded", "anchor", item.Anchor)
			return nil
		}
		n.fail(err)
		return err
	}

	n.pausedAt = time.Time{}
	n.playback.SetStatus(playback.StatusPlaying)
	n.playback.UpdatePlaybackMarker(ctx, nil)
	n.preloadNext(ctx)
	return nil
}

func (n *Narrator) preloadNext(ctx context.Context) {
	next, ok := n.playback.Peek()
	if !ok {
		return
	}
	text, opts := n.prepare(next.Text)
	if err := n.providers.Preload(ctx, text, opts); err != nil && !provider.IsCancellation(err) {
		n.logger.Debug("preload failed", "anchor", next.Anchor, "error", err)
	}
}

// prepare applies the book's lexicon to text and builds the request
// options.
func (n *Narrator) prepare(text string) (string, provider.Options) {
	var rules []lexicon.Rule
	if n.rules != nil {
		rules = n.rules.Resolve(n.playback.BookID())
	}
	settings := n.Settings()
	return n.lexicon.Apply(text, rules), provider.Options{
		SynthesisOptions: ttypes.SynthesisOptions{
			VoiceID: settings.VoiceID,
			Speed:   settings.Speed,
			Pitch:   settings.Pitch,
		},
		LexiconHash: lexicon.Hash(rules),
	}
}

// advanceAfter moves on once utterance op has ended. Ends of superseded
// operations and ends that arrive after a pause or stop are ignored.
func (n *Narrator) advanceAfter(ctx context.Context, op uint64) error {
	if op != n.providers.CurrentOp() || n.playback.Status() != playback.StatusPlaying {
		return nil
	}
	if n.playback.Next(ctx) {
		return n.playCurrent(ctx)
	}
	return n.finishSection(ctx)
}

// finishSection continues with the next section that has something to
// say, or marks the book completed.
func (n *Narrator) finishSection(ctx context.Context) error {
	section := n.playback.Snapshot().CurrentSectionIndex
	for n.cfg.ContinueBook && n.source != nil && section+1 < n.sections {
		section++
		if err := n.loadSection(ctx, section, 0); err != nil {
			n.fail(err)
			return err
		}
		if item, ok := n.playback.Current(); ok && !item.Skipped {
			return n.playCurrent(ctx)
		}
	}
	n.logger.Info("reached the end", "book", n.meta.ID, "section", section)
	n.playback.SetStatus(playback.StatusCompleted)
	return nil
}

// loadSection replaces the queue with the segments of section index and
// applies the skip and table settings to it.
func (n *Narrator) loadSection(ctx context.Context, index, start int) error {
	if n.source == nil {
		return ErrNoBook
	}
	sec, err := n.source.Section(ctx, index)
	if err != nil {
		return err
	}

	items := make([]playback.QueueItem, 0, len(sec.Segments))
	for _, seg := range sec.Segments {
		items = append(items, playback.QueueItem{
			Text:          seg.Text,
			Anchor:        seg.Anchor,
			Title:         n.meta.Title,
			Author:        n.meta.Author,
			CoverRef:      n.meta.Cover,
			Kind:          string(seg.Kind),
			SourceIndices: slices.Clone(seg.SourceIndices),
		})
	}
	n.playback.SetQueue(ctx, items, start, index)
	n.playback.ApplySkipMask(ctx, sec.SkipSet(n.cfg.SkipKinds))
	if n.cfg.AdaptTables && !slices.Contains(n.cfg.SkipKinds, content.KindTable) {
		n.playback.ApplyTableAdaptations(ctx, sec.Tables)
	}
	if item, ok := n.playback.Current(); ok && item.Skipped {
		n.playback.JumpTo(ctx, n.playback.Snapshot().CurrentIndex)
	}

	n.logger.Debug("loaded section", "section", index, "title", sec.Title, "items", len(items))
	n.emit(Event{Kind: EventSection, Section: index, Title: sec.Title})
	return nil
}

// continueFrom settles playback after the current item changed under a
// command that started in status st.
func (n *Narrator) continueFrom(ctx context.Context, st playback.Status) error {
	switch st {
	case playback.StatusPlaying, playback.StatusLoading:
		return n.playCurrent(ctx)
	case playback.StatusPaused:
		n.pausedAt = time.Time{}
		if err := n.providers.Stop(ctx); err != nil {
			n.logger.Warn("failed to stop playback", "error", err)
		}
		n.playback.SetStatus(playback.StatusStopped)
	case playback.StatusCompleted:
		n.playback.SetStatus(playback.StatusStopped)
	}
	return nil
}

// resume continues a paused utterance, restarting it when the pause ran
// longer than the rewind threshold.
func (n *Narrator) resume(ctx context.Context) error {
	if n.cfg.ResumeRewind > 0 && !n.pausedAt.IsZero() && time.Since(n.pausedAt) > n.cfg.ResumeRewind {
		n.logger.Debug("restarting item after long pause", "paused", time.Since(n.pausedAt).Round(time.Second))
		if err := n.providers.Stop(ctx); err != nil {
			n.logger.Warn("failed to stop playback", "error", err)
		}
		return n.playCurrent(ctx)
	}
	if err := n.providers.Resume(ctx); err != nil {
		return err
	}
	n.pausedAt = time.Time{}
	n.playback.SetStatus(playback.StatusPlaying)
	n.playback.UpdatePlaybackMarker(ctx, nil)
	return nil
}

// dropForeignVoice clears the selected voice when the active backend does
// not offer it.
func (n *Narrator) dropForeignVoice(ctx context.Context) {
	voice := n.Settings().VoiceID
	b := n.providers.Active()
	if voice == "" || b == nil {
		return
	}
	voices, err := b.Voices(ctx)
	if err != nil {
		n.logger.Warn("failed to list voices", "backend", b.ID(), "error", err)
		return
	}
	if slices.ContainsFunc(voices, func(v ttypes.Voice) bool { return v.ID == voice }) {
		return
	}
	n.logger.Info("voice not offered by backend, using its default", "voice", voice, "backend", b.ID())
	n.mu.Lock()
	if n.settings.VoiceID == voice {
		n.settings.VoiceID = ""
	}
	n.mu.Unlock()
}
