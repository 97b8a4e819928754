package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/vrwarp/narrator/internal/cache"
	"github.com/vrwarp/narrator/internal/playback"
	"github.com/vrwarp/narrator/internal/ttypes"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": db,
	}
}

func TestStore_QueueState(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.LoadQueueState(ctx, "none")
			if err != nil || got != nil {
				t.Fatalf("LoadQueueState on empty = (%v, %v), want (nil, nil)", got, err)
			}

			queue := []playback.QueueItem{
				{Text: "one", Anchor: "/2/2", SourceIndices: []int{0, 1}},
				{Text: "two", Anchor: "/2/4", Kind: "code", Skipped: true},
			}
			if err := s.SaveQueueState(ctx, "book", queue, 1, 3); err != nil {
				t.Fatalf("SaveQueueState failed: %v", err)
			}
			if err := s.SavePosition(ctx, "book", 0, 4); err != nil {
				t.Fatalf("SavePosition failed: %v", err)
			}

			got, err = s.LoadQueueState(ctx, "book")
			if err != nil {
				t.Fatalf("LoadQueueState failed: %v", err)
			}
			if got.Index != 0 || got.SectionIndex != 4 {
				t.Errorf("position = (%d, %d), want (0, 4)", got.Index, got.SectionIndex)
			}
			if len(got.Queue) != 2 || got.Queue[1].Kind != "code" || !got.Queue[1].Skipped {
				t.Errorf("queue = %+v", got.Queue)
			}
			if len(got.Queue[0].SourceIndices) != 2 {
				t.Errorf("source indices lost: %+v", got.Queue[0])
			}
		})
	}
}

func TestStore_SavePositionWithoutQueue(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			err := s.SavePosition(ctx, "ghost", 1, 1)
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_PlaybackMarker(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_ = s.SaveQueueState(ctx, "book", []playback.QueueItem{{Text: "x"}}, 0, 0)

			paused := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
			if err := s.UpdatePlaybackMarker(ctx, "book", "/4/2", &paused); err != nil {
				t.Fatalf("UpdatePlaybackMarker failed: %v", err)
			}
			got, _ := s.LoadQueueState(ctx, "book")
			if got.Anchor != "/4/2" || got.PausedAt == nil || !got.PausedAt.Equal(paused) {
				t.Errorf("marker = %q %v", got.Anchor, got.PausedAt)
			}
			if len(got.Queue) != 1 {
				t.Error("marker update clobbered the queue")
			}

			_ = s.UpdatePlaybackMarker(ctx, "book", "/4/2", nil)
			got, _ = s.LoadQueueState(ctx, "book")
			if got.PausedAt != nil {
				t.Errorf("pause not cleared: %v", got.PausedAt)
			}
		})
	}
}

func TestStore_CachedAudio(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.GetCachedAudio(ctx, "k"); !errors.Is(err, cache.ErrCacheMiss) {
				t.Fatalf("Get on empty: %v, want ErrCacheMiss", err)
			}

			created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			e := &cache.Entry{
				Audio:          []byte{1, 2, 3},
				Format:         ttypes.Format{Encoding: ttypes.EncodingMP3, SampleRate: 24000, Channels: 1},
				Alignment:      []ttypes.AlignmentPoint{{TimeSeconds: 0.25, TextOffset: 4, Kind: ttypes.AlignWord}},
				CreatedAt:      created,
				LastAccessedAt: created,
			}
			if err := s.PutCachedAudio(ctx, "k", e); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			// overwrite
			e.Audio = []byte{9, 9}
			if err := s.PutCachedAudio(ctx, "k", e); err != nil {
				t.Fatalf("second Put failed: %v", err)
			}

			touched := created.Add(time.Hour)
			if err := s.TouchCachedAudio(ctx, "k", touched); err != nil {
				t.Fatalf("Touch failed: %v", err)
			}

			got, err := s.GetCachedAudio(ctx, "k")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if len(got.Audio) != 2 || got.Format != e.Format || len(got.Alignment) != 1 {
				t.Errorf("entry = %+v", got)
			}
			if !got.LastAccessedAt.Equal(touched) {
				t.Errorf("LastAccessedAt = %v, want %v", got.LastAccessedAt, touched)
			}

			if err := s.TouchCachedAudio(ctx, "missing", touched); !errors.Is(err, cache.ErrCacheMiss) {
				t.Errorf("Touch missing: %v, want ErrCacheMiss", err)
			}

			n, err := s.Prune(ctx, touched.Add(time.Minute))
			if err != nil || n != 1 {
				t.Errorf("Prune = (%d, %v), want (1, nil)", n, err)
			}
			if _, err := s.GetCachedAudio(ctx, "k"); !errors.Is(err, cache.ErrCacheMiss) {
				t.Error("pruned entry still present")
			}
		})
	}
}

func TestStore_Usage(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_ = s.RecordUsage(ctx, "openai", 120)
			_ = s.RecordUsage(ctx, "openai", 30)
			_ = s.RecordUsage(ctx, "google", 5)

			usage, err := s.Usage(ctx)
			if err != nil {
				t.Fatalf("Usage failed: %v", err)
			}
			if len(usage) != 2 {
				t.Fatalf("usage = %+v", usage)
			}
			if usage[1].BackendID != "openai" || usage[1].Characters != 150 || usage[1].Requests != 2 {
				t.Errorf("openai usage = %+v", usage[1])
			}
		})
	}
}

func TestStore_AsCacheTier(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			m := cache.NewManager(nil, cache.NewMemoryStore(1<<20), cache.NewPersistentStore(s))
			if err := m.Put(ctx, "k", ttypes.Audio{Data: []byte("pcm")}); err != nil {
				t.Fatalf("Put failed: %v", err)
			}

			// a fresh manager over the same store sees the entry
			fresh := cache.NewManager(nil, cache.NewMemoryStore(1<<20), cache.NewPersistentStore(s))
			e, ok := fresh.Get(ctx, "k")
			if !ok || string(e.Audio) != "pcm" {
				t.Fatalf("Get = (%v, %v)", e, ok)
			}
		})
	}
}

func TestStore_PlaybackRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			m := playback.NewManager(s)
			m.SetBook("book")
			m.SetQueue(ctx, []playback.QueueItem{{Text: "a"}, {Text: "b"}, {Text: "c"}}, 0, 2)
			m.Next(ctx)

			restored := playback.NewManager(s)
			restored.SetBook("book")
			ok, err := restored.Restore(ctx)
			if err != nil || !ok {
				t.Fatalf("Restore = (%v, %v)", ok, err)
			}
			snap := restored.Snapshot()
			if snap.CurrentIndex != 1 || snap.CurrentSectionIndex != 2 || len(snap.Queue) != 3 {
				t.Errorf("restored %+v", snap)
			}
		})
	}
}
