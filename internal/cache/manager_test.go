package cache

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vrwarp/narrator/internal/ttypes"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(&bytes.Buffer{}, log.Options{Level: log.DebugLevel})
}

func pcm(n int) ttypes.Audio {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return ttypes.Audio{
		Data:   data,
		Format: ttypes.Format{Encoding: ttypes.EncodingPCM16, SampleRate: 22050, Channels: 1},
	}
}

func TestKey(t *testing.T) {
	base := Key("Hello world", "alloy", 1.0, 1.0, "abc")
	if base != Key("Hello world", "alloy", 1.0, 1.0, "abc") {
		t.Fatal("key is not stable")
	}

	variants := map[string]string{
		"text":    Key("Hello world!", "alloy", 1.0, 1.0, "abc"),
		"voice":   Key("Hello world", "nova", 1.0, 1.0, "abc"),
		"speed":   Key("Hello world", "alloy", 1.25, 1.0, "abc"),
		"pitch":   Key("Hello world", "alloy", 1.0, 0.5, "abc"),
		"lexicon": Key("Hello world", "alloy", 1.0, 1.0, "def"),
	}
	for name, k := range variants {
		if k == base {
			t.Errorf("changing %s did not change the key", name)
		}
	}

	// precomposed and decomposed forms share an entry
	if Key("caf\u00e9", "v", 1, 1, "") != Key("cafe\u0301", "v", 1, 1, "") {
		t.Error("normalization-equivalent text produced different keys")
	}
}

func TestManager_GetRefreshesLastAccess(t *testing.T) {
	ctx := context.Background()
	m := NewManager(testLogger(), NewMemoryStore(1<<20))
	defer m.Close() //nolint:errcheck

	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	if err := m.Put(ctx, "k", pcm(10)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	clock = clock.Add(time.Hour)
	e, ok := m.Get(ctx, "k")
	if !ok {
		t.Fatal("expected hit")
	}
	if !e.LastAccessedAt.Equal(clock) {
		t.Errorf("LastAccessedAt = %v, want %v", e.LastAccessedAt, clock)
	}
	if !e.CreatedAt.Equal(clock.Add(-time.Hour)) {
		t.Errorf("CreatedAt changed: %v", e.CreatedAt)
	}

	// the tier itself was touched, not just the returned copy
	e2, _ := m.Tiers()[0].Get(ctx, "k")
	if !e2.LastAccessedAt.Equal(clock) {
		t.Errorf("tier LastAccessedAt = %v, want %v", e2.LastAccessedAt, clock)
	}
}

func TestManager_PutOverwrites(t *testing.T) {
	ctx := context.Background()
	m := NewManager(testLogger(), NewMemoryStore(1<<20))

	_ = m.Put(ctx, "k", pcm(10))
	_ = m.Put(ctx, "k", pcm(20))

	e, ok := m.Get(ctx, "k")
	if !ok {
		t.Fatal("expected hit")
	}
	if len(e.Audio) != 20 {
		t.Errorf("got %d bytes, want 20", len(e.Audio))
	}
}

func TestManager_Miss(t *testing.T) {
	m := NewManager(testLogger(), NewMemoryStore(1<<20))
	if _, ok := m.Get(context.Background(), "nope"); ok {
		t.Fatal("expected miss")
	}
	if got := m.Stats().Misses; got != 1 {
		t.Errorf("Misses = %d, want 1", got)
	}
}

func TestManager_PromotesToFasterTier(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore(1 << 20)
	disk, err := NewDiskStore(t.TempDir(), 1<<20, 3)
	if err != nil {
		t.Fatalf("NewDiskStore failed: %v", err)
	}
	m := NewManager(testLogger(), mem, disk)
	defer m.Close() //nolint:errcheck

	now := time.Now()
	if err := disk.Put(ctx, "k", &Entry{Audio: []byte("abc"), CreatedAt: now, LastAccessedAt: now}); err != nil {
		t.Fatalf("disk Put failed: %v", err)
	}

	if _, ok := m.Get(ctx, "k"); !ok {
		t.Fatal("expected hit from disk tier")
	}
	if _, err := mem.Get(ctx, "k"); err != nil {
		t.Errorf("entry was not promoted to memory: %v", err)
	}
	if got := m.Stats().Promotions; got != 1 {
		t.Errorf("Promotions = %d, want 1", got)
	}
}

func TestManager_GetOrFetchDeduplicates(t *testing.T) {
	ctx := context.Background()
	m := NewManager(testLogger(), NewMemoryStore(1<<20))

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (ttypes.Audio, error) {
		calls.Add(1)
		<-release
		return pcm(64), nil
	}

	const callers = 8
	results := make([]Result, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.GetOrFetch(ctx, "shared", fetch)
		}(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(m.InFlight()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("fetch called %d times, want 1", got)
	}

	fetched := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if len(results[i].Entry.Audio) != 64 {
			t.Errorf("caller %d got %d bytes", i, len(results[i].Entry.Audio))
		}
		if results[i].Source == SourceFetch {
			fetched++
		}
	}
	if fetched != 1 {
		t.Errorf("%d callers saw SourceFetch, want exactly 1", fetched)
	}
	if len(m.InFlight()) != 0 {
		t.Errorf("in-flight registry not cleaned up: %v", m.InFlight())
	}
}

func TestManager_GetOrFetchErrorCleansUp(t *testing.T) {
	ctx := context.Background()
	m := NewManager(testLogger(), NewMemoryStore(1<<20))

	boom := errors.New("boom")
	_, err := m.GetOrFetch(ctx, "k", func(context.Context) (ttypes.Audio, error) {
		return ttypes.Audio{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if len(m.InFlight()) != 0 {
		t.Errorf("in-flight registry not cleaned up: %v", m.InFlight())
	}

	// a later call fetches again
	r, err := m.GetOrFetch(ctx, "k", func(context.Context) (ttypes.Audio, error) {
		return pcm(4), nil
	})
	if err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	if r.Source != SourceFetch {
		t.Errorf("Source = %v, want fetch", r.Source)
	}

	r, err = m.GetOrFetch(ctx, "k", func(context.Context) (ttypes.Audio, error) {
		t.Fatal("fetch should not run on a hit")
		return ttypes.Audio{}, nil
	})
	if err != nil || r.Source != SourceCache {
		t.Errorf("got (%v, %v), want cache hit", r.Source, err)
	}
}

func TestManager_GetOrFetchHonoursContext(t *testing.T) {
	m := NewManager(testLogger(), NewMemoryStore(1<<20))

	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	defer close(release)

	done := make(chan error, 1)
	go func() {
		_, err := m.GetOrFetch(ctx, "slow", func(context.Context) (ttypes.Audio, error) {
			<-release
			return pcm(1), nil
		})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("GetOrFetch did not return after cancel")
	}
}

type failingStore struct{ *MemoryStore }

func (f *failingStore) Get(context.Context, string) (*Entry, error) {
	return nil, errors.New("tier down")
}

func TestManager_TierFailureIsAMiss(t *testing.T) {
	ctx := context.Background()
	bad := &failingStore{MemoryStore: NewMemoryStore(1 << 20)}
	m := NewManager(testLogger(), bad)

	r, err := m.GetOrFetch(ctx, "k", func(context.Context) (ttypes.Audio, error) {
		return pcm(3), nil
	})
	if err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}
	if r.Source != SourceFetch {
		t.Errorf("Source = %v, want fetch", r.Source)
	}
	if m.Stats().TierErrors == 0 {
		t.Error("tier error was not recorded")
	}
}

func TestManager_Prune(t *testing.T) {
	ctx := context.Background()
	m := NewManager(testLogger(), NewMemoryStore(1<<20))

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	_ = m.Put(ctx, "old", pcm(1))

	clock = clock.Add(48 * time.Hour)
	_ = m.Put(ctx, "new", pcm(1))

	if n := m.Prune(ctx, 24*time.Hour); n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if _, ok := m.Get(ctx, "old"); ok {
		t.Error("old entry survived pruning")
	}
	if _, ok := m.Get(ctx, "new"); !ok {
		t.Error("new entry was pruned")
	}
}

func TestOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DiskPath = t.TempDir()
	cfg.CleanupInterval = time.Hour

	m, err := Open(context.Background(), cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer m.Close() //nolint:errcheck

	tiers := m.Tiers()
	if len(tiers) != 2 || tiers[0].Tier() != TierMemory || tiers[1].Tier() != TierDisk {
		t.Fatalf("unexpected tiers: %v", tiers)
	}
	if len(m.Describe()) != 2 {
		t.Errorf("Describe returned %v", m.Describe())
	}
}
