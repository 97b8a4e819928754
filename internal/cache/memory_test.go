package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func entry(n int) *Entry {
	now := time.Now()
	return &Entry{Audio: make([]byte, n), CreatedAt: now, LastAccessedAt: now}
}

func TestMemoryStore_BasicOperations(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryStore(1024)

	if err := c.Put(ctx, "k", entry(10)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	e, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(e.Audio) != 10 {
		t.Errorf("got %d bytes, want 10", len(e.Audio))
	}
	if got := c.Stats().Size; got != 10 {
		t.Errorf("Size = %d, want 10", got)
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.Get(ctx, "k"); err != ErrCacheMiss {
		t.Errorf("Get after delete: %v, want ErrCacheMiss", err)
	}
	if got := c.Stats().Size; got != 0 {
		t.Errorf("Size after delete = %d, want 0", got)
	}
}

func TestMemoryStore_LRUEviction(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryStore(100)

	for i := 0; i < 3; i++ {
		_ = c.Put(ctx, fmt.Sprintf("k%d", i), entry(30))
	}
	// k0 becomes most recently used
	if _, err := c.Get(ctx, "k0"); err != nil {
		t.Fatalf("Get k0: %v", err)
	}
	_ = c.Put(ctx, "k3", entry(30))

	if _, err := c.Get(ctx, "k1"); err != ErrCacheMiss {
		t.Error("k1 should have been evicted")
	}
	for _, k := range []string{"k0", "k2", "k3"} {
		if _, err := c.Get(ctx, k); err != nil {
			t.Errorf("%s missing: %v", k, err)
		}
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("Evictions = %d, want 1", got)
	}
}

func TestMemoryStore_ItemTooLarge(t *testing.T) {
	c := NewMemoryStore(10)
	if err := c.Put(context.Background(), "big", entry(11)); err != ErrItemTooLarge {
		t.Errorf("err = %v, want ErrItemTooLarge", err)
	}
}

func TestMemoryStore_OverwriteAdjustsSize(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryStore(1024)
	_ = c.Put(ctx, "k", entry(100))
	_ = c.Put(ctx, "k", entry(40))

	stats := c.Stats()
	if stats.Size != 40 || stats.ItemCount != 1 {
		t.Errorf("Size=%d ItemCount=%d, want 40 and 1", stats.Size, stats.ItemCount)
	}
}

func TestMemoryStore_Touch(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryStore(1024)
	_ = c.Put(ctx, "k", entry(1))

	at := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := c.Touch(ctx, "k", at); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	e, _ := c.Get(ctx, "k")
	if !e.LastAccessedAt.Equal(at) {
		t.Errorf("LastAccessedAt = %v, want %v", e.LastAccessedAt, at)
	}
	if err := c.Touch(ctx, "missing", at); err != ErrCacheMiss {
		t.Errorf("Touch missing: %v, want ErrCacheMiss", err)
	}
}

func TestMemoryStore_Resize(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryStore(100)
	for i := 0; i < 4; i++ {
		_ = c.Put(ctx, fmt.Sprintf("k%d", i), entry(25))
	}
	c.Resize(50)

	keys := c.Keys()
	if len(keys) != 2 || keys[0] != "k3" || keys[1] != "k2" {
		t.Errorf("Keys after resize = %v, want [k3 k2]", keys)
	}
}

func TestMemoryStore_Concurrent(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryStore(10000)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("g%d-%d", g, i%10)
				_ = c.Put(ctx, key, entry(10))
				_, _ = c.Get(ctx, key)
			}
		}(g)
	}
	wg.Wait()

	if size := c.Stats().Size; size > 10000 {
		t.Errorf("size %d exceeds capacity", size)
	}
}
