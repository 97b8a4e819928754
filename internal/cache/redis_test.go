package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := DefaultConfig()
	cfg.RedisAddr = mr.Addr()
	cfg.RedisTTL = time.Hour

	rs, err := NewRedisStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })
	return rs, mr
}

func TestRedisStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	rs, mr := newTestRedis(t)

	if _, err := rs.Get(ctx, "k"); err != ErrCacheMiss {
		t.Fatalf("Get on empty: %v, want ErrCacheMiss", err)
	}

	if err := rs.Put(ctx, "k", entry(32)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !mr.Exists("narrator:audio:k") {
		t.Fatal("key not written under prefix")
	}

	e, err := rs.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(e.Audio) != 32 {
		t.Errorf("got %d bytes, want 32", len(e.Audio))
	}
}

func TestRedisStore_TTL(t *testing.T) {
	ctx := context.Background()
	rs, mr := newTestRedis(t)

	_ = rs.Put(ctx, "k", entry(1))
	mr.FastForward(2 * time.Hour)

	if _, err := rs.Get(ctx, "k"); err != ErrCacheMiss {
		t.Errorf("expired entry: %v, want ErrCacheMiss", err)
	}
}

func TestRedisStore_CorruptEntryIsDropped(t *testing.T) {
	ctx := context.Background()
	rs, mr := newTestRedis(t)

	_ = mr.Set("narrator:audio:bad", "not json")
	if _, err := rs.Get(ctx, "bad"); err == nil {
		t.Fatal("expected decode error")
	}
	if mr.Exists("narrator:audio:bad") {
		t.Error("corrupt entry was not deleted")
	}
}

func TestRedisStore_TouchAndClear(t *testing.T) {
	ctx := context.Background()
	rs, mr := newTestRedis(t)

	_ = rs.Put(ctx, "a", entry(1))
	_ = rs.Put(ctx, "b", entry(1))
	_ = mr.Set("other:key", "keep")

	at := time.Date(2031, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := rs.Touch(ctx, "a", at); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	e, _ := rs.Get(ctx, "a")
	if !e.LastAccessedAt.Equal(at) {
		t.Errorf("LastAccessedAt = %v, want %v", e.LastAccessedAt, at)
	}
	if err := rs.Touch(ctx, "missing", at); err != ErrCacheMiss {
		t.Errorf("Touch missing: %v, want ErrCacheMiss", err)
	}

	if err := rs.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if mr.Exists("narrator:audio:a") || mr.Exists("narrator:audio:b") {
		t.Error("prefixed keys survived Clear")
	}
	if !mr.Exists("other:key") {
		t.Error("Clear removed keys outside the prefix")
	}
}
