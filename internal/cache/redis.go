package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a shared tier so several narrator processes, or a process
// and its next run on another machine, reuse each other's synthesis.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	mu    sync.Mutex
	stats Stats
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg Config) (*RedisStore, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("redis address required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.RedisPrefix
	if prefix == "" {
		prefix = "narrator:audio:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.RedisTTL,
		stats:  Stats{Tier: TierRedis},
	}, nil
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// Tier implements Store.
func (s *RedisStore) Tier() Tier { return TierRedis }

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		s.count(false)
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}
	e, err := decodeEntry(raw)
	if err != nil {
		_ = s.client.Del(ctx, s.key(key)).Err()
		s.count(false)
		return nil, err
	}
	s.count(true)
	return e, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, key string, e *Entry) error {
	raw, err := encodeEntry(e)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(key), raw, s.ttl).Err()
}

// Touch implements Store by re-reading and rewriting the entry, which also
// renews its expiry.
func (s *RedisStore) Touch(ctx context.Context, key string, at time.Time) error {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return err
	}
	e, err := decodeEntry(raw)
	if err != nil {
		return err
	}
	e.LastAccessedAt = at
	return s.Put(ctx, key, e)
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// Clear removes every key under the prefix.
func (s *RedisStore) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Stats implements Store.
func (s *RedisStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.updateHitRate()
	return stats
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) count(hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hit {
		s.stats.Hits++
		s.stats.LastAccess = time.Now()
	} else {
		s.stats.Misses++
	}
}
