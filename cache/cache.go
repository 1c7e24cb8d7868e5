// Package cache is the cache-aside layer in front of the durable store.
// Reads populate the cache on miss; writes invalidate their keys before
// returning, so readers never observe an entry staler than the last
// committed write it was built from.
package cache

import (
	apperrors "chat-relay/errors"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key formats and TTLs of the concrete cached collections.
// Channel listings change rarely, so the single collection key carries a
// long TTL. Message pages are invalidated only for the default page size;
// exact invalidation of every page-size variant is not attempted, the
// short TTL bounds staleness instead.
const (
	ChannelsKey     = "channels:all"
	ChannelsTTL     = time.Hour
	MessagesTTL     = 30 * time.Second
	MembersTTL      = 5 * time.Minute
	DefaultPageSize = 50
)

func MessagesKey(channelID string, pageSize int) string {
	return fmt.Sprintf("messages:%s:%d", channelID, pageSize)
}

func MembersKey(channelID string) string {
	return fmt.Sprintf("channel:%s:members", channelID)
}

// Stats tracks cache statistics.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Sets    uint64 `json:"sets"`
	Deletes uint64 `json:"deletes"`
	Errors  uint64 `json:"errors"`
}

type Store struct {
	client *redis.Client
	log    *slog.Logger
	stats  Stats
}

func NewStore(client *redis.Client, log *slog.Logger) *Store {
	return &Store{client: client, log: log}
}

// Client exposes the underlying connection for components that need raw
// commands (analytics counters, cache cleanup).
func (s *Store) Client() *redis.Client { return s.client }

// GetOrLoad serves key from the cache when present, otherwise invokes
// loader against the durable store and populates the cache with ttl.
// The boolean reports whether the value was served from cache.
// Empty loader results are never cached, so a miss on a not-yet-created
// entity cannot poison later reads.
func GetOrLoad[T any](s *Store, ctx context.Context, key string, ttl time.Duration, loader func(ctx context.Context) (T, error)) (T, bool, error) {
	var value T

	data, err := s.client.Get(ctx, key).Bytes()
	if err == nil {
		if decodeErr := json.Unmarshal(data, &value); decodeErr == nil {
			atomic.AddUint64(&s.stats.Hits, 1)
			return value, true, nil
		} else {
			// An undecodable entry is as broken as an unreachable
			// cache: drop it and rebuild from the durable store.
			atomic.AddUint64(&s.stats.Errors, 1)
			s.log.Warn("Cache entry undecodable, reloading from store", "key", key, "error", decodeErr)
			_ = s.client.Del(ctx, key)
		}
	} else if err != redis.Nil {
		// A broken cache must not break reads: fall through to the
		// durable store and report the degradation.
		atomic.AddUint64(&s.stats.Errors, 1)
		s.log.Warn("Cache read failed, loading from store", "key", key, "error", err)
	} else {
		atomic.AddUint64(&s.stats.Misses, 1)
	}

	value, err = loader(ctx)
	if err != nil {
		return value, false, err
	}

	if shouldCache(value) {
		payload, err := json.Marshal(value)
		if err != nil {
			atomic.AddUint64(&s.stats.Errors, 1)
			return value, false, fmt.Errorf("cache encode error for %s: %w", key, err)
		}
		if err = s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
			atomic.AddUint64(&s.stats.Errors, 1)
			s.log.Warn("Cache populate failed", "key", key, "error", err)
			return value, false, nil
		}
		atomic.AddUint64(&s.stats.Sets, 1)
	}
	return value, false, nil
}

// WriteThrough runs writer against the durable store, then deletes every
// invalidation key before returning. An invalidation failure after a
// successful write is returned wrapped in ErrCacheInvalidation: the
// write happened and callers must treat it as a degraded success, stale
// reads are bounded by the TTL.
func (s *Store) WriteThrough(ctx context.Context, writer func(ctx context.Context) error, invalidateKeys ...string) error {
	if err := writer(ctx); err != nil {
		return err
	}
	if err := s.Invalidate(ctx, invalidateKeys...); err != nil {
		return err
	}
	return nil
}

func (s *Store) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		atomic.AddUint64(&s.stats.Errors, 1)
		s.log.Error("Cache invalidation failed", "keys", keys, "error", err)
		return fmt.Errorf("%w: %v", apperrors.ErrCacheInvalidation, err)
	}
	atomic.AddUint64(&s.stats.Deletes, uint64(len(keys)))
	return nil
}

// Snapshot returns the counters plus the derived hit rate.
type Snapshot struct {
	Stats
	HitRate float64 `json:"hit_rate"`
}

func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{Stats: Stats{
		Hits:    atomic.LoadUint64(&s.stats.Hits),
		Misses:  atomic.LoadUint64(&s.stats.Misses),
		Sets:    atomic.LoadUint64(&s.stats.Sets),
		Deletes: atomic.LoadUint64(&s.stats.Deletes),
		Errors:  atomic.LoadUint64(&s.stats.Errors),
	}}
	if total := snap.Hits + snap.Misses; total > 0 {
		snap.HitRate = float64(snap.Hits) / float64(total)
	}
	return snap
}

// shouldCache rejects empty results: nil pointers and zero-length
// collections are not worth a cache entry and caching them would pin a
// negative result past the entity's later creation.
func shouldCache(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Invalid:
		return false
	case reflect.Slice, reflect.Map:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	default:
		return true
	}
}
