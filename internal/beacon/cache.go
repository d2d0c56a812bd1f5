package beacon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"
)

// =============================================================================
// In-process Caches
// =============================================================================

type roundKey struct {
	network string
	round   uint64
}

// roundCache holds historical pulses. Entries never go stale; the LRU bound only
// limits memory.
type roundCache struct {
	lru *lru.Cache[roundKey, *Pulse]
}

func newRoundCache(size int) (*roundCache, error) {
	if size <= 0 {
		size = 4096
	}
	c, err := lru.New[roundKey, *Pulse](size)
	if err != nil {
		return nil, fmt.Errorf("beacon: round cache: %w", err)
	}
	return &roundCache{lru: c}, nil
}

func (c *roundCache) get(network string, round uint64) (*Pulse, bool) {
	return c.lru.Get(roundKey{network: network, round: round})
}

func (c *roundCache) add(p *Pulse) {
	c.lru.Add(roundKey{network: p.Network, round: p.Round}, p)
}

func (c *roundCache) len() int {
	return c.lru.Len()
}

// latestCache holds the most recent pulse per network for a short TTL.
type latestCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]latestEntry
}

type latestEntry struct {
	pulse     *Pulse
	expiresAt time.Time
}

func newLatestCache(ttl time.Duration) *latestCache {
	return &latestCache{ttl: ttl, entries: make(map[string]latestEntry)}
}

func (c *latestCache) get(network string, now time.Time) (*Pulse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[network]
	if !ok || !now.Before(e.expiresAt) {
		return nil, false
	}
	return e.pulse, true
}

func (c *latestCache) put(p *Pulse, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[p.Network]; ok && cur.pulse.Round > p.Round {
		return
	}
	c.entries[p.Network] = latestEntry{pulse: p, expiresAt: now.Add(ttl)}
}

// =============================================================================
// Shared Pulse Store
// =============================================================================

// ErrPulseNotStored is returned by a PulseStore miss.
var ErrPulseNotStored = errors.New("beacon: pulse not stored")

// PulseStore is an optional second cache tier shared between operator processes.
// Only historical rounds are written to it.
type PulseStore interface {
	Load(ctx context.Context, network string, round uint64) (*Pulse, error)
	Save(ctx context.Context, p *Pulse) error
}

// RedisStore keeps pulses in redis under "<prefix>:<network>:<round>".
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to the redis instance at url.
func NewRedisStore(url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("beacon: parse redis url: %w", err)
	}
	if prefix == "" {
		prefix = "beacon-pulse"
	}
	return &RedisStore{client: redis.NewClient(opts), prefix: prefix}, nil
}

func (s *RedisStore) key(network string, round uint64) string {
	return fmt.Sprintf("%s:%s:%d", s.prefix, network, round)
}

// Load fetches and revalidates a stored pulse.
func (s *RedisStore) Load(ctx context.Context, network string, round uint64) (*Pulse, error) {
	data, err := s.client.Get(ctx, s.key(network, round)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrPulseNotStored
	}
	if err != nil {
		return nil, fmt.Errorf("beacon: redis get: %w", err)
	}
	return unmarshalPulse(data)
}

// Save stores p without expiry; historical rounds never change.
func (s *RedisStore) Save(ctx context.Context, p *Pulse) error {
	data, err := marshalPulse(p)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(p.Network, p.Round), data, 0).Err(); err != nil {
		return fmt.Errorf("beacon: redis set: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
