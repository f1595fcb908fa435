// Package catalogcache keeps a short-lived copy of the store catalog for the
// lobby so that a burst of list_catalog calls costs one upstream request.
package catalogcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/cuihairu/arcade/internal/store"
)

// Config selects the cache backend.
type Config struct {
	Type     string        `mapstructure:"type"` // memory|redis|none
	RedisURL string        `mapstructure:"redis_url"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Loader fetches the catalog from the store.
type Loader func(ctx context.Context) ([]store.GameSummary, error)

type backend interface {
	get(ctx context.Context, key string) ([]byte, bool, error)
	set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	del(ctx context.Context, key string) error
	Close() error
}

type Cache struct {
	b     backend
	ttl   time.Duration
	key   string
	load  Loader
	group singleflight.Group
}

const catalogKey = "catalog"

// New builds a cache in front of load. Type "none" (or a zero TTL) still
// collapses concurrent loads but stores nothing.
func New(cfg Config, load Loader) (*Cache, error) {
	if load == nil {
		return nil, errors.New("catalogcache: loader is required")
	}
	if cfg.TTL == 0 {
		cfg.TTL = 30 * time.Second
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "arcade:lobby"
	}
	c := &Cache{ttl: cfg.TTL, key: prefix + ":" + catalogKey, load: load}
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "memory":
		c.b = newMemory()
	case "none":
		c.ttl = 0
		c.b = newMemory()
	case "redis":
		url := cfg.RedisURL
		if url == "" {
			url = "redis://localhost:6379/0"
		}
		opt, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("catalogcache: redis: %w", err)
		}
		c.b = &redisBackend{cli: redis.NewClient(opt)}
		slog.Info("catalog cache enabled", "type", "redis", "ttl", cfg.TTL)
	default:
		return nil, fmt.Errorf("catalogcache: unsupported type %q", cfg.Type)
	}
	return c, nil
}

// Catalog returns the cached catalog, loading it on a miss. Backend errors
// degrade to a direct load.
func (c *Cache) Catalog(ctx context.Context) ([]store.GameSummary, error) {
	if c.ttl > 0 {
		raw, ok, err := c.b.get(ctx, c.key)
		if err != nil {
			slog.Warn("catalog cache read failed", "error", err)
		}
		if ok {
			var games []store.GameSummary
			if err := json.Unmarshal(raw, &games); err == nil {
				return games, nil
			}
		}
	}
	v, err, _ := c.group.Do(c.key, func() (any, error) {
		games, err := c.load(ctx)
		if err != nil {
			return nil, err
		}
		if c.ttl > 0 {
			if raw, err := json.Marshal(games); err == nil {
				if err := c.b.set(ctx, c.key, raw, c.ttl); err != nil {
					slog.Warn("catalog cache write failed", "error", err)
				}
			}
		}
		return games, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]store.GameSummary), nil
}

// Invalidate drops the cached catalog, e.g. after a download changed counts.
func (c *Cache) Invalidate(ctx context.Context) {
	if err := c.b.del(ctx, c.key); err != nil {
		slog.Warn("catalog cache invalidate failed", "error", err)
	}
}

func (c *Cache) Close() error { return c.b.Close() }

type entry struct {
	val     []byte
	expires time.Time
}

type memory struct {
	mu   sync.Mutex
	data map[string]entry
	now  func() time.Time
}

func newMemory() *memory { return &memory{data: map[string]entry{}, now: time.Now} }

func (m *memory) get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	if m.now().After(e.expires) {
		delete(m.data, key)
		return nil, false, nil
	}
	return e.val, true, nil
}

func (m *memory) set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	m.data[key] = entry{val: val, expires: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *memory) del(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *memory) Close() error { return nil }

type redisBackend struct {
	cli *redis.Client
}

func (r *redisBackend) get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.cli.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *redisBackend) set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return r.cli.Set(ctx, key, val, ttl).Err()
}

func (r *redisBackend) del(ctx context.Context, key string) error {
	return r.cli.Del(ctx, key).Err()
}

func (r *redisBackend) Close() error { return r.cli.Close() }
