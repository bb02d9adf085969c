// Package cache holds the data tracker's read cache, in process or in Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrNotFound is returned by Get for an absent key
var ErrNotFound = errors.New("key not found")

// ErrUnknownType is returned by New for an unsupported cache type
var ErrUnknownType = errors.New("unknown cache type")

// Cache stores string values by key
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// Options selects and sizes a cache
type Options struct {
	Type      string // "memory" or "redis"
	Size      int
	TTL       time.Duration
	RedisHost string
	RedisPort int
	Namespace string // key prefix, keeps stores sharing a Redis apart
}

// New creates the cache named by opts.Type
func New(opts Options) (Cache, error) {
	switch opts.Type {
	case "", "memory":
		return NewMemoryCache(opts.Size, opts.TTL), nil
	case "redis":
		return NewRedisCache(opts.RedisHost, opts.RedisPort, opts.TTL, opts.Namespace)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownType, opts.Type)
}

// MemoryCache is an in-process LRU cache with expiry
type MemoryCache struct {
	cache *lru.LRU[string, string]
	mu    sync.RWMutex
}

// NewMemoryCache creates a cache of at most size entries. A zero ttl never expires.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 10000
	}
	return &MemoryCache{
		cache: lru.NewLRU[string, string](size, nil, ttl),
	}
}

func (m *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	val, ok := m.cache.Get(key)
	if !ok {
		return "", ErrNotFound
	}
	return val, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.Add(key, value)
	return nil
}

func (m *MemoryCache) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		m.cache.Remove(key)
	}
	return nil
}

func (m *MemoryCache) DeletePrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range m.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			m.cache.Remove(key)
		}
	}
	return nil
}

// Len returns the number of cached entries
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache.Len()
}

func (m *MemoryCache) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.Purge()
	return nil
}

// RedisCache is a Redis-backed cache. Keys are prefixed by the namespace.
type RedisCache struct {
	client    *redis.Client
	ttl       time.Duration
	namespace string
}

// NewRedisCache connects to Redis and checks the connection
func NewRedisCache(host string, port int, ttl time.Duration, namespace string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		PoolSize:     50,
		MinIdleConns: 10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client:    client,
		ttl:       ttl,
		namespace: namespace,
	}, nil
}

func (r *RedisCache) key(k string) string { return r.namespace + k }

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s from Redis: %w", key, err)
	}
	return val, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value string) error {
	return r.client.Set(ctx, r.key(key), value, r.ttl).Err()
}

func (r *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return r.client.Del(ctx, full...).Err()
}

func (r *RedisCache) DeletePrefix(ctx context.Context, prefix string) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.key(prefix)+"*", 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
