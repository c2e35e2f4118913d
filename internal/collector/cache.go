package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/kmokrejs/stock-alert/internal/model"
)

// Cache stores raw bytes with a TTL.
type Cache interface {
	GetBytes(ctx context.Context, key string) ([]byte, bool, error)
	SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryCache) GetBytes(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if m.now().After(e.expires) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryCache) SetBytes(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: value, expires: m.now().Add(ttl)}
	return nil
}

// RedisCache is a Cache shared across processes.
type RedisCache struct {
	cli *redis.Client
}

// RedisConfig holds the connection settings of RedisCache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisCache creates a Redis-backed cache.
func NewRedisCache(cfg RedisConfig) *RedisCache {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return &RedisCache{cli: rdb}
}

func (r *RedisCache) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.cli.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

func (r *RedisCache) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.cli.Set(ctx, key, value, ttl).Err()
}

// Close releases the Redis connection pool.
func (r *RedisCache) Close() error {
	return r.cli.Close()
}

// CachedFeed memoizes bar requests by symbol and day range. Cache failures
// fall through to the underlying feed.
type CachedFeed struct {
	Feed  PriceFeed
	Cache Cache
	TTL   time.Duration
}

func (c *CachedFeed) Name() string { return c.Feed.Name() + "+cache" }

type cachedBar struct {
	T int64   `json:"t"`
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"`
}

func (c *CachedFeed) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]model.OHLCV, error) {
	key := fmt.Sprintf("bars:%s:%s:%s:%s", c.Feed.Name(), strings.ToUpper(symbol),
		start.Format("20060102"), end.Format("20060102"))

	if raw, ok, err := c.Cache.GetBytes(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("bar cache read failed")
	} else if ok {
		var cached []cachedBar
		if err := json.Unmarshal(raw, &cached); err == nil {
			bars := make([]model.OHLCV, len(cached))
			for i, b := range cached {
				bars[i] = model.OHLCV{Time: time.Unix(b.T, 0).UTC(), Open: b.O, High: b.H, Low: b.L, Close: b.C, Volume: b.V}
			}
			return bars, nil
		}
	}

	bars, err := c.Feed.GetBars(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}

	cached := make([]cachedBar, len(bars))
	for i, b := range bars {
		cached[i] = cachedBar{T: b.Time.Unix(), O: b.Open, H: b.High, L: b.Low, C: b.Close, V: b.Volume}
	}
	if raw, err := json.Marshal(cached); err == nil {
		if err := c.Cache.SetBytes(ctx, key, raw, c.TTL); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("bar cache write failed")
		}
	}
	return bars, nil
}
