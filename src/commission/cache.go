package commission

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DestinationCache stores resolved commission destinations by account address.
type DestinationCache interface {
	Get(ctx context.Context, address string) (string, bool, error)
	Set(ctx context.Context, address, destination string) error
}

type MemoryCache struct {
	cache *ttlcache.Cache[string, string]
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		cache: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](ttl),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
}

func (m *MemoryCache) Get(_ context.Context, address string) (string, bool, error) {
	item := m.cache.Get(address)
	if item == nil {
		return "", false, nil
	}
	return item.Value(), true, nil
}

func (m *MemoryCache) Set(_ context.Context, address, destination string) error {
	m.cache.Set(address, destination, ttlcache.DefaultTTL)
	return nil
}

const redisKeyPrefix = "commission_destination:"

// RedisCache shares resolutions between runs and hosts.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (r *RedisCache) Get(ctx context.Context, address string) (string, bool, error) {
	val, err := r.client.Get(ctx, redisKeyPrefix+address).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "redis get failed")
	}
	return val, true, nil
}

func (r *RedisCache) Set(ctx context.Context, address, destination string) error {
	return errors.Wrap(r.client.Set(ctx, redisKeyPrefix+address, destination, r.ttl).Err(), "redis set failed")
}

// CachedResolver only caches successful resolutions. Cache failures fall
// through to the wrapped resolver.
type CachedResolver struct {
	inner  Resolver
	cache  DestinationCache
	logger *zap.Logger
}

func NewCachedResolver(inner Resolver, cache DestinationCache, logger *zap.Logger) *CachedResolver {
	return &CachedResolver{inner: inner, cache: cache, logger: logger.Named("resolver_cache")}
}

func (c *CachedResolver) Resolve(ctx context.Context, address string) (string, error) {
	dest, ok, err := c.cache.Get(ctx, address)
	if err != nil {
		c.logger.Warn("commission cache lookup failed", zap.String("address", address), zap.Error(err))
	} else if ok {
		return dest, nil
	}
	dest, err = c.inner.Resolve(ctx, address)
	if err != nil {
		return "", err
	}
	if err := c.cache.Set(ctx, address, dest); err != nil {
		c.logger.Warn("commission cache store failed", zap.String("address", address), zap.Error(err))
	}
	return dest, nil
}
