package constraint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/redis/go-redis/v9"

	"BioProof-Chain/internal/biometric"
	xerrors "BioProof-Chain/internal/errors"
)

// Cache 缓存已解析的约束。键包含覆盖代数，因此更新后旧条目自然失效。
type Cache interface {
	Get(ctx context.Context, key string) (biometric.ConstraintParameters, bool, error)
	Set(ctx context.Context, key string, params biometric.ConstraintParameters) error
	Close() error
}

// MemoryCache 基于 bigcache 的进程内缓存。
type MemoryCache struct {
	cache *bigcache.BigCache
}

// NewMemoryCache 创建进程内缓存，ttl 为条目存活时间。
func NewMemoryCache(ctx context.Context, ttl time.Duration) (*MemoryCache, error) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	cfg := bigcache.DefaultConfig(ttl)
	cfg.Shards = 64
	cfg.MaxEntrySize = 512
	cfg.CleanWindow = ttl / 2
	cfg.Verbose = false
	cache, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建约束缓存失败")
	}
	return &MemoryCache{cache: cache}, nil
}

// Get 实现 Cache 接口。
func (c *MemoryCache) Get(_ context.Context, key string) (biometric.ConstraintParameters, bool, error) {
	raw, err := c.cache.Get(key)
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return biometric.ConstraintParameters{}, false, nil
		}
		return biometric.ConstraintParameters{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取约束缓存失败")
	}
	var params biometric.ConstraintParameters
	if err := json.Unmarshal(raw, &params); err != nil {
		return biometric.ConstraintParameters{}, false, nil
	}
	return params, true, nil
}

// Set 实现 Cache 接口。
func (c *MemoryCache) Set(_ context.Context, key string, params biometric.ConstraintParameters) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	if err := c.cache.Set(key, raw); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入约束缓存失败")
	}
	return nil
}

// Close 释放缓存。
func (c *MemoryCache) Close() error {
	if c == nil || c.cache == nil {
		return nil
	}
	return c.cache.Close()
}

// RedisCacheConfig 描述 Redis 缓存连接参数。
type RedisCacheConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// RedisCache 在多个实例之间共享约束缓存。
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache 创建 Redis 缓存实例。
func NewRedisCache(ctx context.Context, cfg RedisCacheConfig) (*RedisCache, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "bioproof:constraints:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}, nil
}

// Get 实现 Cache 接口。
func (c *RedisCache) Get(ctx context.Context, key string) (biometric.ConstraintParameters, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return biometric.ConstraintParameters{}, false, nil
		}
		return biometric.ConstraintParameters{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 约束缓存失败")
	}
	var params biometric.ConstraintParameters
	if err := json.Unmarshal(raw, &params); err != nil {
		return biometric.ConstraintParameters{}, false, nil
	}
	return params, true, nil
}

// Set 实现 Cache 接口。
func (c *RedisCache) Set(ctx context.Context, key string, params biometric.ConstraintParameters) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.prefix+key, raw, c.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 约束缓存失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func cacheKey(userID string, metric biometric.MetricType, generation int64, bucket string) string {
	return fmt.Sprintf("%s|%s|g%d|%s", userID, metric, generation, bucket)
}

var (
	_ Cache = (*MemoryCache)(nil)
	_ Cache = (*RedisCache)(nil)
)
