// Package redis 提供基于 Redis 的缓存实现，供多实例部署共享外部数据源结果。
package redis

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"pharmassist/internal/cache"
)

// Config 描述 Redis 缓存的连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// Cache 使用 Redis 字符串实现 cache.Cache。
type Cache struct {
	client *goredis.Client
	prefix string
}

var _ cache.Cache = (*Cache)(nil)

// NewCache 创建 Redis 缓存并校验连接。
func NewCache(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.Address == "" {
		return nil, stdErrors.New("Redis address 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "pharmassist:cache:"
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &Cache{client: client, prefix: prefix}, nil
}

// Get 读取缓存项，未命中时返回 cache.ErrMiss。
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if stdErrors.Is(err, goredis.Nil) {
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("Redis 读取缓存失败: %w", err)
	}
	return val, nil
}

// Set 写入缓存项。
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("Redis 写入缓存失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
