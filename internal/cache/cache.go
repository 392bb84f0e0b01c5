// Package cache 提供外部数据源查询结果的短期缓存。
package cache

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sync"
	"time"

	"pharmassist/internal/observability/metrics"
)

// ErrMiss 表示缓存未命中。
var ErrMiss = stdErrors.New("cache miss")

// Cache 定义最小的键值缓存能力。
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// Memory 是基于 map 的进程内缓存，过期项在读取时惰性清理。
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemory 创建内存缓存。
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get 读取缓存项。
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return nil, ErrMiss
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		delete(m.entries, key)
		return nil, ErrMiss
	}
	return append([]byte(nil), entry.value...), nil
}

// Set 写入缓存项，ttl 为 0 表示永不过期。
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = entry
	return nil
}

// Close 清空缓存。
func (m *Memory) Close() error {
	m.mu.Lock()
	m.entries = make(map[string]memoryEntry)
	m.mu.Unlock()
	return nil
}

// Noop 不缓存任何内容。
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, error)              { return nil, ErrMiss }
func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Noop) Close() error                                             { return nil }

// GetJSON 读取并解码 JSON 缓存项，同时记录命中率。
func GetJSON(ctx context.Context, c Cache, name, key string, dest any) (bool, error) {
	if c == nil {
		return false, nil
	}
	raw, err := c.Get(ctx, key)
	if stdErrors.Is(err, ErrMiss) {
		metrics.ObserveCacheLookup(name, false)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("解码缓存失败: %w", err)
	}
	metrics.ObserveCacheLookup(name, true)
	return true, nil
}

// SetJSON 编码并写入 JSON 缓存项。
func SetJSON(ctx context.Context, c Cache, key string, value any, ttl time.Duration) error {
	if c == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("编码缓存失败: %w", err)
	}
	return c.Set(ctx, key, raw, ttl)
}
