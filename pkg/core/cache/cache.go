package cache

import (
	"fmt"
	"sync"
	"time"
)

// Key 缓存键：同一方案的同一版本共享缓存条目
func Key(procedureID string, version int) string {
	return fmt.Sprintf("%s@%d", procedureID, version)
}

// ResultCache 分析结果缓存接口（对外导出）
type ResultCache interface {
	// Set 设置缓存值
	// key: 缓存键（方案ID+版本）
	// result: 分析结果
	// ttl: 缓存有效期
	Set(key string, result interface{}, ttl time.Duration) error

	// Get 获取缓存值
	// 返回: 结果数据和是否命中
	Get(key string) (interface{}, bool)

	// Delete 删除缓存值
	Delete(key string) error

	// Clear 清空所有缓存
	Clear() error
}

// cacheEntry 缓存条目（内部使用）
type cacheEntry struct {
	value      interface{}
	expireTime time.Time
}

// MemoryResultCache 内存结果缓存实现（对外导出）
type MemoryResultCache struct {
	mu    sync.RWMutex
	cache map[string]*cacheEntry
}

// NewMemoryResultCache 创建内存结果缓存实例（对外导出）
func NewMemoryResultCache() *MemoryResultCache {
	c := &MemoryResultCache{
		cache: make(map[string]*cacheEntry),
	}
	// 启动清理协程，定期清理过期缓存
	go c.cleanupExpired()
	return c
}

// Set 设置缓存值
func (c *MemoryResultCache) Set(key string, result interface{}, ttl time.Duration) error {
	if key == "" {
		return nil // 空key，忽略
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache[key] = &cacheEntry{
		value:      result,
		expireTime: time.Now().Add(ttl),
	}
	return nil
}

// Get 获取缓存值
// 过期条目视为未命中，由清理协程回收
func (c *MemoryResultCache) Get(key string) (interface{}, bool) {
	if key == "" {
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.cache[key]
	if !exists || time.Now().After(entry.expireTime) {
		return nil, false
	}
	return entry.value, true
}

// Delete 删除缓存值
func (c *MemoryResultCache) Delete(key string) error {
	if key == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.cache, key)
	return nil
}

// Clear 清空所有缓存
func (c *MemoryResultCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[string]*cacheEntry)
	return nil
}

// cleanupExpired 清理过期缓存（内部方法）
func (c *MemoryResultCache) cleanupExpired() {
	ticker := time.NewTicker(1 * time.Minute) // 每分钟清理一次
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		now := time.Now()
		for key, entry := range c.cache {
			if now.After(entry.expireTime) {
				delete(c.cache, key)
			}
		}
		c.mu.Unlock()
	}
}
