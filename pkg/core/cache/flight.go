package cache

import (
	"time"

	"golang.org/x/sync/singleflight"
)

// FlightCache 带并发合并的结果缓存（对外导出）
// 同一缓存键的并发请求只执行一次计算，其余调用共享同一结果
type FlightCache struct {
	inner ResultCache
	group singleflight.Group
	ttl   time.Duration
}

// NewFlightCache 创建带并发合并的缓存实例（对外导出）
func NewFlightCache(inner ResultCache, ttl time.Duration) *FlightCache {
	return &FlightCache{
		inner: inner,
		ttl:   ttl,
	}
}

// Do 获取缓存值，未命中时执行fn计算并写回
// 计算失败的结果不写入缓存
func (f *FlightCache) Do(key string, fn func() (interface{}, error)) (interface{}, error) {
	if v, ok := f.inner.Get(key); ok {
		return v, nil
	}

	v, err, _ := f.group.Do(key, func() (interface{}, error) {
		// 双重检查：等待期间可能已有协程写回
		if v, ok := f.inner.Get(key); ok {
			return v, nil
		}
		result, err := fn()
		if err != nil {
			return nil, err
		}
		if err := f.inner.Set(key, result, f.ttl); err != nil {
			return nil, err
		}
		return result, nil
	})
	return v, err
}

// Invalidate 使指定键的缓存失效
func (f *FlightCache) Invalidate(key string) error {
	return f.inner.Delete(key)
}

// Clear 清空所有缓存
func (f *FlightCache) Clear() error {
	return f.inner.Clear()
}
