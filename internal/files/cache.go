package files

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache is a bounded, expiring cache for manifests and fresh direct URLs.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
	Delete(key string)
}

// RistrettoCache bounds entries by count; every entry costs 1.
type RistrettoCache struct {
	c *ristretto.Cache[string, any]
}

// NewRistrettoCache creates a cache holding at most maxItems entries.
func NewRistrettoCache(maxItems int64) (*RistrettoCache, error) {
	if maxItems <= 0 {
		maxItems = 10000
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, any]{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoCache{c: c}, nil
}

func (r *RistrettoCache) Get(key string) (any, bool) {
	return r.c.Get(key)
}

// Set stores value and waits for the write buffer so the value is visible to
// the next Get.
func (r *RistrettoCache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	r.c.SetWithTTL(key, value, 1, ttl)
	r.c.Wait()
}

func (r *RistrettoCache) Delete(key string) {
	r.c.Del(key)
}

func (r *RistrettoCache) Close() {
	r.c.Close()
}

// NopCache caches nothing.
type NopCache struct{}

func (NopCache) Get(string) (any, bool)          { return nil, false }
func (NopCache) Set(string, any, time.Duration) {}
func (NopCache) Delete(string)                  {}

func manifestCacheKey(fileID string) string {
	return "m:" + fileID
}

func urlCacheKey(handle string) string {
	return "u:" + handle
}
