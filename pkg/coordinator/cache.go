package coordinator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultCacheMaxBytes bounds the cache by estimated payload size.
	DefaultCacheMaxBytes = 32 << 20 // 32 MiB
	// DefaultCacheTTL is how long a cached result stays valid.
	DefaultCacheTTL = 5 * time.Minute
	// cacheMaxEntries is the LRU's entry-count backstop.
	cacheMaxEntries = 4096
)

type cachedResult struct {
	result json.RawMessage
	size   int64
}

// resultCache memoizes successful task results, keyed by the
// fingerprint of (tool, canonical params). Bounded both by entry count
// and by estimated serialized bytes, entries expire after a TTL.
type resultCache struct {
	mu       sync.Mutex
	lru      *expirable.LRU[string, cachedResult]
	maxBytes int64
	bytes    atomic.Int64
}

func newResultCache(maxBytes int64, ttl time.Duration) *resultCache {
	if maxBytes <= 0 {
		maxBytes = DefaultCacheMaxBytes
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &resultCache{maxBytes: maxBytes}
	c.lru = expirable.NewLRU(cacheMaxEntries, func(key string, value cachedResult) {
		// Also invoked from the LRU's TTL-expiry goroutine, hence the
		// atomic byte estimate.
		c.bytes.Add(-value.size)
	}, ttl)
	return c
}

// fingerprint derives the cache key from the tool name and the
// canonical form of params: JSON with object keys sorted, which a
// decode/encode round-trip produces.
func fingerprint(tool string, params json.RawMessage) (string, error) {
	canonical := []byte("null")
	if len(params) > 0 {
		var v any
		if err := json.Unmarshal(params, &v); err != nil {
			return "", fmt.Errorf("canonicalize params: %w", err)
		}
		var err error
		canonical, err = json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("canonicalize params: %w", err)
		}
	}
	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// get returns a copy of the cached result for the key, if present.
func (c *resultCache) get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	out := make(json.RawMessage, len(entry.result))
	copy(out, entry.result)
	return out, true
}

// put stores a successful result. Oversized single results are not
// cached at all.
func (c *resultCache) put(key string, result json.RawMessage) {
	size := int64(len(result))
	if size > c.maxBytes {
		return
	}
	stored := make(json.RawMessage, len(result))
	copy(stored, result)

	c.mu.Lock()
	defer c.mu.Unlock()
	// Remove first so a replaced entry's size leaves the estimate via
	// the eviction callback.
	c.lru.Remove(key)
	c.lru.Add(key, cachedResult{result: stored, size: size})
	c.bytes.Add(size)
	for c.bytes.Load() > c.maxBytes && c.lru.Len() > 0 {
		c.lru.RemoveOldest()
	}
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
