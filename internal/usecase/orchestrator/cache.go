package orchestrator

import (
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"

	"agentbridge/internal/domain"
)

// cacheEntry holds a cached result with its expiration time.
type cacheEntry struct {
	result    domain.OperationResult
	expiresAt time.Time
	hits      atomic.Int64
}

// Cache is a concurrent result cache keyed by operation signature. Expired
// entries are evicted lazily on read and in bulk by Sweep.
type Cache struct {
	entries sync.Map // key -> *cacheEntry
	now     func() time.Time
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{now: time.Now}
}

// CacheKey derives the signature of a request: operation name, normalized
// input and sorted params, hashed with BLAKE2b-256.
func CacheKey(req domain.OperationRequest) string {
	var b strings.Builder
	b.WriteString(req.Operation)
	b.WriteByte(0)
	b.WriteString(normalizeInput(req.Input))
	b.WriteByte(0)

	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(req.Params[k])
		b.WriteByte(0)
	}

	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// normalizeInput trims surrounding whitespace and unifies line endings so
// trivially different spellings of the same input share a cache slot.
func normalizeInput(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(s)
}

// Get returns a live entry for key. An expired entry is removed and reported
// as a miss.
func (c *Cache) Get(key string) (domain.OperationResult, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return domain.OperationResult{}, false
	}
	e := v.(*cacheEntry)
	if !c.now().Before(e.expiresAt) {
		c.entries.CompareAndDelete(key, e)
		return domain.OperationResult{}, false
	}
	e.hits.Add(1)
	return e.result, true
}

// Put stores result under key for ttl and returns the expiry, which is also
// stamped on the stored result. A non-positive ttl disables caching.
// Concurrent writers for the same key resolve last-write-wins.
func (c *Cache) Put(key string, result domain.OperationResult, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	exp := c.now().Add(ttl)
	result.ExpiresAt = exp
	c.entries.Store(key, &cacheEntry{result: result, expiresAt: exp})
	return exp
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *Cache) Sweep() int {
	now := c.now()
	n := 0
	c.entries.Range(func(k, v any) bool {
		e := v.(*cacheEntry)
		if !now.Before(e.expiresAt) {
			if c.entries.CompareAndDelete(k, e) {
				n++
			}
		}
		return true
	})
	return n
}

// Len counts entries, expired or not.
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
