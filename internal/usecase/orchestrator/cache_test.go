package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"agentbridge/internal/domain"
)

func TestCacheKeyNormalization(t *testing.T) {
	a := CacheKey(domain.OperationRequest{Operation: "echo", Input: "  hello\r\nworld \n"})
	b := CacheKey(domain.OperationRequest{Operation: "echo", Input: "hello\nworld"})
	assert.Equal(t, a, b)

	c := CacheKey(domain.OperationRequest{Operation: "format.normalize", Input: "hello\nworld"})
	assert.NotEqual(t, a, c, "operation name must be part of the key")
}

func TestCacheKeyParamOrderIndependent(t *testing.T) {
	a := CacheKey(domain.OperationRequest{Operation: "template.render", Params: map[string]string{"a": "1", "b": "2"}})
	b := CacheKey(domain.OperationRequest{Operation: "template.render", Params: map[string]string{"b": "2", "a": "1"}})
	assert.Equal(t, a, b)

	c := CacheKey(domain.OperationRequest{Operation: "template.render", Params: map[string]string{"a": "1", "b": "3"}})
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache()
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	exp := c.Put("k", domain.OperationResult{Output: "v"}, 10*time.Second)
	assert.Equal(t, clock.Add(10*time.Second), exp)

	got, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", got.Output)
	assert.Equal(t, exp, got.ExpiresAt, "stored result carries its expiry")

	clock = clock.Add(10 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry at its expiry instant is dead")
	assert.Equal(t, 0, c.Len(), "expired entry is evicted on read")
}

func TestCacheZeroTTLDisablesCaching(t *testing.T) {
	c := NewCache()
	exp := c.Put("k", domain.OperationResult{}, 0)
	assert.True(t, exp.IsZero())
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCacheLastWriteWins(t *testing.T) {
	c := NewCache()
	c.Put("k", domain.OperationResult{Output: "first"}, time.Minute)
	c.Put("k", domain.OperationResult{Output: "second"}, time.Minute)
	got, _ := c.Get("k")
	assert.Equal(t, "second", got.Output)
}
