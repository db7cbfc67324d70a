package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheVerifiedTTL(t *testing.T) {
	current := time.Unix(1000, 0)
	c := NewCache(5 * time.Minute)
	c.now = func() time.Time { return current }

	assert.False(t, c.IsVerified(1, -10))

	c.PutVerified(1, -10)
	assert.True(t, c.IsVerified(1, -10))

	// Different group, different key.
	assert.False(t, c.IsVerified(1, -11))

	current = current.Add(5 * time.Minute)
	assert.True(t, c.IsVerified(1, -10))

	current = current.Add(time.Second)
	assert.False(t, c.IsVerified(1, -10))
}

func TestCachePerKeyExpiry(t *testing.T) {
	current := time.Unix(1000, 0)
	c := NewCache(5 * time.Minute)
	c.now = func() time.Time { return current }

	c.PutVerified(1, -10)
	current = current.Add(3 * time.Minute)
	c.PutVerified(2, -10)
	current = current.Add(3 * time.Minute)

	// The older entry has aged out, the newer has not.
	assert.False(t, c.IsVerified(1, -10))
	assert.True(t, c.IsVerified(2, -10))
}

func TestCacheInvalidate(t *testing.T) {
	c := NewCache(5 * time.Minute)

	c.PutVerified(1, -10)
	c.InvalidateVerified(1, -10)
	assert.False(t, c.IsVerified(1, -10))

	c.PutWhitelisted(1, -10)
	assert.True(t, c.IsWhitelisted(1, -10))
	c.InvalidateWhitelisted(1, -10)
	assert.False(t, c.IsWhitelisted(1, -10))
}

func TestCacheWhitelistTTL(t *testing.T) {
	current := time.Unix(1000, 0)
	c := NewCache(time.Minute)
	c.now = func() time.Time { return current }

	c.PutWhitelisted(7, -10)
	assert.True(t, c.IsWhitelisted(7, -10))

	// Scoped per group.
	assert.False(t, c.IsWhitelisted(7, -11))

	current = current.Add(2 * time.Minute)
	assert.False(t, c.IsWhitelisted(7, -10))
}
