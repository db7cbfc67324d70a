package gate

import (
	"sync"
	"time"
)

type verifiedKey struct {
	userID  int64
	groupID int64
}

// Cache memoizes positive verification and whitelist lookups with a
// per-entry TTL. Negative results are never cached, so a user who has
// just completed verification is never stale-blocked; positive entries
// are also inserted write-through on verification success and whitelist
// addition. Whitelist hits are scoped per group, matching the store.
type Cache struct {
	mu        sync.Mutex
	ttl       time.Duration
	verified  map[verifiedKey]time.Time
	whitelist map[verifiedKey]time.Time
	now       func() time.Time
}

// NewCache creates a decision cache with the given time-to-live.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:       ttl,
		verified:  make(map[verifiedKey]time.Time),
		whitelist: make(map[verifiedKey]time.Time),
		now:       time.Now,
	}
}

// IsVerified reports a cached positive verification result for (user, group).
func (c *Cache) IsVerified(userID, groupID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := verifiedKey{userID, groupID}
	at, ok := c.verified[key]
	if !ok {
		return false
	}
	if c.now().Sub(at) > c.ttl {
		delete(c.verified, key)
		return false
	}
	return true
}

// PutVerified records a positive verification result.
func (c *Cache) PutVerified(userID, groupID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verified[verifiedKey{userID, groupID}] = c.now()
}

// InvalidateVerified drops the entry for (user, group); used when a
// record is purged after a spam ban.
func (c *Cache) InvalidateVerified(userID, groupID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.verified, verifiedKey{userID, groupID})
}

// IsWhitelisted reports a cached positive whitelist result for
// (user, group).
func (c *Cache) IsWhitelisted(userID, groupID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := verifiedKey{userID, groupID}
	at, ok := c.whitelist[key]
	if !ok {
		return false
	}
	if c.now().Sub(at) > c.ttl {
		delete(c.whitelist, key)
		return false
	}
	return true
}

// PutWhitelisted records a positive whitelist result.
func (c *Cache) PutWhitelisted(userID, groupID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.whitelist[verifiedKey{userID, groupID}] = c.now()
}

// InvalidateWhitelisted drops a user's whitelist entry; used on removal.
func (c *Cache) InvalidateWhitelisted(userID, groupID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.whitelist, verifiedKey{userID, groupID})
}
