package roles

import (
	"sync"
	"time"
)

// DefaultCacheTTL is the freshness window of the memoized role slot.
const DefaultCacheTTL = 60 * time.Second

// Cache memoizes the roles of the most recently resolved user.
// It holds a single slot: writing roles for another user replaces it.
type Cache struct {
	mutex     sync.Mutex
	ttl       time.Duration
	clock     Clock
	occupied  bool
	userID    string
	roles     []Role
	fetchedAt time.Time
}

// NewCache constructs an empty slot with the given TTL.
func NewCache(ttl time.Duration, clock Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &Cache{ttl: ttl, clock: clock}
}

// TTL returns the configured freshness window.
func (cache *Cache) TTL() time.Duration {
	return cache.ttl
}

// Read returns the slot's roles when it belongs to userID and is still fresh.
func (cache *Cache) Read(userID string) ([]Role, bool) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	if !cache.occupied || cache.userID != userID {
		return nil, false
	}
	if cache.clock.Now().Sub(cache.fetchedAt) >= cache.ttl {
		return nil, false
	}
	return cloneRoles(cache.roles), true
}

// Write replaces the slot. Last write wins.
func (cache *Cache) Write(userID string, roles []Role) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	cache.occupied = true
	cache.userID = userID
	cache.roles = cloneRoles(roles)
	cache.fetchedAt = cache.clock.Now()
}

// Clear empties the slot if it currently holds userID.
func (cache *Cache) Clear(userID string) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	if cache.userID != userID {
		return
	}
	cache.occupied = false
	cache.userID = ""
	cache.roles = nil
	cache.fetchedAt = time.Time{}
}
