package utils

import (
	"sync"
	"time"
)

// Cache is an in-process key/value map with per-key expiry.
type Cache struct {
	data   map[string]interface{}
	expiry map[string]time.Time
	lock   sync.Mutex

	now       func() time.Time
	lastSweep time.Time
}

func NewCache() *Cache {
	return NewCacheWithClock(time.Now)
}

func NewCacheWithClock(now func() time.Time) *Cache {
	return &Cache{
		data:      make(map[string]interface{}),
		expiry:    make(map[string]time.Time),
		now:       now,
		lastSweep: now(),
	}
}

// Must be called with the lock held
func (cache *Cache) evictIfExpired(key string, now time.Time) {
	if expiry, found := cache.expiry[key]; found && !expiry.After(now) {
		delete(cache.data, key)
		delete(cache.expiry, key)
	}
}

// Must be called with the lock held
func (cache *Cache) purge(now time.Time) int {
	removed := 0
	for key, expiry := range cache.expiry {
		if !expiry.After(now) {
			delete(cache.data, key)
			delete(cache.expiry, key)
			removed++
		}
	}
	cache.lastSweep = now
	return removed
}

// Purge removes every expired entry and returns how many were removed.
func (cache *Cache) Purge() int {
	cache.lock.Lock()
	defer cache.lock.Unlock()

	return cache.purge(cache.now())
}

func (cache *Cache) Len() int {
	cache.lock.Lock()
	defer cache.lock.Unlock()

	return len(cache.data)
}

// SetIfAbsentWithDuration stores the value only if the key is missing or
// expired, and reports whether it did.
//
// Keys that are never read again would otherwise pile up, so the whole map is
// swept at most once per duration.
func (cache *Cache) SetIfAbsentWithDuration(key string, value interface{}, d time.Duration) bool {
	cache.lock.Lock()
	defer cache.lock.Unlock()

	now := cache.now()
	if !now.Before(cache.lastSweep.Add(d)) {
		cache.purge(now)
	} else {
		cache.evictIfExpired(key, now)
	}

	if _, exists := cache.data[key]; exists {
		return false
	}

	cache.data[key] = value
	cache.expiry[key] = now.Add(d)
	return true
}

func (cache *Cache) Delete(key string) {
	cache.lock.Lock()
	defer cache.lock.Unlock()

	delete(cache.data, key)
	delete(cache.expiry, key)
}
