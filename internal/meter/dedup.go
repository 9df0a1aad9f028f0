package meter

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const dedupKeysPerSession = 1000

// dedupCache remembers recently seen client idempotency keys per session so
// retried submissions do not double-count. Eviction is LRU per session; a
// key evicted before a very late retry will be recorded again, which is the
// accepted trade-off for bounded memory.
type dedupCache struct {
	cacheSize int
	mu        sync.Mutex
	caches    map[string]*lru.Cache[string, struct{}]
}

func newDedupCache(cacheSize int) *dedupCache {
	if cacheSize <= 0 {
		cacheSize = dedupKeysPerSession
	}
	return &dedupCache{
		cacheSize: cacheSize,
		caches:    make(map[string]*lru.Cache[string, struct{}]),
	}
}

// seen reports whether the key was already recorded for the session.
func (d *dedupCache) seen(sessionID, clientKey string) bool {
	if sessionID == "" || clientKey == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cache, exists := d.caches[sessionID]
	return exists && cache.Contains(clientKey)
}

// mark records the key for the session. Callers mark only after the write
// the key covers has committed, so a failed write stays retryable.
func (d *dedupCache) mark(sessionID, clientKey string) {
	if sessionID == "" || clientKey == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cache, exists := d.caches[sessionID]
	if !exists {
		var err error
		cache, err = lru.New[string, struct{}](d.cacheSize)
		if err != nil {
			return
		}
		d.caches[sessionID] = cache
	}
	cache.Add(clientKey, struct{}{})
}

// forget drops a session's key cache, typically after the session ends.
func (d *dedupCache) forget(sessionID string) {
	d.mu.Lock()
	delete(d.caches, sessionID)
	d.mu.Unlock()
}
