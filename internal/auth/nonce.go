package auth

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultNonceCacheSize bounds how many (token, nonce) pairs a Verifier
// remembers.
const DefaultNonceCacheSize = 1 << 16

// nonceCache remembers accepted nonces until their request timestamp leaves
// the skew window. Past the size bound the least recently seen pairs are
// forgotten first.
type nonceCache struct {
	mu   sync.Mutex
	seen *lru.Cache
}

func newNonceCache(size int) *nonceCache {
	if size <= 0 {
		size = DefaultNonceCacheSize
	}
	seen, _ := lru.New(size)
	return &nonceCache{seen: seen}
}

// remember records key as used until until. It reports false when key was
// already recorded and is still live at now.
func (c *nonceCache) remember(key string, until, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.seen.Get(key); ok && !now.After(prev.(time.Time)) {
		return false
	}
	c.seen.Add(key, until)
	return true
}
