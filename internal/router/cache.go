package router

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/groupcache/lru"
)

const defaultCacheSize = 1000

// Fingerprint hashes the ordered message contents of req. Other request
// fields do not participate.
func Fingerprint(req ChatCompletionRequest) uint64 {
	d := xxhash.New()
	for _, m := range req.Messages {
		_, _ = d.WriteString(m.Content)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// decisionCache remembers which model served a fingerprint. Entries are only
// evicted by size.
type decisionCache struct {
	mu     sync.Mutex
	lru    *lru.Cache
	hits   uint64
	misses uint64
}

func newDecisionCache(size int) *decisionCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	return &decisionCache{lru: lru.New(size)}
}

func (c *decisionCache) get(key uint64) (ModelMetadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return ModelMetadata{}, false
	}
	c.hits++
	return v.(ModelMetadata), true
}

func (c *decisionCache) put(key uint64, m ModelMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, m.Clone())
}

func (c *decisionCache) remove(key uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

func (c *decisionCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Clear()
}

func (c *decisionCache) resize(size int) {
	if size <= 0 {
		size = defaultCacheSize
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.MaxEntries = size
	for c.lru.Len() > size {
		c.lru.RemoveOldest()
	}
}

func (c *decisionCache) stats() (size int, hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len(), c.hits, c.misses
}
