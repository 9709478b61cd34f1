package provenance

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// Cache holds platform decisions keyed by <PPP_RRR>|<YYYYMMDD>.
type Cache interface {
	Get(key string) (Platform, bool)
	Add(key string, p Platform)
	Purge()
	Len() int
}

// LRUCache is a bounded Cache.
type LRUCache struct {
	c *lru.Cache
}

// DefaultCacheSize bounds the cache when no size is configured.
const DefaultCacheSize = 4096

// NewLRUCache creates a cache holding at most size entries.
func NewLRUCache(size int) (*LRUCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create platform cache: %w", err)
	}
	return &LRUCache{c: c}, nil
}

func (l *LRUCache) Get(key string) (Platform, bool) {
	v, ok := l.c.Get(key)
	if !ok {
		return "", false
	}
	return v.(Platform), true
}

func (l *LRUCache) Add(key string, p Platform) { l.c.Add(key, p) }

func (l *LRUCache) Purge() { l.c.Purge() }

func (l *LRUCache) Len() int { return l.c.Len() }
