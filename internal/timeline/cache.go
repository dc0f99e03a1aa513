package timeline

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"fable/pkg/types/stream"
)

const defaultCacheSize = 128

type cacheKey struct {
	sessionID string
	revision  uint64
}

// Cache memoizes Reduce by (session, revision). Correctness never depends on
// it: a reduction pass is pure, so recomputing on a miss is always valid. The
// revision must change whenever the session's messages or data events do.
type Cache struct {
	entries *lru.Cache[cacheKey, []Item]
}

// NewCache builds a memo cache holding up to size reduced timelines. A size
// of zero or less uses the default.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	entries, err := lru.New[cacheKey, []Item](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries}, nil
}

// Reduce returns the memoized timeline for (sessionID, revision), computing
// and storing it on a miss.
func (c *Cache) Reduce(sessionID string, revision uint64, messages []stream.UIMessage, events []stream.DataEvent) []Item {
	key := cacheKey{sessionID: sessionID, revision: revision}
	if items, ok := c.entries.Get(key); ok {
		return items
	}
	items := Reduce(messages, events)
	c.entries.Add(key, items)
	return items
}

// Forget drops every cached revision of a session. Called on session delete.
func (c *Cache) Forget(sessionID string) {
	for _, key := range c.entries.Keys() {
		if key.sessionID == sessionID {
			c.entries.Remove(key)
		}
	}
}
