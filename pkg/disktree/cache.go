package disktree

import (
	"fmt"

	"github.com/zhangyunhao116/skipmap"
)

// PageCache holds decompressed data pages across every component of a store,
// keyed by component id and page index. It is safe for concurrent use.
type PageCache struct {
	capacity int
	pages    *skipmap.StringMap[[]byte]
}

// NewPageCache bounds the cache at capacity pages.
func NewPageCache(capacity int) *PageCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &PageCache{
		capacity: capacity,
		pages:    skipmap.NewString[[]byte](),
	}
}

func pageKey(componentID string, page int) string {
	return fmt.Sprintf("%s:%d", componentID, page)
}

func (c *PageCache) get(componentID string, page int) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	return c.pages.Load(pageKey(componentID, page))
}

func (c *PageCache) put(componentID string, page int, data []byte) {
	if c == nil {
		return
	}
	if c.pages.Len() >= c.capacity {
		// Shed an arbitrary prefix of entries; precision is not worth a
		// global LRU lock on the read path.
		shed := c.capacity / 8
		if shed < 1 {
			shed = 1
		}
		c.pages.Range(func(key string, _ []byte) bool {
			c.pages.Delete(key)
			shed--
			return shed > 0
		})
	}
	c.pages.Store(pageKey(componentID, page), data)
}

// DropComponent evicts every cached page of one component, called from
// Dealloc.
func (c *PageCache) DropComponent(componentID string) {
	if c == nil {
		return
	}
	prefix := componentID + ":"
	c.pages.Range(func(key string, _ []byte) bool {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			c.pages.Delete(key)
		}
		return true
	})
}
