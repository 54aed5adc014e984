package memory

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rcliao/vecmem/internal/model"
)

// cache holds recently used entries by id. It caches content and metadata;
// importance and expiry are always read from the ledger.
type cache struct {
	lru *lru.Cache[string, model.MemoryEntry]
}

func newCache(size int) (*cache, error) {
	l, err := lru.New[string, model.MemoryEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &cache{lru: l}, nil
}

func (c *cache) get(id string) (model.MemoryEntry, bool) { return c.lru.Get(id) }
func (c *cache) contains(id string) bool                { return c.lru.Contains(id) }
func (c *cache) len() int                               { return c.lru.Len() }
func (c *cache) remove(id string)                       { c.lru.Remove(id) }
func (c *cache) purge()                                 { c.lru.Purge() }

func (c *cache) add(e model.MemoryEntry) {
	e.Embedding = nil
	c.lru.Add(e.ID, e)
}
