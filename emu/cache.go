package emu

import (
	"sync"

	"github.com/quokkavm/quokka/cpu"
	"github.com/quokkavm/quokka/cpu/ndh"
	"github.com/quokkavm/quokka/plugin"
)

// entry pairs a translated block with its decoded instructions and woven
// instrumentation plan. blk.Ins and dec are index-aligned.
type entry struct {
	blk  *cpu.Block
	dec  []*ndh.Ins
	plan *plugin.Plan
}

// Cache is the machine's translation cache, keyed by block start address.
type Cache struct {
	mu     sync.RWMutex
	blocks map[uint64]*entry
}

func NewCache() *Cache {
	return &Cache{blocks: make(map[uint64]*entry)}
}

func (c *Cache) Get(va uint64) *entry {
	c.mu.RLock()
	ent := c.blocks[va]
	c.mu.RUnlock()
	return ent
}

// GetOrTranslate returns the cached entry for va, translating at most once
// per address so translation callbacks fire exactly once per block.
func (c *Cache) GetOrTranslate(va uint64, translate func(va uint64) (*entry, error)) (*entry, error) {
	if ent := c.Get(va); ent != nil {
		return ent, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ent := c.blocks[va]; ent != nil {
		return ent, nil
	}
	ent, err := translate(va)
	if err != nil {
		return nil, err
	}
	c.blocks[va] = ent
	return ent, nil
}

// Flush drops every cached block and fires their invalidation callbacks.
func (c *Cache) Flush() {
	c.mu.Lock()
	old := c.blocks
	c.blocks = make(map[uint64]*entry)
	c.mu.Unlock()
	for _, ent := range old {
		ent.plan.Invalidate()
	}
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}
