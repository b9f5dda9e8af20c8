// Package cache holds the Paxos machines of reachable synods in a
// bounded store. The executor and proposers pin machines across
// suspension points; pinned or busy machines are never evicted.
package cache

import (
	"container/list"

	"github.com/zhangyunhao116/skipmap"

	"paxcom/pkg/paxos"
	"paxcom/pkg/synode"
)

// Default bounds. The byte bound is adjustable at runtime via
// set_cache_limit cargo; the machine count bound is fixed.
const (
	DefaultMaxMachines = 250_000
	DefaultMaxAppBytes = 64 << 20
)

type entry struct {
	m    *paxos.Machine
	elem *list.Element
}

// Cache is an LRU machine store with an ordered index. Access is
// serialized by the engine.
type Cache struct {
	index *skipmap.FuncMap[synode.Synode, *paxos.Machine]
	byKey map[synode.Synode]*entry
	lru   *list.List // front = most recently used

	maxMachines int
	maxAppBytes uint64
	appBytes    uint64

	// highestRemoved tracks the largest synod ever evicted, so the
	// acceptor can tell "never seen" from "seen and forgotten".
	highestRemoved synode.Synode
}

func synodeLess(a, b synode.Synode) bool {
	if a.GroupID != b.GroupID {
		return a.GroupID < b.GroupID
	}
	return synode.Lt(a, b)
}

// New creates a cache with default limits.
func New() *Cache {
	return &Cache{
		index:       skipmap.NewFunc[synode.Synode, *paxos.Machine](synodeLess),
		byKey:       make(map[synode.Synode]*entry),
		lru:         list.New(),
		maxMachines: DefaultMaxMachines,
		maxAppBytes: DefaultMaxAppBytes,
	}
}

// SetLimit adjusts the payload byte bound.
func (c *Cache) SetLimit(maxAppBytes uint64) {
	if maxAppBytes > 0 {
		c.maxAppBytes = maxAppBytes
	}
}

// Len is the number of cached machines.
func (c *Cache) Len() int { return len(c.byKey) }

// AppBytes is the accounted payload weight.
func (c *Cache) AppBytes() uint64 { return c.appBytes }

// Get returns the machine if present, touching recency.
func (c *Cache) Get(sn synode.Synode) *paxos.Machine {
	e, ok := c.byKey[sn]
	if !ok {
		return nil
	}
	c.lru.MoveToFront(e.elem)
	return e.m
}

// GetNoTouch returns the machine without touching recency.
func (c *Cache) GetNoTouch(sn synode.Synode) *paxos.Machine {
	e, ok := c.byKey[sn]
	if !ok {
		return nil
	}
	return e.m
}

// IsCached reports presence without touching recency.
func (c *Cache) IsCached(sn synode.Synode) bool {
	_, ok := c.byKey[sn]
	return ok
}

// WasRemoved reports whether the synod is not cached and lies at or
// below the highest synod evicted from its group. A synod of that range
// that was never cached also reports true.
func (c *Cache) WasRemoved(sn synode.Synode) bool {
	if c.IsCached(sn) {
		return false
	}
	return sn.GroupID == c.highestRemoved.GroupID &&
		!synode.Gt(sn, c.highestRemoved)
}

// ForceGet returns the machine, materializing it if absent. Returns nil
// only when the cache is full and nothing can be evicted.
func (c *Cache) ForceGet(sn synode.Synode) *paxos.Machine {
	if m := c.Get(sn); m != nil {
		return m
	}
	if len(c.byKey) >= c.maxMachines && !c.evictOne() {
		return nil
	}
	m := paxos.NewMachine(sn)
	e := &entry{m: m}
	e.elem = c.lru.PushFront(sn)
	c.byKey[sn] = e
	c.index.Store(sn, m)
	return m
}

// AddSize re-accounts a machine's payload weight after it learned.
func (c *Cache) AddSize(m *paxos.Machine) {
	c.appBytes += m.AppBytes()
}

// Shrink evicts machines until the payload bound is honored or nothing
// more can go.
func (c *Cache) Shrink() {
	for c.appBytes > c.maxAppBytes {
		if !c.evictOne() {
			return
		}
	}
}

// evictOne drops the least recently used machine that is neither pinned
// nor mid-round.
func (c *Cache) evictOne() bool {
	for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
		sn := elem.Value.(synode.Synode)
		e := c.byKey[sn]
		if e.m.Pinned() || e.m.Busy() {
			continue
		}
		c.remove(sn, e)
		return true
	}
	return false
}

func (c *Cache) remove(sn synode.Synode, e *entry) {
	c.lru.Remove(e.elem)
	delete(c.byKey, sn)
	c.index.Delete(sn)
	c.appBytes -= min(c.appBytes, e.m.AppBytes())
	if c.highestRemoved.GroupID != sn.GroupID || synode.Gt(sn, c.highestRemoved) {
		c.highestRemoved = sn
	}
}

// Range walks cached machines in synod order within [from, to].
func (c *Cache) Range(from, to synode.Synode, f func(sn synode.Synode, m *paxos.Machine) bool) {
	c.index.Range(func(sn synode.Synode, m *paxos.Machine) bool {
		if synodeLess(sn, from) {
			return true
		}
		if synodeLess(to, sn) {
			return false
		}
		return f(sn, m)
	})
}

// Reset drops everything, keeping limits.
func (c *Cache) Reset() {
	c.index = skipmap.NewFunc[synode.Synode, *paxos.Machine](synodeLess)
	c.byKey = make(map[synode.Synode]*entry)
	c.lru = list.New()
	c.appBytes = 0
	c.highestRemoved = synode.Null
}
