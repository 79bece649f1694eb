package loader

import (
	"fmt"
	"sync"

	"github.com/docker/go-units"
	"github.com/golang/groupcache/lru"
	"go.uber.org/atomic"

	"go.viam.com/pointstream/logging"
	"go.viam.com/pointstream/octree"
)

// Stats describes cache occupancy and effectiveness.
type Stats struct {
	LoadedNodeCount int     `json:"loaded_node_count"`
	MemoryBytes     int64   `json:"memory_bytes"`
	MaxMemoryBytes  int64   `json:"max_memory_bytes"`
	Hits            uint64  `json:"hits"`
	Misses          uint64  `json:"misses"`
	HitRate         float64 `json:"hit_rate"`
	Evictions       uint64  `json:"evictions"`
}

// Cache holds decoded node buffers of one hierarchy in least recently used order. When the
// buffers exceed the memory ceiling the least recently used ones are evicted and their nodes
// marked unloaded. A ceiling of zero never evicts.
type Cache struct {
	mu        sync.Mutex
	entries   *lru.Cache
	tree      *octree.Hierarchy
	maxBytes  int64
	bytes     int64
	clearing  bool
	closed    bool
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	logger    logging.Logger
}

// NewCache returns an empty cache for the nodes of tree.
func NewCache(tree *octree.Hierarchy, maxBytes int64, logger logging.Logger) *Cache {
	c := &Cache{entries: lru.New(0), tree: tree, maxBytes: maxBytes, logger: logger}
	c.entries.OnEvicted = c.onEvicted
	return c
}

// onEvicted runs with mu held.
func (c *Cache) onEvicted(key lru.Key, value interface{}) {
	id := key.(octree.NodeID)
	c.bytes -= value.(*octree.PointBuffer).MemoryBytes()
	c.tree.SetLoaded(id, false)
	if !c.clearing {
		c.evictions.Inc()
		c.logger.Debugw("evicted node", "node", c.tree.Path(id))
	}
}

// Get returns the buffer of a cached node and marks it most recently used.
func (c *Cache) Get(id octree.NodeID) (*octree.PointBuffer, bool) {
	c.mu.Lock()
	v, ok := c.entries.Get(id)
	c.mu.Unlock()
	if !ok {
		c.misses.Inc()
		return nil, false
	}
	c.hits.Inc()
	return v.(*octree.PointBuffer), true
}

// peek is Get without counting a hit or miss.
func (c *Cache) peek(id octree.NodeID) (*octree.PointBuffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*octree.PointBuffer), true
}

// Contains reports whether a node is cached without touching its recency or the counters.
func (c *Cache) Contains(id octree.NodeID) bool {
	return c.tree.Loaded(id)
}

// Add caches a node buffer, then evicts least recently used nodes until the ceiling is met. The
// buffer just added is never evicted by its own insertion. Add reports false and caches nothing
// once the cache is closed.
func (c *Cache) Add(id octree.NodeID, pb *octree.PointBuffer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if old, ok := c.entries.Get(id); ok {
		c.bytes -= old.(*octree.PointBuffer).MemoryBytes()
	}
	c.entries.Add(id, pb)
	c.bytes += pb.MemoryBytes()
	c.tree.SetLoaded(id, true)
	for c.maxBytes > 0 && c.bytes > c.maxBytes && c.entries.Len() > 1 {
		c.entries.RemoveOldest()
	}
	return true
}

// Remove drops a node from the cache.
func (c *Cache) Remove(id octree.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearing = true
	c.entries.Remove(id)
	c.clearing = false
}

// Clear drops every node. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	c.logger.Debug("cleared node cache")
}

// Close clears the cache and makes later Adds no-ops.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.clearLocked()
}

func (c *Cache) clearLocked() {
	c.clearing = true
	c.entries.Clear()
	c.clearing = false
	c.bytes = 0
}

// Stats returns a snapshot of the cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	s := Stats{LoadedNodeCount: c.entries.Len(), MemoryBytes: c.bytes, MaxMemoryBytes: c.maxBytes}
	c.mu.Unlock()
	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	s.Evictions = c.evictions.Load()
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// String summarizes the statistics for logs.
func (s Stats) String() string {
	ceiling := "unbounded"
	if s.MaxMemoryBytes > 0 {
		ceiling = units.BytesSize(float64(s.MaxMemoryBytes))
	}
	return fmt.Sprintf("%s of %s in %d nodes, %.1f%% hits",
		units.BytesSize(float64(s.MemoryBytes)), ceiling, s.LoadedNodeCount, 100*s.HitRate)
}
