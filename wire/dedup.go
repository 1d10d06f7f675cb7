package wire

import lru "github.com/hashicorp/golang-lru/v2"

// DedupSet is a bounded, FIFO-evicting set of content hashes. It may be
// shared by reference between the wire transport and the gossip hub so that
// the same block or transaction arriving on both carriers is delivered to
// handlers at most once.
type DedupSet struct {
	cache *lru.Cache[string, struct{}]
}

// NewDedupSet creates a set that evicts its oldest entry once more than
// capacity distinct keys have been seen. Entries are never "touched" on
// lookup (only Contains/Add are used), so eviction order is pure
// insertion-order FIFO rather than true LRU recency.
func NewDedupSet(capacity int) *DedupSet {
	c, err := lru.New[string, struct{}](capacity)
	if err != nil {
		// Only returns an error for capacity <= 0, which the spec's bounds
		// never produce; fall back to a capacity of 1 rather than panic.
		c, _ = lru.New[string, struct{}](1)
	}
	return &DedupSet{cache: c}
}

// SeenOrAdd reports whether key was already present, inserting it if not.
// This is the single entry point callers should use: it makes the
// check-then-insert atomic from the caller's perspective.
func (d *DedupSet) SeenOrAdd(key string) bool {
	if d.cache.Contains(key) {
		return true
	}
	d.cache.Add(key, struct{}{})
	return false
}

// Len returns the number of distinct keys currently tracked.
func (d *DedupSet) Len() int {
	return d.cache.Len()
}
