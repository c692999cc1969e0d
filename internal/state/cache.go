package state

import (
	"sort"
	"sync"
)

// Cache maps slave nicknames to their latest snapshot.
//
// Each key is swapped atomically and reads never block writers. There is no
// cross-key consistency, history or expiry.
type Cache struct {
	m sync.Map // string -> Snapshot
}

func NewCache() *Cache { return &Cache{} }

// Write unconditionally replaces the snapshot for nickname.
func (c *Cache) Write(nickname string, s Snapshot) {
	c.m.Store(nickname, s)
}

// Read returns the latest snapshot; ok is false when the slave never
// delivered an update since startup.
func (c *Cache) Read(nickname string) (Snapshot, bool) {
	v, ok := c.m.Load(nickname)
	if !ok {
		return Snapshot{}, false
	}
	return v.(Snapshot), true
}

func (c *Cache) Len() int {
	n := 0
	c.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Nicknames returns the cached slave nicknames, sorted.
func (c *Cache) Nicknames() []string {
	var out []string
	c.m.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}
