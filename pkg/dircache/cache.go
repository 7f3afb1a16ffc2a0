// Package dircache provides the path-keyed directory listing cache.
//
// Entries hold the raw listing exactly as the backend returned it. Readers
// get a copy sorted so that files come before directories, with backend order
// preserved inside each group.
//
// Invalidation always wins: a listing that was in flight when its path (or
// the whole cache) was invalidated is handed back to its caller but never
// stored, so a purge cannot be undone by a slow fetch.
package dircache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fruitsalade/chainfs/internal/metrics"
	"github.com/fruitsalade/chainfs/pkg/models"
)

// Fetcher loads one directory listing from the backend.
type Fetcher func(ctx context.Context, path string) ([]models.Descriptor, error)

// Stats holds cache counters.
type Stats struct {
	Entries    int
	Hits       int64
	Misses     int64
	Purges     int64
	StaleDrops int64
}

// Cache maps absolute storage paths to listings.
type Cache struct {
	fetch Fetcher

	mu      sync.Mutex
	entries map[string][]models.Descriptor
	// gens and inflight only hold paths with a fetch in progress.
	gens     map[string]uint64
	inflight map[string]int
	epoch    uint64
	stats    Stats
}

// New creates a cache that fills misses with fetch.
func New(fetch Fetcher) *Cache {
	return &Cache{
		fetch:   fetch,
		entries:  make(map[string][]models.Descriptor),
		gens:     make(map[string]uint64),
		inflight: make(map[string]int),
	}
}

// Load returns the listing of path, from the cache unless bypass is set.
func (c *Cache) Load(ctx context.Context, path string, bypass bool) ([]models.Descriptor, error) {
	c.mu.Lock()
	if !bypass {
		if raw, ok := c.entries[path]; ok {
			c.stats.Hits++
			c.mu.Unlock()
			metrics.RecordCacheLookup(true)
			return sorted(raw), nil
		}
	}
	c.stats.Misses++
	c.inflight[path]++
	gen, epoch := c.gens[path], c.epoch
	c.mu.Unlock()
	metrics.RecordCacheLookup(false)

	raw, err := c.fetch(ctx, path)

	c.mu.Lock()
	if err == nil {
		if c.gens[path] == gen && c.epoch == epoch {
			c.entries[path] = raw
		} else {
			c.stats.StaleDrops++
			metrics.RecordStaleDrop()
		}
	}
	if c.inflight[path]--; c.inflight[path] == 0 {
		delete(c.inflight, path)
		delete(c.gens, path)
	}
	c.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	return sorted(raw), nil
}

// Invalidate removes the entry for path and discards any fetch of path
// that is still in flight.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(path)
	c.stats.Purges++
	metrics.RecordCachePurge("directory")
}

// InvalidatePrefix removes the entries for path and every path below it,
// and discards their fetches still in flight.
func (c *Cache) InvalidatePrefix(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	below := path + "/"
	for p := range c.entries {
		if strings.HasPrefix(p, below) {
			delete(c.entries, p)
		}
	}
	for p := range c.inflight {
		if strings.HasPrefix(p, below) {
			c.gens[p]++
		}
	}
	c.dropLocked(path)
	c.stats.Purges++
	metrics.RecordCachePurge("subtree")
}

func (c *Cache) dropLocked(path string) {
	delete(c.entries, path)
	if c.inflight[path] > 0 {
		c.gens[path]++
	}
}

// Reset removes every entry and discards every fetch still in flight.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]models.Descriptor)
	c.epoch++
	c.stats.Purges++
	metrics.RecordCachePurge("global")
}

// Contains reports whether path has a cached listing.
func (c *Cache) Contains(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[path]
	return ok
}

// Len returns the number of cached listings.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}

// sorted returns a copy of raw with files before directories.
func sorted(raw []models.Descriptor) []models.Descriptor {
	out := make([]models.Descriptor, len(raw))
	copy(out, raw)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].IsFile && !out[j].IsFile
	})
	return out
}
