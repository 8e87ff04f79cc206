package codegen

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"kiln/internal/backend"
	"kiln/internal/ir"
)

// Cache maps function fingerprints to emitted fragments. Each key is
// computed at most once per process; concurrent requests for the same key
// wait for the first.
type Cache struct {
	mu      sync.RWMutex
	entries map[ir.Digest]backend.Fragment
	group   singleflight.Group
	disk    *DiskCache
	kind    backend.Kind

	hits       atomic.Int64
	misses     atomic.Int64
	diskHits   atomic.Int64
	diskErrors atomic.Int64
}

// NewCache returns an in-memory cache backed by disk when it is non-nil.
func NewCache(kind backend.Kind, disk *DiskCache) *Cache {
	return &Cache{entries: make(map[ir.Digest]backend.Fragment), disk: disk, kind: kind}
}

// CacheStats is a snapshot of the cache counters.
type CacheStats struct {
	Hits       int64 `json:"hits" yaml:"hits" msgpack:"hits"`
	Misses     int64 `json:"misses" yaml:"misses" msgpack:"misses"`
	DiskHits   int64 `json:"disk_hits" yaml:"disk_hits" msgpack:"disk_hits"`
	DiskErrors int64 `json:"disk_errors" yaml:"disk_errors" msgpack:"disk_errors"`
}

func (s CacheStats) sub(o CacheStats) CacheStats {
	return CacheStats{
		Hits:       s.Hits - o.Hits,
		Misses:     s.Misses - o.Misses,
		DiskHits:   s.DiskHits - o.DiskHits,
		DiskErrors: s.DiskErrors - o.DiskErrors,
	}
}

func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		DiskHits:   c.diskHits.Load(),
		DiskErrors: c.diskErrors.Load(),
	}
}

func (c *Cache) lookup(key ir.Digest) (backend.Fragment, bool) {
	c.mu.RLock()
	frag, ok := c.entries[key]
	c.mu.RUnlock()
	return frag, ok
}

// Get returns the fragment for key, calling build only when neither memory
// nor disk holds it. cached reports that build was not called by this
// caller. Errors are not cached.
func (c *Cache) Get(key ir.Digest, build func() (backend.Fragment, error)) (frag backend.Fragment, cached bool, err error) {
	if frag, ok := c.lookup(key); ok {
		c.hits.Add(1)
		return frag, true, nil
	}
	built := false
	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		if frag, ok := c.lookup(key); ok {
			return frag, nil
		}
		if frag, ok := c.fromDisk(key); ok {
			c.store(key, frag)
			return frag, nil
		}
		frag, err := build()
		if err != nil {
			return nil, err
		}
		built = true
		c.store(key, frag)
		if c.disk != nil {
			if err := c.disk.Put(key, &DiskPayload{Schema: diskCacheSchemaVersion, Backend: string(c.kind), Fragment: frag}); err != nil {
				c.diskErrors.Add(1)
			}
		}
		return frag, nil
	})
	if err != nil {
		return backend.Fragment{}, false, err
	}
	if built {
		c.misses.Add(1)
	} else {
		c.hits.Add(1)
	}
	return v.(backend.Fragment), !built, nil
}

func (c *Cache) fromDisk(key ir.Digest) (backend.Fragment, bool) {
	if c.disk == nil {
		return backend.Fragment{}, false
	}
	var payload DiskPayload
	ok, err := c.disk.Get(key, &payload)
	if err != nil {
		c.diskErrors.Add(1)
		return backend.Fragment{}, false
	}
	if !ok || payload.Schema != diskCacheSchemaVersion || payload.Backend != string(c.kind) {
		return backend.Fragment{}, false
	}
	c.diskHits.Add(1)
	return payload.Fragment, true
}

func (c *Cache) store(key ir.Digest, frag backend.Fragment) {
	c.mu.Lock()
	c.entries[key] = frag
	c.mu.Unlock()
}

// Len returns the number of fragments held in memory.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
