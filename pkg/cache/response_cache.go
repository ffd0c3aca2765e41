package cache

import (
	"sync"
	"time"

	"github.com/zx6217/geminirelay/pkg/gemini"
)

// CachedResponse is one buffered upstream success waiting for a consumer.
type CachedResponse struct {
	Model        string       `json:"model"`
	Text         string       `json:"text"`
	Reasoning    string       `json:"reasoning,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
	Usage        gemini.Usage `json:"usage"`
}

type responseEntry struct {
	value   CachedResponse
	expires time.Time
	seq     uint64
}

// ResponseCache maps request fingerprints to FIFO lists of responses.
// Races and coalescing can land several successes for one fingerprint
// before anyone reads them; arrival order decides who gets which.
type ResponseCache struct {
	mu         sync.Mutex
	buckets    map[uint64][]responseEntry
	count      int
	maxEntries int
	ttl        time.Duration
	seq        uint64
}

func NewResponseCache(maxEntries int, ttl time.Duration) *ResponseCache {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &ResponseCache{
		buckets:    make(map[uint64][]responseEntry),
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

// Put appends to the fingerprint's FIFO. When the global entry count
// exceeds the cap, the globally oldest entries are evicted until the
// cache fits again.
func (c *ResponseCache) Put(fp uint64, v CachedResponse, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.buckets[fp] = append(c.buckets[fp], responseEntry{
		value:   v,
		expires: now.Add(c.ttl),
		seq:     c.seq,
	})
	c.count++
	for c.count > c.maxEntries {
		c.evictOldestLocked()
	}
}

// GetPeek returns the earliest live entry without consuming it.
func (c *ResponseCache) GetPeek(fp uint64, now time.Time) (CachedResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.pruneBucketLocked(fp, now)
	if len(entries) == 0 {
		return CachedResponse{}, false
	}
	return entries[0].value, true
}

// GetConsume removes and returns the earliest live entry, dropping any
// expired siblings along the way.
func (c *ResponseCache) GetConsume(fp uint64, now time.Time) (CachedResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.pruneBucketLocked(fp, now)
	if len(entries) == 0 {
		return CachedResponse{}, false
	}
	out := entries[0].value
	if len(entries) == 1 {
		delete(c.buckets, fp)
	} else {
		c.buckets[fp] = entries[1:]
	}
	c.count--
	return out, true
}

// SweepExpired walks every bucket, drops expired entries and empty
// buckets, and reports how many entries went away.
func (c *ResponseCache) SweepExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for fp := range c.buckets {
		before := len(c.buckets[fp])
		removed += before - len(c.pruneBucketLocked(fp, now))
	}
	return removed
}

// Len reports the global live entry count.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *ResponseCache) pruneBucketLocked(fp uint64, now time.Time) []responseEntry {
	entries := c.buckets[fp]
	kept := entries[:0]
	for _, e := range entries {
		if now.Before(e.expires) {
			kept = append(kept, e)
			continue
		}
		c.count--
	}
	if len(kept) == 0 {
		delete(c.buckets, fp)
		return nil
	}
	c.buckets[fp] = kept
	return kept
}

func (c *ResponseCache) evictOldestLocked() {
	var (
		oldestFP  uint64
		oldestSeq uint64
		found     bool
	)
	for fp, entries := range c.buckets {
		if len(entries) == 0 {
			delete(c.buckets, fp)
			continue
		}
		if !found || entries[0].seq < oldestSeq {
			oldestFP, oldestSeq, found = fp, entries[0].seq, true
		}
	}
	if !found {
		c.count = 0
		return
	}
	entries := c.buckets[oldestFP]
	if len(entries) == 1 {
		delete(c.buckets, oldestFP)
	} else {
		c.buckets[oldestFP] = entries[1:]
	}
	c.count--
}
