// Package cache keeps compiled regular expressions for predicate matching.
//
// Predicates with LIKE and REGEX operators, and the =~ comparison of the
// query language, are compiled every time an instruction runs. Programs
// tend to repeat the same few patterns, so compiled patterns are kept in a
// bounded LRU.
//
// Usage:
//
//	re, err := cache.Patterns().Compile(`^bash.*`)
//	if err != nil {
//		return err
//	}
//	re.MatchString(value)
package cache

import (
	"container/list"
	"regexp"
	"sync"
	"sync/atomic"
)

// DefaultSize is the capacity of the global pattern cache.
const DefaultSize = 512

// PatternCache is a thread-safe LRU cache of compiled patterns keyed by
// their source text.
type PatternCache struct {
	mu sync.Mutex

	maxSize int
	list    *list.List
	items   map[string]*list.Element

	// Statistics
	hits   uint64
	misses uint64
}

type cacheEntry struct {
	pattern string
	re      *regexp.Regexp
}

// NewPatternCache creates a cache holding at most maxSize patterns. A zero
// or negative size means DefaultSize.
func NewPatternCache(maxSize int) *PatternCache {
	if maxSize <= 0 {
		maxSize = DefaultSize
	}
	return &PatternCache{
		maxSize: maxSize,
		list:    list.New(),
		items:   make(map[string]*list.Element, maxSize),
	}
}

// Compile returns the compiled pattern, compiling and caching it on a miss.
// Patterns that fail to compile are not cached.
func (c *PatternCache) Compile(pattern string) (*regexp.Regexp, error) {
	c.mu.Lock()
	if elem, ok := c.items[pattern]; ok {
		c.list.MoveToFront(elem)
		c.mu.Unlock()
		atomic.AddUint64(&c.hits, 1)
		return elem.Value.(*cacheEntry).re, nil
	}
	c.mu.Unlock()
	atomic.AddUint64(&c.misses, 1)

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another caller may have compiled it meanwhile.
	if elem, ok := c.items[pattern]; ok {
		c.list.MoveToFront(elem)
		return elem.Value.(*cacheEntry).re, nil
	}
	for c.list.Len() >= c.maxSize {
		c.evictOldest()
	}
	c.items[pattern] = c.list.PushFront(&cacheEntry{pattern: pattern, re: re})
	return re, nil
}

// Clear removes all entries from the cache.
func (c *PatternCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.items = make(map[string]*list.Element, c.maxSize)
}

// Len returns the number of cached patterns.
func (c *PatternCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Stats returns cache statistics.
func (c *PatternCache) Stats() CacheStats {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	return CacheStats{
		Size:    c.Len(),
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// CacheStats holds cache performance statistics.
type CacheStats struct {
	Size    int     // Current number of entries
	MaxSize int     // Maximum capacity
	Hits    uint64  // Number of cache hits
	Misses  uint64  // Number of cache misses
	HitRate float64 // Hit rate percentage (0-100)
}

// evictOldest removes the least recently used entry.
// Caller must hold the lock.
func (c *PatternCache) evictOldest() {
	elem := c.list.Back()
	if elem == nil {
		return
	}
	c.list.Remove(elem)
	delete(c.items, elem.Value.(*cacheEntry).pattern)
}

var (
	globalPatterns     *PatternCache
	globalPatternsOnce sync.Once
)

// Patterns returns the process-wide pattern cache.
func Patterns() *PatternCache {
	globalPatternsOnce.Do(func() {
		globalPatterns = NewPatternCache(DefaultSize)
	})
	return globalPatterns
}
