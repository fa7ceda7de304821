package engine

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// ResultCache memoizes read-only tool results for a short window, so a
// burst of identical lookups costs one execution. Mutating tools never
// touch it.
type ResultCache struct {
	cache *ristretto.Cache[string, string]
	ttl   time.Duration
}

// NewResultCache builds a cache bounded to roughly maxBytes of stored
// output. A zero ttl disables expiry.
func NewResultCache(maxBytes int64, ttl time.Duration) (*ResultCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: 10_000,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &ResultCache{cache: cache, ttl: ttl}, nil
}

// Get returns the cached output for a call signature.
func (c *ResultCache) Get(tool string, args map[string]any) (string, bool) {
	return c.cache.Get(cacheKey(tool, args))
}

// Put stores a successful read-only result.
func (c *ResultCache) Put(tool string, args map[string]any, output string) {
	cost := int64(len(output)) + 1
	if c.ttl > 0 {
		c.cache.SetWithTTL(cacheKey(tool, args), output, cost, c.ttl)
	} else {
		c.cache.Set(cacheKey(tool, args), output, cost)
	}
}

// Invalidate drops every entry. Called after any mutating call so
// stale reads never survive a write.
func (c *ResultCache) Invalidate() {
	c.cache.Clear()
}

// Close releases the cache's internal goroutines.
func (c *ResultCache) Close() {
	c.cache.Close()
}

// cacheKey normalizes a call signature: tool name plus arguments with
// keys in sorted order, so field ordering in the incoming JSON does
// not defeat the cache.
func cacheKey(tool string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(tool)
	for _, k := range keys {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		v, _ := json.Marshal(args[k])
		b.Write(v)
	}
	return b.String()
}
