package scripthost

import (
	lru "github.com/hashicorp/golang-lru"
	v8 "github.com/tommie/v8go"
)

// maxCachedScripts bounds the compiled script cache.
const maxCachedScripts = 32

// compiledScript is the reusable compiled form of one exact source
// text. The engine's serialized code cache is isolate-independent, so a
// single entry serves every per-goroutine execution context.
type compiledScript struct {
	source string
	cached *v8.CompilerCachedData
}

// scriptCache maps exact source text to its compiled form, keeping the
// last maxCachedScripts entries in recency order. Keys compare by
// string equality only; textually different sources are distinct
// entries even when semantically identical.
//
// This is the single cross-goroutine shared mutable state in the host.
// Lookup, insert, promote and evict are each atomic under the LRU's one
// internal lock. Two goroutines racing to compile the same new source
// may both compile; the later insert replaces the earlier entry and
// never corrupts the recency ordering.
type scriptCache struct {
	entries *lru.Cache
}

func newScriptCache() *scriptCache {
	entries, err := lru.New(maxCachedScripts)
	if err != nil {
		// lru.New only fails for a non-positive size.
		panic(err)
	}
	return &scriptCache{entries: entries}
}

// lookup returns the compiled form for the exact source text, promoting
// the entry to most-recently-used.
func (c *scriptCache) lookup(source string) (*compiledScript, bool) {
	v, ok := c.entries.Get(source)
	if !ok {
		return nil, false
	}
	return v.(*compiledScript), true
}

// insert stores the compiled form for the source text, evicting the
// least-recently-used entry when the cache is over capacity.
func (c *scriptCache) insert(source string, entry *compiledScript) {
	c.entries.Add(source, entry)
}

func (c *scriptCache) contains(source string) bool {
	return c.entries.Contains(source)
}

func (c *scriptCache) len() int {
	return c.entries.Len()
}
