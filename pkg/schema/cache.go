package schema

import (
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds a Cache created with a non-positive size.
const DefaultCacheSize = 256

// Cache memoises Parse by the digest of the wire bytes, so a schema sent with
// every request of a stream is validated once.
type Cache struct {
	entries *lru.Cache[string, *Schema]
}

// NewCache builds a cache holding up to size schemas.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[string, *Schema](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries}, nil
}

// Parse returns the cached schema for data or parses and stores it. Parse
// failures are not cached.
func (c *Cache) Parse(data []byte) (*Schema, error) {
	if c == nil {
		return Parse(data)
	}
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	if s, ok := c.entries.Get(key); ok {
		return s, nil
	}
	s, err := Parse(data)
	if err != nil {
		return nil, err
	}
	c.entries.Add(key, s)
	return s, nil
}

// Len reports the number of cached schemas.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}
