// Package memory provides an in-process block cache.
package memory

import (
	"bytes"
	"errors"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/meigma/blockcache/cache"
)

// Defaults for a memory cache.
const (
	DefaultMaxBytes   int64 = 50 << 20 // 50 MiB
	DefaultMaxEntries       = 1 << 16
)

// Cache is a BlockCache held in memory and bounded by total bytes.
// Least recently used entries are evicted first. Writes complete before
// PushBlock and PushData return. The cache is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, []byte]
	maxBytes int64 // 0 = unlimited
	bytes    int64
}

var _ cache.BlockCache = (*Cache)(nil)

type config struct {
	maxBytes   int64
	maxEntries int
}

// Option configures a memory cache.
type Option func(*config)

// WithMaxBytes sets the maximum total size of cached blocks.
// Values < 0 are invalid. Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(c *config) {
		c.maxBytes = n
	}
}

// WithMaxEntries sets the maximum number of cached blocks. Must be > 0.
func WithMaxEntries(n int) Option {
	return func(c *config) {
		c.maxEntries = n
	}
}

// New creates an empty memory cache.
func New(opts ...Option) (*Cache, error) {
	cfg := config{maxBytes: DefaultMaxBytes, maxEntries: DefaultMaxEntries}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxBytes < 0 {
		return nil, errors.New("max bytes must be >= 0")
	}
	if cfg.maxEntries <= 0 {
		return nil, errors.New("max entries must be > 0")
	}
	c := &Cache{maxBytes: cfg.maxBytes}
	l, err := simplelru.NewLRU[string, []byte](cfg.maxEntries, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// onEvict runs inside lru calls, which are made with mu held.
func (c *Cache) onEvict(_ string, data []byte) {
	c.bytes -= int64(len(data))
}

// PushBlock stores data and returns its key.
func (c *Cache) PushBlock(data []byte) (string, error) {
	key := cache.Key(data)
	if err := c.PushData(key, data); err != nil {
		return "", err
	}
	return key, nil
}

// PushData stores data under hash. Blocks larger than the byte limit are
// accepted but not kept.
func (c *Cache) PushData(hash string, data []byte) error {
	if err := cache.ValidKey(hash); err != nil {
		return err
	}
	size := int64(len(data))
	if c.maxBytes > 0 && size > c.maxBytes {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lru.Get(hash); ok {
		return nil
	}
	c.lru.Add(hash, bytes.Clone(data))
	c.bytes += size
	for c.maxBytes > 0 && c.bytes > c.maxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
	return nil
}

// PullBlock returns the verified bytes stored under hash.
func (c *Cache) PullBlock(hash string) ([]byte, error) {
	return c.pull(hash, true)
}

// PullData returns the bytes stored under hash without verification.
func (c *Cache) PullData(hash string) ([]byte, error) {
	return c.pull(hash, false)
}

func (c *Cache) pull(hash string, verify bool) ([]byte, error) {
	if err := cache.ValidKey(hash); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.lru.Get(hash)
	if !ok {
		return nil, cache.ErrNotFound
	}
	if verify && !cache.Verify(hash, data) {
		c.lru.Remove(hash)
		return nil, cache.ErrHashMismatch
	}
	return bytes.Clone(data), nil
}

// Clear removes all entries.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.bytes = 0
	return nil
}

// Len returns the number of cached blocks.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// SizeBytes returns the total size of cached blocks.
func (c *Cache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}
