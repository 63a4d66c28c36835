// Package testutil provides helpers shared by the cache tests.
package testutil

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/meigma/blockcache/cache"
)

// Block returns size deterministic pseudo-random bytes derived from seed.
// Different seeds produce different content.
func Block(seed uint64, size int) []byte {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) //nolint:gosec // test data
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(r.Uint32())
	}
	return data
}

// Blocks returns n distinct blocks of the given size.
func Blocks(n, size int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = Block(uint64(i)+1, size) //nolint:gosec // i is non-negative
	}
	return out
}

// MapCache is a minimal concurrency-safe BlockCache that counts pulls.
type MapCache struct {
	mu    sync.RWMutex
	data  map[string][]byte
	pulls atomic.Int64
}

var _ cache.BlockCache = (*MapCache)(nil)

// NewMapCache returns an empty MapCache.
func NewMapCache() *MapCache {
	return &MapCache{data: make(map[string][]byte)}
}

// PushBlock implements cache.BlockCache.
func (m *MapCache) PushBlock(data []byte) (string, error) {
	key := cache.Key(data)
	return key, m.PushData(key, data)
}

// PushData implements cache.BlockCache.
func (m *MapCache) PushData(hash string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[hash] = append([]byte(nil), data...)
	return nil
}

// PullBlock implements cache.BlockCache.
func (m *MapCache) PullBlock(hash string) ([]byte, error) {
	data, err := m.PullData(hash)
	if err != nil {
		return nil, err
	}
	if !cache.Verify(hash, data) {
		return nil, cache.ErrHashMismatch
	}
	return data, nil
}

// PullData implements cache.BlockCache.
func (m *MapCache) PullData(hash string) ([]byte, error) {
	m.pulls.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[hash]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Clear implements cache.BlockCache.
func (m *MapCache) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.data)
	return nil
}

// Pulls returns the number of pull calls made so far.
func (m *MapCache) Pulls() int64 {
	return m.pulls.Load()
}

// Corrupt overwrites the bytes stored under hash without changing the key.
func (m *MapCache) Corrupt(hash string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[hash] = append([]byte(nil), data...)
}
