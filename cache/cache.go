// Package cache defines the block cache contract shared by all backends.
//
// Blocks are addressed by the hex-encoded SHA256 of their content. Because
// keys are content hashes, a verified read (PullBlock) can detect corrupt
// local state and report it as a miss instead of returning bad bytes.
//
// Backends live in subpackages: disk provides a size-bounded directory store
// with asynchronous write-behind, memory provides an in-process LRU.
package cache

import "context"

// BlockCache stores and retrieves blocks by content hash.
//
// Implementations must be safe for concurrent use. Cached content is always
// re-derivable elsewhere, so backends may drop writes or entries at any time;
// callers must treat every miss as "fetch the block again".
type BlockCache interface {
	// PushBlock hashes data and stores it, returning the key.
	// A nil error means the write was accepted, not that it is durable.
	PushBlock(data []byte) (string, error)

	// PullBlock returns the bytes stored under hash after verifying that
	// they hash to it. Returns ErrNotFound on a miss and ErrHashMismatch
	// when the stored entry was corrupt (the entry is removed).
	PullBlock(hash string) ([]byte, error)

	// PushData stores data under a caller-supplied key without hashing it.
	// A nil error means the write was accepted.
	PushData(hash string, data []byte) error

	// PullData returns the bytes stored under hash without verification.
	// Returns ErrNotFound on a miss.
	PullData(hash string) ([]byte, error)

	// Clear removes all cached entries.
	Clear() error
}

// AsyncCache is a BlockCache whose writes complete in the background.
//
// The plain Push methods are fire-and-forget. Callers that need durability
// use the Wait variants or Flush.
type AsyncCache interface {
	BlockCache

	// PushBlockWait is PushBlock that waits for the write to complete.
	PushBlockWait(ctx context.Context, data []byte) (string, error)

	// PushDataWait is PushData that waits for the write to complete.
	PushDataWait(ctx context.Context, hash string, data []byte) error

	// Flush waits until every task queued before the call has run.
	Flush(ctx context.Context) error

	// Close stops accepting writes and drains pending ones until ctx is done.
	Close(ctx context.Context) error
}
