package cache

import "errors"

var (
	// ErrNotFound is returned when a block is not cached.
	ErrNotFound = errors.New("cache: block not found")

	// ErrHashMismatch is returned when cached bytes do not hash to their key.
	ErrHashMismatch = errors.New("cache: hash mismatch")

	// ErrInvalidKey is returned for keys that are empty or not lowercase hex.
	ErrInvalidKey = errors.New("cache: invalid key")

	// ErrClosed is returned when the cache no longer accepts work.
	ErrClosed = errors.New("cache: closed")

	// ErrQueueFull is returned when a bounded write queue rejects a task.
	ErrQueueFull = errors.New("cache: write queue full")

	// ErrDropped is reported to waiters whose queued task was discarded.
	ErrDropped = errors.New("cache: write dropped")

	// ErrMissingBlock is returned by Assemble when a block is not available.
	ErrMissingBlock = errors.New("cache: missing block")

	// ErrSizeMismatch is returned by Assemble when a block has an unexpected length.
	ErrSizeMismatch = errors.New("cache: block size mismatch")
)

// IsMiss reports whether err means the block must be fetched elsewhere.
func IsMiss(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrHashMismatch)
}
