// Package disk provides a disk-backed block cache.
//
// Blocks are stored one file per block in a flat directory, named by the
// hex SHA256 of their content. Writes are queued to a single worker
// goroutine and land asynchronously; reads are served synchronously on the
// calling goroutine. When a write pushes the resident size above the
// configured threshold, the least recently touched fraction of entries is
// removed.
package disk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/blockcache/cache"
)

// Cache implements cache.AsyncCache using a local directory.
//
// The resident size is tracked in memory: it is set by scanning the
// directory at startup, after each eviction and after Clear, and grows with
// each completed write. Individual removals do not adjust it, so it may
// overstate the directory size until the next rescan.
//
// A directory must not be shared by two caches.
type Cache struct {
	dir           string
	dirPerm       os.FileMode
	maxBytes      int64 // eviction threshold (0 = never evict)
	evictFraction float64
	logger        *slog.Logger
	metrics       *Metrics
	now           func() time.Time

	bytes  atomic.Int64       // resident size, see type doc
	reads  singleflight.Group // collapses concurrent verified reads of one key
	worker *worker
}

var _ cache.AsyncCache = (*Cache)(nil)

// New creates a disk-backed cache rooted at dir, creating the directory if
// needed. It fails if dir is not a writable directory.
func New(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache dir is empty")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxBytes < 0 {
		return nil, errors.New("max bytes must be >= 0")
	}
	if cfg.evictFraction <= 0 || cfg.evictFraction > 1 {
		return nil, fmt.Errorf("evict fraction %v must be in (0, 1]", cfg.evictFraction)
	}
	if cfg.queueSize <= 0 {
		return nil, errors.New("queue size must be > 0")
	}
	if cfg.overflow < OverflowReject || cfg.overflow > OverflowDropOldest {
		return nil, fmt.Errorf("unknown overflow policy %d", cfg.overflow)
	}

	if err := os.MkdirAll(dir, cfg.dirPerm); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if err := checkWritable(dir); err != nil {
		return nil, fmt.Errorf("cache dir is not writable: %w", err)
	}
	if err := sweepTemp(dir); err != nil {
		return nil, fmt.Errorf("sweep cache dir: %w", err)
	}

	c := &Cache{
		dir:           dir,
		dirPerm:       cfg.dirPerm,
		maxBytes:      cfg.maxBytes,
		evictFraction: cfg.evictFraction,
		logger:        cfg.logger.With(slog.String("dir", dir)),
		now:           cfg.now,
	}
	if cfg.registerer != nil {
		c.metrics = NewMetrics(cfg.registerer, dir)
	}

	size, err := dirSize(dir)
	if err != nil {
		return nil, fmt.Errorf("scan cache dir: %w", err)
	}
	c.setSize(size)
	c.maybeEvict()

	c.worker = newWorker(cfg.queueSize, cfg.overflow, c.handle, c.onDrop, c.metrics.queueDepth)
	return c, nil
}

// PushBlock hashes data and queues it for writing. It returns the key as soon
// as the write is queued; the block may not be readable yet.
func (c *Cache) PushBlock(data []byte) (string, error) {
	key := cache.Key(data)
	if err := c.PushData(key, data); err != nil {
		return "", err
	}
	return key, nil
}

// PushBlockWait hashes data, writes it, and waits for the write to finish.
func (c *Cache) PushBlockWait(ctx context.Context, data []byte) (string, error) {
	key := cache.Key(data)
	if err := c.PushDataWait(ctx, key, data); err != nil {
		return "", err
	}
	return key, nil
}

// PushData queues data for writing under hash. A nil error means the write
// was accepted; it may still be dropped or fail later.
func (c *Cache) PushData(hash string, data []byte) error {
	_, err := c.enqueueWrite(hash, data, false)
	return err
}

// PushDataWait writes data under hash and waits for the write to finish.
// If ctx ends first the write stays queued and ctx.Err() is returned.
func (c *Cache) PushDataWait(ctx context.Context, hash string, data []byte) error {
	t, err := c.enqueueWrite(hash, data, true)
	if err != nil {
		return err
	}
	return t.wait(ctx)
}

func (c *Cache) enqueueWrite(hash string, data []byte, wait bool) (*task, error) {
	if err := cache.ValidKey(hash); err != nil {
		return nil, err
	}
	t := newTask(taskWrite, hash, bytes.Clone(data), wait)
	if err := c.worker.submit(t); err != nil {
		c.logger.Debug("block write not queued",
			slog.String("key", hash),
			slog.Any("error", err))
		return nil, err
	}
	return t, nil
}

// PullBlock reads the block stored under hash and verifies it against the
// hash. A corrupt entry is removed and reported as cache.ErrHashMismatch.
func (c *Cache) PullBlock(hash string) ([]byte, error) {
	if err := cache.ValidKey(hash); err != nil {
		return nil, err
	}
	v, err, shared := c.reads.Do(hash, func() (any, error) {
		return c.pull(hash, true)
	})
	if err != nil {
		return nil, err
	}
	data := v.([]byte) //nolint:errcheck // type assertion always succeeds when err is nil
	if shared {
		data = bytes.Clone(data)
	}
	return data, nil
}

// PullData reads the block stored under hash without verification.
func (c *Cache) PullData(hash string) ([]byte, error) {
	if err := cache.ValidKey(hash); err != nil {
		return nil, err
	}
	return c.pull(hash, false)
}

func (c *Cache) pull(hash string, verify bool) ([]byte, error) {
	path := c.path(hash)
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from a validated hex key
	if err != nil {
		c.metrics.miss()
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cache.ErrNotFound
		}
		c.logger.Warn("error reading block from cache",
			slog.String("key", hash),
			slog.Any("error", err))
		c.discard(hash)
		return nil, fmt.Errorf("%w: %w", cache.ErrNotFound, err)
	}
	if verify && !cache.Verify(hash, data) {
		c.metrics.miss()
		c.metrics.corrupt()
		c.logger.Warn("cached block does not match its key",
			slog.String("key", hash),
			slog.String("actual", cache.Key(data)))
		c.discard(hash)
		return nil, cache.ErrHashMismatch
	}

	// Recency for eviction. Skipped if the queue is full.
	if err := c.worker.submit(newTask(taskTouch, hash, nil, false)); err != nil {
		c.logger.Debug("touch not queued", slog.String("key", hash), slog.Any("error", err))
	}
	c.metrics.hit()
	c.logger.Debug("read block from cache", slog.String("key", hash), slog.Int("size", len(data)))
	return data, nil
}

// discard schedules removal of a bad entry. After Close the removal runs on
// the caller once the worker has drained.
func (c *Cache) discard(hash string) {
	t := newTask(taskRemove, hash, nil, false)
	if err := c.worker.submit(t); err != nil {
		_ = c.worker.runAfterClose(t) //nolint:errcheck // remove logs its own failures
	}
}

// Clear queues removal of every entry. The directory is deleted and
// recreated by the worker; SizeBytes reflects it once the task has run.
func (c *Cache) Clear() error {
	return c.worker.submit(newTask(taskClear, "", nil, false))
}

// Flush waits until every task queued before the call has run.
func (c *Cache) Flush(ctx context.Context) error {
	t := newTask(taskFlush, "", nil, true)
	if err := c.worker.submit(t); err != nil {
		return err
	}
	return t.wait(ctx)
}

// Close stops accepting writes and waits for queued tasks to finish. If ctx
// ends first, tasks still queued are abandoned and ctx.Err() is returned.
// Reads keep working after Close; a read that finds a bad entry waits for
// the drain to finish before removing it.
func (c *Cache) Close(ctx context.Context) error {
	return c.worker.close(ctx)
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// MaxBytes returns the eviction threshold (0 = never evict).
func (c *Cache) MaxBytes() int64 {
	return c.maxBytes
}

// SizeBytes returns the tracked resident size in bytes.
func (c *Cache) SizeBytes() int64 {
	return c.bytes.Load()
}

// Len returns the number of cached entries by scanning the directory.
func (c *Cache) Len() (int, error) {
	entries, err := listEntries(c.dir)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// QueueLen returns the number of tasks waiting for the worker.
func (c *Cache) QueueLen() int {
	return c.worker.queueLen()
}

func (c *Cache) path(hash string) string {
	return filepath.Join(c.dir, hash)
}

// handle runs on the worker goroutine.
func (c *Cache) handle(t *task) error {
	switch t.kind {
	case taskWrite:
		return c.write(t.key, t.data)
	case taskTouch:
		c.touch(t.key)
		return nil
	case taskRemove:
		c.remove(t.key)
		return nil
	case taskClear:
		return c.clear()
	case taskFlush:
		return nil
	default:
		return fmt.Errorf("unknown task kind %v", t.kind)
	}
}

func (c *Cache) onDrop(t *task) {
	c.metrics.dropped()
	c.logger.Warn("dropped queued block write", slog.String("key", t.key))
}

func (c *Cache) write(hash string, data []byte) error {
	path := c.path(hash)
	if _, err := os.Stat(path); err == nil {
		c.logger.Debug("block already cached", slog.String("key", hash))
		return nil
	}
	if err := writeFile(c.dir, path, data); err != nil {
		c.metrics.writeError()
		c.logger.Warn("error writing block to cache",
			slog.String("key", hash),
			slog.Any("error", err))
		return fmt.Errorf("write block %s: %w", hash, err)
	}
	c.metrics.written(len(data))
	c.logger.Debug("cached block", slog.String("key", hash), slog.Int("size", len(data)))
	c.metrics.resident(c.bytes.Add(int64(len(data))))
	c.maybeEvict()
	return nil
}

func (c *Cache) touch(hash string) {
	now := c.now()
	if err := os.Chtimes(c.path(hash), now, now); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn("unable to touch cached block",
			slog.String("key", hash),
			slog.Any("error", err))
	}
}

// remove deletes one entry without adjusting the resident size.
func (c *Cache) remove(hash string) {
	if err := os.Remove(c.path(hash)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn("unable to remove cached block",
			slog.String("key", hash),
			slog.Any("error", err))
	}
}

func (c *Cache) clear() error {
	c.logger.Info("clearing cache directory")
	if err := os.RemoveAll(c.dir); err != nil {
		c.logger.Warn("unable to remove cache directory", slog.Any("error", err))
	}
	if err := os.MkdirAll(c.dir, c.dirPerm); err != nil {
		c.logger.Warn("unable to recreate cache directory", slog.Any("error", err))
		return fmt.Errorf("recreate cache dir: %w", err)
	}
	return c.rescan()
}

func (c *Cache) maybeEvict() {
	if c.maxBytes > 0 && c.SizeBytes() > c.maxBytes {
		c.evict()
	}
}

// evict removes the oldest-touched fraction of entries by count, then
// rescans the directory. Removal failures are logged and skipped.
func (c *Cache) evict() {
	c.logger.Info("starting cleanup of cache directory",
		slog.String("size", humanize.IBytes(uint64(max(c.SizeBytes(), 0)))))

	entries, err := listEntries(c.dir)
	if err != nil {
		c.logger.Warn("unable to list cache directory", slog.Any("error", err))
		return
	}
	sortOldestFirst(entries)
	n := int(float64(len(entries)) * c.evictFraction)

	removed := 0
	for _, e := range entries[:n] {
		c.logger.Debug("evicting cached block", slog.String("key", e.name))
		if err := os.Remove(e.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("unable to evict cached block",
				slog.String("key", e.name),
				slog.Any("error", err))
			continue
		}
		removed++
	}
	c.metrics.evicted(removed)

	if err := c.rescan(); err != nil {
		return
	}
	c.logger.Info("cleanup of cache directory completed",
		slog.Int("removed", removed),
		slog.String("size", humanize.IBytes(uint64(max(c.SizeBytes(), 0)))))
}

func (c *Cache) rescan() error {
	size, err := dirSize(c.dir)
	if err != nil {
		c.logger.Warn("unable to scan cache directory", slog.Any("error", err))
		return fmt.Errorf("scan cache dir: %w", err)
	}
	c.setSize(size)
	return nil
}

func (c *Cache) setSize(n int64) {
	c.bytes.Store(n)
	c.metrics.resident(n)
}
