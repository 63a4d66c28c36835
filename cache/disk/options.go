package disk

import (
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Defaults for a disk cache.
const (
	DefaultMaxBytes      int64   = 50 << 20 // 50 MiB
	DefaultEvictFraction float64 = 0.5
	DefaultQueueSize             = 1024

	defaultDirPerm = 0o700
)

// Overflow selects what happens when the write queue is full.
type Overflow int

const (
	// OverflowReject refuses the write with cache.ErrQueueFull.
	OverflowReject Overflow = iota
	// OverflowBlock makes the caller wait until the queue has room.
	OverflowBlock
	// OverflowDropOldest discards the oldest queued write to make room.
	OverflowDropOldest
)

func (o Overflow) String() string {
	switch o {
	case OverflowReject:
		return "reject"
	case OverflowBlock:
		return "block"
	case OverflowDropOldest:
		return "drop-oldest"
	default:
		return "unknown"
	}
}

type config struct {
	dirPerm       os.FileMode
	maxBytes      int64
	evictFraction float64
	queueSize     int
	overflow      Overflow
	logger        *slog.Logger
	registerer    prometheus.Registerer
	now           func() time.Time
}

func defaultConfig() config {
	return config{
		dirPerm:       defaultDirPerm,
		maxBytes:      DefaultMaxBytes,
		evictFraction: DefaultEvictFraction,
		queueSize:     DefaultQueueSize,
		overflow:      OverflowReject,
		logger:        slog.New(slog.DiscardHandler),
		now:           time.Now,
	}
}

// Option configures a disk cache.
type Option func(*config)

// WithMaxBytes sets the resident size above which a write triggers eviction.
// Values < 0 are invalid. Use 0 to disable eviction. Defaults to 50 MiB.
func WithMaxBytes(n int64) Option {
	return func(c *config) {
		c.maxBytes = n
	}
}

// WithEvictFraction sets the fraction of entries, by count, removed by each
// eviction pass. Must be in (0, 1]. Defaults to 0.5.
func WithEvictFraction(f float64) Option {
	return func(c *config) {
		c.evictFraction = f
	}
}

// WithQueueSize sets the number of writes that may wait for the worker.
// Must be > 0. Defaults to 1024.
func WithQueueSize(n int) Option {
	return func(c *config) {
		c.queueSize = n
	}
}

// WithOverflow sets the policy applied when the write queue is full.
func WithOverflow(p Overflow) Option {
	return func(c *config) {
		c.overflow = p
	}
}

// WithDirPerm sets the permissions used when creating the cache directory.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *config) {
		c.dirPerm = mode
	}
}

// WithLogger sets the logger. Defaults to discarding all output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics registers cache metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *config) {
		c.registerer = reg
	}
}

// WithClock sets the time source used to touch entries on read.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}
