// Command profiler drives a disk block cache with synthetic load for
// profiling. It can expose pprof and Prometheus metrics while it runs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/rand/v2"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/felixge/fgprof"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meigma/blockcache/block"
	"github.com/meigma/blockcache/cache"
	"github.com/meigma/blockcache/cache/disk"
	"github.com/meigma/blockcache/cache/memory"
	"github.com/meigma/blockcache/internal/testutil"
)

type config struct {
	mode            string
	blocks          int
	blockSize       int
	fileBlocks      int
	maxBytes        string
	evictFraction   float64
	queueSize       int
	overflow        string
	tier            string
	workers         int
	dataURL         string
	dataHTTPLatency time.Duration
	dataHTTPBPS     int64
	fgProfile       string
	duration        time.Duration
	iterations      int
	pprofAddr       string
	cpuProfile      string
	memProfile      string
	traceFile       string
	cacheDir        string
	cold            bool
	readRandom      bool
	keepTemp        bool
	logLevel        string
	randomSeed      uint64
}

//nolint:unused // sink variable prevents compiler optimizations in profiling
var sinkBytes []byte

//nolint:gocognit,gocyclo // main function complexity is acceptable for CLI tool
func main() {
	cfg := parseFlags()

	reg := prometheus.NewRegistry()
	if cfg.pprofAddr != "" {
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			log.Printf("pprof and metrics listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	c, cleanup, err := newDiskCache(cfg, reg)
	if err != nil {
		log.Fatal(err)
	}
	defer cleanup() //nolint:errcheck // cleanup errors are non-fatal in profiler

	blocks := testutil.Blocks(cfg.blocks, cfg.blockSize)

	var stopFG func() error
	if cfg.fgProfile != "" {
		fgFile, fgErr := os.Create(cfg.fgProfile)
		if fgErr != nil {
			log.Fatal(fgErr) //nolint:gocritic // exitAfterDefer is intentional - cleanup is best-effort
		}
		stopFG = fgprof.Start(fgFile, fgprof.FormatPprof)
		defer func() {
			if err := stopFG(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = fgFile.Close()
		}()
	}

	if cfg.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(cfg.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr)
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	if cfg.traceFile != "" {
		traceFile, traceErr := os.Create(cfg.traceFile)
		if traceErr != nil {
			log.Fatal(traceErr)
		}
		if traceErr = trace.Start(traceFile); traceErr != nil {
			log.Fatal(traceErr)
		}
		defer func() {
			trace.Stop()
			_ = traceFile.Close()
		}()
	}

	stats, err := runProfile(cfg, c, blocks)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	entries, _ := c.Len() //nolint:errcheck // informational only
	fmt.Printf("mode=%s ops=%d bytes=%s elapsed=%s throughput=%.2f MB/s resident=%s entries=%d\n",
		cfg.mode,
		stats.ops,
		humanize.IBytes(uint64(stats.bytes)), //nolint:gosec // byte counts are non-negative
		stats.elapsed,
		float64(stats.bytes)/(1024*1024)/stats.elapsed.Seconds(),
		humanize.IBytes(uint64(c.SizeBytes())), //nolint:gosec // byte counts are non-negative
		entries,
	)
}

type profileStats struct {
	ops     int
	bytes   int64
	elapsed time.Duration
}

//nolint:gocognit,gocyclo,gocritic // complexity is inherent to multi-mode profiler dispatch; hugeParam acceptable for profiler
func runProfile(cfg config, c *disk.Cache, blocks [][]byte) (profileStats, error) {
	ctx := context.Background()
	start := time.Now()
	ops := 0
	var byteCount int64

	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return ops < cfg.iterations
		}
		return time.Since(start) < cfg.duration
	}
	rng := rand.New(rand.NewPCG(cfg.randomSeed, cfg.randomSeed)) //nolint:gosec // intentional for reproducible benchmarks

	switch cfg.mode {
	case "push":
		for shouldContinue() {
			data := blocks[pickIndex(len(blocks), ops, rng, cfg.readRandom)]
			if _, err := c.PushBlock(data); err != nil && !errors.Is(err, cache.ErrQueueFull) {
				return profileStats{}, err
			}
			byteCount += int64(len(data))
			ops++
		}
		if err := c.Flush(ctx); err != nil {
			return profileStats{}, err
		}

	case "push-wait":
		for shouldContinue() {
			data := blocks[pickIndex(len(blocks), ops, rng, cfg.readRandom)]
			if _, err := c.PushBlockWait(ctx, data); err != nil {
				return profileStats{}, err
			}
			byteCount += int64(len(data))
			ops++
		}

	case "pull-hit":
		keys, err := populate(ctx, c, blocks)
		if err != nil {
			return profileStats{}, err
		}
		start = time.Now()
		for shouldContinue() {
			key := keys[pickIndex(len(keys), ops, rng, cfg.readRandom)]
			data, err := c.PullBlock(key)
			if err != nil {
				return profileStats{}, fmt.Errorf("pull %s: %w", key, err)
			}
			sinkBytes = data
			byteCount += int64(len(data))
			ops++
		}

	case "assemble":
		files, err := buildFiles(blocks, cfg.fileBlocks)
		if err != nil {
			return profileStats{}, err
		}
		source, closeSource, err := newSource(ctx, cfg, c, blocks)
		if err != nil {
			return profileStats{}, err
		}
		defer closeSource()

		start = time.Now()
		for shouldContinue() {
			fb := files[pickIndex(len(files), ops, rng, cfg.readRandom)]
			if cfg.cold && cfg.tier != "" {
				if err := c.Clear(); err != nil {
					return profileStats{}, err
				}
				if err := c.Flush(ctx); err != nil {
					return profileStats{}, err
				}
			}
			if err := cache.Assemble(ctx, io.Discard, fb, source, cache.WithAssembleConcurrency(cfg.workers)); err != nil {
				return profileStats{}, err
			}
			byteCount += fb.Size()
			ops++
		}

	default:
		return profileStats{}, fmt.Errorf("unknown mode: %s", cfg.mode)
	}

	return profileStats{
		ops:     ops,
		bytes:   byteCount,
		elapsed: time.Since(start),
	}, nil
}

func parseFlags() config {
	var cfg config
	var dataHTTPBPS string
	flag.StringVar(&cfg.mode, "mode", "pull-hit", "mode: push, push-wait, pull-hit, assemble")
	flag.IntVar(&cfg.blocks, "blocks", 512, "number of distinct blocks")
	flag.IntVar(&cfg.blockSize, "block-size", 128<<10, "block size in bytes")
	flag.IntVar(&cfg.fileBlocks, "file-blocks", 8, "blocks per file in assemble mode")
	flag.StringVar(&cfg.maxBytes, "max-bytes", humanize.IBytes(uint64(disk.DefaultMaxBytes)), "eviction threshold (0 disables eviction)")
	flag.Float64Var(&cfg.evictFraction, "evict-fraction", disk.DefaultEvictFraction, "fraction of entries removed per eviction pass")
	flag.IntVar(&cfg.queueSize, "queue-size", disk.DefaultQueueSize, "write queue capacity")
	flag.StringVar(&cfg.overflow, "overflow", disk.OverflowReject.String(), "queue overflow policy: reject, block, drop-oldest")
	flag.StringVar(&cfg.tier, "tier", "", "assemble source behind the disk cache: \"\", memory, http")
	flag.IntVar(&cfg.workers, "workers", cache.DefaultAssembleConcurrency, "blocks pulled in parallel in assemble mode")
	flag.StringVar(&cfg.dataURL, "data-url", "local", "HTTP block server URL for -tier=http (\"local\" serves generated data)")
	flag.DurationVar(&cfg.dataHTTPLatency, "data-http-latency", 0, "per-request latency for HTTP block source")
	flag.StringVar(&dataHTTPBPS, "data-http-bps", "", "bytes/sec throttle for HTTP block source (e.g. 10MBps)")
	flag.StringVar(&cfg.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	flag.IntVar(&cfg.iterations, "iterations", 0, "number of iterations to run")
	flag.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof and /metrics listen address (e.g. :6060)")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.StringVar(&cfg.traceFile, "trace", "", "write trace to file")
	flag.StringVar(&cfg.cacheDir, "cache-dir", "", "cache directory (default: temporary)")
	flag.BoolVar(&cfg.cold, "cold", true, "clear the disk cache before each assemble when a tier is set")
	flag.BoolVar(&cfg.readRandom, "read-random", true, "randomize block and file selection")
	flag.BoolVar(&cfg.keepTemp, "keep-temp", false, "keep temporary cache dir after run")
	flag.StringVar(&cfg.logLevel, "log-level", "warn", "cache log level: debug, info, warn, error")
	flag.Uint64Var(&cfg.randomSeed, "seed", 1, "random seed")
	flag.Parse()
	if dataHTTPBPS != "" {
		bps, err := parseBytesPerSecond(dataHTTPBPS)
		if err != nil {
			log.Fatalf("data-http-bps: %v", err)
		}
		cfg.dataHTTPBPS = bps
	}
	return cfg
}

func pickIndex(n, idx int, rng *rand.Rand, random bool) int {
	if random {
		return rng.IntN(n)
	}
	return idx % n
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func newDiskCache(cfg config, reg prometheus.Registerer) (*disk.Cache, func() error, error) {
	maxBytes, err := humanize.ParseBytes(cfg.maxBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("max-bytes: %w", err)
	}
	overflow, err := parseOverflow(cfg.overflow)
	if err != nil {
		return nil, nil, err
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.logLevel)); err != nil {
		return nil, nil, fmt.Errorf("log-level: %w", err)
	}

	dir := cfg.cacheDir
	autoDir := false
	if dir == "" {
		dir, err = os.MkdirTemp("", "blockcache-profiler-*")
		if err != nil {
			return nil, nil, err
		}
		dir = filepath.Join(dir, "blocks")
		autoDir = true
	}

	c, err := disk.New(dir,
		disk.WithMaxBytes(int64(maxBytes)), //nolint:gosec // flag values are far below the int64 limit
		disk.WithEvictFraction(cfg.evictFraction),
		disk.WithQueueSize(cfg.queueSize),
		disk.WithOverflow(overflow),
		disk.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))),
		disk.WithMetrics(reg),
	)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		closeErr := c.Close(ctx)
		if autoDir && !cfg.keepTemp {
			return errors.Join(closeErr, os.RemoveAll(filepath.Dir(dir)))
		}
		return closeErr
	}
	return c, cleanup, nil
}

func parseOverflow(name string) (disk.Overflow, error) {
	for _, p := range []disk.Overflow{disk.OverflowReject, disk.OverflowBlock, disk.OverflowDropOldest} {
		if strings.EqualFold(name, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown overflow policy: %s", name)
}

// populate writes every block and waits until they are on disk.
func populate(ctx context.Context, c *disk.Cache, blocks [][]byte) ([]string, error) {
	keys := make([]string, len(blocks))
	for i, data := range blocks {
		key, err := c.PushBlockWait(ctx, data)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}
	return keys, nil
}

// buildFiles groups consecutive blocks into files of per blocks each.
func buildFiles(blocks [][]byte, per int) ([]*block.FileBlocks, error) {
	per = max(per, 1)
	var files []*block.FileBlocks
	for start := 0; start < len(blocks); start += per {
		end := min(start+per, len(blocks))
		infos := make([]block.Info, 0, end-start)
		for _, data := range blocks[start:end] {
			infos = append(infos, block.Info{Hash: cache.Key(data), Size: len(data)})
		}
		fb, err := block.NewFileBlocks("profiler", fmt.Sprintf("file%05d.dat", len(files)), infos)
		if err != nil {
			return nil, err
		}
		files = append(files, fb)
	}
	if len(files) == 0 {
		return nil, errors.New("assemble mode needs at least one block")
	}
	return files, nil
}

// newSource returns the cache Assemble reads from. Without a tier the disk
// cache is populated up front; otherwise reads go through the disk cache to
// a memory or HTTP tier that holds every block.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func newSource(ctx context.Context, cfg config, c *disk.Cache, blocks [][]byte) (cache.BlockCache, func(), error) {
	switch cfg.tier {
	case "":
		if _, err := populate(ctx, c, blocks); err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil
	case "memory":
		var total int64
		for _, data := range blocks {
			total += int64(len(data))
		}
		mem, err := memory.New(memory.WithMaxBytes(total), memory.WithMaxEntries(max(len(blocks), 1)))
		if err != nil {
			return nil, nil, err
		}
		for _, data := range blocks {
			if _, err := mem.PushBlock(data); err != nil {
				return nil, nil, err
			}
		}
		return cache.NewTiered(c, mem), func() {}, nil
	case "http":
		byKey := make(map[string][]byte, len(blocks))
		for _, data := range blocks {
			byKey[cache.Key(data)] = data
		}
		remote, cleanup := newHTTPSource(cfg, byKey)
		if cleanup == nil {
			cleanup = func() {}
		}
		return cache.NewTiered(c, remote), cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown tier: %s", cfg.tier)
	}
}
