package cache

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/blockcache/block"
)

// DefaultAssembleConcurrency is the default number of blocks pulled in parallel.
const DefaultAssembleConcurrency = 4

// AssembleConfig controls file reconstruction.
type AssembleConfig struct {
	Concurrency int
}

// AssembleOption configures Assemble.
type AssembleOption func(*AssembleConfig)

// WithAssembleConcurrency sets how many blocks are pulled in parallel.
// Values <= 0 fall back to 1.
func WithAssembleConcurrency(n int) AssembleOption {
	return func(cfg *AssembleConfig) {
		cfg.Concurrency = n
	}
}

// Assemble reconstructs the file described by fb from c and writes it to w.
//
// Blocks are pulled with PullBlock, so every block is verified against its
// hash. Up to Concurrency blocks are fetched at once; they are always
// written in order. A block that is missing or corrupt aborts with an error
// wrapping ErrMissingBlock, a block of the wrong length with ErrSizeMismatch.
// Bytes already written to w are not rolled back.
func Assemble(ctx context.Context, w io.Writer, fb *block.FileBlocks, c BlockCache, opts ...AssembleOption) error {
	if fb == nil {
		return errors.New("assemble: file blocks is nil")
	}
	if c == nil {
		return errors.New("assemble: cache is nil")
	}
	cfg := AssembleConfig{Concurrency: DefaultAssembleConcurrency}
	for _, opt := range opts {
		opt(&cfg)
	}
	window := max(cfg.Concurrency, 1)

	blocks := fb.Blocks()
	for start := 0; start < len(blocks); start += window {
		end := min(start+window, len(blocks))
		batch, err := pullBatch(ctx, c, blocks, start, end)
		if err != nil {
			return fmt.Errorf("assemble %s/%s: %w", fb.Folder(), fb.Path(), err)
		}
		for _, data := range batch {
			if _, err := w.Write(data); err != nil {
				return fmt.Errorf("assemble %s/%s: write: %w", fb.Folder(), fb.Path(), err)
			}
		}
	}
	return nil
}

func pullBatch(ctx context.Context, c BlockCache, blocks []block.Info, start, end int) ([][]byte, error) {
	out := make([][]byte, end-start)
	g, ctx := errgroup.WithContext(ctx)
	for i := start; i < end; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			info := blocks[i]
			data, err := c.PullBlock(info.Hash)
			if err != nil {
				return fmt.Errorf("%w: block %d (%s): %w", ErrMissingBlock, i, info.Hash, err)
			}
			if len(data) != info.Size {
				return fmt.Errorf("%w: block %d (%s): got %d bytes, want %d",
					ErrSizeMismatch, i, info.Hash, len(data), info.Size)
			}
			out[i-start] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
