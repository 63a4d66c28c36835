package cache_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/blockcache/block"
	"github.com/meigma/blockcache/cache"
	"github.com/meigma/blockcache/internal/testutil"
)

func pushAll(t *testing.T, c cache.BlockCache, blocks [][]byte) []block.Info {
	t.Helper()
	infos := make([]block.Info, len(blocks))
	for i, data := range blocks {
		key, err := c.PushBlock(data)
		require.NoError(t, err)
		infos[i] = block.Info{Hash: key, Size: len(data)}
	}
	return infos
}

func TestAssemble(t *testing.T) {
	t.Parallel()

	c := testutil.NewMapCache()
	blocks := testutil.Blocks(10, 100)
	blocks = append(blocks, testutil.Block(99, 37))
	fb, err := block.NewFileBlocks("folder", "file.bin", pushAll(t, c, blocks))
	require.NoError(t, err)

	for _, concurrency := range []int{0, 1, 3, 16} {
		var buf bytes.Buffer
		err := cache.Assemble(context.Background(), &buf, fb, c, cache.WithAssembleConcurrency(concurrency))
		require.NoError(t, err)
		assert.Equal(t, bytes.Join(blocks, nil), buf.Bytes(), "concurrency %d", concurrency)
		assert.Equal(t, fb.Size(), int64(buf.Len()))
	}
}

func TestAssembleRepeatedBlock(t *testing.T) {
	t.Parallel()

	c := testutil.NewMapCache()
	a, b := testutil.Block(1, 8), testutil.Block(2, 8)
	infos := pushAll(t, c, [][]byte{a, b})
	fb, err := block.NewFileBlocks("f", "p", []block.Info{infos[0], infos[1], infos[0]})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, cache.Assemble(context.Background(), &buf, fb, c))
	assert.Equal(t, bytes.Join([][]byte{a, b, a}, nil), buf.Bytes())
}

func TestAssembleMissingBlock(t *testing.T) {
	t.Parallel()

	c := testutil.NewMapCache()
	infos := pushAll(t, c, testutil.Blocks(3, 16))
	infos = append(infos, block.Info{Hash: cache.Key([]byte("never pushed")), Size: 12})
	fb, err := block.NewFileBlocks("f", "p", infos)
	require.NoError(t, err)

	var buf bytes.Buffer
	err = cache.Assemble(context.Background(), &buf, fb, c)
	require.ErrorIs(t, err, cache.ErrMissingBlock)
	require.ErrorIs(t, err, cache.ErrNotFound)
}

func TestAssembleCorruptBlock(t *testing.T) {
	t.Parallel()

	c := testutil.NewMapCache()
	infos := pushAll(t, c, testutil.Blocks(2, 16))
	c.Corrupt(infos[1].Hash, testutil.Block(42, 16))
	fb, err := block.NewFileBlocks("f", "p", infos)
	require.NoError(t, err)

	err = cache.Assemble(context.Background(), &bytes.Buffer{}, fb, c)
	require.ErrorIs(t, err, cache.ErrMissingBlock)
	require.ErrorIs(t, err, cache.ErrHashMismatch)
}

func TestAssembleSizeMismatch(t *testing.T) {
	t.Parallel()

	c := testutil.NewMapCache()
	infos := pushAll(t, c, testutil.Blocks(1, 16))
	infos[0].Size = 15
	fb, err := block.NewFileBlocks("f", "p", infos)
	require.NoError(t, err)

	err = cache.Assemble(context.Background(), &bytes.Buffer{}, fb, c)
	require.ErrorIs(t, err, cache.ErrSizeMismatch)
}

func TestAssembleCanceled(t *testing.T) {
	t.Parallel()

	c := testutil.NewMapCache()
	fb, err := block.NewFileBlocks("f", "p", pushAll(t, c, testutil.Blocks(4, 16)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = cache.Assemble(ctx, &bytes.Buffer{}, fb, c)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c.Pulls())
}

func TestAssembleEmptyFile(t *testing.T) {
	t.Parallel()

	fb, err := block.NewFileBlocks("f", "empty", nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, cache.Assemble(context.Background(), &buf, fb, testutil.NewMapCache()))
	assert.Zero(t, buf.Len())
}

func TestAssembleNilArgs(t *testing.T) {
	t.Parallel()

	fb, err := block.NewFileBlocks("f", "p", nil)
	require.NoError(t, err)
	require.Error(t, cache.Assemble(context.Background(), &bytes.Buffer{}, nil, testutil.NewMapCache()))
	require.Error(t, cache.Assemble(context.Background(), &bytes.Buffer{}, fb, nil))
}
