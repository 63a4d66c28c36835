package cache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/blockcache/cache"
	"github.com/meigma/blockcache/cache/memory"
	"github.com/meigma/blockcache/internal/testutil"
)

func newTiered(t *testing.T) (*cache.Tiered, *memory.Cache, *testutil.MapCache) {
	t.Helper()
	primary, err := memory.New()
	require.NoError(t, err)
	secondary := testutil.NewMapCache()
	return cache.NewTiered(primary, secondary), primary, secondary
}

func TestTieredPushWritesBothTiers(t *testing.T) {
	t.Parallel()

	tc, primary, secondary := newTiered(t)
	data := []byte("both tiers")
	key, err := tc.PushBlock(data)
	require.NoError(t, err)
	assert.Equal(t, cache.Key(data), key)

	got, err := primary.PullBlock(key)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	got, err = secondary.PullBlock(key)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestTieredPromotesSecondaryHit(t *testing.T) {
	t.Parallel()

	tc, primary, secondary := newTiered(t)
	data := []byte("only in secondary")
	key, err := secondary.PushBlock(data)
	require.NoError(t, err)

	got, err := tc.PullBlock(key)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int64(1), secondary.Pulls())

	got, err = primary.PullBlock(key)
	require.NoError(t, err, "secondary hit should be copied into the primary")
	assert.Equal(t, data, got)

	_, err = tc.PullBlock(key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), secondary.Pulls(), "second read should be served by the primary")
}

func TestTieredMiss(t *testing.T) {
	t.Parallel()

	tc, _, _ := newTiered(t)
	_, err := tc.PullBlock(cache.Key([]byte("absent")))
	require.ErrorIs(t, err, cache.ErrNotFound)
	_, err = tc.PullData(cache.Key([]byte("absent")))
	require.ErrorIs(t, err, cache.ErrNotFound)
}

func TestTieredCorruptPrimaryFallsBack(t *testing.T) {
	t.Parallel()

	tc, primary, secondary := newTiered(t)
	data := []byte("good copy")
	key := cache.Key(data)
	require.NoError(t, primary.PushData(key, []byte("bad copy")))
	require.NoError(t, secondary.PushData(key, data))

	got, err := tc.PullBlock(key)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestTieredClear(t *testing.T) {
	t.Parallel()

	tc, primary, secondary := newTiered(t)
	key, err := tc.PushBlock([]byte("clear me"))
	require.NoError(t, err)
	require.NoError(t, tc.Clear())

	_, err = primary.PullData(key)
	require.ErrorIs(t, err, cache.ErrNotFound)
	_, err = secondary.PullData(key)
	require.ErrorIs(t, err, cache.ErrNotFound)
}
