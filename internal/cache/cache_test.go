package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/clock/fake"
	"github.com/JakeFAU/pagewatch/internal/storage/local"
)

func newTestCache(t *testing.T, memItems int) (*Cache, *local.BlobStore, *fake.Clock) {
	t.Helper()
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	clk := fake.New(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	c, err := New(store, Config{TTL: 300 * time.Second, MemoryItems: memItems, Clock: clk})
	require.NoError(t, err)
	return c, store, clk
}

func TestRoundTripWithMeta(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _, _ := newTestCache(t, 50)

	meta := Meta{ETag: `"abc"`, LastModified: "Wed, 01 May 2024 00:00:00 GMT"}
	require.NoError(t, c.Set(ctx, "https://example.com/a", "<html>a</html>", meta))

	html, gotMeta, ok := c.GetWithMeta(ctx, "https://example.com/a")
	require.True(t, ok)
	assert.Equal(t, "<html>a</html>", html)
	assert.Equal(t, meta, gotMeta)

	_, ok = c.Get(ctx, "https://example.com/missing")
	assert.False(t, ok)
}

func TestEmptyContentIgnored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _, _ := newTestCache(t, 50)

	require.NoError(t, c.Set(ctx, "https://example.com/empty", "", Meta{}))
	_, ok := c.Get(ctx, "https://example.com/empty")
	assert.False(t, ok)
}

func TestTTLExpiryRemovesDiskEntry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, store, clk := newTestCache(t, 50)

	require.NoError(t, c.Set(ctx, "https://example.com/a", "<html>a</html>", Meta{}))
	clk.Advance(299 * time.Second)
	_, ok := c.Get(ctx, "https://example.com/a")
	require.True(t, ok, "entry is fresh just before the ttl")

	clk.Advance(2 * time.Second)
	_, ok = c.Get(ctx, "https://example.com/a")
	assert.False(t, ok)

	_, err := store.Get(ctx, Key("https://example.com/a")+".json")
	assert.ErrorIs(t, err, local.ErrNotExist, "expired disk entry is purged on read")
}

func TestDiskHitPromotedToMemory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _, _ := newTestCache(t, 1)

	require.NoError(t, c.Set(ctx, "https://example.com/a", "a", Meta{}))
	require.NoError(t, c.Set(ctx, "https://example.com/b", "b", Meta{}))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MemoryCount)
	assert.Equal(t, 2, stats.DiskCount)

	html, ok := c.Get(ctx, "https://example.com/a")
	require.True(t, ok)
	assert.Equal(t, "a", html)
	assert.True(t, c.mem.Contains(Key("https://example.com/a")))
}

func TestCorruptedEntryTreatedAsMiss(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, store, _ := newTestCache(t, 50)

	key := Key("https://example.com/bad") + ".json"
	require.NoError(t, store.Put(ctx, key, []byte("{not json")))

	_, ok := c.Get(ctx, "https://example.com/bad")
	assert.False(t, ok)
	_, err := store.Get(ctx, key)
	assert.ErrorIs(t, err, local.ErrNotExist)
}

func TestInvalidateAndClear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _, clk := newTestCache(t, 50)

	require.NoError(t, c.Set(ctx, "https://example.com/a", "a", Meta{}))
	require.NoError(t, c.Invalidate(ctx, "https://example.com/a"))
	_, ok := c.Get(ctx, "https://example.com/a")
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "https://example.com/old", "old", Meta{}))
	clk.Advance(400 * time.Second)
	require.NoError(t, c.Set(ctx, "https://example.com/new", "new", Meta{}))

	removed, err := c.ClearExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DiskCount)
	assert.Equal(t, 1, stats.MemoryCount)

	require.NoError(t, c.ClearAll(ctx))
	stats, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.DiskCount)
	assert.Zero(t, stats.MemoryCount)
	assert.Equal(t, 300*time.Second, stats.TTL)
}
