package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/clock/fake"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

var epoch = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func TestStoreSourcesAndItems(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := fake.New(epoch)
	store := NewStore(WithClock(clk))

	src, err := store.CreateSource(ctx, watch.Source{URL: "https://example.com/u/1", Name: "one"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), src.ID)
	assert.Equal(t, watch.DefaultUpdateFrequency, src.UpdateFrequency)

	_, err = store.CreateSource(ctx, watch.Source{URL: "https://example.com/u/1"})
	require.ErrorIs(t, err, watch.ErrDuplicate)
	_, err = store.CreateSource(ctx, watch.Source{})
	require.Error(t, err)

	old, err := store.UpsertItem(ctx, watch.Item{SourceID: src.ID, ExternalID: "1", Title: "a", UploadTime: epoch.Add(-48 * time.Hour)})
	require.NoError(t, err)
	fresh, err := store.UpsertItem(ctx, watch.Item{SourceID: src.ID, ExternalID: "2", Title: "b", UploadTime: epoch})
	require.NoError(t, err)

	require.NoError(t, store.MarkWatched(ctx, old.ID, epoch))
	refreshed, err := store.UpsertItem(ctx, watch.Item{SourceID: src.ID, ExternalID: "1", Title: "a2", UploadTime: epoch.Add(-48 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, old.ID, refreshed.ID)
	assert.True(t, refreshed.Watched)
	assert.Equal(t, "a2", refreshed.Title)

	_, err = store.UpsertItem(ctx, watch.Item{SourceID: 99, ExternalID: "x"})
	require.ErrorIs(t, err, watch.ErrNotFound)

	items, err := store.ListItems(ctx, src.ID, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, fresh.ID, items[0].ID)

	recent, err := store.ListRecentItems(ctx, epoch.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "one", recent[0].Source.Name)

	require.NoError(t, store.DeleteSource(ctx, src.ID))
	_, err = store.GetItem(ctx, fresh.ID)
	require.ErrorIs(t, err, watch.ErrNotFound)
	_, err = store.GetSourceByURL(ctx, src.URL)
	require.ErrorIs(t, err, watch.ErrNotFound)
	require.ErrorIs(t, store.DeleteSource(ctx, src.ID), watch.ErrNotFound)
}

func TestStoreUpdateSourceCheck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := fake.New(epoch)
	store := NewStore(WithClock(clk))

	src, err := store.CreateSource(ctx, watch.Source{URL: "https://example.com/u/2"})
	require.NoError(t, err)

	clk.Advance(time.Minute)
	checked := clk.Now()
	src.LastCheckTime = &checked
	src.CheckCount = 2
	src.LastItemID = "42"
	require.NoError(t, store.UpdateSourceCheck(ctx, src))

	got, err := store.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CheckCount)
	assert.Equal(t, "42", got.LastItemID)
	assert.Equal(t, checked, got.UpdatedAt)
	assert.Equal(t, epoch, got.CreatedAt)

	require.ErrorIs(t, store.UpdateSourceCheck(ctx, watch.Source{ID: 7}), watch.ErrNotFound)
}

func TestStoreSettingsAndRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewStore(WithClock(fake.New(epoch)))

	settings, err := store.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, watch.DefaultSettings(), settings)
	settings.AutoCheck = false
	require.NoError(t, store.SaveSettings(ctx, settings))
	settings, err = store.GetSettings(ctx)
	require.NoError(t, err)
	assert.False(t, settings.AutoCheck)

	first := uuid.Must(uuid.NewV7())
	second := uuid.Must(uuid.NewV7())
	require.NoError(t, store.UpsertRunStart(ctx, first, epoch, 1))
	require.NoError(t, store.UpsertRunStart(ctx, second, epoch.Add(time.Hour), 2))
	require.NoError(t, store.AddRunProgress(ctx, second, watch.RunDelta{Checked: 2, Items: 3}))
	require.NoError(t, store.CompleteRun(ctx, second, epoch.Add(2*time.Hour), watch.RunSuccess, nil))
	require.ErrorIs(t, store.AddRunProgress(ctx, uuid.New(), watch.RunDelta{}), watch.ErrNotFound)

	runs, err := store.ListRuns(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].ID)
	assert.Equal(t, watch.RunSuccess, runs[0].Status)
	assert.Equal(t, 3, runs[0].ItemsFound)

	page, err := store.ListRuns(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, first, page[0].ID)

	empty, err := store.ListRuns(ctx, 1, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = store.GetRun(ctx, uuid.New())
	require.ErrorIs(t, err, watch.ErrNotFound)
}

func TestStoreSessionSharesState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewStore()

	sess, err := store.OpenSession(ctx)
	require.NoError(t, err)
	created, err := sess.CreateSource(ctx, watch.Source{URL: "https://example.com/s"})
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	got, err := store.GetSource(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.URL, got.URL)
}
