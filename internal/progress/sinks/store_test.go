package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/progress"
	"github.com/JakeFAU/pagewatch/internal/storage/memory"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

// TestStoreSinkPersistsRun ensures per-source events are collapsed before persisting.
func TestStoreSinkPersistsRun(t *testing.T) {
	t.Parallel()

	repo := memory.NewStore()
	sink := NewStoreSink(repo, nil)
	runUUID := uuid.Must(uuid.NewV7())
	runID := progress.UUIDToBytes(runUUID)
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageCheckStart, TS: now, Total: 3},
		{RunID: runID, Stage: progress.StageSourceDone, TS: now, Current: 1, Total: 3, Items: 1},
		{RunID: runID, Stage: progress.StageItemFound, TS: now, Update: &watch.Update{}},
		{RunID: runID, Stage: progress.StageSourceDone, TS: now, Current: 2, Total: 3, Failed: true},
	}))

	run, err := repo.GetRun(context.Background(), runUUID)
	require.NoError(t, err)
	require.Equal(t, watch.RunRunning, run.Status)
	require.Equal(t, 2, run.SourcesChecked)
	require.Equal(t, 1, run.SourcesFailed)
	require.Equal(t, 1, run.ItemsFound)

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageSourceDone, TS: now, Current: 3, Total: 3},
		{RunID: runID, Stage: progress.StageCheckStopped, TS: now.Add(time.Minute), Note: "stopped"},
	}))

	run, err = repo.GetRun(context.Background(), runUUID)
	require.NoError(t, err)
	require.Equal(t, watch.RunStopped, run.Status)
	require.Equal(t, 3, run.SourcesChecked)
	require.NotNil(t, run.FinishedAt)
	require.NotNil(t, run.Error)
	require.Equal(t, "stopped", *run.Error)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(memory.NewStore(), nil)
	runID := progress.UUIDToBytes(uuid.New())
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageSourceDone, TS: time.Now(), Total: 1},
	})
	require.ErrorIs(t, err, watch.ErrNotFound)

	err = sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageCheckError, TS: time.Now(), Note: "boom"},
	})
	require.ErrorIs(t, err, watch.ErrNotFound)
}

func TestStoreSinkNilRepo(t *testing.T) {
	t.Parallel()
	require.NoError(t, NewStoreSink(nil, nil).Consume(context.Background(), []progress.Event{{}}))
}
