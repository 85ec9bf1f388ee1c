package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/pagewatch/internal/progress"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

func TestLogSinkWritesStageFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	runID := progress.UUIDToBytes(uuid.New())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: time.Now(), Stage: progress.StageSourceDone, Source: "alice", Current: 1, Total: 2, Items: 1},
		{
			RunID: runID, TS: time.Now(), Stage: progress.StageItemFound, Source: "alice",
			Update: &watch.Update{Item: watch.Item{ExternalID: "9", Title: "clip"}},
		},
		{RunID: runID, TS: time.Now(), Stage: progress.StageCheckError, Note: "boom"},
		{RunID: runID, TS: time.Now(), Stage: progress.StageFetchDone, Site: "example.com"},
	}))

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, "alice", entries[0].ContextMap()["source"])
	require.Equal(t, "1/2", entries[0].ContextMap()["done"])
	require.Equal(t, "9", entries[1].ContextMap()["item_id"])
	require.Equal(t, zap.WarnLevel, entries[2].Level)
	require.Equal(t, "boom", entries[2].ContextMap()["note"])
	require.NoError(t, sink.Close(context.Background()))
}
