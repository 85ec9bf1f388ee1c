package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/progress"
)

func TestBroadcasterFanOut(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(2, nil)
	first, cancelFirst := b.Subscribe()
	second, cancelSecond := b.Subscribe()
	defer cancelSecond()
	require.Equal(t, 2, b.Subscribers())

	evt := progress.Event{RunID: progress.UUIDToBytes(uuid.New()), TS: time.Now(), Stage: progress.StageCheckStart}
	require.NoError(t, b.Consume(context.Background(), []progress.Event{evt}))

	assert.Equal(t, progress.StageCheckStart, (<-first).Stage)
	assert.Equal(t, progress.StageCheckStart, (<-second).Stage)

	cancelFirst()
	cancelFirst()
	_, open := <-first
	assert.False(t, open)
	assert.Equal(t, 1, b.Subscribers())
}

func TestBroadcasterDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(1, nil)
	ch, cancel := b.Subscribe()
	defer cancel()

	evt := progress.Event{Stage: progress.StageCheckDone}
	require.NoError(t, b.Consume(context.Background(), []progress.Event{evt, evt, evt}))
	assert.Len(t, ch, 1)
}

func TestBroadcasterCloseDisconnects(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(0, nil)
	ch, cancel := b.Subscribe()
	require.NoError(t, b.Close(context.Background()))
	_, open := <-ch
	assert.False(t, open)
	cancel()

	late, _ := b.Subscribe()
	_, open = <-late
	assert.False(t, open)
}
