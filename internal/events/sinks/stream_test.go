package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/readlater-archiver/internal/events"
)

func TestStreamSinkRoutesByOwner(t *testing.T) {
	t.Parallel()

	b := NewStreamSink()
	alice, cancelAlice := b.Subscribe("alice", 4)
	defer cancelAlice()
	bob, cancelBob := b.Subscribe("bob", 4)
	defer cancelBob()

	now := time.Now()
	require.NoError(t, b.Consume(context.Background(), []events.Event{
		{Kind: events.KindCreated, ItemID: "1", Owner: "alice", TS: now},
		{Kind: events.KindCreated, ItemID: "2", Owner: "bob", TS: now},
		{Kind: events.KindUpdated, ItemID: "1", Owner: "alice", TS: now},
	}))

	require.Len(t, alice, 2)
	require.Len(t, bob, 1)
	assert.Equal(t, "1", (<-alice).ItemID)
	assert.Equal(t, "2", (<-bob).ItemID)
}

func TestStreamSinkDropsForSlowSubscribers(t *testing.T) {
	t.Parallel()

	b := NewStreamSink()
	ch, cancel := b.Subscribe("alice", 1)
	defer cancel()

	now := time.Now()
	require.NoError(t, b.Consume(context.Background(), []events.Event{
		{Kind: events.KindCreated, ItemID: "1", Owner: "alice", TS: now},
		{Kind: events.KindUpdated, ItemID: "1", Owner: "alice", TS: now},
	}))
	require.Len(t, ch, 1)
	assert.Equal(t, int64(1), b.Dropped())
}

func TestStreamSinkCancelAndClose(t *testing.T) {
	t.Parallel()

	b := NewStreamSink()
	ch, cancel := b.Subscribe("alice", 1)
	require.Equal(t, 1, b.Subscribers())
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.Subscribers())

	other, _ := b.Subscribe("alice", 1)
	require.NoError(t, b.Close(context.Background()))
	_, ok = <-other
	assert.False(t, ok)

	late, lateCancel := b.Subscribe("alice", 1)
	lateCancel()
	_, ok = <-late
	assert.False(t, ok)
}
