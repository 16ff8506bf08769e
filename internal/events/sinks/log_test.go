package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/readlater-archiver/internal/events"
)

func TestLogSinkWritesOneEntryPerEvent(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))

	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		{Kind: events.KindCreated, ItemID: "1", Owner: "alice", TS: now},
		{Kind: events.KindCaptureFailed, ItemID: "1", Owner: "alice", TS: now, FailureReason: "timeout: page did not load within 45s"},
	}))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "item.created", entries[0].ContextMap()["kind"])
	require.Equal(t, "timeout: page did not load within 45s", entries[1].ContextMap()["failure_reason"])
	require.NoError(t, sink.Close(context.Background()))
}
