package audit

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openisr/nexus/internal/chunk"
)

func TestLogChunkWriteRecordsEvent(t *testing.T) {
	logger := NewLogger(10, nil)
	logger.LogChunkWrite("vol0", chunk.ID(42), chunk.CompressZstd, 1, true, nil, 0, nil)

	events := logger.GetEvents()
	require.Len(t, events, 1)
	require.Equal(t, EventTypeChunkWrite, events[0].EventType)
	require.Equal(t, "vol0", events[0].DeviceIdent)
	require.Equal(t, uint64(42), events[0].ChunkID)
	require.True(t, events[0].Success)
}

func TestLogChunkErrorRecordsFaultAndDirection(t *testing.T) {
	logger := NewLogger(10, nil)
	logger.LogChunkError("vol0", chunk.ID(7), chunk.Fault{Kind: chunk.IOErr, IsWrite: true}, true)

	events := logger.GetEvents()
	require.Len(t, events, 1)
	require.Equal(t, EventTypeChunkError, events[0].EventType)
	require.Equal(t, "write_error", events[0].Operation)
	require.Equal(t, "IO(write)", events[0].Error)
	require.False(t, events[0].Success)
}

func TestLogEvictionRecordsState(t *testing.T) {
	logger := NewLogger(10, nil)
	logger.LogEviction("vol0", chunk.ID(3), chunk.Clean)

	events := logger.GetEvents()
	require.Len(t, events, 1)
	require.Equal(t, EventTypeEviction, events[0].EventType)
	require.Equal(t, chunk.Clean.String(), events[0].State)
}

func TestGetEventsTrimsToMaxEvents(t *testing.T) {
	logger := NewLogger(3, nil)
	for i := 0; i < 5; i++ {
		logger.LogEviction("vol0", chunk.ID(i), chunk.Clean)
	}

	events := logger.GetEvents()
	require.Len(t, events, 3)
	require.Equal(t, uint64(2), events[0].ChunkID)
	require.Equal(t, uint64(4), events[2].ChunkID)
}

func TestLogChunkWriteWithErrorSetsErrorString(t *testing.T) {
	logger := NewLogger(10, nil)
	logger.LogChunkWrite("vol0", chunk.ID(1), chunk.CompressNone, 0, false, fmt.Errorf("boom"), 0, nil)

	events := logger.GetEvents()
	require.Len(t, events, 1)
	require.False(t, events[0].Success)
	require.Equal(t, "boom", events[0].Error)
}
