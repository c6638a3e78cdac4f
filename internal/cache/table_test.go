package cache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openisr/nexus/internal/chunk"
)

func newTestTable(t *testing.T, cachesize int) *Table {
	t.Helper()
	tbl, err := New(cachesize, 4096)
	require.NoError(t, err)
	return tbl
}

func TestReserveCreatesRecordInInvalid(t *testing.T) {
	tbl := newTestTable(t, chunk.MinConcurrentReqs*chunk.MaxChunksPerIO)
	rec, err := tbl.Reserve(7)
	require.NoError(t, err)
	require.Equal(t, chunk.ID(7), rec.CID)
	require.Equal(t, chunk.Invalid, rec.State)
	require.Equal(t, 1, rec.Refs)
}

func TestReserveSameCIDReturnsSameRecord(t *testing.T) {
	tbl := newTestTable(t, chunk.MinConcurrentReqs*chunk.MaxChunksPerIO)
	a, err := tbl.Reserve(3)
	require.NoError(t, err)
	b, err := tbl.Reserve(3)
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, 2, a.Refs)
}

func TestReserveWouldBlockWhenFullAndNoneEvictable(t *testing.T) {
	cachesize := chunk.MinConcurrentReqs * chunk.MaxChunksPerIO
	tbl := newTestTable(t, cachesize)
	for i := 0; i < cachesize; i++ {
		_, err := tbl.Reserve(chunk.ID(i))
		require.NoError(t, err)
	}
	_, err := tbl.Reserve(chunk.ID(cachesize))
	require.ErrorIs(t, err, ErrWouldBlock)
}

func TestEvictsLeastRecentlyCleanChunk(t *testing.T) {
	cachesize := chunk.MinConcurrentReqs * chunk.MaxChunksPerIO
	tbl := newTestTable(t, cachesize)

	recs := make([]*chunk.Record, cachesize)
	for i := 0; i < cachesize; i++ {
		rec, err := tbl.Reserve(chunk.ID(i))
		require.NoError(t, err)
		rec.State = chunk.Clean
		recs[i] = rec
		tbl.Unreserve(rec)
	}

	// chunk 0 is the oldest Clean entry; reserving one more chunk id
	// should evict it.
	_, err := tbl.Reserve(chunk.ID(cachesize))
	require.NoError(t, err)

	_, stillThere := tbl.byCID[chunk.ID(0)]
	require.False(t, stillThere)
}

func TestEvictionHookFiresWithEvictedCIDAndState(t *testing.T) {
	cachesize := chunk.MinConcurrentReqs * chunk.MaxChunksPerIO
	tbl := newTestTable(t, cachesize)

	var gotCID chunk.ID
	var gotState chunk.State
	calls := 0
	tbl.SetEvictionHook(func(cid chunk.ID, state chunk.State) {
		calls++
		gotCID, gotState = cid, state
	})

	for i := 0; i < cachesize; i++ {
		rec, err := tbl.Reserve(chunk.ID(i))
		require.NoError(t, err)
		rec.State = chunk.Clean
		tbl.Unreserve(rec)
	}

	_, err := tbl.Reserve(chunk.ID(cachesize))
	require.NoError(t, err)

	require.Equal(t, 1, calls)
	require.Equal(t, chunk.ID(0), gotCID)
	require.Equal(t, chunk.Clean, gotState)
}

func TestHitMissHooksFireOnReserve(t *testing.T) {
	cachesize := chunk.MinConcurrentReqs * chunk.MaxChunksPerIO
	tbl := newTestTable(t, cachesize)

	var hits, misses int
	tbl.SetHitMissHooks(func() { hits++ }, func() { misses++ })

	rec, err := tbl.Reserve(chunk.ID(1))
	require.NoError(t, err)
	require.Equal(t, 0, hits)
	require.Equal(t, 1, misses)

	_, err = tbl.Reserve(chunk.ID(1))
	require.NoError(t, err)
	require.Equal(t, 1, hits)
	require.Equal(t, 1, misses)

	tbl.Unreserve(rec)
}

func TestPendingMessageBlocksEviction(t *testing.T) {
	cachesize := chunk.MinConcurrentReqs * chunk.MaxChunksPerIO
	tbl := newTestTable(t, cachesize)

	rec0, err := tbl.Reserve(chunk.ID(0))
	require.NoError(t, err)
	rec0.State = chunk.Clean
	rec0.PendingMsg = true
	tbl.Unreserve(rec0)

	for i := 1; i < cachesize; i++ {
		rec, err := tbl.Reserve(chunk.ID(i))
		require.NoError(t, err)
		rec.State = chunk.Clean
		tbl.Unreserve(rec)
	}

	_, err = tbl.Reserve(chunk.ID(cachesize))
	require.NoError(t, err)

	_, stillThere := tbl.byCID[chunk.ID(0)]
	require.True(t, stillThere, "chunk with a pending agent message must not be evicted")
}

func TestUnreserveOnlyFreesAtZeroRefs(t *testing.T) {
	tbl := newTestTable(t, chunk.MinConcurrentReqs*chunk.MaxChunksPerIO)
	rec, err := tbl.Reserve(1)
	require.NoError(t, err)
	_, err = tbl.Reserve(1)
	require.NoError(t, err)
	rec.State = chunk.Clean

	tbl.Unreserve(rec)
	require.Equal(t, 1, rec.Refs)
	_, inLRU := tbl.lruElems[tbl.byCID[chunk.ID(1)]]
	require.False(t, inLRU, "a record with remaining refs must not be LRU-eligible")

	tbl.Unreserve(rec)
	require.Equal(t, 0, rec.Refs)
	_, inLRU = tbl.lruElems[tbl.byCID[chunk.ID(1)]]
	require.True(t, inLRU, "a settled Clean record at zero refs must be LRU-eligible")
}
