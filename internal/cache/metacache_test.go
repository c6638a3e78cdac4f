package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/openisr/nexus/internal/chunk"
)

func newTestMetaCache(t *testing.T) *MetaCache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return NewMetaCache(mr.Addr(), "nexus-test", time.Minute, nil)
}

func TestMetaCacheRememberLookupRoundTrip(t *testing.T) {
	mc := newTestMetaCache(t)
	ctx := context.Background()

	tag := make([]byte, 32)
	key := make([]byte, 32)
	tag[0], key[0] = 0xAA, 0xBB

	mc.Remember(ctx, "dev0", chunk.ID(42), 4096, chunk.CompressZstd, tag, key)

	length, comp, gotTag, gotKey, ok := mc.Lookup(ctx, "dev0", chunk.ID(42))
	require.True(t, ok)
	require.Equal(t, 4096, length)
	require.Equal(t, chunk.CompressZstd, comp)
	require.Equal(t, tag, gotTag)
	require.Equal(t, key, gotKey)
}

func TestMetaCacheLookupMissIsSilentFalse(t *testing.T) {
	mc := newTestMetaCache(t)
	_, _, _, _, ok := mc.Lookup(context.Background(), "dev0", chunk.ID(99))
	require.False(t, ok)
}

func TestMetaCacheForgetRemovesEntry(t *testing.T) {
	mc := newTestMetaCache(t)
	ctx := context.Background()
	mc.Remember(ctx, "dev0", chunk.ID(1), 100, chunk.CompressNone, make([]byte, 32), make([]byte, 32))
	mc.Forget(ctx, "dev0", chunk.ID(1))
	_, _, _, _, ok := mc.Lookup(ctx, "dev0", chunk.ID(1))
	require.False(t, ok)
}
