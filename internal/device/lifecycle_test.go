package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openisr/nexus/internal/agent"
	"github.com/openisr/nexus/internal/chunk"
)

// serviceOneGetMeta answers the first GET_META issued on dev's channel
// with META_HARDERR, the reply that sends BeginWrite's recovery path to
// Meta without needing a real agent.
func serviceOneGetMeta(dev *Device) {
	buf := make([]byte, agent.WireSize)
	n, err := dev.Channel().Read(context.Background(), buf)
	if err != nil || n != agent.WireSize {
		return
	}
	msg, err := agent.Decode(buf)
	if err != nil || msg.Type != agent.GetMeta {
		return
	}
	_, _ = dev.Channel().Write(agent.Encode(agent.Message{CID: msg.CID, Type: agent.MetaHardErr}))
}

type memStore struct {
	mu   sync.Mutex
	data map[chunk.ID][]byte
}

func newMemStore() *memStore { return &memStore{data: map[chunk.ID][]byte{}} }

func (s *memStore) ReadChunk(_ context.Context, cid chunk.ID, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(buf, s.data[cid])
	return nil
}

func (s *memStore) WriteChunk(_ context.Context, cid chunk.ID, buf []byte, length int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, length)
	copy(cp, buf[:length])
	s.data[cid] = cp
	return nil
}

func testConfig() Config {
	return Config{
		Ident:              "test0",
		ChunkDevicePath:    "/dev/null",
		Chunksize:          4096,
		Cachesize:          chunk.MinConcurrentReqs * chunk.MaxChunksPerIO,
		Chunks:             1024,
		DefaultCompression: chunk.CompressFlate,
		SupportedCompMask:  1<<chunk.CompressNone | 1<<chunk.CompressFlate,
	}
}

func TestConstructRejectsNonPowerOfTwoChunksize(t *testing.T) {
	cfg := testConfig()
	cfg.Chunksize = 5000
	_, err := Construct(cfg, newMemStore(), nil, 0)
	require.Error(t, err)
}

func TestConstructRejectsUndersizedCache(t *testing.T) {
	cfg := testConfig()
	cfg.Cachesize = 1
	_, err := Construct(cfg, newMemStore(), nil, 0)
	require.Error(t, err)
}

func TestConstructRejectsUnsupportedDefaultCompression(t *testing.T) {
	cfg := testConfig()
	cfg.SupportedCompMask = 1 << chunk.CompressNone
	cfg.DefaultCompression = chunk.CompressFlate
	_, err := Construct(cfg, newMemStore(), nil, 0)
	require.Error(t, err)
}

func TestConstructEnforcesPerDeviceMemoryCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.SystemMemoryBytes = 1000
	_, err := Construct(cfg, newMemStore(), nil, 0)
	require.Error(t, err)
}

func TestShutdownWaitsForActiveUsers(t *testing.T) {
	dev, err := Construct(testConfig(), newMemStore(), nil, 0)
	require.NoError(t, err)
	require.True(t, dev.BeginUse())

	dev.StartShutdown(context.Background())
	select {
	case <-dev.drainDone:
		t.Fatal("shutdown completed before active user ended")
	case <-time.After(50 * time.Millisecond):
	}

	dev.EndUse()
	select {
	case <-dev.drainDone:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not complete after last user ended")
	}
	require.False(t, dev.BeginUse())
}

func TestShutdownFlushesDirtyChunks(t *testing.T) {
	store := newMemStore()
	dev, err := Construct(testConfig(), store, nil, 0)
	require.NoError(t, err)

	// Service the one GET_META the full overwrite's metadata transit
	// issues before BeginWrite can reach Meta.
	go serviceOneGetMeta(dev)

	rec, err := dev.table.Reserve(0)
	require.NoError(t, err)
	require.NoError(t, dev.machine.BeginWrite(context.Background(), rec, true))
	rec.Lock()
	for i := range rec.Buffer {
		rec.Buffer[i] = 0x9
	}
	rec.State = chunk.Dirty
	rec.Unlock()
	dev.table.Unreserve(rec)

	dev.StartShutdown(context.Background())
	select {
	case <-dev.drainDone:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not complete")
	}
	require.True(t, dev.Channel().Closed())
	require.Contains(t, store.data, chunk.ID(0), "shutdown must write the dirty chunk to the backing store")
}
