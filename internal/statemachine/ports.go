// Package statemachine implements the per-chunk state machine (C3): it
// walks a chunk record through the 16-state graph of spec.md §4.3,
// dispatching to the transform pipeline and the backing store, and
// exchanging metadata with the agent.
package statemachine

import (
	"context"

	"github.com/openisr/nexus/internal/chunk"
)

// BackingStore is the subset of the chunk-store client (internal/
// chunkstore) the state machine drives I/O against: one chunk per call,
// at the fixed offset the device computed at construction.
type BackingStore interface {
	ReadChunk(ctx context.Context, cid chunk.ID, buf []byte) error
	WriteChunk(ctx context.Context, cid chunk.ID, buf []byte, length int) error
}

// Agent is the subset of the agent channel (internal/agent) the state
// machine drives metadata exchange against.
type Agent interface {
	// GetMeta blocks until the matching SET_META or META_HARDERR
	// arrives, or ctx is done. hardErr true means the agent could not
	// furnish metadata (spec.md §4.3: LOAD_META -> ERROR_USER).
	GetMeta(ctx context.Context, cid chunk.ID) (length int, comp chunk.Compression, tag, key []byte, hardErr bool, err error)

	// UpdateMeta enqueues UPDATE_META; it does not wait for a reply
	// (none is defined by the protocol). onDrain, if non-nil, is called
	// once the message has actually left the queue, so the caller can
	// tell a record's PendingMsg flag apart from a merely-accepted
	// enqueue that the agent hasn't read yet.
	UpdateMeta(ctx context.Context, cid chunk.ID, length int, comp chunk.Compression, tag, key []byte, onDrain func()) error

	// ChunkErr enqueues CHUNK_ERR exactly once per terminal failure.
	ChunkErr(ctx context.Context, cid chunk.ID, fault chunk.Fault, expected, found []byte) error
}
