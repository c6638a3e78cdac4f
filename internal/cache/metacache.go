package cache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/openisr/nexus/internal/chunk"
)

// MetaCache mirrors chunk metadata into Redis as a warm-restart hint: a
// restarted engine can skip a GET_META round-trip for a chunk id whose
// metadata it already mirrored. A miss always falls back to an ordinary
// GET_META; Redis is strictly an optimization and never a correctness
// dependency, so nothing here touches the invariants of spec.md §3 —
// the in-process Table remains the sole source of truth.
type MetaCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	logger *logrus.Logger
}

// metaEntry is the JSON shape mirrored into Redis. Key holds whatever
// the caller passed Remember — in production this is a JSON-marshaled,
// KeyManager-wrapped envelope, never the bare convergent key, but
// MetaCache itself is agnostic to that and treats Key as opaque bytes.
type metaEntry struct {
	Length      int    `json:"length"`
	Compression uint8  `json:"compression"`
	Tag         string `json:"tag"` // base64
	Key         string `json:"key"` // base64
}

// NewMetaCache connects to addr. A nil *MetaCache (construction error)
// is never returned; callers that don't want the optimization should
// simply not construct one.
func NewMetaCache(addr, prefix string, ttl time.Duration, logger *logrus.Logger) *MetaCache {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &MetaCache{rdb: rdb, prefix: prefix, ttl: ttl, logger: logger}
}

func (m *MetaCache) key(devID string, cid chunk.ID) string {
	return fmt.Sprintf("%s:%s:%d", m.prefix, devID, uint64(cid))
}

// Remember mirrors a chunk's authoritative metadata, called whenever
// the state machine records a SET_META or UPDATE_META. key is stored
// verbatim as opaque bytes: the caller (statemachine.Machine) is
// responsible for passing a KeyManager-wrapped envelope rather than the
// bare convergent key, so a mirrored entry is never plaintext at rest.
func (m *MetaCache) Remember(ctx context.Context, devID string, cid chunk.ID, length int, comp chunk.Compression, tag, key []byte) {
	entry := metaEntry{
		Length:      length,
		Compression: uint8(comp),
		Tag:         base64.StdEncoding.EncodeToString(tag),
		Key:         base64.StdEncoding.EncodeToString(key),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := m.rdb.Set(ctx, m.key(devID, cid), data, m.ttl).Err(); err != nil && m.logger != nil {
		m.logger.WithFields(logrus.Fields{"cid": uint64(cid), "error": err}).Debug("metacache: mirror failed, ignoring")
	}
}

// Lookup returns previously-mirrored metadata for cid, or ok=false on
// any miss or error — callers must treat both identically and fall
// back to GET_META. key is returned exactly as Remember stored it
// (the caller unwraps it with the same KeyManager before trusting it).
func (m *MetaCache) Lookup(ctx context.Context, devID string, cid chunk.ID) (length int, comp chunk.Compression, tag, key []byte, ok bool) {
	data, err := m.rdb.Get(ctx, m.key(devID, cid)).Bytes()
	if err != nil {
		return 0, 0, nil, nil, false
	}
	var entry metaEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return 0, 0, nil, nil, false
	}
	tagBytes, err1 := base64.StdEncoding.DecodeString(entry.Tag)
	keyBytes, err2 := base64.StdEncoding.DecodeString(entry.Key)
	if err1 != nil || err2 != nil {
		return 0, 0, nil, nil, false
	}
	return entry.Length, chunk.Compression(entry.Compression), tagBytes, keyBytes, true
}

// Forget drops a mirrored entry, called when a chunk transitions to
// Error or is evicted so a future restart doesn't trust stale metadata.
func (m *MetaCache) Forget(ctx context.Context, devID string, cid chunk.ID) {
	m.rdb.Del(ctx, m.key(devID, cid))
}

// Close releases the underlying Redis connection pool.
func (m *MetaCache) Close() error {
	return m.rdb.Close()
}
