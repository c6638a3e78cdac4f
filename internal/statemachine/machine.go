package statemachine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openisr/nexus/internal/agent"
	"github.com/openisr/nexus/internal/audit"
	"github.com/openisr/nexus/internal/cache"
	"github.com/openisr/nexus/internal/chunk"
	"github.com/openisr/nexus/internal/debug"
	"github.com/openisr/nexus/internal/metrics"
	"github.com/openisr/nexus/internal/transform"
)

// ErrChunkFailed is the sentinel a caller's sub-I/O sees when its chunk
// is or becomes Error (spec.md §7: "Sub-I/O callers see Ok when their
// chunk reaches the satisfying state, else IoError").
var ErrChunkFailed = fmt.Errorf("statemachine: chunk in error state")

// errStepFailed is returned internally by the per-transition step
// functions to tell their caller to hand the record to settleError; it
// never escapes this package.
var errStepFailed = fmt.Errorf("statemachine: step failed")

// Machine drives chunk records through the state graph. One Machine
// serves one device; every record it touches belongs to that device's
// Table.
type Machine struct {
	table       *cache.Table
	pipeline    *transform.Pipeline
	store       BackingStore
	agent       Agent
	defaultComp chunk.Compression
	logger      *logrus.Logger

	deviceIdent string
	audit       audit.Logger
	metrics     *metrics.Metrics

	metaCache *cache.MetaCache
	keys      agent.KeyManager
}

// New constructs a Machine. defaultComp is the compression a fresh
// write prefers before any TooBig fallback.
func New(table *cache.Table, pipeline *transform.Pipeline, store BackingStore, agent Agent, defaultComp chunk.Compression, logger *logrus.Logger) *Machine {
	return &Machine{table: table, pipeline: pipeline, store: store, agent: agent, defaultComp: defaultComp, logger: logger}
}

// SetAudit attaches an audit trail: every CHUNK_ERR settles into a
// LogChunkError event, every completed write-back into a
// LogChunkWrite event, tagged with deviceIdent.
func (m *Machine) SetAudit(deviceIdent string, logger audit.Logger) {
	m.deviceIdent = deviceIdent
	m.audit = logger
}

// SetMetrics attaches chunk-store/transform/state-transition
// instrumentation, tagged with deviceIdent.
func (m *Machine) SetMetrics(deviceIdent string, mx *metrics.Metrics) {
	m.deviceIdent = deviceIdent
	m.metrics = mx
}

// SetMetaCache attaches the warm-restart metadata mirror. keys wraps
// the convergent key before it crosses into Redis and unwraps it on a
// hit, so the mirror never holds a bare key at rest; both mc and keys
// must be non-nil for the mirror to activate, otherwise loadMeta/
// storeMeta behave exactly as if neither were set.
func (m *Machine) SetMetaCache(mc *cache.MetaCache, keys agent.KeyManager) {
	m.metaCache = mc
	m.keys = keys
}

// trace logs a verbose per-chunk diagnostic when the debug package's
// independent flag is enabled, irrespective of the logger's own level.
func (m *Machine) trace(rec *chunk.Record, msg string) {
	if !debug.Enabled() || m.logger == nil {
		return
	}
	m.logger.WithFields(logrus.Fields{"cid": uint64(rec.CID), "state": rec.State.String()}).Debug(msg)
}

// mirrorMeta wraps key with m.keys and writes it into m.metaCache under
// cid, best-effort: any failure is silently ignored since the mirror is
// strictly an optimization (spec.md §4.2) and never allowed to affect
// the authoritative write-back path.
func (m *Machine) mirrorMeta(ctx context.Context, cid chunk.ID, length int, comp chunk.Compression, tag, key []byte) {
	if m.metaCache == nil || m.keys == nil {
		return
	}
	envelope, err := m.keys.WrapKey(ctx, key)
	if err != nil {
		return
	}
	envBytes, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	m.metaCache.Remember(ctx, m.deviceIdent, cid, length, comp, tag, envBytes)
}

// lookupMirroredMeta consults m.metaCache for cid, unwrapping the
// mirrored key with m.keys. ok is false on any miss, corrupt entry, or
// unwrap failure, in which case the caller must fall back to GET_META.
func (m *Machine) lookupMirroredMeta(ctx context.Context, cid chunk.ID) (length int, comp chunk.Compression, tag, key []byte, ok bool) {
	if m.metaCache == nil || m.keys == nil {
		return 0, 0, nil, nil, false
	}
	length, comp, tag, envBytes, hit := m.metaCache.Lookup(ctx, m.deviceIdent, cid)
	if !hit {
		return 0, 0, nil, nil, false
	}
	var envelope agent.KeyEnvelope
	if err := json.Unmarshal(envBytes, &envelope); err != nil {
		return 0, 0, nil, nil, false
	}
	key, err := m.keys.UnwrapKey(ctx, &envelope)
	if err != nil {
		return 0, 0, nil, nil, false
	}
	return length, comp, tag, key, true
}

// Load drives rec from whatever state it is in to Clean (the read-
// satisfying state), or to Error. It is idempotent and safe to call
// concurrently from multiple waiters on the same record: only one
// caller performs each transition, the rest park on rec.Wait().
func (m *Machine) Load(ctx context.Context, rec *chunk.Record) error {
	for {
		rec.Lock()
		switch rec.State {
		case chunk.Clean:
			rec.Unlock()
			return nil
		case chunk.Error:
			rec.Unlock()
			return ErrChunkFailed
		case chunk.Invalid:
			rec.State = chunk.LoadMeta
			rec.Broadcast()
			rec.Unlock()
			if err := m.loadMeta(ctx, rec); err != nil {
				return m.settleError(ctx, rec)
			}
		case chunk.Meta:
			rec.State = chunk.LoadData
			rec.Broadcast()
			rec.Unlock()
			if err := m.loadData(ctx, rec); err != nil {
				return m.settleError(ctx, rec)
			}
		case chunk.Encrypted:
			rec.State = chunk.Decrypting
			rec.Broadcast()
			rec.Unlock()
			if err := m.decrypt(ctx, rec); err != nil {
				return m.settleError(ctx, rec)
			}
		case chunk.Dirty, chunk.DirtyEncrypted, chunk.DirtyMeta, chunk.StoreMeta:
			// Dirty data is already the correct plaintext in rec.Buffer;
			// a reader may consume it directly without waiting for the
			// write-back to reach Clean.
			rec.Unlock()
			return nil
		case chunk.ErrorUser, chunk.ErrorPending:
			rec.Unlock()
			return m.settleError(ctx, rec)
		default:
			// A transient state another goroutine owns: park until it
			// changes (spec.md §4.3 "Concurrency on each record").
			rec.Wait()
			rec.Unlock()
		}
	}
}

// loadMeta sends GET_META and blocks for the reply, then records the
// result. Exactly one goroutine calls this per Invalid->LoadMeta
// transition since the caller already claimed it by setting the state.
func (m *Machine) loadMeta(ctx context.Context, rec *chunk.Record) error {
	m.trace(rec, "loadMeta: GET_META")
	if length, comp, tag, key, ok := m.lookupMirroredMeta(ctx, rec.CID); ok {
		rec.Lock()
		rec.Length, rec.Comp, rec.Tag, rec.Key = length, comp, tag, key
		rec.State = chunk.Meta
		rec.Broadcast()
		rec.Unlock()
		return nil
	}

	length, comp, tag, key, hardErr, err := m.agent.GetMeta(ctx, rec.CID)
	if err != nil || hardErr {
		rec.Lock()
		defer rec.Unlock()
		rec.Fault = chunk.Fault{Kind: chunk.IOErr, IsWrite: false}
		rec.State = chunk.ErrorUser
		rec.Broadcast()
		return errStepFailed
	}
	m.mirrorMeta(ctx, rec.CID, length, comp, tag, key)

	rec.Lock()
	defer rec.Unlock()
	rec.Length = length
	rec.Comp = comp
	rec.Tag = tag
	rec.Key = key
	rec.State = chunk.Meta
	rec.Broadcast()
	return nil
}

func (m *Machine) loadData(ctx context.Context, rec *chunk.Record) error {
	cid, buf := rec.CID, rec.Buffer
	start := time.Now()
	err := m.store.ReadChunk(ctx, cid, buf)
	elapsed := time.Since(start)
	if m.metrics != nil {
		m.metrics.RecordChunkStoreOperation(ctx, "ReadChunk", m.deviceIdent, elapsed)
		m.metrics.RecordStateTransition(chunk.LoadData.String(), elapsed)
	}
	rec.Lock()
	defer rec.Unlock()
	if err != nil {
		if m.metrics != nil {
			m.metrics.RecordChunkStoreError(ctx, "ReadChunk", m.deviceIdent, "io_error")
		}
		rec.Fault = chunk.Fault{Kind: chunk.IOErr, IsWrite: false}
		rec.State = chunk.ErrorUser
		rec.Broadcast()
		return errStepFailed
	}
	rec.State = chunk.Encrypted
	rec.Broadcast()
	return nil
}

func (m *Machine) decrypt(ctx context.Context, rec *chunk.Record) error {
	plain := m.pipeline.Pool().GetChunk()
	defer m.pipeline.Pool().PutChunk(plain)

	start := time.Now()
	fault, err := m.pipeline.DecodeRead(plain, rec.Buffer, rec.Length, rec.Comp, rec.Key, rec.Tag)
	elapsed := time.Since(start)
	if m.metrics != nil {
		m.metrics.RecordTransformOperation(ctx, "DecodeRead", elapsed, int64(rec.Length))
		m.metrics.RecordStateTransition(chunk.Decrypting.String(), elapsed)
	}
	rec.Lock()
	defer rec.Unlock()
	if err != nil {
		kind := chunk.IOErr
		if fault != nil {
			kind = fault.Kind
		}
		if m.metrics != nil {
			m.metrics.RecordTransformError(ctx, "DecodeRead", kind.String())
		}
		rec.Fault = chunk.Fault{Kind: kind, IsWrite: false}
		rec.State = chunk.ErrorUser
		rec.Broadcast()
		return errStepFailed
	}
	copy(rec.Buffer, plain)
	rec.State = chunk.Clean
	rec.Broadcast()
	m.table.MarkClean(rec)
	return nil
}

// settleError drives ErrorUser -> ErrorPending -> Error, emitting
// CHUNK_ERR exactly once (spec.md §4.3 "Failure semantics"). It always
// returns ErrChunkFailed once the record is settled in Error.
func (m *Machine) settleError(ctx context.Context, rec *chunk.Record) error {
	rec.Lock()
	switch rec.State {
	case chunk.Error:
		rec.Unlock()
		return ErrChunkFailed
	case chunk.ErrorPending:
		rec.Wait()
		rec.Unlock()
		return m.settleError(ctx, rec)
	case chunk.ErrorUser:
		// fall through below
	default:
		// Nothing to settle; the caller raced a concurrent recovery.
		rec.Unlock()
		return nil
	}
	fault := rec.Fault
	expected := rec.Key
	found := rec.Tag
	rec.State = chunk.ErrorPending
	rec.Broadcast()
	rec.Unlock()

	_ = m.agent.ChunkErr(ctx, rec.CID, fault, expected, found)
	if m.audit != nil {
		m.audit.LogChunkError(m.deviceIdent, rec.CID, fault, fault.IsWrite)
	}
	if m.metaCache != nil {
		// A settled error means the agent's own record of this chunk's
		// metadata is now suspect too; don't let a restart trust a
		// mirrored entry for a chunk the agent was just told is broken.
		m.metaCache.Forget(ctx, m.deviceIdent, rec.CID)
	}

	rec.Lock()
	rec.State = chunk.Error
	rec.Broadcast()
	rec.Unlock()
	return ErrChunkFailed
}

// BeginWrite prepares rec to accept a caller's plaintext. For a
// full-chunk overwrite it drives only as far as Meta (the read/decrypt
// path is skipped, per spec.md §4.3's tie-break, and per SPEC_FULL's
// Open Question resolution the META transit is never skipped even for
// full overwrites); a metadata fetch failure or a prior Error is
// recovered immediately since the overwrite is about to supply fresh
// metadata anyway. For a partial write it drives all the way to Clean
// so the unaffected bytes are present for the caller's partial copy.
func (m *Machine) BeginWrite(ctx context.Context, rec *chunk.Record, fullOverwrite bool) error {
	if !fullOverwrite {
		return m.Load(ctx, rec)
	}
	for {
		rec.Lock()
		switch rec.State {
		case chunk.Meta, chunk.Clean, chunk.Dirty, chunk.DirtyEncrypted, chunk.DirtyMeta, chunk.StoreMeta:
			rec.Unlock()
			return nil
		case chunk.Error:
			rec.Fault = chunk.Fault{}
			rec.Tag, rec.Key = nil, nil
			rec.State = chunk.Meta
			rec.Broadcast()
			rec.Unlock()
			return nil
		case chunk.ErrorUser, chunk.ErrorPending:
			// Let any in-flight CHUNK_ERR report finish before the
			// overwrite clears the error, so the agent still sees
			// exactly one report per terminal failure.
			rec.Unlock()
			_ = m.settleError(ctx, rec)
		case chunk.Invalid:
			rec.State = chunk.LoadMeta
			rec.Broadcast()
			rec.Unlock()
			if err := m.loadMeta(ctx, rec); err != nil {
				// Recover locally: the overwrite supplies metadata, so
				// a failed GET_META is not a terminal failure here.
				rec.Lock()
				rec.Fault = chunk.Fault{}
				rec.Tag, rec.Key = nil, nil
				rec.State = chunk.Meta
				rec.Broadcast()
				rec.Unlock()
				return nil
			}
		default:
			rec.Wait()
			rec.Unlock()
		}
	}
}

// CommitWrite transitions rec to Dirty once the caller has copied its
// plaintext into rec.Buffer, then asynchronously drives the write-back
// to Clean without blocking the caller. The sub-I/O is satisfied the
// moment Dirty is reached (spec.md §4.4: "writer: DIRTY with the
// caller's plaintext copied in").
func (m *Machine) CommitWrite(ctx context.Context, rec *chunk.Record) {
	rec.Lock()
	rec.State = chunk.Dirty
	rec.Broadcast()
	rec.Unlock()

	go func() {
		bg := context.WithoutCancel(ctx)
		if err := m.FlushDirty(bg, rec); err != nil && m.logger != nil {
			m.logger.WithFields(logrus.Fields{"cid": uint64(rec.CID), "error": err}).Warn("flush dirty chunk failed")
		}
	}()
}

// FlushDirty drives Dirty -> Encrypting -> DirtyEncrypted -> StoreData
// -> DirtyMeta -> StoreMeta -> Clean. Safe to call redundantly (e.g.
// from the periodic sweep): a record not in Dirty or one of its
// write-back successors returns immediately.
func (m *Machine) FlushDirty(ctx context.Context, rec *chunk.Record) error {
	for {
		rec.Lock()
		switch rec.State {
		case chunk.Clean, chunk.Error, chunk.Invalid, chunk.LoadMeta, chunk.Meta, chunk.LoadData, chunk.Encrypted, chunk.Decrypting:
			rec.Unlock()
			return nil
		case chunk.Dirty:
			rec.State = chunk.Encrypting
			rec.Broadcast()
			rec.Unlock()
			if err := m.encrypt(ctx, rec); err != nil {
				return m.settleError(ctx, rec)
			}
		case chunk.DirtyEncrypted:
			rec.State = chunk.StoreData
			rec.Broadcast()
			rec.Unlock()
			if err := m.storeData(ctx, rec); err != nil {
				return m.settleError(ctx, rec)
			}
		case chunk.DirtyMeta:
			rec.State = chunk.StoreMeta
			rec.Broadcast()
			rec.Unlock()
			if err := m.storeMeta(ctx, rec); err != nil {
				return m.settleError(ctx, rec)
			}
		case chunk.ErrorUser, chunk.ErrorPending:
			rec.Unlock()
			return m.settleError(ctx, rec)
		default:
			rec.Wait()
			rec.Unlock()
		}
	}
}

func (m *Machine) encrypt(ctx context.Context, rec *chunk.Record) error {
	cipherOut := m.pipeline.Pool().GetChunk()
	defer m.pipeline.Pool().PutChunk(cipherOut)

	start := time.Now()
	res, err := m.pipeline.EncodeWrite(cipherOut, rec.Buffer, m.defaultComp)
	elapsed := time.Since(start)
	if m.metrics != nil {
		m.metrics.RecordTransformOperation(ctx, "EncodeWrite", elapsed, int64(len(rec.Buffer)))
		m.metrics.RecordStateTransition(chunk.Encrypting.String(), elapsed)
	}
	rec.Lock()
	defer rec.Unlock()
	if err != nil {
		if m.metrics != nil {
			m.metrics.RecordTransformError(ctx, "EncodeWrite", chunk.CryptErr.String())
		}
		rec.Fault = chunk.Fault{Kind: chunk.CryptErr, IsWrite: true}
		rec.State = chunk.ErrorUser
		rec.Broadcast()
		return errStepFailed
	}
	// The caller's plaintext must remain the readable content of
	// rec.Buffer (Load serves Dirty-family states directly from it);
	// the ciphertext lives only in the backing-store payload computed
	// here, held in a side buffer until StoreData.
	rec.CipherStaged = append(rec.CipherStaged[:0], cipherOut[:res.Length]...)
	rec.Comp = res.Compression
	rec.Length = res.Length
	rec.Tag = res.Tag
	rec.Key = res.Key
	rec.State = chunk.DirtyEncrypted
	rec.Broadcast()
	return nil
}

func (m *Machine) storeData(ctx context.Context, rec *chunk.Record) error {
	rec.Lock()
	cid, length := rec.CID, rec.Length
	payload := make([]byte, len(rec.CipherStaged))
	copy(payload, rec.CipherStaged)
	rec.Unlock()

	start := time.Now()
	err := m.store.WriteChunk(ctx, cid, payload, length)
	elapsed := time.Since(start)
	if m.metrics != nil {
		m.metrics.RecordChunkStoreOperation(ctx, "WriteChunk", m.deviceIdent, elapsed)
		m.metrics.RecordStateTransition(chunk.StoreData.String(), elapsed)
	}
	rec.Lock()
	defer rec.Unlock()
	if err != nil {
		if m.metrics != nil {
			m.metrics.RecordChunkStoreError(ctx, "WriteChunk", m.deviceIdent, "io_error")
		}
		rec.Fault = chunk.Fault{Kind: chunk.IOErr, IsWrite: true}
		rec.State = chunk.ErrorUser
		rec.Broadcast()
		return errStepFailed
	}
	rec.State = chunk.DirtyMeta
	rec.Broadcast()
	return nil
}

func (m *Machine) storeMeta(ctx context.Context, rec *chunk.Record) error {
	rec.Lock()
	cid, length, comp, tag, key := rec.CID, rec.Length, rec.Comp, rec.Tag, rec.Key
	rec.PendingMsg = true
	rec.Unlock()
	m.trace(rec, "storeMeta: UPDATE_META enqueued")

	onDrain := func() {
		rec.Lock()
		rec.PendingMsg = false
		rec.Broadcast()
		rec.Unlock()
	}

	start := time.Now()
	err := m.agent.UpdateMeta(ctx, cid, length, comp, tag, key, onDrain)
	if m.metrics != nil {
		m.metrics.RecordStateTransition(chunk.StoreMeta.String(), time.Since(start))
	}
	if err != nil {
		rec.Lock()
		defer rec.Unlock()
		rec.PendingMsg = false
		rec.Fault = chunk.Fault{Kind: chunk.IOErr, IsWrite: true}
		rec.State = chunk.ErrorUser
		rec.Broadcast()
		return errStepFailed
	}

	m.mirrorMeta(ctx, cid, length, comp, tag, key)

	rec.Lock()
	rec.State = chunk.Clean
	rec.Broadcast()
	rec.Unlock()
	// Reaching Clean does not by itself make the record evictable: as
	// long as PendingMsg is still set, Evictable() holds it back until
	// onDrain fires (spec.md §4.2 "do not evict a chunk with a pending
	// agent message"). MarkClean still runs unconditionally so the
	// record takes its place in LRU order once it does become eligible.
	m.table.MarkClean(rec)
	if m.audit != nil {
		m.audit.LogChunkWrite(m.deviceIdent, cid, comp, 0, true, nil, 0, nil)
	}
	return nil
}
