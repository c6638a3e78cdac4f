// Package cache implements the chunk table (C2): a bounded, LRU-evicting
// associative cache from chunk id to chunk record, with the reserve/
// unreserve contract spec.md §4.2 defines.
package cache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/openisr/nexus/internal/chunk"
)

// ErrWouldBlock is returned by Reserve when no slot is free and no
// Clean chunk qualifies for eviction; the caller must stop its
// submission queue and wait on Waitqueue.
var ErrWouldBlock = fmt.Errorf("cache: would block")

// Table is the bounded cid -> record map described by spec.md §4.2.
type Table struct {
	chunksize int

	mu       sync.Mutex
	byCID    map[chunk.ID]*slot
	free     []*slot // unoccupied slots
	lru      *list.List // of *slot, ordered oldest-Clean-first
	lruElems map[*slot]*list.Element
	lruSeq   uint64

	waitCh chan struct{} // closed and replaced whenever a slot frees

	onEvict EvictionHook
	onHit   func()
	onMiss  func()
}

// EvictionHook is called whenever takeFreeSlotLocked reclaims a Clean
// record to make room for a new Reserve. Implementations must not
// block the caller for long; the audit logger this is wired to uses an
// async BatchSink for exactly that reason.
type EvictionHook func(cid chunk.ID, state chunk.State)

// SetEvictionHook installs h, replacing any previous hook.
func (t *Table) SetEvictionHook(h EvictionHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEvict = h
}

// SetHitMissHooks installs onHit/onMiss, called from Reserve when a
// lookup finds an already-resident record or allocates a fresh one,
// respectively. Either may be nil.
func (t *Table) SetHitMissHooks(onHit, onMiss func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onHit, t.onMiss = onHit, onMiss
}

type slot struct {
	rec *chunk.Record
}

// New allocates a table with exactly cachesize slots, each pre-allocated
// with a chunksize-byte buffer (spec.md §4.2: "cachesize >=
// MIN_CONCURRENT_REQS * MAX_CHUNKS_PER_IO").
func New(cachesize, chunksize int) (*Table, error) {
	minSize := chunk.MinConcurrentReqs * chunk.MaxChunksPerIO
	if cachesize < minSize {
		return nil, fmt.Errorf("cache: cachesize %d below minimum %d", cachesize, minSize)
	}
	t := &Table{
		chunksize: chunksize,
		byCID:     make(map[chunk.ID]*slot, cachesize),
		lru:       list.New(),
		lruElems:  make(map[*slot]*list.Element, cachesize),
		waitCh:    make(chan struct{}),
	}
	for i := 0; i < cachesize; i++ {
		t.free = append(t.free, &slot{rec: chunk.NewRecord(chunksize)})
	}
	return t, nil
}

// Waitqueue returns a channel that closes the next time a slot becomes
// free (either by eviction or by a record settling back to Clean with
// zero waiters). Callers that got ErrWouldBlock from Reserve should
// select on this channel before retrying.
func (t *Table) Waitqueue() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waitCh
}

func (t *Table) wakeWaitersLocked() {
	close(t.waitCh)
	t.waitCh = make(chan struct{})
}

// Reserve returns the record for cid, creating it in Invalid state if
// none exists. It increments the record's reference count; callers must
// call Unreserve exactly once when done. Returns ErrWouldBlock if no
// slot is free and no Clean, unwaited, message-free record is evictable.
func (t *Table) Reserve(cid chunk.ID) (*chunk.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.byCID[cid]; ok {
		s.rec.Refs++
		if el, ok := t.lruElems[s]; ok {
			t.lru.Remove(el)
			delete(t.lruElems, s)
		}
		if t.onHit != nil {
			t.onHit()
		}
		return s.rec, nil
	}

	s := t.takeFreeSlotLocked()
	if s == nil {
		return nil, ErrWouldBlock
	}
	if t.onMiss != nil {
		t.onMiss()
	}

	s.rec.CID = cid
	s.rec.Valid = true
	s.rec.State = chunk.Invalid
	s.rec.Tag = nil
	s.rec.Key = nil
	s.rec.Comp = chunk.CompressNone
	s.rec.Length = 0
	s.rec.Fault = chunk.Fault{}
	s.rec.PendingMsg = false
	s.rec.Refs = 1
	t.byCID[cid] = s
	return s.rec, nil
}

// takeFreeSlotLocked returns a slot from the free list, evicting the
// oldest eligible Clean record if the free list is empty. Caller must
// hold t.mu.
func (t *Table) takeFreeSlotLocked() *slot {
	if n := len(t.free); n > 0 {
		s := t.free[n-1]
		t.free = t.free[:n-1]
		return s
	}
	for el := t.lru.Front(); el != nil; el = el.Next() {
		s := el.Value.(*slot)
		if !s.rec.Evictable() {
			continue
		}
		t.lru.Remove(el)
		delete(t.lruElems, s)
		delete(t.byCID, s.rec.CID)
		s.rec.Valid = false
		if t.onEvict != nil {
			t.onEvict(s.rec.CID, s.rec.State)
		}
		return s
	}
	return nil
}

// Unreserve decrements the waiter/reference count on rec. When the
// count reaches zero and the record is settled, it becomes eligible for
// LRU reclaim (spec.md §4.2 "Unreserve contract").
func (t *Table) Unreserve(rec *chunk.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec.Refs--
	if rec.Refs < 0 {
		rec.Refs = 0
	}
	if rec.Refs != 0 || !rec.Valid {
		return
	}

	s, ok := t.byCID[rec.CID]
	if !ok || s.rec != rec {
		return
	}

	if rec.State == chunk.Clean && rec.State.Settled() {
		t.lruSeq++
		rec.LRUSeq = t.lruSeq
		el := t.lru.PushBack(s)
		t.lruElems[s] = el
		t.wakeWaitersLocked()
	}
}

// MarkClean places rec, which the caller has already moved into Clean,
// at the back of the LRU list (most-recently-settled); the state machine
// calls it whenever a record reaches Clean. If rec still has
// references, the LRU insertion is deferred to Unreserve.
func (t *Table) MarkClean(rec *chunk.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec.Refs != 0 {
		return
	}
	s, ok := t.byCID[rec.CID]
	if !ok || s.rec != rec {
		return
	}
	if el, ok := t.lruElems[s]; ok {
		t.lru.Remove(el)
	}
	t.lruSeq++
	rec.LRUSeq = t.lruSeq
	el := t.lru.PushBack(s)
	t.lruElems[s] = el
	t.wakeWaitersLocked()
}

// Discard removes rec from the table entirely and returns its slot to
// the free list — used by terminal error collapse and by full device
// shutdown, neither of which goes through ordinary LRU eviction.
func (t *Table) Discard(rec *chunk.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byCID[rec.CID]
	if !ok || s.rec != rec {
		return
	}
	if el, ok := t.lruElems[s]; ok {
		t.lru.Remove(el)
		delete(t.lruElems, s)
	}
	delete(t.byCID, rec.CID)
	rec.Valid = false
	t.free = append(t.free, s)
	t.wakeWaitersLocked()
}

// DirtyCIDs returns the chunk ids currently parked anywhere in the
// Dirty write-back family, for the periodic sweep to re-drive.
func (t *Table) DirtyCIDs() []chunk.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []chunk.ID
	for cid, s := range t.byCID {
		switch s.rec.State {
		case chunk.Dirty, chunk.Encrypting, chunk.DirtyEncrypted, chunk.StoreData, chunk.DirtyMeta, chunk.StoreMeta:
			ids = append(ids, cid)
		}
	}
	return ids
}

// Nudge wakes every submission parked on Waitqueue without any slot
// actually having freed up — the periodic sweep's backstop against a
// missed wakeup, rather than a correctness requirement (Reserve's own
// Unreserve/MarkClean paths already wake waiters on every real change).
func (t *Table) Nudge() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wakeWaitersLocked()
}

// Len returns the number of occupied slots, for metrics/tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byCID)
}

// Chunksize returns the configured chunk size.
func (t *Table) Chunksize() int { return t.chunksize }
