// Package fanout implements request fan-out (C4): splitting an inbound
// request into per-chunk sub-I/Os, reserving chunk records, driving them
// through the state machine, and copying between the caller's
// scatter/gather buffer and chunk buffers in chunk-index completion
// order.
package fanout

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/openisr/nexus/internal/cache"
	"github.com/openisr/nexus/internal/chunk"
	"github.com/openisr/nexus/internal/statemachine"
)

// Request is the descriptor the block-layer glue (out of scope per
// spec.md §1) produces: a chunk-aligned span, a direction, and the
// caller's memory to copy into or out of.
type Request struct {
	FirstChunk chunk.ID
	LastChunk  chunk.ID // inclusive; LastChunk-FirstChunk < MaxChunksPerIO
	Offset     int       // byte offset into FirstChunk where data begins
	Length     int       // total byte length across the span
	Write      bool
	Priority   int
	Data       []byte // caller's scatter/gather, flattened: len(Data) == Length
}

// Fanout owns the per-device table and state machine it dispatches sub-
// I/Os against.
type Fanout struct {
	table     *cache.Table
	machine   *statemachine.Machine
	chunksize int
	logger    *logrus.Logger
}

// New constructs a Fanout for a device with the given chunksize.
func New(table *cache.Table, machine *statemachine.Machine, chunksize int, logger *logrus.Logger) *Fanout {
	return &Fanout{table: table, machine: machine, chunksize: chunksize, logger: logger}
}

// subIO is one chunk's share of a Request.
type subIO struct {
	index      int
	cid        chunk.ID
	chunkOff   int // offset within the chunk buffer
	length     int // bytes this sub-I/O touches in the chunk
	bufOff     int // offset within Request.Data
	fullCopy   bool
	write      bool
	done       chan error
}

// Submit splits req into sub-I/Os, reserves each chunk, drives the
// state machine, and copies data in/out. It blocks until every sub-I/O
// has been resolved, visiting them in chunk-index order so a caller
// never observes an out-of-order completion within one request (spec.md
// §4.4 "Completion ordering"). It returns the number of bytes
// completed successfully before the first failure (spec.md §7: "the
// parent request returns partial success").
func (f *Fanout) Submit(ctx context.Context, req Request) (int, error) {
	subs, err := f.classify(req)
	if err != nil {
		return 0, err
	}
	if len(subs) > chunk.MaxChunksPerIO {
		return 0, fmt.Errorf("fanout: request spans %d chunks, exceeds MaxChunksPerIO %d", len(subs), chunk.MaxChunksPerIO)
	}

	for _, s := range subs {
		s := s
		go f.run(ctx, req, s)
	}

	completed := 0
	var firstErr error
	for _, s := range subs {
		err := <-s.done
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if firstErr == nil {
			completed += s.length
		}
	}
	return completed, firstErr
}

// classify splits req into per-chunk sub-I/Os and marks which ones are
// full-chunk writes (spec.md §4.4 step 2: "CHUNK_READ is set unless the
// sub-I/O is a full-chunk write").
func (f *Fanout) classify(req Request) ([]*subIO, error) {
	if req.LastChunk < req.FirstChunk {
		return nil, fmt.Errorf("fanout: LastChunk before FirstChunk")
	}
	span := int(req.LastChunk-req.FirstChunk) + 1
	if span > chunk.MaxChunksPerIO {
		return nil, fmt.Errorf("fanout: span %d exceeds MaxChunksPerIO", span)
	}
	if req.Offset < 0 || req.Offset >= f.chunksize {
		return nil, fmt.Errorf("fanout: offset %d out of range", req.Offset)
	}
	if len(req.Data) != req.Length {
		return nil, fmt.Errorf("fanout: data length %d != declared length %d", len(req.Data), req.Length)
	}

	subs := make([]*subIO, 0, span)
	remaining := req.Length
	chunkOff := req.Offset
	bufOff := 0
	for i := 0; i < span; i++ {
		cid := req.FirstChunk + chunk.ID(i)
		avail := f.chunksize - chunkOff
		n := remaining
		if n > avail {
			n = avail
		}
		full := req.Write && chunkOff == 0 && n == f.chunksize
		subs = append(subs, &subIO{
			index:    i,
			cid:      cid,
			chunkOff: chunkOff,
			length:   n,
			bufOff:   bufOff,
			fullCopy: full,
			write:    req.Write,
			done:     make(chan error, 1),
		})
		remaining -= n
		bufOff += n
		chunkOff = 0
	}
	if remaining != 0 {
		return nil, fmt.Errorf("fanout: request length %d does not fit declared chunk span", req.Length)
	}
	return subs, nil
}

// run drives one sub-I/O to completion: reserve, wait for the
// satisfying state, copy, and for writes, commit and release.
func (f *Fanout) run(ctx context.Context, req Request, s *subIO) {
	rec, err := f.reserveWithBackpressure(ctx, s.cid)
	if err != nil {
		s.done <- err
		return
	}
	defer f.table.Unreserve(rec)

	if s.write {
		if err := f.machine.BeginWrite(ctx, rec, s.fullCopy); err != nil {
			s.done <- err
			return
		}
		rec.Lock()
		CopyPageSafe(rec.Buffer[s.chunkOff:s.chunkOff+s.length], req.Data[s.bufOff:s.bufOff+s.length])
		rec.Unlock()
		f.machine.CommitWrite(ctx, rec)
		s.done <- nil
		return
	}

	if err := f.machine.Load(ctx, rec); err != nil {
		s.done <- err
		return
	}
	rec.Lock()
	CopyPageSafe(req.Data[s.bufOff:s.bufOff+s.length], rec.Buffer[s.chunkOff:s.chunkOff+s.length])
	rec.Unlock()
	s.done <- nil
}

// reserveWithBackpressure retries Reserve against the table's
// waitqueue when it returns ErrWouldBlock, parking the submission
// instead of busy-looping (spec.md §4.4 "Back-pressure").
func (f *Fanout) reserveWithBackpressure(ctx context.Context, cid chunk.ID) (*chunk.Record, error) {
	for {
		rec, err := f.table.Reserve(cid)
		if err == nil {
			return rec, nil
		}
		if err != cache.ErrWouldBlock {
			return nil, err
		}
		select {
		case <-f.table.Waitqueue():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
