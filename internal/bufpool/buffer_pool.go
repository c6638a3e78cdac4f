// Package bufpool provides the per-worker scratch buffer pools and the
// bounded back-pressure queue the engine uses instead of allocating a
// fresh buffer per chunk operation (spec.md §5: "Transform scratch pages
// are one set per worker, not per chunk").
package bufpool

import (
	"sync"
	"sync/atomic"
)

// Pool hands out chunk-sized scratch buffers tiered by size, mirroring
// the teacher's crypto.BufferPool but keyed to the transform pipeline's
// actual working sizes instead of AEAD nonce/key sizes: a small tier for
// hash digests and wire-sized key/tag pairs, and a chunk tier sized at
// construction time to the device's configured chunksize.
type Pool struct {
	chunksize int

	small *sync.Pool // MaxHashLen-sized buffers (digests, keys, tags)
	big   *sync.Pool // chunksize-sized scratch buffers

	hitsSmall, missesSmall int64
	hitsBig, missesBig     int64
}

// New creates a Pool whose big tier hands out buffers of exactly
// chunksize bytes with capacity.
func New(chunksize int) *Pool {
	p := &Pool{chunksize: chunksize}
	p.small = &sync.Pool{New: func() interface{} { return make([]byte, 32) }}
	p.big = &sync.Pool{New: func() interface{} { return make([]byte, chunksize) }}
	return p
}

// GetSmall returns a zeroed 32-byte buffer.
func (p *Pool) GetSmall() []byte {
	buf := p.small.Get().([]byte)
	atomic.AddInt64(&p.hitsSmall, 1)
	return buf[:32]
}

// PutSmall zeroizes and returns a small buffer to the pool.
func (p *Pool) PutSmall(buf []byte) {
	if cap(buf) != 32 {
		return
	}
	for i := range buf {
		buf[i] = 0
	}
	p.small.Put(buf[:32]) //nolint:staticcheck // fixed-size slice, no data-race on len
}

// GetChunk returns a zero-length-safe chunksize buffer.
func (p *Pool) GetChunk() []byte {
	buf := p.big.Get().([]byte)
	if cap(buf) < p.chunksize {
		atomic.AddInt64(&p.missesBig, 1)
		return make([]byte, p.chunksize)
	}
	atomic.AddInt64(&p.hitsBig, 1)
	return buf[:p.chunksize]
}

// PutChunk zeroizes and returns a chunk buffer to the pool.
func (p *Pool) PutChunk(buf []byte) {
	if cap(buf) < p.chunksize {
		return
	}
	for i := range buf {
		buf[i] = 0
	}
	p.big.Put(buf[:cap(buf)])
}

// Metrics reports pool hit/miss counters for the metrics package.
type Metrics struct {
	HitsSmall, MissesSmall int64
	HitsBig, MissesBig     int64
}

// GetMetrics snapshots the pool's hit/miss counters.
func (p *Pool) GetMetrics() Metrics {
	return Metrics{
		HitsSmall:   atomic.LoadInt64(&p.hitsSmall),
		MissesSmall: atomic.LoadInt64(&p.missesSmall),
		HitsBig:     atomic.LoadInt64(&p.hitsBig),
		MissesBig:   atomic.LoadInt64(&p.missesBig),
	}
}

// HitRate returns the big-tier hit rate, used by the cache-pressure
// metrics (the tier that actually matters under load).
func (m Metrics) HitRate() float64 {
	total := m.HitsBig + m.MissesBig
	if total == 0 {
		return 0
	}
	return float64(m.HitsBig) / float64(total)
}
