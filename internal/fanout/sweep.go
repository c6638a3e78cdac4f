package fanout

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openisr/nexus/internal/cache"
)

// Sweeper periodically re-drives write-back on any record still parked
// in a Dirty-family state, so a chunk whose background FlushDirty
// goroutine died (process restart, lost wakeup) is not stuck dirty
// forever, and nudges the table's backpressure waitqueue as a backstop
// against a submission whose wakeup got lost. It walks the table's
// LRU-adjacent bookkeeping rather than tracking dirty records
// separately, matching the table's own "no record lives outside byCID"
// invariant.
type Sweeper struct {
	table    *cache.Table
	machine  *Fanout
	interval time.Duration
	logger   *logrus.Logger

	stop chan struct{}
}

// NewSweeper constructs a Sweeper. It does not start until Run is called.
func NewSweeper(table *cache.Table, f *Fanout, interval time.Duration, logger *logrus.Logger) *Sweeper {
	return &Sweeper{table: table, machine: f, interval: interval, logger: logger, stop: make(chan struct{})}
}

// Run blocks, sweeping on interval until ctx is done or Stop is called.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// Stop ends a running Sweeper loop.
func (s *Sweeper) Stop() {
	close(s.stop)
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	for _, cid := range s.table.DirtyCIDs() {
		rec, err := s.table.Reserve(cid)
		if err != nil {
			continue
		}
		if err := s.machine.machine.FlushDirty(ctx, rec); err != nil && s.logger != nil {
			s.logger.WithFields(logrus.Fields{"cid": uint64(cid), "error": err}).Warn("sweep flush failed")
		}
		s.table.Unreserve(rec)
	}
	// Backstop for a submission parked on the waitqueue whose wakeup
	// got lost (e.g. a reserve raced a slot freeing between the
	// ErrWouldBlock check and the Waitqueue() subscribe): re-poke it
	// every sweep rather than leaving it stuck until the next
	// unrelated cache change.
	s.table.Nudge()
}
