// Package device implements device construction, reference counting,
// and the shutdown barrier (C6): it owns one chunk table, state
// machine, fan-out dispatcher, and agent channel per registered device,
// and drives the ordered teardown spec.md §4.6 requires.
package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/openisr/nexus/internal/agent"
	"github.com/openisr/nexus/internal/audit"
	"github.com/openisr/nexus/internal/cache"
	"github.com/openisr/nexus/internal/chunk"
	"github.com/openisr/nexus/internal/fanout"
	"github.com/openisr/nexus/internal/metrics"
	"github.com/openisr/nexus/internal/statemachine"
	"github.com/openisr/nexus/internal/transform"
)

// MaxGlobalMemoryFraction and MaxPerDeviceMemoryFraction bound cache
// memory (spec.md §4.6 "total cache memory across all devices <= 30%
// of system memory, per-device <= 10%").
const (
	MaxGlobalMemoryFraction    = 0.30
	MaxPerDeviceMemoryFraction = 0.10
)

// Config is the validated set of parameters Construct needs.
type Config struct {
	Ident               string
	ChunkDevicePath     string
	Chunksize           int
	Cachesize           int
	Chunks              uint64
	Offset              uint64
	DefaultCompression  chunk.Compression
	SupportedCompMask   uint8 // bit i set iff chunk.Compression(i) is allowed
	SystemMemoryBytes   uint64
	Audit               audit.Logger       // optional; nil disables the audit trail
	Metrics             *metrics.Metrics   // optional; nil disables metrics collection
	MetaCache           *cache.MetaCache   // optional; nil disables the warm-restart mirror
	Keys                agent.KeyManager   // optional; required alongside MetaCache to activate it
}

// isCompressionAllowed reports whether algo's bit is set in mask.
func isCompressionAllowed(mask uint8, algo chunk.Compression) bool {
	return mask&(1<<uint(algo)) != 0
}

// Validate checks Config against spec.md §4.6's construction invariants.
func (c Config) Validate(globalCacheBytesInUse uint64) error {
	if c.Chunksize < chunk.MinChunksize || c.Chunksize > chunk.MaxChunksize {
		return fmt.Errorf("device: chunksize %d out of range [%d,%d]", c.Chunksize, chunk.MinChunksize, chunk.MaxChunksize)
	}
	if c.Chunksize&(c.Chunksize-1) != 0 {
		return fmt.Errorf("device: chunksize %d is not a power of two", c.Chunksize)
	}
	minCache := chunk.MinConcurrentReqs * chunk.MaxChunksPerIO
	if c.Cachesize < minCache {
		return fmt.Errorf("device: cachesize %d below minimum %d", c.Cachesize, minCache)
	}
	if !isCompressionAllowed(c.SupportedCompMask, c.DefaultCompression) {
		return fmt.Errorf("device: default compression %s not in supported mask 0x%02x", c.DefaultCompression, c.SupportedCompMask)
	}
	if c.SystemMemoryBytes > 0 {
		deviceBytes := uint64(c.Cachesize) * uint64(c.Chunksize)
		if float64(deviceBytes) > float64(c.SystemMemoryBytes)*MaxPerDeviceMemoryFraction {
			return fmt.Errorf("device: cache would use %d bytes, exceeding per-device ceiling of %.0f%% of system memory", deviceBytes, MaxPerDeviceMemoryFraction*100)
		}
		if float64(globalCacheBytesInUse+deviceBytes) > float64(c.SystemMemoryBytes)*MaxGlobalMemoryFraction {
			return fmt.Errorf("device: cache would push global cache usage past %.0f%% of system memory", MaxGlobalMemoryFraction*100)
		}
	}
	return nil
}

type shutdownState int32

const (
	running shutdownState = iota
	draining
	closed
)

// Device is one registered convergent-encryption block device: its
// chunk table, state machine, fan-out dispatcher, and agent channel,
// plus the refcounts that gate teardown.
type Device struct {
	cfg      Config
	table    *cache.Table
	machine  *statemachine.Machine
	fanout   *fanout.Fanout
	channel  *agent.Channel
	sweeper  *fanout.Sweeper
	logger   *logrus.Logger

	state     atomic.Int32 // shutdownState
	hardRefs  atomic.Int64
	drainOnce sync.Once
	drainDone chan struct{}

	usersMu sync.Mutex
	usersCV *sync.Cond
	users   int64
}

// Construct validates cfg, allocates the transform pipeline and chunk
// table, wires them to the already-opened store, and returns a Device
// with a hard refcount of 1 held by the caller. The caller must bind the
// agent channel and publish the block device only after this returns
// successfully — spec.md §4.6's race-free ordering requirement belongs
// to that external publication step, not to Construct itself.
func Construct(cfg Config, store statemachine.BackingStore, logger *logrus.Logger, globalCacheBytesInUse uint64) (*Device, error) {
	if err := cfg.Validate(globalCacheBytesInUse); err != nil {
		return nil, err
	}

	table, err := cache.New(cfg.Cachesize, cfg.Chunksize)
	if err != nil {
		return nil, fmt.Errorf("device: allocate chunk table: %w", err)
	}

	var allowed []chunk.Compression
	for i := chunk.Compression(0); i < 8; i++ {
		if isCompressionAllowed(cfg.SupportedCompMask, i) {
			allowed = append(allowed, i)
		}
	}
	pipeline := transform.New(cfg.Chunksize, allowed)

	channel := agent.NewChannel(logger)
	machine := statemachine.New(table, pipeline, store, channel, cfg.DefaultCompression, logger)
	if cfg.Audit != nil {
		machine.SetAudit(cfg.Ident, cfg.Audit)
	}
	if cfg.Metrics != nil {
		machine.SetMetrics(cfg.Ident, cfg.Metrics)
		table.SetHitMissHooks(cfg.Metrics.RecordCacheHit, cfg.Metrics.RecordCacheMiss)
	}
	if cfg.MetaCache != nil && cfg.Keys != nil {
		machine.SetMetaCache(cfg.MetaCache, cfg.Keys)
	}
	if cfg.Audit != nil || cfg.Metrics != nil || cfg.MetaCache != nil {
		ident, auditLogger, m, metaCache := cfg.Ident, cfg.Audit, cfg.Metrics, cfg.MetaCache
		table.SetEvictionHook(func(cid chunk.ID, state chunk.State) {
			if auditLogger != nil {
				auditLogger.LogEviction(ident, cid, state)
			}
			if m != nil {
				m.RecordCacheEviction(state.String())
			}
			if metaCache != nil {
				// An evicted record leaves the in-process table entirely;
				// a stale mirror entry would otherwise outlive it and
				// could be trusted on a future restart past its actual
				// TTL-bounded freshness window.
				metaCache.Forget(context.Background(), ident, cid)
			}
		})
	}
	fo := fanout.New(table, machine, cfg.Chunksize, logger)

	d := &Device{
		cfg:       cfg,
		table:     table,
		machine:   machine,
		fanout:    fo,
		channel:   channel,
		logger:    logger,
		drainDone: make(chan struct{}),
	}
	d.hardRefs.Store(1)
	d.usersCV = sync.NewCond(&d.usersMu)
	return d, nil
}

// Fanout returns the device's request dispatcher.
func (d *Device) Fanout() *fanout.Fanout { return d.fanout }

// Channel returns the device's agent channel.
func (d *Device) Channel() *agent.Channel { return d.channel }

// CacheBytes returns the memory this device's chunk table occupies,
// for the registry's global ceiling accounting.
func (d *Device) CacheBytes() uint64 { return uint64(d.cfg.Cachesize) * uint64(d.cfg.Chunksize) }

// AcquireHard increments the hard refcount; call before handing the
// device to a new long-lived owner.
func (d *Device) AcquireHard() { d.hardRefs.Add(1) }

// ReleaseHard decrements the hard refcount; the device's resources are
// freed once it reaches zero and shutdown has completed.
func (d *Device) ReleaseHard() {
	if d.hardRefs.Add(-1) == 0 {
		<-d.drainDone // Shutdown must have been started by the caller who owns the last soft user.
	}
}

// BeginUse increments the soft active-user count; a request submission
// holds this for its duration. Returns false once shutdown has begun,
// in which case the caller must not submit the request.
func (d *Device) BeginUse() bool {
	d.usersMu.Lock()
	defer d.usersMu.Unlock()
	if shutdownState(d.state.Load()) != running {
		return false
	}
	d.users++
	return true
}

// EndUse decrements the soft active-user count.
func (d *Device) EndUse() {
	d.usersMu.Lock()
	d.users--
	empty := d.users == 0
	d.usersMu.Unlock()
	if empty {
		d.usersCV.Broadcast()
	}
}

// StartShutdown begins the ordered teardown of spec.md §4.6: stop
// accepting new requests, wait for the soft-user count to reach zero,
// flush every Dirty-family record, close the agent channel, and signal
// drainDone so a concurrent ReleaseHard can proceed. Safe to call more
// than once; only the first call drives teardown.
func (d *Device) StartShutdown(ctx context.Context) {
	d.drainOnce.Do(func() {
		go d.shutdownSequence(ctx)
	})
}

func (d *Device) shutdownSequence(ctx context.Context) {
	d.usersMu.Lock()
	d.state.Store(int32(draining))
	for d.users > 0 {
		d.usersCV.Wait()
	}
	d.usersMu.Unlock()

	if d.sweeper != nil {
		d.sweeper.Stop()
	}

	for _, cid := range d.table.DirtyCIDs() {
		rec, err := d.table.Reserve(cid)
		if err != nil {
			continue
		}
		if err := d.machine.FlushDirty(ctx, rec); err != nil && d.logger != nil {
			d.logger.WithFields(logrus.Fields{"cid": uint64(cid), "error": err}).Warn("shutdown flush failed")
		}
		d.table.Unreserve(rec)
	}

	// Closing the channel now, after the drain, guarantees any
	// CHUNK_ERR emitted during the flush above still had a chance to
	// reach a still-listening agent; any ERROR_PENDING record the
	// agent never acknowledges collapses to ERROR once the channel is
	// known closed (spec.md §4.5 "Shutdown").
	d.channel.Close()

	d.state.Store(int32(closed))
	close(d.drainDone)
}

// SetSweeper wires a periodic dirty-record sweeper so it is stopped as
// part of shutdown.
func (d *Device) SetSweeper(s *fanout.Sweeper) { d.sweeper = s }
