package device

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/openisr/nexus/internal/chunk"
	"github.com/openisr/nexus/internal/statemachine"
)

// Handle is the control-channel-visible identity of a registered
// device, returned from REGISTER (spec.md §6).
type Handle struct {
	Ident      string
	BlockMajor uint32
	NumMinors  uint32
	Index      uint32
	Chunks     uint64
	HashLen    uint32
}

// Registry is the process-wide set of live devices, mirroring the
// original driver's devnum bitmap and class-registration singleton
// (original_source/convergent/convergent.c's devnums[]/class_register)
// as a mutex-guarded table plus global cache-memory accounting.
type Registry struct {
	mu              sync.Mutex
	byIdent         map[string]*entry
	nextIndex       uint32
	globalCacheUsed uint64
	systemMemory    uint64
}

type entry struct {
	dev    *Device
	handle Handle
}

// NewRegistry constructs an empty registry. systemMemoryBytes is used
// to enforce the per-device/global cache-memory ceilings; pass 0 to
// disable the check (e.g. in tests).
func NewRegistry(systemMemoryBytes uint64) *Registry {
	return &Registry{byIdent: map[string]*entry{}, systemMemory: systemMemoryBytes}
}

// ErrAlreadyRegistered is returned when Register is called twice for
// the same ident without an intervening Unregister.
var ErrAlreadyRegistered = fmt.Errorf("device: ident already registered")

// ErrNotRegistered is returned by Unregister/Lookup for an unknown ident.
var ErrNotRegistered = fmt.Errorf("device: ident not registered")

// Register validates cfg, constructs a new device against store, and
// publishes it under cfg.Ident (the REGISTER control operation of
// spec.md §6). blockMajor/minorsPerDevice are supplied by the block-
// layer glue that owns OS-visible device numbers, out of scope here.
func (r *Registry) Register(cfg Config, store statemachine.BackingStore, logger *logrus.Logger, blockMajor, minorsPerDevice uint32) (*Device, Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byIdent[cfg.Ident]; exists {
		return nil, Handle{}, ErrAlreadyRegistered
	}
	cfg.SystemMemoryBytes = r.systemMemory

	dev, err := Construct(cfg, store, logger, r.globalCacheUsed)
	if err != nil {
		return nil, Handle{}, err
	}

	idx := r.nextIndex
	r.nextIndex++
	handle := Handle{
		Ident:      cfg.Ident,
		BlockMajor: blockMajor,
		NumMinors:  minorsPerDevice,
		Index:      idx,
		Chunks:     cfg.Chunks,
		HashLen:    chunk.MaxHashLen,
	}
	r.byIdent[cfg.Ident] = &entry{dev: dev, handle: handle}
	r.globalCacheUsed += dev.CacheBytes()
	return dev, handle, nil
}

// Lookup returns the device registered under ident.
func (r *Registry) Lookup(ident string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byIdent[ident]
	if !ok {
		return nil, ErrNotRegistered
	}
	return e.dev, nil
}

// Unregister removes ident from the registry and releases the
// device's share of global cache accounting. It does not itself drive
// shutdown — the caller is expected to have already driven the
// device's hard refcount to zero via StartShutdown/ReleaseHard; this
// only unpublishes the ident so a future Register can reuse it.
func (r *Registry) Unregister(ident string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byIdent[ident]
	if !ok {
		return ErrNotRegistered
	}
	delete(r.byIdent, ident)
	if r.globalCacheUsed >= e.dev.CacheBytes() {
		r.globalCacheUsed -= e.dev.CacheBytes()
	} else {
		r.globalCacheUsed = 0
	}
	return nil
}

// Len returns the number of currently registered devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byIdent)
}

// Idents returns the idents of every currently registered device, in
// no particular order.
func (r *Registry) Idents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	idents := make([]string, 0, len(r.byIdent))
	for ident := range r.byIdent {
		idents = append(idents, ident)
	}
	return idents
}
