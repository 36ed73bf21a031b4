package tuyalan

import (
	"sync"

	"go.uber.org/zap"

	"github.com/muurk/tuyalan/internal/logging"
)

// Registry maps device ids to shared connection workers with reference
// counting. A worker is created by the first handle for its id, reused by
// later handles, and terminated when the last handle is released or the
// entry is force-deleted.
//
// The map sits behind a single mutex; critical sections only insert,
// look up, and remove — worker lifecycle work happens outside the lock.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	worker *worker
	cfg    DeviceConfig
	refs   int
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry used by NewDevice.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// NewRegistry creates an empty registry. Most callers want
// DefaultRegistry; separate registries are useful in tests.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// GetOrCreate returns a handle for cfg's device. An existing worker is
// shared when the connection parameters match, reconfigured in place
// (dropping the session but preserving listeners) when they differ.
func (r *Registry) GetOrCreate(cfg DeviceConfig) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.normalized()

	var reconfigure *worker
	r.mu.Lock()
	entry, ok := r.entries[cfg.ID]
	if !ok {
		entry = &registryEntry{worker: newWorker(cfg), cfg: cfg}
		r.entries[cfg.ID] = entry
		logging.Info("Device registered", zap.String("device_id", cfg.ID))
	} else if entry.cfg != cfg {
		// The worker decides whether the change needs a reconnect or is a
		// knob update applied in place.
		reconfigure = entry.worker
		entry.cfg = cfg
	} else {
		logging.Debug("Device borrowed from registry",
			zap.String("device_id", cfg.ID), zap.Int("refs", entry.refs+1))
	}
	entry.refs++
	w := entry.worker
	r.mu.Unlock()

	if reconfigure != nil {
		reconfigure.reconfigure(cfg)
	}
	return r.newHandle(w, cfg), nil
}

// Add registers a device that must not exist yet. Unlike GetOrCreate it
// fails with a DuplicateDevice error when the id is already present.
func (r *Registry) Add(cfg DeviceConfig) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.normalized()

	r.mu.Lock()
	if _, ok := r.entries[cfg.ID]; ok {
		r.mu.Unlock()
		return nil, NewDuplicateDeviceError(cfg.ID)
	}
	entry := &registryEntry{worker: newWorker(cfg), cfg: cfg, refs: 1}
	r.entries[cfg.ID] = entry
	w := entry.worker
	r.mu.Unlock()

	logging.Info("Device registered", zap.String("device_id", cfg.ID))
	return r.newHandle(w, cfg), nil
}

func (r *Registry) newHandle(w *worker, cfg DeviceConfig) *Handle {
	h := &Handle{
		w:        w,
		registry: r,
		id:       cfg.ID,
		timeout:  cfg.Timeout,
	}
	h.nowait.Store(cfg.Nowait)
	return h
}

// release drops one reference; the worker terminates when none remain.
func (r *Registry) release(id string) {
	var terminate *worker
	r.mu.Lock()
	if entry, ok := r.entries[id]; ok {
		entry.refs--
		if entry.refs <= 0 {
			delete(r.entries, id)
			terminate = entry.worker
		}
	}
	r.mu.Unlock()

	if terminate != nil {
		terminate.shutdown()
		logging.Info("Device released", zap.String("device_id", id))
	}
}

// Remove drops one reference to the device, as Handle.Close does. The
// worker persists while other handles remain.
func (r *Registry) Remove(id string) {
	r.release(id)
}

// Delete force-removes the device regardless of how many handles exist and
// terminates its worker. Outstanding handles start failing with Cancelled.
func (r *Registry) Delete(id string) {
	var terminate *worker
	r.mu.Lock()
	if entry, ok := r.entries[id]; ok {
		delete(r.entries, id)
		terminate = entry.worker
	}
	r.mu.Unlock()

	if terminate != nil {
		terminate.shutdown()
		logging.Info("Device deleted", zap.String("device_id", id))
	}
}

// Shutdown terminates every worker and clears the registry.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	workers := make([]*worker, 0, len(r.entries))
	for id, entry := range r.entries {
		workers = append(workers, entry.worker)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, w := range workers {
		w.shutdown()
	}
}

// List returns the ids of registered devices and whether each currently
// holds an online session.
func (r *Registry) List() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.entries))
	for id, entry := range r.entries {
		out[id] = entry.worker.online.Load()
	}
	return out
}
