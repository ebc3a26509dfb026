// Package registry implements the hot-reloadable transport adapter
// registry (component J): register/unregister adapters keyed by
// AdapterType, and swap a running adapter for a new version without
// dropping the node's other links.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/montana2ab/myriadmesh/node/pkg/transport"
)

// LoadStatus is the lifecycle state of one registered adapter (§4.J).
type LoadStatus int

const (
	StatusActive LoadStatus = iota
	StatusDraining
	StatusReloading
	StatusFailed
	StatusUnloaded
)

func (s LoadStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusDraining:
		return "draining"
	case StatusReloading:
		return "reloading"
	case StatusFailed:
		return "failed"
	default:
		return "unloaded"
	}
}

// DrainTimeout bounds how long hot reload waits for in-flight connections
// to finish before proceeding anyway (§4.J).
const DrainTimeout = 30 * time.Second

// Metadata describes one registered adapter's reload history and current
// connection load.
type Metadata struct {
	AdapterType       transport.AdapterType
	Version           string
	Library           string
	LoadedAt          time.Time
	ReloadCount       uint32
	Status            LoadStatus
	ActiveConnections uint32
}

// RollbackSlot remembers the previous adapter instance for one adapter
// type so a failed reload can be reverted.
type RollbackSlot struct {
	Adapter transport.Transport
	Version string
	Library string
}

var (
	ErrAlreadyRegistered = errors.New("registry: adapter type already registered")
	ErrNotRegistered     = errors.New("registry: adapter type not registered")
	ErrInvalidVersion    = errors.New("registry: version is not MAJOR.MINOR.PATCH")
	ErrVersionDowngrade  = errors.New("registry: hot reload to an older version refused, use Rollback")
)

// SemanticVersion is a parsed MAJOR.MINOR.PATCH adapter version.
type SemanticVersion struct {
	Major, Minor, Patch uint32
}

// ParseVersion parses a "1.2.3"-style version string.
func ParseVersion(s string) (SemanticVersion, bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return SemanticVersion{}, false
	}
	var nums [3]uint32
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return SemanticVersion{}, false
		}
		nums[i] = uint32(n)
	}
	return SemanticVersion{Major: nums[0], Minor: nums[1], Patch: nums[2]}, true
}

func (v SemanticVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Less reports strict semver ordering.
func (v SemanticVersion) Less(o SemanticVersion) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Patch < o.Patch
}

// Registry holds one Transport per AdapterType plus its metadata, and
// coordinates graceful hot reload (§4.J), following the teacher's
// build-tag-gated "one interface, swappable backend" shape from
// pkg/swarm's RocksDB/stub pair generalized to a runtime swap.
type Registry struct {
	mu        sync.RWMutex
	adapters  map[transport.AdapterType]transport.Transport
	metadata  map[transport.AdapterType]*Metadata
	rollbacks map[transport.AdapterType]RollbackSlot
	conns     map[transport.AdapterType]uint32
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		adapters:  make(map[transport.AdapterType]transport.Transport),
		metadata:  make(map[transport.AdapterType]*Metadata),
		rollbacks: make(map[transport.AdapterType]RollbackSlot),
		conns:     make(map[transport.AdapterType]uint32),
	}
}

// Register initializes, starts, and installs an adapter under its
// AdapterType.
func (r *Registry) Register(ctx context.Context, t transport.AdapterType, adapter transport.Transport, version, library string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[t]; exists {
		return ErrAlreadyRegistered
	}
	if err := adapter.Initialize(ctx); err != nil {
		return err
	}
	if err := adapter.Start(ctx); err != nil {
		return err
	}

	r.adapters[t] = adapter
	r.metadata[t] = &Metadata{
		AdapterType: t,
		Version:     version,
		Library:     library,
		LoadedAt:    time.Now(),
		Status:      StatusActive,
	}
	return nil
}

// Get returns the currently installed adapter for t, if any.
func (r *Registry) Get(t transport.AdapterType) (transport.Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[t]
	return a, ok
}

// GetMetadata returns a copy of the metadata for t.
func (r *Registry) GetMetadata(t transport.AdapterType) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metadata[t]
	if !ok {
		return Metadata{}, false
	}
	return *m, true
}

// AdapterTypes lists every currently registered type.
func (r *Registry) AdapterTypes() []transport.AdapterType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]transport.AdapterType, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	return out
}

// IncrementConnections bumps the connection counter for t. The counter is
// kept even if t is unregistered; ActiveConnections in t's metadata is
// updated only when t is registered.
func (r *Registry) IncrementConnections(t transport.AdapterType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[t]++
	if m, ok := r.metadata[t]; ok {
		m.ActiveConnections = r.conns[t]
	}
}

// DecrementConnections decrements the connection counter for t, never
// going negative.
func (r *Registry) DecrementConnections(t transport.AdapterType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[t] > 0 {
		r.conns[t]--
	}
	if m, ok := r.metadata[t]; ok {
		m.ActiveConnections = r.conns[t]
	}
}

// HotReload swaps the adapter for t with newAdapter: check version
// compatibility, snapshot a rollback slot, mark Draining, wait up to
// DrainTimeout for connections to reach zero, stop the old adapter,
// install and start the new one, mark Active (§4.J's five-step state
// machine). The new version must parse as semver and must not be older
// than the installed one; downgrades go through Rollback, which carries
// the previous instance.
func (r *Registry) HotReload(ctx context.Context, t transport.AdapterType, newAdapter transport.Transport, version, library string) error {
	newVer, ok := ParseVersion(version)
	if !ok {
		return ErrInvalidVersion
	}

	r.mu.Lock()
	old, exists := r.adapters[t]
	if !exists {
		r.mu.Unlock()
		return ErrNotRegistered
	}
	if cur, ok := ParseVersion(r.metadata[t].Version); ok && newVer.Less(cur) {
		r.mu.Unlock()
		return ErrVersionDowngrade
	}
	r.rollbacks[t] = RollbackSlot{Adapter: old, Version: r.metadata[t].Version, Library: r.metadata[t].Library}
	r.metadata[t].Status = StatusDraining
	r.mu.Unlock()

	r.waitForDrain(t, DrainTimeout)

	r.mu.Lock()
	r.metadata[t].Status = StatusReloading
	r.mu.Unlock()

	if err := old.Stop(ctx); err != nil {
		r.mu.Lock()
		r.metadata[t].Status = StatusFailed
		r.mu.Unlock()
		return err
	}

	if err := newAdapter.Initialize(ctx); err != nil {
		return r.rollback(ctx, t, err)
	}
	if err := newAdapter.Start(ctx); err != nil {
		return r.rollback(ctx, t, err)
	}

	r.mu.Lock()
	r.adapters[t] = newAdapter
	m := r.metadata[t]
	m.Version = version
	m.Library = library
	m.LoadedAt = time.Now()
	m.ReloadCount++
	m.Status = StatusActive
	m.ActiveConnections = 0
	r.conns[t] = 0
	r.mu.Unlock()
	return nil
}

// IsDraining reports whether t is mid-reload; the scheduler must refuse
// new outgoing sends to a draining adapter while receive continues.
func (r *Registry) IsDraining(t transport.AdapterType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metadata[t]
	return ok && (m.Status == StatusDraining || m.Status == StatusReloading)
}

// Rollback stops the current adapter for t and reinstalls the instance
// recorded by the last HotReload. Loading a fresh copy of the previous
// binary is the caller's concern; the registry only sequences the swap.
func (r *Registry) Rollback(ctx context.Context, t transport.AdapterType) error {
	r.mu.Lock()
	slot, haveSlot := r.rollbacks[t]
	current, exists := r.adapters[t]
	if !haveSlot || !exists {
		r.mu.Unlock()
		return ErrNotRegistered
	}
	r.metadata[t].Status = StatusReloading
	r.mu.Unlock()

	if err := current.Stop(ctx); err != nil {
		r.mu.Lock()
		r.metadata[t].Status = StatusFailed
		r.mu.Unlock()
		return err
	}
	if err := slot.Adapter.Initialize(ctx); err != nil {
		r.mu.Lock()
		r.metadata[t].Status = StatusFailed
		r.mu.Unlock()
		return err
	}
	if err := slot.Adapter.Start(ctx); err != nil {
		r.mu.Lock()
		r.metadata[t].Status = StatusFailed
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.adapters[t] = slot.Adapter
	m := r.metadata[t]
	m.Version = slot.Version
	m.Library = slot.Library
	m.LoadedAt = time.Now()
	m.ReloadCount++
	m.Status = StatusActive
	m.ActiveConnections = 0
	r.conns[t] = 0
	delete(r.rollbacks, t)
	r.mu.Unlock()
	return nil
}

func (r *Registry) rollback(ctx context.Context, t transport.AdapterType, cause error) error {
	r.mu.Lock()
	slot, ok := r.rollbacks[t]
	if !ok {
		r.metadata[t].Status = StatusFailed
		r.mu.Unlock()
		return cause
	}
	r.adapters[t] = slot.Adapter
	r.metadata[t].Version = slot.Version
	r.metadata[t].Library = slot.Library
	r.metadata[t].Status = StatusActive
	r.mu.Unlock()
	return cause
}

func (r *Registry) waitForDrain(t transport.AdapterType, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		r.mu.RLock()
		n := r.conns[t]
		r.mu.RUnlock()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Unregister stops and removes the adapter for t.
func (r *Registry) Unregister(ctx context.Context, t transport.AdapterType) error {
	r.mu.Lock()
	a, ok := r.adapters[t]
	if !ok {
		r.mu.Unlock()
		return ErrNotRegistered
	}
	delete(r.adapters, t)
	delete(r.metadata, t)
	delete(r.conns, t)
	r.mu.Unlock()

	return a.Stop(ctx)
}
