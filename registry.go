package hotmod

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Registry holds module descriptors and their lifecycle status. All
// access is mutex-guarded; descriptors are copied on the way in and out
// so callers never alias registry-internal state.
//
// The registry enforces the acyclicity invariant: a registration whose
// edges would introduce a cycle is rejected atomically, leaving the
// registered set unchanged.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*Descriptor
	order   []string // insertion order for List
	logger  Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger Logger) *Registry {
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	return &Registry{
		modules: make(map[string]*Descriptor),
		logger:  logger,
	}
}

// Register adds or replaces the descriptor for id. The id must be
// non-empty; a module that is currently Loaded cannot be re-registered
// (that would silently orphan live state). The descriptor's dependency
// edges are validated against the full existing graph before anything
// is stored; on a cycle the registry is left unchanged and a CycleError
// is returned.
//
// Re-registering a non-loaded module replaces its descriptor: the last
// successful registration wins. Status is set to Registered.
func (r *Registry) Register(id string, d Descriptor) error {
	if id == "" {
		return ErrEmptyModuleID
	}
	if err := validateDependencies(id, d.Dependencies); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.modules[id]; ok && existing.Status == StatusLoaded {
		return fmt.Errorf("%w: %s", ErrModuleLoaded, id)
	}

	// Validate acyclicity against the existing graph plus the new edges.
	candidate := r.graphLocked()
	candidate[id] = append([]string(nil), d.Dependencies...)
	if cycle := DetectCycle(candidate); cycle != nil {
		return &CycleError{Path: cycle}
	}

	stored := d.Clone()
	stored.ID = id
	stored.Hooks = d.Hooks.normalized()
	stored.Status = StatusRegistered
	stored.UpdatedAt = time.Now()

	if _, ok := r.modules[id]; !ok {
		r.order = append(r.order, id)
	}
	r.modules[id] = stored
	r.logger.Debug("Module registered", "module", id, "dependencies", stored.Dependencies)
	return nil
}

// Unregister removes the descriptor and status for id. It fails with a
// DependentsError if any other descriptor lists id as a dependency,
// regardless of that dependent's load status.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.modules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}
	if dependents := r.dependentsLocked(id, false); len(dependents) > 0 {
		return &DependentsError{ModuleID: id, Dependents: dependents}
	}

	delete(r.modules, id)
	if at := slices.Index(r.order, id); at >= 0 {
		r.order = slices.Delete(r.order, at, at+1)
	}
	r.logger.Debug("Module unregistered", "module", id)
	return nil
}

// Get returns a copy of the descriptor for id.
func (r *Registry) Get(id string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.modules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}
	return d.Clone(), nil
}

// List returns copies of all descriptors in insertion order.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.modules[id].Clone())
	}
	return out
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

// Graph returns a snapshot of the dependency adjacency for the
// resolver. Mutating the snapshot does not affect the registry.
func (r *Registry) Graph() Graph {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.graphLocked()
}

// Clear removes every descriptor. Used by system restart after all
// loaded modules have been unloaded.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules = make(map[string]*Descriptor)
	r.order = nil
}

// Dependents returns the ids of modules whose dependency set contains
// id. With loadedOnly set, only currently Loaded dependents count.
func (r *Registry) Dependents(id string, loadedOnly bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dependentsLocked(id, loadedOnly)
}

// setStatus transitions the stored status for id. Lifecycle transitions
// are owned by the orchestrator; nothing else calls this.
func (r *Registry) setStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.modules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}
	d.Status = status
	return nil
}

// status returns the stored status for id without copying the
// descriptor.
func (r *Registry) status(id string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.modules[id]
	if !ok {
		return "", false
	}
	return d.Status, true
}

// hooks returns the normalized hook set for id.
func (r *Registry) hooks(id string) (Hooks, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.modules[id]
	if !ok {
		return Hooks{}, false
	}
	return d.Hooks, true
}

// replace swaps the stored descriptor for id in place. Used by hot-swap
// after the update hook succeeded; the caller guarantees the merged
// descriptor kept the same id.
func (r *Registry) replace(id string, d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.modules[id]; !ok {
		return
	}
	stored := d.Clone()
	stored.UpdatedAt = time.Now()
	r.modules[id] = stored
}

func (r *Registry) graphLocked() Graph {
	g := make(Graph, len(r.modules))
	for id, d := range r.modules {
		g[id] = append([]string(nil), d.Dependencies...)
	}
	return g
}

func (r *Registry) dependentsLocked(id string, loadedOnly bool) []string {
	var dependents []string
	for _, otherID := range r.order {
		other := r.modules[otherID]
		if otherID == id || !slices.Contains(other.Dependencies, id) {
			continue
		}
		if loadedOnly && other.Status != StatusLoaded {
			continue
		}
		dependents = append(dependents, otherID)
	}
	return dependents
}

func validateDependencies(id string, deps []string) error {
	seen := make(map[string]bool, len(deps))
	for _, dep := range deps {
		if seen[dep] {
			return fmt.Errorf("%w: %s in %s", ErrDuplicateDependency, dep, id)
		}
		seen[dep] = true
	}
	return nil
}
