// Package hotmod provides a dynamic module registry and hot-swap
// orchestrator. It registers named units of behavior ("modules") with
// declared dependencies, resolves a safe load order, drives each module
// through a load/unload/update lifecycle, persists module state across
// restarts, and mirrors every operation to remote peers.
//
// The core pieces are:
//
//   - Registry: holds module descriptors and per-module status, and
//     enforces the acyclic dependency invariant at registration time.
//   - Resolver: pure graph algorithms (cycle detection, load ordering,
//     dangling-dependency diagnostics) over the registry's edges.
//   - Orchestrator: the lifecycle state machine that loads, unloads and
//     hot-swaps modules and publishes typed CloudEvents for every change.
//
// Durable state lives in the statestore package; the remotesync package
// mirrors orchestrator operations to connected peers over a websocket
// channel.
//
// Basic usage:
//
//	registry := hotmod.NewRegistry(logger)
//	orch := hotmod.NewOrchestrator(registry, logger)
//	_ = registry.Register("audio", hotmod.Descriptor{Name: "Audio Engine"})
//	if err := orch.Load(ctx, "audio", nil); err != nil {
//		log.Fatal(err)
//	}
package hotmod

import (
	"context"
	"time"
)

// Status represents the lifecycle state of a registered module.
// Exactly one status applies to a module at any time; transitions are
// owned exclusively by the Orchestrator.
type Status string

const (
	// StatusRegistered is the initial status assigned at registration.
	StatusRegistered Status = "registered"
	// StatusLoading indicates the init hook is in flight.
	StatusLoading Status = "loading"
	// StatusLoaded indicates the module is running.
	StatusLoaded Status = "loaded"
	// StatusUnloading indicates the destroy hook is in flight.
	StatusUnloading Status = "unloading"
	// StatusUnloaded indicates the module was stopped cleanly.
	StatusUnloaded Status = "unloaded"
	// StatusError indicates a lifecycle hook failed. The status is
	// terminal until a new load or unload is explicitly requested.
	StatusError Status = "error"
)

// Descriptor describes one registered module: its identity, dependency
// set, capability hooks and free-form configuration.
//
// Descriptors are created by registration, mutated in place by hot-swap
// and removed only by unregistration. The dependency relation over all
// registered descriptors is acyclic at every observable instant.
type Descriptor struct {
	// ID is the unique module identifier. Immutable once registered;
	// hot-swap never changes it.
	ID string `json:"id"`

	// Name is a human-readable display name.
	Name string `json:"name"`

	// Version is an opaque version string.
	Version string `json:"version"`

	// Dependencies lists the ids of modules that must be loaded before
	// this one. Each id must be distinct.
	Dependencies []string `json:"dependencies,omitempty"`

	// Hooks holds the module's optional lifecycle operations. Missing
	// operations are normalized to no-ops at registration time, so the
	// orchestrator never probes for capabilities at call time.
	Hooks Hooks `json:"-"`

	// Config is a free-form configuration mapping passed through to the
	// module's hooks.
	Config map[string]any `json:"config,omitempty"`

	// Status is the current lifecycle status. Managed by the
	// orchestrator; values set by callers are ignored at registration.
	Status Status `json:"status"`

	// UpdatedAt records the last registration or hot-swap time.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a copy of the descriptor that shares no mutable state
// with the receiver. Hook functions are shared by reference.
func (d *Descriptor) Clone() *Descriptor {
	out := *d
	if d.Dependencies != nil {
		out.Dependencies = append([]string(nil), d.Dependencies...)
	}
	if d.Config != nil {
		out.Config = make(map[string]any, len(d.Config))
		for k, v := range d.Config {
			out.Config[k] = v
		}
	}
	return &out
}

// DescriptorFragment is a partial descriptor applied by HotSwap. Nil
// fields leave the corresponding descriptor field unchanged; Config
// entries are merged key-wise into the existing mapping.
type DescriptorFragment struct {
	Name         *string        `json:"name,omitempty"`
	Version      *string        `json:"version,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	Hooks        *Hooks         `json:"-"`
}

// apply merges the fragment into a copy of base and returns it. The id
// is never touched.
func (f DescriptorFragment) apply(base *Descriptor) *Descriptor {
	merged := base.Clone()
	if f.Name != nil {
		merged.Name = *f.Name
	}
	if f.Version != nil {
		merged.Version = *f.Version
	}
	if f.Dependencies != nil {
		merged.Dependencies = append([]string(nil), f.Dependencies...)
	}
	if len(f.Config) > 0 {
		if merged.Config == nil {
			merged.Config = make(map[string]any, len(f.Config))
		}
		for k, v := range f.Config {
			merged.Config[k] = v
		}
	}
	if f.Hooks != nil {
		merged.Hooks = f.Hooks.normalized()
	}
	return merged
}

// Initializable is an optional interface for module implementations
// that perform work when loaded.
type Initializable interface {
	Init(ctx context.Context, options map[string]any) error
}

// Destroyable is an optional interface for module implementations that
// release resources when unloaded.
type Destroyable interface {
	Destroy(ctx context.Context) error
}

// Updatable is an optional interface for module implementations that
// react to a hot-swap. Update receives the descriptor before and after
// the swap.
type Updatable interface {
	Update(ctx context.Context, old, updated *Descriptor) error
}

// StateSaver is an optional interface for module implementations that
// expose state to the state store. The returned value is opaque to the
// core and persisted as-is.
type StateSaver interface {
	SaveState(ctx context.Context) (any, error)
}

// StateRestorer is an optional interface for module implementations
// that can restore previously saved state.
type StateRestorer interface {
	RestoreState(ctx context.Context, state any) error
}
