package hotmod

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Orchestrator owns the module lifecycle state machine. It consults the
// resolver for ordering and cycle safety, mutates registry status,
// invokes module lifecycle hooks, and publishes a CloudEvent for every
// observable change.
//
// All lifecycle operations are serialized by a single operation mutex:
// no two operations observe or change module status concurrently. Hooks
// are awaited before a module's status advances, so a module is never
// left in Loading or Unloading by the orchestrator itself. No operation
// is cancelable mid-flight; callers layer timeouts around the call.
type Orchestrator struct {
	*observerSet

	registry *Registry
	logger   Logger

	// opMu serializes lifecycle operations globally.
	opMu sync.Mutex

	// inflight de-duplicates concurrent loads per module id: concurrent
	// callers converge on one operation and observe its single outcome.
	infMu    sync.Mutex
	inflight map[string]*inflightLoad

	// pending is a FIFO of events awaiting delivery, drained by at most
	// one publisher goroutine at a time so observers see events in the
	// order lifecycle operations produced them.
	evMu       sync.Mutex
	pending    []pendingEvent
	publishing bool
}

type pendingEvent struct {
	ctx   context.Context
	event cloudevents.Event
}

type inflightLoad struct {
	done chan struct{}
	err  error
}

// NewOrchestrator creates an orchestrator over the given registry.
func NewOrchestrator(registry *Registry, logger Logger) *Orchestrator {
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	return &Orchestrator{
		observerSet: newObserverSet(logger),
		registry:    registry,
		logger:      logger,
		inflight:    make(map[string]*inflightLoad),
	}
}

// Registry returns the registry this orchestrator operates on.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Load brings the module and its transitive dependency closure to the
// Loaded status, dependencies first. Loading an already-Loaded module
// returns immediately without re-invoking any hook.
//
// Concurrent Load calls for the same id converge on a single in-flight
// operation: init runs at most once per load cycle regardless of caller
// concurrency. Options are passed to the init hook of id only;
// dependencies receive nil options.
//
// On a hook failure the failing module's status becomes Error and the
// call fails with the wrapped cause. Dependencies already loaded as
// part of the call are not rolled back; that partial success is
// deliberate and visible.
func (o *Orchestrator) Load(ctx context.Context, id string, options map[string]any) error {
	o.infMu.Lock()
	if f, ok := o.inflight[id]; ok {
		o.infMu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f := &inflightLoad{done: make(chan struct{})}
	o.inflight[id] = f
	o.infMu.Unlock()

	f.err = o.doLoad(ctx, id, options)

	o.infMu.Lock()
	delete(o.inflight, id)
	o.infMu.Unlock()
	close(f.done)
	return f.err
}

func (o *Orchestrator) doLoad(ctx context.Context, id string, options map[string]any) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	status, ok := o.registry.status(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}
	if status == StatusLoaded {
		o.logger.Debug("Module already loaded", "module", id)
		return nil
	}

	graph := o.registry.Graph()
	if cycle := DetectCycle(graph); cycle != nil {
		return &CycleError{Path: cycle}
	}
	order, err := LoadOrder(graph, id)
	if err != nil {
		return err
	}
	o.logger.Debug("Resolved load order", "module", id, "order", order)

	for _, moduleID := range order {
		current, _ := o.registry.status(moduleID)
		if current == StatusLoaded {
			continue
		}
		var opts map[string]any
		if moduleID == id {
			opts = options
		}
		if err := o.loadOne(ctx, moduleID, opts); err != nil {
			return err
		}
	}
	return nil
}

// loadOne drives a single module Registered/Unloaded/Error -> Loading
// -> Loaded|Error. Caller holds opMu.
func (o *Orchestrator) loadOne(ctx context.Context, id string, options map[string]any) error {
	hooks, ok := o.registry.hooks(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}

	_ = o.registry.setStatus(id, StatusLoading)
	o.logger.Info("Loading module", "module", id)

	if err := hooks.Init(ctx, options); err != nil {
		_ = o.registry.setStatus(id, StatusError)
		metricHookFailures.WithLabelValues("init").Inc()
		o.logger.Error("Module init failed", "module", id, "error", err)
		return &HookError{ModuleID: id, Hook: "init", Cause: err}
	}

	_ = o.registry.setStatus(id, StatusLoaded)
	metricLoads.Inc()
	o.logger.Info("Module loaded", "module", id)

	if d, err := o.registry.Get(id); err == nil {
		o.emit(ctx, EventTypeModuleLoaded, ModuleEventPayload{ModuleID: id, Descriptor: d})
	}
	return nil
}

// Unload transitions a module Loaded -> Unloading -> Unloaded|Error. It
// fails with a DependentsError while any Loaded module depends on id;
// unloading dependents first is the caller's responsibility, the
// orchestrator does not cascade. Unload is also permitted from the
// Error status as a cleanup path; any other status is an
// ErrInvalidState.
func (o *Orchestrator) Unload(ctx context.Context, id string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	return o.unloadOne(ctx, id, true)
}

// unloadOne drives a single module through Unloading. Caller holds
// opMu. With checkDependents false the dependents guard is skipped
// (system restart unloads in reverse topological order, which makes the
// guard redundant).
func (o *Orchestrator) unloadOne(ctx context.Context, id string, checkDependents bool) error {
	status, ok := o.registry.status(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}
	if status != StatusLoaded && status != StatusError {
		return fmt.Errorf("%w: cannot unload module %s with status %s", ErrInvalidState, id, status)
	}
	if checkDependents {
		if dependents := o.registry.Dependents(id, true); len(dependents) > 0 {
			return &DependentsError{ModuleID: id, Dependents: dependents}
		}
	}

	hooks, _ := o.registry.hooks(id)
	_ = o.registry.setStatus(id, StatusUnloading)
	o.logger.Info("Unloading module", "module", id)

	if err := hooks.Destroy(ctx); err != nil {
		_ = o.registry.setStatus(id, StatusError)
		metricHookFailures.WithLabelValues("destroy").Inc()
		o.logger.Error("Module destroy failed", "module", id, "error", err)
		return &HookError{ModuleID: id, Hook: "destroy", Cause: err}
	}

	_ = o.registry.setStatus(id, StatusUnloaded)
	metricUnloads.Inc()
	o.logger.Info("Module unloaded", "module", id)

	if d, err := o.registry.Get(id); err == nil {
		o.emit(ctx, EventTypeModuleUnloaded, ModuleEventPayload{ModuleID: id, Descriptor: d})
	}
	return nil
}

// HotSwap merges the descriptor fragment into the existing descriptor
// without changing the module id, and invokes the module's update hook
// exactly once with the descriptor before and after the merge. The
// module must currently be Loaded; its status remains Loaded throughout
// a successful swap.
//
// The orchestrator does not verify that the module's capability surface
// stays behaviorally compatible across a swap; that is caller policy.
// If the fragment changes the dependency set the merged edges are
// validated against the acyclicity invariant before the hook runs.
func (o *Orchestrator) HotSwap(ctx context.Context, id string, fragment DescriptorFragment) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	old, err := o.registry.Get(id)
	if err != nil {
		return err
	}
	if old.Status != StatusLoaded {
		return fmt.Errorf("%w: cannot hot-swap module %s with status %s", ErrInvalidState, id, old.Status)
	}

	if fragment.Dependencies != nil {
		if err := validateDependencies(id, fragment.Dependencies); err != nil {
			return err
		}
		candidate := o.registry.Graph()
		candidate[id] = append([]string(nil), fragment.Dependencies...)
		if cycle := DetectCycle(candidate); cycle != nil {
			return &CycleError{Path: cycle}
		}
	}

	merged := fragment.apply(old)
	o.logger.Info("Hot-swapping module", "module", id, "version", merged.Version)

	// The running module handles its own transition; the update hook of
	// the currently loaded descriptor runs, not the incoming one.
	if err := old.Hooks.Update(ctx, old.Clone(), merged); err != nil {
		_ = o.registry.setStatus(id, StatusError)
		metricHookFailures.WithLabelValues("update").Inc()
		o.logger.Error("Module update failed", "module", id, "error", err)
		return &HookError{ModuleID: id, Hook: "update", Cause: err}
	}

	o.registry.replace(id, merged)
	metricHotSwaps.Inc()

	updated, _ := o.registry.Get(id)
	o.emit(ctx, EventTypeModuleUpdated, ModuleEventPayload{
		ModuleID:      id,
		Descriptor:    updated,
		OldDescriptor: old,
	})
	return nil
}

// Reload unloads id if it is Loaded, then loads it again. Used by the
// remote module_reload operation and the manifest watcher.
func (o *Orchestrator) Reload(ctx context.Context, id string) error {
	status, ok := o.registry.status(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}
	if status == StatusLoaded || status == StatusError {
		if err := o.Unload(ctx, id); err != nil {
			return err
		}
	}
	return o.Load(ctx, id, nil)
}

// Uninstall unloads id if necessary and removes its descriptor from the
// registry. Fails while dependents exist, loaded or not.
func (o *Orchestrator) Uninstall(ctx context.Context, id string) error {
	status, ok := o.registry.status(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}
	if status == StatusLoaded || status == StatusError {
		if err := o.Unload(ctx, id); err != nil {
			return err
		}
	}
	return o.registry.Unregister(id)
}

// RestartSystem unloads every Loaded module in reverse topological
// order (dependents before their dependencies), tolerating individual
// failures, then clears the registry entirely and publishes a
// SystemRestart event.
func (o *Orchestrator) RestartSystem(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	order, err := TopologicalOrder(o.registry.Graph())
	if err != nil {
		return err
	}
	slices.Reverse(order)

	var unloaded, failures []string
	for _, id := range order {
		status, ok := o.registry.status(id)
		if !ok || status != StatusLoaded {
			continue
		}
		if err := o.unloadOne(ctx, id, false); err != nil {
			o.logger.Error("Restart: module unload failed", "module", id, "error", err)
			failures = append(failures, id)
			continue
		}
		unloaded = append(unloaded, id)
	}

	o.registry.Clear()
	o.logger.Info("System restarted", "unloaded", len(unloaded), "failures", len(failures))
	o.emit(ctx, EventTypeSystemRestart, SystemRestartPayload{
		UnloadedModules: unloaded,
		Failures:        failures,
	})
	return nil
}

// GetDependencyGraph returns a snapshot of the dependency adjacency.
func (o *Orchestrator) GetDependencyGraph() Graph {
	return o.registry.Graph()
}

// ValidateGraph reports dangling dependency edges without failing.
func (o *Orchestrator) ValidateGraph() []DanglingDependency {
	return ValidateGraph(o.registry.Graph())
}

// StateSavers returns the SaveState hook of every Loaded module that
// declared one, keyed by module id. The state store consumes this for
// snapshots and autosave.
func (o *Orchestrator) StateSavers() map[string]func(context.Context) (any, error) {
	savers := make(map[string]func(context.Context) (any, error))
	for _, d := range o.registry.List() {
		if d.Status == StatusLoaded && d.Hooks.HasSaveState() {
			savers[d.ID] = d.Hooks.SaveState
		}
	}
	return savers
}

// RestoreState invokes the restoreState hook of a Loaded module with a
// previously saved state value. Applying a snapshot is driven from
// here, module by module, by the caller that fetched it.
func (o *Orchestrator) RestoreState(ctx context.Context, id string, state any) error {
	d, err := o.registry.Get(id)
	if err != nil {
		return err
	}
	if d.Status != StatusLoaded {
		return fmt.Errorf("%w: cannot restore state for module %s with status %s", ErrInvalidState, id, d.Status)
	}
	if err := d.Hooks.RestoreState(ctx, state); err != nil {
		metricHookFailures.WithLabelValues("restoreState").Inc()
		return &HookError{ModuleID: id, Hook: "restoreState", Cause: err}
	}
	return nil
}

// SystemStatus summarizes the registry for status queries.
type SystemStatus struct {
	Modules  int               `json:"modules"`
	Loaded   int               `json:"loaded"`
	Statuses map[string]Status `json:"statuses"`
	Uptime   time.Duration     `json:"uptime"`
}

var processStart = time.Now()

// Status returns a point-in-time system summary.
func (o *Orchestrator) Status() SystemStatus {
	statuses := make(map[string]Status)
	loaded := 0
	for _, d := range o.registry.List() {
		statuses[d.ID] = d.Status
		if d.Status == StatusLoaded {
			loaded++
		}
	}
	return SystemStatus{
		Modules:  len(statuses),
		Loaded:   loaded,
		Statuses: statuses,
		Uptime:   time.Since(processStart),
	}
}

// emit queues an event for delivery without blocking the lifecycle
// operation. Events are delivered strictly in emission order.
func (o *Orchestrator) emit(ctx context.Context, eventType string, data any) {
	o.evMu.Lock()
	o.pending = append(o.pending, pendingEvent{
		ctx:   context.WithoutCancel(ctx),
		event: NewEvent(eventType, data),
	})
	if o.publishing {
		o.evMu.Unlock()
		return
	}
	o.publishing = true
	o.evMu.Unlock()

	go o.publishPending()
}

// publishPending drains the event queue. Only one instance runs at a
// time, which is what keeps delivery ordered.
func (o *Orchestrator) publishPending() {
	for {
		o.evMu.Lock()
		if len(o.pending) == 0 {
			o.publishing = false
			o.evMu.Unlock()
			return
		}
		next := o.pending[0]
		o.pending = o.pending[1:]
		o.evMu.Unlock()

		if err := o.NotifyObservers(next.ctx, next.event); err != nil {
			o.logger.Error("Failed to notify observers", "event", next.event.Type(), "error", err)
		}
	}
}
