package hotmod

import (
	"errors"
	"fmt"
	"strings"
)

// Core error taxonomy. Callers match with errors.Is; the typed wrappers
// below carry structured detail (cycle paths, blocking dependents).
var (
	// Registry errors
	ErrEmptyModuleID       = errors.New("module id cannot be empty")
	ErrModuleNotFound      = errors.New("module not found")
	ErrModuleLoaded        = errors.New("module is loaded; unload before re-registering")
	ErrDuplicateDependency = errors.New("dependency listed more than once")

	// Resolver errors
	ErrCircularDependency = errors.New("circular dependency detected")
	ErrMissingDependency  = errors.New("module depends on unregistered module")

	// Orchestrator errors
	ErrDependentsExist = errors.New("dependents exist")
	ErrHookFailure     = errors.New("lifecycle hook failed")
	ErrInvalidState    = errors.New("invalid module state for operation")

	// State store errors
	ErrPersistence      = errors.New("persistence failure")
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// Remote sync errors
	ErrProtocol = errors.New("protocol error")
)

// CycleError reports a dependency cycle. Path holds the offending id
// sequence with the repeated id at both ends, e.g. [a b a].
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCircularDependency, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCircularDependency }

// DependentsError reports an unregister or unload blocked by modules
// that still depend on the target.
type DependentsError struct {
	ModuleID   string
	Dependents []string
}

func (e *DependentsError) Error() string {
	return fmt.Sprintf("%s: %s is required by %s",
		ErrDependentsExist, e.ModuleID, strings.Join(e.Dependents, ", "))
}

func (e *DependentsError) Unwrap() error { return ErrDependentsExist }

// HookError reports a failed lifecycle hook, wrapping the cause the
// hook returned. The module's status is Error after such a failure.
type HookError struct {
	ModuleID string
	Hook     string
	Cause    error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("%s: %s hook for module %s: %v", ErrHookFailure, e.Hook, e.ModuleID, e.Cause)
}

func (e *HookError) Unwrap() []error { return []error{ErrHookFailure, e.Cause} }
