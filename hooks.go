package hotmod

import "context"

// Hooks is the capability record of a module: up to five optional
// lifecycle operations. A nil operation defaults to a no-op. Hooks are
// normalized once at registration so every descriptor held by the
// registry carries a complete, callable set.
type Hooks struct {
	// Init is invoked while the module transitions through Loading.
	Init func(ctx context.Context, options map[string]any) error

	// Destroy is invoked while the module transitions through Unloading.
	Destroy func(ctx context.Context) error

	// Update is invoked exactly once per hot-swap while the module
	// remains Loaded, with the descriptor before and after the merge.
	Update func(ctx context.Context, old, updated *Descriptor) error

	// SaveState returns an opaque state value for persistence. Modules
	// that leave it nil are skipped by snapshots and autosave.
	SaveState func(ctx context.Context) (any, error)

	// RestoreState applies a previously saved state value.
	RestoreState func(ctx context.Context, state any) error

	// noop markers survive normalization so capability checks stay
	// structural rather than probing behavior at call time.
	noopSave    bool
	noopRestore bool
}

// HasSaveState reports whether the module declared a SaveState
// operation of its own, as opposed to the normalized no-op.
func (h Hooks) HasSaveState() bool { return h.SaveState != nil && !h.noopSave }

// HasRestoreState reports whether the module declared a RestoreState
// operation of its own.
func (h Hooks) HasRestoreState() bool { return h.RestoreState != nil && !h.noopRestore }

// normalized returns a copy of h with every nil operation replaced by a
// no-op.
func (h Hooks) normalized() Hooks {
	if h.Init == nil {
		h.Init = func(context.Context, map[string]any) error { return nil }
	}
	if h.Destroy == nil {
		h.Destroy = func(context.Context) error { return nil }
	}
	if h.Update == nil {
		h.Update = func(context.Context, *Descriptor, *Descriptor) error { return nil }
	}
	if h.SaveState == nil {
		h.SaveState = func(context.Context) (any, error) { return nil, nil }
		h.noopSave = true
	}
	if h.RestoreState == nil {
		h.RestoreState = func(context.Context, any) error { return nil }
		h.noopRestore = true
	}
	return h
}

// HooksOf builds a Hooks record from an arbitrary module value by
// checking, once, which of the optional capability interfaces it
// implements. Missing capabilities default to no-ops.
//
// This is the registration-time equivalent of the optional-interface
// pattern used throughout the codebase: the type assertions happen here
// rather than on every lifecycle call.
func HooksOf(v any) Hooks {
	var h Hooks
	if init, ok := v.(Initializable); ok {
		h.Init = init.Init
	}
	if destroy, ok := v.(Destroyable); ok {
		h.Destroy = destroy.Destroy
	}
	if update, ok := v.(Updatable); ok {
		h.Update = update.Update
	}
	if saver, ok := v.(StateSaver); ok {
		h.SaveState = saver.SaveState
	}
	if restorer, ok := v.(StateRestorer); ok {
		h.RestoreState = restorer.RestoreState
	}
	return h
}
