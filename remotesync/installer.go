package remotesync

import (
	"context"

	"github.com/GoCodeAlone/hotmod"
)

// Installer resolves a module source reference from a module_install
// request into the capability hooks for the registered descriptor. The
// host application decides what a source string means (a plugin name, a
// script path, a builtin); the channel only carries it.
type Installer interface {
	Resolve(ctx context.Context, id, source string, config map[string]any) (hotmod.Hooks, error)
}

// InstallerFunc adapts a function to the Installer interface.
type InstallerFunc func(ctx context.Context, id, source string, config map[string]any) (hotmod.Hooks, error)

func (f InstallerFunc) Resolve(ctx context.Context, id, source string, config map[string]any) (hotmod.Hooks, error) {
	return f(ctx, id, source, config)
}

// NoopInstaller resolves every source to an inert module with no-op
// hooks. Useful for tests and for registries that only track metadata.
type NoopInstaller struct{}

func (NoopInstaller) Resolve(context.Context, string, string, map[string]any) (hotmod.Hooks, error) {
	return hotmod.Hooks{}, nil
}
