package hotmod

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// Manifest is the on-disk description of a module, one TOML file per
// module in the watched directory.
type Manifest struct {
	ID           string         `toml:"id"`
	Name         string         `toml:"name"`
	Version      string         `toml:"version"`
	Dependencies []string       `toml:"dependencies"`
	Config       map[string]any `toml:"config"`

	// Autoload controls whether the module is loaded immediately after
	// registration. Defaults to true when absent.
	Autoload *bool `toml:"autoload"`
}

// ManifestResolver turns a parsed manifest into the module's capability
// hooks. The host application owns what a manifest maps to; a nil
// resolver yields inert no-op hooks.
type ManifestResolver func(m Manifest) (Hooks, error)

// ManifestWatcher keeps the registry in sync with a directory of module
// manifests: a new or changed manifest registers and loads (or
// hot-swaps) its module, a removed manifest uninstalls it.
type ManifestWatcher struct {
	orch    *Orchestrator
	dir     string
	resolve ManifestResolver
	logger  Logger
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	byFile map[string]string // manifest filename -> module id
}

// NewManifestWatcher creates a watcher over dir. Call LoadAll for the
// initial sweep, then Start to begin watching.
func NewManifestWatcher(orch *Orchestrator, dir string, resolve ManifestResolver, logger Logger) *ManifestWatcher {
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	if resolve == nil {
		resolve = func(Manifest) (Hooks, error) { return Hooks{}, nil }
	}
	return &ManifestWatcher{
		orch:    orch,
		dir:     dir,
		resolve: resolve,
		logger:  logger,
		byFile:  make(map[string]string),
	}
}

// LoadAll applies every manifest currently in the directory. Per-file
// failures are logged and skipped so one bad manifest cannot block the
// rest.
func (w *ManifestWatcher) LoadAll(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read manifest dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isManifest(entry.Name()) {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if err := w.applyFile(ctx, path); err != nil {
			w.logger.Error("Manifest apply failed", "file", entry.Name(), "error", err)
		}
	}
	return nil
}

// Start begins watching the directory. It returns after the watch is
// established; events are handled on a background goroutine until ctx
// is canceled.
func (w *ManifestWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch manifest dir: %w", err)
	}
	w.watcher = watcher
	w.logger.Info("Watching manifest directory", "dir", w.dir)

	go w.loop(ctx)
	return nil
}

// Close stops watching.
func (w *ManifestWatcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}

func (w *ManifestWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isManifest(event.Name) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
				if err := w.applyFile(ctx, event.Name); err != nil {
					w.logger.Error("Manifest apply failed", "file", event.Name, "error", err)
				}
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				if err := w.removeFile(ctx, event.Name); err != nil {
					w.logger.Error("Manifest remove failed", "file", event.Name, "error", err)
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Manifest watcher error", "error", err)
		}
	}
}

// applyFile registers and loads a new manifest, or hot-swaps a module
// whose manifest changed while it is Loaded.
func (w *ManifestWatcher) applyFile(ctx context.Context, path string) error {
	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	if m.ID == "" {
		return fmt.Errorf("manifest %s has no id", filepath.Base(path))
	}

	w.mu.Lock()
	w.byFile[filepath.Base(path)] = m.ID
	w.mu.Unlock()

	if d, err := w.orch.Registry().Get(m.ID); err == nil && d.Status == StatusLoaded {
		fragment := DescriptorFragment{Config: m.Config}
		if m.Name != "" {
			fragment.Name = &m.Name
		}
		if m.Version != "" {
			fragment.Version = &m.Version
		}
		if m.Dependencies != nil {
			fragment.Dependencies = m.Dependencies
		}
		w.logger.Info("Manifest changed, hot-swapping", "module", m.ID, "file", filepath.Base(path))
		return w.orch.HotSwap(ctx, m.ID, fragment)
	}

	hooks, err := w.resolve(m)
	if err != nil {
		return fmt.Errorf("resolve hooks for %s: %w", m.ID, err)
	}
	if err := w.orch.Registry().Register(m.ID, Descriptor{
		Name:         m.Name,
		Version:      m.Version,
		Dependencies: m.Dependencies,
		Hooks:        hooks,
		Config:       m.Config,
	}); err != nil {
		return err
	}
	if m.Autoload != nil && !*m.Autoload {
		return nil
	}
	return w.orch.Load(ctx, m.ID, m.Config)
}

func (w *ManifestWatcher) removeFile(ctx context.Context, path string) error {
	w.mu.Lock()
	id, ok := w.byFile[filepath.Base(path)]
	delete(w.byFile, filepath.Base(path))
	w.mu.Unlock()

	if !ok {
		return nil
	}
	w.logger.Info("Manifest removed, uninstalling", "module", id, "file", filepath.Base(path))
	return w.orch.Uninstall(ctx, id)
}

func isManifest(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".toml")
}
