package hotmod

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fullModule implements every optional capability interface.
type fullModule struct {
	initialized bool
	destroyed   bool
	updated     bool
	state       any
}

func (m *fullModule) Init(ctx context.Context, options map[string]any) error {
	m.initialized = true
	return nil
}

func (m *fullModule) Destroy(ctx context.Context) error {
	m.destroyed = true
	return nil
}

func (m *fullModule) Update(ctx context.Context, old, updated *Descriptor) error {
	m.updated = true
	return nil
}

func (m *fullModule) SaveState(ctx context.Context) (any, error) {
	return m.state, nil
}

func (m *fullModule) RestoreState(ctx context.Context, state any) error {
	m.state = state
	return nil
}

// bareModule implements none of them.
type bareModule struct{}

func TestHooksOf_FullModule(t *testing.T) {
	m := &fullModule{state: "initial"}
	h := HooksOf(m)

	require.NoError(t, h.Init(context.Background(), nil))
	require.NoError(t, h.Destroy(context.Background()))
	require.NoError(t, h.Update(context.Background(), nil, nil))
	assert.True(t, m.initialized)
	assert.True(t, m.destroyed)
	assert.True(t, m.updated)

	assert.True(t, h.HasSaveState())
	assert.True(t, h.HasRestoreState())

	require.NoError(t, h.RestoreState(context.Background(), "restored"))
	state, err := h.SaveState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "restored", state)
}

func TestHooksOf_BareModule(t *testing.T) {
	h := HooksOf(&bareModule{})
	assert.Nil(t, h.Init)
	assert.Nil(t, h.Destroy)
	assert.False(t, h.HasSaveState())
	assert.False(t, h.HasRestoreState())
}

func TestHooksNormalized(t *testing.T) {
	h := Hooks{}.normalized()

	require.NoError(t, h.Init(context.Background(), nil))
	require.NoError(t, h.Destroy(context.Background()))
	require.NoError(t, h.Update(context.Background(), nil, nil))
	require.NoError(t, h.RestoreState(context.Background(), nil))

	state, err := h.SaveState(context.Background())
	require.NoError(t, err)
	assert.Nil(t, state)

	// Normalized no-ops do not count as declared capabilities.
	assert.False(t, h.HasSaveState())
	assert.False(t, h.HasRestoreState())
}

func TestHooksNormalized_KeepsDeclaredSaver(t *testing.T) {
	h := Hooks{SaveState: func(ctx context.Context) (any, error) { return 1, nil }}.normalized()
	assert.True(t, h.HasSaveState())
	assert.False(t, h.HasRestoreState())
}

func TestDescriptorClone(t *testing.T) {
	d := &Descriptor{
		ID:           "audio",
		Dependencies: []string{"base"},
		Config:       map[string]any{"rate": 44100},
	}

	clone := d.Clone()
	clone.Dependencies[0] = "changed"
	clone.Config["rate"] = 0

	assert.Equal(t, "base", d.Dependencies[0])
	assert.Equal(t, 44100, d.Config["rate"])
}

func TestDescriptorFragmentApply(t *testing.T) {
	base := &Descriptor{
		ID:      "audio",
		Name:    "Audio",
		Version: "1.0.0",
		Config:  map[string]any{"rate": 44100, "channels": 2},
	}

	version := "2.0.0"
	merged := DescriptorFragment{
		Version: &version,
		Config:  map[string]any{"rate": 48000},
	}.apply(base)

	assert.Equal(t, "audio", merged.ID)
	assert.Equal(t, "Audio", merged.Name)
	assert.Equal(t, "2.0.0", merged.Version)
	assert.Equal(t, 48000, merged.Config["rate"])
	assert.Equal(t, 2, merged.Config["channels"])

	// The base descriptor is untouched.
	assert.Equal(t, "1.0.0", base.Version)
	assert.Equal(t, 44100, base.Config["rate"])
}

func TestDescriptorFragmentApply_NilFieldsKeepBase(t *testing.T) {
	base := &Descriptor{Name: "Audio", Version: "1.0.0", Dependencies: []string{"base"}}

	merged := DescriptorFragment{}.apply(base)
	assert.Equal(t, "Audio", merged.Name)
	assert.Equal(t, "1.0.0", merged.Version)
	assert.Equal(t, []string{"base"}, merged.Dependencies)
}
