package hotmod

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(nil)

	err := r.Register("audio", Descriptor{Name: "Audio Engine", Version: "1.0.0"})
	require.NoError(t, err)

	d, err := r.Get("audio")
	require.NoError(t, err)
	assert.Equal(t, "audio", d.ID)
	assert.Equal(t, "Audio Engine", d.Name)
	assert.Equal(t, StatusRegistered, d.Status)
	assert.False(t, d.UpdatedAt.IsZero())
}

func TestRegistry_RegisterEmptyID(t *testing.T) {
	r := NewRegistry(nil)

	err := r.Register("", Descriptor{Name: "anonymous"})
	assert.ErrorIs(t, err, ErrEmptyModuleID)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_RegisterDuplicateDependency(t *testing.T) {
	r := NewRegistry(nil)

	err := r.Register("app", Descriptor{Dependencies: []string{"audio", "audio"}})
	assert.ErrorIs(t, err, ErrDuplicateDependency)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ReRegisterReplacesDescriptor(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register("audio", Descriptor{Name: "Audio", Version: "1.0.0"}))
	require.NoError(t, r.Register("audio", Descriptor{Name: "Audio", Version: "2.0.0"}))

	d, err := r.Get("audio")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", d.Version)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ReRegisterLoadedRejected(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register("audio", Descriptor{Version: "1.0.0"}))
	require.NoError(t, r.setStatus("audio", StatusLoaded))

	err := r.Register("audio", Descriptor{Version: "2.0.0"})
	assert.ErrorIs(t, err, ErrModuleLoaded)

	d, err := r.Get("audio")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", d.Version)
}

func TestRegistry_CycleRejectedAtomically(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register("a", Descriptor{}))
	require.NoError(t, r.Register("b", Descriptor{Dependencies: []string{"a"}}))

	// Re-registering a with a dependency on b would close the cycle
	// a -> b -> a. The registration must fail and leave a untouched.
	err := r.Register("a", Descriptor{Dependencies: []string{"b"}})
	require.ErrorIs(t, err, ErrCircularDependency)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, cycleErr.Path[0], cycleErr.Path[len(cycleErr.Path)-1])

	d, err := r.Get("a")
	require.NoError(t, err)
	assert.Empty(t, d.Dependencies)
}

func TestRegistry_SelfDependencyRejected(t *testing.T) {
	r := NewRegistry(nil)

	err := r.Register("a", Descriptor{Dependencies: []string{"a"}})
	assert.ErrorIs(t, err, ErrCircularDependency)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_RegisterWithMissingDependencyAllowed(t *testing.T) {
	// Dangling dependencies are permitted at registration; they only
	// fail at load time. This allows out-of-order registration.
	r := NewRegistry(nil)

	require.NoError(t, r.Register("app", Descriptor{Dependencies: []string{"not-yet-here"}}))

	dangling := ValidateGraph(r.Graph())
	require.Len(t, dangling, 1)
	assert.Equal(t, "not-yet-here", dangling[0].Missing)
}

func TestRegistry_UnregisterWithDependents(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register("audio", Descriptor{}))
	require.NoError(t, r.Register("voice-ui", Descriptor{Dependencies: []string{"audio"}}))

	err := r.Unregister("audio")
	require.ErrorIs(t, err, ErrDependentsExist)

	var depErr *DependentsError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, "audio", depErr.ModuleID)
	assert.Equal(t, []string{"voice-ui"}, depErr.Dependents)

	// Removing the dependent first clears the way.
	require.NoError(t, r.Unregister("voice-ui"))
	require.NoError(t, r.Unregister("audio"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_UnregisterUnknown(t *testing.T) {
	r := NewRegistry(nil)
	assert.ErrorIs(t, r.Unregister("ghost"), ErrModuleNotFound)
}

func TestRegistry_ListInsertionOrder(t *testing.T) {
	r := NewRegistry(nil)

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, r.Register(id, Descriptor{}))
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "a", list[1].ID)
	assert.Equal(t, "b", list[2].ID)
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("audio", Descriptor{Config: map[string]any{"rate": 44100}}))

	d, err := r.Get("audio")
	require.NoError(t, err)
	d.Config["rate"] = 0
	d.Status = StatusError

	again, err := r.Get("audio")
	require.NoError(t, err)
	assert.Equal(t, 44100, again.Config["rate"])
	assert.Equal(t, StatusRegistered, again.Status)
}

func TestRegistry_DependentsLoadedOnly(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register("audio", Descriptor{}))
	require.NoError(t, r.Register("voice-ui", Descriptor{Dependencies: []string{"audio"}}))
	require.NoError(t, r.Register("tts", Descriptor{Dependencies: []string{"audio"}}))
	require.NoError(t, r.setStatus("voice-ui", StatusLoaded))

	assert.ElementsMatch(t, []string{"voice-ui", "tts"}, r.Dependents("audio", false))
	assert.Equal(t, []string{"voice-ui"}, r.Dependents("audio", true))
}

func TestRegistry_Clear(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("a", Descriptor{}))
	require.NoError(t, r.Register("b", Descriptor{}))

	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.List())
}
