package hotmod

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectCycle_NoCycle(t *testing.T) {
	g := Graph{
		"audio":    nil,
		"voice-ui": {"audio"},
		"tts":      {"audio"},
		"app":      {"voice-ui", "tts"},
	}

	assert.Nil(t, DetectCycle(g))
}

func TestDetectCycle_DirectCycle(t *testing.T) {
	g := Graph{
		"a": {"b"},
		"b": {"a"},
	}

	path := DetectCycle(g)
	require.NotNil(t, path)
	// Path is closed: first and last element are the same module.
	assert.Equal(t, path[0], path[len(path)-1])
	assert.GreaterOrEqual(t, len(path), 3)
}

func TestDetectCycle_SelfDependency(t *testing.T) {
	g := Graph{"a": {"a"}}

	path := DetectCycle(g)
	require.NotNil(t, path)
	assert.Equal(t, []string{"a", "a"}, path)
}

func TestDetectCycle_TransitiveCycle(t *testing.T) {
	g := Graph{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
		"d": {"a"},
	}

	path := DetectCycle(g)
	require.NotNil(t, path)
	assert.Equal(t, path[0], path[len(path)-1])
	assert.Len(t, path, 4)
}

func TestLoadOrder_DependenciesFirst(t *testing.T) {
	g := Graph{
		"audio":    nil,
		"voice-ui": {"audio"},
		"tts":      {"audio"},
		"app":      {"voice-ui", "tts"},
	}

	order, err := LoadOrder(g, "app")
	require.NoError(t, err)
	require.Len(t, order, 4)

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	// Every dependency precedes its dependent.
	assert.Less(t, pos["audio"], pos["voice-ui"])
	assert.Less(t, pos["audio"], pos["tts"])
	assert.Less(t, pos["voice-ui"], pos["app"])
	assert.Less(t, pos["tts"], pos["app"])
	assert.Equal(t, "app", order[len(order)-1])
}

func TestLoadOrder_SharedDependencyAppearsOnce(t *testing.T) {
	g := Graph{
		"base": nil,
		"x":    {"base"},
		"y":    {"base"},
		"top":  {"x", "y"},
	}

	order, err := LoadOrder(g, "top")
	require.NoError(t, err)

	seen := make(map[string]int)
	for _, id := range order {
		seen[id]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "module %s appears %d times", id, n)
	}
}

func TestLoadOrder_UnknownRoot(t *testing.T) {
	_, err := LoadOrder(Graph{"a": nil}, "missing")
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestLoadOrder_MissingDependency(t *testing.T) {
	g := Graph{"a": {"ghost"}}

	_, err := LoadOrder(g, "a")
	assert.ErrorIs(t, err, ErrMissingDependency)
	assert.Contains(t, err.Error(), "ghost")
}

func TestTopologicalOrder_Deterministic(t *testing.T) {
	g := Graph{
		"c": nil,
		"a": {"c"},
		"b": {"c"},
	}

	first, err := TopologicalOrder(g)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := TopologicalOrder(g)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestTopologicalOrder_Cycle(t *testing.T) {
	g := Graph{
		"a": {"b"},
		"b": {"a"},
	}

	_, err := TopologicalOrder(g)
	assert.ErrorIs(t, err, ErrCircularDependency)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.NotEmpty(t, cycleErr.Path)
}

func TestValidateGraph(t *testing.T) {
	g := Graph{
		"a": {"b", "ghost"},
		"b": nil,
		"c": {"phantom"},
	}

	dangling := ValidateGraph(g)
	require.Len(t, dangling, 2)
	assert.Contains(t, dangling, DanglingDependency{From: "a", Missing: "ghost"})
	assert.Contains(t, dangling, DanglingDependency{From: "c", Missing: "phantom"})

	assert.Empty(t, ValidateGraph(Graph{"a": {"b"}, "b": nil}))
}
