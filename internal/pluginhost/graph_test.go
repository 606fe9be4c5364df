package pluginhost

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/npratt/sidecar/internal/events"
)

func manifestNamed(name string, priority int, deps ...string) events.PluginManifest {
	return events.PluginManifest{Name: name, Priority: priority, Dependencies: deps}
}

func TestTopoOrderRespectsDependencyOrder(t *testing.T) {
	manifests := []events.PluginManifest{
		manifestNamed("downstream", 50, "upstream"),
		manifestNamed("upstream", 50),
	}

	result, err := topoOrder(manifests)

	require.NoError(t, err)
	require.Len(t, result.Ordered, 2)
	require.Equal(t, "upstream", result.Ordered[0].Name)
	require.Equal(t, "downstream", result.Ordered[1].Name)
}

func TestTopoOrderBreaksTiesByDescendingPriorityThenName(t *testing.T) {
	manifests := []events.PluginManifest{
		manifestNamed("b", 10),
		manifestNamed("a", 10),
		manifestNamed("high", 90),
	}

	result, err := topoOrder(manifests)

	require.NoError(t, err)
	require.Equal(t, []string{"high", "a", "b"}, names(result.Ordered))
}

func TestTopoOrderDetectsCycle(t *testing.T) {
	manifests := []events.PluginManifest{
		manifestNamed("a", 50, "b"),
		manifestNamed("b", 50, "a"),
	}

	result, err := topoOrder(manifests)

	require.Error(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, result.CycleName)
}

func TestTopoOrderDependencyOnUnknownPluginActsAsUnresolvable(t *testing.T) {
	manifests := []events.PluginManifest{
		manifestNamed("a", 50, "missing"),
	}

	_, err := topoOrder(manifests)

	require.Error(t, err)
}

func names(ms []events.PluginManifest) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Name
	}
	return out
}
