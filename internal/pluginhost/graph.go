package pluginhost

import (
	"fmt"
	"sort"

	"github.com/npratt/sidecar/internal/events"
)

// orderResult is the outcome of ordering a set of manifests: either a valid
// topological order, or the names participating in a detected cycle.
type orderResult struct {
	Ordered   []events.PluginManifest
	CycleName []string
}

// topoOrder builds a dependency graph over manifests and returns them in
// load order: topologically sorted, ties broken by descending priority then
// by name. A cycle anywhere in the graph rejects the whole graph (the
// caller decides whether to retry with cycle members excluded).
func topoOrder(manifests []events.PluginManifest) (orderResult, error) {
	byName := make(map[string]events.PluginManifest, len(manifests))
	for _, m := range manifests {
		byName[m.Name] = m
	}

	// Kahn's algorithm with priority/name tie-breaking at each step.
	inDegree := make(map[string]int, len(manifests))
	dependents := make(map[string][]string, len(manifests))
	for _, m := range manifests {
		if _, ok := inDegree[m.Name]; !ok {
			inDegree[m.Name] = 0
		}
		for _, dep := range m.Dependencies {
			// A dependency on an unknown plugin still contributes to
			// in-degree so it can never resolve; it surfaces as a
			// cycle-shaped rejection rather than silently ordering fine.
			inDegree[m.Name]++
			if _, ok := byName[dep]; ok {
				dependents[dep] = append(dependents[dep], m.Name)
			}
		}
	}

	var ready []string
	for name, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	var ordered []events.PluginManifest
	remaining := map[string]int{}
	for k, v := range inDegree {
		remaining[k] = v
	}

	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			mi, mj := byName[ready[i]], byName[ready[j]]
			if mi.Priority != mj.Priority {
				return mi.Priority > mj.Priority
			}
			return mi.Name < mj.Name
		})
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byName[next])

		for _, dep := range dependents[next] {
			remaining[dep]--
			if remaining[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(ordered) != len(manifests) {
		var cycle []string
		for name, deg := range remaining {
			if deg > 0 {
				cycle = append(cycle, name)
			}
		}
		sort.Strings(cycle)
		return orderResult{CycleName: cycle}, fmt.Errorf("pluginhost: dependency cycle among %v", cycle)
	}

	return orderResult{Ordered: ordered}, nil
}
