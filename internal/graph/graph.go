package graph

import (
	"sort"
	"strings"
)

// DepGraph is a directed dependency graph over a test collection.
type DepGraph struct {
	ids     []string // registry order
	index   map[string]int
	nodes   map[string]*Item
	forward map[string][]string // item -> depends on
	reverse map[string][]string // item -> dependents
}

// BuildDepGraph builds the dependency graph for a registry of items.
//
// Ids must be unique and non-empty, no item may depend on itself, and every
// dependency must name an item in the registry. Violations are returned as
// *ConfigError. Duplicate and blank entries inside one dependency list are
// collapsed. The input slice is not modified.
func BuildDepGraph(items []Item) (*DepGraph, error) {
	g := &DepGraph{
		ids:     make([]string, 0, len(items)),
		index:   make(map[string]int, len(items)),
		nodes:   make(map[string]*Item, len(items)),
		forward: make(map[string][]string, len(items)),
		reverse: make(map[string][]string, len(items)),
	}
	graphItems := make([]Item, len(items))

	for i := range items {
		id := items[i].ID
		if strings.TrimSpace(id) == "" {
			return nil, &ConfigError{Kind: ErrEmptyID, Positions: []int{i}}
		}
		// Dependency references are trimmed, so a padded id could never be
		// referenced.
		if strings.TrimSpace(id) != id {
			return nil, &ConfigError{Kind: ErrPaddedID, Item: id, Positions: []int{i}}
		}
		if first, dup := g.index[id]; dup {
			return nil, &ConfigError{Kind: ErrDuplicateID, Item: id, Positions: []int{first, i}}
		}
		graphItems[i] = cloneItem(items[i])
		g.ids = append(g.ids, id)
		g.index[id] = i
		g.nodes[id] = &graphItems[i]
		g.forward[id] = make([]string, 0, len(items[i].DependsOn))
		g.reverse[id] = make([]string, 0)
	}

	for i := range items {
		item := &items[i]
		if len(item.DependsOn) == 0 {
			continue
		}

		seen := make(map[string]struct{}, len(item.DependsOn))
		for _, depID := range item.DependsOn {
			depID = strings.TrimSpace(depID)
			if depID == "" {
				continue
			}
			if depID == item.ID {
				return nil, &ConfigError{Kind: ErrSelfDependency, Item: item.ID}
			}
			if _, dup := seen[depID]; dup {
				continue
			}
			seen[depID] = struct{}{}
			g.forward[item.ID] = append(g.forward[item.ID], depID)
		}
	}

	// Edges are validated only once every declaration is known so the error
	// can carry the complete declared graph.
	for _, id := range g.ids {
		for _, depID := range g.forward[id] {
			if _, ok := g.index[depID]; !ok {
				return nil, &ConfigError{
					Kind:     ErrMissingDependency,
					Item:     id,
					Ref:      depID,
					Residual: g.Edges(),
					order:    cloneStringSlice(g.ids),
				}
			}
			g.reverse[depID] = append(g.reverse[depID], id)
		}
	}

	return g, nil
}

// Len returns the number of items in the graph.
func (g *DepGraph) Len() int {
	if g == nil {
		return 0
	}
	return len(g.ids)
}

// IDs returns item ids in registry order.
func (g *DepGraph) IDs() []string {
	if g == nil {
		return nil
	}
	return cloneStringSlice(g.ids)
}

// Has reports whether id is part of the graph.
func (g *DepGraph) Has(id string) bool {
	if g == nil {
		return false
	}
	_, ok := g.index[id]
	return ok
}

// Item returns a copy of the graph's record for id.
func (g *DepGraph) Item(id string) (Item, bool) {
	if g == nil {
		return Item{}, false
	}
	node, ok := g.nodes[id]
	if !ok || node == nil {
		return Item{}, false
	}
	return cloneItem(*node), true
}

// Nodes returns a shallow copy of the node lookup map. The map itself is a
// copy, but the *Item pointers are shared with the graph's internal state.
func (g *DepGraph) Nodes() map[string]*Item {
	if g == nil {
		return nil
	}
	cp := make(map[string]*Item, len(g.nodes))
	for k, v := range g.nodes {
		cp[k] = v
	}
	return cp
}

// DependsOnIDs returns the ids the item directly depends on, in declaration order.
func (g *DepGraph) DependsOnIDs(id string) []string {
	if g == nil || g.forward == nil {
		return nil
	}
	dependencies, ok := g.forward[id]
	if !ok {
		return nil
	}
	return cloneStringSlice(dependencies)
}

// BlocksIDs returns the ids that directly depend on the item.
func (g *DepGraph) BlocksIDs(id string) []string {
	if g == nil || g.reverse == nil {
		return nil
	}
	dependents, ok := g.reverse[id]
	if !ok {
		return nil
	}
	return cloneStringSlice(dependents)
}

// Edges returns a copy of the dependency mapping (item -> depends on).
func (g *DepGraph) Edges() map[string][]string {
	if g == nil {
		return nil
	}
	cp := make(map[string][]string, len(g.forward))
	for id, deps := range g.forward {
		cp[id] = cloneStringSlice(deps)
	}
	return cp
}

// Ancestors returns every item id reachable from id along dependency edges,
// sorted by registry position. The walk keeps a visited set so a cycle that
// slipped past Order cannot recurse forever.
func (g *DepGraph) Ancestors(id string) []string {
	if g == nil {
		return nil
	}
	visited := make(map[string]struct{})
	var walk func(cur string)
	walk = func(cur string) {
		for _, dep := range g.forward[cur] {
			if _, ok := visited[dep]; ok {
				continue
			}
			visited[dep] = struct{}{}
			walk(dep)
		}
	}
	walk(id)
	delete(visited, id)

	out := make([]string, 0, len(visited))
	for dep := range visited {
		out = append(out, dep)
	}
	g.sortByRegistry(out)
	return out
}

func (g *DepGraph) sortByRegistry(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		pi, iok := g.index[ids[i]]
		pj, jok := g.index[ids[j]]
		if iok != jok {
			return iok
		}
		if pi != pj {
			return pi < pj
		}
		return ids[i] < ids[j]
	})
}
