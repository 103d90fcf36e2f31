package graph

import "sort"

// PropagateGroups extends each item's group tags with the tags of every item
// it transitively depends on. Selecting a group therefore also selects the
// tests that build on its members.
//
// Items are updated in place and the graph's own copies are kept in step.
// Tags an item already carries keep their position; inherited tags are
// appended in sorted order. Only tags declared before the call are copied, so
// running it again yields the same sets. Dependency edges are not touched.
func (g *DepGraph) PropagateGroups(items []Item) {
	if g == nil {
		return
	}

	declared := make(map[string][]string, len(items))
	for i := range items {
		declared[items[i].ID] = items[i].Groups
	}

	for i := range items {
		closure := g.Ancestors(items[i].ID)
		if len(closure) == 0 {
			continue
		}

		seen := make(map[string]struct{}, len(items[i].Groups))
		for _, group := range items[i].Groups {
			seen[group] = struct{}{}
		}

		var inherited []string
		for _, dep := range closure {
			source, ok := declared[dep]
			if !ok {
				if node := g.nodes[dep]; node != nil {
					source = node.Groups
				}
			}
			for _, group := range source {
				if _, dup := seen[group]; dup {
					continue
				}
				seen[group] = struct{}{}
				inherited = append(inherited, group)
			}
		}
		if len(inherited) == 0 {
			continue
		}
		sort.Strings(inherited)

		merged := make([]string, 0, len(items[i].Groups)+len(inherited))
		merged = append(merged, items[i].Groups...)
		merged = append(merged, inherited...)
		items[i].Groups = merged

		if node := g.nodes[items[i].ID]; node != nil {
			node.Groups = cloneStringSlice(merged)
		}
	}
}
