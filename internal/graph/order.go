package graph

import "sort"

// Order linearizes the graph so every item follows all of its dependencies.
//
// The sort runs in passes. Each pass drops, from every pending item, the
// dependencies emitted by earlier passes, then emits the items left with
// nothing unsatisfied. Items emitted in the same pass keep registry order, so
// the result only departs from collection order where a dependency forces it.
//
// A pass that emits nothing while items remain means the rest are caught in
// a cycle or depend on one; that is returned as a *ConfigError wrapping
// ErrCycle listing every pending id. No partial order is returned.
func (g *DepGraph) Order() ([]string, error) {
	layers, err := g.Layers()
	if err != nil {
		return nil, err
	}
	order := make([]string, 0, g.Len())
	for _, layer := range layers {
		order = append(order, layer...)
	}
	return order, nil
}

// Layers returns the passes computed by Order. Items within one layer have
// no dependencies on each other.
func (g *DepGraph) Layers() ([][]string, error) {
	if g == nil {
		return nil, nil
	}

	type pending struct {
		id          string
		unsatisfied map[string]struct{}
	}

	work := make([]pending, 0, len(g.ids))
	for _, id := range g.ids {
		unsatisfied := make(map[string]struct{}, len(g.forward[id]))
		for _, dep := range g.forward[id] {
			unsatisfied[dep] = struct{}{}
		}
		work = append(work, pending{id: id, unsatisfied: unsatisfied})
	}

	emitted := make(map[string]struct{}, len(work))
	var layers [][]string
	for len(work) > 0 {
		var layer []string
		remaining := work[:0]
		for _, entry := range work {
			for dep := range entry.unsatisfied {
				if _, done := emitted[dep]; done {
					delete(entry.unsatisfied, dep)
				}
			}
			if len(entry.unsatisfied) == 0 {
				layer = append(layer, entry.id)
				continue
			}
			remaining = append(remaining, entry)
		}

		if len(layer) == 0 {
			ids := make([]string, 0, len(remaining))
			residual := make(map[string][]string, len(remaining))
			for _, entry := range remaining {
				ids = append(ids, entry.id)
				deps := make([]string, 0, len(entry.unsatisfied))
				for dep := range entry.unsatisfied {
					deps = append(deps, dep)
				}
				sort.Strings(deps)
				residual[entry.id] = deps
			}
			return nil, &ConfigError{
				Kind:     ErrCycle,
				Pending:  ids,
				Residual: residual,
				order:    ids,
			}
		}

		// Emission only becomes visible to the next pass.
		for _, id := range layer {
			emitted[id] = struct{}{}
		}
		layers = append(layers, layer)
		work = remaining
	}
	return layers, nil
}
