package graph

import "fmt"

// Plan is a scheduled test collection: items in execution order with group
// tags already propagated.
type Plan struct {
	Order []string
	Items []Item
	Graph *DepGraph
}

// Schedule builds the graph for items, orders it, and propagates group tags.
// Any configuration error aborts scheduling. The caller's slice is left
// untouched; the annotated copies are returned in the plan.
func Schedule(items []Item) (*Plan, error) {
	g, err := BuildDepGraph(items)
	if err != nil {
		return nil, err
	}
	order, err := g.Order()
	if err != nil {
		return nil, err
	}

	annotated := make([]Item, len(items))
	for i := range items {
		annotated[i] = cloneItem(items[i])
	}
	g.PropagateGroups(annotated)

	byID := make(map[string]Item, len(annotated))
	for _, item := range annotated {
		byID[item.ID] = item
	}
	ordered := make([]Item, 0, len(order))
	for _, id := range order {
		ordered = append(ordered, byID[id])
	}

	return &Plan{Order: order, Items: ordered, Graph: g}, nil
}

// Item returns the planned item with the given id.
func (p *Plan) Item(id string) (Item, bool) {
	if p == nil {
		return Item{}, false
	}
	for _, item := range p.Items {
		if item.ID == id {
			return cloneItem(item), true
		}
	}
	return Item{}, false
}

// Select narrows the plan to items tagged with any of groups, plus every
// prerequisite those items transitively need, keeping plan order. With no
// groups the plan is returned unchanged.
func (p *Plan) Select(groups ...string) (*Plan, error) {
	if p == nil || len(groups) == 0 {
		return p, nil
	}

	keep := make(map[string]struct{})
	for _, item := range p.Items {
		selected := false
		for _, group := range groups {
			if item.HasGroup(group) {
				selected = true
				break
			}
		}
		if !selected {
			continue
		}
		keep[item.ID] = struct{}{}
		for _, dep := range p.Graph.Ancestors(item.ID) {
			keep[dep] = struct{}{}
		}
	}

	items := make([]Item, 0, len(keep))
	order := make([]string, 0, len(keep))
	for _, item := range p.Items {
		if _, ok := keep[item.ID]; !ok {
			continue
		}
		items = append(items, cloneItem(item))
		order = append(order, item.ID)
	}

	// The selection is closed over prerequisites, so rebuilding cannot hit a
	// missing reference.
	g, err := BuildDepGraph(items)
	if err != nil {
		return nil, fmt.Errorf("graph: select %v: %w", groups, err)
	}
	return &Plan{Order: order, Items: items, Graph: g}, nil
}
