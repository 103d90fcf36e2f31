package graph

import (
	"fmt"
	"strings"
)

// Decision is the gate's answer for one item.
type Decision struct {
	Allowed  bool     `json:"allowed"`
	Blocking []string `json:"blocking,omitempty"`
}

// Gate decides, immediately before an item runs, whether its prerequisites
// allow it to. It holds no state of its own; outcomes are read from the
// source supplied by the executor.
type Gate struct {
	graph    *DepGraph
	outcomes OutcomeSource
}

func NewGate(g *DepGraph, outcomes OutcomeSource) *Gate {
	return &Gate{graph: g, outcomes: outcomes}
}

// Runnable checks the item's direct dependencies. The item is blocked when
// any of them is recorded as anything other than passed; a blocked or skipped
// prerequisite counts as failed, so a failure reaches every descendant one
// hop per call as long as items are evaluated in scheduled order.
//
// A dependency without a recorded outcome means the caller broke the order;
// that returns an error wrapping ErrOrderViolation instead of a decision.
func (gt *Gate) Runnable(id string) (Decision, error) {
	if err := gt.check(id); err != nil {
		return Decision{}, err
	}
	deps := gt.graph.forward[id]
	if len(deps) == 0 {
		return Decision{Allowed: true}, nil
	}
	return gt.evaluate(id, deps)
}

// RunnableTransitive checks every transitive prerequisite of the item rather
// than only the direct ones. Executors that run items concurrently use it so
// blocking does not depend on the order in which siblings were evaluated.
// Blocking lists every ancestor that did not pass, in registry order.
func (gt *Gate) RunnableTransitive(id string) (Decision, error) {
	if err := gt.check(id); err != nil {
		return Decision{}, err
	}
	ancestors := gt.graph.Ancestors(id)
	if len(ancestors) == 0 {
		return Decision{Allowed: true}, nil
	}
	return gt.evaluate(id, ancestors)
}

func (gt *Gate) check(id string) error {
	if gt == nil || gt.graph == nil {
		return fmt.Errorf("graph: gate is not initialized")
	}
	if gt.outcomes == nil {
		return fmt.Errorf("graph: gate has no outcome source")
	}
	if !gt.graph.Has(id) {
		return fmt.Errorf("graph: gate: unknown test %q", id)
	}
	return nil
}

func (gt *Gate) evaluate(id string, prerequisites []string) (Decision, error) {
	var missing, blocking []string
	for _, dep := range prerequisites {
		rec, ok := gt.outcomes.Outcome(dep)
		if !ok {
			missing = append(missing, dep)
			continue
		}
		if !rec.Status.Succeeded() {
			blocking = append(blocking, dep)
		}
	}
	if len(missing) > 0 {
		return Decision{}, fmt.Errorf("%w: %q evaluated before %s recorded an outcome",
			ErrOrderViolation, id, strings.Join(missing, ", "))
	}
	if len(blocking) > 0 {
		return Decision{Allowed: false, Blocking: blocking}, nil
	}
	return Decision{Allowed: true}, nil
}
