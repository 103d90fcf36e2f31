package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Configuration error kinds. A *ConfigError wraps exactly one of these so
// callers can branch with errors.Is.
var (
	ErrEmptyID           = errors.New("empty test id")
	ErrPaddedID          = errors.New("test id has surrounding whitespace")
	ErrDuplicateID       = errors.New("duplicate test id")
	ErrSelfDependency    = errors.New("test depends on itself")
	ErrMissingDependency = errors.New("missing dependency")
	ErrCycle             = errors.New("cyclic or unresolved dependency")
)

// ErrOrderViolation is returned by the gate when it is asked about an item
// whose prerequisites have no recorded outcome yet. It means the execution
// loop did not follow the scheduled order.
var ErrOrderViolation = errors.New("ordering invariant violated")

// ConfigError reports a defect in the declared test collection. These are
// fatal and surface before any test runs.
type ConfigError struct {
	Kind error
	// Item is the offending or dependent test id.
	Item string
	// Ref is the missing dependency id for ErrMissingDependency.
	Ref string
	// Positions holds the registry indices of colliding ids for ErrDuplicateID.
	Positions []int
	// Pending lists every id left unscheduled for ErrCycle, in registry order.
	Pending []string
	// Residual is the dependency map still unresolved when the error was
	// detected, keyed by dependent id.
	Residual map[string][]string
	// order is the registry order used to render Residual deterministically.
	order []string
}

func (e *ConfigError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("graph: ")
	b.WriteString(e.Kind.Error())
	switch {
	case errors.Is(e.Kind, ErrEmptyID):
		fmt.Fprintf(&b, " at registry position %d", firstPosition(e.Positions))
	case errors.Is(e.Kind, ErrPaddedID):
		fmt.Fprintf(&b, " %q at registry position %d", e.Item, firstPosition(e.Positions))
	case errors.Is(e.Kind, ErrDuplicateID):
		fmt.Fprintf(&b, " %q", e.Item)
		if len(e.Positions) == 2 {
			fmt.Fprintf(&b, " (registry positions %d and %d)", e.Positions[0], e.Positions[1])
		}
	case errors.Is(e.Kind, ErrSelfDependency):
		fmt.Fprintf(&b, ": %q", e.Item)
	case errors.Is(e.Kind, ErrMissingDependency):
		fmt.Fprintf(&b, ": %q depends on unknown test %q", e.Item, e.Ref)
	case errors.Is(e.Kind, ErrCycle):
		fmt.Fprintf(&b, ": pending %s", strings.Join(e.Pending, ", "))
	}
	if len(e.Residual) > 0 {
		b.WriteString("; residual graph: ")
		b.WriteString(formatResidual(e.Residual, e.order))
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Kind }

func firstPosition(positions []int) int {
	if len(positions) == 0 {
		return -1
	}
	return positions[0]
}

func formatResidual(residual map[string][]string, order []string) string {
	parts := make([]string, 0, len(residual))
	for _, id := range order {
		deps, ok := residual[id]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s -> [%s]", id, strings.Join(deps, " ")))
	}
	return strings.Join(parts, "; ")
}
