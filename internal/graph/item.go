package graph

import (
	"fmt"
	"strings"
	"time"
)

// Status is the completion state recorded for a test item.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusErrored Status = "errored"
	StatusSkipped Status = "skipped"
	// StatusBlocked marks an item the gate refused to run because a
	// prerequisite did not pass. It is not a failure of the item itself.
	StatusBlocked Status = "blocked"
)

// Succeeded reports whether dependents of an item with this status may run.
func (s Status) Succeeded() bool {
	return s == StatusPassed
}

// ParseStatus normalizes a stored status string.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.TrimSpace(strings.ToLower(raw))); s {
	case StatusPassed, StatusFailed, StatusErrored, StatusSkipped, StatusBlocked:
		return s, nil
	default:
		return "", fmt.Errorf("graph: unknown status %q", raw)
	}
}

// Item is one collected test unit.
type Item struct {
	ID        string        `json:"id"`
	Groups    []string      `json:"groups"`
	DependsOn []string      `json:"depends_on"`
	Command   []string      `json:"command,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

// HasGroup reports whether the item carries the given group tag.
func (it Item) HasGroup(group string) bool {
	for _, g := range it.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// OutcomeRecord is the result of one item within a run. Records are written
// once and never updated.
type OutcomeRecord struct {
	ItemID     string        `json:"item_id"`
	Status     Status        `json:"status"`
	Blocking   []string      `json:"blocking,omitempty"`
	ExitCode   int           `json:"exit_code"`
	Detail     string        `json:"detail,omitempty"`
	Duration   time.Duration `json:"duration"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// BlockedOutcome builds the synthetic record for an item the gate refused.
// RecordedAt is left for the caller so workflow code can use its own clock.
func BlockedOutcome(id string, blocking []string) OutcomeRecord {
	return OutcomeRecord{
		ItemID:   id,
		Status:   StatusBlocked,
		Blocking: cloneStringSlice(blocking),
		Detail:   "prerequisite failed: " + strings.Join(blocking, ", "),
	}
}

// cloneItem returns a value copy of it with independently allocated slices.
// If Item gains new slice or map fields, add them here.
func cloneItem(it Item) Item {
	if len(it.Groups) > 0 {
		cp := make([]string, len(it.Groups))
		copy(cp, it.Groups)
		it.Groups = cp
	}
	if len(it.DependsOn) > 0 {
		cp := make([]string, len(it.DependsOn))
		copy(cp, it.DependsOn)
		it.DependsOn = cp
	}
	if len(it.Command) > 0 {
		cp := make([]string, len(it.Command))
		copy(cp, it.Command)
		it.Command = cp
	}
	return it
}

func cloneStringSlice(values []string) []string {
	if len(values) == 0 {
		return make([]string, 0)
	}
	cp := make([]string, len(values))
	copy(cp, values)
	return cp
}
