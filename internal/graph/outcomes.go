package graph

import (
	"fmt"
	"strings"
	"sync"
)

// OutcomeSource exposes the outcomes recorded so far in a run.
type OutcomeSource interface {
	Outcome(id string) (OutcomeRecord, bool)
}

// Outcomes is a write-once outcome set that is safe for concurrent use.
// A record becomes visible to readers as soon as Record returns.
type Outcomes struct {
	mu      sync.RWMutex
	records map[string]OutcomeRecord
	order   []string
}

func NewOutcomes() *Outcomes {
	return &Outcomes{records: make(map[string]OutcomeRecord)}
}

// Record stores rec. Recording the same item twice is an error; a test item
// is never re-run within one run.
func (o *Outcomes) Record(rec OutcomeRecord) error {
	if strings.TrimSpace(rec.ItemID) == "" {
		return fmt.Errorf("graph: outcome record has no item id")
	}
	if rec.Status == "" {
		return fmt.Errorf("graph: outcome for %q has no status", rec.ItemID)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.records[rec.ItemID]; exists {
		return fmt.Errorf("graph: outcome for %q already recorded", rec.ItemID)
	}
	rec.Blocking = cloneStringSlice(rec.Blocking)
	o.records[rec.ItemID] = rec
	o.order = append(o.order, rec.ItemID)
	return nil
}

func (o *Outcomes) Outcome(id string) (OutcomeRecord, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rec, ok := o.records[id]
	return rec, ok
}

func (o *Outcomes) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.records)
}

// All returns the records in the order they were written.
func (o *Outcomes) All() []OutcomeRecord {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]OutcomeRecord, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.records[id])
	}
	return out
}

// Tally summarizes a run's outcomes.
type Tally struct {
	Counts  map[Status]int `json:"counts"`
	Failed  []string       `json:"failed,omitempty"`
	Blocked []string       `json:"blocked,omitempty"`
	Skipped []string       `json:"skipped,omitempty"`
	// NotRun lists ids from the order that have no record, e.g. after the
	// run was cancelled.
	NotRun []string `json:"not_run,omitempty"`
}

// OK reports whether nothing failed or errored.
func (t Tally) OK() bool {
	return len(t.Failed) == 0
}

// Tally counts outcomes for the ids in order. Failed covers both failed and
// errored items.
func (o *Outcomes) Tally(order []string) Tally {
	t := Tally{Counts: make(map[Status]int)}
	for _, id := range order {
		rec, ok := o.Outcome(id)
		if !ok {
			t.NotRun = append(t.NotRun, id)
			continue
		}
		t.Counts[rec.Status]++
		switch rec.Status {
		case StatusFailed, StatusErrored:
			t.Failed = append(t.Failed, id)
		case StatusBlocked:
			t.Blocked = append(t.Blocked, id)
		case StatusSkipped:
			t.Skipped = append(t.Skipped, id)
		}
	}
	return t
}
