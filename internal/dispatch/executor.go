// Package dispatch runs individual test items and classifies how they ended.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/antigravity-dev/depgate/internal/graph"
)

// Executor runs one test item to completion.
//
// A test that ran and failed, or that could not be started, is reported
// through Result. The returned error is reserved for the caller's context
// being cancelled, in which case no outcome should be recorded.
type Executor interface {
	Execute(ctx context.Context, item graph.Item) (Result, error)
}

// Result is what an executor observed for one item.
type Result struct {
	Status   graph.Status
	ExitCode int
	Output   string
	Duration time.Duration
}

// Outcome converts the result into the record stored for id.
func (r Result) Outcome(id string) graph.OutcomeRecord {
	return graph.OutcomeRecord{
		ItemID:   id,
		Status:   r.Status,
		ExitCode: r.ExitCode,
		Detail:   r.Output,
		Duration: r.Duration,
	}
}

// outputTailLines bounds how much captured output is kept per outcome.
const outputTailLines = 40

// classify maps an exit status to an outcome status.
func classify(exitCode, skipCode int) graph.Status {
	switch {
	case exitCode == 0:
		return graph.StatusPassed
	case skipCode > 0 && exitCode == skipCode:
		return graph.StatusSkipped
	default:
		return graph.StatusFailed
	}
}

// outputTail returns the last n lines of text.
func outputTail(text string, n int) string {
	text = strings.TrimRight(text, "\n")
	if text == "" || n <= 0 {
		return ""
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// itemTimeout picks the item's own timeout, falling back to def.
func itemTimeout(item graph.Item, def time.Duration) time.Duration {
	if item.Timeout > 0 {
		return item.Timeout
	}
	return def
}
