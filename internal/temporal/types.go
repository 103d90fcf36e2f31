package temporal

import (
	"time"

	"github.com/antigravity-dev/depgate/internal/graph"
)

// RunRequest is the input of TestRunWorkflow.
type RunRequest struct {
	RunID string `json:"run_id"`
	// Items must be in scheduled order with group tags already propagated.
	Items []graph.Item `json:"items"`
	// ItemTimeout applies to items without their own timeout.
	ItemTimeout time.Duration `json:"item_timeout"`
}

// RunSummary is the result of TestRunWorkflow.
type RunSummary struct {
	RunID string `json:"run_id"`
	graph.Tally
	Outcomes []graph.OutcomeRecord `json:"outcomes"`
}

// WorkflowID is the Temporal workflow id used for a depgate run.
func WorkflowID(runID string) string {
	return "depgate-run-" + runID
}
