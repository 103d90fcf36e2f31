package temporal

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/antigravity-dev/depgate/internal/graph"
)

const (
	defaultItemTimeout = 10 * time.Minute
	// activityGrace is added to an item's timeout so the executor reports the
	// timeout itself before Temporal cancels the activity.
	activityGrace = time.Minute
)

// TestRunWorkflow runs a scheduled plan durably.
//
// Items are walked in request order. Before each one the gate is evaluated
// inside the workflow against the outcomes accumulated so far, so replays
// make the same decisions. Runnable items execute through
// ExecuteTestActivity; every outcome, blocked ones included, is persisted
// through RecordOutcomeActivity.
func TestRunWorkflow(ctx workflow.Context, req RunRequest) (*RunSummary, error) {
	logger := workflow.GetLogger(ctx)

	g, err := graph.BuildDepGraph(req.Items)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError("invalid plan", "ConfigError", err)
	}
	outcomes := graph.NewOutcomes()
	gate := graph.NewGate(g, outcomes)

	recordOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	}
	recordCtx := workflow.WithActivityOptions(ctx, recordOpts)

	var a *Activities
	order := make([]string, 0, len(req.Items))

	logger.Info("Run started", "RunID", req.RunID, "Items", len(req.Items))
	for _, item := range req.Items {
		order = append(order, item.ID)

		decision, err := gate.Runnable(item.ID)
		if err != nil {
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), "OrderViolation", err)
		}

		var rec graph.OutcomeRecord
		if !decision.Allowed {
			rec = graph.BlockedOutcome(item.ID, decision.Blocking)
			logger.Info("Test blocked", "Item", item.ID, "Blocking", decision.Blocking)
		} else {
			execCtx := workflow.WithActivityOptions(ctx, executeOptions(item, req.ItemTimeout))
			var result graph.OutcomeRecord
			if err := workflow.ExecuteActivity(execCtx, a.ExecuteTestActivity, item).Get(ctx, &result); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				logger.Warn("Test activity failed", "Item", item.ID, "error", err)
				result = graph.OutcomeRecord{
					ItemID:   item.ID,
					Status:   graph.StatusErrored,
					ExitCode: -1,
					Detail:   fmt.Sprintf("activity failed: %v", err),
				}
			}
			rec = result
		}
		rec.RecordedAt = workflow.Now(ctx).UTC()

		if err := outcomes.Record(rec); err != nil {
			return nil, err
		}
		if err := workflow.ExecuteActivity(recordCtx, a.RecordOutcomeActivity, req.RunID, rec).Get(ctx, nil); err != nil {
			return nil, fmt.Errorf("record outcome for %s: %w", item.ID, err)
		}
	}

	summary := &RunSummary{
		RunID: req.RunID,
		Tally: outcomes.Tally(order),
	}
	for _, id := range order {
		if rec, ok := outcomes.Outcome(id); ok {
			summary.Outcomes = append(summary.Outcomes, rec)
		}
	}
	logger.Info("Run finished", "RunID", req.RunID, "Failed", len(summary.Failed), "Blocked", len(summary.Blocked))
	return summary, nil
}

func executeOptions(item graph.Item, fallback time.Duration) workflow.ActivityOptions {
	timeout := item.Timeout
	if timeout <= 0 {
		timeout = fallback
	}
	if timeout <= 0 {
		timeout = defaultItemTimeout
	}
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout + activityGrace,
		HeartbeatTimeout:    30 * time.Second,
		// A test is never re-run within one run.
		RetryPolicy: &temporal.RetryPolicy{MaximumAttempts: 1},
	}
}
