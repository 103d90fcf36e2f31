package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/antigravity-dev/depgate/internal/dispatch"
	"github.com/antigravity-dev/depgate/internal/graph"
	"github.com/antigravity-dev/depgate/internal/store"
)

// OutcomeStore persists outcomes. *store.Store implements it.
type OutcomeStore interface {
	RecordOutcome(runID string, rec graph.OutcomeRecord) error
}

// Activities holds dependencies for Temporal activity methods.
type Activities struct {
	Store    OutcomeStore
	Executor dispatch.Executor
}

const heartbeatInterval = 5 * time.Second

// ExecuteTestActivity runs one test item and reports its outcome. Test
// failures are outcomes, not activity errors; an error is returned only when
// the activity itself was cancelled.
func (a *Activities) ExecuteTestActivity(ctx context.Context, item graph.Item) (*graph.OutcomeRecord, error) {
	logger := activity.GetLogger(ctx)
	if a.Executor == nil {
		return nil, fmt.Errorf("no executor configured")
	}
	logger.Info("Executing test", "Item", item.ID)

	type execResult struct {
		res dispatch.Result
		err error
	}
	done := make(chan execResult, 1)
	go func() {
		res, err := a.Executor.Execute(ctx, item)
		done <- execResult{res: res, err: err}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case out := <-done:
			if out.err != nil {
				return nil, out.err
			}
			rec := out.res.Outcome(item.ID)
			logger.Info("Test finished", "Item", item.ID, "Status", rec.Status, "ExitCode", rec.ExitCode)
			return &rec, nil
		case <-ticker.C:
			activity.RecordHeartbeat(ctx, item.ID)
		}
	}
}

// RecordOutcomeActivity persists one outcome. A retry after a successful
// write finds the record already present and succeeds.
func (a *Activities) RecordOutcomeActivity(ctx context.Context, runID string, rec graph.OutcomeRecord) error {
	logger := activity.GetLogger(ctx)
	if a.Store == nil {
		logger.Warn("No store configured, skipping outcome recording", "Item", rec.ItemID)
		return nil
	}
	if err := a.Store.RecordOutcome(runID, rec); err != nil {
		if errors.Is(err, store.ErrOutcomeExists) {
			logger.Info("Outcome already recorded", "RunID", runID, "Item", rec.ItemID)
			return nil
		}
		logger.Error("Failed to record outcome", "RunID", runID, "Item", rec.ItemID, "error", err)
		return err
	}
	return nil
}
