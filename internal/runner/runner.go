// Package runner executes a scheduled plan, consulting the outcome gate
// before every item.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/depgate/internal/dispatch"
	"github.com/antigravity-dev/depgate/internal/graph"
)

// Recorder persists outcomes as they are produced.
type Recorder interface {
	RecordOutcome(runID string, rec graph.OutcomeRecord) error
}

// Runner walks a plan and runs every item the gate allows.
type Runner struct {
	Executor dispatch.Executor
	Recorder Recorder // optional
	Logger   *slog.Logger
	// Parallelism above 1 runs independent items concurrently.
	Parallelism int
}

func New(exec dispatch.Executor, rec Recorder, logger *slog.Logger, parallelism int) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		Executor:    exec,
		Recorder:    rec,
		Logger:      logger.With("component", "runner"),
		Parallelism: parallelism,
	}
}

// Summary describes a finished or interrupted run.
type Summary struct {
	RunID string `json:"run_id"`
	graph.Tally
	// Outcomes are listed in plan order.
	Outcomes []graph.OutcomeRecord `json:"outcomes"`
	Duration time.Duration         `json:"duration"`
}

// NewRunID returns a fresh, time-ordered run identifier.
func NewRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Run executes plan under runID, generating an id when runID is empty.
//
// A blocked item is recorded and the run carries on. The run stops early only
// when ctx is cancelled, the gate reports an ordering violation, or the
// recorder fails; the summary then covers what was recorded so far.
func (r *Runner) Run(ctx context.Context, runID string, plan *graph.Plan) (Summary, error) {
	if plan == nil || plan.Graph == nil {
		return Summary{}, fmt.Errorf("runner: plan is not scheduled")
	}
	if r.Executor == nil {
		return Summary{}, fmt.Errorf("runner: no executor configured")
	}
	if runID == "" {
		runID = NewRunID()
	}

	logger := r.logger().With("run_id", runID)
	outcomes := graph.NewOutcomes()
	gate := graph.NewGate(plan.Graph, outcomes)

	logger.Info("run started", "items", len(plan.Items), "parallelism", r.parallelism())
	start := time.Now()

	var err error
	if r.parallelism() > 1 {
		err = r.runParallel(ctx, runID, plan, gate, outcomes, logger)
	} else {
		err = r.runSequential(ctx, runID, plan, gate, outcomes, logger)
	}

	summary := Summary{
		RunID:    runID,
		Tally:    outcomes.Tally(plan.Order),
		Duration: time.Since(start),
	}
	for _, id := range plan.Order {
		if rec, ok := outcomes.Outcome(id); ok {
			summary.Outcomes = append(summary.Outcomes, rec)
		}
	}

	if err != nil {
		logger.Error("run aborted", "error", err, "recorded", len(summary.Outcomes))
		return summary, err
	}
	logger.Info("run finished",
		"passed", summary.Counts[graph.StatusPassed],
		"failed", len(summary.Failed),
		"blocked", len(summary.Blocked),
		"skipped", len(summary.Skipped),
		"duration", summary.Duration,
	)
	return summary, nil
}

func (r *Runner) runSequential(ctx context.Context, runID string, plan *graph.Plan, gate *graph.Gate, outcomes *graph.Outcomes, logger *slog.Logger) error {
	for _, item := range plan.Items {
		if err := ctx.Err(); err != nil {
			return err
		}
		decision, err := gate.Runnable(item.ID)
		if err != nil {
			return err
		}
		if err := r.runItem(ctx, runID, item, decision, outcomes, logger); err != nil {
			return err
		}
	}
	return nil
}

// runParallel starts one goroutine per item in plan order. Each waits for its
// direct prerequisites to be recorded before consulting the gate, so by then
// every ancestor has an outcome. Launching in topological order keeps the
// concurrency limit from starving a prerequisite.
func (r *Runner) runParallel(ctx context.Context, runID string, plan *graph.Plan, gate *graph.Gate, outcomes *graph.Outcomes, logger *slog.Logger) error {
	done := make(map[string]chan struct{}, len(plan.Items))
	for _, item := range plan.Items {
		done[item.ID] = make(chan struct{})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism())

	for _, item := range plan.Items {
		deps := plan.Graph.DependsOnIDs(item.ID)
		g.Go(func() error {
			for _, dep := range deps {
				select {
				case <-done[dep]:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if err := gctx.Err(); err != nil {
				return err
			}

			decision, err := gate.RunnableTransitive(item.ID)
			if err != nil {
				return err
			}
			if err := r.runItem(gctx, runID, item, decision, outcomes, logger); err != nil {
				return err
			}
			close(done[item.ID])
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// runItem executes or blocks one item and records its outcome.
func (r *Runner) runItem(ctx context.Context, runID string, item graph.Item, decision graph.Decision, outcomes *graph.Outcomes, logger *slog.Logger) error {
	var rec graph.OutcomeRecord
	if !decision.Allowed {
		rec = graph.BlockedOutcome(item.ID, decision.Blocking)
		logger.Info("test blocked", "item", item.ID, "blocking", decision.Blocking)
	} else {
		logger.Debug("test starting", "item", item.ID)
		res, err := r.Executor.Execute(ctx, item)
		if err != nil {
			return fmt.Errorf("runner: execute %s: %w", item.ID, err)
		}
		rec = res.Outcome(item.ID)
		level := slog.LevelInfo
		if !rec.Status.Succeeded() {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "test finished", "item", item.ID, "status", rec.Status, "exit_code", rec.ExitCode, "duration", rec.Duration)
	}
	rec.RecordedAt = time.Now().UTC()

	if err := outcomes.Record(rec); err != nil {
		return fmt.Errorf("runner: %w", err)
	}
	if r.Recorder != nil {
		if err := r.Recorder.RecordOutcome(runID, rec); err != nil {
			return fmt.Errorf("runner: persist outcome for %s: %w", item.ID, err)
		}
	}
	return nil
}

func (r *Runner) parallelism() int {
	if r.Parallelism < 1 {
		return 1
	}
	return r.Parallelism
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
