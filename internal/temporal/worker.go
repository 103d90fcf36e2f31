package temporal

import (
	"context"
	"fmt"
	"log/slog"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"

	"github.com/antigravity-dev/depgate/internal/config"
)

// Dial connects to the Temporal frontend described by cfg.
func Dial(cfg config.Temporal, logger *slog.Logger) (client.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    log.NewStructuredLogger(logger.With("component", "temporal")),
	})
	if err != nil {
		return nil, fmt.Errorf("temporal: dial %s: %w", cfg.HostPort, err)
	}
	return c, nil
}

// NewWorker registers the run workflow and acts on the configured task queue.
func NewWorker(c client.Client, cfg config.Temporal, acts *Activities) worker.Worker {
	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(TestRunWorkflow)
	w.RegisterActivity(acts)
	return w
}

// StartWorker starts a worker in the background. The caller stops it.
func StartWorker(c client.Client, cfg config.Temporal, acts *Activities) (worker.Worker, error) {
	w := NewWorker(c, cfg, acts)
	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("temporal: start worker on %s: %w", cfg.TaskQueue, err)
	}
	return w, nil
}

// workflowStarter is the part of client.Client SubmitRun uses.
type workflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

func runWorkflowOptions(cfg config.Temporal, runID string) client.StartWorkflowOptions {
	return client.StartWorkflowOptions{
		ID:        WorkflowID(runID),
		TaskQueue: cfg.TaskQueue,
		// A run id is used for exactly one workflow.
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}
}

// SubmitRun starts TestRunWorkflow for req and waits for its summary.
func SubmitRun(ctx context.Context, c workflowStarter, cfg config.Temporal, req RunRequest) (*RunSummary, error) {
	if req.RunID == "" {
		return nil, fmt.Errorf("temporal: run id is required")
	}
	run, err := c.ExecuteWorkflow(ctx, runWorkflowOptions(cfg, req.RunID), TestRunWorkflow, req)
	if err != nil {
		return nil, fmt.Errorf("temporal: start run %s: %w", req.RunID, err)
	}
	var summary RunSummary
	if err := run.Get(ctx, &summary); err != nil {
		return nil, fmt.Errorf("temporal: run %s: %w", req.RunID, err)
	}
	return &summary, nil
}
