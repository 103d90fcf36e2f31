package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.temporal.io/sdk/worker"

	"github.com/antigravity-dev/depgate/internal/config"
	"github.com/antigravity-dev/depgate/internal/dispatch"
	"github.com/antigravity-dev/depgate/internal/graph"
	"github.com/antigravity-dev/depgate/internal/lock"
	"github.com/antigravity-dev/depgate/internal/registry"
	"github.com/antigravity-dev/depgate/internal/runner"
	"github.com/antigravity-dev/depgate/internal/store"
	"github.com/antigravity-dev/depgate/internal/temporal"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailed      = 1
	exitConfigError = 2
)

type options struct {
	configPath string
	dev        bool
	groups     string
	planOnly   bool
	report     string
	runID      string
	worker     bool
}

func configureLogger(w io.Writer, logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "depgate.toml", "path to config file")
	flag.BoolVar(&opts.dev, "dev", false, "use text log format (default is JSON)")
	flag.StringVar(&opts.groups, "groups", "", "comma-separated groups to run, overriding [run].groups")
	flag.BoolVar(&opts.planOnly, "plan", false, "print the scheduled order with group tags and exit")
	flag.StringVar(&opts.report, "report", "", "print stored outcomes for a run id (or \"latest\") and exit")
	flag.StringVar(&opts.runID, "run-id", "", "run id to use instead of a generated one")
	flag.BoolVar(&opts.worker, "worker", false, "serve the Temporal run workflow until interrupted")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, opts, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, opts options, stdout, stderr io.Writer) int {
	logger := configureLogger(stderr, "info", opts.dev)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		logger.Error("failed to load config", "config", opts.configPath, "error", err)
		return exitConfigError
	}
	logger = configureLogger(stderr, cfg.General.LogLevel, opts.dev)
	slog.SetDefault(logger)

	if opts.report != "" {
		return runReport(cfg, opts.report, stdout, logger)
	}
	if opts.worker {
		return runWorker(cfg, logger)
	}

	items, err := registry.Load(cfg.Registry.Paths...)
	if err != nil {
		logger.Error("failed to load test registry", "error", err)
		return exitConfigError
	}
	plan, err := graph.Schedule(items)
	if err != nil {
		var cfgErr *graph.ConfigError
		if errors.As(err, &cfgErr) {
			logger.Error("invalid test dependencies", "kind", cfgErr.Kind, "error", err)
		} else {
			logger.Error("failed to schedule tests", "error", err)
		}
		return exitConfigError
	}

	groups := cfg.Run.Groups
	if override := parseGroups(opts.groups); len(override) > 0 {
		groups = override
	}
	plan, err = plan.Select(groups...)
	if err != nil {
		logger.Error("failed to select groups", "groups", groups, "error", err)
		return exitConfigError
	}

	if opts.planOnly {
		if err := printPlan(stdout, plan); err != nil {
			logger.Error("failed to print plan", "error", err)
			return exitFailed
		}
		return exitOK
	}
	if len(plan.Items) == 0 {
		logger.Warn("no tests selected", "groups", groups)
		return exitOK
	}

	fl, err := lock.Acquire(cfg.General.LockFile)
	if err != nil {
		logger.Error("failed to acquire lock", "error", err)
		return exitFailed
	}
	defer lock.Release(fl)

	st, err := store.Open(cfg.General.StateDB)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.General.StateDB, "error", err)
		return exitFailed
	}
	defer st.Close()

	runID := strings.TrimSpace(opts.runID)
	if runID == "" {
		runID = runner.NewRunID()
	}
	logger = logger.With("run_id", runID)
	if err := st.CreateRun(runID, groups); err != nil {
		logger.Error("failed to create run", "error", err)
		return exitFailed
	}
	if err := st.SavePlan(runID, plan); err != nil {
		logger.Error("failed to save plan", "error", err)
		_ = st.FinishRun(runID, store.RunAborted)
		return exitFailed
	}

	tally, outcomes, runErr := execute(ctx, cfg, runID, plan, st, logger)

	status := store.RunPassed
	switch {
	case runErr != nil:
		status = store.RunAborted
	case !tally.OK():
		status = store.RunFailed
	}
	if err := st.FinishRun(runID, status); err != nil {
		logger.Error("failed to finish run", "error", err)
	}

	if err := printSummary(stdout, runID, tally, outcomes); err != nil {
		logger.Error("failed to print summary", "error", err)
	}
	if runErr != nil {
		logger.Error("run aborted", "error", runErr)
		return exitFailed
	}
	if !tally.OK() {
		return exitFailed
	}
	return exitOK
}

// execute runs plan with the configured executor.
func execute(ctx context.Context, cfg *config.Config, runID string, plan *graph.Plan, st *store.Store, logger *slog.Logger) (graph.Tally, []graph.OutcomeRecord, error) {
	exec, err := newExecutor(cfg, logger)
	if err != nil {
		return graph.Tally{}, nil, err
	}

	if cfg.Run.Executor != config.ExecutorTemporal {
		summary, err := runner.New(exec, st, logger, cfg.Run.Parallelism).Run(ctx, runID, plan)
		return summary.Tally, summary.Outcomes, err
	}

	c, err := temporal.Dial(cfg.Temporal, logger)
	if err != nil {
		return graph.Tally{}, nil, err
	}
	defer c.Close()

	w, err := temporal.StartWorker(c, cfg.Temporal, &temporal.Activities{Store: st, Executor: exec})
	if err != nil {
		return graph.Tally{}, nil, err
	}
	defer w.Stop()

	logger.Info("submitting run workflow", "workflow_id", temporal.WorkflowID(runID), "task_queue", cfg.Temporal.TaskQueue)
	summary, err := temporal.SubmitRun(ctx, c, cfg.Temporal, temporal.RunRequest{
		RunID:       runID,
		Items:       plan.Items,
		ItemTimeout: cfg.Run.ItemTimeout.Duration,
	})
	if err != nil {
		return graph.Tally{}, nil, err
	}
	return summary.Tally, summary.Outcomes, nil
}

// newExecutor builds the executor items run on. Temporal activities use the
// Docker executor when an image is configured and local commands otherwise.
func newExecutor(cfg *config.Config, logger *slog.Logger) (dispatch.Executor, error) {
	useDocker := cfg.Run.Executor == config.ExecutorDocker ||
		(cfg.Run.Executor == config.ExecutorTemporal && cfg.Docker.Image != "")
	if useDocker {
		return dispatch.NewDockerExecutor(dispatch.DockerOptions{
			Image:        cfg.Docker.Image,
			Env:          cfg.Docker.Env,
			Network:      cfg.Docker.Network,
			WorkDir:      cfg.Run.WorkDir,
			Timeout:      cfg.Run.ItemTimeout.Duration,
			SkipExitCode: cfg.Run.SkipCode(),
			Remove:       cfg.Docker.AutoRemove,
		}, logger)
	}
	return dispatch.NewCommandExecutor(cfg.Run.WorkDir, cfg.Run.ItemTimeout.Duration, cfg.Run.SkipCode(), logger), nil
}

func runWorker(cfg *config.Config, logger *slog.Logger) int {
	st, err := store.Open(cfg.General.StateDB)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.General.StateDB, "error", err)
		return exitFailed
	}
	defer st.Close()

	exec, err := newExecutor(cfg, logger)
	if err != nil {
		logger.Error("failed to create executor", "error", err)
		return exitFailed
	}
	c, err := temporal.Dial(cfg.Temporal, logger)
	if err != nil {
		logger.Error("failed to connect to temporal", "error", err)
		return exitFailed
	}
	defer c.Close()

	w := temporal.NewWorker(c, cfg.Temporal, &temporal.Activities{Store: st, Executor: exec})
	logger.Info("temporal worker starting", "task_queue", cfg.Temporal.TaskQueue, "host_port", cfg.Temporal.HostPort)
	if err := w.Run(worker.InterruptCh()); err != nil {
		logger.Error("temporal worker failed", "error", err)
		return exitFailed
	}
	return exitOK
}

func runReport(cfg *config.Config, which string, out io.Writer, logger *slog.Logger) int {
	st, err := store.Open(cfg.General.StateDB)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.General.StateDB, "error", err)
		return exitFailed
	}
	defer st.Close()

	var r *store.Run
	if which == "latest" {
		r, err = st.LatestRun()
	} else {
		r, err = st.GetRun(which)
	}
	if err != nil {
		logger.Error("failed to load run", "run", which, "error", err)
		return exitFailed
	}

	items, err := st.ListPlan(r.ID)
	if err != nil {
		logger.Error("failed to load plan", "run_id", r.ID, "error", err)
		return exitFailed
	}
	records, err := st.ListOutcomes(r.ID)
	if err != nil {
		logger.Error("failed to load outcomes", "run_id", r.ID, "error", err)
		return exitFailed
	}

	tally, ordered := reportTally(items, records)
	fmt.Fprintf(out, "run %s  status=%s  started=%s\n", r.ID, r.Status, r.StartedAt.Format("2006-01-02 15:04:05Z07:00"))
	if err := printSummary(out, r.ID, tally, ordered); err != nil {
		logger.Error("failed to print report", "error", err)
		return exitFailed
	}
	if !tally.OK() {
		return exitFailed
	}
	return exitOK
}

// reportTally rebuilds a run tally from stored rows, listing outcomes in
// plan order.
func reportTally(items []graph.Item, records []graph.OutcomeRecord) (graph.Tally, []graph.OutcomeRecord) {
	outcomes := graph.NewOutcomes()
	for _, rec := range records {
		_ = outcomes.Record(rec)
	}
	order := make([]string, 0, len(items))
	ordered := make([]graph.OutcomeRecord, 0, len(records))
	for _, item := range items {
		order = append(order, item.ID)
		if rec, ok := outcomes.Outcome(item.ID); ok {
			ordered = append(ordered, rec)
		}
	}
	return outcomes.Tally(order), ordered
}

// parseGroups splits a comma list, dropping blanks and repeats.
func parseGroups(raw string) []string {
	var groups []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		g := strings.TrimSpace(part)
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		groups = append(groups, g)
	}
	return groups
}
