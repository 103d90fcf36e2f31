package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/antigravity-dev/depgate/internal/graph"
)

// BuildCommand constructs an exec-compatible argv for item, substituting the
// {id} and {work_dir} placeholders.
func BuildCommand(item graph.Item, workDir string) ([]string, error) {
	if len(item.Command) == 0 {
		return nil, fmt.Errorf("command builder: test %q has no command", item.ID)
	}
	if strings.TrimSpace(item.Command[0]) == "" {
		return nil, fmt.Errorf("command builder: test %q has an empty program name", item.ID)
	}

	replacer := strings.NewReplacer("{id}", item.ID, "{work_dir}", workDir)
	argv := make([]string, 0, len(item.Command))
	for _, raw := range item.Command {
		argv = append(argv, replacer.Replace(raw))
	}
	return argv, nil
}

// CommandExecutor runs each item's command as a local child process.
type CommandExecutor struct {
	WorkDir      string
	Env          []string
	Timeout      time.Duration // used when the item sets none
	SkipExitCode int
	Logger       *slog.Logger
}

func NewCommandExecutor(workDir string, timeout time.Duration, skipExitCode int, logger *slog.Logger) *CommandExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandExecutor{
		WorkDir:      workDir,
		Timeout:      timeout,
		SkipExitCode: skipExitCode,
		Logger:       logger.With("component", "command_executor"),
	}
}

// Execute runs the item and waits for it. Exit 0 is passed, the skip code is
// skipped, any other exit is failed. Start failures and timeouts are errored.
func (e *CommandExecutor) Execute(ctx context.Context, item graph.Item) (Result, error) {
	argv, err := BuildCommand(item, e.WorkDir)
	if err != nil {
		return Result{Status: graph.StatusErrored, ExitCode: -1, Output: err.Error()}, nil
	}

	runCtx := ctx
	timeout := itemTimeout(item, e.Timeout)
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var output bytes.Buffer
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = e.WorkDir
	cmd.Env = append(os.Environ(), "DEPGATE_TEST_ID="+item.ID)
	cmd.Env = append(cmd.Env, e.Env...)
	cmd.Stdout = &output
	cmd.Stderr = &output
	// Grandchildren holding the pipes open must not stall Wait after a kill.
	cmd.WaitDelay = 5 * time.Second

	e.Logger.Debug("starting test", "item", item.ID, "argv", argv, "timeout", timeout)
	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	tail := outputTail(output.String(), outputTailLines)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Result{
			Status:   graph.StatusErrored,
			ExitCode: -1,
			Output:   joinDetail(fmt.Sprintf("timed out after %s", timeout), tail),
			Duration: duration,
		}, nil
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return Result{
				Status:   graph.StatusErrored,
				ExitCode: -1,
				Output:   joinDetail(fmt.Sprintf("start command: %v", runErr), tail),
				Duration: duration,
			}, nil
		}
		code := exitErr.ExitCode()
		if code < 0 {
			return Result{
				Status:   graph.StatusErrored,
				ExitCode: code,
				Output:   joinDetail(exitErr.String(), tail),
				Duration: duration,
			}, nil
		}
		return Result{Status: classify(code, e.SkipExitCode), ExitCode: code, Output: tail, Duration: duration}, nil
	}

	return Result{Status: graph.StatusPassed, Output: tail, Duration: duration}, nil
}

func joinDetail(head, tail string) string {
	if tail == "" {
		return head
	}
	return head + "\n" + tail
}
