package dispatch

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/antigravity-dev/depgate/internal/graph"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestBuildCommand_SubstitutesPlaceholders(t *testing.T) {
	argv, err := BuildCommand(graph.Item{
		ID:      "nova::boot",
		Command: []string{"./run", "--test={id}", "--dir", "{work_dir}/out"},
	}, "/srv/suite")
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}
	want := []string{"./run", "--test=nova::boot", "--dir", "/srv/suite/out"}
	if strings.Join(argv, " ") != strings.Join(want, " ") {
		t.Fatalf("expected %v, got %v", want, argv)
	}
}

func TestBuildCommand_RejectsEmptyCommand(t *testing.T) {
	if _, err := BuildCommand(graph.Item{ID: "a"}, ""); err == nil {
		t.Fatal("expected error for missing command")
	}
	if _, err := BuildCommand(graph.Item{ID: "a", Command: []string{" "}}, ""); err == nil {
		t.Fatal("expected error for blank program")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		exit, skip int
		want       graph.Status
	}{
		{0, 77, graph.StatusPassed},
		{1, 77, graph.StatusFailed},
		{77, 77, graph.StatusSkipped},
		{77, 0, graph.StatusFailed},
		{2, 2, graph.StatusSkipped},
	}
	for _, tt := range tests {
		if got := classify(tt.exit, tt.skip); got != tt.want {
			t.Errorf("classify(%d, %d) = %s, want %s", tt.exit, tt.skip, got, tt.want)
		}
	}
}

func TestOutputTail(t *testing.T) {
	if got := outputTail("a\nb\nc\n", 2); got != "b\nc" {
		t.Fatalf("outputTail = %q", got)
	}
	if got := outputTail("", 5); got != "" {
		t.Fatalf("expected empty tail, got %q", got)
	}
}

func TestCommandExecutor_ExitCodes(t *testing.T) {
	requireShell(t)
	ex := NewCommandExecutor(t.TempDir(), 10*time.Second, 77, nil)

	tests := []struct {
		name     string
		script   string
		status   graph.Status
		exitCode int
	}{
		{"pass", "echo ok", graph.StatusPassed, 0},
		{"fail", "echo broken >&2; exit 3", graph.StatusFailed, 3},
		{"skip", "exit 77", graph.StatusSkipped, 77},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ex.Execute(context.Background(), graph.Item{ID: tt.name, Command: []string{"sh", "-c", tt.script}})
			if err != nil {
				t.Fatalf("Execute returned error: %v", err)
			}
			if res.Status != tt.status || res.ExitCode != tt.exitCode {
				t.Fatalf("got %s/%d, want %s/%d", res.Status, res.ExitCode, tt.status, tt.exitCode)
			}
		})
	}
}

func TestCommandExecutor_CapturesOutputAndEnvironment(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	ex := NewCommandExecutor(dir, 10*time.Second, 77, nil)
	ex.Env = []string{"SUITE=nightly"}

	res, err := ex.Execute(context.Background(), graph.Item{
		ID:      "env-check",
		Command: []string{"sh", "-c", `echo "$DEPGATE_TEST_ID $SUITE"; pwd > where.txt`},
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if res.Status != graph.StatusPassed {
		t.Fatalf("expected passed, got %s: %s", res.Status, res.Output)
	}
	if res.Output != "env-check nightly" {
		t.Fatalf("unexpected output: %q", res.Output)
	}
	data, err := os.ReadFile(filepath.Join(dir, "where.txt"))
	if err != nil {
		t.Fatalf("command did not run in work dir: %v", err)
	}
	if !strings.Contains(string(data), filepath.Base(dir)) {
		t.Fatalf("unexpected working directory: %s", data)
	}
}

func TestCommandExecutor_TimeoutIsErrored(t *testing.T) {
	requireShell(t)
	ex := NewCommandExecutor(t.TempDir(), time.Minute, 77, nil)

	res, err := ex.Execute(context.Background(), graph.Item{
		ID:      "slow",
		Command: []string{"sh", "-c", "sleep 5"},
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if res.Status != graph.StatusErrored {
		t.Fatalf("expected errored, got %s", res.Status)
	}
	if !strings.Contains(res.Output, "timed out after 100ms") {
		t.Fatalf("unexpected detail: %q", res.Output)
	}
}

func TestCommandExecutor_StartFailureIsErrored(t *testing.T) {
	ex := NewCommandExecutor(t.TempDir(), time.Second, 77, nil)

	res, err := ex.Execute(context.Background(), graph.Item{
		ID:      "missing",
		Command: []string{"/definitely/not/a/binary"},
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if res.Status != graph.StatusErrored || !strings.Contains(res.Output, "start command") {
		t.Fatalf("unexpected result: %+v", res)
	}

	res, err = ex.Execute(context.Background(), graph.Item{ID: "no-command"})
	if err != nil || res.Status != graph.StatusErrored {
		t.Fatalf("expected errored for item without command, got %+v, %v", res, err)
	}
}

func TestCommandExecutor_CancelledContextReturnsError(t *testing.T) {
	requireShell(t)
	ex := NewCommandExecutor(t.TempDir(), time.Minute, 77, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := ex.Execute(ctx, graph.Item{ID: "cancelled", Command: []string{"sh", "-c", "sleep 5"}})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestResultOutcome(t *testing.T) {
	rec := Result{Status: graph.StatusFailed, ExitCode: 2, Output: "boom", Duration: time.Second}.Outcome("a")
	if rec.ItemID != "a" || rec.Status != graph.StatusFailed || rec.ExitCode != 2 || rec.Detail != "boom" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}
