package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/depgate/internal/dispatch"
	"github.com/antigravity-dev/depgate/internal/graph"
)

// scriptedExecutor returns a fixed status per item and checks that every
// prerequisite finished before an item starts.
type scriptedExecutor struct {
	graph    *graph.DepGraph
	statuses map[string]graph.Status
	delay    time.Duration

	mu         sync.Mutex
	finished   map[string]bool
	calls      []string
	violations []string

	running    atomic.Int32
	maxRunning atomic.Int32
}

func newScripted(g *graph.DepGraph, statuses map[string]graph.Status) *scriptedExecutor {
	return &scriptedExecutor{graph: g, statuses: statuses, finished: make(map[string]bool)}
}

func (s *scriptedExecutor) Execute(ctx context.Context, item graph.Item) (dispatch.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, item.ID)
	for _, dep := range s.graph.DependsOnIDs(item.ID) {
		if !s.finished[dep] {
			s.violations = append(s.violations, item.ID+" before "+dep)
		}
	}
	s.mu.Unlock()

	n := s.running.Add(1)
	for {
		cur := s.maxRunning.Load()
		if n <= cur || s.maxRunning.CompareAndSwap(cur, n) {
			break
		}
	}
	defer s.running.Add(-1)

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return dispatch.Result{}, ctx.Err()
		}
	}

	status, ok := s.statuses[item.ID]
	if !ok {
		status = graph.StatusPassed
	}
	s.mu.Lock()
	s.finished[item.ID] = true
	s.mu.Unlock()

	exit := 0
	if status == graph.StatusFailed {
		exit = 1
	}
	return dispatch.Result{Status: status, ExitCode: exit}, nil
}

func (s *scriptedExecutor) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) RecordOutcome(runID string, rec graph.OutcomeRecord) error {
	args := m.Called(runID, rec)
	return args.Error(0)
}

func schedule(t *testing.T, items []graph.Item) *graph.Plan {
	t.Helper()
	plan, err := graph.Schedule(items)
	require.NoError(t, err)
	return plan
}

func outcomeOf(t *testing.T, s Summary, id string) graph.OutcomeRecord {
	t.Helper()
	for _, rec := range s.Outcomes {
		if rec.ItemID == id {
			return rec
		}
	}
	t.Fatalf("no outcome for %s", id)
	return graph.OutcomeRecord{}
}

func chainPlan(t *testing.T) *graph.Plan {
	return schedule(t, []graph.Item{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"B"}},
		{ID: "D"},
	})
}

func TestRunSequential_FailureBlocksDescendants(t *testing.T) {
	plan := chainPlan(t)
	exec := newScripted(plan.Graph, map[string]graph.Status{"A": graph.StatusFailed})
	r := New(exec, nil, nil, 1)

	summary, err := r.Run(context.Background(), "run-1", plan)
	require.NoError(t, err)

	require.Equal(t, []string{"A", "D"}, exec.called(), "blocked items must not execute")
	require.Equal(t, graph.StatusFailed, outcomeOf(t, summary, "A").Status)

	b := outcomeOf(t, summary, "B")
	require.Equal(t, graph.StatusBlocked, b.Status)
	require.Equal(t, []string{"A"}, b.Blocking)

	c := outcomeOf(t, summary, "C")
	require.Equal(t, graph.StatusBlocked, c.Status)
	require.Equal(t, []string{"B"}, c.Blocking)

	require.Equal(t, graph.StatusPassed, outcomeOf(t, summary, "D").Status)
	require.Equal(t, []string{"A"}, summary.Failed)
	require.Equal(t, []string{"B", "C"}, summary.Blocked)
	require.Empty(t, summary.NotRun)
	require.False(t, summary.OK())
	require.Equal(t, "run-1", summary.RunID)
}

func TestRunSequential_SkippedPrerequisiteBlocks(t *testing.T) {
	plan := chainPlan(t)
	exec := newScripted(plan.Graph, map[string]graph.Status{"A": graph.StatusSkipped})

	summary, err := New(exec, nil, nil, 1).Run(context.Background(), "", plan)
	require.NoError(t, err)
	require.Equal(t, graph.StatusBlocked, outcomeOf(t, summary, "B").Status)
	require.True(t, summary.OK(), "skips and blocks are not failures")
	require.Equal(t, []string{"A"}, summary.Skipped)
}

func TestRun_GeneratesRunID(t *testing.T) {
	plan := chainPlan(t)
	summary, err := New(newScripted(plan.Graph, nil), nil, nil, 1).Run(context.Background(), "", plan)
	require.NoError(t, err)
	_, perr := uuid.Parse(summary.RunID)
	require.NoError(t, perr)
}

func TestRun_PersistsEveryOutcome(t *testing.T) {
	plan := chainPlan(t)
	rec := &mockRecorder{}
	rec.On("RecordOutcome", "run-7", mock.MatchedBy(func(r graph.OutcomeRecord) bool {
		return r.ItemID != "" && !r.RecordedAt.IsZero()
	})).Return(nil).Times(4)

	_, err := New(newScripted(plan.Graph, nil), rec, nil, 1).Run(context.Background(), "run-7", plan)
	require.NoError(t, err)
	rec.AssertExpectations(t)
}

func TestRun_RecorderFailureAborts(t *testing.T) {
	plan := chainPlan(t)
	exec := newScripted(plan.Graph, nil)
	rec := &mockRecorder{}
	rec.On("RecordOutcome", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()

	summary, err := New(exec, rec, nil, 1).Run(context.Background(), "run-1", plan)
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, []string{"A"}, exec.called())
	require.Equal(t, []string{"D", "B", "C"}, summary.NotRun)
}

func TestRun_CancelledContext(t *testing.T) {
	plan := chainPlan(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := New(newScripted(plan.Graph, nil), nil, nil, 1).Run(ctx, "run-1", plan)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, summary.NotRun, 4)
}

func TestRun_RejectsUnscheduledPlan(t *testing.T) {
	_, err := New(newScripted(nil, nil), nil, nil, 1).Run(context.Background(), "", &graph.Plan{})
	require.Error(t, err)
}

func diamondPlan(t *testing.T) *graph.Plan {
	return schedule(t, []graph.Item{
		{ID: "setup"},
		{ID: "net", DependsOn: []string{"setup"}},
		{ID: "disk", DependsOn: []string{"setup"}},
		{ID: "boot", DependsOn: []string{"net", "disk"}},
		{ID: "attach", DependsOn: []string{"boot"}},
		{ID: "lonely-1"},
		{ID: "lonely-2"},
		{ID: "lonely-3"},
	})
}

func TestRunParallel_RespectsDependencies(t *testing.T) {
	plan := diamondPlan(t)
	exec := newScripted(plan.Graph, nil)
	exec.delay = 5 * time.Millisecond

	summary, err := New(exec, nil, nil, 4).Run(context.Background(), "run-p", plan)
	require.NoError(t, err)
	require.Empty(t, exec.violations)
	require.Len(t, exec.called(), 8)
	require.Equal(t, 8, summary.Counts[graph.StatusPassed])
	require.LessOrEqual(t, exec.maxRunning.Load(), int32(4))
}

func TestRunParallel_ConcurrencyLimit(t *testing.T) {
	items := make([]graph.Item, 12)
	for i := range items {
		items[i] = graph.Item{ID: string(rune('a' + i))}
	}
	plan := schedule(t, items)
	exec := newScripted(plan.Graph, nil)
	exec.delay = 10 * time.Millisecond

	_, err := New(exec, nil, nil, 3).Run(context.Background(), "run-l", plan)
	require.NoError(t, err)
	require.LessOrEqual(t, exec.maxRunning.Load(), int32(3))
	require.Greater(t, exec.maxRunning.Load(), int32(1))
}

func TestRunParallel_FailureBlocksEveryDescendant(t *testing.T) {
	plan := diamondPlan(t)
	exec := newScripted(plan.Graph, map[string]graph.Status{"net": graph.StatusFailed})

	summary, err := New(exec, nil, nil, 4).Run(context.Background(), "run-f", plan)
	require.NoError(t, err)

	require.Equal(t, graph.StatusPassed, outcomeOf(t, summary, "disk").Status)

	boot := outcomeOf(t, summary, "boot")
	require.Equal(t, graph.StatusBlocked, boot.Status)
	require.Equal(t, []string{"net"}, boot.Blocking)

	attach := outcomeOf(t, summary, "attach")
	require.Equal(t, graph.StatusBlocked, attach.Status)
	require.Equal(t, []string{"net", "boot"}, attach.Blocking)

	require.NotContains(t, exec.called(), "boot")
	require.NotContains(t, exec.called(), "attach")
	require.Equal(t, []string{"net"}, summary.Failed)
}

func TestRunParallel_Cancelled(t *testing.T) {
	plan := diamondPlan(t)
	exec := newScripted(plan.Graph, nil)
	exec.delay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	summary, err := New(exec, nil, nil, 2).Run(ctx, "run-c", plan)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotEmpty(t, summary.NotRun)
}
