package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/depgate/internal/graph"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateRun(t *testing.T, s *Store, runID string, selection ...string) {
	t.Helper()
	if err := s.CreateRun(runID, selection); err != nil {
		t.Fatalf("CreateRun(%s) failed: %v", runID, err)
	}
}

func TestOpenAndSchema(t *testing.T) {
	s := tempStore(t)
	for _, table := range []string{"runs", "plan_items", "outcomes"} {
		var n int
		if err := s.DB().QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n); err != nil {
			t.Fatalf("query sqlite_master: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected table %s to exist", table)
		}
	}
}

func TestOpenMigratesLegacyOutcomesTable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`CREATE TABLE outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		status TEXT NOT NULL,
		blocking TEXT NOT NULL DEFAULT '[]',
		exit_code INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		recorded_at DATETIME NOT NULL DEFAULT (datetime('now')),
		UNIQUE (run_id, item_id)
	)`); err != nil {
		t.Fatal(err)
	}
	db.Close()

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	mustCreateRun(t, s, "legacy")
	if err := s.RecordOutcome("legacy", graph.OutcomeRecord{ItemID: "a", Status: graph.StatusFailed, Detail: "boom"}); err != nil {
		t.Fatalf("RecordOutcome after migration failed: %v", err)
	}
	records, err := s.ListOutcomes("legacy")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Detail != "boom" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := tempStore(t)
	mustCreateRun(t, s, "run-1", "smoke", "api")

	run, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != RunRunning {
		t.Fatalf("Status = %q, want running", run.Status)
	}
	if len(run.Selection) != 2 || run.Selection[0] != "smoke" || run.Selection[1] != "api" {
		t.Fatalf("unexpected selection: %v", run.Selection)
	}
	if run.FinishedAt.Valid {
		t.Fatal("new run should not be finished")
	}
	if time.Since(run.StartedAt) > time.Minute {
		t.Fatalf("unexpected StartedAt: %v", run.StartedAt)
	}

	if err := s.FinishRun("run-1", RunFailed); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	run, err = s.GetRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != RunFailed || !run.FinishedAt.Valid {
		t.Fatalf("run not finished: %+v", run)
	}

	if err := s.CreateRun("run-1", nil); err == nil {
		t.Fatal("expected duplicate run id to fail")
	}
	if err := s.CreateRun("  ", nil); err == nil {
		t.Fatal("expected empty run id to fail")
	}
}

func TestRunNotFound(t *testing.T) {
	s := tempStore(t)

	if _, err := s.GetRun("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if _, err := s.LatestRun(); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound from empty store, got %v", err)
	}
	if err := s.FinishRun("nope", RunPassed); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestLatestRun(t *testing.T) {
	s := tempStore(t)
	mustCreateRun(t, s, "first")
	mustCreateRun(t, s, "second")

	run, err := s.LatestRun()
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if run.ID != "second" {
		t.Fatalf("LatestRun = %s, want second", run.ID)
	}
	if len(run.Selection) != 0 {
		t.Fatalf("expected empty selection, got %v", run.Selection)
	}
}

func TestSaveAndListPlan(t *testing.T) {
	s := tempStore(t)
	mustCreateRun(t, s, "run-1")

	plan, err := graph.Schedule([]graph.Item{
		{ID: "b", DependsOn: []string{"a", "a"}, Command: []string{"make", "b"}, Timeout: 30 * time.Second},
		{ID: "a", Groups: []string{"smoke"}},
	})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if err := s.SavePlan("run-1", plan); err != nil {
		t.Fatalf("SavePlan failed: %v", err)
	}

	items, err := s.ListPlan("run-1")
	if err != nil {
		t.Fatalf("ListPlan failed: %v", err)
	}
	if len(items) != 2 || items[0].ID != "a" || items[1].ID != "b" {
		t.Fatalf("unexpected plan order: %+v", items)
	}
	if len(items[1].DependsOn) != 1 || items[1].DependsOn[0] != "a" {
		t.Fatalf("expected resolved edges, got %v", items[1].DependsOn)
	}
	if len(items[1].Groups) != 1 || items[1].Groups[0] != "smoke" {
		t.Fatalf("expected propagated groups, got %v", items[1].Groups)
	}
	if items[1].Timeout != 30*time.Second || len(items[1].Command) != 2 {
		t.Fatalf("unexpected item b: %+v", items[1])
	}

	if err := s.SavePlan("run-1", plan); err == nil {
		t.Fatal("expected second SavePlan for the same run to fail")
	}
	if err := s.SavePlan("run-1", nil); err == nil {
		t.Fatal("expected nil plan to fail")
	}
}

func TestRecordOutcomeIsWriteOnce(t *testing.T) {
	s := tempStore(t)
	mustCreateRun(t, s, "run-1")

	rec := graph.OutcomeRecord{ItemID: "a", Status: graph.StatusPassed, Duration: 1500 * time.Millisecond}
	if err := s.RecordOutcome("run-1", rec); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}
	rec.Status = graph.StatusFailed
	err := s.RecordOutcome("run-1", rec)
	if !errors.Is(err, ErrOutcomeExists) {
		t.Fatalf("expected ErrOutcomeExists, got %v", err)
	}

	// The same item may have an outcome in another run.
	mustCreateRun(t, s, "run-2")
	if err := s.RecordOutcome("run-2", rec); err != nil {
		t.Fatalf("RecordOutcome in second run failed: %v", err)
	}

	records, err := s.ListOutcomes("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Status != graph.StatusPassed {
		t.Fatalf("first outcome must survive: %+v", records)
	}
	if records[0].Duration != 1500*time.Millisecond {
		t.Fatalf("Duration = %v, want 1.5s", records[0].Duration)
	}

	if err := s.RecordOutcome("run-1", graph.OutcomeRecord{ItemID: "x"}); err == nil {
		t.Fatal("expected outcome without status to fail")
	}
}

func TestListOutcomesKeepsRecordOrderAndBlocking(t *testing.T) {
	s := tempStore(t)
	mustCreateRun(t, s, "run-1")

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recs := []graph.OutcomeRecord{
		{ItemID: "A", Status: graph.StatusFailed, ExitCode: 1, RecordedAt: at},
		graph.BlockedOutcome("B", []string{"A"}),
		graph.BlockedOutcome("C", []string{"B"}),
	}
	for _, rec := range recs {
		if err := s.RecordOutcome("run-1", rec); err != nil {
			t.Fatalf("RecordOutcome(%s) failed: %v", rec.ItemID, err)
		}
	}

	got, err := s.ListOutcomes("run-1")
	if err != nil {
		t.Fatalf("ListOutcomes failed: %v", err)
	}
	if len(got) != 3 || got[0].ItemID != "A" || got[1].ItemID != "B" || got[2].ItemID != "C" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[0].ExitCode != 1 || !got[0].RecordedAt.Equal(at) {
		t.Fatalf("unexpected A record: %+v", got[0])
	}
	if len(got[2].Blocking) != 1 || got[2].Blocking[0] != "B" {
		t.Fatalf("unexpected blocking for C: %v", got[2].Blocking)
	}
	if got[1].Detail != "prerequisite failed: A" {
		t.Fatalf("unexpected detail for B: %q", got[1].Detail)
	}
	if got[1].RecordedAt.IsZero() {
		t.Fatal("expected a recorded_at default for blocked outcome")
	}

	counts, err := s.OutcomeCounts("run-1")
	if err != nil {
		t.Fatalf("OutcomeCounts failed: %v", err)
	}
	if counts[graph.StatusFailed] != 1 || counts[graph.StatusBlocked] != 2 || counts[graph.StatusPassed] != 0 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}
