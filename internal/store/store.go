package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for depgate runs.
type Store struct {
	db *sql.DB
}

// Run statuses.
const (
	RunRunning = "running"
	RunPassed  = "passed"
	RunFailed  = "failed"
	RunAborted = "aborted"
)

// ErrRunNotFound is returned when a run id has no row.
var ErrRunNotFound = errors.New("store: run not found")

// Run is one recorded execution of a plan.
type Run struct {
	ID         string
	Selection  []string
	Status     string
	StartedAt  time.Time
	FinishedAt sql.NullTime
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	selection TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'running',
	started_at DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS plan_items (
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	position INTEGER NOT NULL,
	item_id TEXT NOT NULL,
	group_tags TEXT NOT NULL DEFAULT '[]',
	depends_on TEXT NOT NULL DEFAULT '[]',
	command TEXT NOT NULL DEFAULT '[]',
	timeout_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, item_id)
);

CREATE TABLE IF NOT EXISTS outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	item_id TEXT NOT NULL,
	status TEXT NOT NULL,
	blocking TEXT NOT NULL DEFAULT '[]',
	exit_code INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	recorded_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (run_id, item_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_plan_items_run ON plan_items(run_id, position);
CREATE INDEX IF NOT EXISTS idx_outcomes_run ON outcomes(run_id);
CREATE INDEX IF NOT EXISTS idx_outcomes_status ON outcomes(run_id, status);
`

// Open creates or opens a SQLite database at the given path and ensures the schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	// Run migrations for existing databases
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// migrate applies incremental schema migrations for existing databases.
func migrate(db *sql.DB) error {
	// Captured output was added after the first outcome schema shipped.
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('outcomes') WHERE name = 'detail'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check detail column: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE outcomes ADD COLUMN detail TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add detail column: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateRun inserts a run in the running state.
func (s *Store) CreateRun(runID string, selection []string) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("store: create run: empty run id")
	}
	selectionJSON, err := encodeStrings(selection)
	if err != nil {
		return fmt.Errorf("store: encode selection: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO runs (run_id, selection, status, started_at) VALUES (?, ?, ?, ?)`,
		runID, selectionJSON, RunRunning, time.Now().UTC(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("store: run %s already exists", runID)
		}
		return fmt.Errorf("store: create run: %w", err)
	}
	return nil
}

// FinishRun sets the terminal status of a run.
func (s *Store) FinishRun(runID, status string) error {
	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, finished_at = ? WHERE run_id = ?`,
		status, time.Now().UTC(), runID,
	)
	if err != nil {
		return fmt.Errorf("store: finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// GetRun returns the run with the given id.
func (s *Store) GetRun(runID string) (*Run, error) {
	return s.scanRun(s.db.QueryRow(
		`SELECT run_id, selection, status, started_at, finished_at FROM runs WHERE run_id = ?`, runID,
	), runID)
}

// LatestRun returns the most recently started run.
func (s *Store) LatestRun() (*Run, error) {
	return s.scanRun(s.db.QueryRow(
		`SELECT run_id, selection, status, started_at, finished_at FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1`,
	), "latest")
}

func (s *Store) scanRun(row *sql.Row, label string) (*Run, error) {
	var run Run
	var selectionJSON string
	err := row.Scan(&run.ID, &selectionJSON, &run.Status, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, label)
		}
		return nil, fmt.Errorf("store: get run: %w", err)
	}
	run.Selection, err = decodeStrings(selectionJSON)
	if err != nil {
		return nil, fmt.Errorf("store: parse selection: %w", err)
	}
	return &run, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func encodeStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeStrings(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return []string{}, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, err
	}
	if values == nil {
		values = []string{}
	}
	return values, nil
}
