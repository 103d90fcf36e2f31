package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/antigravity-dev/depgate/internal/graph"
)

// ErrOutcomeExists is returned when an item already has an outcome in a run.
var ErrOutcomeExists = errors.New("store: outcome already recorded")

// RecordOutcome persists rec for the run. Outcomes are write-once: a second
// record for the same item returns an error wrapping ErrOutcomeExists.
func (s *Store) RecordOutcome(runID string, rec graph.OutcomeRecord) error {
	if rec.ItemID == "" || rec.Status == "" {
		return fmt.Errorf("store: record outcome: item id and status are required")
	}
	blocking, err := encodeStrings(rec.Blocking)
	if err != nil {
		return fmt.Errorf("store: encode blocking: %w", err)
	}
	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	_, err = s.db.Exec(`INSERT INTO outcomes (run_id, item_id, status, blocking, exit_code, detail, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, rec.ItemID, string(rec.Status), blocking, rec.ExitCode, rec.Detail,
		rec.Duration.Milliseconds(), recordedAt.UTC(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: run %s item %s", ErrOutcomeExists, runID, rec.ItemID)
		}
		return fmt.Errorf("store: record outcome: %w", err)
	}
	return nil
}

// ListOutcomes returns every outcome of a run in the order it was recorded.
func (s *Store) ListOutcomes(runID string) ([]graph.OutcomeRecord, error) {
	rows, err := s.db.Query(`SELECT item_id, status, blocking, exit_code, detail, duration_ms, recorded_at
		FROM outcomes WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list outcomes: %w", err)
	}
	defer rows.Close()

	var records []graph.OutcomeRecord
	for rows.Next() {
		var rec graph.OutcomeRecord
		var status, blocking string
		var durationMS int64
		if err := rows.Scan(&rec.ItemID, &status, &blocking, &rec.ExitCode, &rec.Detail, &durationMS, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("store: scan outcome: %w", err)
		}
		if rec.Status, err = graph.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("store: outcome for %s: %w", rec.ItemID, err)
		}
		if rec.Blocking, err = decodeStrings(blocking); err != nil {
			return nil, fmt.Errorf("store: parse blocking for %s: %w", rec.ItemID, err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, rec)
	}
	return records, rows.Err()
}

// OutcomeCounts returns the number of outcomes per status for a run.
func (s *Store) OutcomeCounts(runID string) (map[graph.Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM outcomes WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: outcome counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[graph.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: scan outcome count: %w", err)
		}
		counts[graph.Status(status)] = n
	}
	return counts, rows.Err()
}
