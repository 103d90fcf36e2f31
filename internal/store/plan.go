package store

import (
	"fmt"
	"time"

	"github.com/antigravity-dev/depgate/internal/graph"
)

// SavePlan stores the scheduled items of a run in execution order. A plan is
// saved once per run.
func (s *Store) SavePlan(runID string, plan *graph.Plan) error {
	if plan == nil {
		return fmt.Errorf("store: save plan: nil plan")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: save plan: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO plan_items (run_id, position, item_id, group_tags, depends_on, command, timeout_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: save plan: prepare: %w", err)
	}
	defer stmt.Close()

	for pos, item := range plan.Items {
		groups, err := encodeStrings(item.Groups)
		if err != nil {
			return fmt.Errorf("store: encode groups for %s: %w", item.ID, err)
		}
		// Edges are stored as the graph resolved them, not as written.
		deps, err := encodeStrings(plan.Graph.DependsOnIDs(item.ID))
		if err != nil {
			return fmt.Errorf("store: encode depends_on for %s: %w", item.ID, err)
		}
		command, err := encodeStrings(item.Command)
		if err != nil {
			return fmt.Errorf("store: encode command for %s: %w", item.ID, err)
		}
		if _, err := stmt.Exec(runID, pos, item.ID, groups, deps, command, item.Timeout.Milliseconds()); err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("store: plan for run %s already saved", runID)
			}
			return fmt.Errorf("store: save plan item %s: %w", item.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: save plan: commit: %w", err)
	}
	return nil
}

// ListPlan returns the stored plan items of a run in execution order.
func (s *Store) ListPlan(runID string) ([]graph.Item, error) {
	rows, err := s.db.Query(`SELECT item_id, group_tags, depends_on, command, timeout_ms
		FROM plan_items WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list plan: %w", err)
	}
	defer rows.Close()

	var items []graph.Item
	for rows.Next() {
		var item graph.Item
		var groups, deps, command string
		var timeoutMS int64
		if err := rows.Scan(&item.ID, &groups, &deps, &command, &timeoutMS); err != nil {
			return nil, fmt.Errorf("store: scan plan item: %w", err)
		}
		if item.Groups, err = decodeStrings(groups); err != nil {
			return nil, fmt.Errorf("store: parse groups for %s: %w", item.ID, err)
		}
		if item.DependsOn, err = decodeStrings(deps); err != nil {
			return nil, fmt.Errorf("store: parse depends_on for %s: %w", item.ID, err)
		}
		if item.Command, err = decodeStrings(command); err != nil {
			return nil, fmt.Errorf("store: parse command for %s: %w", item.ID, err)
		}
		item.Timeout = time.Duration(timeoutMS) * time.Millisecond
		items = append(items, item)
	}
	return items, rows.Err()
}
