package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/warp/classfund/audit"
)

// =============================================================================
// AUDIT RUNS (audit.RunStore interface)
// =============================================================================

var _ audit.RunStore = (*Store)(nil)

// SaveAuditRun saves an audit run.
func (s *Store) SaveAuditRun(ctx context.Context, r audit.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	findingsJSON, err := json.Marshal(r.Findings)
	if err != nil {
		return fmt.Errorf("failed to encode findings: %w", err)
	}

	query := `
		INSERT INTO audit_runs (id, rooms_checked, drifted_rooms, findings_json, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rooms_checked = excluded.rooms_checked,
			drifted_rooms = excluded.drifted_rooms,
			findings_json = excluded.findings_json,
			error = excluded.error,
			completed_at = excluded.completed_at
	`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.RoomsChecked, r.DriftedRooms(), string(findingsJSON), nullString(r.Error),
		formatTime(r.StartedAt), nullTime(r.CompletedAt),
	)
	return err
}

// ListAuditRuns returns the most recent runs first.
func (s *Store) ListAuditRuns(ctx context.Context, limit int) ([]audit.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rooms_checked, findings_json, error, started_at, completed_at
		FROM audit_runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []audit.Run
	for rows.Next() {
		var (
			r                      audit.Run
			findingsJSON, errText  sql.NullString
			startedAt, completedAt sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.RoomsChecked, &findingsJSON, &errText, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		if findingsJSON.Valid && findingsJSON.String != "" && findingsJSON.String != "null" {
			if err := json.Unmarshal([]byte(findingsJSON.String), &r.Findings); err != nil {
				return nil, fmt.Errorf("failed to decode findings of run %s: %w", r.ID, err)
			}
		}
		r.Error = errText.String
		var p fieldParser
		r.StartedAt = p.time("started_at", startedAt.String)
		r.CompletedAt = p.nullTime("completed_at", completedAt)
		if p.err != nil {
			return nil, fmt.Errorf("audit run %s: %w", r.ID, p.err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
