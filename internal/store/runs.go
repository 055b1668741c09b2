// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	relayerrors "github.com/tombee/relay/pkg/errors"
)

// CreateRun persists a new execution attempt in the active state.
func (s *Store) CreateRun(ctx context.Context, run *ServerRun) error {
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO server_runs (id, server_session_id, status, run_type, server_version, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.ServerSessionID, run.Status, run.Type, run.ServerVersion,
		formatTime(run.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run scoped by instance through its owning session.
func (s *Store) GetRun(ctx context.Context, instanceID, id string) (*ServerRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT r.id, r.server_session_id, r.status, r.run_type, r.server_version, r.started_at, r.stopped_at
		 FROM server_runs r
		 JOIN server_sessions ss ON r.server_session_id = ss.id
		 JOIN sessions s ON ss.session_id = s.id
		 WHERE r.id = ? AND s.instance_id = ?`, id, instanceID)

	run, err := scanRun(row)
	if relayerrors.IsNotFound(err) {
		return nil, &relayerrors.NotFoundError{Resource: "server_run", ID: id}
	}
	return run, err
}

// ListRuns lists a server session's runs in start order.
func (s *Store) ListRuns(ctx context.Context, serverSessionID string) ([]*ServerRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_session_id, status, run_type, server_version, started_at, stopped_at
		 FROM server_runs WHERE server_session_id = ? ORDER BY started_at ASC, id ASC`,
		serverSessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*ServerRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListActiveRunsForSession returns the session's runs still in the active
// state. Used by the deletion cascade to force them terminal.
func (s *Store) ListActiveRunsForSession(ctx context.Context, sessionID string) ([]*ServerRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.server_session_id, r.status, r.run_type, r.server_version, r.started_at, r.stopped_at
		 FROM server_runs r
		 JOIN server_sessions ss ON r.server_session_id = ss.id
		 WHERE ss.session_id = ? AND r.status = ?`, sessionID, RunActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active runs: %w", err)
	}
	defer rows.Close()

	var runs []*ServerRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// EndRun sets a run's terminal status exactly once. The conditional update
// guarantees a second terminal transition surfaces as a conflict no matter
// how the callers race.
func (s *Store) EndRun(ctx context.Context, id string, status RunStatus, stoppedAt time.Time) error {
	if status != RunCompleted && status != RunFailed {
		return &relayerrors.ValidationError{Field: "status", Message: fmt.Sprintf("%q is not a terminal run status", status)}
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE server_runs SET status = ?, stopped_at = ? WHERE id = ? AND status = ?`,
		status, formatTime(stoppedAt), id, RunActive,
	)
	if err != nil {
		return fmt.Errorf("failed to end run: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		if !s.runExists(ctx, id) {
			return &relayerrors.NotFoundError{Resource: "server_run", ID: id}
		}
		return &relayerrors.ConflictError{Resource: "server_run", ID: id, Message: "run already ended"}
	}
	return nil
}

// AppendRunLog stores one encoded log line. (run_id, seq) is the primary
// key, so replaying a buffered batch after a crash cannot duplicate lines.
func (s *Store) AppendRunLog(ctx context.Context, line *RunLogLine) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_logs (run_id, seq, encoded, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (run_id, seq) DO NOTHING`,
		line.RunID, line.Seq, line.Encoded, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to append run log: %w", err)
	}
	line.CreatedAt = now
	return nil
}

// ListRunLogs returns a run's log lines in sequence order.
func (s *Store) ListRunLogs(ctx context.Context, runID string) ([]*RunLogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, encoded, created_at FROM run_logs WHERE run_id = ? ORDER BY seq ASC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run logs: %w", err)
	}
	defer rows.Close()

	var lines []*RunLogLine
	for rows.Next() {
		var line RunLogLine
		var createdAt string
		if err := rows.Scan(&line.RunID, &line.Seq, &line.Encoded, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan run log: %w", err)
		}
		line.CreatedAt = parseTime(createdAt)
		lines = append(lines, &line)
	}
	return lines, rows.Err()
}

// RunStatusOf reads a run's current status.
func (s *Store) RunStatusOf(ctx context.Context, id string) (RunStatus, error) {
	var status RunStatus
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM server_runs WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", &relayerrors.NotFoundError{Resource: "server_run", ID: id}
	}
	if err != nil {
		return "", fmt.Errorf("failed to read run status: %w", err)
	}
	return status, nil
}

func (s *Store) runExists(ctx context.Context, id string) bool {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM server_runs WHERE id = ?`, id).Scan(&one)
	return err == nil
}

func scanRun(row scanner) (*ServerRun, error) {
	var run ServerRun
	var startedAt string
	var stoppedAt sql.NullString

	err := row.Scan(&run.ID, &run.ServerSessionID, &run.Status, &run.Type,
		&run.ServerVersion, &startedAt, &stoppedAt)
	if err == sql.ErrNoRows {
		return nil, &relayerrors.NotFoundError{Resource: "server_run", ID: ""}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.StartedAt = parseTime(startedAt)
	if stoppedAt.Valid {
		t := parseTime(stoppedAt.String)
		run.StoppedAt = &t
	}
	return &run, nil
}
