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
	"encoding/json"
	"fmt"
	"time"

	relayerrors "github.com/tombee/relay/pkg/errors"
)

// RecordError inserts an immutable error instance and upserts its dedup
// group in one transaction. The group upsert rides on the fingerprint
// uniqueness constraint: two concurrent first occurrences resolve to exactly
// one group, the loser's ON CONFLICT branch incrementing the winner's
// counters. last_seen_at never moves backwards, and the representative
// default_error_id is fixed at first sight.
func (s *Store) RecordError(ctx context.Context, runErr *ServerRunError) error {
	metadataJSON, err := json.Marshal(runErr.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal error metadata: %w", err)
	}

	now := time.Now().UTC()
	if runErr.CreatedAt.IsZero() {
		runErr.CreatedAt = now
	}
	seenAt := formatTime(runErr.CreatedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO server_run_errors (id, run_id, fingerprint, code, message, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runErr.ID, runErr.RunID, runErr.Fingerprint, runErr.Code, runErr.Message,
		string(metadataJSON), seenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO server_run_error_groups (fingerprint, code, message, count, default_error_id, first_seen_at, last_seen_at)
		 VALUES (?, ?, ?, 1, ?, ?, ?)
		 ON CONFLICT (fingerprint) DO UPDATE SET
			count = count + 1,
			last_seen_at = CASE WHEN excluded.last_seen_at > last_seen_at THEN excluded.last_seen_at ELSE last_seen_at END`,
		runErr.Fingerprint, runErr.Code, runErr.Message, runErr.ID, seenAt, seenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert error group: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit error record: %w", err)
	}
	return nil
}

// GetErrorGroup retrieves one dedup group by fingerprint.
func (s *Store) GetErrorGroup(ctx context.Context, fingerprint string) (*ErrorGroup, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, code, message, count, default_error_id, first_seen_at, last_seen_at
		 FROM server_run_error_groups WHERE fingerprint = ?`, fingerprint)

	group, err := scanErrorGroup(row)
	if relayerrors.IsNotFound(err) {
		return nil, &relayerrors.NotFoundError{Resource: "error_group", ID: fingerprint}
	}
	return group, err
}

// ListErrorGroups lists dedup groups, most recently seen first. Scoping by
// deployment or session narrows to groups whose errors occurred under that
// entity; scoping by instance keeps tenants isolated.
func (s *Store) ListErrorGroups(ctx context.Context, filter GroupFilter) ([]*ErrorGroup, error) {
	query := `SELECT DISTINCT g.fingerprint, g.code, g.message, g.count, g.default_error_id, g.first_seen_at, g.last_seen_at
		FROM server_run_error_groups g
		JOIN server_run_errors e ON e.fingerprint = g.fingerprint
		JOIN server_runs r ON e.run_id = r.id
		JOIN server_sessions ss ON r.server_session_id = ss.id
		JOIN sessions s ON ss.session_id = s.id
		WHERE s.instance_id = ?`
	args := []any{filter.InstanceID}

	if filter.DeploymentID != "" {
		query += " AND ss.deployment_id = ?"
		args = append(args, filter.DeploymentID)
	}
	if filter.SessionID != "" {
		query += " AND ss.session_id = ?"
		args = append(args, filter.SessionID)
	}

	query += " ORDER BY g.last_seen_at DESC, g.fingerprint ASC"
	query, args = applyPage(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list error groups: %w", err)
	}
	defer rows.Close()

	var groups []*ErrorGroup
	for rows.Next() {
		group, err := scanErrorGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

// ListErrors lists raw error instances in creation order.
func (s *Store) ListErrors(ctx context.Context, filter ErrorFilter) ([]*ServerRunError, error) {
	query := `SELECT e.id, e.run_id, e.fingerprint, e.code, e.message, e.metadata, e.created_at
		FROM server_run_errors e
		JOIN server_runs r ON e.run_id = r.id
		JOIN server_sessions ss ON r.server_session_id = ss.id
		JOIN sessions s ON ss.session_id = s.id
		WHERE s.instance_id = ?`
	args := []any{filter.InstanceID}

	if filter.RunID != "" {
		query += " AND e.run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.SessionID != "" {
		query += " AND ss.session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.Fingerprint != "" {
		query += " AND e.fingerprint = ?"
		args = append(args, filter.Fingerprint)
	}

	query += " ORDER BY e.created_at ASC, e.id ASC"
	query, args = applyPage(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list errors: %w", err)
	}
	defer rows.Close()

	var errs []*ServerRunError
	for rows.Next() {
		runErr, err := scanRunError(rows)
		if err != nil {
			return nil, err
		}
		errs = append(errs, runErr)
	}
	return errs, rows.Err()
}

// GetError retrieves one error instance.
func (s *Store) GetError(ctx context.Context, id string) (*ServerRunError, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, fingerprint, code, message, metadata, created_at
		 FROM server_run_errors WHERE id = ?`, id)

	runErr, err := scanRunError(row)
	if relayerrors.IsNotFound(err) {
		return nil, &relayerrors.NotFoundError{Resource: "server_run_error", ID: id}
	}
	return runErr, err
}

// CountErrorsForRun reports how many errors a run has recorded.
func (s *Store) CountErrorsForRun(ctx context.Context, runID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM server_run_errors WHERE run_id = ?`, runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count run errors: %w", err)
	}
	return count, nil
}

func scanErrorGroup(row scanner) (*ErrorGroup, error) {
	var group ErrorGroup
	var firstSeen, lastSeen string

	err := row.Scan(&group.Fingerprint, &group.Code, &group.Message, &group.Count,
		&group.DefaultErrorID, &firstSeen, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, &relayerrors.NotFoundError{Resource: "error_group", ID: ""}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan error group: %w", err)
	}

	group.FirstSeenAt = parseTime(firstSeen)
	group.LastSeenAt = parseTime(lastSeen)
	return &group, nil
}

func scanRunError(row scanner) (*ServerRunError, error) {
	var runErr ServerRunError
	var metadataJSON sql.NullString
	var createdAt string

	err := row.Scan(&runErr.ID, &runErr.RunID, &runErr.Fingerprint, &runErr.Code,
		&runErr.Message, &metadataJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, &relayerrors.NotFoundError{Resource: "server_run_error", ID: ""}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan error: %w", err)
	}

	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &runErr.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error metadata: %w", err)
		}
	}
	runErr.CreatedAt = parseTime(createdAt)
	return &runErr, nil
}
