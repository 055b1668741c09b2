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
	"strings"
	"time"

	relayerrors "github.com/tombee/relay/pkg/errors"
)

// AppendEvent stores one append-only session event. Events are never
// updated or deleted.
func (s *Store) AppendEvent(ctx context.Context, event *SessionEvent) error {
	if (event.ServerRunID == "") == (event.ServerRunErrorID == "") {
		return &relayerrors.ValidationError{
			Field:   "event",
			Message: "exactly one of server_run_id and server_run_error_id must be set",
		}
	}

	now := time.Now().UTC()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (id, session_id, server_run_id, server_run_error_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.SessionID,
		nullString(event.ServerRunID), nullString(event.ServerRunErrorID),
		formatTime(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns a session's events in creation order. The run-id filter
// matches events referencing the run directly or through one of its errors;
// the server-session filter matches through the run hierarchy.
func (s *Store) ListEvents(ctx context.Context, sessionID string, filter EventFilter) ([]*SessionEvent, error) {
	query := `SELECT id, session_id, server_run_id, server_run_error_id, created_at
		FROM session_events WHERE session_id = ?`
	args := []any{sessionID}

	if len(filter.ServerRunIDs) > 0 {
		ph := placeholders(len(filter.ServerRunIDs))
		query += ` AND (server_run_id IN (` + ph + `)
			OR server_run_error_id IN (SELECT id FROM server_run_errors WHERE run_id IN (` + ph + `)))`
		for i := 0; i < 2; i++ {
			for _, id := range filter.ServerRunIDs {
				args = append(args, id)
			}
		}
	}

	if len(filter.ServerSessionIDs) > 0 {
		ph := placeholders(len(filter.ServerSessionIDs))
		query += ` AND (server_run_id IN (SELECT id FROM server_runs WHERE server_session_id IN (` + ph + `))
			OR server_run_error_id IN (
				SELECT e.id FROM server_run_errors e
				JOIN server_runs r ON e.run_id = r.id
				WHERE r.server_session_id IN (` + ph + `)))`
		for i := 0; i < 2; i++ {
			for _, id := range filter.ServerSessionIDs {
				args = append(args, id)
			}
		}
	}

	query += " ORDER BY created_at ASC, id ASC"
	query, args = applyPage(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*SessionEvent
	for rows.Next() {
		var event SessionEvent
		var runID, errorID sql.NullString
		var createdAt string

		if err := rows.Scan(&event.ID, &event.SessionID, &runID, &errorID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if runID.Valid {
			event.ServerRunID = runID.String
		}
		if errorID.Valid {
			event.ServerRunErrorID = errorID.String
		}
		event.CreatedAt = parseTime(createdAt)
		events = append(events, &event)
	}
	return events, rows.Err()
}

// placeholders builds a "?, ?, ..." list of the given length.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
