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

// AttachConnection opens a transport attachment. Any connection still open
// on the same server session is closed inside the same transaction, so there
// is no window with two simultaneously open connections.
func (s *Store) AttachConnection(ctx context.Context, conn *SessionConnection) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	// Reconnect replaces the previous connection.
	_, err = tx.ExecContext(ctx,
		`UPDATE session_connections SET ended_at = ? WHERE server_session_id = ? AND ended_at IS NULL`,
		formatTime(now), conn.ServerSessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to close previous connection: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO session_connections (id, server_session_id, user_agent, remote_addr, created_at, last_seen_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conn.ID, conn.ServerSessionID, nullString(conn.UserAgent), nullString(conn.RemoteAddr),
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to attach connection: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attach: %w", err)
	}

	conn.CreatedAt = now
	conn.LastSeenAt = now
	return nil
}

// DetachConnection closes an attachment. Detaching an already-detached
// connection is a no-op; only an unknown connection is an error.
func (s *Store) DetachConnection(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE session_connections SET ended_at = ? WHERE id = ? AND ended_at IS NULL`,
		formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to detach connection: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		if !s.connectionExists(ctx, id) {
			return &relayerrors.NotFoundError{Resource: "session_connection", ID: id}
		}
		// Already detached: idempotent success.
	}
	return nil
}

// TouchConnection advances a connection's liveness timestamp. Heartbeats on
// an ended connection are rejected so a swept-out client cannot resurrect
// its attachment.
func (s *Store) TouchConnection(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE session_connections SET last_seen_at = ? WHERE id = ? AND ended_at IS NULL`,
		formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch connection: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		if !s.connectionExists(ctx, id) {
			return &relayerrors.NotFoundError{Resource: "session_connection", ID: id}
		}
		return &relayerrors.ConflictError{Resource: "session_connection", ID: id, Message: "connection has ended"}
	}
	return nil
}

// SweepStaleConnections closes every open connection whose last heartbeat is
// older than the cutoff. Returns the number of connections closed.
func (s *Store) SweepStaleConnections(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE session_connections SET ended_at = ? WHERE ended_at IS NULL AND last_seen_at < ?`,
		formatTime(time.Now().UTC()), formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale connections: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

// GetConnection retrieves one connection.
func (s *Store) GetConnection(ctx context.Context, id string) (*SessionConnection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, server_session_id, user_agent, remote_addr, created_at, last_seen_at, ended_at
		 FROM session_connections WHERE id = ?`, id)

	conn, err := scanConnection(row)
	if relayerrors.IsNotFound(err) {
		return nil, &relayerrors.NotFoundError{Resource: "session_connection", ID: id}
	}
	return conn, err
}

// ListConnections lists a server session's connections in creation order.
// Reconnect history is preserved; at most one row has a null ended_at.
func (s *Store) ListConnections(ctx context.Context, serverSessionID string) ([]*SessionConnection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_session_id, user_agent, remote_addr, created_at, last_seen_at, ended_at
		 FROM session_connections WHERE server_session_id = ? ORDER BY created_at ASC, id ASC`,
		serverSessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []*SessionConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

// ServerSessionConnectionState derives connectivity for one server session.
func (s *Store) ServerSessionConnectionState(ctx context.Context, serverSessionID string) (ConnectionState, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM session_connections WHERE server_session_id = ? AND ended_at IS NULL LIMIT 1`,
		serverSessionID).Scan(&one)
	if err == sql.ErrNoRows {
		return Disconnected, nil
	}
	if err != nil {
		return Disconnected, fmt.Errorf("failed to derive connection state: %w", err)
	}
	return Connected, nil
}

// SessionConnectionState derives connectivity for a whole session: connected
// iff any reachable connection in the hierarchy is open.
func (s *Store) SessionConnectionState(ctx context.Context, sessionID string) (ConnectionState, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM session_connections c
		 JOIN server_sessions ss ON c.server_session_id = ss.id
		 WHERE ss.session_id = ? AND c.ended_at IS NULL LIMIT 1`,
		sessionID).Scan(&one)
	if err == sql.ErrNoRows {
		return Disconnected, nil
	}
	if err != nil {
		return Disconnected, fmt.Errorf("failed to derive connection state: %w", err)
	}
	return Connected, nil
}

// CloseConnectionsForSession ends every open connection under a session.
// Part of the deletion cascade.
func (s *Store) CloseConnectionsForSession(ctx context.Context, sessionID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE session_connections SET ended_at = ?
		 WHERE ended_at IS NULL AND server_session_id IN
			(SELECT id FROM server_sessions WHERE session_id = ?)`,
		formatTime(time.Now().UTC()), sessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to close session connections: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

func (s *Store) connectionExists(ctx context.Context, id string) bool {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM session_connections WHERE id = ?`, id).Scan(&one)
	return err == nil
}

func scanConnection(row scanner) (*SessionConnection, error) {
	var conn SessionConnection
	var userAgent, remoteAddr, endedAt sql.NullString
	var createdAt, lastSeenAt string

	err := row.Scan(&conn.ID, &conn.ServerSessionID, &userAgent, &remoteAddr,
		&createdAt, &lastSeenAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, &relayerrors.NotFoundError{Resource: "session_connection", ID: ""}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}

	if userAgent.Valid {
		conn.UserAgent = userAgent.String
	}
	if remoteAddr.Valid {
		conn.RemoteAddr = remoteAddr.String
	}
	conn.CreatedAt = parseTime(createdAt)
	conn.LastSeenAt = parseTime(lastSeenAt)
	if endedAt.Valid {
		t := parseTime(endedAt.String)
		conn.EndedAt = &t
	}
	return &conn, nil
}
