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

	"github.com/mark3labs/mcp-go/mcp"
	relayerrors "github.com/tombee/relay/pkg/errors"
)

// Handshake holds the negotiated fields recorded when a server session
// transitions from pending to running.
type Handshake struct {
	ProtocolVersion    string
	ClientInfo         mcp.Implementation
	ServerInfo         mcp.Implementation
	ClientCapabilities mcp.ClientCapabilities
	ServerCapabilities mcp.ServerCapabilities
}

// GetServerSession retrieves a server session scoped by instance through its
// owning session.
func (s *Store) GetServerSession(ctx context.Context, instanceID, id string) (*ServerSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT ss.id, ss.session_id, ss.deployment_id, ss.status, ss.transport,
			ss.protocol_version, ss.client_info, ss.server_info,
			ss.client_capabilities, ss.server_capabilities,
			ss.client_messages, ss.server_messages, ss.created_at, ss.updated_at
		 FROM server_sessions ss
		 JOIN sessions s ON ss.session_id = s.id
		 WHERE ss.id = ? AND s.instance_id = ?`, id, instanceID)

	ss, err := scanServerSession(row)
	if relayerrors.IsNotFound(err) {
		return nil, &relayerrors.NotFoundError{Resource: "server_session", ID: id}
	}
	return ss, err
}

// ListServerSessions lists a session's server sessions in creation order.
func (s *Store) ListServerSessions(ctx context.Context, sessionID string) ([]*ServerSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, deployment_id, status, transport,
			protocol_version, client_info, server_info,
			client_capabilities, server_capabilities,
			client_messages, server_messages, created_at, updated_at
		 FROM server_sessions WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list server sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ServerSession
	for rows.Next() {
		ss, err := scanServerSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, ss)
	}
	return sessions, rows.Err()
}

// RecordHandshake fills the negotiated fields and moves the server session
// from pending to running. The conditional update makes a second handshake,
// or one on a stopped session, lose the race and surface as a conflict.
func (s *Store) RecordHandshake(ctx context.Context, id string, hs Handshake) error {
	clientInfo, err := json.Marshal(hs.ClientInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal client info: %w", err)
	}
	serverInfo, err := json.Marshal(hs.ServerInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal server info: %w", err)
	}
	clientCaps, err := json.Marshal(hs.ClientCapabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal client capabilities: %w", err)
	}
	serverCaps, err := json.Marshal(hs.ServerCapabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal server capabilities: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE server_sessions SET
			status = ?, protocol_version = ?, client_info = ?, server_info = ?,
			client_capabilities = ?, server_capabilities = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		ServerSessionRunning, hs.ProtocolVersion, string(clientInfo), string(serverInfo),
		string(clientCaps), string(serverCaps), formatTime(time.Now().UTC()),
		id, ServerSessionPending,
	)
	if err != nil {
		return fmt.Errorf("failed to record handshake: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		status, ok := s.serverSessionStatus(ctx, id)
		if !ok {
			return &relayerrors.NotFoundError{Resource: "server_session", ID: id}
		}
		return &relayerrors.ConflictError{
			Resource: "server_session",
			ID:       id,
			Message:  fmt.Sprintf("handshake rejected in status %q", status),
		}
	}
	return nil
}

// CloseServerSession moves a server session to its terminal stopped state.
// Closing an already-stopped session is a conflict.
func (s *Store) CloseServerSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE server_sessions SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		ServerSessionStopped, formatTime(time.Now().UTC()),
		id, ServerSessionPending, ServerSessionRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to close server session: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		if _, ok := s.serverSessionStatus(ctx, id); !ok {
			return &relayerrors.NotFoundError{Resource: "server_session", ID: id}
		}
		return &relayerrors.ConflictError{Resource: "server_session", ID: id, Message: "already stopped"}
	}
	return nil
}

// StopServerSessionsForSession stops every non-terminal server session of a
// session. Part of the deletion cascade; already-stopped children are left
// untouched.
func (s *Store) StopServerSessionsForSession(ctx context.Context, sessionID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE server_sessions SET status = ?, updated_at = ?
		 WHERE session_id = ? AND status != ?`,
		ServerSessionStopped, formatTime(time.Now().UTC()), sessionID, ServerSessionStopped,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to stop server sessions: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

// IncrementUsage applies an atomic counter add for one productive message.
// The add happens inside the storage engine, never read-modify-write, so
// concurrent increments from independent connections are never lost.
func (s *Store) IncrementUsage(ctx context.Context, serverSessionID string, sender SenderType) error {
	column := "client_messages"
	if sender == SenderServer {
		column = "server_messages"
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE server_sessions SET `+column+` = `+column+` + 1, updated_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), serverSessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &relayerrors.NotFoundError{Resource: "server_session", ID: serverSessionID}
	}
	return nil
}

// ServerSessionUsage reads one server session's counters.
func (s *Store) ServerSessionUsage(ctx context.Context, id string) (Usage, error) {
	var usage Usage
	err := s.db.QueryRowContext(ctx,
		`SELECT client_messages, server_messages FROM server_sessions WHERE id = ?`, id,
	).Scan(&usage.ClientMessages, &usage.ServerMessages)
	if err == sql.ErrNoRows {
		return Usage{}, &relayerrors.NotFoundError{Resource: "server_session", ID: id}
	}
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read server session usage: %w", err)
	}
	return usage, nil
}

// CreateMessage persists one protocol message.
func (s *Store) CreateMessage(ctx context.Context, msg *SessionMessage) error {
	now := time.Now().UTC()
	var payload any
	if len(msg.Payload) > 0 {
		payload = string(msg.Payload)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_messages (id, server_session_id, msg_type, sender_type, sender_id, correlation_id, method, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ServerSessionID, msg.Type, msg.SenderType,
		nullString(msg.SenderID), nullString(msg.CorrelationID), nullString(msg.Method),
		payload, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	msg.CreatedAt = now
	return nil
}

// ListMessages lists a server session's messages in creation order.
func (s *Store) ListMessages(ctx context.Context, serverSessionID string, limit, offset int) ([]*SessionMessage, error) {
	query := `SELECT id, server_session_id, msg_type, sender_type, sender_id, correlation_id, method, payload, created_at
		FROM session_messages WHERE server_session_id = ? ORDER BY created_at ASC, id ASC`
	args := []any{serverSessionID}
	query, args = applyPage(query, args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*SessionMessage
	for rows.Next() {
		var msg SessionMessage
		var senderID, correlationID, method, payload sql.NullString
		var createdAt string

		if err := rows.Scan(&msg.ID, &msg.ServerSessionID, &msg.Type, &msg.SenderType,
			&senderID, &correlationID, &method, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		if senderID.Valid {
			msg.SenderID = senderID.String
		}
		if correlationID.Valid {
			msg.CorrelationID = correlationID.String
		}
		if method.Valid {
			msg.Method = method.String
		}
		if payload.Valid {
			msg.Payload = json.RawMessage(payload.String)
		}
		msg.CreatedAt = parseTime(createdAt)
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// serverSessionStatus reads the current status of a server session.
func (s *Store) serverSessionStatus(ctx context.Context, id string) (ServerSessionStatus, bool) {
	var status ServerSessionStatus
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM server_sessions WHERE id = ?`, id).Scan(&status)
	if err != nil {
		return "", false
	}
	return status, true
}

func scanServerSession(row scanner) (*ServerSession, error) {
	var ss ServerSession
	var protocolVersion, clientInfo, serverInfo, clientCaps, serverCaps sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&ss.ID, &ss.SessionID, &ss.DeploymentID, &ss.Status, &ss.Transport,
		&protocolVersion, &clientInfo, &serverInfo, &clientCaps, &serverCaps,
		&ss.ClientMessages, &ss.ServerMessages, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &relayerrors.NotFoundError{Resource: "server_session", ID: ""}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan server session: %w", err)
	}

	if protocolVersion.Valid {
		ss.ProtocolVersion = protocolVersion.String
	}
	if clientInfo.Valid && clientInfo.String != "" {
		var info mcp.Implementation
		if err := json.Unmarshal([]byte(clientInfo.String), &info); err == nil {
			ss.ClientInfo = &info
		}
	}
	if serverInfo.Valid && serverInfo.String != "" {
		var info mcp.Implementation
		if err := json.Unmarshal([]byte(serverInfo.String), &info); err == nil {
			ss.ServerInfo = &info
		}
	}
	if clientCaps.Valid && clientCaps.String != "" {
		var caps mcp.ClientCapabilities
		if err := json.Unmarshal([]byte(clientCaps.String), &caps); err == nil {
			ss.ClientCapabilities = &caps
		}
	}
	if serverCaps.Valid && serverCaps.String != "" {
		var caps mcp.ServerCapabilities
		if err := json.Unmarshal([]byte(serverCaps.String), &caps); err == nil {
			ss.ServerCapabilities = &caps
		}
	}
	ss.CreatedAt = parseTime(createdAt)
	ss.UpdatedAt = parseTime(updatedAt)
	return &ss, nil
}
