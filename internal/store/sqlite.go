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
	_ "modernc.org/sqlite"
)

// Store is a SQLite storage backend.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. Use ":memory:" for tests.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			status TEXT NOT NULL,
			secret_hash TEXT NOT NULL,
			metadata TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			deleted_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_instance ON sessions(instance_id)`,
		`CREATE TABLE IF NOT EXISTS deployments (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			ephemeral INTEGER NOT NULL DEFAULT 0,
			session_id TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_instance ON deployments(instance_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_session ON deployments(session_id)`,
		`CREATE TABLE IF NOT EXISTS server_sessions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			deployment_id TEXT NOT NULL,
			status TEXT NOT NULL,
			transport TEXT NOT NULL,
			protocol_version TEXT,
			client_info TEXT,
			server_info TEXT,
			client_capabilities TEXT,
			server_capabilities TEXT,
			client_messages INTEGER NOT NULL DEFAULT 0,
			server_messages INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_server_sessions_session ON server_sessions(session_id)`,
		`CREATE TABLE IF NOT EXISTS session_connections (
			id TEXT PRIMARY KEY,
			server_session_id TEXT NOT NULL,
			user_agent TEXT,
			remote_addr TEXT,
			created_at TEXT NOT NULL,
			last_seen_at TEXT NOT NULL,
			ended_at TEXT,
			FOREIGN KEY (server_session_id) REFERENCES server_sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_server_session ON session_connections(server_session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_open ON session_connections(server_session_id) WHERE ended_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS server_runs (
			id TEXT PRIMARY KEY,
			server_session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			run_type TEXT NOT NULL,
			server_version TEXT NOT NULL,
			started_at TEXT NOT NULL,
			stopped_at TEXT,
			FOREIGN KEY (server_session_id) REFERENCES server_sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_server_session ON server_runs(server_session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON server_runs(status)`,
		`CREATE TABLE IF NOT EXISTS run_logs (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			encoded TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, seq),
			FOREIGN KEY (run_id) REFERENCES server_runs(id)
		)`,
		`CREATE TABLE IF NOT EXISTS server_run_errors (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			code TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES server_runs(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_errors_run ON server_run_errors(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_run_errors_fingerprint ON server_run_errors(fingerprint)`,
		`CREATE TABLE IF NOT EXISTS server_run_error_groups (
			fingerprint TEXT PRIMARY KEY,
			code TEXT NOT NULL,
			message TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 1,
			default_error_id TEXT NOT NULL,
			first_seen_at TEXT NOT NULL,
			last_seen_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			server_run_id TEXT,
			server_run_error_id TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON session_events(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS session_messages (
			id TEXT PRIMARY KEY,
			server_session_id TEXT NOT NULL,
			msg_type TEXT NOT NULL,
			sender_type TEXT NOT NULL,
			sender_id TEXT,
			correlation_id TEXT,
			method TEXT,
			payload TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (server_session_id) REFERENCES server_sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_server_session ON session_messages(server_session_id, created_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession persists a session, its inline ephemeral deployments, and
// its server sessions in one transaction. Either everything is persisted or
// nothing is.
func (s *Store) CreateSession(ctx context.Context, sess *Session, inline []*Deployment, serverSessions []*ServerSession) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	metadataJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, instance_id, status, secret_hash, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.InstanceID, sess.Status, sess.SecretHash,
		string(metadataJSON), formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	for _, dep := range inline {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO deployments (id, instance_id, name, status, ephemeral, session_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			dep.ID, dep.InstanceID, dep.Name, dep.Status,
			boolInt(dep.Ephemeral), nullString(dep.SessionID), formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("failed to create deployment: %w", err)
		}
		dep.CreatedAt = now
	}

	for _, ss := range serverSessions {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO server_sessions (id, session_id, deployment_id, status, transport, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ss.ID, ss.SessionID, ss.DeploymentID, ss.Status, ss.Transport,
			formatTime(now), formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("failed to create server session: %w", err)
		}
		ss.CreatedAt = now
		ss.UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}

	sess.CreatedAt = now
	sess.UpdatedAt = now
	return nil
}

// GetSession retrieves a session scoped by instance. Sessions owned by a
// different instance are reported as not found.
func (s *Store) GetSession(ctx context.Context, instanceID, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, instance_id, status, secret_hash, metadata, created_at, updated_at, deleted_at
		 FROM sessions WHERE id = ? AND instance_id = ?`, id, instanceID)
	return scanSession(row)
}

// ListSessions lists sessions for an instance, newest first.
func (s *Store) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	query := `SELECT id, instance_id, status, secret_hash, metadata, created_at, updated_at, deleted_at
		FROM sessions WHERE instance_id = ?`
	args := []any{filter.InstanceID}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	query += " ORDER BY created_at DESC, id DESC"
	query, args = applyPage(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// MarkSessionDeleted soft-deletes a session. Deleting an already-deleted
// session is a conflict, never a silent success.
func (s *Store) MarkSessionDeleted(ctx context.Context, instanceID, id string) error {
	now := formatTime(time.Now().UTC())
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, deleted_at = ?, updated_at = ?
		 WHERE id = ? AND instance_id = ? AND status = ?`,
		SessionDeleted, now, now, id, instanceID, SessionActive,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		if s.sessionExists(ctx, instanceID, id) {
			return &relayerrors.ConflictError{Resource: "session", ID: id, Message: "already deleted"}
		}
		return &relayerrors.NotFoundError{Resource: "session", ID: id}
	}
	return nil
}

// UpdateSessionSecret replaces the stored client secret digest.
func (s *Store) UpdateSessionSecret(ctx context.Context, instanceID, id, secretHash string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET secret_hash = ?, updated_at = ? WHERE id = ? AND instance_id = ? AND status = ?`,
		secretHash, formatTime(time.Now().UTC()), id, instanceID, SessionActive,
	)
	if err != nil {
		return fmt.Errorf("failed to update session secret: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		if s.sessionExists(ctx, instanceID, id) {
			return &relayerrors.ConflictError{Resource: "session", ID: id, Message: "session is deleted"}
		}
		return &relayerrors.NotFoundError{Resource: "session", ID: id}
	}
	return nil
}

// SessionUsage computes aggregate productive message counters as the sum
// over the session's server sessions. The aggregate is never stored, so it
// cannot drift from its children.
func (s *Store) SessionUsage(ctx context.Context, instanceID, id string) (Usage, error) {
	if !s.sessionExists(ctx, instanceID, id) {
		return Usage{}, &relayerrors.NotFoundError{Resource: "session", ID: id}
	}

	var usage Usage
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(client_messages), 0), COALESCE(SUM(server_messages), 0)
		 FROM server_sessions WHERE session_id = ?`, id,
	).Scan(&usage.ClientMessages, &usage.ServerMessages)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to compute session usage: %w", err)
	}
	return usage, nil
}

// sessionExists reports whether a session row exists for the instance.
func (s *Store) sessionExists(ctx context.Context, instanceID, id string) bool {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sessions WHERE id = ? AND instance_id = ?`, id, instanceID,
	).Scan(&one)
	return err == nil
}

// CreateDeployment persists a standalone (non-inline) deployment.
func (s *Store) CreateDeployment(ctx context.Context, dep *Deployment) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deployments (id, instance_id, name, status, ephemeral, session_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dep.ID, dep.InstanceID, dep.Name, dep.Status,
		boolInt(dep.Ephemeral), nullString(dep.SessionID), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to create deployment: %w", err)
	}
	dep.CreatedAt = now
	return nil
}

// GetDeployment retrieves a deployment scoped by instance.
func (s *Store) GetDeployment(ctx context.Context, instanceID, id string) (*Deployment, error) {
	var dep Deployment
	var sessionID sql.NullString
	var ephemeral int
	var createdAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, instance_id, name, status, ephemeral, session_id, created_at
		 FROM deployments WHERE id = ? AND instance_id = ?`, id, instanceID,
	).Scan(&dep.ID, &dep.InstanceID, &dep.Name, &dep.Status, &ephemeral, &sessionID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, &relayerrors.NotFoundError{Resource: "deployment", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}

	dep.Ephemeral = ephemeral == 1
	if sessionID.Valid {
		dep.SessionID = sessionID.String
	}
	dep.CreatedAt = parseTime(createdAt)
	return &dep, nil
}

// DeleteEphemeralDeployments removes ephemeral deployments owned by a
// session. Called from the session deletion cascade.
func (s *Store) DeleteEphemeralDeployments(ctx context.Context, sessionID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM deployments WHERE session_id = ? AND ephemeral = 1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete ephemeral deployments: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var metadataJSON, deletedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&sess.ID, &sess.InstanceID, &sess.Status, &sess.SecretHash,
		&metadataJSON, &createdAt, &updatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, &relayerrors.NotFoundError{Resource: "session", ID: ""}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	if deletedAt.Valid {
		t := parseTime(deletedAt.String)
		sess.DeletedAt = &t
	}
	return &sess, nil
}

// Helper functions

// timeLayout is the stored timestamp format. The fractional part is fixed
// width so lexicographic comparison in SQL matches chronological order;
// RFC3339Nano drops trailing zeros, which would sort an exact-second value
// after a later sub-second one.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime converts a time.Time to its stored representation.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime converts a stored timestamp back to time.Time.
func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// formatTimePtr converts a *time.Time to its stored representation or nil.
func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// boolInt converts a bool to its stored integer representation.
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// applyPage appends LIMIT/OFFSET clauses when set.
func applyPage(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}
	return query, args
}
