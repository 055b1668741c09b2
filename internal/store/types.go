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

// Package store provides SQLite-backed persistence for the session, run, and
// error-aggregation hierarchy.
//
// All cross-cutting mutations (usage counters, error-group upserts,
// connection replacement, terminal state transitions) are single SQL
// statements or single transactions, so they stay correct under many
// concurrent writers without application-level locking.
package store

import (
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	// SessionActive is the initial and only mutable session state.
	SessionActive SessionStatus = "active"
	// SessionDeleted is the terminal soft-deleted state.
	SessionDeleted SessionStatus = "deleted"
)

// ServerSessionStatus is the lifecycle state of a ServerSession.
type ServerSessionStatus string

const (
	// ServerSessionPending means the protocol handshake has not completed.
	ServerSessionPending ServerSessionStatus = "pending"
	// ServerSessionRunning means the handshake succeeded.
	ServerSessionRunning ServerSessionStatus = "running"
	// ServerSessionStopped is terminal; no further handshakes or messages
	// are accepted.
	ServerSessionStopped ServerSessionStatus = "stopped"
)

// DeploymentStatus is the state of a server deployment.
type DeploymentStatus string

const (
	// DeploymentActive deployments may be bound into new sessions.
	DeploymentActive DeploymentStatus = "active"
	// DeploymentInactive deployments are rejected at session creation.
	DeploymentInactive DeploymentStatus = "inactive"
)

// RunStatus is the lifecycle state of a ServerRun.
type RunStatus string

const (
	// RunActive is the initial run state.
	RunActive RunStatus = "active"
	// RunCompleted is the terminal success state.
	RunCompleted RunStatus = "completed"
	// RunFailed is the terminal failure state.
	RunFailed RunStatus = "failed"
)

// RunType distinguishes where a run executes.
type RunType string

const (
	// RunTypeHosted runs execute on platform-managed infrastructure.
	RunTypeHosted RunType = "hosted"
	// RunTypeExternal runs execute on infrastructure the platform only
	// observes.
	RunTypeExternal RunType = "external"
)

// TransportType is the wire transport of a server session.
type TransportType string

const (
	// TransportSSE is the server-sent-events transport.
	TransportSSE TransportType = "sse"
	// TransportStreamableHTTP is the streamable HTTP transport.
	TransportStreamableHTTP TransportType = "streamable_http"
	// TransportWebSocket is the WebSocket transport.
	TransportWebSocket TransportType = "websocket"
)

// MessageType classifies a protocol message.
type MessageType string

const (
	MessageRequest      MessageType = "request"
	MessageResponse     MessageType = "response"
	MessageNotification MessageType = "notification"
	MessageError        MessageType = "error"
	MessageServerError  MessageType = "server_error"
	MessageUnknown      MessageType = "unknown"
	MessageDebug        MessageType = "debug"
)

// Productive reports whether a message of this type counts toward usage.
// Debug and error traffic is recorded but never billed.
func (t MessageType) Productive() bool {
	switch t {
	case MessageRequest, MessageResponse, MessageNotification:
		return true
	default:
		return false
	}
}

// SenderType identifies which side of a server session sent a message.
type SenderType string

const (
	// SenderClient marks messages sent by the connected client.
	SenderClient SenderType = "client"
	// SenderServer marks messages sent by the protocol server.
	SenderServer SenderType = "server"
)

// ConnectionState is the derived connectivity of a session or server session.
type ConnectionState string

const (
	// Connected means at least one open transport attachment exists.
	Connected ConnectionState = "connected"
	// Disconnected means no open transport attachment exists.
	Disconnected ConnectionState = "disconnected"
)

// Session is the top-level client-facing aggregate.
type Session struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	Status     SessionStatus  `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  *time.Time     `json:"deleted_at,omitempty"`

	// SecretHash is the argon2id digest of the session client secret.
	// Never serialized.
	SecretHash string `json:"-"`
}

// Deployment is a configured, bindable instance of a catalog server.
// Ephemeral deployments are owned by a single session and deleted with it.
type Deployment struct {
	ID         string           `json:"id"`
	InstanceID string           `json:"instance_id"`
	Name       string           `json:"name"`
	Status     DeploymentStatus `json:"status"`
	Ephemeral  bool             `json:"ephemeral"`
	// SessionID is set only for ephemeral deployments.
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ServerSession is the unit of protocol handshake, one per
// (session, deployment) pair. Parent references are fixed at creation.
type ServerSession struct {
	ID           string              `json:"id"`
	SessionID    string              `json:"session_id"`
	DeploymentID string              `json:"deployment_id"`
	Status       ServerSessionStatus `json:"status"`
	Transport    TransportType       `json:"transport"`

	// Negotiated handshake fields, populated exactly once.
	ProtocolVersion    string                  `json:"protocol_version,omitempty"`
	ClientInfo         *mcp.Implementation     `json:"client_info,omitempty"`
	ServerInfo         *mcp.Implementation     `json:"server_info,omitempty"`
	ClientCapabilities *mcp.ClientCapabilities `json:"client_capabilities,omitempty"`
	ServerCapabilities *mcp.ServerCapabilities `json:"server_capabilities,omitempty"`

	// Usage counters, maintained by atomic storage-level increments.
	ClientMessages int64 `json:"client_messages"`
	ServerMessages int64 `json:"server_messages"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionConnection is one physical transport attachment to a server
// session. At most one connection per server session is open at a time.
type SessionConnection struct {
	ID              string     `json:"id"`
	ServerSessionID string     `json:"server_session_id"`
	UserAgent       string     `json:"user_agent,omitempty"`
	// RemoteAddr is anonymized before it reaches the store.
	RemoteAddr string     `json:"remote_addr,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Open reports whether the connection is still attached.
func (c *SessionConnection) Open() bool {
	return c.EndedAt == nil
}

// ServerRun is one execution attempt of the bound server implementation.
type ServerRun struct {
	ID              string     `json:"id"`
	ServerSessionID string     `json:"server_session_id"`
	Status          RunStatus  `json:"status"`
	Type            RunType    `json:"type"`
	ServerVersion   string     `json:"server_version"`
	StartedAt       time.Time  `json:"started_at"`
	StoppedAt       *time.Time `json:"stopped_at,omitempty"`
}

// RunLogLine is one encoded log line captured from a run. The first
// character of Encoded is the stream marker ('O' for stdout, anything else
// for stderr); Seq preserves append order across buffered flushes.
type RunLogLine struct {
	RunID     string    `json:"run_id"`
	Seq       int64     `json:"seq"`
	Encoded   string    `json:"encoded"`
	CreatedAt time.Time `json:"created_at"`
}

// ServerRunError is one immutable recorded failure instance.
type ServerRunError struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	Fingerprint string         `json:"fingerprint"`
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ErrorGroup is the dedup bucket for recurring failures sharing a
// fingerprint. Count always equals the number of ServerRunError rows that
// map to the fingerprint; LastSeenAt is monotonically non-decreasing.
type ErrorGroup struct {
	Fingerprint string    `json:"fingerprint"`
	Code        string    `json:"code"`
	Message     string    `json:"message"`
	Count       int64     `json:"count"`
	// DefaultErrorID references the representative error instance.
	// Policy: first-seen, never replaced.
	DefaultErrorID string    `json:"default_error_id"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// SessionEvent is an append-only notice referencing either a server run or
// a recorded error, scoped to a session and ordered by creation time.
type SessionEvent struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	// Exactly one of ServerRunID and ServerRunErrorID is set.
	ServerRunID      string    `json:"server_run_id,omitempty"`
	ServerRunErrorID string    `json:"server_run_error_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// SessionMessage is one protocol message exchanged on a server session.
type SessionMessage struct {
	ID              string          `json:"id"`
	ServerSessionID string          `json:"server_session_id"`
	Type            MessageType     `json:"type"`
	SenderType      SenderType      `json:"sender_type"`
	SenderID        string          `json:"sender_id,omitempty"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	Method          string          `json:"method,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Usage holds productive message counters for a session or server session.
type Usage struct {
	ClientMessages int64 `json:"client_messages"`
	ServerMessages int64 `json:"server_messages"`
}

// Total is the sum of both directions.
func (u Usage) Total() int64 {
	return u.ClientMessages + u.ServerMessages
}

// EventFilter narrows an event listing.
type EventFilter struct {
	ServerRunIDs     []string
	ServerSessionIDs []string
	Limit            int
	Offset           int
}

// GroupFilter narrows an error-group listing. Groups are ordered
// most-recently-seen first.
type GroupFilter struct {
	InstanceID   string
	DeploymentID string
	SessionID    string
	Limit        int
	Offset       int
}

// ErrorFilter narrows a raw error listing. Errors are ordered by creation.
type ErrorFilter struct {
	InstanceID  string
	RunID       string
	SessionID   string
	Fingerprint string
	Limit       int
	Offset      int
}

// SessionFilter narrows a session listing.
type SessionFilter struct {
	InstanceID string
	Status     SessionStatus
	Limit      int
	Offset     int
}
