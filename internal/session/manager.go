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

// Package session implements the client-facing session lifecycle: creation
// with bound deployments, protocol coordination, connection tracking, and
// the soft-delete cascade.
package session

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/metrics"
	"github.com/tombee/relay/internal/run"
	"github.com/tombee/relay/internal/store"
	relayerrors "github.com/tombee/relay/pkg/errors"
)

// deletionErrorCode marks errors synthesized when session deletion forces
// active runs terminal.
const deletionErrorCode = "session_deleted"

// Manager owns the session aggregate lifecycle.
type Manager struct {
	store  *store.Store
	runs   *run.Tracker
	logger *slog.Logger

	baseURL string
	issuer  *TokenIssuer
}

// NewManager creates a session manager. baseURL is the public endpoint
// connection URLs are derived from; issuer may be nil to disable tokens.
func NewManager(st *store.Store, runs *run.Tracker, logger *slog.Logger, baseURL string, issuer *TokenIssuer) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   st,
		runs:    runs,
		logger:  log.WithComponent(logger, "session"),
		baseURL: baseURL,
		issuer:  issuer,
	}
}

// DeploymentRef binds an existing deployment into a new session.
type DeploymentRef struct {
	ID        string              `json:"id"`
	Transport store.TransportType `json:"transport,omitempty"`
}

// InlineDeployment declares an ephemeral deployment created with, owned by,
// and deleted with the session.
type InlineDeployment struct {
	Name      string              `json:"name"`
	Transport store.TransportType `json:"transport,omitempty"`
}

// CreateInput describes a new session.
type CreateInput struct {
	InstanceID  string
	Metadata    map[string]any
	Deployments []DeploymentRef
	Inline      []InlineDeployment
}

// CreateResult is the outcome of session creation. Secret is returned
// exactly once and never retrievable afterwards.
type CreateResult struct {
	Session        *store.Session         `json:"session"`
	Secret         string                 `json:"secret"`
	ServerSessions []*store.ServerSession `json:"server_sessions"`
	// URLs maps deployment id to its computed transport endpoints.
	URLs map[string][]ConnectionURL `json:"urls"`
}

// Create validates every referenced deployment, then persists the session,
// its inline ephemeral deployments, and one pending server session per
// binding in a single transaction. Any invalid or inactive deployment fails
// the whole request; no partial hierarchy is ever visible.
func (m *Manager) Create(ctx context.Context, input CreateInput) (*CreateResult, error) {
	if input.InstanceID == "" {
		return nil, &relayerrors.ValidationError{Field: "instance_id", Message: "instance id is required"}
	}
	if len(input.Deployments) == 0 && len(input.Inline) == 0 {
		return nil, &relayerrors.ValidationError{Field: "deployments", Message: "at least one deployment is required"}
	}

	for _, ref := range input.Deployments {
		dep, err := m.store.GetDeployment(ctx, input.InstanceID, ref.ID)
		if err != nil {
			return nil, err
		}
		if dep.Status != store.DeploymentActive {
			return nil, &relayerrors.ConflictError{Resource: "deployment", ID: ref.ID, Message: "deployment is not active"}
		}
	}
	for _, inline := range input.Inline {
		if inline.Name == "" {
			return nil, &relayerrors.ValidationError{Field: "inline.name", Message: "inline deployment name is required"}
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	secretHash, err := hashSecret(secret)
	if err != nil {
		return nil, relayerrors.Wrap(err, "hashing session secret")
	}

	sess := &store.Session{
		ID:         "sess_" + uuid.NewString(),
		InstanceID: input.InstanceID,
		Status:     store.SessionActive,
		Metadata:   input.Metadata,
		SecretHash: secretHash,
	}

	type binding struct {
		deploymentID string
		transport    store.TransportType
	}
	var bindings []binding
	var inlineDeps []*store.Deployment

	for _, ref := range input.Deployments {
		bindings = append(bindings, binding{ref.ID, defaultTransport(ref.Transport)})
	}
	for _, inline := range input.Inline {
		dep := &store.Deployment{
			ID:         "dep_" + uuid.NewString(),
			InstanceID: input.InstanceID,
			Name:       inline.Name,
			Status:     store.DeploymentActive,
			Ephemeral:  true,
			SessionID:  sess.ID,
		}
		inlineDeps = append(inlineDeps, dep)
		bindings = append(bindings, binding{dep.ID, defaultTransport(inline.Transport)})
	}

	serverSessions := make([]*store.ServerSession, 0, len(bindings))
	for _, b := range bindings {
		serverSessions = append(serverSessions, &store.ServerSession{
			ID:           "ssn_" + uuid.NewString(),
			SessionID:    sess.ID,
			DeploymentID: b.deploymentID,
			Status:       store.ServerSessionPending,
			Transport:    b.transport,
		})
	}

	if err := m.store.CreateSession(ctx, sess, inlineDeps, serverSessions); err != nil {
		return nil, relayerrors.Wrap(err, "creating session")
	}
	metrics.SessionOpened()

	urls := make(map[string][]ConnectionURL, len(bindings))
	for _, b := range bindings {
		u, err := connectionURLs(m.baseURL, m.issuer, sess.ID, b.deploymentID)
		if err != nil {
			return nil, relayerrors.Wrap(err, "computing connection urls")
		}
		urls[b.deploymentID] = u
	}

	m.logger.Info("session created",
		log.SessionIDKey, sess.ID,
		"server_sessions", len(serverSessions),
		"inline_deployments", len(inlineDeps),
	)

	return &CreateResult{
		Session:        sess,
		Secret:         secret,
		ServerSessions: serverSessions,
		URLs:           urls,
	}, nil
}

func defaultTransport(t store.TransportType) store.TransportType {
	if t == "" {
		return store.TransportStreamableHTTP
	}
	return t
}

// View is a session enriched with derived read-time state.
type View struct {
	*store.Session
	ConnectionState store.ConnectionState      `json:"connection_state"`
	ServerSessions  []*store.ServerSession     `json:"server_sessions,omitempty"`
	URLs            map[string][]ConnectionURL `json:"urls,omitempty"`
}

// Get returns a session with its derived connection state, children, and
// freshly computed connection URLs.
func (m *Manager) Get(ctx context.Context, instanceID, id string) (*View, error) {
	sess, err := m.store.GetSession(ctx, instanceID, id)
	if err != nil {
		return nil, err
	}

	state, err := m.store.SessionConnectionState(ctx, id)
	if err != nil {
		return nil, err
	}

	children, err := m.store.ListServerSessions(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &View{Session: sess, ConnectionState: state, ServerSessions: children}
	if sess.Status == store.SessionActive {
		view.URLs = make(map[string][]ConnectionURL, len(children))
		for _, ss := range children {
			if _, ok := view.URLs[ss.DeploymentID]; ok {
				continue
			}
			u, err := connectionURLs(m.baseURL, m.issuer, id, ss.DeploymentID)
			if err != nil {
				return nil, err
			}
			view.URLs[ss.DeploymentID] = u
		}
	}
	return view, nil
}

// List lists an instance's sessions.
func (m *Manager) List(ctx context.Context, filter store.SessionFilter) ([]*store.Session, error) {
	return m.store.ListSessions(ctx, filter)
}

// Delete soft-deletes a session and cascades: every non-terminal server
// session stops, every active run is forced terminal with a synthetic
// error, every open connection closes, and ephemeral deployments are
// removed. A second delete is a conflict.
func (m *Manager) Delete(ctx context.Context, instanceID, id string) error {
	if err := m.store.MarkSessionDeleted(ctx, instanceID, id); err != nil {
		return err
	}
	metrics.SessionDeleted()

	// Active runs are forced terminal before their server sessions stop so
	// each failure is attributed with a recorded error.
	activeRuns, err := m.store.ListActiveRunsForSession(ctx, id)
	if err != nil {
		return relayerrors.Wrap(err, "listing active runs for deletion")
	}
	for _, r := range activeRuns {
		err := m.runs.Fail(ctx, r.ID, run.FailInput{
			SessionID: id,
			Scope:     r.ServerSessionID,
			Code:      deletionErrorCode,
			Message:   "run terminated because its session was deleted",
		})
		if err != nil && !relayerrors.IsConflict(err) {
			return relayerrors.Wrapf(err, "failing run %s during deletion", r.ID)
		}
	}

	stopped, err := m.store.StopServerSessionsForSession(ctx, id)
	if err != nil {
		return relayerrors.Wrap(err, "stopping server sessions")
	}

	closed, err := m.store.CloseConnectionsForSession(ctx, id)
	if err != nil {
		return relayerrors.Wrap(err, "closing connections")
	}
	if closed > 0 {
		metrics.ConnectionClosed(closed)
	}

	removed, err := m.store.DeleteEphemeralDeployments(ctx, id)
	if err != nil {
		return relayerrors.Wrap(err, "deleting ephemeral deployments")
	}

	m.logger.Info("session deleted",
		log.SessionIDKey, id,
		"runs_failed", len(activeRuns),
		"server_sessions_stopped", stopped,
		"connections_closed", closed,
		"ephemeral_deployments_removed", removed,
	)
	return nil
}

// Usage returns the session's aggregate productive message counters,
// computed as the sum over its server sessions.
func (m *Manager) Usage(ctx context.Context, instanceID, id string) (store.Usage, error) {
	return m.store.SessionUsage(ctx, instanceID, id)
}

// RotateSecret replaces the session client secret and returns the new
// value. The previous secret stops verifying immediately.
func (m *Manager) RotateSecret(ctx context.Context, instanceID, id string) (string, error) {
	secret, err := generateSecret()
	if err != nil {
		return "", err
	}
	hash, err := hashSecret(secret)
	if err != nil {
		return "", relayerrors.Wrap(err, "hashing session secret")
	}
	if err := m.store.UpdateSessionSecret(ctx, instanceID, id, hash); err != nil {
		return "", err
	}
	m.logger.Info("session secret rotated", log.SessionIDKey, id)
	return secret, nil
}

// VerifySecret checks a presented client secret. A wrong secret is
// forbidden; a deleted session no longer authenticates.
func (m *Manager) VerifySecret(ctx context.Context, instanceID, id, secret string) error {
	sess, err := m.store.GetSession(ctx, instanceID, id)
	if err != nil {
		return err
	}
	if sess.Status != store.SessionActive {
		return &relayerrors.ForbiddenError{Message: "session is deleted"}
	}
	if !verifySecret(secret, sess.SecretHash) {
		return &relayerrors.ForbiddenError{Message: "invalid session secret"}
	}
	return nil
}
