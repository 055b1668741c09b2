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

package session

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/metrics"
	"github.com/tombee/relay/internal/store"
	relayerrors "github.com/tombee/relay/pkg/errors"
)

// Coordinator manages server-session protocol state: the one-shot
// handshake, message recording, usage accounting, and shutdown.
type Coordinator struct {
	store  *store.Store
	logger *slog.Logger
}

// NewCoordinator creates a server session coordinator.
func NewCoordinator(st *store.Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:  st,
		logger: log.WithComponent(logger, "coordinator"),
	}
}

// ServerSessionView is a server session with its derived connectivity.
type ServerSessionView struct {
	*store.ServerSession
	ConnectionState store.ConnectionState `json:"connection_state"`
}

// Get returns one server session with derived connection state.
func (c *Coordinator) Get(ctx context.Context, instanceID, id string) (*ServerSessionView, error) {
	ss, err := c.store.GetServerSession(ctx, instanceID, id)
	if err != nil {
		return nil, err
	}
	state, err := c.store.ServerSessionConnectionState(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ServerSessionView{ServerSession: ss, ConnectionState: state}, nil
}

// List returns a session's server sessions with derived connection state.
func (c *Coordinator) List(ctx context.Context, instanceID, sessionID string) ([]*ServerSessionView, error) {
	if _, err := c.store.GetSession(ctx, instanceID, sessionID); err != nil {
		return nil, err
	}

	sessions, err := c.store.ListServerSessions(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	views := make([]*ServerSessionView, 0, len(sessions))
	for _, ss := range sessions {
		state, err := c.store.ServerSessionConnectionState(ctx, ss.ID)
		if err != nil {
			return nil, err
		}
		views = append(views, &ServerSessionView{ServerSession: ss, ConnectionState: state})
	}
	return views, nil
}

// RecordHandshake applies the negotiated protocol fields and moves the
// server session from pending to running. It succeeds at most once per
// server session; repeats and handshakes on stopped sessions conflict.
func (c *Coordinator) RecordHandshake(ctx context.Context, instanceID, id string, hs store.Handshake) (*store.ServerSession, error) {
	if hs.ProtocolVersion == "" {
		return nil, &relayerrors.ValidationError{Field: "protocol_version", Message: "protocol version is required"}
	}

	// Scope check before mutation.
	if _, err := c.store.GetServerSession(ctx, instanceID, id); err != nil {
		return nil, err
	}

	if err := c.store.RecordHandshake(ctx, id, hs); err != nil {
		return nil, err
	}

	c.logger.Info("handshake recorded",
		log.ServerSessionIDKey, id,
		"protocol_version", hs.ProtocolVersion,
		"client", hs.ClientInfo.Name,
		"server", hs.ServerInfo.Name,
	)
	return c.store.GetServerSession(ctx, instanceID, id)
}

// MessageInput describes one protocol message to record.
type MessageInput struct {
	Type          store.MessageType
	SenderType    store.SenderType
	SenderID      string
	CorrelationID string
	Method        string
	Payload       []byte
}

// RecordMessage persists a protocol message on a running server session and
// advances usage counters when the message type is productive. The counter
// add is a single atomic storage operation, so concurrent recorders on the
// same server session never lose increments.
func (c *Coordinator) RecordMessage(ctx context.Context, instanceID, serverSessionID string, input MessageInput) (*store.SessionMessage, error) {
	if input.SenderType != store.SenderClient && input.SenderType != store.SenderServer {
		return nil, &relayerrors.ValidationError{Field: "sender_type", Message: "sender type must be client or server"}
	}
	if input.Type == "" {
		input.Type = store.MessageUnknown
	}

	ss, err := c.store.GetServerSession(ctx, instanceID, serverSessionID)
	if err != nil {
		return nil, err
	}
	if ss.Status != store.ServerSessionRunning {
		return nil, &relayerrors.ConflictError{
			Resource: "server_session",
			ID:       serverSessionID,
			Message:  "messages require a running server session",
		}
	}

	msg := &store.SessionMessage{
		ID:              "msg_" + uuid.NewString(),
		ServerSessionID: serverSessionID,
		Type:            input.Type,
		SenderType:      input.SenderType,
		SenderID:        input.SenderID,
		CorrelationID:   input.CorrelationID,
		Method:          input.Method,
		Payload:         input.Payload,
	}
	if err := c.store.CreateMessage(ctx, msg); err != nil {
		return nil, relayerrors.Wrap(err, "recording message")
	}

	if input.Type.Productive() {
		if err := c.store.IncrementUsage(ctx, serverSessionID, input.SenderType); err != nil {
			return nil, relayerrors.Wrap(err, "incrementing usage")
		}
	}

	metrics.RecordMessage(string(input.SenderType), string(input.Type))
	return msg, nil
}

// Messages lists a server session's messages in creation order.
func (c *Coordinator) Messages(ctx context.Context, instanceID, serverSessionID string, limit, offset int) ([]*store.SessionMessage, error) {
	if _, err := c.store.GetServerSession(ctx, instanceID, serverSessionID); err != nil {
		return nil, err
	}
	return c.store.ListMessages(ctx, serverSessionID, limit, offset)
}

// Close stops a server session. Its open connection, if any, ends with it.
func (c *Coordinator) Close(ctx context.Context, instanceID, id string) error {
	if _, err := c.store.GetServerSession(ctx, instanceID, id); err != nil {
		return err
	}
	if err := c.store.CloseServerSession(ctx, id); err != nil {
		return err
	}
	c.logger.Info("server session stopped", log.ServerSessionIDKey, id)
	return nil
}

// Usage reads one server session's productive message counters.
func (c *Coordinator) Usage(ctx context.Context, instanceID, id string) (store.Usage, error) {
	if _, err := c.store.GetServerSession(ctx, instanceID, id); err != nil {
		return store.Usage{}, err
	}
	return c.store.ServerSessionUsage(ctx, id)
}
