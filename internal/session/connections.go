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
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/metrics"
	"github.com/tombee/relay/internal/store"
	relayerrors "github.com/tombee/relay/pkg/errors"
)

// ConnectionTracker maintains physical transport attachments and the
// liveness sweep that reaps clients which vanish without detaching.
type ConnectionTracker struct {
	store  *store.Store
	logger *slog.Logger
}

// NewConnectionTracker creates a connection tracker.
func NewConnectionTracker(st *store.Store, logger *slog.Logger) *ConnectionTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionTracker{
		store:  st,
		logger: log.WithComponent(logger, "connections"),
	}
}

// AttachInput describes a new transport attachment.
type AttachInput struct {
	ServerSessionID string
	UserAgent       string
	RemoteAddr      string
}

// Attach opens a connection on a server session. A connection already open
// on the same server session is implicitly closed by the attach; the
// replacement is atomic, so no two connections are ever open together.
func (t *ConnectionTracker) Attach(ctx context.Context, instanceID string, input AttachInput) (*store.SessionConnection, error) {
	if input.ServerSessionID == "" {
		return nil, &relayerrors.ValidationError{Field: "server_session_id", Message: "server session id is required"}
	}

	ss, err := t.store.GetServerSession(ctx, instanceID, input.ServerSessionID)
	if err != nil {
		return nil, err
	}
	if ss.Status == store.ServerSessionStopped {
		return nil, &relayerrors.ConflictError{
			Resource: "server_session",
			ID:       input.ServerSessionID,
			Message:  "cannot attach to a stopped server session",
		}
	}

	conn := &store.SessionConnection{
		ID:              "conn_" + uuid.NewString(),
		ServerSessionID: input.ServerSessionID,
		UserAgent:       input.UserAgent,
		RemoteAddr:      anonymizeAddr(input.RemoteAddr),
	}
	if err := t.store.AttachConnection(ctx, conn); err != nil {
		return nil, relayerrors.Wrap(err, "attaching connection")
	}

	metrics.ConnectionOpened()
	t.logger.Info("connection attached",
		log.ConnectionIDKey, conn.ID,
		log.ServerSessionIDKey, input.ServerSessionID,
	)
	return conn, nil
}

// Detach closes a connection. Detaching twice is an idempotent success.
func (t *ConnectionTracker) Detach(ctx context.Context, id string) error {
	conn, err := t.store.GetConnection(ctx, id)
	if err != nil {
		return err
	}

	if err := t.store.DetachConnection(ctx, id); err != nil {
		return err
	}

	if conn.Open() {
		metrics.ConnectionClosed(1)
		t.logger.Info("connection detached", log.ConnectionIDKey, id)
	}
	return nil
}

// Heartbeat advances a connection's liveness timestamp. A heartbeat on an
// ended connection conflicts; the client must reattach instead.
func (t *ConnectionTracker) Heartbeat(ctx context.Context, id string) error {
	return t.store.TouchConnection(ctx, id)
}

// Get returns one connection.
func (t *ConnectionTracker) Get(ctx context.Context, id string) (*store.SessionConnection, error) {
	return t.store.GetConnection(ctx, id)
}

// List returns a server session's connection history in creation order.
func (t *ConnectionTracker) List(ctx context.Context, serverSessionID string) ([]*store.SessionConnection, error) {
	return t.store.ListConnections(ctx, serverSessionID)
}

// SweepStale closes every open connection silent for longer than ttl and
// returns how many were closed.
func (t *ConnectionTracker) SweepStale(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	swept, err := t.store.SweepStaleConnections(ctx, cutoff)
	if err != nil {
		return 0, relayerrors.Wrap(err, "sweeping stale connections")
	}
	if swept > 0 {
		metrics.ConnectionClosed(swept)
		metrics.StaleConnectionsSwept(swept)
		t.logger.Info("swept stale connections", "count", swept)
	}
	return swept, nil
}

// anonymizeAddr truncates a remote address before storage: the last IPv4
// octet is zeroed and IPv6 addresses keep their /48 prefix.
func anonymizeAddr(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String()
	}
	return ip.Mask(net.CIDRMask(48, 128)).String()
}
