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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	relayerrors "github.com/tombee/relay/pkg/errors"
)

func TestAttachReplacesOpenConnection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ss := newTestSession(t, s, "inst-a")

	c1 := &SessionConnection{ID: "conn_1", ServerSessionID: ss.ID}
	require.NoError(t, s.AttachConnection(ctx, c1))

	c2 := &SessionConnection{ID: "conn_2", ServerSessionID: ss.ID}
	require.NoError(t, s.AttachConnection(ctx, c2))

	got1, err := s.GetConnection(ctx, "conn_1")
	require.NoError(t, err)
	require.False(t, got1.Open())

	got2, err := s.GetConnection(ctx, "conn_2")
	require.NoError(t, err)
	require.True(t, got2.Open())

	// History preserved, exactly one open.
	conns, err := s.ListConnections(ctx, ss.ID)
	require.NoError(t, err)
	require.Len(t, conns, 2)

	open := 0
	for _, c := range conns {
		if c.Open() {
			open++
		}
	}
	require.Equal(t, 1, open)
}

func TestDetachConnectionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ss := newTestSession(t, s, "inst-a")

	conn := &SessionConnection{ID: "conn_1", ServerSessionID: ss.ID}
	require.NoError(t, s.AttachConnection(ctx, conn))

	require.NoError(t, s.DetachConnection(ctx, "conn_1"))
	require.NoError(t, s.DetachConnection(ctx, "conn_1"))

	err := s.DetachConnection(ctx, "conn_missing")
	require.True(t, relayerrors.IsNotFound(err))
}

func TestTouchConnectionRejectsEnded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ss := newTestSession(t, s, "inst-a")

	conn := &SessionConnection{ID: "conn_1", ServerSessionID: ss.ID}
	require.NoError(t, s.AttachConnection(ctx, conn))
	require.NoError(t, s.TouchConnection(ctx, "conn_1"))

	require.NoError(t, s.DetachConnection(ctx, "conn_1"))
	err := s.TouchConnection(ctx, "conn_1")
	require.True(t, relayerrors.IsConflict(err))
}

func TestSweepStaleConnections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ss := newTestSession(t, s, "inst-a")

	conn := &SessionConnection{ID: "conn_1", ServerSessionID: ss.ID}
	require.NoError(t, s.AttachConnection(ctx, conn))

	// Cutoff in the past sweeps nothing.
	swept, err := s.SweepStaleConnections(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Zero(t, swept)

	// Cutoff in the future sweeps the idle connection.
	swept, err = s.SweepStaleConnections(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), swept)

	got, err := s.GetConnection(ctx, "conn_1")
	require.NoError(t, err)
	require.False(t, got.Open())
}

func TestConnectionStateDerivation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, ss := newTestSession(t, s, "inst-a")

	state, err := s.SessionConnectionState(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, Disconnected, state)

	conn := &SessionConnection{ID: "conn_1", ServerSessionID: ss.ID}
	require.NoError(t, s.AttachConnection(ctx, conn))

	state, err = s.SessionConnectionState(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, Connected, state)

	ssState, err := s.ServerSessionConnectionState(ctx, ss.ID)
	require.NoError(t, err)
	require.Equal(t, Connected, ssState)

	closed, err := s.CloseConnectionsForSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), closed)

	state, err = s.SessionConnectionState(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, Disconnected, state)
}
