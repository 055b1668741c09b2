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
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
	relayerrors "github.com/tombee/relay/pkg/errors"
)

func testHandshake() Handshake {
	return Handshake{
		ProtocolVersion: "2025-03-26",
		ClientInfo:      mcp.Implementation{Name: "inspector", Version: "1.2.0"},
		ServerInfo:      mcp.Implementation{Name: "echo-server", Version: "0.4.1"},
	}
}

func TestRecordHandshake(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ss := newTestSession(t, s, "inst-a")

	require.NoError(t, s.RecordHandshake(ctx, ss.ID, testHandshake()))

	got, err := s.GetServerSession(ctx, "inst-a", ss.ID)
	require.NoError(t, err)
	require.Equal(t, ServerSessionRunning, got.Status)
	require.Equal(t, "2025-03-26", got.ProtocolVersion)
	require.NotNil(t, got.ClientInfo)
	require.Equal(t, "inspector", got.ClientInfo.Name)
	require.NotNil(t, got.ServerInfo)
	require.Equal(t, "echo-server", got.ServerInfo.Name)
}

func TestRecordHandshakeOnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ss := newTestSession(t, s, "inst-a")

	require.NoError(t, s.RecordHandshake(ctx, ss.ID, testHandshake()))

	err := s.RecordHandshake(ctx, ss.ID, testHandshake())
	require.True(t, relayerrors.IsConflict(err))
}

func TestRecordHandshakeAfterStopConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ss := newTestSession(t, s, "inst-a")

	require.NoError(t, s.CloseServerSession(ctx, ss.ID))

	err := s.RecordHandshake(ctx, ss.ID, testHandshake())
	require.True(t, relayerrors.IsConflict(err))
}

func TestCloseServerSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ss := newTestSession(t, s, "inst-a")

	require.NoError(t, s.CloseServerSession(ctx, ss.ID))

	err := s.CloseServerSession(ctx, ss.ID)
	require.True(t, relayerrors.IsConflict(err))

	err = s.CloseServerSession(ctx, "ssn_missing")
	require.True(t, relayerrors.IsNotFound(err))
}

func TestStopServerSessionsForSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, ss := newTestSession(t, s, "inst-a")

	require.NoError(t, s.RecordHandshake(ctx, ss.ID, testHandshake()))

	stopped, err := s.StopServerSessionsForSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), stopped)

	// Idempotent: nothing left to stop.
	stopped, err = s.StopServerSessionsForSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Zero(t, stopped)
}

func TestIncrementUsageConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ss := newTestSession(t, s, "inst-a")

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.IncrementUsage(ctx, ss.ID, SenderClient)
		}()
	}
	wg.Wait()

	usage, err := s.ServerSessionUsage(ctx, ss.ID)
	require.NoError(t, err)
	require.Equal(t, int64(writers), usage.ClientMessages)
}

func TestCreateAndListMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ss := newTestSession(t, s, "inst-a")

	first := &SessionMessage{
		ID:              "msg_1",
		ServerSessionID: ss.ID,
		Type:            MessageRequest,
		SenderType:      SenderClient,
		Method:          "tools/call",
		Payload:         []byte(`{"name":"echo"}`),
	}
	second := &SessionMessage{
		ID:              "msg_2",
		ServerSessionID: ss.ID,
		Type:            MessageResponse,
		SenderType:      SenderServer,
		CorrelationID:   "msg_1",
	}
	require.NoError(t, s.CreateMessage(ctx, first))
	require.NoError(t, s.CreateMessage(ctx, second))

	messages, err := s.ListMessages(ctx, ss.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, "msg_1", messages[0].ID)
	require.Equal(t, "tools/call", messages[0].Method)
	require.JSONEq(t, `{"name":"echo"}`, string(messages[0].Payload))
	require.Equal(t, "msg_1", messages[1].CorrelationID)
}

func TestMessageTypeProductive(t *testing.T) {
	tests := []struct {
		msgType MessageType
		want    bool
	}{
		{MessageRequest, true},
		{MessageResponse, true},
		{MessageNotification, true},
		{MessageError, false},
		{MessageServerError, false},
		{MessageDebug, false},
		{MessageUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.msgType), func(t *testing.T) {
			require.Equal(t, tt.want, tt.msgType.Productive())
		})
	}
}
