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
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
	"github.com/tombee/relay/internal/store"
	relayerrors "github.com/tombee/relay/pkg/errors"
)

func newCoordinatorFixture(t *testing.T) (*Coordinator, *managerFixture, *CreateResult) {
	t.Helper()
	f := newManagerFixture(t)
	result := f.createSession(t, "inst-a")
	return NewCoordinator(f.store, nil), f, result
}

func runningHandshake() store.Handshake {
	return store.Handshake{
		ProtocolVersion: "2025-03-26",
		ClientInfo:      mcp.Implementation{Name: "inspector", Version: "1.2.0"},
		ServerInfo:      mcp.Implementation{Name: "echo-server", Version: "0.4.1"},
	}
}

func TestRecordHandshakeTransitionsToRunning(t *testing.T) {
	c, _, result := newCoordinatorFixture(t)
	ctx := context.Background()
	ssID := result.ServerSessions[0].ID

	ss, err := c.RecordHandshake(ctx, "inst-a", ssID, runningHandshake())
	require.NoError(t, err)
	require.Equal(t, store.ServerSessionRunning, ss.Status)
	require.Equal(t, "2025-03-26", ss.ProtocolVersion)

	// At most once.
	_, err = c.RecordHandshake(ctx, "inst-a", ssID, runningHandshake())
	require.True(t, relayerrors.IsConflict(err))
}

func TestRecordHandshakeValidation(t *testing.T) {
	c, _, result := newCoordinatorFixture(t)

	_, err := c.RecordHandshake(context.Background(), "inst-a", result.ServerSessions[0].ID, store.Handshake{})
	require.True(t, relayerrors.IsValidation(err))
}

func TestRecordHandshakeCrossInstanceNotFound(t *testing.T) {
	c, _, result := newCoordinatorFixture(t)

	_, err := c.RecordHandshake(context.Background(), "inst-b", result.ServerSessions[0].ID, runningHandshake())
	require.True(t, relayerrors.IsNotFound(err))
}

func TestRecordMessageRequiresRunningServerSession(t *testing.T) {
	c, _, result := newCoordinatorFixture(t)
	ctx := context.Background()
	ssID := result.ServerSessions[0].ID

	// Still pending: no handshake yet.
	_, err := c.RecordMessage(ctx, "inst-a", ssID, MessageInput{
		Type:       store.MessageRequest,
		SenderType: store.SenderClient,
	})
	require.True(t, relayerrors.IsConflict(err))
}

func TestRecordMessageCountsProductiveOnly(t *testing.T) {
	c, _, result := newCoordinatorFixture(t)
	ctx := context.Background()
	ssID := result.ServerSessions[0].ID

	_, err := c.RecordHandshake(ctx, "inst-a", ssID, runningHandshake())
	require.NoError(t, err)

	request, err := c.RecordMessage(ctx, "inst-a", ssID, MessageInput{
		Type:       store.MessageRequest,
		SenderType: store.SenderClient,
		Method:     "tools/call",
		Payload:    []byte(`{"name":"echo"}`),
	})
	require.NoError(t, err)

	_, err = c.RecordMessage(ctx, "inst-a", ssID, MessageInput{
		Type:          store.MessageResponse,
		SenderType:    store.SenderServer,
		CorrelationID: request.ID,
	})
	require.NoError(t, err)

	// Debug traffic is recorded but never billed.
	_, err = c.RecordMessage(ctx, "inst-a", ssID, MessageInput{
		Type:       store.MessageDebug,
		SenderType: store.SenderClient,
	})
	require.NoError(t, err)

	usage, err := c.Usage(ctx, "inst-a", ssID)
	require.NoError(t, err)
	require.Equal(t, int64(1), usage.ClientMessages)
	require.Equal(t, int64(1), usage.ServerMessages)

	messages, err := c.Messages(ctx, "inst-a", ssID, 0, 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
}

func TestRecordMessageValidatesSender(t *testing.T) {
	c, _, result := newCoordinatorFixture(t)

	_, err := c.RecordMessage(context.Background(), "inst-a", result.ServerSessions[0].ID, MessageInput{
		Type:       store.MessageRequest,
		SenderType: "operator",
	})
	require.True(t, relayerrors.IsValidation(err))
}

func TestRecordMessageDefaultsUnknownType(t *testing.T) {
	c, _, result := newCoordinatorFixture(t)
	ctx := context.Background()
	ssID := result.ServerSessions[0].ID

	_, err := c.RecordHandshake(ctx, "inst-a", ssID, runningHandshake())
	require.NoError(t, err)

	msg, err := c.RecordMessage(ctx, "inst-a", ssID, MessageInput{SenderType: store.SenderClient})
	require.NoError(t, err)
	require.Equal(t, store.MessageUnknown, msg.Type)

	usage, err := c.Usage(ctx, "inst-a", ssID)
	require.NoError(t, err)
	require.Zero(t, usage.Total())
}

func TestCloseServerSession(t *testing.T) {
	c, _, result := newCoordinatorFixture(t)
	ctx := context.Background()
	ssID := result.ServerSessions[0].ID

	require.NoError(t, c.Close(ctx, "inst-a", ssID))

	view, err := c.Get(ctx, "inst-a", ssID)
	require.NoError(t, err)
	require.Equal(t, store.ServerSessionStopped, view.Status)

	err = c.Close(ctx, "inst-a", ssID)
	require.True(t, relayerrors.IsConflict(err))
}

func TestListServerSessions(t *testing.T) {
	c, _, result := newCoordinatorFixture(t)

	views, err := c.List(context.Background(), "inst-a", result.Session.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, store.Disconnected, views[0].ConnectionState)
}
