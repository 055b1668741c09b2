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

package run

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tombee/relay/internal/faults"
	"github.com/tombee/relay/internal/store"
	relayerrors "github.com/tombee/relay/pkg/errors"
)

// recordingSink collects event notices for assertions.
type recordingSink struct {
	mu     sync.Mutex
	runs   []string
	errors []string
}

func (r *recordingSink) RunEvent(sessionID, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, runID)
}

func (r *recordingSink) ErrorEvent(sessionID, errorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, errorID)
}

type trackerFixture struct {
	tracker *Tracker
	store   *store.Store
	sink    *recordingSink
	session *store.Session
	server  *store.ServerSession
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()

	s, err := store.New(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	sess := &store.Session{
		ID:         "sess_" + uuid.NewString(),
		InstanceID: "inst-a",
		Status:     store.SessionActive,
		SecretHash: "$argon2id$test",
	}
	dep := &store.Deployment{
		ID:         "dep_" + uuid.NewString(),
		InstanceID: "inst-a",
		Name:       "echo",
		Status:     store.DeploymentActive,
		Ephemeral:  true,
		SessionID:  sess.ID,
	}
	ss := &store.ServerSession{
		ID:           "ssn_" + uuid.NewString(),
		SessionID:    sess.ID,
		DeploymentID: dep.ID,
		Status:       store.ServerSessionPending,
		Transport:    store.TransportStreamableHTTP,
	}
	require.NoError(t, s.CreateSession(context.Background(), sess,
		[]*store.Deployment{dep}, []*store.ServerSession{ss}))

	sink := &recordingSink{}
	tracker := NewTracker(s, faults.NewAggregator(s, nil), sink, nil)
	return &trackerFixture{tracker: tracker, store: s, sink: sink, session: sess, server: ss}
}

func (f *trackerFixture) startRun(t *testing.T) *store.ServerRun {
	t.Helper()
	run, err := f.tracker.Start(context.Background(), StartInput{
		SessionID:       f.session.ID,
		ServerSessionID: f.server.ID,
		DeploymentID:    f.server.DeploymentID,
		ServerVersion:   "1.0.0",
		Type:            store.RunTypeHosted,
	})
	require.NoError(t, err)
	return run
}

func TestStartRun(t *testing.T) {
	f := newTrackerFixture(t)

	run := f.startRun(t)
	require.Equal(t, store.RunActive, run.Status)
	require.False(t, run.StartedAt.IsZero())
	require.Equal(t, []string{run.ID}, f.sink.runs)
}

func TestStartRunValidation(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()

	_, err := f.tracker.Start(ctx, StartInput{
		ServerVersion: "1.0.0", Type: store.RunTypeHosted,
	})
	require.True(t, relayerrors.IsValidation(err))

	_, err = f.tracker.Start(ctx, StartInput{
		ServerSessionID: f.server.ID, Type: store.RunTypeHosted,
	})
	require.True(t, relayerrors.IsValidation(err))

	_, err = f.tracker.Start(ctx, StartInput{
		ServerSessionID: f.server.ID, ServerVersion: "1.0.0", Type: "batch",
	})
	require.True(t, relayerrors.IsValidation(err))
}

func TestCompleteRunExactlyOnce(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	run := f.startRun(t)

	require.NoError(t, f.tracker.Complete(ctx, run.ID))

	err := f.tracker.Complete(ctx, run.ID)
	require.True(t, relayerrors.IsConflict(err))

	err = f.tracker.Fail(ctx, run.ID, FailInput{
		SessionID: f.session.ID, Scope: f.server.DeploymentID,
		Code: "crash", Message: "late failure",
	})
	require.True(t, relayerrors.IsConflict(err))

	got, err := f.store.GetRun(ctx, "inst-a", run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, got.Status)
}

func TestFailRecordsErrorBeforeEnding(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	run := f.startRun(t)

	require.NoError(t, f.tracker.Fail(ctx, run.ID, FailInput{
		SessionID: f.session.ID,
		Scope:     f.server.DeploymentID,
		Code:      "crash",
		Message:   "process exited unexpectedly",
	}))

	got, err := f.store.GetRun(ctx, "inst-a", run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, got.Status)

	// A failed run always leaves at least one error behind.
	count, err := f.store.CountErrorsForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
	require.Len(t, f.sink.errors, 1)
}

func TestRecordErrorRequiresActiveRun(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	run := f.startRun(t)

	input := FailInput{
		SessionID: f.session.ID, Scope: f.server.DeploymentID,
		Code: "tool_error", Message: "tool call rejected",
	}

	recorded, err := f.tracker.RecordError(ctx, run.ID, input)
	require.NoError(t, err)
	require.NotEmpty(t, recorded.Fingerprint)

	require.NoError(t, f.tracker.Complete(ctx, run.ID))

	_, err = f.tracker.RecordError(ctx, run.ID, input)
	require.True(t, relayerrors.IsConflict(err))
}

func TestAppendAndReadLogs(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	run := f.startRun(t)

	require.NoError(t, f.tracker.AppendLog(ctx, run.ID, 1, StreamStdout, "hello"))
	require.NoError(t, f.tracker.AppendLog(ctx, run.ID, 2, StreamStderr, "warn: slow"))
	// Replayed sequence numbers are ignored.
	require.NoError(t, f.tracker.AppendLog(ctx, run.ID, 1, StreamStdout, "replayed"))

	logs, err := f.tracker.Logs(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, DecodedLogLine{Type: StreamStdout, Line: "hello", Seq: 1}, logs[0])
	require.Equal(t, DecodedLogLine{Type: StreamStderr, Line: "warn: slow", Seq: 2}, logs[1])
}
