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

package faults

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tombee/relay/internal/store"
	relayerrors "github.com/tombee/relay/pkg/errors"
)

func newTestAggregator(t *testing.T) (*Aggregator, *store.Store, string) {
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

	run := &store.ServerRun{
		ID:              "run_" + uuid.NewString(),
		ServerSessionID: ss.ID,
		Status:          store.RunActive,
		Type:            store.RunTypeHosted,
		ServerVersion:   "1.0.0",
	}
	require.NoError(t, s.CreateRun(context.Background(), run))

	return NewAggregator(s, nil), s, run.ID
}

func TestRecordValidatesInput(t *testing.T) {
	agg, _, runID := newTestAggregator(t)
	ctx := context.Background()

	_, err := agg.Record(ctx, RecordInput{Scope: "dep_1", Code: "timeout"})
	require.True(t, relayerrors.IsValidation(err))

	_, err = agg.Record(ctx, RecordInput{RunID: runID, Scope: "dep_1"})
	require.True(t, relayerrors.IsValidation(err))
}

func TestRecordGroupsByFingerprint(t *testing.T) {
	agg, _, runID := newTestAggregator(t)
	ctx := context.Background()

	first, err := agg.Record(ctx, RecordInput{
		RunID: runID, Scope: "dep_1", Code: "timeout",
		Message: "timed out after 30s",
	})
	require.NoError(t, err)

	second, err := agg.Record(ctx, RecordInput{
		RunID: runID, Scope: "dep_1", Code: "timeout",
		Message: "timed out after 95s",
	})
	require.NoError(t, err)
	require.Equal(t, first.Fingerprint, second.Fingerprint)

	group, err := agg.Group(ctx, first.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, int64(2), group.Count)
	require.Equal(t, first.ID, group.DefaultErrorID)
}

func TestRecordConcurrentCountMatchesInstances(t *testing.T) {
	agg, s, runID := newTestAggregator(t)
	ctx := context.Background()

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := agg.Record(ctx, RecordInput{
				RunID: runID, Scope: "dep_1", Code: "crash",
				Message: fmt.Sprintf("exited with signal on attempt %d", i),
			})
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	group, err := agg.Group(ctx, Fingerprint("dep_1", "crash", "exited with signal on attempt 0"))
	require.NoError(t, err)
	require.Equal(t, int64(writers), group.Count)

	count, err := s.CountErrorsForRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, int64(writers), count)
}

func TestGroupsFilteredByInstance(t *testing.T) {
	agg, _, runID := newTestAggregator(t)
	ctx := context.Background()

	_, err := agg.Record(ctx, RecordInput{
		RunID: runID, Scope: "dep_1", Code: "timeout", Message: "boom",
	})
	require.NoError(t, err)

	groups, err := agg.Groups(ctx, store.GroupFilter{InstanceID: "inst-a"})
	require.NoError(t, err)
	require.Len(t, groups, 1)

	groups, err = agg.Groups(ctx, store.GroupFilter{InstanceID: "inst-b"})
	require.NoError(t, err)
	require.Empty(t, groups)
}
