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

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	relayerrors "github.com/tombee/relay/pkg/errors"
)

func TestAppendEventRequiresExactlyOneReference(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, _ := newTestSession(t, s, "inst-a")

	err := s.AppendEvent(ctx, &SessionEvent{ID: "evt_1", SessionID: sess.ID})
	require.True(t, relayerrors.IsValidation(err))

	err = s.AppendEvent(ctx, &SessionEvent{
		ID:               "evt_2",
		SessionID:        sess.ID,
		ServerRunID:      "run_x",
		ServerRunErrorID: "err_x",
	})
	require.True(t, relayerrors.IsValidation(err))
}

func TestListEventsOrderedByCreation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, ss := newTestSession(t, s, "inst-a")
	run := newTestRun(t, s, ss.ID)

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, &SessionEvent{
			ID:          "evt_" + uuid.NewString(),
			SessionID:   sess.ID,
			ServerRunID: run.ID,
			CreatedAt:   base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	events, err := s.ListEvents(ctx, sess.ID, EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i := 1; i < len(events); i++ {
		require.True(t, !events[i].CreatedAt.Before(events[i-1].CreatedAt))
	}
}

func TestListEventsFilterByRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, ss := newTestSession(t, s, "inst-a")
	run1 := newTestRun(t, s, ss.ID)
	run2 := newTestRun(t, s, ss.ID)

	runErr := newTestError(run1.ID, "fp-1", "timeout", "boom")
	require.NoError(t, s.RecordError(ctx, runErr))

	require.NoError(t, s.AppendEvent(ctx, &SessionEvent{
		ID: "evt_run1", SessionID: sess.ID, ServerRunID: run1.ID,
	}))
	require.NoError(t, s.AppendEvent(ctx, &SessionEvent{
		ID: "evt_err1", SessionID: sess.ID, ServerRunErrorID: runErr.ID,
	}))
	require.NoError(t, s.AppendEvent(ctx, &SessionEvent{
		ID: "evt_run2", SessionID: sess.ID, ServerRunID: run2.ID,
	}))

	// Run filter matches the run's own event and its error events.
	events, err := s.ListEvents(ctx, sess.ID, EventFilter{ServerRunIDs: []string{run1.ID}})
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Server session filter spans both runs.
	events, err = s.ListEvents(ctx, sess.ID, EventFilter{ServerSessionIDs: []string{ss.ID}})
	require.NoError(t, err)
	require.Len(t, events, 3)
}
