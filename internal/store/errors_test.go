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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	relayerrors "github.com/tombee/relay/pkg/errors"
)

func newTestError(runID, fingerprint, code, message string) *ServerRunError {
	return &ServerRunError{
		ID:          "err_" + uuid.NewString(),
		RunID:       runID,
		Fingerprint: fingerprint,
		Code:        code,
		Message:     message,
	}
}

func TestRecordErrorCreatesGroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ss := newTestSession(t, s, "inst-a")
	run := newTestRun(t, s, ss.ID)

	first := newTestError(run.ID, "fp-1", "timeout", "connection timed out after 30s")
	require.NoError(t, s.RecordError(ctx, first))

	group, err := s.GetErrorGroup(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), group.Count)
	require.Equal(t, first.ID, group.DefaultErrorID)
	require.Equal(t, "timeout", group.Code)
	require.Equal(t, group.FirstSeenAt, group.LastSeenAt)
}

func TestRecordErrorSameFingerprintIncrementsCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ss := newTestSession(t, s, "inst-a")
	run := newTestRun(t, s, ss.ID)

	first := newTestError(run.ID, "fp-1", "timeout", "connection timed out after 30s")
	second := newTestError(run.ID, "fp-1", "timeout", "connection timed out after 31s")
	require.NoError(t, s.RecordError(ctx, first))
	require.NoError(t, s.RecordError(ctx, second))

	group, err := s.GetErrorGroup(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), group.Count)
	// Representative stays with the first occurrence.
	require.Equal(t, first.ID, group.DefaultErrorID)
	require.True(t, !group.LastSeenAt.Before(group.FirstSeenAt))
}

func TestRecordErrorLastSeenAdvancesWithinSameSecond(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ss := newTestSession(t, s, "inst-a")
	run := newTestRun(t, s, ss.ID)

	// An exact-second timestamp has no fractional digits under
	// RFC3339Nano, so it would compare lexicographically greater than a
	// later sub-second one. Stored values must sort chronologically.
	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	later := base.Add(500 * time.Millisecond)

	first := newTestError(run.ID, "fp-1", "timeout", "boom")
	first.CreatedAt = base
	require.NoError(t, s.RecordError(ctx, first))

	second := newTestError(run.ID, "fp-1", "timeout", "boom")
	second.CreatedAt = later
	require.NoError(t, s.RecordError(ctx, second))

	group, err := s.GetErrorGroup(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), group.Count)
	require.True(t, group.LastSeenAt.Equal(later))

	// An older occurrence never moves last_seen_at backwards.
	stale := newTestError(run.ID, "fp-1", "timeout", "boom")
	stale.CreatedAt = base.Add(-time.Second)
	require.NoError(t, s.RecordError(ctx, stale))

	group, err = s.GetErrorGroup(ctx, "fp-1")
	require.NoError(t, err)
	require.True(t, group.LastSeenAt.Equal(later))
}

func TestRecordErrorDifferentCodeDifferentGroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ss := newTestSession(t, s, "inst-a")
	run := newTestRun(t, s, ss.ID)

	require.NoError(t, s.RecordError(ctx, newTestError(run.ID, "fp-1", "timeout", "boom")))
	require.NoError(t, s.RecordError(ctx, newTestError(run.ID, "fp-2", "oom", "boom")))

	groups, err := s.ListErrorGroups(ctx, GroupFilter{InstanceID: "inst-a"})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	for _, g := range groups {
		require.Equal(t, int64(1), g.Count)
	}
}

func TestRecordErrorConcurrentSameFingerprint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ss := newTestSession(t, s, "inst-a")
	run := newTestRun(t, s, ss.ID)

	const writers = 16
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errCh <- s.RecordError(ctx, newTestError(run.ID, "fp-1", "timeout", fmt.Sprintf("attempt %d", i)))
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	// Exactly one group whose count equals the number of recorded errors.
	group, err := s.GetErrorGroup(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, int64(writers), group.Count)

	count, err := s.CountErrorsForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, int64(writers), count)
}

func TestListErrorsScopedByInstance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ssA := newTestSession(t, s, "inst-a")
	_, ssB := newTestSession(t, s, "inst-b")
	runA := newTestRun(t, s, ssA.ID)
	runB := newTestRun(t, s, ssB.ID)

	require.NoError(t, s.RecordError(ctx, newTestError(runA.ID, "fp-a", "timeout", "a")))
	require.NoError(t, s.RecordError(ctx, newTestError(runB.ID, "fp-b", "timeout", "b")))

	errsA, err := s.ListErrors(ctx, ErrorFilter{InstanceID: "inst-a"})
	require.NoError(t, err)
	require.Len(t, errsA, 1)
	require.Equal(t, "fp-a", errsA[0].Fingerprint)

	groupsB, err := s.ListErrorGroups(ctx, GroupFilter{InstanceID: "inst-b"})
	require.NoError(t, err)
	require.Len(t, groupsB, 1)
	require.Equal(t, "fp-b", groupsB[0].Fingerprint)
}

func TestErrorMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ss := newTestSession(t, s, "inst-a")
	run := newTestRun(t, s, ss.ID)

	recorded := newTestError(run.ID, "fp-1", "timeout", "boom")
	recorded.Metadata = map[string]any{"attempt": float64(3), "region": "eu-west-1"}
	require.NoError(t, s.RecordError(ctx, recorded))

	got, err := s.GetError(ctx, recorded.ID)
	require.NoError(t, err)
	require.Equal(t, recorded.Metadata, got.Metadata)

	_, err = s.GetError(ctx, "err_missing")
	require.True(t, relayerrors.IsNotFound(err))
}
