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

// Package run tracks the lifecycle and ordered log capture of server
// execution attempts.
package run

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/relay/internal/faults"
	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/store"
	relayerrors "github.com/tombee/relay/pkg/errors"
)

// EventSink receives append-only notices about run lifecycle activity.
// Implementations must not block the caller.
type EventSink interface {
	// RunEvent records that a run started for the session.
	RunEvent(sessionID, runID string)

	// ErrorEvent records that an error instance was captured for the
	// session.
	ErrorEvent(sessionID, errorID string)
}

// Tracker manages the active → {completed, failed} lifecycle of server
// runs. All terminal transitions happen exactly once; failures always leave
// at least one recorded error behind.
type Tracker struct {
	store  *store.Store
	faults *faults.Aggregator
	events EventSink
	logger *slog.Logger
}

// NewTracker creates a run tracker.
func NewTracker(st *store.Store, aggregator *faults.Aggregator, events EventSink, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  st,
		faults: aggregator,
		events: events,
		logger: log.WithComponent(logger, "run"),
	}
}

// StartInput describes a new execution attempt.
type StartInput struct {
	SessionID       string
	ServerSessionID string
	DeploymentID    string
	ServerVersion   string
	Type            store.RunType
}

// Start creates a run in the active state and records its session event.
func (t *Tracker) Start(ctx context.Context, input StartInput) (*store.ServerRun, error) {
	if input.ServerSessionID == "" {
		return nil, &relayerrors.ValidationError{Field: "server_session_id", Message: "server session id is required"}
	}
	if input.ServerVersion == "" {
		return nil, &relayerrors.ValidationError{Field: "server_version", Message: "server version is required"}
	}
	if input.Type != store.RunTypeHosted && input.Type != store.RunTypeExternal {
		return nil, &relayerrors.ValidationError{Field: "type", Message: "run type must be hosted or external"}
	}

	run := &store.ServerRun{
		ID:              "run_" + uuid.NewString(),
		ServerSessionID: input.ServerSessionID,
		Status:          store.RunActive,
		Type:            input.Type,
		ServerVersion:   input.ServerVersion,
		StartedAt:       time.Now().UTC(),
	}

	if err := t.store.CreateRun(ctx, run); err != nil {
		return nil, relayerrors.Wrap(err, "starting run")
	}

	if t.events != nil {
		t.events.RunEvent(input.SessionID, run.ID)
	}

	t.logger.Info("run started",
		log.RunIDKey, run.ID,
		log.ServerSessionIDKey, input.ServerSessionID,
		"server_version", input.ServerVersion,
		"type", string(input.Type),
	)
	return run, nil
}

// AppendLog stores one ordered log line for a run. The sequence number is
// assigned by the producer so buffered, batched flushes keep their order.
// Append failures are captured as run errors rather than aborting the run.
func (t *Tracker) AppendLog(ctx context.Context, runID string, seq int64, kind StreamKind, text string) error {
	line := &store.RunLogLine{
		RunID:   runID,
		Seq:     seq,
		Encoded: EncodeLogLine(kind, text),
	}

	if err := t.store.AppendRunLog(ctx, line); err != nil {
		// An ingestion failure must not kill the run; record it against
		// the run instead and keep going.
		t.captureIngestionFailure(ctx, runID, err)
		return nil
	}
	return nil
}

// Logs returns a run's decoded log lines in sequence order.
func (t *Tracker) Logs(ctx context.Context, runID string) ([]DecodedLogLine, error) {
	lines, err := t.store.ListRunLogs(ctx, runID)
	if err != nil {
		return nil, relayerrors.Wrap(err, "listing run logs")
	}

	decoded := make([]DecodedLogLine, 0, len(lines))
	for _, line := range lines {
		kind, text := DecodeLogLine(line.Encoded)
		decoded = append(decoded, DecodedLogLine{Type: kind, Line: text, Seq: line.Seq})
	}
	return decoded, nil
}

// DecodedLogLine is a log line after wire-marker decoding.
type DecodedLogLine struct {
	Type StreamKind `json:"type"`
	Line string     `json:"line"`
	Seq  int64      `json:"seq"`
}

// Complete moves a run to the completed terminal state.
func (t *Tracker) Complete(ctx context.Context, runID string) error {
	if err := t.store.EndRun(ctx, runID, store.RunCompleted, time.Now().UTC()); err != nil {
		return err
	}
	t.logger.Info("run completed", log.RunIDKey, runID)
	return nil
}

// FailInput describes a run failure.
type FailInput struct {
	SessionID string
	// Scope is the error dedup scope, normally the deployment id.
	Scope    string
	Code     string
	Message  string
	Metadata map[string]any
}

// Fail records the failure through the error aggregator and then moves the
// run to the failed terminal state, so no failed run exists without at
// least one associated error.
func (t *Tracker) Fail(ctx context.Context, runID string, input FailInput) error {
	runErr, err := t.faults.Record(ctx, faults.RecordInput{
		RunID:    runID,
		Scope:    input.Scope,
		Code:     input.Code,
		Message:  input.Message,
		Metadata: input.Metadata,
	})
	if err != nil {
		return relayerrors.Wrap(err, "recording run failure")
	}

	if t.events != nil {
		t.events.ErrorEvent(input.SessionID, runErr.ID)
	}

	if err := t.store.EndRun(ctx, runID, store.RunFailed, time.Now().UTC()); err != nil {
		return err
	}

	t.logger.Warn("run failed",
		log.RunIDKey, runID,
		log.FingerprintKey, runErr.Fingerprint,
		"code", input.Code,
	)
	return nil
}

// RecordError captures a non-fatal error against an active run without
// ending it.
func (t *Tracker) RecordError(ctx context.Context, runID string, input FailInput) (*store.ServerRunError, error) {
	status, err := t.store.RunStatusOf(ctx, runID)
	if err != nil {
		return nil, err
	}
	if status != store.RunActive {
		return nil, &relayerrors.ConflictError{Resource: "server_run", ID: runID, Message: "run already ended"}
	}

	runErr, err := t.faults.Record(ctx, faults.RecordInput{
		RunID:    runID,
		Scope:    input.Scope,
		Code:     input.Code,
		Message:  input.Message,
		Metadata: input.Metadata,
	})
	if err != nil {
		return nil, err
	}

	if t.events != nil {
		t.events.ErrorEvent(input.SessionID, runErr.ID)
	}
	return runErr, nil
}

// captureIngestionFailure records a log-append failure as a run error.
func (t *Tracker) captureIngestionFailure(ctx context.Context, runID string, cause error) {
	_, err := t.faults.Record(ctx, faults.RecordInput{
		RunID:   runID,
		Scope:   runID,
		Code:    "log_append_failed",
		Message: cause.Error(),
	})
	if err != nil {
		t.logger.Error("failed to capture ingestion failure",
			log.RunIDKey, runID, log.Error(err))
	}
}
