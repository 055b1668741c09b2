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

// Package events provides the append-only, time-ordered session event
// stream read by clients.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/metrics"
	"github.com/tombee/relay/internal/run"
	"github.com/tombee/relay/internal/store"
	relayerrors "github.com/tombee/relay/pkg/errors"
)

// writeTimeout bounds each background event write.
const writeTimeout = 5 * time.Second

// Log is the session event stream. Appends are fire-and-forget: callers
// hand events to a buffered background writer and never wait on storage
// I/O; ordering for readers comes from creation timestamps assigned at
// append time, and log lines inside a run keep their producer-assigned
// sequence numbers.
type Log struct {
	store  *store.Store
	logger *slog.Logger
	buf    chan *store.SessionEvent
	done   chan struct{}
}

// NewLog creates an event log and starts its background writer.
func NewLog(st *store.Store, logger *slog.Logger, bufferSize int) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = 1024
	}

	l := &Log{
		store:  st,
		logger: log.WithComponent(logger, "events"),
		buf:    make(chan *store.SessionEvent, bufferSize),
		done:   make(chan struct{}),
	}
	go l.writer()
	return l
}

// Append queues one event for persistence without blocking. When the
// buffer is full the event is dropped and counted; the protocol message
// path is never held up by event I/O.
func (l *Log) Append(event *store.SessionEvent) {
	if event.ID == "" {
		event.ID = "evt_" + uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	select {
	case l.buf <- event:
	default:
		metrics.EventDropped()
		l.logger.Warn("event buffer full, dropping event",
			log.SessionIDKey, event.SessionID)
	}
}

// RunEvent implements run.EventSink.
func (l *Log) RunEvent(sessionID, runID string) {
	l.Append(&store.SessionEvent{SessionID: sessionID, ServerRunID: runID})
}

// ErrorEvent implements run.EventSink.
func (l *Log) ErrorEvent(sessionID, errorID string) {
	l.Append(&store.SessionEvent{SessionID: sessionID, ServerRunErrorID: errorID})
}

// Close stops accepting events and drains the buffer.
func (l *Log) Close() {
	close(l.buf)
	<-l.done
}

// writer drains the buffer into storage.
func (l *Log) writer() {
	defer close(l.done)
	for event := range l.buf {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := l.store.AppendEvent(ctx, event); err != nil {
			l.logger.Error("failed to persist event",
				log.SessionIDKey, event.SessionID, log.Error(err))
		}
		cancel()
	}
}

// Event is a session event hydrated for clients: run events carry their
// decoded log lines, error events carry the recorded error.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`

	ServerRun *store.ServerRun     `json:"server_run,omitempty"`
	Logs      []run.DecodedLogLine `json:"logs,omitempty"`

	Error *store.ServerRunError `json:"error,omitempty"`
}

// Event type discriminators.
const (
	TypeServerRun      = "server_run"
	TypeServerRunError = "server_run_error"
)

// List returns a session's events in creation order, hydrated. Filters
// narrow by server run and server session identifiers.
func (l *Log) List(ctx context.Context, instanceID, sessionID string, filter store.EventFilter) ([]Event, error) {
	// Ownership check first so absent and foreign sessions are
	// indistinguishable.
	if _, err := l.store.GetSession(ctx, instanceID, sessionID); err != nil {
		return nil, err
	}

	raw, err := l.store.ListEvents(ctx, sessionID, filter)
	if err != nil {
		return nil, relayerrors.Wrap(err, "listing events")
	}

	events := make([]Event, 0, len(raw))
	for _, record := range raw {
		event := Event{
			ID:        record.ID,
			SessionID: record.SessionID,
			CreatedAt: record.CreatedAt,
		}

		switch {
		case record.ServerRunID != "":
			event.Type = TypeServerRun
			serverRun, err := l.store.GetRun(ctx, instanceID, record.ServerRunID)
			if err != nil {
				return nil, relayerrors.Wrapf(err, "hydrating run event %s", record.ID)
			}
			event.ServerRun = serverRun

			lines, err := l.store.ListRunLogs(ctx, record.ServerRunID)
			if err != nil {
				return nil, relayerrors.Wrapf(err, "hydrating run logs for event %s", record.ID)
			}
			for _, line := range lines {
				kind, text := run.DecodeLogLine(line.Encoded)
				event.Logs = append(event.Logs, run.DecodedLogLine{Type: kind, Line: text, Seq: line.Seq})
			}

		case record.ServerRunErrorID != "":
			event.Type = TypeServerRunError
			runErr, err := l.store.GetError(ctx, record.ServerRunErrorID)
			if err != nil {
				return nil, relayerrors.Wrapf(err, "hydrating error event %s", record.ID)
			}
			event.Error = runErr
		}

		events = append(events, event)
	}
	return events, nil
}
