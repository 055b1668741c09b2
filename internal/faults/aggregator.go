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
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/metrics"
	"github.com/tombee/relay/internal/store"
	relayerrors "github.com/tombee/relay/pkg/errors"
)

// Aggregator records execution errors and maintains their dedup groups.
type Aggregator struct {
	store  *store.Store
	logger *slog.Logger
}

// NewAggregator creates an error aggregator.
func NewAggregator(st *store.Store, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		store:  st,
		logger: log.WithComponent(logger, "faults"),
	}
}

// RecordInput describes one failure occurrence.
type RecordInput struct {
	// RunID is the execution attempt the error occurred in.
	RunID string

	// Scope is the dedup scope, normally the deployment identity. Errors
	// from different deployments never share a group even when their code
	// and message match.
	Scope string

	// Code is the machine-readable error code.
	Code string

	// Message is the raw error message. It is normalized for
	// fingerprinting but stored verbatim on the error instance.
	Message string

	// Metadata carries free-form diagnostic context.
	Metadata map[string]any

	// OccurredAt defaults to now.
	OccurredAt time.Time
}

// Record creates an immutable error instance and finds-or-creates its group.
// The group's count and last_seen_at advance atomically with the insert; the
// representative error is the first one seen for the fingerprint.
func (a *Aggregator) Record(ctx context.Context, input RecordInput) (*store.ServerRunError, error) {
	if input.RunID == "" {
		return nil, &relayerrors.ValidationError{Field: "run_id", Message: "run id is required"}
	}
	if input.Code == "" {
		return nil, &relayerrors.ValidationError{Field: "code", Message: "error code is required"}
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	runErr := &store.ServerRunError{
		ID:          "err_" + uuid.NewString(),
		RunID:       input.RunID,
		Fingerprint: Fingerprint(input.Scope, input.Code, input.Message),
		Code:        input.Code,
		Message:     input.Message,
		Metadata:    input.Metadata,
		CreatedAt:   occurredAt,
	}

	if err := a.store.RecordError(ctx, runErr); err != nil {
		return nil, relayerrors.Wrap(err, "recording run error")
	}

	metrics.RecordRunError(input.Code)
	a.logger.Debug("recorded run error",
		log.RunIDKey, input.RunID,
		log.FingerprintKey, runErr.Fingerprint,
		"code", input.Code,
	)
	return runErr, nil
}

// Groups lists dedup groups, most recently seen first.
func (a *Aggregator) Groups(ctx context.Context, filter store.GroupFilter) ([]*store.ErrorGroup, error) {
	return a.store.ListErrorGroups(ctx, filter)
}

// Errors lists raw error instances in creation order.
func (a *Aggregator) Errors(ctx context.Context, filter store.ErrorFilter) ([]*store.ServerRunError, error) {
	return a.store.ListErrors(ctx, filter)
}

// Group retrieves one dedup group by fingerprint.
func (a *Aggregator) Group(ctx context.Context, fingerprint string) (*store.ErrorGroup, error) {
	return a.store.GetErrorGroup(ctx, fingerprint)
}
