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

// Package errors defines the error taxonomy shared across relay.
//
// Four categories cover every caller-facing failure: validation (malformed
// input), not-found (absent or not owned by the caller's tenant, which must
// be indistinguishable), conflict (state-machine violations such as a double
// handshake or a repeated terminal transition), and forbidden (authentication
// or authorization rejected).
package errors

import (
	"fmt"
)

// ValidationError represents user input validation failures.
// Use this for invalid request bodies, malformed filters, or missing fields.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// NotFoundError represents a resource not found error.
//
// It is returned both when a resource does not exist and when it exists but
// is owned by a different instance; callers cannot tell the two apart, so
// existence never leaks across tenants.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "session", "server_run")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// ConflictError represents an illegal state transition.
// Use this for double handshakes, re-ending a terminal run, deleting an
// already-deleted session, or binding an inactive deployment.
type ConflictError struct {
	// Resource is the type of resource (e.g., "session", "server_session")
	Resource string

	// ID is the identifier of the entity in the conflicting state
	ID string

	// Message explains the violated transition
	Message string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s: %s", e.Resource, e.ID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Resource, e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ConflictError) ErrorType() string { return "conflict" }

// ForbiddenError represents an authorization failure.
type ForbiddenError struct {
	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ForbiddenError) Error() string {
	if e.Message == "" {
		return "forbidden"
	}
	return fmt.Sprintf("forbidden: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ForbiddenError) ErrorType() string { return "forbidden" }

// ErrorClassifier defines methods for programmatic error handling.
// The HTTP layer uses it to map domain errors to status codes.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	// One of: "validation", "not_found", "conflict", "forbidden".
	ErrorType() string
}
