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

// Package httputil provides shared HTTP response helpers.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	relayerrors "github.com/tombee/relay/pkg/errors"
)

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes a JSON error response with the given status code and message.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{
		"error": message,
	})
}

// WriteDomainError maps a typed domain error to its HTTP status. Unclassified
// errors return 500 with a generic message so internals never leak.
func WriteDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var classified relayerrors.ErrorClassifier
	if relayerrors.As(err, &classified) {
		status := http.StatusInternalServerError
		switch classified.ErrorType() {
		case "validation":
			status = http.StatusBadRequest
		case "not_found":
			status = http.StatusNotFound
		case "conflict":
			status = http.StatusConflict
		case "forbidden":
			status = http.StatusForbidden
		}
		WriteJSON(w, status, map[string]string{
			"error": classified.Error(),
			"type":  classified.ErrorType(),
		})
		return
	}

	if logger != nil {
		logger.Error("request failed", slog.Any("error", err))
	}
	WriteError(w, http.StatusInternalServerError, "internal error")
}
