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

// Package auth provides request authentication and rate limiting for the
// daemon API.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tombee/relay/internal/daemon/httputil"
)

// InstanceHeader carries the calling tenant's instance identity.
const InstanceHeader = "X-Relay-Instance"

type contextKey string

const instanceKey contextKey = "instance_id"

// InstanceFromContext returns the authenticated instance id.
func InstanceFromContext(ctx context.Context) string {
	id, _ := ctx.Value(instanceKey).(string)
	return id
}

// ExtractBearerToken extracts the Bearer token from the Authorization header.
// Returns the token value (without "Bearer " prefix) and an error if invalid.
func ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	// Case-insensitive prefix per RFC 6750.
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(auth, bearerPrefix) && !strings.HasPrefix(auth, "bearer ") {
		return "", fmt.Errorf("invalid Authorization header format, expected 'Bearer <token>'")
	}

	token := strings.TrimSpace(auth[7:])
	if token == "" {
		return "", fmt.Errorf("empty Bearer token")
	}

	return token, nil
}

// Middleware enforces tenant identity and rate limits on every API request.
type Middleware struct {
	limiter *RateLimiter
}

// NewMiddleware creates the auth middleware. limiter may be nil to disable
// rate limiting.
func NewMiddleware(limiter *RateLimiter) *Middleware {
	return &Middleware{limiter: limiter}
}

// Wrap requires the instance header, applies per-instance rate limits, and
// stores the instance id on the request context.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		instanceID := r.Header.Get(InstanceHeader)
		if instanceID == "" {
			httputil.WriteError(w, http.StatusUnauthorized, "missing "+InstanceHeader+" header")
			return
		}

		if m.limiter != nil && !m.limiter.Allow(instanceID) {
			w.Header().Set("Retry-After", "1")
			httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		ctx := context.WithValue(r.Context(), instanceKey, instanceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
