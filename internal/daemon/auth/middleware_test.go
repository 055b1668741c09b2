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

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid", "Bearer rls_abc123", "rls_abc123", false},
		{"lowercase scheme", "bearer rls_abc123", "rls_abc123", false},
		{"padded token", "Bearer   rls_abc123  ", "rls_abc123", false},
		{"missing header", "", "", true},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "", true},
		{"empty token", "Bearer ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			token, err := ExtractBearerToken(req)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, token)
		})
	}
}

func TestMiddlewareRequiresInstanceHeader(t *testing.T) {
	var gotInstance string
	handler := NewMiddleware(nil).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotInstance = InstanceFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set(InstanceHeader, "inst-a")
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "inst-a", gotInstance)
}

func TestMiddlewareRateLimits(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{Enabled: true, RequestsPerSecond: 1, BurstSize: 2})
	handler := NewMiddleware(limiter).Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	status := func() int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
		req.Header.Set(InstanceHeader, "inst-a")
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusOK, status())
	require.Equal(t, http.StatusOK, status())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set(InstanceHeader, "inst-a")
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRateLimiterIsolatesInstances(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{Enabled: true, RequestsPerSecond: 1, BurstSize: 1})

	require.True(t, limiter.Allow("inst-a"))
	require.False(t, limiter.Allow("inst-a"))
	// A different tenant has its own bucket.
	require.True(t, limiter.Allow("inst-b"))
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{Enabled: false, RequestsPerSecond: 1, BurstSize: 1})
	for i := 0; i < 10; i++ {
		require.True(t, limiter.Allow("inst-a"))
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{Enabled: true, RequestsPerSecond: 1, BurstSize: 1})

	limiter.Allow("inst-a")
	require.Len(t, limiter.limiters, 1)

	limiter.Cleanup(0)
	require.Empty(t, limiter.limiters)
}
