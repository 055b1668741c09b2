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

// Package api provides the HTTP API for the daemon.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/relay/internal/daemon/auth"
	"github.com/tombee/relay/internal/daemon/httputil"
	"github.com/tombee/relay/internal/events"
	"github.com/tombee/relay/internal/faults"
	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/run"
	"github.com/tombee/relay/internal/session"
	"github.com/tombee/relay/internal/store"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string
}

// Deps are the domain services the handlers dispatch to.
type Deps struct {
	Store       *store.Store
	Sessions    *session.Manager
	Coordinator *session.Coordinator
	Connections *session.ConnectionTracker
	Runs        *run.Tracker
	Faults      *faults.Aggregator
	Events      *events.Log
}

// Router wraps an http.ServeMux with the API surface.
type Router struct {
	mux    *http.ServeMux
	config RouterConfig
	deps   Deps
	logger *slog.Logger
}

// NewRouter creates a new HTTP router with all API endpoints.
func NewRouter(cfg RouterConfig, deps Deps, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:    http.NewServeMux(),
		config: cfg,
		deps:   deps,
		logger: log.WithComponent(logger, "api"),
	}

	r.mux.HandleFunc("GET /v1/health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	r.mux.HandleFunc("GET /", r.handleRoot)

	r.mux.HandleFunc("POST /v1/sessions", r.handleCreateSession)
	r.mux.HandleFunc("GET /v1/sessions", r.handleListSessions)
	r.mux.HandleFunc("GET /v1/sessions/{id}", r.handleGetSession)
	r.mux.HandleFunc("DELETE /v1/sessions/{id}", r.handleDeleteSession)
	r.mux.HandleFunc("GET /v1/sessions/{id}/usage", r.handleSessionUsage)
	r.mux.HandleFunc("POST /v1/sessions/{id}/secret", r.handleRotateSecret)
	r.mux.HandleFunc("GET /v1/sessions/{id}/events", r.handleListEvents)
	r.mux.HandleFunc("GET /v1/sessions/{id}/servers", r.handleListServerSessions)

	r.mux.HandleFunc("GET /v1/servers/{id}", r.handleGetServerSession)
	r.mux.HandleFunc("DELETE /v1/servers/{id}", r.handleCloseServerSession)
	r.mux.HandleFunc("POST /v1/servers/{id}/handshake", r.handleHandshake)
	r.mux.HandleFunc("POST /v1/servers/{id}/messages", r.handleRecordMessage)
	r.mux.HandleFunc("GET /v1/servers/{id}/messages", r.handleListMessages)
	r.mux.HandleFunc("GET /v1/servers/{id}/usage", r.handleServerSessionUsage)

	r.mux.HandleFunc("POST /v1/servers/{id}/connections", r.handleAttachConnection)
	r.mux.HandleFunc("GET /v1/servers/{id}/connections", r.handleListConnections)
	r.mux.HandleFunc("DELETE /v1/connections/{id}", r.handleDetachConnection)
	r.mux.HandleFunc("POST /v1/connections/{id}/heartbeat", r.handleHeartbeat)

	r.mux.HandleFunc("POST /v1/servers/{id}/runs", r.handleStartRun)
	r.mux.HandleFunc("GET /v1/servers/{id}/runs", r.handleListRuns)
	r.mux.HandleFunc("GET /v1/runs/{id}", r.handleGetRun)
	r.mux.HandleFunc("POST /v1/runs/{id}/logs", r.handleAppendLogs)
	r.mux.HandleFunc("GET /v1/runs/{id}/logs", r.handleListLogs)
	r.mux.HandleFunc("POST /v1/runs/{id}/complete", r.handleCompleteRun)
	r.mux.HandleFunc("POST /v1/runs/{id}/fail", r.handleFailRun)
	r.mux.HandleFunc("POST /v1/runs/{id}/errors", r.handleRecordRunError)

	r.mux.HandleFunc("GET /v1/error-groups", r.handleListErrorGroups)
	r.mux.HandleFunc("GET /v1/error-groups/{fingerprint}", r.handleGetErrorGroup)
	r.mux.HandleFunc("GET /v1/errors", r.handleListErrors)
	r.mux.HandleFunc("GET /v1/errors/{id}", r.handleGetError)

	return r
}

// SetMetricsHandler registers the Prometheus metrics endpoint.
func (r *Router) SetMetricsHandler(handler http.Handler) {
	if handler != nil {
		r.mux.Handle("GET /metrics", handler)
	}
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	r.mux.ServeHTTP(w, req)
	r.logger.Debug("request handled",
		"method", req.Method,
		"path", req.URL.Path,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		httputil.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"service": "relayd",
		"version": r.config.Version,
	})
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version":    r.config.Version,
		"commit":     r.config.Commit,
		"build_date": r.config.BuildDate,
	})
}

// authorizeServerSession resolves a server session and verifies the caller
// holds the owning session's client secret. Writes the error response and
// returns nil when authorization fails.
func (r *Router) authorizeServerSession(w http.ResponseWriter, req *http.Request, id string) *store.ServerSession {
	instanceID := auth.InstanceFromContext(req.Context())

	ss, err := r.deps.Store.GetServerSession(req.Context(), instanceID, id)
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return nil
	}

	secret, err := auth.ExtractBearerToken(req)
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, err.Error())
		return nil
	}
	if err := r.deps.Sessions.VerifySecret(req.Context(), instanceID, ss.SessionID, secret); err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return nil
	}
	return ss
}
