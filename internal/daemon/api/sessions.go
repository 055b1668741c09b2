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

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/tombee/relay/internal/daemon/auth"
	"github.com/tombee/relay/internal/daemon/httputil"
	"github.com/tombee/relay/internal/session"
	"github.com/tombee/relay/internal/store"
)

// createSessionRequest is the POST /v1/sessions body.
type createSessionRequest struct {
	Metadata    map[string]any             `json:"metadata,omitempty"`
	Deployments []session.DeploymentRef    `json:"deployments,omitempty"`
	Inline      []session.InlineDeployment `json:"inline_deployments,omitempty"`
}

func (r *Router) handleCreateSession(w http.ResponseWriter, req *http.Request) {
	var body createSessionRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := r.deps.Sessions.Create(req.Context(), session.CreateInput{
		InstanceID:  auth.InstanceFromContext(req.Context()),
		Metadata:    body.Metadata,
		Deployments: body.Deployments,
		Inline:      body.Inline,
	})
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, result)
}

func (r *Router) handleListSessions(w http.ResponseWriter, req *http.Request) {
	filter := store.SessionFilter{
		InstanceID: auth.InstanceFromContext(req.Context()),
		Status:     store.SessionStatus(req.URL.Query().Get("status")),
	}
	filter.Limit, filter.Offset = pageParams(req)

	sessions, err := r.deps.Sessions.List(req.Context(), filter)
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (r *Router) handleGetSession(w http.ResponseWriter, req *http.Request) {
	view, err := r.deps.Sessions.Get(req.Context(), auth.InstanceFromContext(req.Context()), req.PathValue("id"))
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

func (r *Router) handleDeleteSession(w http.ResponseWriter, req *http.Request) {
	err := r.deps.Sessions.Delete(req.Context(), auth.InstanceFromContext(req.Context()), req.PathValue("id"))
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleSessionUsage(w http.ResponseWriter, req *http.Request) {
	usage, err := r.deps.Sessions.Usage(req.Context(), auth.InstanceFromContext(req.Context()), req.PathValue("id"))
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"client_messages": usage.ClientMessages,
		"server_messages": usage.ServerMessages,
		"total":           usage.Total(),
	})
}

func (r *Router) handleRotateSecret(w http.ResponseWriter, req *http.Request) {
	secret, err := r.deps.Sessions.RotateSecret(req.Context(), auth.InstanceFromContext(req.Context()), req.PathValue("id"))
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func (r *Router) handleListEvents(w http.ResponseWriter, req *http.Request) {
	filter := store.EventFilter{}
	if runID := req.URL.Query().Get("server_run_id"); runID != "" {
		filter.ServerRunIDs = []string{runID}
	}
	if ssID := req.URL.Query().Get("server_session_id"); ssID != "" {
		filter.ServerSessionIDs = []string{ssID}
	}
	filter.Limit, filter.Offset = pageParams(req)

	list, err := r.deps.Events.List(req.Context(), auth.InstanceFromContext(req.Context()), req.PathValue("id"), filter)
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": list})
}

// pageParams extracts limit/offset query parameters.
func pageParams(req *http.Request) (limit, offset int) {
	if v := req.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := req.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			offset = n
		}
	}
	return limit, offset
}
