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
	"net/http"

	"github.com/tombee/relay/internal/daemon/auth"
	"github.com/tombee/relay/internal/daemon/httputil"
	"github.com/tombee/relay/internal/session"
)

func (r *Router) handleAttachConnection(w http.ResponseWriter, req *http.Request) {
	ss := r.authorizeServerSession(w, req, req.PathValue("id"))
	if ss == nil {
		return
	}

	conn, err := r.deps.Connections.Attach(req.Context(),
		auth.InstanceFromContext(req.Context()), session.AttachInput{
			ServerSessionID: ss.ID,
			UserAgent:       req.UserAgent(),
			RemoteAddr:      req.RemoteAddr,
		})
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, conn)
}

func (r *Router) handleListConnections(w http.ResponseWriter, req *http.Request) {
	instanceID := auth.InstanceFromContext(req.Context())

	// Scope check: an unknown or foreign server session is not found.
	if _, err := r.deps.Store.GetServerSession(req.Context(), instanceID, req.PathValue("id")); err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}

	conns, err := r.deps.Connections.List(req.Context(), req.PathValue("id"))
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

func (r *Router) handleDetachConnection(w http.ResponseWriter, req *http.Request) {
	if err := r.deps.Connections.Detach(req.Context(), req.PathValue("id")); err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleHeartbeat(w http.ResponseWriter, req *http.Request) {
	if err := r.deps.Connections.Heartbeat(req.Context(), req.PathValue("id")); err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
