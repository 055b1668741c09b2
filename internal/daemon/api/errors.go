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
	"github.com/tombee/relay/internal/store"
	relayerrors "github.com/tombee/relay/pkg/errors"
)

func (r *Router) handleListErrorGroups(w http.ResponseWriter, req *http.Request) {
	filter := store.GroupFilter{
		InstanceID:   auth.InstanceFromContext(req.Context()),
		DeploymentID: req.URL.Query().Get("deployment_id"),
		SessionID:    req.URL.Query().Get("session_id"),
	}
	filter.Limit, filter.Offset = pageParams(req)

	groups, err := r.deps.Faults.Groups(req.Context(), filter)
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"error_groups": groups})
}

func (r *Router) handleGetErrorGroup(w http.ResponseWriter, req *http.Request) {
	fingerprint := req.PathValue("fingerprint")
	instanceID := auth.InstanceFromContext(req.Context())

	// A group is visible only when the instance owns at least one of its
	// error instances; foreign groups are indistinguishable from absent ones.
	owned, err := r.deps.Faults.Errors(req.Context(), store.ErrorFilter{
		InstanceID:  instanceID,
		Fingerprint: fingerprint,
		Limit:       1,
	})
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	if len(owned) == 0 {
		httputil.WriteDomainError(w, r.logger,
			&relayerrors.NotFoundError{Resource: "error_group", ID: fingerprint})
		return
	}

	group, err := r.deps.Faults.Group(req.Context(), fingerprint)
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, group)
}

func (r *Router) handleListErrors(w http.ResponseWriter, req *http.Request) {
	filter := store.ErrorFilter{
		InstanceID:  auth.InstanceFromContext(req.Context()),
		RunID:       req.URL.Query().Get("run_id"),
		SessionID:   req.URL.Query().Get("session_id"),
		Fingerprint: req.URL.Query().Get("fingerprint"),
	}
	filter.Limit, filter.Offset = pageParams(req)

	list, err := r.deps.Faults.Errors(req.Context(), filter)
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"errors": list})
}

func (r *Router) handleGetError(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	instanceID := auth.InstanceFromContext(req.Context())

	found, err := r.deps.Store.GetError(req.Context(), id)
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}

	// Instance scope via the owning run.
	if _, err := r.deps.Store.GetRun(req.Context(), instanceID, found.RunID); err != nil {
		httputil.WriteDomainError(w, r.logger,
			&relayerrors.NotFoundError{Resource: "server_run_error", ID: id})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, found)
}
