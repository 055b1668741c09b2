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

	"github.com/tombee/relay/internal/daemon/auth"
	"github.com/tombee/relay/internal/daemon/httputil"
	"github.com/tombee/relay/internal/run"
	"github.com/tombee/relay/internal/store"
)

// startRunRequest is the POST /v1/servers/{id}/runs body.
type startRunRequest struct {
	Type          store.RunType `json:"type"`
	ServerVersion string        `json:"server_version"`
}

func (r *Router) handleStartRun(w http.ResponseWriter, req *http.Request) {
	ss := r.authorizeServerSession(w, req, req.PathValue("id"))
	if ss == nil {
		return
	}

	var body startRunRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	started, err := r.deps.Runs.Start(req.Context(), run.StartInput{
		SessionID:       ss.SessionID,
		ServerSessionID: ss.ID,
		DeploymentID:    ss.DeploymentID,
		ServerVersion:   body.ServerVersion,
		Type:            body.Type,
	})
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, started)
}

func (r *Router) handleListRuns(w http.ResponseWriter, req *http.Request) {
	instanceID := auth.InstanceFromContext(req.Context())
	if _, err := r.deps.Store.GetServerSession(req.Context(), instanceID, req.PathValue("id")); err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}

	runs, err := r.deps.Store.ListRuns(req.Context(), req.PathValue("id"))
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (r *Router) handleGetRun(w http.ResponseWriter, req *http.Request) {
	found, err := r.deps.Store.GetRun(req.Context(), auth.InstanceFromContext(req.Context()), req.PathValue("id"))
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, found)
}

// authorizeRun resolves a run to its server session and verifies the
// caller's session secret.
func (r *Router) authorizeRun(w http.ResponseWriter, req *http.Request, runID string) (*store.ServerRun, *store.ServerSession) {
	instanceID := auth.InstanceFromContext(req.Context())

	found, err := r.deps.Store.GetRun(req.Context(), instanceID, runID)
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return nil, nil
	}

	ss := r.authorizeServerSession(w, req, found.ServerSessionID)
	if ss == nil {
		return nil, nil
	}
	return found, ss
}

// appendLogsRequest is the POST /v1/runs/{id}/logs body. Lines carry
// producer-assigned sequence numbers so batched flushes keep order and
// replays stay idempotent.
type appendLogsRequest struct {
	Lines []logLine `json:"lines"`
}

type logLine struct {
	Seq  int64          `json:"seq"`
	Type run.StreamKind `json:"type"`
	Line string         `json:"line"`
}

func (r *Router) handleAppendLogs(w http.ResponseWriter, req *http.Request) {
	found, _ := r.authorizeRun(w, req, req.PathValue("id"))
	if found == nil {
		return
	}

	var body appendLogsRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	for _, line := range body.Lines {
		if err := r.deps.Runs.AppendLog(req.Context(), found.ID, line.Seq, line.Type, line.Line); err != nil {
			httputil.WriteDomainError(w, r.logger, err)
			return
		}
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]int{"accepted": len(body.Lines)})
}

func (r *Router) handleListLogs(w http.ResponseWriter, req *http.Request) {
	instanceID := auth.InstanceFromContext(req.Context())
	if _, err := r.deps.Store.GetRun(req.Context(), instanceID, req.PathValue("id")); err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}

	logs, err := r.deps.Runs.Logs(req.Context(), req.PathValue("id"))
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (r *Router) handleCompleteRun(w http.ResponseWriter, req *http.Request) {
	found, _ := r.authorizeRun(w, req, req.PathValue("id"))
	if found == nil {
		return
	}

	if err := r.deps.Runs.Complete(req.Context(), found.ID); err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// failRunRequest is the POST /v1/runs/{id}/fail and /errors body.
type failRunRequest struct {
	Scope    string         `json:"scope,omitempty"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (r *Router) handleFailRun(w http.ResponseWriter, req *http.Request) {
	found, ss := r.authorizeRun(w, req, req.PathValue("id"))
	if found == nil {
		return
	}

	var body failRunRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Scope == "" {
		body.Scope = ss.DeploymentID
	}

	err := r.deps.Runs.Fail(req.Context(), found.ID, run.FailInput{
		SessionID: ss.SessionID,
		Scope:     body.Scope,
		Code:      body.Code,
		Message:   body.Message,
		Metadata:  body.Metadata,
	})
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleRecordRunError(w http.ResponseWriter, req *http.Request) {
	found, ss := r.authorizeRun(w, req, req.PathValue("id"))
	if found == nil {
		return
	}

	var body failRunRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Scope == "" {
		body.Scope = ss.DeploymentID
	}

	recorded, err := r.deps.Runs.RecordError(req.Context(), found.ID, run.FailInput{
		SessionID: ss.SessionID,
		Scope:     body.Scope,
		Code:      body.Code,
		Message:   body.Message,
		Metadata:  body.Metadata,
	})
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, recorded)
}
