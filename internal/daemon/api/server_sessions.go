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

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tombee/relay/internal/daemon/auth"
	"github.com/tombee/relay/internal/daemon/httputil"
	"github.com/tombee/relay/internal/session"
	"github.com/tombee/relay/internal/store"
)

func (r *Router) handleListServerSessions(w http.ResponseWriter, req *http.Request) {
	views, err := r.deps.Coordinator.List(req.Context(), auth.InstanceFromContext(req.Context()), req.PathValue("id"))
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"server_sessions": views})
}

func (r *Router) handleGetServerSession(w http.ResponseWriter, req *http.Request) {
	view, err := r.deps.Coordinator.Get(req.Context(), auth.InstanceFromContext(req.Context()), req.PathValue("id"))
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

func (r *Router) handleCloseServerSession(w http.ResponseWriter, req *http.Request) {
	err := r.deps.Coordinator.Close(req.Context(), auth.InstanceFromContext(req.Context()), req.PathValue("id"))
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handshakeRequest is the POST /v1/servers/{id}/handshake body.
type handshakeRequest struct {
	ProtocolVersion    string                 `json:"protocol_version"`
	ClientInfo         mcp.Implementation     `json:"client_info"`
	ServerInfo         mcp.Implementation     `json:"server_info"`
	ClientCapabilities mcp.ClientCapabilities `json:"client_capabilities"`
	ServerCapabilities mcp.ServerCapabilities `json:"server_capabilities"`
}

func (r *Router) handleHandshake(w http.ResponseWriter, req *http.Request) {
	ss := r.authorizeServerSession(w, req, req.PathValue("id"))
	if ss == nil {
		return
	}

	var body handshakeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	updated, err := r.deps.Coordinator.RecordHandshake(req.Context(),
		auth.InstanceFromContext(req.Context()), ss.ID, store.Handshake{
			ProtocolVersion:    body.ProtocolVersion,
			ClientInfo:         body.ClientInfo,
			ServerInfo:         body.ServerInfo,
			ClientCapabilities: body.ClientCapabilities,
			ServerCapabilities: body.ServerCapabilities,
		})
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, updated)
}

// messageRequest is the POST /v1/servers/{id}/messages body.
type messageRequest struct {
	Type          store.MessageType `json:"type"`
	SenderType    store.SenderType  `json:"sender_type"`
	SenderID      string            `json:"sender_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Method        string            `json:"method,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
}

func (r *Router) handleRecordMessage(w http.ResponseWriter, req *http.Request) {
	ss := r.authorizeServerSession(w, req, req.PathValue("id"))
	if ss == nil {
		return
	}

	var body messageRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	msg, err := r.deps.Coordinator.RecordMessage(req.Context(),
		auth.InstanceFromContext(req.Context()), ss.ID, session.MessageInput{
			Type:          body.Type,
			SenderType:    body.SenderType,
			SenderID:      body.SenderID,
			CorrelationID: body.CorrelationID,
			Method:        body.Method,
			Payload:       body.Payload,
		})
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, msg)
}

func (r *Router) handleListMessages(w http.ResponseWriter, req *http.Request) {
	limit, offset := pageParams(req)
	messages, err := r.deps.Coordinator.Messages(req.Context(),
		auth.InstanceFromContext(req.Context()), req.PathValue("id"), limit, offset)
	if err != nil {
		httputil.WriteDomainError(w, r.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (r *Router) handleServerSessionUsage(w http.ResponseWriter, req *http.Request) {
	usage, err := r.deps.Coordinator.Usage(req.Context(),
		auth.InstanceFromContext(req.Context()), req.PathValue("id"))
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
