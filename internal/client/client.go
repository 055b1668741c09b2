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

// Package client is a Go client for the relayd API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tombee/relay/internal/daemon/auth"
	"github.com/tombee/relay/internal/events"
	"github.com/tombee/relay/internal/run"
	"github.com/tombee/relay/internal/session"
	"github.com/tombee/relay/internal/store"
)

// Client is a client for the relayd API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	instanceID string
	secret     string
}

// New creates a new client with the given options.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL: "http://127.0.0.1:7420",
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.instanceID == "" {
		return nil, fmt.Errorf("instance id is required")
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c, nil
}

// Option configures a Client.
type Option func(*Client) error

// WithBaseURL sets the daemon endpoint.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) error {
		c.baseURL = baseURL
		return nil
	}
}

// WithInstanceID sets the tenant instance identity sent on every request.
func WithInstanceID(instanceID string) Option {
	return func(c *Client) error {
		c.instanceID = instanceID
		return nil
	}
}

// WithSessionSecret sets the session client secret used as the Bearer token
// on protocol-path requests.
func WithSessionSecret(secret string) Option {
	return func(c *Client) error {
		c.secret = secret
		return nil
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = client
		return nil
	}
}

// apiError is the wire shape of daemon error responses.
type apiError struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}

// do performs a request and decodes the JSON response into out (when
// non-nil). Non-2xx responses surface the daemon's error message.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(auth.InstanceHeader, c.instanceID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Health checks daemon reachability.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/health", nil, nil)
}

// CreateSessionRequest is the session creation payload.
type CreateSessionRequest struct {
	Metadata    map[string]any             `json:"metadata,omitempty"`
	Deployments []session.DeploymentRef    `json:"deployments,omitempty"`
	Inline      []session.InlineDeployment `json:"inline_deployments,omitempty"`
}

// CreateSession creates a session and returns its one-time secret.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*session.CreateResult, error) {
	var result session.CreateResult
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListSessions lists sessions, optionally filtered by status.
func (c *Client) ListSessions(ctx context.Context, status store.SessionStatus) ([]*store.Session, error) {
	path := "/v1/sessions"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var result struct {
		Sessions []*store.Session `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Sessions, nil
}

// GetSession retrieves one session with derived state.
func (c *Client) GetSession(ctx context.Context, id string) (*session.View, error) {
	var view session.View
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// DeleteSession soft-deletes a session and cascades to its children.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(id), nil, nil)
}

// SessionUsage returns aggregate productive message counters.
func (c *Client) SessionUsage(ctx context.Context, id string) (store.Usage, error) {
	var usage store.Usage
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id)+"/usage", nil, &usage)
	return usage, err
}

// RotateSecret replaces and returns the session client secret.
func (c *Client) RotateSecret(ctx context.Context, id string) (string, error) {
	var result struct {
		Secret string `json:"secret"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/secret", nil, &result)
	return result.Secret, err
}

// ListEvents returns a session's hydrated event stream.
func (c *Client) ListEvents(ctx context.Context, sessionID string) ([]events.Event, error) {
	var result struct {
		Events []events.Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID)+"/events", nil, &result)
	return result.Events, err
}

// ListServerSessions returns a session's server sessions.
func (c *Client) ListServerSessions(ctx context.Context, sessionID string) ([]*session.ServerSessionView, error) {
	var result struct {
		ServerSessions []*session.ServerSessionView `json:"server_sessions"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID)+"/servers", nil, &result)
	return result.ServerSessions, err
}

// GetServerSession retrieves one server session.
func (c *Client) GetServerSession(ctx context.Context, id string) (*session.ServerSessionView, error) {
	var view session.ServerSessionView
	if err := c.do(ctx, http.MethodGet, "/v1/servers/"+url.PathEscape(id), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// ErrorGroups lists dedup groups, most recently seen first.
func (c *Client) ErrorGroups(ctx context.Context, sessionID string) ([]*store.ErrorGroup, error) {
	path := "/v1/error-groups"
	if sessionID != "" {
		path += "?session_id=" + url.QueryEscape(sessionID)
	}
	var result struct {
		ErrorGroups []*store.ErrorGroup `json:"error_groups"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &result)
	return result.ErrorGroups, err
}

// GetErrorGroup retrieves one dedup group by fingerprint.
func (c *Client) GetErrorGroup(ctx context.Context, fingerprint string) (*store.ErrorGroup, error) {
	var group store.ErrorGroup
	if err := c.do(ctx, http.MethodGet, "/v1/error-groups/"+url.PathEscape(fingerprint), nil, &group); err != nil {
		return nil, err
	}
	return &group, nil
}

// RunLogs returns a run's decoded log lines in sequence order.
func (c *Client) RunLogs(ctx context.Context, runID string) ([]run.DecodedLogLine, error) {
	var result struct {
		Logs []run.DecodedLogLine `json:"logs"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID)+"/logs", nil, &result)
	return result.Logs, err
}
