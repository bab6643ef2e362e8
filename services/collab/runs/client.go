// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/canvassync/services/collab/protocol"
)

// ErrUnauthorized is returned when the REST layer rejects the token. The
// owning application refreshes credentials; this package does not retry.
var ErrUnauthorized = errors.New("unauthorized")

var requestValidate = validator.New()

// CreateRequest asks for a new agent run.
type CreateRequest struct {
	WorkspaceID string           `json:"workspace_id" validate:"required,max=128"`
	Type        protocol.RunType `json:"type" validate:"required,oneof=explore formalize verify critique pipeline chat"`
	Prompt      string           `json:"prompt" validate:"required,max=16384"`
}

// Validate checks the request fields.
func (r *CreateRequest) Validate() error {
	return requestValidate.Struct(r)
}

// Client calls the run REST endpoints.
type Client struct {
	BaseURL string
	Token   func() string
	HTTP    *http.Client
}

// NewClient creates a client with a bounded request timeout.
func NewClient(baseURL string, token func() string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Create starts a run.
func (c *Client) Create(ctx context.Context, req CreateRequest) (protocol.AgentRun, error) {
	if err := req.Validate(); err != nil {
		return protocol.AgentRun{}, fmt.Errorf("create run: %w", err)
	}
	var run protocol.AgentRun
	err := c.do(ctx, http.MethodPost, []string{"v1", "runs"}, req, &run)
	return run, err
}

// Cancel asks the server to cancel a run. A nil error is the cancellation
// acknowledgment.
func (c *Client) Cancel(ctx context.Context, runID string) (protocol.AgentRun, error) {
	var run protocol.AgentRun
	err := c.do(ctx, http.MethodPost, []string{"v1", "runs", runID, "cancel"}, nil, &run)
	return run, err
}

// Get reads the current state of a run.
func (c *Client) Get(ctx context.Context, runID string) (protocol.AgentRun, error) {
	var run protocol.AgentRun
	err := c.do(ctx, http.MethodGet, []string{"v1", "runs", runID}, nil, &run)
	return run, err
}

// List returns the runs of a workspace.
func (c *Client) List(ctx context.Context, workspaceID string) ([]protocol.AgentRun, error) {
	var out struct {
		Runs []protocol.AgentRun `json:"runs"`
	}
	err := c.do(ctx, http.MethodGet, []string{"v1", "workspaces", workspaceID, "runs"}, nil, &out)
	return out.Runs, err
}

func (c *Client) do(ctx context.Context, method string, elems []string, body, out any) error {
	target, err := url.JoinPath(c.BaseURL, elems...)
	if err != nil {
		return fmt.Errorf("build url: %w", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != nil {
		if tok := c.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, protocol.MaxFrameBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s %s: %w", method, target, ErrUnauthorized)
	case resp.StatusCode >= 300:
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// APIError is a non-2xx response from the run endpoints.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("run api: %d: %s", e.Status, e.Message)
}
