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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/canvassync/services/collab/protocol"
)

func TestClient_Create(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/runs", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req CreateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ws1", req.WorkspaceID)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(protocol.AgentRun{ID: "r1", WorkspaceID: req.WorkspaceID, Type: req.Type, Status: protocol.RunQueued})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, func() string { return "tok" })
	run, err := c.Create(context.Background(), CreateRequest{WorkspaceID: "ws1", Type: protocol.RunExplore, Prompt: "go"})
	require.NoError(t, err)
	assert.Equal(t, "r1", run.ID)
	assert.Equal(t, protocol.RunQueued, run.Status)
}

func TestClient_CreateValidatesLocally(t *testing.T) {
	c := NewClient("http://unused.invalid", nil)
	_, err := c.Create(context.Background(), CreateRequest{WorkspaceID: "ws1", Type: "dance", Prompt: "x"})
	assert.Error(t, err)
}

func TestClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/runs/expired/cancel":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"run is terminal"}`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)

	_, err := c.Cancel(context.Background(), "expired")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = c.Cancel(context.Background(), "done")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "run is terminal", apiErr.Message)
}

func TestClient_GetAndList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/runs/r1":
			json.NewEncoder(w).Encode(protocol.AgentRun{ID: "r1", Progress: 40})
		case "/v1/workspaces/ws1/runs":
			json.NewEncoder(w).Encode(map[string]any{"runs": []protocol.AgentRun{{ID: "r1"}, {ID: "r2"}}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", nil)
	run, err := c.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 40, run.Progress)

	list, err := c.List(context.Background(), "ws1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestEndpointURLs(t *testing.T) {
	u, err := StreamURL("ws://hub.test", "01HZX")
	require.NoError(t, err)
	assert.Equal(t, "ws://hub.test/runs/01HZX/stream", u)

	u, err = WorkspaceURL("ws://hub.test/base/", "ws1")
	require.NoError(t, err)
	assert.Equal(t, "ws://hub.test/base/problems/ws1/ws", u)
}
