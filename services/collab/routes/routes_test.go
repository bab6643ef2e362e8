// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/canvassync/pkg/extensions"
	"github.com/AleutianAI/canvassync/services/collab/hub"
	"github.com/AleutianAI/canvassync/services/collab/protocol"
	"github.com/AleutianAI/canvassync/services/collab/runhub"
	"github.com/AleutianAI/canvassync/services/collab/supervisor"
	"github.com/AleutianAI/canvassync/services/collab/transport"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

const testSecret = "routes-test-secret"

func newServer(t *testing.T, opts extensions.ServiceOptions) *httptest.Server {
	t.Helper()
	h := hub.New(hub.Config{})
	m := runhub.New(runhub.Config{Committer: h})
	router := gin.New()
	SetupRoutes(router, h, m, opts)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		m.Close()
		h.Close()
		srv.Close()
	})
	return srv
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := extensions.IssueToken(testSecret, extensions.AuthInfo{UserID: user, DisplayName: user}, time.Hour)
	require.NoError(t, err)
	return tok
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// ============================================================================
// SetupRoutes Tests
// ============================================================================

func TestSetupRoutes_RegistersEndpoints(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, hub.New(hub.Config{}), runhub.New(runhub.Config{}), extensions.DefaultOptions())

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"GET", "/collaborate/:workspace"},
		{"GET", "/runs/:id/stream"},
		{"GET", "/problems/:workspace/ws"},
		{"POST", "/v1/runs"},
		{"GET", "/v1/runs/:id"},
		{"POST", "/v1/runs/:id/cancel"},
		{"POST", "/v1/runs/:id/events"},
		{"GET", "/v1/workspaces/:workspace/runs"},
		{"GET", "/v1/workspaces/:workspace/canvas"},
	}

	routes := router.Routes()
	for _, want := range expected {
		found := slices.ContainsFunc(routes, func(r gin.RouteInfo) bool {
			return r.Method == want.method && r.Path == want.path
		})
		assert.True(t, found, "route %s %s should be registered", want.method, want.path)
	}
}

func TestSetupRoutes_PublicEndpoints(t *testing.T) {
	srv := newServer(t, extensions.DefaultOptions().WithAuth(extensions.NewJWTAuthProvider(testSecret)))

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSetupRoutes_RequiresToken(t *testing.T) {
	srv := newServer(t, extensions.DefaultOptions().WithAuth(extensions.NewJWTAuthProvider(testSecret)))

	resp, err := http.Get(srv.URL + "/v1/workspaces/ws/runs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv)+"/collaborate/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"/collaborate/ws?token="+token(t, "ada"), nil)
	require.NoError(t, err)
	conn.Close()
}

// ============================================================================
// End-to-end
// ============================================================================

// TestRunLifecycleEndToEnd drives a run from a supervisor's CreateRun through
// backend events posted over REST to the terminal state on the client.
func TestRunLifecycleEndToEnd(t *testing.T) {
	srv := newServer(t, extensions.DefaultOptions().WithAuth(extensions.NewJWTAuthProvider(testSecret)))
	aliceToken := token(t, "alice")

	alice, err := supervisor.New(supervisor.Config{
		BaseURL:     wsURL(srv),
		APIURL:      srv.URL,
		WorkspaceID: "proof",
		Token:       func() string { return aliceToken },
		Dialer:      &transport.WebsocketDialer{},
	})
	require.NoError(t, err)
	t.Cleanup(alice.Dispose)
	assert.Equal(t, "alice", alice.LocalID())

	var streamOpen atomic.Bool
	alice.SetHandlers(supervisor.Handlers{
		OnRunState: func(streamID string, state transport.State, _ error) {
			if streamID != supervisor.WorkspaceStream && state == transport.StateOpen {
				streamOpen.Store(true)
			}
		},
	})
	require.NoError(t, alice.Connect())

	run, err := alice.CreateRun(context.Background(), protocol.RunExplore, "prove the lemma")
	require.NoError(t, err)
	assert.Equal(t, protocol.RunQueued, run.Status)
	require.Eventually(t, streamOpen.Load, 3*time.Second, 10*time.Millisecond)

	backend := token(t, "agent-backend")
	post := func(body string) {
		t.Helper()
		req, err := http.NewRequest("POST", srv.URL+"/v1/runs/"+run.ID+"/events", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+backend)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
	}
	post(`{"type":"status","run_id":"` + run.ID + `","status":"running"}`)
	post(`{"type":"node_created","run_id":"` + run.ID + `","node":{"id":"n1","type":"lemma","title":"L1"}}`)
	post(`{"type":"completed","run_id":"` + run.ID + `"}`)

	require.Eventually(t, func() bool {
		got, ok := alice.Run(run.ID)
		return ok && got.Status == protocol.RunCompleted
	}, 3*time.Second, 10*time.Millisecond)

	got, _ := alice.Run(run.ID)
	assert.Equal(t, []string{"n1"}, got.CreatedNodeIDs)
	assert.Equal(t, 100, got.Progress)

	// A late join sees the committed node in its baseline.
	bobToken := token(t, "bob")
	bob, err := supervisor.New(supervisor.Config{
		BaseURL:     wsURL(srv),
		WorkspaceID: "proof",
		Token:       func() string { return bobToken },
		Dialer:      &transport.WebsocketDialer{},
	})
	require.NoError(t, err)
	t.Cleanup(bob.Dispose)
	require.NoError(t, bob.Connect())
	require.Eventually(t, func() bool {
		n, ok := bob.Node("n1")
		return ok && n.RunID == run.ID
	}, 3*time.Second, 10*time.Millisecond)

	_, err = alice.CancelRun(context.Background(), run.ID)
	assert.NoError(t, err, "cancelling a finished run is a no-op")
}
