// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/canvassync/pkg/extensions"
	"github.com/AleutianAI/canvassync/services/collab/config"
	"github.com/AleutianAI/canvassync/services/collab/protocol"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "none"
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func newTestService(t *testing.T, cfg config.Config, opts *extensions.ServiceOptions) *service {
	t.Helper()
	s, err := newService(context.Background(), cfg, opts, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestNew_DerivesAuthFromConfig(t *testing.T) {
	cfg := testConfig(t)
	s := newTestService(t, cfg, nil)
	_, isNop := s.opts.AuthProvider.(*extensions.NopAuthProvider)
	assert.True(t, isNop, "no secret means local-user auth")

	cfg.JWTSecret = "secret"
	s = newTestService(t, cfg, nil)
	_, isJWT := s.opts.AuthProvider.(*extensions.JWTAuthProvider)
	assert.True(t, isJWT)
	_, isSlog := s.opts.AuditLogger.(*extensions.SlogAuditLogger)
	assert.True(t, isSlog)
}

func TestNew_ExplicitOptionsWin(t *testing.T) {
	cfg := testConfig(t)
	cfg.JWTSecret = "secret"
	opts := extensions.ServiceOptions{AuthProvider: &extensions.NopAuthProvider{}}

	s := newTestService(t, cfg, &opts)
	_, isNop := s.opts.AuthProvider.(*extensions.NopAuthProvider)
	assert.True(t, isNop)
	assert.NotNil(t, s.opts.AuditLogger, "nil fields are normalized")
}

func TestNew_BadRelayFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.RedisAddr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := newService(ctx, cfg, nil, nil, prometheus.NewRegistry())
	assert.Error(t, err)
}

// TestRunsSurviveRestart creates a run, closes the service, and reopens the
// same data directory.
func TestRunsSurviveRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.DataDir = t.TempDir()

	first := newTestService(t, cfg, nil)
	srv := httptest.NewServer(first.Router())
	resp, err := http.Post(srv.URL+"/v1/runs", "application/json",
		strings.NewReader(`{"workspace_id":"ws","type":"verify","prompt":"check"}`))
	require.NoError(t, err)
	var run protocol.AgentRun
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/v1/runs/"+run.ID+"/events", "application/json",
		strings.NewReader(`{"type":"node_created","run_id":"`+run.ID+`","node":{"id":"n1","type":"lemma"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	srv.Close()
	require.NoError(t, first.Close())

	second := newTestService(t, cfg, nil)
	srv = httptest.NewServer(second.Router())
	defer srv.Close()

	resp, err = http.Get(srv.URL + "/v1/runs/" + run.ID)
	require.NoError(t, err)
	var restored protocol.AgentRun
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&restored))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"n1"}, restored.CreatedNodeIDs)

	resp, err = http.Get(srv.URL + "/v1/workspaces/ws/canvas")
	require.NoError(t, err)
	var canvas struct {
		Nodes []protocol.CanvasNode `json:"nodes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&canvas))
	resp.Body.Close()
	require.Len(t, canvas.Nodes, 1, "committed run output is persisted with the workspace")
	assert.Equal(t, run.ID, canvas.Nodes[0].RunID)
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Port = freePort(t)
	s := newTestService(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
