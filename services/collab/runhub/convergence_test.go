// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runhub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/canvassync/pkg/extensions"
	"github.com/AleutianAI/canvassync/services/collab/hub"
	"github.com/AleutianAI/canvassync/services/collab/protocol"
	"github.com/AleutianAI/canvassync/services/collab/reconcile"
	"github.com/AleutianAI/canvassync/services/collab/wsutil"
)

// collaborateServer exposes h at /collaborate/{ws}; the token query
// parameter is the user id.
func collaborateServer(t *testing.T, h *hub.Hub) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	mux := http.NewServeMux()
	mux.HandleFunc("/collaborate/{ws}", func(w http.ResponseWriter, r *http.Request) {
		if peer, err := wsutil.Upgrade(w, r, nil); err == nil {
			info := &extensions.AuthInfo{UserID: r.URL.Query().Get("token")}
			_ = h.Serve(ctx, r.PathValue("ws"), info, peer)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// nextFrame reads collaboration frames until one of type want arrives.
func nextFrame(t *testing.T, conn *websocket.Conn, want protocol.MessageType) protocol.Message {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if protocol.IsKeepAlive(data) {
			continue
		}
		msg, err := protocol.Decode(data)
		require.NoError(t, err, "frame %s", data)
		if msg.Type() == want {
			return msg
		}
	}
}

// A human update made after a run commit must win on every client no
// matter which channel delivers first, even when the run clock has run
// ahead of the room clock.
func TestRunCommitAndHumanUpdateConverge(t *testing.T) {
	ctx := context.Background()
	fixed := func() time.Time { return time.UnixMilli(1_000_000) }
	h := hub.New(hub.Config{Now: fixed})
	defer h.Close()
	m := New(Config{Committer: h, Now: fixed})
	defer m.Close()
	run := createRun(t, m)

	// Many events in one millisecond push the run clock ahead.
	for i := 1; i <= 20; i++ {
		_, err := m.Ingest(ctx, &protocol.ProgressEvent{RunHeader: header(run.ID), Progress: i})
		require.NoError(t, err)
	}
	created := &protocol.NodeCreatedEvent{
		RunHeader: header(run.ID),
		Node:      protocol.CanvasNode{ID: "n1", Type: "lemma", Title: "agent"},
	}
	_, err := m.Ingest(ctx, created)
	require.NoError(t, err)
	got, err := m.Get(run.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"n1"}, got.CreatedNodeIDs)

	// Ingest stamps the event and swaps in the committed node, as fanned out.
	runFrame, err := protocol.EncodeRunEvent(created)
	require.NoError(t, err)

	bob, _, err := websocket.DefaultDialer.Dial(collaborateServer(t, h)+"/collaborate/ws?token=bob", nil)
	require.NoError(t, err)
	defer bob.Close()
	nextFrame(t, bob, protocol.TypeCanvasSync)
	human := protocol.CanvasNode{ID: "n1", Type: "lemma", Title: "human"}
	require.NoError(t, bob.WriteMessage(websocket.TextMessage, protocol.MustEncode(&protocol.NodeUpdate{Node: human})))
	update := nextFrame(t, bob, protocol.TypeNodeUpdate)
	updateFrame := protocol.MustEncode(update)

	require.Greater(t, created.Time(), update.Time(), "run clock must be ahead for this case")
	require.Greater(t, update.Time(), created.Node.UpdatedAt)

	orders := map[string]func(r *reconcile.Reconciler, ev protocol.RunEvent, msg protocol.Message){
		"run first": func(r *reconcile.Reconciler, ev protocol.RunEvent, msg protocol.Message) {
			r.ApplyRunEvent(ev)
			r.ApplyRemote(msg)
		},
		"human first": func(r *reconcile.Reconciler, ev protocol.RunEvent, msg protocol.Message) {
			r.ApplyRemote(msg)
			r.ApplyRunEvent(ev)
		},
	}
	for name, apply := range orders {
		t.Run(name, func(t *testing.T) {
			ev, err := protocol.DecodeRunEvent(runFrame)
			require.NoError(t, err)
			msg, err := protocol.Decode(updateFrame)
			require.NoError(t, err)
			r := reconcile.New("carol")
			apply(r, ev, msg)

			n, ok := r.Node("n1")
			require.True(t, ok)
			assert.Equal(t, "human", n.Title)
		})
	}

	server, _, err := h.Snapshot(ctx, "ws")
	require.NoError(t, err)
	require.Len(t, server, 1)
	assert.Equal(t, "human", server[0].Title)
}
