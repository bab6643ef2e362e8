// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hub

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
	"github.com/AleutianAI/canvassync/services/collab/protocol"
	"github.com/AleutianAI/canvassync/services/collab/relay"
	"github.com/AleutianAI/canvassync/services/collab/storage"
	"github.com/AleutianAI/canvassync/services/collab/supervisor"
	"github.com/AleutianAI/canvassync/services/collab/transport"
	"github.com/AleutianAI/canvassync/services/collab/wsutil"
)

var _ Store = (*storage.Store)(nil)

// =============================================================================
// Helpers
// =============================================================================

// serve exposes h at /collaborate/{ws}; the token query parameter is taken
// as the user id.
func serve(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	mux := http.NewServeMux()
	mux.HandleFunc("/collaborate/{ws}", func(w http.ResponseWriter, r *http.Request) {
		peer, err := wsutil.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		info := &extensions.AuthInfo{UserID: r.URL.Query().Get("token"), DisplayName: r.URL.Query().Get("name")}
		_ = h.Serve(ctx, r.PathValue("ws"), info, peer)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server, workspace, user string) *client {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"/collaborate/"+workspace+"?token="+user, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(m protocol.Message) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, protocol.MustEncode(m)))
}

func (c *client) sendRaw(frame string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (c *client) readRaw() []byte {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	return data
}

// next returns the next collaboration frame of type want, skipping others.
func (c *client) next(want protocol.MessageType) protocol.Message {
	c.t.Helper()
	for {
		data := c.readRaw()
		if protocol.IsKeepAlive(data) {
			continue
		}
		msg, err := protocol.Decode(data)
		require.NoError(c.t, err, "frame %s", data)
		if msg.Type() == want {
			return msg
		}
	}
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func node(id string) protocol.CanvasNode {
	return protocol.CanvasNode{ID: id, Type: "lemma", Title: id}
}

// =============================================================================
// Tests
// =============================================================================

func TestServe_JoinBaselinesAndPresence(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.PutNode(context.Background(), "ws", protocol.CanvasNode{ID: "seed", Type: "lemma", UpdatedAt: 7}))
	h := New(Config{Store: store})
	defer h.Close()
	srv := serve(t, h)

	alice := dial(t, srv, "ws", "alice")
	sync := alice.next(protocol.TypeCanvasSync).(*protocol.CanvasSync)
	assert.Equal(t, protocol.ServerActor, sync.Actor())
	require.Len(t, sync.Nodes, 1)
	assert.Equal(t, "seed", sync.Nodes[0].ID)
	assert.Greater(t, sync.Time(), int64(7), "room clock starts past restored state")

	join := alice.next(protocol.TypeJoin)
	assert.Equal(t, "alice", join.Actor())
	roster := alice.next(protocol.TypePresence).(*protocol.Presence)
	require.Len(t, roster.Users, 1)
	assert.Equal(t, "alice", roster.Users[0].UserID)

	bob := dial(t, srv, "ws", "bob")
	bob.next(protocol.TypeCanvasSync)
	assert.Equal(t, "bob", alice.next(protocol.TypeJoin).Actor())
	assert.Len(t, alice.next(protocol.TypePresence).(*protocol.Presence).Users, 2)
	assert.Equal(t, 1, h.Rooms())
}

func TestServe_BroadcastStampsAndPersists(t *testing.T) {
	store := newStore(t)
	h := New(Config{Store: store})
	defer h.Close()
	srv := serve(t, h)

	alice := dial(t, srv, "ws", "alice")
	alice.next(protocol.TypePresence)
	bob := dial(t, srv, "ws", "bob")
	bob.next(protocol.TypePresence)

	create := &protocol.NodeCreate{Node: node("n1")}
	protocol.Stamp(create, "mallory", 1)
	alice.send(create)

	for _, c := range []*client{alice, bob} {
		got := c.next(protocol.TypeNodeCreate).(*protocol.NodeCreate)
		assert.Equal(t, "alice", got.Actor(), "from_user is the authenticated user")
		assert.Greater(t, got.Time(), int64(1))
		assert.Equal(t, got.Time(), got.Node.UpdatedAt)
	}

	ws, err := store.LoadWorkspace(context.Background(), "ws")
	require.NoError(t, err)
	require.Len(t, ws.Nodes, 1)
	assert.Equal(t, "n1", ws.Nodes[0].ID)
}

func TestServe_TimestampsStrictlyIncrease(t *testing.T) {
	fixed := time.UnixMilli(1_000)
	h := New(Config{Now: func() time.Time { return fixed }})
	defer h.Close()
	srv := serve(t, h)

	alice := dial(t, srv, "ws", "alice")
	alice.next(protocol.TypePresence)
	alice.send(&protocol.NodeCreate{Node: node("n1")})
	first := alice.next(protocol.TypeNodeCreate)
	alice.send(&protocol.NodeMove{ID: "n1", X: 1, Y: 2})
	second := alice.next(protocol.TypeNodeMove)
	alice.send(&protocol.NodeMove{ID: "n1", X: 3, Y: 4})
	third := alice.next(protocol.TypeNodeMove)

	assert.Less(t, first.Time(), second.Time())
	assert.Less(t, second.Time(), third.Time())

	nodes, _, err := h.Snapshot(context.Background(), "ws")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, protocol.Point{X: 3, Y: 4}, nodes[0].Position)
	assert.Equal(t, third.Time(), nodes[0].UpdatedAt)
}

func TestServe_BadFramesKeepConnection(t *testing.T) {
	h := New(Config{})
	defer h.Close()
	srv := serve(t, h)

	alice := dial(t, srv, "ws", "alice")
	alice.next(protocol.TypePresence)

	alice.sendRaw(`{not json`)
	notice := alice.next(protocol.TypeError).(*protocol.ErrorMessage)
	assert.Equal(t, CodeBadFrame, notice.Code)

	alice.sendRaw(`{"type":"teleport"}`)
	assert.Equal(t, CodeBadFrame, alice.next(protocol.TypeError).(*protocol.ErrorMessage).Code)

	alice.send(&protocol.Join{})
	assert.Equal(t, CodeUnsupported, alice.next(protocol.TypeError).(*protocol.ErrorMessage).Code)

	alice.send(&protocol.NodeMove{ID: "ghost", X: 1})
	assert.Equal(t, CodeUnknownNode, alice.next(protocol.TypeError).(*protocol.ErrorMessage).Code)

	alice.sendRaw(protocol.PingFrame)
	assert.Equal(t, protocol.PongFrame, string(alice.readRaw()))
}

func TestServe_Documents(t *testing.T) {
	store := newStore(t)
	h := New(Config{Store: store})
	defer h.Close()
	srv := serve(t, h)

	alice := dial(t, srv, "ws", "alice")
	alice.next(protocol.TypePresence)

	alice.send(&protocol.DocEdit{Path: "main.lean", Operation: protocol.EditInsert, Text: "x"})
	assert.Equal(t, CodeNoBaseline, alice.next(protocol.TypeError).(*protocol.ErrorMessage).Code)

	alice.send(&protocol.DocSync{Path: "main.lean", Content: "theorem"})
	alice.next(protocol.TypeDocSync)
	alice.send(&protocol.DocEdit{Path: "main.lean", Operation: protocol.EditInsert, Position: 7, Text: " foo"})
	alice.next(protocol.TypeDocEdit)
	alice.send(&protocol.DocSave{Path: "main.lean"})

	ack := alice.next(protocol.TypeAck).(*protocol.Ack)
	assert.Equal(t, protocol.TypeDocSave, ack.Ref)
	assert.Equal(t, "main.lean", ack.Path)
	assert.Equal(t, "alice", alice.next(protocol.TypeDocSave).Actor())

	ws, err := store.LoadWorkspace(context.Background(), "ws")
	require.NoError(t, err)
	require.Len(t, ws.Documents, 1)
	assert.Equal(t, "theorem foo", ws.Documents[0].Content)

	// A late joiner gets the document baseline.
	bob := dial(t, srv, "ws", "bob")
	baseline := bob.next(protocol.TypeDocSync).(*protocol.DocSync)
	assert.Equal(t, "theorem foo", baseline.Content)
	assert.Equal(t, protocol.ServerActor, baseline.Actor())
}

func TestServe_RateLimited(t *testing.T) {
	h := New(Config{RateLimit: 0.001, Burst: 1})
	defer h.Close()
	srv := serve(t, h)

	alice := dial(t, srv, "ws", "alice")
	alice.next(protocol.TypePresence)
	alice.send(&protocol.CursorMove{X: 1, Y: 1})
	alice.next(protocol.TypeCursorMove)
	alice.send(&protocol.CursorMove{X: 2, Y: 2})
	assert.Equal(t, CodeRateLimited, alice.next(protocol.TypeError).(*protocol.ErrorMessage).Code)
}

func TestServe_LeaveAndResync(t *testing.T) {
	h := New(Config{})
	defer h.Close()
	srv := serve(t, h)

	alice := dial(t, srv, "ws", "alice")
	alice.next(protocol.TypePresence)
	bob := dial(t, srv, "ws", "bob")
	bob.next(protocol.TypePresence)
	alice.next(protocol.TypeJoin)
	alice.next(protocol.TypePresence)

	require.NoError(t, bob.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Equal(t, "bob", alice.next(protocol.TypeLeave).Actor())
	roster := alice.next(protocol.TypePresence).(*protocol.Presence)
	require.Len(t, roster.Users, 1)
	assert.Equal(t, "alice", roster.Users[0].UserID)

	alice.send(&protocol.CanvasSync{})
	assert.Equal(t, protocol.ServerActor, alice.next(protocol.TypeCanvasSync).Actor())
}

func TestServe_RequiresIdentity(t *testing.T) {
	h := New(Config{})
	defer h.Close()
	srv := serve(t, h)

	c := dial(t, srv, "ws", "")
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := c.conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestCommitNodeAndEdge(t *testing.T) {
	store := newStore(t)
	h := New(Config{Store: store})
	defer h.Close()
	ctx := context.Background()

	n, err := h.CommitNode(ctx, "ws", protocol.CanvasNode{ID: "r1", Type: "lemma", RunID: "run-1"})
	require.NoError(t, err)
	assert.NotZero(t, n.UpdatedAt)
	e, err := h.CommitEdge(ctx, "ws", protocol.CanvasEdge{From: "r1", To: "r1", RelationType: "uses"})
	require.NoError(t, err)
	assert.Greater(t, e.UpdatedAt, n.UpdatedAt)

	srv := serve(t, h)
	alice := dial(t, srv, "ws", "alice")
	sync := alice.next(protocol.TypeCanvasSync).(*protocol.CanvasSync)
	require.Len(t, sync.Nodes, 1)
	assert.Equal(t, "run-1", sync.Nodes[0].RunID)
	assert.Len(t, sync.Edges, 1)

	ws, err := store.LoadWorkspace(ctx, "ws")
	require.NoError(t, err)
	assert.Len(t, ws.Nodes, 1)
	assert.Len(t, ws.Edges, 1)
}

func TestRelay_TwoInstances(t *testing.T) {
	shared := relay.NewLocal()
	h1 := New(Config{Relay: shared, InstanceID: "one"})
	defer h1.Close()
	h2 := New(Config{Relay: shared, InstanceID: "two"})
	defer h2.Close()
	srv1 := serve(t, h1)
	srv2 := serve(t, h2)

	bob := dial(t, srv2, "ws", "bob")
	bob.next(protocol.TypePresence)

	alice := dial(t, srv1, "ws", "alice")
	alice.next(protocol.TypePresence)
	assert.Equal(t, "alice", bob.next(protocol.TypeJoin).Actor())
	assert.Len(t, bob.next(protocol.TypePresence).(*protocol.Presence).Users, 2)

	alice.send(&protocol.NodeCreate{Node: node("shared")})
	got := bob.next(protocol.TypeNodeCreate).(*protocol.NodeCreate)
	assert.Equal(t, "alice", got.Actor())

	nodes, _, err := h2.Snapshot(context.Background(), "ws")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, got.Time(), nodes[0].UpdatedAt)
}

func TestClose_DisconnectsPeers(t *testing.T) {
	h := New(Config{})
	srv := serve(t, h)

	alice := dial(t, srv, "ws", "alice")
	alice.next(protocol.TypePresence)
	h.Close()

	require.NoError(t, alice.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := alice.conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
			break
		}
	}
	_, err := h.CommitNode(context.Background(), "ws", node("late"))
	assert.ErrorIs(t, err, ErrClosed)
}

// TestSupervisorEndToEnd drives two client supervisors through a live hub.
func TestSupervisorEndToEnd(t *testing.T) {
	h := New(Config{})
	defer h.Close()
	srv := serve(t, h)

	newSup := func(user string) *supervisor.Supervisor {
		s, err := supervisor.New(supervisor.Config{
			BaseURL:     wsURL(srv),
			WorkspaceID: "proof",
			Token:       func() string { return user },
			LocalUserID: user,
			Dialer:      &transport.WebsocketDialer{},
		})
		require.NoError(t, err)
		t.Cleanup(s.Dispose)
		require.NoError(t, s.Connect())
		return s
	}
	alice := newSup("alice")
	bob := newSup("bob")

	require.Eventually(t, func() bool {
		return len(alice.Presence()) == 2 && len(bob.Presence()) == 2
	}, 3*time.Second, 10*time.Millisecond)

	_, err := alice.CreateNode(node("n1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := bob.Node("n1")
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.MoveNode("n1", 10, 20))
	require.Eventually(t, func() bool {
		n, ok := bob.Node("n1")
		return ok && n.Position == protocol.Point{X: 10, Y: 20}
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return alice.PendingCount() == 0 }, 3*time.Second, 10*time.Millisecond)

	a, _ := alice.Node("n1")
	b, _ := bob.Node("n1")
	assert.Equal(t, a, b, "both replicas converge on the authoritative node")
}
