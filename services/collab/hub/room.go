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
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/canvassync/services/collab/canvas"
	"github.com/AleutianAI/canvassync/services/collab/document"
	"github.com/AleutianAI/canvassync/services/collab/observability"
	"github.com/AleutianAI/canvassync/services/collab/presence"
	"github.com/AleutianAI/canvassync/services/collab/protocol"
	"github.com/AleutianAI/canvassync/services/collab/storage"
	"github.com/AleutianAI/canvassync/services/collab/wsutil"
)

// conn is one participant connection inside a room.
type conn struct {
	peer        *wsutil.Peer
	userID      string
	displayName string
	color       string
	limiter     *rate.Limiter
}

// reply sends an error frame to this connection only.
func (c *conn) reply(code, message string) {
	_ = c.peer.Send(protocol.MustEncode(&protocol.ErrorMessage{Code: code, Message: message}))
}

// room is the authoritative state of one workspace.
type room struct {
	id     string
	hub    *Hub
	logger *slog.Logger

	mu        sync.Mutex
	canvas    *canvas.Canvas
	docs      *document.Store
	presence  *presence.Store
	conns     map[*conn]struct{}
	userConns map[string]int
	clock     int64
	closed    bool

	unsubscribe func()
}

func newRoom(id string, h *Hub) *room {
	return &room{
		id:        id,
		hub:       h,
		logger:    h.logger.With("workspace_id", id),
		canvas:    canvas.New(),
		docs:      document.NewStore(),
		presence:  presence.NewStore(),
		conns:     make(map[*conn]struct{}),
		userConns: make(map[string]int),
	}
}

// restore loads persisted state and advances the clock past it.
func (r *room) restore(ws storage.Workspace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range ws.Nodes {
		r.canvas.PutNode(n, n.UpdatedAt)
		r.observe(n.UpdatedAt)
	}
	for _, e := range ws.Edges {
		r.canvas.PutEdge(e, e.UpdatedAt)
		r.observe(e.UpdatedAt)
	}
	for _, d := range ws.Documents {
		r.docs.Sync(d.Path, d.Content, d.Version)
		r.observe(d.Version)
	}
}

// tick returns the next room timestamp: wall-clock milliseconds, bumped
// when needed so it is strictly greater than every timestamp before it.
func (r *room) tick() int64 {
	now := r.hub.cfg.Now().UnixMilli()
	if now <= r.clock {
		now = r.clock + 1
	}
	r.clock = now
	return now
}

func (r *room) observe(ts int64) {
	if ts > r.clock {
		r.clock = ts
	}
}

// join adds c to the room, baselines it, and announces it.
//
// # Outputs
//
//   - []byte: The join frame to relay, or nil when the user already had a
//     connection in this room.
func (r *room) join(c *conn) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c] = struct{}{}
	r.userConns[c.userID]++
	first := r.userConns[c.userID] == 1

	ts := r.tick()
	if first {
		r.presence.Upsert(protocol.Participant{
			UserID:      c.userID,
			DisplayName: c.displayName,
			Color:       c.color,
			LastActive:  ts,
		})
		r.hub.metrics.AddParticipants(1)
	}
	r.sendBaselines(c, ts)

	join := &protocol.Join{DisplayName: c.displayName, Color: c.color}
	protocol.Stamp(join, c.userID, ts)
	frame := protocol.MustEncode(join)
	r.broadcastLocked(frame)
	r.broadcastLocked(r.presenceFrame(ts))
	if !first {
		return nil
	}
	return frame
}

// leave removes c. The leave frame and snapshot go out only when it was
// the user's last connection in the room.
func (r *room) leave(c *conn) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c]; !ok {
		return nil
	}
	delete(r.conns, c)
	r.userConns[c.userID]--
	if r.userConns[c.userID] > 0 {
		return nil
	}
	delete(r.userConns, c.userID)
	r.presence.Remove(c.userID)
	r.hub.metrics.AddParticipants(-1)
	if r.closed {
		return nil
	}

	ts := r.tick()
	leave := &protocol.Leave{}
	protocol.Stamp(leave, c.userID, ts)
	frame := protocol.MustEncode(leave)
	r.broadcastLocked(frame)
	r.broadcastLocked(r.presenceFrame(ts))
	return frame
}

// resync answers a client canvas_sync request with fresh baselines.
func (r *room) resync(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.tick()
	r.sendBaselines(c, ts)
	_ = c.peer.Send(r.presenceFrame(ts))
}

// sendBaselines sends the canvas and every document to c.
func (r *room) sendBaselines(c *conn, ts int64) {
	snapshot := &protocol.CanvasSync{Nodes: r.canvas.Nodes(), Edges: r.canvas.Edges()}
	protocol.Stamp(snapshot, protocol.ServerActor, ts)
	_ = c.peer.Send(protocol.MustEncode(snapshot))

	for _, doc := range r.docs.All() {
		baseline := &protocol.DocSync{Path: doc.Path, Content: doc.Content}
		protocol.Stamp(baseline, protocol.ServerActor, ts)
		_ = c.peer.Send(protocol.MustEncode(baseline))
	}
}

func (r *room) presenceFrame(ts int64) []byte {
	snapshot := &protocol.Presence{Users: r.presence.List()}
	protocol.Stamp(snapshot, protocol.ServerActor, ts)
	return protocol.MustEncode(snapshot)
}

func (r *room) broadcastLocked(frame []byte) {
	for c := range r.conns {
		if err := c.peer.Send(frame); errors.Is(err, wsutil.ErrSlowConsumer) {
			r.hub.metrics.RecordDrop(observability.DropSlowConsumer)
		}
	}
}

// apply stamps, applies, persists, and broadcasts one client frame.
//
// # Outputs
//
//   - []byte: The broadcast frame.
//   - bool: False if the frame was refused; c has been told why.
func (r *room) apply(ctx context.Context, c *conn, msg protocol.Message) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := r.tick()
	protocol.Stamp(msg, c.userID, ts)

	switch m := msg.(type) {
	case *protocol.NodeCreate:
		m.Node.UpdatedAt = ts
		r.canvas.PutNode(m.Node, ts)
		r.persist(ctx, "put node", func(ctx context.Context, s Store) error {
			return s.PutNode(ctx, r.id, m.Node)
		})
	case *protocol.NodeUpdate:
		m.Node.UpdatedAt = ts
		r.canvas.PutNode(m.Node, ts)
		r.persist(ctx, "put node", func(ctx context.Context, s Store) error {
			return s.PutNode(ctx, r.id, m.Node)
		})
	case *protocol.NodeDelete:
		incident, _ := r.canvas.DeleteNode(m.ID, ts)
		r.persist(ctx, "delete node", func(ctx context.Context, s Store) error {
			return s.DeleteNode(ctx, r.id, m.ID, incident)
		})
	case *protocol.NodeMove:
		if !r.canvas.MoveNode(m.ID, protocol.Point{X: m.X, Y: m.Y}, ts) {
			c.reply(CodeUnknownNode, fmt.Sprintf("node %s does not exist", m.ID))
			return nil, false
		}
		node, _ := r.canvas.Node(m.ID)
		r.persist(ctx, "move node", func(ctx context.Context, s Store) error {
			return s.PutNode(ctx, r.id, node)
		})
	case *protocol.EdgeCreate:
		m.Edge.UpdatedAt = ts
		r.canvas.PutEdge(m.Edge, ts)
		r.persist(ctx, "put edge", func(ctx context.Context, s Store) error {
			return s.PutEdge(ctx, r.id, m.Edge)
		})
	case *protocol.EdgeDelete:
		r.canvas.DeleteEdge(m.Key(), ts)
		r.persist(ctx, "delete edge", func(ctx context.Context, s Store) error {
			return s.DeleteEdge(ctx, r.id, m.Key())
		})
	case *protocol.DocSync:
		r.docs.Sync(m.Path, m.Content, ts)
	case *protocol.DocEdit:
		if _, err := r.docs.Apply(m); err != nil {
			code := CodeBadEdit
			if errors.Is(err, document.ErrNoBaseline) {
				code = CodeNoBaseline
			}
			c.reply(code, err.Error())
			return nil, false
		}
	case *protocol.DocSave:
		doc, ok := r.docs.Get(m.Path)
		if !ok {
			c.reply(CodeNoBaseline, fmt.Sprintf("%s: %s", document.ErrNoBaseline, m.Path))
			return nil, false
		}
		err := r.persist(ctx, "save document", func(ctx context.Context, s Store) error {
			return s.SaveDocument(ctx, r.id, doc)
		})
		if err != nil {
			c.reply(CodeSaveFailed, fmt.Sprintf("save %s failed", m.Path))
			return nil, false
		}
		ack := &protocol.Ack{Ref: protocol.TypeDocSave, Path: m.Path}
		protocol.Stamp(ack, protocol.ServerActor, ts)
		_ = c.peer.Send(protocol.MustEncode(ack))
	case *protocol.CursorMove, *protocol.Selection:
		r.presence.Apply(m)
	default:
		c.reply(CodeUnsupported, fmt.Sprintf("%s is not accepted here", msg.Type()))
		return nil, false
	}

	frame := protocol.MustEncode(msg)
	r.broadcastLocked(frame)
	return frame, true
}

// applyRemote applies a frame relayed from another instance and rebroadcasts
// it locally. Its stamp is kept; stale graph writes are dropped by the
// canvas version rule.
func (r *room) applyRemote(msg protocol.Message, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	ts := msg.Time()
	r.observe(ts)
	ctx := context.Background()

	switch m := msg.(type) {
	case *protocol.Join:
		if r.userConns[m.Actor()] == 0 {
			r.presence.Upsert(protocol.Participant{
				UserID:      m.Actor(),
				DisplayName: m.DisplayName,
				Color:       m.Color,
				LastActive:  ts,
			})
		}
		r.broadcastLocked(frame)
		r.broadcastLocked(r.presenceFrame(r.tick()))
		return
	case *protocol.Leave:
		if r.userConns[m.Actor()] == 0 {
			r.presence.Remove(m.Actor())
		}
		r.broadcastLocked(frame)
		r.broadcastLocked(r.presenceFrame(r.tick()))
		return
	case *protocol.Presence:
		// Rosters follow relayed join and leave frames.
		return
	case *protocol.NodeCreate:
		if !r.canvas.PutNode(m.Node, ts) {
			return
		}
		r.persist(ctx, "put node", func(ctx context.Context, s Store) error {
			return s.PutNode(ctx, r.id, m.Node)
		})
	case *protocol.NodeUpdate:
		if !r.canvas.PutNode(m.Node, ts) {
			return
		}
		r.persist(ctx, "put node", func(ctx context.Context, s Store) error {
			return s.PutNode(ctx, r.id, m.Node)
		})
	case *protocol.NodeDelete:
		incident, ok := r.canvas.DeleteNode(m.ID, ts)
		if !ok {
			return
		}
		r.persist(ctx, "delete node", func(ctx context.Context, s Store) error {
			return s.DeleteNode(ctx, r.id, m.ID, incident)
		})
	case *protocol.NodeMove:
		if !r.canvas.MoveNode(m.ID, protocol.Point{X: m.X, Y: m.Y}, ts) {
			return
		}
		node, _ := r.canvas.Node(m.ID)
		r.persist(ctx, "move node", func(ctx context.Context, s Store) error {
			return s.PutNode(ctx, r.id, node)
		})
	case *protocol.EdgeCreate:
		if !r.canvas.PutEdge(m.Edge, ts) {
			return
		}
		r.persist(ctx, "put edge", func(ctx context.Context, s Store) error {
			return s.PutEdge(ctx, r.id, m.Edge)
		})
	case *protocol.EdgeDelete:
		if !r.canvas.DeleteEdge(m.Key(), ts) {
			return
		}
		r.persist(ctx, "delete edge", func(ctx context.Context, s Store) error {
			return s.DeleteEdge(ctx, r.id, m.Key())
		})
	case *protocol.DocSync:
		if !r.docs.Sync(m.Path, m.Content, ts) {
			return
		}
	case *protocol.DocEdit:
		if _, err := r.docs.Apply(m); err != nil {
			r.logger.Warn("relayed edit not applied", "path", m.Path, "error", err)
			return
		}
	case *protocol.DocSave:
		if doc, ok := r.docs.Get(m.Path); ok {
			r.persist(ctx, "save document", func(ctx context.Context, s Store) error {
				return s.SaveDocument(ctx, r.id, doc)
			})
		}
	case *protocol.CursorMove, *protocol.Selection:
		r.presence.Apply(m)
	default:
		return
	}
	r.broadcastLocked(frame)
}

// commitNode writes a node without broadcasting it.
func (r *room) commitNode(ctx context.Context, node protocol.CanvasNode) (protocol.CanvasNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.tick()
	node = node.Clone()
	node.UpdatedAt = ts
	r.canvas.PutNode(node, ts)
	err := r.persist(ctx, "commit node", func(ctx context.Context, s Store) error {
		return s.PutNode(ctx, r.id, node)
	})
	return node, err
}

func (r *room) commitEdge(ctx context.Context, edge protocol.CanvasEdge) (protocol.CanvasEdge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.tick()
	edge.UpdatedAt = ts
	r.canvas.PutEdge(edge, ts)
	err := r.persist(ctx, "commit edge", func(ctx context.Context, s Store) error {
		return s.PutEdge(ctx, r.id, edge)
	})
	return edge, err
}

// persist runs fn against the store, detached from the caller's
// cancellation so a closing connection does not abort an applied write.
func (r *room) persist(ctx context.Context, op string, fn func(context.Context, Store) error) error {
	s := r.hub.cfg.Store
	if s == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := fn(ctx, s); err != nil {
		r.logger.Error("persist failed", "op", op, "error", err)
		return err
	}
	return nil
}

// close disconnects every peer and stops relaying.
func (r *room) close() {
	r.mu.Lock()
	r.closed = true
	unsubscribe := r.unsubscribe
	conns := make([]*conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for _, c := range conns {
		c.peer.Close(websocket.CloseGoingAway, "server shutting down")
	}
}
