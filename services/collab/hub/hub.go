// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hub is the server side of the collaboration channel.
//
// # Description
//
// The hub keeps one room per workspace. A room owns the authoritative
// canvas, documents, and presence roster of its workspace. Every frame a
// client sends is decoded, stamped with the authenticated user and a room
// timestamp, applied, persisted, and then broadcast to every connection of
// the room, the sender included. Room timestamps are strictly increasing,
// which makes them the version clients resolve last-write-wins against.
//
// # Thread Safety
//
// Hub is safe for concurrent use. Each room serializes its frames under one
// mutex, so all connections observe the same broadcast order.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/canvassync/pkg/extensions"
	"github.com/AleutianAI/canvassync/services/collab/document"
	"github.com/AleutianAI/canvassync/services/collab/observability"
	"github.com/AleutianAI/canvassync/services/collab/protocol"
	"github.com/AleutianAI/canvassync/services/collab/relay"
	"github.com/AleutianAI/canvassync/services/collab/storage"
	"github.com/AleutianAI/canvassync/services/collab/wsutil"
)

// Error codes carried by error frames sent to clients.
const (
	CodeBadFrame    = "bad_frame"
	CodeRateLimited = "rate_limited"
	CodeUnsupported = "unsupported"
	CodeUnknownNode = "unknown_node"
	CodeNoBaseline  = "no_baseline"
	CodeBadEdit     = "bad_edit"
	CodeSaveFailed  = "save_failed"
)

const (
	DefaultRateLimit rate.Limit = 60
	DefaultBurst                = 120

	// persistTimeout bounds one write to the store.
	persistTimeout = 5 * time.Second
)

// ErrClosed is returned by Serve and the commit methods after Close.
var ErrClosed = errors.New("hub closed")

// Store is the persistence the hub writes through. storage.Store
// implements it.
type Store interface {
	LoadWorkspace(ctx context.Context, workspaceID string) (storage.Workspace, error)
	PutNode(ctx context.Context, workspaceID string, node protocol.CanvasNode) error
	DeleteNode(ctx context.Context, workspaceID, id string, incident []protocol.EdgeKey) error
	PutEdge(ctx context.Context, workspaceID string, edge protocol.CanvasEdge) error
	DeleteEdge(ctx context.Context, workspaceID string, key protocol.EdgeKey) error
	SaveDocument(ctx context.Context, workspaceID string, doc document.Document) error
}

// Config configures a Hub. Zero values select the defaults.
type Config struct {
	// RateLimit is the sustained per-connection frame rate.
	RateLimit rate.Limit
	Burst     int

	// Store persists room state. Nil keeps rooms in memory only.
	Store Store

	// Relay shares rooms with other instances. Nil disables relaying.
	Relay relay.Relay

	// InstanceID tags relayed envelopes. Defaults to a random UUID.
	InstanceID string

	Logger  *slog.Logger
	Metrics *observability.Metrics

	// Now is the wall clock room timestamps are derived from.
	Now func() time.Time
}

// Hub owns the rooms of every open workspace.
type Hub struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

// New creates a hub with no rooms.
func New(cfg Config) *Hub {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Hub{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "hub", "instance_id", cfg.InstanceID),
		metrics: cfg.Metrics,
		rooms:   make(map[string]*room),
	}
}

// InstanceID returns the id this hub stamps on relayed envelopes.
func (h *Hub) InstanceID() string { return h.cfg.InstanceID }

// Serve runs one collaboration connection until it closes.
//
// # Description
//
// Opens (or loads) the workspace room, joins the participant, baselines
// the connection with canvas_sync and doc_sync, and then processes the
// peer's frames in arrival order. On return the participant has left the
// room.
//
// # Inputs
//
//   - ctx: Cancelling it closes the connection with 1001.
//   - workspaceID: Room to join.
//   - info: Authenticated identity; its UserID becomes from_user.
//   - peer: The upgraded connection. Serve owns it from here on.
//
// # Outputs
//
//   - error: Load failures and abnormal read errors. Normal closes return nil.
func (h *Hub) Serve(ctx context.Context, workspaceID string, info *extensions.AuthInfo, peer *wsutil.Peer) error {
	if info == nil || info.UserID == "" {
		peer.Reject(websocket.ClosePolicyViolation, "unauthenticated")
		return extensions.ErrUnauthorized
	}
	r, err := h.room(ctx, workspaceID)
	if err != nil {
		peer.Reject(websocket.CloseInternalServerErr, "workspace unavailable")
		return err
	}

	c := &conn{
		peer:        peer,
		userID:      info.UserID,
		displayName: info.DisplayName,
		color:       info.Color,
		limiter:     rate.NewLimiter(h.cfg.RateLimit, h.cfg.Burst),
	}
	if frame := r.join(c); frame != nil {
		h.publish(ctx, workspaceID, frame)
	}
	h.metrics.ConnectionOpened(observability.ChannelCollaborate)
	defer h.metrics.ConnectionClosed(observability.ChannelCollaborate)

	logger := h.logger.With("workspace_id", workspaceID, "user_id", c.userID, "peer_id", peer.ID)
	logger.Info("participant connected")

	err = peer.Run(ctx, func(data []byte) {
		h.handleFrame(ctx, r, c, data)
	})

	if frame := r.leave(c); frame != nil {
		h.publish(context.WithoutCancel(ctx), workspaceID, frame)
	}
	logger.Info("participant disconnected", "error", err)
	return err
}

// handleFrame processes one inbound frame of c.
func (h *Hub) handleFrame(ctx context.Context, r *room, c *conn, data []byte) {
	if protocol.IsPing(data) {
		_ = c.peer.Send([]byte(protocol.PongFrame))
		return
	}
	if protocol.IsPong(data) {
		return
	}
	if !c.limiter.Allow() {
		h.metrics.RecordDrop(observability.DropRateLimited)
		c.reply(CodeRateLimited, "too many frames")
		return
	}

	msg, err := protocol.DecodeClientFrame(data)
	if err != nil {
		h.metrics.RecordDrop(observability.DropMalformed)
		h.logger.Debug("dropping malformed frame", "workspace_id", r.id, "user_id", c.userID, "error", err)
		c.reply(CodeBadFrame, err.Error())
		return
	}
	h.metrics.RecordFrame(string(msg.Type()))

	switch msg.Type() {
	case protocol.TypeJoin, protocol.TypeLeave, protocol.TypePresence, protocol.TypeAck, protocol.TypeError:
		h.metrics.RecordDrop(observability.DropRejected)
		c.reply(CodeUnsupported, fmt.Sprintf("%s frames are produced by the server", msg.Type()))
		return
	case protocol.TypeCanvasSync:
		r.resync(c)
		return
	}

	frame, ok := r.apply(ctx, c, msg)
	if !ok {
		h.metrics.RecordDrop(observability.DropRejected)
		return
	}
	h.metrics.RecordBroadcast(string(msg.Type()))
	h.publish(ctx, r.id, frame)
}

func (h *Hub) publish(ctx context.Context, workspaceID string, frame []byte) {
	if h.cfg.Relay == nil {
		return
	}
	env := relay.Envelope{Origin: h.cfg.InstanceID, WorkspaceID: workspaceID, Frame: frame}
	if err := h.cfg.Relay.Publish(ctx, env); err != nil {
		h.metrics.RecordRelayError()
		h.logger.Warn("relay publish failed", "workspace_id", workspaceID, "error", err)
	}
}

// onRelay applies a frame another instance broadcast.
func (h *Hub) onRelay(r *room, env relay.Envelope) {
	if env.Origin == h.cfg.InstanceID {
		return
	}
	msg, err := protocol.Decode(env.Frame)
	if err != nil {
		h.metrics.RecordRelayError()
		h.logger.Warn("dropping relayed frame", "workspace_id", env.WorkspaceID, "origin", env.Origin, "error", err)
		return
	}
	r.applyRemote(msg, env.Frame)
}

// room returns the room of workspaceID, loading it on first use.
func (h *Hub) room(ctx context.Context, workspaceID string) (*room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if r, ok := h.rooms[workspaceID]; ok {
		return r, nil
	}

	r := newRoom(workspaceID, h)
	if h.cfg.Store != nil {
		ws, err := h.cfg.Store.LoadWorkspace(ctx, workspaceID)
		if err != nil {
			return nil, fmt.Errorf("open room %s: %w", workspaceID, err)
		}
		r.restore(ws)
	}
	if h.cfg.Relay != nil {
		cancel, err := h.cfg.Relay.Subscribe(ctx, workspaceID, func(env relay.Envelope) {
			h.onRelay(r, env)
		})
		if err != nil {
			return nil, fmt.Errorf("open room %s: %w", workspaceID, err)
		}
		r.unsubscribe = cancel
	}

	h.rooms[workspaceID] = r
	h.metrics.SetRooms(len(h.rooms))
	h.logger.Info("room opened", "workspace_id", workspaceID)
	return r, nil
}

// CommitNode writes a node produced outside the collaboration channel (an
// agent run) into the room state and store. Connected clients are not
// notified; they learn of the node from the run stream and from the next
// canvas_sync.
func (h *Hub) CommitNode(ctx context.Context, workspaceID string, node protocol.CanvasNode) (protocol.CanvasNode, error) {
	r, err := h.room(ctx, workspaceID)
	if err != nil {
		return protocol.CanvasNode{}, err
	}
	return r.commitNode(ctx, node)
}

// CommitEdge is CommitNode for edges.
func (h *Hub) CommitEdge(ctx context.Context, workspaceID string, edge protocol.CanvasEdge) (protocol.CanvasEdge, error) {
	r, err := h.room(ctx, workspaceID)
	if err != nil {
		return protocol.CanvasEdge{}, err
	}
	return r.commitEdge(ctx, edge)
}

// Snapshot returns the current canvas of a workspace, opening its room if
// needed.
func (h *Hub) Snapshot(ctx context.Context, workspaceID string) ([]protocol.CanvasNode, []protocol.CanvasEdge, error) {
	r, err := h.room(ctx, workspaceID)
	if err != nil {
		return nil, nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canvas.Nodes(), r.canvas.Edges(), nil
}

// Rooms returns the number of open rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Close disconnects every peer with 1001 and stops relaying. Serve calls
// still running return shortly after.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		r.close()
	}
	h.logger.Info("hub closed", "rooms", len(rooms))
}
