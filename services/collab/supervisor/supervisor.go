// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package supervisor ties the client-side pieces of one workspace session
// together.
//
// A Supervisor owns the collaboration transport session, the presence
// store, the reconciler, the run tracker and every agent-run stream opened
// for the workspace. Inbound frames from all channels are dispatched one at
// a time to the current handler set. Dispose tears everything down; no
// component outlives it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/AleutianAI/canvassync/pkg/extensions"
	"github.com/AleutianAI/canvassync/services/collab/document"
	"github.com/AleutianAI/canvassync/services/collab/presence"
	"github.com/AleutianAI/canvassync/services/collab/protocol"
	"github.com/AleutianAI/canvassync/services/collab/reconcile"
	"github.com/AleutianAI/canvassync/services/collab/runs"
	"github.com/AleutianAI/canvassync/services/collab/transport"
)

var (
	// ErrDisposed is returned by every operation after Dispose.
	ErrDisposed = errors.New("supervisor disposed")

	// ErrNoRunAPI is returned by run operations when no APIURL is configured.
	ErrNoRunAPI = errors.New("run API not configured")
)

var configValidate = validator.New()

// DocumentPersister checkpoints a document to the external document store
// when the user saves it.
type DocumentPersister interface {
	SaveDocument(ctx context.Context, workspaceID string, doc document.Document) error
}

// Config configures a Supervisor.
type Config struct {
	// BaseURL is the websocket base, e.g. "ws://localhost:8090".
	BaseURL string `validate:"required,url"`

	// APIURL is the REST base for run creation and cancellation. Run
	// operations fail with ErrNoRunAPI when empty.
	APIURL string `validate:"omitempty,url"`

	WorkspaceID string `validate:"required,max=128"`

	// Token returns the current bearer token. It is read on every dial.
	Token func() string

	// LocalUserID is the id used for self-echo detection. When empty it is
	// read from the token's claims.
	LocalUserID string

	// RunKeepAlive is the ping interval of run streams; zero means
	// runs.DefaultKeepAlive and negative disables pings.
	RunKeepAlive time.Duration

	Dialer     transport.Dialer
	Clock      transport.Clock
	HTTPClient *http.Client
	Persister  DocumentPersister
	Logger     *slog.Logger
}

// Handlers is the set of callbacks a Supervisor reports to. Nil fields are
// skipped. All callbacks except the state ones run on the dispatch path,
// one at a time.
type Handlers struct {
	// OnState reports collaboration connection state changes.
	OnState func(state transport.State, err error)

	// OnPresence receives the roster after every presence-affecting frame.
	OnPresence func(users []protocol.Participant)

	OnJoin  func(userID string)
	OnLeave func(userID string)

	// OnChange reports the effect of each graph or document frame.
	OnChange func(change reconcile.Change)

	// OnNotice surfaces protocol error frames verbatim.
	OnNotice func(notice *protocol.ErrorMessage)

	OnAck func(ack *protocol.Ack)

	// OnRunEvent reports an accepted run event with the run state after it.
	OnRunEvent func(run protocol.AgentRun, ev protocol.RunEvent, change reconcile.Change)

	// OnRunState reports connection state of run streams. streamID is the
	// run id, or WorkspaceStream for the workspace status stream.
	OnRunState func(streamID string, state transport.State, err error)
}

// WorkspaceStream is the stream id of the workspace run-status channel.
const WorkspaceStream = "workspace"

// Supervisor is the per-workspace session owner. Safe for concurrent use.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	handlers atomic.Pointer[Handlers]

	// dispatchMu serialises inbound frames from every channel.
	dispatchMu sync.Mutex

	session  *transport.Session
	rec      *reconcile.Reconciler
	presence *presence.Store
	tracker  *runs.Tracker
	client   *runs.Client

	mu       sync.Mutex
	disposed bool
	streams  map[string]*runs.Channel
}

// New validates cfg and builds an idle supervisor. Nothing is dialled
// until Start or Connect.
func New(cfg Config) (*Supervisor, error) {
	if err := configValidate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid supervisor config: %w", err)
	}
	if cfg.Token == nil {
		cfg.Token = func() string { return "" }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LocalUserID == "" {
		id, err := extensions.UserIDFromToken(cfg.Token())
		if err != nil {
			return nil, fmt.Errorf("resolve local user: %w", err)
		}
		cfg.LocalUserID = id
	}
	target, err := CollaborateURL(cfg.BaseURL, cfg.WorkspaceID)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:      cfg,
		logger:   cfg.Logger.With("workspace_id", cfg.WorkspaceID),
		rec:      reconcile.New(cfg.LocalUserID),
		presence: presence.NewStore(),
		tracker:  runs.NewTracker(),
		streams:  make(map[string]*runs.Channel),
	}
	s.handlers.Store(&Handlers{})

	if cfg.APIURL != "" {
		s.client = runs.NewClient(cfg.APIURL, cfg.Token)
		if cfg.HTTPClient != nil {
			s.client.HTTP = cfg.HTTPClient
		}
	}

	tc := transport.DefaultConfig(target)
	tc.Token = cfg.Token
	tc.Dialer = cfg.Dialer
	tc.Clock = cfg.Clock
	tc.Logger = s.logger
	tc.OnState = s.emitState
	tc.OnFrame = s.dispatch
	s.session = transport.NewSession(tc)
	return s, nil
}

// CollaborateURL returns the collaboration endpoint of one workspace.
func CollaborateURL(base, workspaceID string) (string, error) {
	u, err := url.JoinPath(base, "collaborate", workspaceID)
	if err != nil {
		return "", fmt.Errorf("build collaborate url: %w", err)
	}
	return u, nil
}

// SetHandlers swaps the handler set. The dispatcher always reads the
// current set, so callbacks are never stale.
func (s *Supervisor) SetHandlers(h Handlers) {
	s.handlers.Store(&h)
}

// Start schedules the first connection after the startup delay.
func (s *Supervisor) Start() {
	s.session.Start()
}

// Connect dials the collaboration channel immediately.
func (s *Supervisor) Connect() error {
	if s.isDisposed() {
		return ErrDisposed
	}
	return s.session.Connect()
}

// Reconnect is the user-triggered retry after the attempt budget is spent.
func (s *Supervisor) Reconnect() error {
	if s.isDisposed() {
		return ErrDisposed
	}
	return s.session.Reconnect()
}

// Dispose closes the collaboration channel and every run stream and stops
// all reconnects. Callbacks stop before Dispose returns. Idempotent.
func (s *Supervisor) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	streams := s.streams
	s.streams = make(map[string]*runs.Channel)
	s.mu.Unlock()

	s.session.Dispose()
	for _, ch := range streams {
		ch.Dispose()
	}

	// Wait out an in-flight dispatch, then silence every callback.
	s.dispatchMu.Lock()
	s.handlers.Store(&Handlers{})
	s.dispatchMu.Unlock()
	s.logger.Info("workspace session disposed")
}

// Done is closed once Dispose has been called.
func (s *Supervisor) Done() <-chan struct{} { return s.session.Done() }

// State returns the collaboration connection state.
func (s *Supervisor) State() transport.State { return s.session.State() }

// Err returns the surfaced collaboration connection error.
func (s *Supervisor) Err() error { return s.session.Err() }

// LocalID returns the local participant id.
func (s *Supervisor) LocalID() string { return s.cfg.LocalUserID }

// WorkspaceID returns the workspace this session belongs to.
func (s *Supervisor) WorkspaceID() string { return s.cfg.WorkspaceID }

// Presence returns the current roster.
func (s *Supervisor) Presence() []protocol.Participant { return s.presence.List() }

// Nodes returns the reconciled graph nodes.
func (s *Supervisor) Nodes() []protocol.CanvasNode { return s.rec.Nodes() }

// Node returns one reconciled node.
func (s *Supervisor) Node(id string) (protocol.CanvasNode, bool) { return s.rec.Node(id) }

// Edges returns the reconciled graph edges.
func (s *Supervisor) Edges() []protocol.CanvasEdge { return s.rec.Edges() }

// Document returns the reconciled text of path.
func (s *Supervisor) Document(path string) (document.Document, bool) { return s.rec.Document(path) }

// Overlay returns the draft nodes of an open run.
func (s *Supervisor) Overlay(runID string) []protocol.CanvasNode { return s.rec.Overlay(runID) }

// PendingCount returns the number of local writes awaiting their echo.
func (s *Supervisor) PendingCount() int { return s.rec.PendingCount() }

func (s *Supervisor) isDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

func (s *Supervisor) current() *Handlers { return s.handlers.Load() }

func (s *Supervisor) emitState(state transport.State, err error) {
	if h := s.current(); h.OnState != nil {
		h.OnState(state, err)
	}
}

// dispatch decodes and routes one collaboration frame. Malformed frames are
// logged and dropped.
func (s *Supervisor) dispatch(frame []byte) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	if s.isDisposed() {
		return
	}

	msg, err := protocol.Decode(frame)
	if err != nil {
		s.logger.Warn("dropping collaboration frame", "error", err)
		return
	}
	h := s.current()

	switch m := msg.(type) {
	case *protocol.Presence, *protocol.CursorMove, *protocol.Selection:
		s.presence.Apply(m)
		if h.OnPresence != nil {
			h.OnPresence(s.presence.List())
		}
	case *protocol.Join:
		if h.OnJoin != nil {
			h.OnJoin(m.Actor())
		}
	case *protocol.Leave:
		// The roster changes with the next presence snapshot.
		if h.OnLeave != nil {
			h.OnLeave(m.Actor())
		}
	case *protocol.ErrorMessage:
		s.logger.Warn("hub notice", "code", m.Code, "message", m.Message)
		if h.OnNotice != nil {
			h.OnNotice(m)
		}
	case *protocol.Ack:
		if h.OnAck != nil {
			h.OnAck(m)
		}
	default:
		change := s.rec.ApplyRemote(msg)
		if change.Err != nil {
			s.logger.Warn("remote edit not applied", "type", change.Type, "path", change.Path, "error", change.Err)
		}
		s.logger.Debug("remote frame", "type", change.Type, "actor", change.Actor, "outcome", change.Outcome.String())
		if h.OnChange != nil {
			h.OnChange(change)
		}
	}
}

// =============================================================================
// Outbound mutations
// =============================================================================

// CreateNode applies a node creation locally and sends it. A node without
// an id gets a fresh one.
func (s *Supervisor) CreateNode(node protocol.CanvasNode) (protocol.CanvasNode, error) {
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	msg := &protocol.NodeCreate{Node: node}
	if err := s.mutate(msg); err != nil {
		return protocol.CanvasNode{}, err
	}
	return msg.Node, nil
}

// UpdateNode replaces a node's full payload.
func (s *Supervisor) UpdateNode(node protocol.CanvasNode) error {
	return s.mutate(&protocol.NodeUpdate{Node: node})
}

// MoveNode sends the position-only update used while dragging.
func (s *Supervisor) MoveNode(id string, x, y float64) error {
	return s.mutate(&protocol.NodeMove{ID: id, X: x, Y: y})
}

// DeleteNode removes a node and, locally, its incident edges.
func (s *Supervisor) DeleteNode(id string) error {
	return s.mutate(&protocol.NodeDelete{ID: id})
}

// CreateEdge adds an edge between two nodes.
func (s *Supervisor) CreateEdge(edge protocol.CanvasEdge) error {
	return s.mutate(&protocol.EdgeCreate{Edge: edge})
}

// DeleteEdge removes the edge from -> to.
func (s *Supervisor) DeleteEdge(from, to string) error {
	return s.mutate(&protocol.EdgeDelete{From: from, To: to})
}

// ReplaceDocument sends a full-content baseline for path.
func (s *Supervisor) ReplaceDocument(path, content string) error {
	return s.mutate(&protocol.DocSync{Path: path, Content: content})
}

// InsertText inserts text at a rune position of path.
func (s *Supervisor) InsertText(path string, position int, text string) error {
	return s.mutate(&protocol.DocEdit{Path: path, Operation: protocol.EditInsert, Position: position, Text: text})
}

// DeleteText deletes length runes at position of path.
func (s *Supervisor) DeleteText(path string, position, length int) error {
	return s.mutate(&protocol.DocEdit{Path: path, Operation: protocol.EditDelete, Position: position, Length: length})
}

// SaveDocument checkpoints path through the configured persister and then
// signals doc_save on the channel.
func (s *Supervisor) SaveDocument(ctx context.Context, path string) error {
	if s.isDisposed() {
		return ErrDisposed
	}
	if s.cfg.Persister != nil {
		doc, ok := s.rec.Document(path)
		if !ok {
			return fmt.Errorf("save %s: %w", path, document.ErrNoBaseline)
		}
		if err := s.cfg.Persister.SaveDocument(ctx, s.cfg.WorkspaceID, doc); err != nil {
			return fmt.Errorf("persist %s: %w", path, err)
		}
	}
	return s.send(&protocol.DocSave{Path: path})
}

// MoveCursor broadcasts the local cursor position.
func (s *Supervisor) MoveCursor(x, y float64, file string) error {
	return s.send(&protocol.CursorMove{X: x, Y: y, File: file})
}

// Select broadcasts the local selection [start, end) in path.
func (s *Supervisor) Select(path string, start, end int) error {
	return s.send(&protocol.Selection{Path: path, Start: &start, End: &end})
}

// ClearSelection broadcasts that the local selection is gone.
func (s *Supervisor) ClearSelection(path string) error {
	return s.send(&protocol.Selection{Path: path})
}

// RequestResync asks the hub for a fresh canvas snapshot.
func (s *Supervisor) RequestResync() error {
	return s.send(&protocol.CanvasSync{})
}

// mutate applies msg optimistically and sends it. When the send fails the
// pending mark is dropped so remote writes to the entity flow again; the
// optimistic state stays until the next hub baseline replaces it.
func (s *Supervisor) mutate(msg protocol.Message) error {
	if s.isDisposed() {
		return ErrDisposed
	}
	if err := s.rec.ApplyLocal(msg); err != nil {
		return fmt.Errorf("%s: %w", msg.Type(), err)
	}
	if err := s.send(msg); err != nil {
		s.rec.DiscardPending(msg)
		return err
	}
	return nil
}

func (s *Supervisor) send(msg protocol.Message) error {
	if s.isDisposed() {
		return ErrDisposed
	}
	protocol.Stamp(msg, s.cfg.LocalUserID, 0)
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.session.Send(frame); err != nil {
		s.logger.Debug("outbound frame dropped", "type", msg.Type(), "error", err)
		return fmt.Errorf("%s: %w", msg.Type(), err)
	}
	return nil
}
