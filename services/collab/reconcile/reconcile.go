// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reconcile is the single writer of a client's canvas and document
// state.
//
// It arbitrates between three sources of mutations:
//
//   - Local optimistic edits, applied immediately and counted as pending
//     until the hub echoes them back.
//   - Remote human mutations from the collaboration channel, applied under
//     per-entity last-write-wins keyed by the hub timestamp.
//   - Agent-run events, held in a per-run overlay until the run commits a
//     node or edge, which is then promoted exactly once.
//
// A frame whose originating actor is the local user and that matches a
// pending local write is a self-echo and is not applied again. Remote
// writes that arrive for an entity with unacknowledged local writes are
// deferred and replayed, in hub order, when the last local write is
// acknowledged.
package reconcile

import (
	"errors"
	"fmt"
	"sync"

	"github.com/AleutianAI/canvassync/services/collab/canvas"
	"github.com/AleutianAI/canvassync/services/collab/document"
	"github.com/AleutianAI/canvassync/services/collab/protocol"
)

// ErrUnknownNode is returned for a local write against a node that does not
// exist.
var ErrUnknownNode = errors.New("unknown node")

// Outcome describes what happened to one mutation.
type Outcome int

const (
	// Applied means the state changed.
	Applied Outcome = iota
	// SelfEcho means the hub acknowledged one of our own pending writes.
	SelfEcho
	// Stale means a newer version already exists.
	Stale
	// Duplicate means a run commit for an id that was already promoted.
	Duplicate
	// Ignored means the frame carries nothing for the graph or documents.
	Ignored
	// Deferred means a remote write was held behind a pending local write.
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case SelfEcho:
		return "self_echo"
	case Stale:
		return "stale"
	case Duplicate:
		return "duplicate"
	case Ignored:
		return "ignored"
	case Deferred:
		return "deferred"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Change reports the effect of one frame on reconciled state.
type Change struct {
	Outcome  Outcome
	Type     protocol.MessageType
	RunEvent protocol.RunEventType
	Actor    string
	RunID    string
	NodeID   string
	Edge     protocol.EdgeKey
	Path     string

	// RemovedEdges lists edges dropped together with a deleted node.
	RemovedEdges []protocol.EdgeKey

	Err error
}

// Reconciler owns the canvas, documents, run overlays and ghost proposals
// of one workspace session. Safe for concurrent use.
type Reconciler struct {
	mu      sync.Mutex
	localID string

	canvas *canvas.Canvas
	docs   *document.Store

	pending  map[string]int
	deferred map[string][]protocol.Message

	overlays   map[string]map[string]protocol.CanvasNode
	closedRuns map[string]struct{}
	nodeRuns   map[string]string
	edgeRuns   map[protocol.EdgeKey]string
	ghosts     map[string]Ghost
}

// New creates a reconciler for the local participant localID.
func New(localID string) *Reconciler {
	return &Reconciler{
		localID:    localID,
		canvas:     canvas.New(),
		docs:       document.NewStore(),
		pending:    make(map[string]int),
		deferred:   make(map[string][]protocol.Message),
		overlays:   make(map[string]map[string]protocol.CanvasNode),
		closedRuns: make(map[string]struct{}),
		nodeRuns:   make(map[string]string),
		edgeRuns:   make(map[protocol.EdgeKey]string),
		ghosts:     make(map[string]Ghost),
	}
}

// LocalID returns the local participant id used for self-echo detection.
func (r *Reconciler) LocalID() string { return r.localID }

// ApplyRemote applies one frame received on the collaboration channel.
//
// # Description
//
// canvas_sync replaces the graph and forgets pending local writes, since the
// hub re-baselines every (re)connected client. Graph and document mutations
// go through self-echo detection and then last-write-wins. Other frame types
// are Ignored.
func (r *Reconciler) ApplyRemote(msg protocol.Message) Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := describe(msg)
	if snap, ok := msg.(*protocol.CanvasSync); ok {
		r.canvas.Replace(snap.Nodes, snap.Edges, snap.Time())
		r.pending = make(map[string]int)
		r.deferred = make(map[string][]protocol.Message)
		ch.Outcome = Applied
		return ch
	}

	key, tracked := entityKey(msg)
	if !tracked {
		ch.Outcome = Ignored
		return ch
	}

	if msg.Actor() == r.localID && r.pending[key] > 0 {
		r.pending[key]--
		if r.pending[key] > 0 {
			r.acknowledge(msg)
			ch.Outcome = SelfEcho
			return ch
		}
		delete(r.pending, key)
		held := r.deferred[key]
		delete(r.deferred, key)
		if len(held) == 0 {
			r.acknowledge(msg)
			ch.Outcome = SelfEcho
			return ch
		}
		// Replay in hub order so the final state matches the hub's.
		for _, m := range held {
			r.apply(m, &Change{})
		}
		r.apply(msg, &ch)
		return ch
	}

	// Document edits are never deferred; they apply in receipt order.
	if r.pending[key] > 0 && protocol.IsGraphMutation(msg.Type()) {
		r.deferred[key] = append(r.deferred[key], msg)
		ch.Outcome = Deferred
		return ch
	}

	r.apply(msg, &ch)
	return ch
}

// ApplyLocal applies an outbound write optimistically and marks it pending
// until its echo arrives. The originating actor is set to the local id.
//
// # Outputs
//
//   - error: Validation failures, ErrUnknownNode for a move of a missing
//     node, document.ErrNoBaseline for an edit without baseline.
func (r *Reconciler) ApplyLocal(msg protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocalLocked(msg)
}

func (r *Reconciler) applyLocalLocked(msg protocol.Message) error {
	protocol.Stamp(msg, r.localID, 0)
	if err := protocol.Validate(msg); err != nil {
		return err
	}
	switch m := msg.(type) {
	case *protocol.NodeCreate:
		r.canvas.PutNodeLocal(m.Node)
	case *protocol.NodeUpdate:
		r.canvas.PutNodeLocal(m.Node)
	case *protocol.NodeDelete:
		r.canvas.DeleteNodeLocal(m.ID)
	case *protocol.NodeMove:
		if !r.canvas.MoveNodeLocal(m.ID, protocol.Point{X: m.X, Y: m.Y}) {
			return fmt.Errorf("%w: %s", ErrUnknownNode, m.ID)
		}
	case *protocol.EdgeCreate:
		r.canvas.PutEdgeLocal(m.Edge)
	case *protocol.EdgeDelete:
		r.canvas.DeleteEdgeLocal(m.Key())
	case *protocol.DocSync:
		cur, _ := r.docs.Get(m.Path)
		r.docs.Sync(m.Path, m.Content, cur.Version)
	case *protocol.DocEdit:
		if _, err := r.docs.Apply(m); err != nil {
			return err
		}
	}
	if key, ok := entityKey(msg); ok {
		r.pending[key]++
	}
	return nil
}

// DiscardPending forgets a local write whose send failed, so its entity
// accepts remote writes again.
func (r *Reconciler) DiscardPending(msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := entityKey(msg)
	if !ok || r.pending[key] == 0 {
		return
	}
	r.pending[key]--
	if r.pending[key] > 0 {
		return
	}
	delete(r.pending, key)
	for _, m := range r.deferred[key] {
		r.apply(m, &Change{})
	}
	delete(r.deferred, key)
}

// PendingCount returns the number of unacknowledged local writes.
func (r *Reconciler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.pending {
		n += c
	}
	return n
}

// apply runs msg through last-write-wins and records the result in ch.
func (r *Reconciler) apply(msg protocol.Message, ch *Change) {
	ts := msg.Time()
	ok := false
	switch m := msg.(type) {
	case *protocol.NodeCreate:
		ok = r.canvas.PutNode(m.Node, ts)
	case *protocol.NodeUpdate:
		ok = r.canvas.PutNode(m.Node, ts)
	case *protocol.NodeMove:
		ok = r.canvas.MoveNode(m.ID, protocol.Point{X: m.X, Y: m.Y}, ts)
	case *protocol.NodeDelete:
		ch.RemovedEdges, ok = r.canvas.DeleteNode(m.ID, ts)
	case *protocol.EdgeCreate:
		ok = r.canvas.PutEdge(m.Edge, ts)
	case *protocol.EdgeDelete:
		ok = r.canvas.DeleteEdge(m.Key(), ts)
	case *protocol.DocSync:
		ok = r.docs.Sync(m.Path, m.Content, ts)
	case *protocol.DocEdit:
		if _, err := r.docs.Apply(m); err != nil {
			ch.Err = err
			ch.Outcome = Ignored
			return
		}
		ok = true
	}
	if ok {
		ch.Outcome = Applied
	} else {
		ch.Outcome = Stale
	}
}

// acknowledge records the hub timestamp of an echoed local write without
// touching its payload. Deletes are re-applied so they leave tombstones.
func (r *Reconciler) acknowledge(msg protocol.Message) {
	ts := msg.Time()
	switch m := msg.(type) {
	case *protocol.NodeCreate:
		r.canvas.TouchNode(m.Node.ID, ts)
	case *protocol.NodeUpdate:
		r.canvas.TouchNode(m.Node.ID, ts)
	case *protocol.NodeMove:
		r.canvas.TouchNode(m.ID, ts)
	case *protocol.NodeDelete:
		r.canvas.DeleteNode(m.ID, ts)
	case *protocol.EdgeCreate:
		r.canvas.TouchEdge(m.Edge.Key(), ts)
	case *protocol.EdgeDelete:
		r.canvas.DeleteEdge(m.Key(), ts)
	case *protocol.DocSync:
		r.docs.Touch(m.Path, ts)
	case *protocol.DocEdit:
		r.docs.Touch(m.Path, ts)
	}
}

// Node returns a copy of a node from the shared graph.
func (r *Reconciler) Node(id string) (protocol.CanvasNode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canvas.Node(id)
}

// Nodes returns the shared graph nodes ordered by id.
func (r *Reconciler) Nodes() []protocol.CanvasNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canvas.Nodes()
}

// Edges returns the shared graph edges.
func (r *Reconciler) Edges() []protocol.CanvasEdge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canvas.Edges()
}

// Document returns the current text of path.
func (r *Reconciler) Document(path string) (document.Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.docs.Get(path)
}

// Documents returns every known document ordered by path.
func (r *Reconciler) Documents() []document.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.docs.All()
}

func describe(msg protocol.Message) Change {
	ch := Change{Type: msg.Type(), Actor: msg.Actor()}
	switch m := msg.(type) {
	case *protocol.NodeCreate:
		ch.NodeID = m.Node.ID
	case *protocol.NodeUpdate:
		ch.NodeID = m.Node.ID
	case *protocol.NodeMove:
		ch.NodeID = m.ID
	case *protocol.NodeDelete:
		ch.NodeID = m.ID
	case *protocol.EdgeCreate:
		ch.Edge = m.Edge.Key()
	case *protocol.EdgeDelete:
		ch.Edge = m.Key()
	case *protocol.DocSync:
		ch.Path = m.Path
	case *protocol.DocEdit:
		ch.Path = m.Path
	}
	return ch
}

// entityKey names the entity a write targets. Only graph and document
// writes are tracked.
func entityKey(msg protocol.Message) (string, bool) {
	switch m := msg.(type) {
	case *protocol.NodeCreate:
		return "n:" + m.Node.ID, true
	case *protocol.NodeUpdate:
		return "n:" + m.Node.ID, true
	case *protocol.NodeMove:
		return "n:" + m.ID, true
	case *protocol.NodeDelete:
		return "n:" + m.ID, true
	case *protocol.EdgeCreate:
		return "e:" + m.Edge.Key().String(), true
	case *protocol.EdgeDelete:
		return "e:" + m.Key().String(), true
	case *protocol.DocSync:
		return "d:" + m.Path, true
	case *protocol.DocEdit:
		return "d:" + m.Path, true
	}
	return "", false
}
