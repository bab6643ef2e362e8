// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reconcile

import (
	"sort"

	"github.com/AleutianAI/canvassync/services/collab/protocol"
)

// ApplyRunEvent applies one agent-run event.
//
// # Description
//
// Events for a closed run are Ignored. node_draft events update the run's
// overlay. node_created and edge_created promote into the shared graph at
// most once per id; the draft with the same id leaves the overlay. Terminal
// events close the run and drop its overlay. Status, progress and step
// events do not touch the graph.
//
// Callers gate events through the run tracker first; the closed-run check
// here covers events that race the tracker across channels.
func (r *Reconciler) ApplyRunEvent(ev protocol.RunEvent) Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	runID := ev.Run()
	ch := Change{RunEvent: ev.EventType(), RunID: runID, Outcome: Ignored}
	if _, closed := r.closedRuns[runID]; closed {
		return ch
	}
	if protocol.IsStepType(ev.EventType()) {
		return ch
	}

	switch e := ev.(type) {
	case *protocol.NodeDraftEvent:
		ch.NodeID = e.Node.ID
		if _, done := r.nodeRuns[e.Node.ID]; done {
			ch.Outcome = Duplicate
			return ch
		}
		draft := e.Node.Clone()
		draft.RunID = runID
		overlay := r.overlays[runID]
		if overlay == nil {
			overlay = make(map[string]protocol.CanvasNode)
			r.overlays[runID] = overlay
		}
		overlay[draft.ID] = draft
		ch.Outcome = Applied

	case *protocol.NodeCreatedEvent:
		ch.NodeID = e.Node.ID
		if _, done := r.nodeRuns[e.Node.ID]; done {
			ch.Outcome = Duplicate
			return ch
		}
		node := e.Node.Clone()
		node.RunID = runID
		if r.canvas.PutNode(node, commitVersion(node.UpdatedAt, ev.Time())) {
			ch.Outcome = Applied
		} else {
			ch.Outcome = Stale
		}
		r.nodeRuns[node.ID] = runID
		if overlay := r.overlays[runID]; overlay != nil {
			delete(overlay, node.ID)
		}

	case *protocol.EdgeCreatedEvent:
		key := e.Edge.Key()
		ch.Edge = key
		if _, done := r.edgeRuns[key]; done {
			ch.Outcome = Duplicate
			return ch
		}
		edge := e.Edge
		edge.RunID = runID
		if r.canvas.PutEdge(edge, commitVersion(edge.UpdatedAt, ev.Time())) {
			ch.Outcome = Applied
		} else {
			ch.Outcome = Stale
		}
		r.edgeRuns[key] = runID
	}

	if protocol.IsTerminalEvent(ev) {
		r.closeRunLocked(runID)
		ch.Outcome = Applied
	}
	return ch
}

// CloseRun marks runID closed and drops its overlay. Later events for the
// run are ignored. Used when a cancellation is acknowledged.
func (r *Reconciler) CloseRun(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeRunLocked(runID)
}

func (r *Reconciler) closeRunLocked(runID string) {
	r.closedRuns[runID] = struct{}{}
	delete(r.overlays, runID)
}

// RunClosed reports whether runID has been closed.
func (r *Reconciler) RunClosed(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.closedRuns[runID]
	return ok
}

// Overlay returns the draft nodes of an open run ordered by id.
func (r *Reconciler) Overlay(runID string) []protocol.CanvasNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	overlay := r.overlays[runID]
	out := make([]protocol.CanvasNode, 0, len(overlay))
	for _, n := range overlay {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NodeRun returns the run that committed nodeID, if any.
func (r *Reconciler) NodeRun(nodeID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	runID, ok := r.nodeRuns[nodeID]
	return runID, ok
}

// commitVersion picks the LWW version of a committed run entity. The
// payload's UpdatedAt is the room timestamp assigned at commit, comparable
// with collaboration frames; the event time comes from the run clock and
// is used only when the payload has none.
func commitVersion(payloadTime, eventTime int64) int64 {
	if payloadTime != 0 {
		return payloadTime
	}
	return eventTime
}
