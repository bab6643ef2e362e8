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
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/AleutianAI/canvassync/services/collab/protocol"
)

// ErrGhostNotFound is returned for an unknown, accepted, or dismissed ghost.
var ErrGhostNotFound = errors.New("ghost proposal not found")

// Ghost is an agent-suggested node held only by this client. It never
// enters the shared graph unless accepted.
type Ghost struct {
	ID           string              `json:"id"`
	RunID        string              `json:"run_id"`
	SourceNodeID string              `json:"source_node_id,omitempty"`
	Node         protocol.CanvasNode `json:"node"`
}

// ProposeGhost records a new ghost proposal and returns it.
func (r *Reconciler) ProposeGhost(runID, sourceNodeID string, node protocol.CanvasNode) Ghost {
	g := Ghost{
		ID:           uuid.NewString(),
		RunID:        runID,
		SourceNodeID: sourceNodeID,
		Node:         node.Clone(),
	}
	r.mu.Lock()
	r.ghosts[g.ID] = g
	r.mu.Unlock()
	return g
}

// AcceptGhost promotes a ghost into the shared graph through the normal
// local creation path.
//
// # Description
//
// The ghost is removed first, so accepting twice yields ErrGhostNotFound
// and exactly one node. The node gets a fresh id when the ghost carries
// none or its id is already taken.
//
// # Outputs
//
//   - *protocol.NodeCreate: The frame to send on the collaboration channel.
//   - error: ErrGhostNotFound, or a validation error from the local apply.
func (r *Reconciler) AcceptGhost(id string) (*protocol.NodeCreate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.ghosts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGhostNotFound, id)
	}
	delete(r.ghosts, id)

	node := g.Node.Clone()
	if _, taken := r.canvas.Node(node.ID); node.ID == "" || taken {
		node.ID = uuid.NewString()
	}
	node.RunID = g.RunID
	msg := &protocol.NodeCreate{Node: node}
	if err := r.applyLocalLocked(msg); err != nil {
		r.ghosts[id] = g
		return nil, fmt.Errorf("accept ghost %s: %w", id, err)
	}
	return msg, nil
}

// DismissGhost discards a ghost. Nothing is sent.
func (r *Reconciler) DismissGhost(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ghosts[id]; !ok {
		return fmt.Errorf("%w: %s", ErrGhostNotFound, id)
	}
	delete(r.ghosts, id)
	return nil
}

// Ghosts returns the outstanding proposals ordered by id.
func (r *Reconciler) Ghosts() []Ghost {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Ghost, 0, len(r.ghosts))
	for _, g := range r.ghosts {
		g.Node = g.Node.Clone()
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
