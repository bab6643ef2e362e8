// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

import "fmt"

// ServerActor is the originating actor of frames the hub produces itself
// (canvas_sync and doc_sync baselines). It never equals a user id.
const ServerActor = "server"

// Point is a canvas coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is the rendered size of a node.
type Size struct {
	Width  float64 `json:"width" validate:"gte=0"`
	Height float64 `json:"height" validate:"gte=0"`
}

// Range is a half-open text selection [Start, End).
type Range struct {
	Start int `json:"start" validate:"gte=0"`
	End   int `json:"end" validate:"gte=0"`
}

// CanvasNode is one typed artifact on a proof canvas.
//
// UpdatedAt is the authoritative (server-assigned) update time in Unix
// milliseconds. RunID is set when the node was materialized by an agent run.
type CanvasNode struct {
	ID            string   `json:"id" validate:"required,max=128"`
	Type          string   `json:"type" validate:"required,max=64"`
	Title         string   `json:"title" validate:"max=512"`
	Content       string   `json:"content,omitempty"`
	Formula       string   `json:"formula,omitempty"`
	GeneratedCode string   `json:"generated_code,omitempty"`
	Position      Point    `json:"position"`
	Size          *Size    `json:"size,omitempty"`
	Status        string   `json:"status,omitempty" validate:"max=64"`
	DependencyIDs []string `json:"dependency_ids,omitempty" validate:"max=256,dive,required"`
	UpdatedAt     int64    `json:"updated_at,omitempty"`
	RunID         string   `json:"run_id,omitempty"`
}

// Clone returns a deep copy of the node.
func (n CanvasNode) Clone() CanvasNode {
	out := n
	if n.Size != nil {
		size := *n.Size
		out.Size = &size
	}
	if n.DependencyIDs != nil {
		out.DependencyIDs = append([]string(nil), n.DependencyIDs...)
	}
	return out
}

// EdgeKey identifies an edge by its ordered endpoint pair.
type EdgeKey struct {
	From string
	To   string
}

// String renders the key as "from->to".
func (k EdgeKey) String() string {
	return fmt.Sprintf("%s->%s", k.From, k.To)
}

// CanvasEdge is a typed relation between two nodes. At most one edge exists
// per ordered pair; RelationType is informative only at creation.
type CanvasEdge struct {
	From         string `json:"from_id" validate:"required,max=128"`
	To           string `json:"to_id" validate:"required,max=128"`
	RelationType string `json:"relation_type,omitempty" validate:"max=64"`
	UpdatedAt    int64  `json:"updated_at,omitempty"`
	RunID        string `json:"run_id,omitempty"`
}

// Key returns the edge identity.
func (e CanvasEdge) Key() EdgeKey {
	return EdgeKey{From: e.From, To: e.To}
}

// Participant is one connected collaborator as seen by presence.
type Participant struct {
	UserID      string `json:"user_id" validate:"required"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
	Cursor      *Point `json:"cursor"`
	Selection   *Range `json:"selection"`
	ActiveFile  string `json:"active_file,omitempty"`
	LastActive  int64  `json:"last_active"`
}

// Clone returns a deep copy of the participant.
func (p Participant) Clone() Participant {
	out := p
	if p.Cursor != nil {
		c := *p.Cursor
		out.Cursor = &c
	}
	if p.Selection != nil {
		s := *p.Selection
		out.Selection = &s
	}
	return out
}

// EditOperation is the kind of positional document edit.
type EditOperation string

const (
	EditInsert EditOperation = "insert"
	EditDelete EditOperation = "delete"
)
