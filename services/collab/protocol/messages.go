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

import "errors"

// MessageType discriminates collaboration frames.
type MessageType string

const (
	TypeJoin       MessageType = "join"
	TypeLeave      MessageType = "leave"
	TypePresence   MessageType = "presence"
	TypeCursorMove MessageType = "cursor_move"
	TypeSelection  MessageType = "selection"
	TypeDocSync    MessageType = "doc_sync"
	TypeDocEdit    MessageType = "doc_edit"
	TypeDocSave    MessageType = "doc_save"
	TypeCanvasSync MessageType = "canvas_sync"
	TypeNodeCreate MessageType = "node_create"
	TypeNodeUpdate MessageType = "node_update"
	TypeNodeDelete MessageType = "node_delete"
	TypeNodeMove   MessageType = "node_move"
	TypeEdgeCreate MessageType = "edge_create"
	TypeEdgeDelete MessageType = "edge_delete"
	TypeError      MessageType = "error"
	TypeAck        MessageType = "ack"
)

// Header carries the fields common to every collaboration frame.
//
// FromUser is the originating actor and Timestamp the authoritative update
// time (Unix ms). Both are assigned by the hub; values sent by clients are
// overwritten.
type Header struct {
	Kind      MessageType `json:"type"`
	FromUser  string      `json:"from_user,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// Actor returns the originating actor id.
func (h *Header) Actor() string { return h.FromUser }

// Time returns the authoritative update time.
func (h *Header) Time() int64 { return h.Timestamp }

func (h *Header) header() *Header { return h }

// Message is the closed set of collaboration frames. Every variant is used
// by pointer.
type Message interface {
	Type() MessageType
	Actor() string
	Time() int64
	header() *Header
}

// Stamp assigns the originating actor and authoritative time to m.
func Stamp(m Message, actor string, ts int64) {
	h := m.header()
	h.FromUser = actor
	h.Timestamp = ts
}

// RequiresActor reports whether frames of type t must name their
// originating actor when delivered to clients.
func RequiresActor(t MessageType) bool {
	switch t {
	case TypePresence, TypeError, TypeAck:
		return false
	}
	return true
}

// IsGraphMutation reports whether t mutates canvas nodes or edges.
func IsGraphMutation(t MessageType) bool {
	switch t {
	case TypeNodeCreate, TypeNodeUpdate, TypeNodeDelete, TypeNodeMove,
		TypeEdgeCreate, TypeEdgeDelete:
		return true
	}
	return false
}

type Join struct {
	Header
	DisplayName string `json:"display_name,omitempty" validate:"max=128"`
	Color       string `json:"color,omitempty" validate:"max=32"`
}

func (*Join) Type() MessageType { return TypeJoin }

type Leave struct {
	Header
}

func (*Leave) Type() MessageType { return TypeLeave }

// Presence is a full participant snapshot; receivers replace their roster.
type Presence struct {
	Header
	Users []Participant `json:"users" validate:"dive"`
}

func (*Presence) Type() MessageType { return TypePresence }

type CursorMove struct {
	Header
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	File string  `json:"file,omitempty"`
}

func (*CursorMove) Type() MessageType { return TypeCursorMove }

// Selection upserts the actor's selection. A frame without bounds clears it.
type Selection struct {
	Header
	Path  string `json:"path,omitempty"`
	Start *int   `json:"start,omitempty" validate:"omitempty,gte=0"`
	End   *int   `json:"end,omitempty" validate:"omitempty,gte=0"`
}

func (*Selection) Type() MessageType { return TypeSelection }

// HasBounds reports whether both selection bounds are present.
func (s *Selection) HasBounds() bool { return s.Start != nil && s.End != nil }

// Bounds returns the selection range; only meaningful when HasBounds is true.
func (s *Selection) Bounds() Range {
	if !s.HasBounds() {
		return Range{}
	}
	return Range{Start: *s.Start, End: *s.End}
}

func (s *Selection) check() error {
	if s.HasBounds() && *s.End < *s.Start {
		return errors.New("selection end precedes start")
	}
	return nil
}

// DocSync is a full-content baseline for one document path.
type DocSync struct {
	Header
	Path    string `json:"path" validate:"required,max=1024"`
	Content string `json:"content"`
}

func (*DocSync) Type() MessageType { return TypeDocSync }

// DocEdit is one positional operation against the last DocSync baseline.
type DocEdit struct {
	Header
	Path      string        `json:"path" validate:"required,max=1024"`
	Operation EditOperation `json:"operation" validate:"required,oneof=insert delete"`
	Position  int           `json:"position" validate:"gte=0"`
	Text      string        `json:"text,omitempty"`
	Length    int           `json:"length,omitempty" validate:"gte=0"`
}

func (*DocEdit) Type() MessageType { return TypeDocEdit }

func (e *DocEdit) check() error {
	if e.Operation == EditDelete && e.Length == 0 {
		return errors.New("delete requires a positive length")
	}
	return nil
}

// DocSave asks for the document to be checkpointed to the document store.
type DocSave struct {
	Header
	Path string `json:"path" validate:"required,max=1024"`
}

func (*DocSave) Type() MessageType { return TypeDocSave }

// CanvasSync is a full canvas snapshot. Sent by clients with no payload it
// is a resync request.
type CanvasSync struct {
	Header
	Nodes []CanvasNode `json:"nodes" validate:"dive"`
	Edges []CanvasEdge `json:"edges" validate:"dive"`
}

func (*CanvasSync) Type() MessageType { return TypeCanvasSync }

type NodeCreate struct {
	Header
	Node CanvasNode `json:"node"`
}

func (*NodeCreate) Type() MessageType { return TypeNodeCreate }

type NodeUpdate struct {
	Header
	Node CanvasNode `json:"node"`
}

func (*NodeUpdate) Type() MessageType { return TypeNodeUpdate }

type NodeDelete struct {
	Header
	ID string `json:"id" validate:"required,max=128"`
}

func (*NodeDelete) Type() MessageType { return TypeNodeDelete }

// NodeMove is the high-frequency position-only variant of NodeUpdate.
type NodeMove struct {
	Header
	ID string  `json:"id" validate:"required,max=128"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

func (*NodeMove) Type() MessageType { return TypeNodeMove }

type EdgeCreate struct {
	Header
	Edge CanvasEdge `json:"edge"`
}

func (*EdgeCreate) Type() MessageType { return TypeEdgeCreate }

type EdgeDelete struct {
	Header
	From string `json:"from_id" validate:"required,max=128"`
	To   string `json:"to_id" validate:"required,max=128"`
}

func (*EdgeDelete) Type() MessageType { return TypeEdgeDelete }

// Key returns the identity of the deleted edge.
func (e *EdgeDelete) Key() EdgeKey { return EdgeKey{From: e.From, To: e.To} }

// ErrorMessage is a protocol-level notice. It never closes the connection.
type ErrorMessage struct {
	Header
	Code    string `json:"code,omitempty"`
	Message string `json:"message" validate:"required"`
}

func (*ErrorMessage) Type() MessageType { return TypeError }

// Ack acknowledges a request such as doc_save. Ref names the acknowledged type.
type Ack struct {
	Header
	Ref  MessageType `json:"ref,omitempty"`
	Path string      `json:"path,omitempty"`
}

func (*Ack) Type() MessageType { return TypeAck }
