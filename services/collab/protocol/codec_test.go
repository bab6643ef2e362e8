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

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_NodeMove(t *testing.T) {
	frame := []byte(`{"type":"node_move","from_user":"bob","timestamp":200,"id":"n1","x":10.5,"y":-3}`)

	msg, err := Decode(frame)
	require.NoError(t, err)

	move, ok := msg.(*NodeMove)
	require.True(t, ok, "expected *NodeMove, got %T", msg)
	assert.Equal(t, "n1", move.ID)
	assert.Equal(t, 10.5, move.X)
	assert.Equal(t, -3.0, move.Y)
	assert.Equal(t, "bob", move.Actor())
	assert.Equal(t, int64(200), move.Time())
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr error
	}{
		{"not json", `ping`, ErrMalformedFrame},
		{"array", `[1,2]`, ErrMalformedFrame},
		{"missing type", `{"id":"n1"}`, ErrMalformedFrame},
		{"unknown type", `{"type":"teleport","from_user":"a"}`, ErrUnknownType},
		{"wrong field type", `{"type":"node_move","from_user":"a","id":"n1","x":"left"}`, ErrMalformedFrame},
		{"node move without id", `{"type":"node_move","from_user":"a","x":1,"y":2}`, ErrInvalidPayload},
		{"node create without type", `{"type":"node_create","from_user":"a","node":{"id":"n1"}}`, ErrInvalidPayload},
		{"edit with bad op", `{"type":"doc_edit","from_user":"a","path":"a.lean","operation":"replace","position":0}`, ErrInvalidPayload},
		{"delete without length", `{"type":"doc_edit","from_user":"a","path":"a.lean","operation":"delete","position":0}`, ErrInvalidPayload},
		{"negative position", `{"type":"doc_edit","from_user":"a","path":"a.lean","operation":"insert","position":-1,"text":"x"}`, ErrInvalidPayload},
		{"inverted selection", `{"type":"selection","from_user":"a","start":5,"end":2}`, ErrInvalidPayload},
		{"presence user without id", `{"type":"presence","users":[{"display_name":"x"}]}`, ErrInvalidPayload},
		{"mutation without actor", `{"type":"node_delete","id":"n1"}`, ErrMissingActor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDecode_ActorOptionalTypes(t *testing.T) {
	for _, frame := range []string{
		`{"type":"presence","users":[]}`,
		`{"type":"error","message":"rate limited"}`,
		`{"type":"ack","ref":"doc_save","path":"a.lean"}`,
	} {
		_, err := Decode([]byte(frame))
		assert.NoError(t, err, frame)
	}
}

func TestDecodeClientFrame_NoActorRequired(t *testing.T) {
	msg, err := DecodeClientFrame([]byte(`{"type":"node_delete","id":"n1"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeNodeDelete, msg.Type())
	assert.Empty(t, msg.Actor())
}

func TestEncode_SetsDiscriminator(t *testing.T) {
	msg := &EdgeDelete{From: "a", To: "b"}
	Stamp(msg, "alice", 42)

	data, err := Encode(msg)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "edge_delete", raw["type"])
	assert.Equal(t, "alice", raw["from_user"])
	assert.Equal(t, "a", raw["from_id"])
	assert.Equal(t, "b", raw["to_id"])

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, EdgeKey{From: "a", To: "b"}, back.(*EdgeDelete).Key())
}

func TestSelection_Bounds(t *testing.T) {
	start, end := 2, 9
	withBounds := &Selection{Start: &start, End: &end}
	assert.True(t, withBounds.HasBounds())
	assert.Equal(t, Range{Start: 2, End: 9}, withBounds.Bounds())

	cleared := &Selection{Start: &start}
	assert.False(t, cleared.HasBounds())
	assert.Equal(t, Range{}, cleared.Bounds())
}

func TestRequiresActor(t *testing.T) {
	assert.False(t, RequiresActor(TypePresence))
	assert.False(t, RequiresActor(TypeError))
	assert.False(t, RequiresActor(TypeAck))
	assert.True(t, RequiresActor(TypeNodeMove))
	assert.True(t, RequiresActor(TypeCanvasSync))
	assert.True(t, RequiresActor(TypeJoin))
}

func TestIsGraphMutation(t *testing.T) {
	assert.True(t, IsGraphMutation(TypeNodeMove))
	assert.True(t, IsGraphMutation(TypeEdgeDelete))
	assert.False(t, IsGraphMutation(TypeCanvasSync))
	assert.False(t, IsGraphMutation(TypeDocEdit))
}

func TestKeepAlive(t *testing.T) {
	assert.True(t, IsPing([]byte("ping")))
	assert.True(t, IsPong([]byte(" pong\n")))
	assert.True(t, IsKeepAlive([]byte("pong")))
	assert.False(t, IsKeepAlive([]byte(`{"type":"ping"}`)))
}

func TestCanvasNode_CloneIsDeep(t *testing.T) {
	n := CanvasNode{ID: "n1", Type: "lemma", Size: &Size{Width: 10, Height: 5}, DependencyIDs: []string{"a"}}
	c := n.Clone()
	c.Size.Width = 99
	c.DependencyIDs[0] = "z"

	assert.Equal(t, 10.0, n.Size.Width)
	assert.Equal(t, "a", n.DependencyIDs[0])
}
