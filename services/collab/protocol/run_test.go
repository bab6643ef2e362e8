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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatus_Transitions(t *testing.T) {
	tests := []struct {
		from RunStatus
		to   RunStatus
		want bool
	}{
		{RunQueued, RunRunning, true},
		{RunQueued, RunPaused, false},
		{RunQueued, RunCancelled, true},
		{RunRunning, RunPaused, true},
		{RunRunning, RunQueued, false},
		{RunRunning, RunRunning, true},
		{RunPaused, RunRunning, true},
		{RunPaused, RunFailed, true},
		{RunCompleted, RunRunning, false},
		{RunFailed, RunFailed, false},
		{RunCancelled, RunCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestDecodeRunEvent_Step(t *testing.T) {
	ev, err := DecodeRunEvent([]byte(`{"type":"thinking","run_id":"r1","step_number":1,"content":"consider the base case"}`))
	require.NoError(t, err)

	step, ok := ev.(*StepEvent)
	require.True(t, ok)
	assert.Equal(t, StepThinking, step.StepType())
	assert.Equal(t, RunStep{Number: 1, Kind: StepThinking, Content: "consider the base case"}, step.Step())
	assert.Equal(t, "r1", step.Run())
}

func TestDecodeRunEvent_Errors(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr error
	}{
		{"keep-alive", `pong`, ErrMalformedFrame},
		{"unknown", `{"type":"teleport","run_id":"r1"}`, ErrUnknownType},
		{"missing run id", `{"type":"progress","progress":5}`, ErrInvalidPayload},
		{"progress out of range", `{"type":"progress","run_id":"r1","progress":140}`, ErrInvalidPayload},
		{"bad status", `{"type":"status","run_id":"r1","status":"sleeping"}`, ErrInvalidPayload},
		{"failed without error", `{"type":"failed","run_id":"r1"}`, ErrInvalidPayload},
		{"step zero", `{"type":"retrieval","run_id":"r1","step_number":0}`, ErrInvalidPayload},
		{"draft without node id", `{"type":"node_draft","run_id":"r1","node":{"type":"lemma"}}`, ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRunEvent([]byte(tt.frame))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEncodeRunEvent(t *testing.T) {
	t.Run("canonical type", func(t *testing.T) {
		ev := &NodeCreatedEvent{
			RunHeader: RunHeader{RunID: "r1"},
			Node:      CanvasNode{ID: "n1", Type: "lemma"},
		}
		data, err := EncodeRunEvent(ev)
		require.NoError(t, err)

		back, err := DecodeRunEvent(data)
		require.NoError(t, err)
		created, ok := back.(*NodeCreatedEvent)
		require.True(t, ok)
		assert.Equal(t, RunEventNodeCreated, created.EventType())
		assert.Equal(t, "n1", created.Node.ID)
	})

	t.Run("step keeps kind", func(t *testing.T) {
		data, err := EncodeRunEvent(NewStepEvent("r1", StepReflection, 3, "check"))
		require.NoError(t, err)
		assert.Contains(t, string(data), `"type":"reflection"`)
	})

	t.Run("step without kind", func(t *testing.T) {
		_, err := EncodeRunEvent(&StepEvent{RunHeader: RunHeader{RunID: "r1"}, Number: 1})
		assert.Error(t, err)
	})
}

func TestIsTerminalEvent(t *testing.T) {
	assert.True(t, IsTerminalEvent(&CompletedEvent{}))
	assert.True(t, IsTerminalEvent(&FailedEvent{Error: "x"}))
	assert.True(t, IsTerminalEvent(&CancelledEvent{}))
	assert.True(t, IsTerminalEvent(&StatusEvent{Status: RunFailed}))
	assert.False(t, IsTerminalEvent(&StatusEvent{Status: RunPaused}))
	assert.False(t, IsTerminalEvent(&ProgressEvent{Progress: 100}))
}

func TestAgentRun_CloneIsDeep(t *testing.T) {
	r := AgentRun{ID: "r1", Steps: []RunStep{{Number: 1}}, CreatedNodeIDs: []string{"n1"}}
	c := r.Clone()
	c.Steps[0].Number = 7
	c.CreatedNodeIDs[0] = "x"
	assert.Equal(t, 1, r.Steps[0].Number)
	assert.Equal(t, "n1", r.CreatedNodeIDs[0])
}
