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
	"fmt"
)

// RunType is the kind of agent execution.
type RunType string

const (
	RunExplore   RunType = "explore"
	RunFormalize RunType = "formalize"
	RunVerify    RunType = "verify"
	RunCritique  RunType = "critique"
	RunPipeline  RunType = "pipeline"
	RunChat      RunType = "chat"
)

// RunStatus is the lifecycle state of an agent run.
//
//	queued → running ⇄ paused → completed | failed | cancelled
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether s is absorbing.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a run may move from s to next. Staying in
// the same non-terminal state is allowed.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if s == next {
		return true
	}
	switch s {
	case RunQueued:
		return next != RunPaused
	case RunRunning:
		return next != RunQueued
	case RunPaused:
		return next != RunQueued
	}
	return false
}

// StepKind classifies a display-only reasoning step.
type StepKind string

const (
	StepThinking     StepKind = "thinking"
	StepRetrieval    StepKind = "retrieval"
	StepGeneration   StepKind = "generation"
	StepVerification StepKind = "verification"
	StepReflection   StepKind = "reflection"
)

// RunStep is one numbered reasoning step within a run.
type RunStep struct {
	Number  int      `json:"step_number"`
	Kind    StepKind `json:"step_type"`
	Content string   `json:"content,omitempty"`
}

// AgentRun is the observable state of one agent execution.
type AgentRun struct {
	ID             string          `json:"id"`
	WorkspaceID    string          `json:"workspace_id"`
	Type           RunType         `json:"type"`
	Prompt         string          `json:"prompt"`
	Status         RunStatus       `json:"status"`
	Progress       int             `json:"progress"`
	CurrentStep    string          `json:"current_step,omitempty"`
	Steps          []RunStep       `json:"steps"`
	CreatedNodeIDs []string        `json:"created_node_ids"`
	CreatedEdgeIDs []string        `json:"created_edge_ids"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      int64           `json:"created_at,omitempty"`
	UpdatedAt      int64           `json:"updated_at,omitempty"`
}

// Clone returns a deep copy of the run.
func (r AgentRun) Clone() AgentRun {
	out := r
	out.Steps = append([]RunStep(nil), r.Steps...)
	out.CreatedNodeIDs = append([]string(nil), r.CreatedNodeIDs...)
	out.CreatedEdgeIDs = append([]string(nil), r.CreatedEdgeIDs...)
	if r.Result != nil {
		out.Result = append(json.RawMessage(nil), r.Result...)
	}
	return out
}

// RunEventType discriminates agent-run stream frames.
type RunEventType string

const (
	RunEventState       RunEventType = "run_state"
	RunEventStatus      RunEventType = "status"
	RunEventProgress    RunEventType = "progress"
	RunEventNodeDraft   RunEventType = "node_draft"
	RunEventNodeCreated RunEventType = "node_created"
	RunEventEdgeCreated RunEventType = "edge_created"
	RunEventCompleted   RunEventType = "completed"
	RunEventFailed      RunEventType = "failed"
	RunEventCancelled   RunEventType = "cancelled"
)

// RunHeader carries the fields common to every run event.
type RunHeader struct {
	Kind      RunEventType `json:"type"`
	RunID     string       `json:"run_id" validate:"required,max=128"`
	Timestamp int64        `json:"timestamp,omitempty"`
}

func (h *RunHeader) Run() string { return h.RunID }

func (h *RunHeader) Time() int64 { return h.Timestamp }

// SetTime assigns the authoritative event time.
func (h *RunHeader) SetTime(ts int64) { h.Timestamp = ts }

func (h *RunHeader) runHeader() *RunHeader { return h }

// RunEvent is the closed set of agent-run stream frames.
type RunEvent interface {
	EventType() RunEventType
	Run() string
	Time() int64
	SetTime(ts int64)
	runHeader() *RunHeader
}

// RunStateEvent carries the full run state; sent when a stream opens.
type RunStateEvent struct {
	RunHeader
	State AgentRun `json:"run"`
}

func (*RunStateEvent) EventType() RunEventType { return RunEventState }

type StatusEvent struct {
	RunHeader
	Status      RunStatus `json:"status" validate:"required,oneof=queued running paused completed failed cancelled"`
	Progress    *int      `json:"progress,omitempty" validate:"omitempty,gte=0,lte=100"`
	CurrentStep string    `json:"current_step,omitempty" validate:"max=256"`
}

func (*StatusEvent) EventType() RunEventType { return RunEventStatus }

type ProgressEvent struct {
	RunHeader
	Progress    int    `json:"progress" validate:"gte=0,lte=100"`
	CurrentStep string `json:"current_step,omitempty" validate:"max=256"`
}

func (*ProgressEvent) EventType() RunEventType { return RunEventProgress }

// StepEvent is a display-only reasoning step. Its frame type is the step
// kind itself ("thinking", "retrieval", ...).
type StepEvent struct {
	RunHeader
	Number  int    `json:"step_number" validate:"gte=1"`
	Content string `json:"content,omitempty"`
}

// EventType returns the step kind the event was built with.
func (e *StepEvent) EventType() RunEventType { return e.Kind }

// StepType returns the step classification.
func (e *StepEvent) StepType() StepKind { return StepKind(e.Kind) }

// Step converts the event to its recorded form.
func (e *StepEvent) Step() RunStep {
	return RunStep{Number: e.Number, Kind: e.StepType(), Content: e.Content}
}

// NodeDraftEvent is a provisional node that lives only in the run overlay.
type NodeDraftEvent struct {
	RunHeader
	Node CanvasNode `json:"node"`
}

func (*NodeDraftEvent) EventType() RunEventType { return RunEventNodeDraft }

// NodeCreatedEvent commits a node into the shared graph.
type NodeCreatedEvent struct {
	RunHeader
	Node CanvasNode `json:"node"`
}

func (*NodeCreatedEvent) EventType() RunEventType { return RunEventNodeCreated }

// EdgeCreatedEvent commits an edge into the shared graph.
type EdgeCreatedEvent struct {
	RunHeader
	Edge CanvasEdge `json:"edge"`
}

func (*EdgeCreatedEvent) EventType() RunEventType { return RunEventEdgeCreated }

type CompletedEvent struct {
	RunHeader
	Result json.RawMessage `json:"result,omitempty"`
}

func (*CompletedEvent) EventType() RunEventType { return RunEventCompleted }

type FailedEvent struct {
	RunHeader
	Error string `json:"error" validate:"required"`
}

func (*FailedEvent) EventType() RunEventType { return RunEventFailed }

type CancelledEvent struct {
	RunHeader
}

func (*CancelledEvent) EventType() RunEventType { return RunEventCancelled }

var runEventConstructors = map[RunEventType]func() RunEvent{
	RunEventState:       func() RunEvent { return &RunStateEvent{} },
	RunEventStatus:      func() RunEvent { return &StatusEvent{} },
	RunEventProgress:    func() RunEvent { return &ProgressEvent{} },
	RunEventNodeDraft:   func() RunEvent { return &NodeDraftEvent{} },
	RunEventNodeCreated: func() RunEvent { return &NodeCreatedEvent{} },
	RunEventEdgeCreated: func() RunEvent { return &EdgeCreatedEvent{} },
	RunEventCompleted:   func() RunEvent { return &CompletedEvent{} },
	RunEventFailed:      func() RunEvent { return &FailedEvent{} },
	RunEventCancelled:   func() RunEvent { return &CancelledEvent{} },

	RunEventType(StepThinking):     func() RunEvent { return &StepEvent{} },
	RunEventType(StepRetrieval):    func() RunEvent { return &StepEvent{} },
	RunEventType(StepGeneration):   func() RunEvent { return &StepEvent{} },
	RunEventType(StepVerification): func() RunEvent { return &StepEvent{} },
	RunEventType(StepReflection):   func() RunEvent { return &StepEvent{} },
}

// IsStepType reports whether t is one of the display-only step kinds.
func IsStepType(t RunEventType) bool {
	switch StepKind(t) {
	case StepThinking, StepRetrieval, StepGeneration, StepVerification, StepReflection:
		return true
	}
	return false
}

// IsTerminalEvent reports whether ev ends its run.
func IsTerminalEvent(ev RunEvent) bool {
	switch e := ev.(type) {
	case *CompletedEvent, *FailedEvent, *CancelledEvent:
		return true
	case *StatusEvent:
		return e.Status.IsTerminal()
	}
	return false
}

// DecodeRunEvent parses one agent-run stream frame. Keep-alive frames must
// be filtered by the caller.
func DecodeRunEvent(frame []byte) (RunEvent, error) {
	kind, err := probeType(frame)
	if err != nil {
		return nil, err
	}
	ctor, ok := runEventConstructors[RunEventType(kind)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
	ev := ctor()
	if err := json.Unmarshal(frame, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, kind, err)
	}
	if err := validatePayload(ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, kind, err)
	}
	return ev, nil
}

// EncodeRunEvent serializes ev with its type discriminator set.
func EncodeRunEvent(ev RunEvent) ([]byte, error) {
	h := ev.runHeader()
	h.Kind = ev.EventType()
	if h.Kind == "" {
		return nil, fmt.Errorf("encode run event: missing type")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode run event %s: %w", h.Kind, err)
	}
	return data, nil
}

// NewStepEvent builds a step event of the given kind.
func NewStepEvent(runID string, kind StepKind, number int, content string) *StepEvent {
	return &StepEvent{
		RunHeader: RunHeader{Kind: RunEventType(kind), RunID: runID},
		Number:    number,
		Content:   content,
	}
}
