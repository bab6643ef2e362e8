// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runs

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/canvassync/services/collab/protocol"
)

var (
	// ErrRunTerminal is returned for events on a completed, failed, or
	// cancelled run. Such events must be discarded.
	ErrRunTerminal = errors.New("run is terminal")

	// ErrInvalidTransition is returned for a status change the run state
	// machine does not allow.
	ErrInvalidTransition = errors.New("invalid run transition")

	// ErrDuplicate is returned for a step number, node, or edge the run has
	// already recorded.
	ErrDuplicate = errors.New("duplicate run event")
)

// Tracker holds the observable state of agent runs and enforces the run
// state machine. Safe for concurrent use.
//
// Terminal states are absorbing. Progress never decreases. Steps are
// unique by step number and node/edge creations by id.
type Tracker struct {
	mu   sync.RWMutex
	runs map[string]*protocol.AgentRun
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]*protocol.AgentRun)}
}

// Track registers a run, typically from a create response. A run already
// tracked is left untouched.
func (t *Tracker) Track(run protocol.AgentRun) protocol.AgentRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.runs[run.ID]; ok {
		return cur.Clone()
	}
	r := run.Clone()
	if r.Status == "" {
		r.Status = protocol.RunQueued
	}
	t.runs[r.ID] = &r
	return r.Clone()
}

// Get returns a copy of a tracked run.
func (t *Tracker) Get(id string) (protocol.AgentRun, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.runs[id]
	if !ok {
		return protocol.AgentRun{}, false
	}
	return r.Clone(), true
}

// List returns copies of every run, oldest first.
func (t *Tracker) List() []protocol.AgentRun {
	t.mu.RLock()
	out := make([]protocol.AgentRun, 0, len(t.runs))
	for _, r := range t.runs {
		out = append(out, r.Clone())
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Forget drops a run from the tracker.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	delete(t.runs, id)
	t.mu.Unlock()
}

// Apply folds one event into its run.
//
// # Description
//
// Unknown run ids are tracked on first sight in the queued state. Events
// for a terminal run fail with ErrRunTerminal and change nothing. A
// progress value lower than the current one is ignored; the rest of the
// event still applies.
//
// # Outputs
//
//   - protocol.AgentRun: The run after the event.
//   - error: ErrRunTerminal, ErrInvalidTransition, or ErrDuplicate. The
//     run is unchanged on error.
func (t *Tracker) Apply(ev protocol.RunEvent) (protocol.AgentRun, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := ev.Run()
	cur, ok := t.runs[id]
	if !ok {
		cur = &protocol.AgentRun{ID: id, Status: protocol.RunQueued}
		t.runs[id] = cur
	}
	if cur.Status.IsTerminal() {
		return cur.Clone(), fmt.Errorf("%w: %s is %s", ErrRunTerminal, id, cur.Status)
	}

	next := cur.Clone()
	if err := fold(&next, ev); err != nil {
		return cur.Clone(), err
	}
	if ts := ev.Time(); ts > next.UpdatedAt {
		next.UpdatedAt = ts
	}
	*cur = next
	return next.Clone(), nil
}

// AcknowledgeCancel marks a run cancelled once the server accepted the
// cancellation. Every later event for it is rejected with ErrRunTerminal.
func (t *Tracker) AcknowledgeCancel(id string) protocol.AgentRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.runs[id]
	if !ok {
		cur = &protocol.AgentRun{ID: id}
		t.runs[id] = cur
	}
	if !cur.Status.IsTerminal() {
		cur.Status = protocol.RunCancelled
	}
	return cur.Clone()
}

func fold(run *protocol.AgentRun, ev protocol.RunEvent) error {
	switch e := ev.(type) {
	case *protocol.RunStateEvent:
		// Snapshots are authoritative: any status is taken as-is. Terminal
		// absorption is checked by Apply and progress stays monotonic.
		state := e.State
		progress := max(run.Progress, state.Progress)
		steps := mergeSteps(run.Steps, state.Steps)
		*run = state.Clone()
		run.ID = ev.Run()
		run.Progress = progress
		run.Steps = steps
		if run.Status == "" {
			run.Status = protocol.RunQueued
		}

	case *protocol.StatusEvent:
		if !run.Status.CanTransition(e.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, run.Status, e.Status)
		}
		run.Status = e.Status
		if e.Progress != nil {
			setProgress(run, *e.Progress)
		}
		if e.CurrentStep != "" {
			run.CurrentStep = e.CurrentStep
		}
		if e.Status == protocol.RunCompleted {
			run.Progress = 100
		}

	case *protocol.ProgressEvent:
		setProgress(run, e.Progress)
		if e.CurrentStep != "" {
			run.CurrentStep = e.CurrentStep
		}

	case *protocol.StepEvent:
		for _, s := range run.Steps {
			if s.Number == e.Number {
				return fmt.Errorf("%w: step %d", ErrDuplicate, e.Number)
			}
		}
		run.Steps = mergeSteps(run.Steps, []protocol.RunStep{e.Step()})

	case *protocol.NodeDraftEvent:
		// Drafts live in the client overlay only.

	case *protocol.NodeCreatedEvent:
		if contains(run.CreatedNodeIDs, e.Node.ID) {
			return fmt.Errorf("%w: node %s", ErrDuplicate, e.Node.ID)
		}
		run.CreatedNodeIDs = append(run.CreatedNodeIDs, e.Node.ID)

	case *protocol.EdgeCreatedEvent:
		key := e.Edge.Key().String()
		if contains(run.CreatedEdgeIDs, key) {
			return fmt.Errorf("%w: edge %s", ErrDuplicate, key)
		}
		run.CreatedEdgeIDs = append(run.CreatedEdgeIDs, key)

	case *protocol.CompletedEvent:
		run.Status = protocol.RunCompleted
		run.Progress = 100
		if e.Result != nil {
			run.Result = append([]byte(nil), e.Result...)
		}

	case *protocol.FailedEvent:
		run.Status = protocol.RunFailed
		run.Error = e.Error

	case *protocol.CancelledEvent:
		run.Status = protocol.RunCancelled
	}
	return nil
}

func setProgress(run *protocol.AgentRun, p int) {
	if p > run.Progress {
		run.Progress = min(p, 100)
	}
}

func mergeSteps(have, add []protocol.RunStep) []protocol.RunStep {
	seen := make(map[int]struct{}, len(have)+len(add))
	out := make([]protocol.RunStep, 0, len(have)+len(add))
	for _, s := range append(append([]protocol.RunStep(nil), have...), add...) {
		if _, dup := seen[s.Number]; dup {
			continue
		}
		seen[s.Number] = struct{}{}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
