// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runhub is the server side of the agent-run channel.
//
// # Description
//
// The Manager owns every agent run. Runs are created and cancelled by
// collaborators over REST; their events arrive from the external agent
// backend and are folded through the same runs.Tracker state machine the
// client uses, so terminal states absorb and progress never decreases on
// both ends. Accepted events are persisted, stamped with a server time, and
// fanned out to the run's event stream and, for status-class events, to the
// workspace status stream. Committed nodes and edges are written into the
// workspace room before the event goes out.
//
// # Thread Safety
//
// Manager is safe for concurrent use. Event ingestion is serialized so
// every subscriber observes the same event order.
package runhub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/canvassync/pkg/extensions"
	"github.com/AleutianAI/canvassync/services/collab/observability"
	"github.com/AleutianAI/canvassync/services/collab/protocol"
	"github.com/AleutianAI/canvassync/services/collab/runs"
	"github.com/AleutianAI/canvassync/services/collab/telemetry"
	"github.com/AleutianAI/canvassync/services/collab/wsutil"
)

const tracerName = "canvassync.runhub"

var (
	// ErrNotFound is returned for an unknown run id.
	ErrNotFound = errors.New("run not found")

	// ErrInvalidRequest wraps create requests that fail validation.
	ErrInvalidRequest = errors.New("invalid run request")

	// ErrServerEvent is returned when the backend posts an event type only
	// the server may produce.
	ErrServerEvent = errors.New("event type is produced by the server")
)

// Committer writes run output into workspace state. hub.Hub implements it.
type Committer interface {
	CommitNode(ctx context.Context, workspaceID string, node protocol.CanvasNode) (protocol.CanvasNode, error)
	CommitEdge(ctx context.Context, workspaceID string, edge protocol.CanvasEdge) (protocol.CanvasEdge, error)
}

// Store persists runs. storage.Store implements it.
type Store interface {
	PutRun(ctx context.Context, run protocol.AgentRun) error
	LoadRuns(ctx context.Context) ([]protocol.AgentRun, error)
}

// Config configures a Manager.
type Config struct {
	Committer Committer
	Store     Store

	Audit      extensions.AuditLogger
	Metrics    *observability.Metrics
	RunMetrics *telemetry.RunMetrics
	Logger     *slog.Logger

	Now func() time.Time
}

// Manager tracks runs and fans their events out to subscribers.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	tracker *runs.Tracker

	// mu serializes event application and guards the subscriber sets.
	mu      sync.Mutex
	clock   int64
	runSubs map[string]map[*wsutil.Peer]struct{}
	wsSubs  map[string]map[*wsutil.Peer]struct{}
}

// New creates a manager with no runs. Call Restore to load persisted runs.
func New(cfg Config) *Manager {
	if cfg.Audit == nil {
		cfg.Audit = extensions.NopAuditLogger{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "runhub"),
		tracker: runs.NewTracker(),
		runSubs: make(map[string]map[*wsutil.Peer]struct{}),
		wsSubs:  make(map[string]map[*wsutil.Peer]struct{}),
	}
}

// Restore loads every persisted run into the tracker.
func (m *Manager) Restore(ctx context.Context) error {
	if m.cfg.Store == nil {
		return nil
	}
	all, err := m.cfg.Store.LoadRuns(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range all {
		m.tracker.Track(run)
		if run.UpdatedAt > m.clock {
			m.clock = run.UpdatedAt
		}
	}
	m.logger.Info("runs restored", "count", len(all))
	return nil
}

// Create starts a queued run.
//
// # Inputs
//
//   - ctx: Carries the request span.
//   - userID: The requesting collaborator, for auditing.
//   - req: Workspace, run type, and prompt.
//
// # Outputs
//
//   - protocol.AgentRun: The new run with a ULID id.
//   - error: Wraps ErrInvalidRequest for a bad request, or a store error.
func (m *Manager) Create(ctx context.Context, userID string, req runs.CreateRequest) (protocol.AgentRun, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "runhub.Create")
	defer span.End()

	if err := req.Validate(); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		telemetry.RecordError(span, err)
		return protocol.AgentRun{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.tick()
	run := m.tracker.Track(protocol.AgentRun{
		ID:             ulid.Make().String(),
		WorkspaceID:    req.WorkspaceID,
		Type:           req.Type,
		Prompt:         req.Prompt,
		Status:         protocol.RunQueued,
		Steps:          []protocol.RunStep{},
		CreatedNodeIDs: []string{},
		CreatedEdgeIDs: []string{},
		CreatedAt:      ts,
		UpdatedAt:      ts,
	})
	span.SetAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.type", string(run.Type)),
		attribute.String("workspace.id", run.WorkspaceID),
	)
	if err := m.persist(ctx, run); err != nil {
		m.tracker.Forget(run.ID)
		telemetry.RecordError(span, err)
		return protocol.AgentRun{}, err
	}

	m.cfg.Metrics.RecordRunTransition(string(run.Status))
	m.audit(ctx, "run.create", userID, run)
	m.logger.Info("run created", "run_id", run.ID, "run_type", run.Type, "workspace_id", run.WorkspaceID)

	status := &protocol.StatusEvent{RunHeader: protocol.RunHeader{RunID: run.ID, Timestamp: ts}, Status: run.Status}
	m.fanOutLocked(run, status)
	telemetry.SetSpanOK(span)
	return run, nil
}

// Cancel moves a run to cancelled and emits the terminal event. Cancelling
// a run that already finished returns it unchanged.
func (m *Manager) Cancel(ctx context.Context, userID, runID string) (protocol.AgentRun, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "runhub.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tracker.Get(runID)
	if !ok {
		return protocol.AgentRun{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if cur.Status.IsTerminal() {
		return cur, nil
	}
	run, err := m.applyLocked(ctx, &protocol.CancelledEvent{RunHeader: protocol.RunHeader{RunID: runID}})
	if err != nil {
		telemetry.RecordError(span, err)
		return run, err
	}
	m.audit(ctx, "run.cancel", userID, run)
	telemetry.SetSpanOK(span)
	return run, nil
}

// Ingest applies one event posted by the agent backend.
//
// # Outputs
//
//   - protocol.AgentRun: The run after the event (unchanged on error).
//   - error: ErrNotFound, ErrServerEvent, or a tracker error
//     (runs.ErrRunTerminal, runs.ErrInvalidTransition, runs.ErrDuplicate).
func (m *Manager) Ingest(ctx context.Context, ev protocol.RunEvent) (protocol.AgentRun, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "runhub.Ingest")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", ev.Run()),
		attribute.String("run.event", string(ev.EventType())),
	)

	if ev.EventType() == protocol.RunEventState {
		return protocol.AgentRun{}, ErrServerEvent
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tracker.Get(ev.Run()); !ok {
		return protocol.AgentRun{}, fmt.Errorf("%w: %s", ErrNotFound, ev.Run())
	}
	run, err := m.applyLocked(ctx, ev)
	if err != nil {
		telemetry.RecordError(span, err)
		return run, err
	}
	telemetry.SetSpanOK(span)
	return run, nil
}

// applyLocked commits graph output, folds ev into the tracker, persists,
// and fans out. Caller holds m.mu.
func (m *Manager) applyLocked(ctx context.Context, ev protocol.RunEvent) (protocol.AgentRun, error) {
	prev, _ := m.tracker.Get(ev.Run())
	if prev.Status.IsTerminal() {
		return prev, fmt.Errorf("%w: %s is %s", runs.ErrRunTerminal, prev.ID, prev.Status)
	}
	ev.SetTime(m.tick())

	switch e := ev.(type) {
	case *protocol.NodeDraftEvent:
		e.Node.RunID = prev.ID
	case *protocol.NodeCreatedEvent:
		if slices.Contains(prev.CreatedNodeIDs, e.Node.ID) {
			return prev, fmt.Errorf("%w: node %s", runs.ErrDuplicate, e.Node.ID)
		}
		e.Node.RunID = prev.ID
		if m.cfg.Committer != nil {
			node, err := m.cfg.Committer.CommitNode(ctx, prev.WorkspaceID, e.Node)
			if err != nil {
				return prev, fmt.Errorf("commit node %s: %w", e.Node.ID, err)
			}
			e.Node = node
		}
		m.cfg.RunMetrics.RecordCommit(ctx, "node")
	case *protocol.EdgeCreatedEvent:
		if slices.Contains(prev.CreatedEdgeIDs, e.Edge.Key().String()) {
			return prev, fmt.Errorf("%w: edge %s", runs.ErrDuplicate, e.Edge.Key())
		}
		e.Edge.RunID = prev.ID
		if m.cfg.Committer != nil {
			edge, err := m.cfg.Committer.CommitEdge(ctx, prev.WorkspaceID, e.Edge)
			if err != nil {
				return prev, fmt.Errorf("commit edge %s: %w", e.Edge.Key(), err)
			}
			e.Edge = edge
		}
		m.cfg.RunMetrics.RecordCommit(ctx, "edge")
	}

	run, err := m.tracker.Apply(ev)
	if err != nil {
		return run, err
	}
	if err := m.persist(ctx, run); err != nil {
		m.logger.Error("persist run failed", "run_id", run.ID, "error", err)
	}

	m.cfg.Metrics.RecordRunEvent(string(ev.EventType()))
	if run.Status != prev.Status {
		m.cfg.Metrics.RecordRunTransition(string(run.Status))
		m.logger.Info("run status changed", "run_id", run.ID, "from", prev.Status, "to", run.Status)
	}
	if run.Status.IsTerminal() {
		elapsed := time.Duration(run.UpdatedAt-run.CreatedAt) * time.Millisecond
		m.cfg.RunMetrics.RecordFinished(ctx, string(run.Type), string(run.Status), elapsed)
	}
	m.fanOutLocked(run, ev)
	return run, nil
}

// Get returns the current state of a run.
func (m *Manager) Get(runID string) (protocol.AgentRun, error) {
	run, ok := m.tracker.Get(runID)
	if !ok {
		return protocol.AgentRun{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return run, nil
}

// List returns the runs of a workspace, oldest first.
func (m *Manager) List(workspaceID string) []protocol.AgentRun {
	out := []protocol.AgentRun{}
	for _, run := range m.tracker.List() {
		if run.WorkspaceID == workspaceID {
			out = append(out, run)
		}
	}
	return out
}

func (m *Manager) tick() int64 {
	now := m.cfg.Now().UnixMilli()
	if now <= m.clock {
		now = m.clock + 1
	}
	m.clock = now
	return now
}

func (m *Manager) persist(ctx context.Context, run protocol.AgentRun) error {
	if m.cfg.Store == nil {
		return nil
	}
	if err := m.cfg.Store.PutRun(context.WithoutCancel(ctx), run); err != nil {
		return fmt.Errorf("persist run %s: %w", run.ID, err)
	}
	return nil
}

func (m *Manager) audit(ctx context.Context, action, userID string, run protocol.AgentRun) {
	err := m.cfg.Audit.Log(ctx, extensions.AuditEvent{
		EventType:    action,
		UserID:       userID,
		ResourceType: "run",
		ResourceID:   run.ID,
		Outcome:      "success",
		Metadata: map[string]any{
			"workspace_id": run.WorkspaceID,
			"run_type":     string(run.Type),
		},
	})
	if err != nil {
		m.logger.Warn("audit log failed", "action", action, "error", err)
	}
}
