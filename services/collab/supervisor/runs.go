// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/canvassync/services/collab/protocol"
	"github.com/AleutianAI/canvassync/services/collab/reconcile"
	"github.com/AleutianAI/canvassync/services/collab/runs"
	"github.com/AleutianAI/canvassync/services/collab/transport"
)

// CreateRun starts an agent run in this workspace and opens its stream.
func (s *Supervisor) CreateRun(ctx context.Context, typ protocol.RunType, prompt string) (protocol.AgentRun, error) {
	if s.isDisposed() {
		return protocol.AgentRun{}, ErrDisposed
	}
	if s.client == nil {
		return protocol.AgentRun{}, ErrNoRunAPI
	}
	run, err := s.client.Create(ctx, runs.CreateRequest{
		WorkspaceID: s.cfg.WorkspaceID,
		Type:        typ,
		Prompt:      prompt,
	})
	if err != nil {
		return protocol.AgentRun{}, err
	}
	run = s.tracker.Track(run)
	s.logger.Info("run created", "run_id", run.ID, "run_type", run.Type)
	if _, err := s.WatchRun(run.ID); err != nil {
		return run, err
	}
	return run, nil
}

// WatchRun opens the event stream of one run. Watching a run twice reuses
// the open stream.
func (s *Supervisor) WatchRun(runID string) (*runs.Channel, error) {
	target, err := runs.StreamURL(s.cfg.BaseURL, runID)
	if err != nil {
		return nil, fmt.Errorf("build run stream url: %w", err)
	}
	return s.openStream(runID, target)
}

// WatchWorkspaceRuns opens the workspace-wide run status stream.
func (s *Supervisor) WatchWorkspaceRuns() (*runs.Channel, error) {
	target, err := runs.WorkspaceURL(s.cfg.BaseURL, s.cfg.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("build workspace stream url: %w", err)
	}
	return s.openStream(WorkspaceStream, target)
}

func (s *Supervisor) openStream(streamID, target string) (*runs.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil, ErrDisposed
	}
	if ch, ok := s.streams[streamID]; ok {
		return ch, nil
	}
	ch := runs.NewChannel(runs.ChannelConfig{
		URL:       target,
		Token:     s.cfg.Token,
		KeepAlive: s.cfg.RunKeepAlive,
		Dialer:    s.cfg.Dialer,
		Clock:     s.cfg.Clock,
		Logger:    s.logger.With("stream", streamID),
		OnState: func(state transport.State, err error) {
			if h := s.current(); h.OnRunState != nil {
				h.OnRunState(streamID, state, err)
			}
		},
	}, s.dispatchRun)
	s.streams[streamID] = ch
	ch.Start()
	return ch, nil
}

// closeStream disposes a run stream once it has nothing more to deliver.
func (s *Supervisor) closeStream(streamID string) {
	s.mu.Lock()
	ch, ok := s.streams[streamID]
	delete(s.streams, streamID)
	s.mu.Unlock()
	if ok {
		ch.Dispose()
	}
}

// CancelRun asks the server to cancel a run. Once the server acknowledges,
// the run is terminal locally and every later event for it is ignored.
func (s *Supervisor) CancelRun(ctx context.Context, runID string) (protocol.AgentRun, error) {
	if s.isDisposed() {
		return protocol.AgentRun{}, ErrDisposed
	}
	if s.client == nil {
		return protocol.AgentRun{}, ErrNoRunAPI
	}
	if _, err := s.client.Cancel(ctx, runID); err != nil {
		return protocol.AgentRun{}, err
	}

	s.dispatchMu.Lock()
	run := s.tracker.AcknowledgeCancel(runID)
	s.rec.CloseRun(runID)
	s.dispatchMu.Unlock()

	s.closeStream(runID)
	s.logger.Info("run cancel acknowledged", "run_id", runID, "status", run.Status)
	return run, nil
}

// Run returns the tracked state of one run.
func (s *Supervisor) Run(runID string) (protocol.AgentRun, bool) { return s.tracker.Get(runID) }

// Runs returns every tracked run, oldest first.
func (s *Supervisor) Runs() []protocol.AgentRun { return s.tracker.List() }

// dispatchRun folds one run event through the tracker and then into the
// reconciler. Events the tracker rejects never reach the graph.
func (s *Supervisor) dispatchRun(ev protocol.RunEvent) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	if s.isDisposed() {
		return
	}

	runID := ev.Run()
	run, err := s.tracker.Apply(ev)
	switch {
	case errors.Is(err, runs.ErrRunTerminal), errors.Is(err, runs.ErrDuplicate):
		s.logger.Debug("run event discarded", "run_id", runID, "type", ev.EventType(), "error", err)
		return
	case err != nil:
		s.logger.Warn("run event rejected", "run_id", runID, "type", ev.EventType(), "error", err)
		return
	}

	change := s.rec.ApplyRunEvent(ev)
	if h := s.current(); h.OnRunEvent != nil {
		h.OnRunEvent(run, ev, change)
	}
	if run.Status.IsTerminal() {
		s.logger.Info("run finished", "run_id", runID, "status", run.Status)
		go s.closeStream(runID)
	}
}

// =============================================================================
// Ghost proposals
// =============================================================================

// ProposeGhost holds an agent-suggested node locally.
func (s *Supervisor) ProposeGhost(runID, sourceNodeID string, node protocol.CanvasNode) reconcile.Ghost {
	return s.rec.ProposeGhost(runID, sourceNodeID, node)
}

// AcceptGhost promotes a ghost through the normal node creation path and
// sends it.
func (s *Supervisor) AcceptGhost(id string) (protocol.CanvasNode, error) {
	if s.isDisposed() {
		return protocol.CanvasNode{}, ErrDisposed
	}
	msg, err := s.rec.AcceptGhost(id)
	if err != nil {
		return protocol.CanvasNode{}, err
	}
	if err := s.send(msg); err != nil {
		s.rec.DiscardPending(msg)
		return msg.Node, err
	}
	return msg.Node, nil
}

// DismissGhost discards a ghost without sending anything.
func (s *Supervisor) DismissGhost(id string) error { return s.rec.DismissGhost(id) }

// Ghosts returns the outstanding proposals.
func (s *Supervisor) Ghosts() []reconcile.Ghost { return s.rec.Ghosts() }
