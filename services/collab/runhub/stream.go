// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runhub

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/canvassync/services/collab/observability"
	"github.com/AleutianAI/canvassync/services/collab/protocol"
	"github.com/AleutianAI/canvassync/services/collab/wsutil"
)

// ServeRun streams the events of one run to peer until it disconnects. The
// stream opens with a run_state snapshot.
func (m *Manager) ServeRun(ctx context.Context, runID string, peer *wsutil.Peer) error {
	m.mu.Lock()
	run, ok := m.tracker.Get(runID)
	if !ok {
		m.mu.Unlock()
		peer.Reject(websocket.ClosePolicyViolation, "unknown run")
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	_ = peer.Send(stateFrame(run))
	subscribe(m.runSubs, runID, peer)
	m.mu.Unlock()

	m.cfg.Metrics.ConnectionOpened(observability.ChannelRun)
	defer m.cfg.Metrics.ConnectionClosed(observability.ChannelRun)
	defer m.unsubscribe(m.runSubs, runID, peer)

	return peer.Run(ctx, m.keepAlive(peer))
}

// ServeWorkspace streams status-class events of every run in a workspace.
// The stream opens with one run_state per known run.
func (m *Manager) ServeWorkspace(ctx context.Context, workspaceID string, peer *wsutil.Peer) error {
	m.mu.Lock()
	for _, run := range m.List(workspaceID) {
		_ = peer.Send(stateFrame(run))
	}
	subscribe(m.wsSubs, workspaceID, peer)
	m.mu.Unlock()

	m.cfg.Metrics.ConnectionOpened(observability.ChannelWorkspace)
	defer m.cfg.Metrics.ConnectionClosed(observability.ChannelWorkspace)
	defer m.unsubscribe(m.wsSubs, workspaceID, peer)

	return peer.Run(ctx, m.keepAlive(peer))
}

// keepAlive answers pings. Run streams carry no other client frames.
func (m *Manager) keepAlive(peer *wsutil.Peer) func([]byte) {
	return func(data []byte) {
		if !protocol.IsKeepAlive(data) {
			m.cfg.Metrics.RecordDrop(observability.DropRejected)
			m.logger.Debug("ignoring frame on run stream", "peer_id", peer.ID)
			return
		}
		if protocol.IsPing(data) {
			_ = peer.Send([]byte(protocol.PongFrame))
		}
	}
}

// fanOutLocked sends ev to the run's subscribers and, for status-class
// events, to the workspace's subscribers. Caller holds m.mu.
func (m *Manager) fanOutLocked(run protocol.AgentRun, ev protocol.RunEvent) {
	frame, err := protocol.EncodeRunEvent(ev)
	if err != nil {
		m.logger.Error("encode run event", "run_id", run.ID, "error", err)
		return
	}
	for peer := range m.runSubs[run.ID] {
		_ = peer.Send(frame)
	}
	if isStatusEvent(ev) {
		for peer := range m.wsSubs[run.WorkspaceID] {
			_ = peer.Send(frame)
		}
	}
}

// Close disconnects every stream subscriber with 1001.
func (m *Manager) Close() {
	m.mu.Lock()
	var peers []*wsutil.Peer
	for _, set := range []map[string]map[*wsutil.Peer]struct{}{m.runSubs, m.wsSubs} {
		for _, subs := range set {
			for p := range subs {
				peers = append(peers, p)
			}
		}
	}
	m.mu.Unlock()
	for _, p := range peers {
		p.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

func isStatusEvent(ev protocol.RunEvent) bool {
	switch ev.(type) {
	case *protocol.StatusEvent, *protocol.ProgressEvent,
		*protocol.CompletedEvent, *protocol.FailedEvent, *protocol.CancelledEvent:
		return true
	}
	return false
}

func stateFrame(run protocol.AgentRun) []byte {
	ev := &protocol.RunStateEvent{
		RunHeader: protocol.RunHeader{RunID: run.ID, Timestamp: run.UpdatedAt},
		State:     run,
	}
	frame, err := protocol.EncodeRunEvent(ev)
	if err != nil {
		panic(err)
	}
	return frame
}

func subscribe(set map[string]map[*wsutil.Peer]struct{}, key string, peer *wsutil.Peer) {
	if set[key] == nil {
		set[key] = make(map[*wsutil.Peer]struct{})
	}
	set[key][peer] = struct{}{}
}

func (m *Manager) unsubscribe(set map[string]map[*wsutil.Peer]struct{}, key string, peer *wsutil.Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(set[key], peer)
	if len(set[key]) == 0 {
		delete(set, key)
	}
}
