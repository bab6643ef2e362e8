// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay fans stamped collaboration frames out across server
// instances that host the same workspace.
//
// Every hub publishes the frames it broadcast locally. Every hub subscribed
// to the workspace receives them, skips its own (by Origin), applies them
// to its room, and rebroadcasts them to its local connections.
package relay

import (
	"context"
	"sync"
)

// Envelope is one relayed frame.
type Envelope struct {
	// Origin is the instance id of the publishing hub.
	Origin      string `json:"origin"`
	WorkspaceID string `json:"workspace_id"`
	Frame       []byte `json:"frame"`
}

// Handler receives envelopes for a subscribed workspace. It runs on the
// relay's delivery goroutine and must not block for long.
type Handler func(Envelope)

// Relay is the cross-instance fan-out.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error

	// Subscribe delivers every envelope published for workspaceID until the
	// returned cancel function is called.
	Subscribe(ctx context.Context, workspaceID string, h Handler) (cancel func(), err error)

	Close() error
}

// Local is an in-process relay. With a single instance it delivers
// nothing useful; tests use one Local shared by several hubs to stand in
// for a broker.
type Local struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
}

// NewLocal creates an empty in-process relay.
func NewLocal() *Local {
	return &Local{subs: make(map[string]map[int]Handler)}
}

// Publish delivers env synchronously to every subscriber of its workspace.
func (l *Local) Publish(_ context.Context, env Envelope) error {
	l.mu.RLock()
	handlers := make([]Handler, 0, len(l.subs[env.WorkspaceID]))
	for _, h := range l.subs[env.WorkspaceID] {
		handlers = append(handlers, h)
	}
	l.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
	return nil
}

func (l *Local) Subscribe(_ context.Context, workspaceID string, h Handler) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	if l.subs[workspaceID] == nil {
		l.subs[workspaceID] = make(map[int]Handler)
	}
	l.subs[workspaceID][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs[workspaceID], id)
			if len(l.subs[workspaceID]) == 0 {
				delete(l.subs, workspaceID)
			}
		})
	}, nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	l.subs = make(map[string]map[int]Handler)
	l.mu.Unlock()
	return nil
}
