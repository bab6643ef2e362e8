// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package presence tracks the connected participants of one workspace.
//
// A presence snapshot replaces the whole roster. Cursor and selection
// events upsert a single participant. A leave event does not touch the
// roster; the next snapshot drops the participant. There is no staleness
// timeout.
//
// One Store exists per active workspace session and is dropped with it.
package presence

import (
	"sort"
	"sync"

	"github.com/AleutianAI/canvassync/services/collab/protocol"
)

// Store is a per-workspace participant roster. Safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	users map[string]protocol.Participant
}

// NewStore creates an empty roster.
func NewStore() *Store {
	return &Store{users: make(map[string]protocol.Participant)}
}

// Replace swaps the roster for a full snapshot.
func (s *Store) Replace(users []protocol.Participant) {
	next := make(map[string]protocol.Participant, len(users))
	for _, u := range users {
		next[u.UserID] = u.Clone()
	}
	s.mu.Lock()
	s.users = next
	s.mu.Unlock()
}

// Upsert inserts or replaces one participant.
func (s *Store) Upsert(p protocol.Participant) {
	s.mu.Lock()
	s.users[p.UserID] = p.Clone()
	s.mu.Unlock()
}

// UpsertCursor sets the cursor of userID, creating the entry if needed.
func (s *Store) UpsertCursor(userID string, cursor protocol.Point, file string, at int64) {
	s.update(userID, at, func(p *protocol.Participant) {
		p.Cursor = &cursor
		if file != "" {
			p.ActiveFile = file
		}
	})
}

// UpsertSelection sets the selection of userID, creating the entry if needed.
func (s *Store) UpsertSelection(userID string, sel protocol.Range, file string, at int64) {
	s.update(userID, at, func(p *protocol.Participant) {
		p.Selection = &sel
		if file != "" {
			p.ActiveFile = file
		}
	})
}

// ClearSelection deletes the selection entry of userID.
func (s *Store) ClearSelection(userID string, at int64) {
	s.update(userID, at, func(p *protocol.Participant) {
		p.Selection = nil
	})
}

// Apply routes a presence-related frame to the matching update.
//
// # Outputs
//
//   - bool: False if msg is not a presence, cursor_move, or selection frame.
func (s *Store) Apply(msg protocol.Message) bool {
	switch m := msg.(type) {
	case *protocol.Presence:
		s.Replace(m.Users)
	case *protocol.CursorMove:
		s.UpsertCursor(m.Actor(), protocol.Point{X: m.X, Y: m.Y}, m.File, m.Time())
	case *protocol.Selection:
		if m.HasBounds() {
			s.UpsertSelection(m.Actor(), m.Bounds(), m.Path, m.Time())
		} else {
			s.ClearSelection(m.Actor(), m.Time())
		}
	default:
		return false
	}
	return true
}

// Remove drops userID from the roster.
func (s *Store) Remove(userID string) {
	s.mu.Lock()
	delete(s.users, userID)
	s.mu.Unlock()
}

// Get returns a copy of one participant.
func (s *Store) Get(userID string) (protocol.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.users[userID]
	if !ok {
		return protocol.Participant{}, false
	}
	return p.Clone(), true
}

// List returns copies of all participants ordered by user id.
func (s *Store) List() []protocol.Participant {
	s.mu.RLock()
	out := make([]protocol.Participant, 0, len(s.users))
	for _, p := range s.users {
		out = append(out, p.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Len returns the roster size.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

func (s *Store) update(userID string, at int64, fn func(*protocol.Participant)) {
	if userID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.users[userID]
	if !ok {
		p = protocol.Participant{UserID: userID}
	} else {
		p = p.Clone()
	}
	fn(&p)
	if at > p.LastActive {
		p.LastActive = at
	}
	s.users[userID] = p
}
