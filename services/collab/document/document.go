// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package document keeps full-text document baselines and applies
// positional edit operations against them.
//
// Edits are applied in receipt order. Positions and lengths are counted in
// runes and clamped to the document bounds. There is no index remapping for
// concurrent edits, so two participants editing the same region can
// desynchronize until the next doc_sync baseline.
package document

import (
	"errors"
	"fmt"
	"sort"

	"github.com/AleutianAI/canvassync/services/collab/protocol"
)

// ErrNoBaseline is returned when an edit targets a path with no doc_sync.
var ErrNoBaseline = errors.New("no document baseline")

// Document is the current text of one path.
type Document struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Version int64  `json:"version"`
}

// Store holds the documents of one workspace. Not safe for concurrent use.
type Store struct {
	docs map[string]Document
}

// NewStore creates an empty document store.
func NewStore() *Store {
	return &Store{docs: make(map[string]Document)}
}

// Sync replaces the baseline for path if version is not older than the
// current one.
func (s *Store) Sync(path, content string, version int64) bool {
	if cur, ok := s.docs[path]; ok && version < cur.Version {
		return false
	}
	s.docs[path] = Document{Path: path, Content: content, Version: version}
	return true
}

// Apply runs one edit against the baseline for its path. The document
// version is raised to the edit time when it is newer.
func (s *Store) Apply(edit *protocol.DocEdit) (Document, error) {
	doc, ok := s.docs[edit.Path]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNoBaseline, edit.Path)
	}
	content, err := ApplyEdit(doc.Content, edit)
	if err != nil {
		return Document{}, err
	}
	doc.Content = content
	if ts := edit.Time(); ts > doc.Version {
		doc.Version = ts
	}
	s.docs[edit.Path] = doc
	return doc, nil
}

// Touch raises the version of an existing document without editing it.
func (s *Store) Touch(path string, version int64) {
	if doc, ok := s.docs[path]; ok && version > doc.Version {
		doc.Version = version
		s.docs[path] = doc
	}
}

// Get returns the document for path.
func (s *Store) Get(path string) (Document, bool) {
	doc, ok := s.docs[path]
	return doc, ok
}

// Paths returns every known path, sorted.
func (s *Store) Paths() []string {
	out := make([]string, 0, len(s.docs))
	for p := range s.docs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// All returns every document ordered by path.
func (s *Store) All() []Document {
	paths := s.Paths()
	out := make([]Document, 0, len(paths))
	for _, p := range paths {
		out = append(out, s.docs[p])
	}
	return out
}

// ApplyEdit returns content with edit applied.
//
// # Description
//
// Insert places Text before the rune at Position. Delete removes Length
// runes starting at Position. Both clamp to the content bounds.
//
// # Examples
//
//	out, _ := document.ApplyEdit("theorem", &protocol.DocEdit{
//	    Operation: protocol.EditInsert, Position: 0, Text: "a ",
//	})
//	// out == "a theorem"
func ApplyEdit(content string, edit *protocol.DocEdit) (string, error) {
	runes := []rune(content)
	pos := clamp(edit.Position, 0, len(runes))
	switch edit.Operation {
	case protocol.EditInsert:
		ins := []rune(edit.Text)
		out := make([]rune, 0, len(runes)+len(ins))
		out = append(out, runes[:pos]...)
		out = append(out, ins...)
		out = append(out, runes[pos:]...)
		return string(out), nil
	case protocol.EditDelete:
		end := pos + clamp(edit.Length, 0, len(runes)-pos)
		return string(runes[:pos]) + string(runes[end:]), nil
	default:
		return "", fmt.Errorf("unsupported edit operation %q", edit.Operation)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
