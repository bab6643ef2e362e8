// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package document

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/canvassync/services/collab/protocol"
)

func TestApplyEdit(t *testing.T) {
	tests := []struct {
		name    string
		content string
		edit    protocol.DocEdit
		want    string
	}{
		{"insert start", "lemma", protocol.DocEdit{Operation: protocol.EditInsert, Position: 0, Text: "a "}, "a lemma"},
		{"insert end", "lemma", protocol.DocEdit{Operation: protocol.EditInsert, Position: 5, Text: "!"}, "lemma!"},
		{"insert past end clamps", "ab", protocol.DocEdit{Operation: protocol.EditInsert, Position: 99, Text: "c"}, "abc"},
		{"delete middle", "theorem", protocol.DocEdit{Operation: protocol.EditDelete, Position: 2, Length: 3}, "them"},
		{"delete past end clamps", "abc", protocol.DocEdit{Operation: protocol.EditDelete, Position: 1, Length: 10}, "a"},
		{"delete huge length", "abc", protocol.DocEdit{Operation: protocol.EditDelete, Position: 1, Length: math.MaxInt}, "a"},
		{"delete at end is noop", "abc", protocol.DocEdit{Operation: protocol.EditDelete, Position: 3, Length: 1}, "abc"},
		{"runes not bytes", "∀x∃y", protocol.DocEdit{Operation: protocol.EditDelete, Position: 1, Length: 1}, "∀∃y"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ApplyEdit(tt.content, &tt.edit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStore_ApplyRequiresBaseline(t *testing.T) {
	s := NewStore()
	_, err := s.Apply(&protocol.DocEdit{Path: "Main.lean", Operation: protocol.EditInsert, Text: "x"})
	assert.ErrorIs(t, err, ErrNoBaseline)
}

func TestStore_EditsApplyInReceiptOrder(t *testing.T) {
	s := NewStore()
	require.True(t, s.Sync("Main.lean", "abc", 100))

	first := &protocol.DocEdit{Path: "Main.lean", Operation: protocol.EditInsert, Position: 1, Text: "X"}
	protocol.Stamp(first, "alice", 110)
	second := &protocol.DocEdit{Path: "Main.lean", Operation: protocol.EditInsert, Position: 1, Text: "Y"}
	protocol.Stamp(second, "bob", 105)

	_, err := s.Apply(first)
	require.NoError(t, err)
	doc, err := s.Apply(second)
	require.NoError(t, err)

	assert.Equal(t, "aYXbc", doc.Content)
	assert.Equal(t, int64(110), doc.Version)
}

func TestStore_SyncIgnoresOlderBaseline(t *testing.T) {
	s := NewStore()
	s.Sync("a", "new", 200)
	assert.False(t, s.Sync("a", "old", 100))
	assert.True(t, s.Sync("b", "", 0))

	doc, _ := s.Get("a")
	assert.Equal(t, "new", doc.Content)
	assert.Equal(t, []string{"a", "b"}, s.Paths())
	assert.Len(t, s.All(), 2)
}
