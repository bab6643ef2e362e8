// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/canvassync/services/collab/document"
	"github.com/AleutianAI/canvassync/services/collab/protocol"
)

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("not found")

const sep = "\x00"

// Workspace is the persisted state of one workspace.
type Workspace struct {
	Nodes     []protocol.CanvasNode
	Edges     []protocol.CanvasEdge
	Documents []document.Document
}

// Store reads and writes workspace entities and runs. Safe for concurrent
// use.
type Store struct {
	db *DB
}

// Open opens the database described by cfg and wraps it.
func Open(cfg Config) (*Store, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a throwaway store for tests.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func wsPrefix(workspaceID, kind string) []byte {
	return []byte("ws" + sep + workspaceID + sep + kind + sep)
}

func nodeKey(workspaceID, id string) []byte {
	return append(wsPrefix(workspaceID, "node"), id...)
}

func edgeKey(workspaceID string, key protocol.EdgeKey) []byte {
	return append(wsPrefix(workspaceID, "edge"), key.From+sep+key.To...)
}

func docKey(workspaceID, path string) []byte {
	return append(wsPrefix(workspaceID, "doc"), path...)
}

func runKey(id string) []byte {
	return []byte("run" + sep + id)
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", strings.ReplaceAll(string(key), sep, "/"), err)
	}
	return txn.Set(key, data)
}

// PutNode writes the current payload of a node.
func (s *Store) PutNode(ctx context.Context, workspaceID string, node protocol.CanvasNode) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, nodeKey(workspaceID, node.ID), node)
	})
}

// DeleteNode removes a node together with the incident edges the canvas
// dropped with it, in one transaction.
func (s *Store) DeleteNode(ctx context.Context, workspaceID, id string, incident []protocol.EdgeKey) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Delete(nodeKey(workspaceID, id)); err != nil {
			return err
		}
		for _, key := range incident {
			if err := txn.Delete(edgeKey(workspaceID, key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutEdge writes an edge.
func (s *Store) PutEdge(ctx context.Context, workspaceID string, edge protocol.CanvasEdge) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, edgeKey(workspaceID, edge.Key()), edge)
	})
}

// DeleteEdge removes an edge.
func (s *Store) DeleteEdge(ctx context.Context, workspaceID string, key protocol.EdgeKey) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete(edgeKey(workspaceID, key))
	})
}

// SaveDocument checkpoints one document.
func (s *Store) SaveDocument(ctx context.Context, workspaceID string, doc document.Document) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, docKey(workspaceID, doc.Path), doc)
	})
}

// LoadWorkspace reads nodes, edges, and documents of a workspace
// concurrently. Results are ordered by key.
func (s *Store) LoadWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	var ws Workspace
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scan(gctx, s.db, wsPrefix(workspaceID, "node"), &ws.Nodes)
	})
	g.Go(func() error {
		return scan(gctx, s.db, wsPrefix(workspaceID, "edge"), &ws.Edges)
	})
	g.Go(func() error {
		return scan(gctx, s.db, wsPrefix(workspaceID, "doc"), &ws.Documents)
	})
	if err := g.Wait(); err != nil {
		return Workspace{}, fmt.Errorf("load workspace %s: %w", workspaceID, err)
	}
	return ws, nil
}

// PutRun writes the current state of a run.
func (s *Store) PutRun(ctx context.Context, run protocol.AgentRun) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, runKey(run.ID), run)
	})
}

// GetRun reads one run.
func (s *Store) GetRun(ctx context.Context, id string) (protocol.AgentRun, error) {
	var run protocol.AgentRun
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &run)
		})
	})
	return run, err
}

// LoadRuns reads every persisted run, oldest first.
func (s *Store) LoadRuns(ctx context.Context) ([]protocol.AgentRun, error) {
	var out []protocol.AgentRun
	if err := scan(ctx, s.db, []byte("run"+sep), &out); err != nil {
		return nil, fmt.Errorf("load runs: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// scan decodes every value under prefix into *out.
func scan[T any](ctx context.Context, db *DB, prefix []byte, out *[]T) error {
	return db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var v T
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			}); err != nil {
				return fmt.Errorf("decode %q: %w", strings.ReplaceAll(string(item.Key()), sep, "/"), err)
			}
			*out = append(*out, v)
		}
		return nil
	})
}
