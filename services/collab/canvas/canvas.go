// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package canvas holds the shared proof-canvas graph under per-entity
// last-write-wins.
//
// Every node and edge carries the authoritative update time of the last
// mutation applied to it. A mutation is applied only when its time is at
// least that version; equal times resolve in favour of the later arrival.
// Deletes leave a tombstone at the delete time so that older updates cannot
// resurrect the entity.
//
// # Thread Safety
//
// Canvas is not safe for concurrent use. The client reconciler and the hub
// room each guard their canvas with their own lock.
package canvas

import (
	"sort"

	"github.com/AleutianAI/canvassync/services/collab/protocol"
)

// Canvas is a last-write-wins graph of nodes and edges.
type Canvas struct {
	nodes       map[string]protocol.CanvasNode
	edges       map[protocol.EdgeKey]protocol.CanvasEdge
	nodeVersion map[string]int64
	edgeVersion map[protocol.EdgeKey]int64
}

// New creates an empty canvas.
func New() *Canvas {
	return &Canvas{
		nodes:       make(map[string]protocol.CanvasNode),
		edges:       make(map[protocol.EdgeKey]protocol.CanvasEdge),
		nodeVersion: make(map[string]int64),
		edgeVersion: make(map[protocol.EdgeKey]int64),
	}
}

// PutNode creates or replaces a node with the full payload if version is
// not older than the node's current version (including a tombstone).
//
// # Outputs
//
//   - bool: True if the payload was applied.
func (c *Canvas) PutNode(node protocol.CanvasNode, version int64) bool {
	if version < c.nodeVersion[node.ID] {
		return false
	}
	node = node.Clone()
	node.UpdatedAt = version
	c.nodes[node.ID] = node
	c.nodeVersion[node.ID] = version
	return true
}

// PutNodeLocal applies an optimistic local write. The version is left
// untouched; the authoritative echo raises it later.
func (c *Canvas) PutNodeLocal(node protocol.CanvasNode) {
	node = node.Clone()
	node.UpdatedAt = c.nodeVersion[node.ID]
	c.nodes[node.ID] = node
}

// MoveNode sets the position of an existing node.
//
// # Outputs
//
//   - bool: False if the node does not exist or version is older.
func (c *Canvas) MoveNode(id string, pos protocol.Point, version int64) bool {
	node, ok := c.nodes[id]
	if !ok || version < c.nodeVersion[id] {
		return false
	}
	node.Position = pos
	node.UpdatedAt = version
	c.nodes[id] = node
	c.nodeVersion[id] = version
	return true
}

// MoveNodeLocal is the optimistic form of MoveNode.
func (c *Canvas) MoveNodeLocal(id string, pos protocol.Point) bool {
	node, ok := c.nodes[id]
	if !ok {
		return false
	}
	node.Position = pos
	c.nodes[id] = node
	return true
}

// DeleteNode removes a node and every edge incident to it, leaving
// tombstones at version.
//
// # Outputs
//
//   - []protocol.EdgeKey: The incident edges removed with the node.
//   - bool: False if version is older than the node's current version.
func (c *Canvas) DeleteNode(id string, version int64) ([]protocol.EdgeKey, bool) {
	if version < c.nodeVersion[id] {
		return nil, false
	}
	delete(c.nodes, id)
	c.nodeVersion[id] = version
	removed := c.dropIncident(id)
	for _, key := range removed {
		if c.edgeVersion[key] < version {
			c.edgeVersion[key] = version
		}
	}
	return removed, true
}

// DeleteNodeLocal is the optimistic form of DeleteNode.
func (c *Canvas) DeleteNodeLocal(id string) []protocol.EdgeKey {
	delete(c.nodes, id)
	return c.dropIncident(id)
}

// PutEdge creates or replaces an edge if version is not older than the
// edge's current version. Edges may arrive before their endpoints.
func (c *Canvas) PutEdge(edge protocol.CanvasEdge, version int64) bool {
	key := edge.Key()
	if version < c.edgeVersion[key] {
		return false
	}
	edge.UpdatedAt = version
	c.edges[key] = edge
	c.edgeVersion[key] = version
	return true
}

// PutEdgeLocal is the optimistic form of PutEdge.
func (c *Canvas) PutEdgeLocal(edge protocol.CanvasEdge) {
	key := edge.Key()
	edge.UpdatedAt = c.edgeVersion[key]
	c.edges[key] = edge
}

// DeleteEdge removes an edge, leaving a tombstone at version.
func (c *Canvas) DeleteEdge(key protocol.EdgeKey, version int64) bool {
	if version < c.edgeVersion[key] {
		return false
	}
	delete(c.edges, key)
	c.edgeVersion[key] = version
	return true
}

// DeleteEdgeLocal is the optimistic form of DeleteEdge.
func (c *Canvas) DeleteEdgeLocal(key protocol.EdgeKey) {
	delete(c.edges, key)
}

// Replace reconciles the canvas against a full snapshot taken at asOf.
//
// # Description
//
// Snapshot entities are applied under the usual version rule using their
// own UpdatedAt (asOf when zero). Entities missing from the snapshot are
// removed only if their version is not newer than asOf, so mutations that
// raced ahead of the snapshot on another channel survive.
func (c *Canvas) Replace(nodes []protocol.CanvasNode, edges []protocol.CanvasEdge, asOf int64) {
	seenNodes := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		seenNodes[n.ID] = struct{}{}
		c.PutNode(n, versionOr(n.UpdatedAt, asOf))
	}
	seenEdges := make(map[protocol.EdgeKey]struct{}, len(edges))
	for _, e := range edges {
		seenEdges[e.Key()] = struct{}{}
		c.PutEdge(e, versionOr(e.UpdatedAt, asOf))
	}

	for id := range c.nodes {
		if _, ok := seenNodes[id]; ok {
			continue
		}
		if c.nodeVersion[id] <= asOf {
			delete(c.nodes, id)
			c.nodeVersion[id] = asOf
		}
	}
	for key := range c.edges {
		if _, ok := seenEdges[key]; ok {
			continue
		}
		if c.edgeVersion[key] <= asOf {
			delete(c.edges, key)
			c.edgeVersion[key] = asOf
		}
	}
}

// TouchNode raises the version of id to version without changing its
// payload. Used for acknowledged local writes.
func (c *Canvas) TouchNode(id string, version int64) {
	if version <= c.nodeVersion[id] {
		return
	}
	c.nodeVersion[id] = version
	if n, ok := c.nodes[id]; ok {
		n.UpdatedAt = version
		c.nodes[id] = n
	}
}

// TouchEdge is TouchNode for edges.
func (c *Canvas) TouchEdge(key protocol.EdgeKey, version int64) {
	if version <= c.edgeVersion[key] {
		return
	}
	c.edgeVersion[key] = version
	if e, ok := c.edges[key]; ok {
		e.UpdatedAt = version
		c.edges[key] = e
	}
}

// Node returns a copy of the node with the given id.
func (c *Canvas) Node(id string) (protocol.CanvasNode, bool) {
	n, ok := c.nodes[id]
	if !ok {
		return protocol.CanvasNode{}, false
	}
	return n.Clone(), true
}

// Edge returns the edge with the given key.
func (c *Canvas) Edge(key protocol.EdgeKey) (protocol.CanvasEdge, bool) {
	e, ok := c.edges[key]
	return e, ok
}

// NodeVersion returns the last applied version for id, including deletes.
func (c *Canvas) NodeVersion(id string) int64 { return c.nodeVersion[id] }

// EdgeVersion returns the last applied version for key, including deletes.
func (c *Canvas) EdgeVersion(key protocol.EdgeKey) int64 { return c.edgeVersion[key] }

// Nodes returns copies of all live nodes ordered by id.
func (c *Canvas) Nodes() []protocol.CanvasNode {
	out := make([]protocol.CanvasNode, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Edges returns all live edges ordered by (from, to).
func (c *Canvas) Edges() []protocol.CanvasEdge {
	out := make([]protocol.CanvasEdge, 0, len(c.edges))
	for _, e := range c.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// Len returns the number of live nodes and edges.
func (c *Canvas) Len() (nodes, edges int) {
	return len(c.nodes), len(c.edges)
}

func (c *Canvas) dropIncident(id string) []protocol.EdgeKey {
	var removed []protocol.EdgeKey
	for key := range c.edges {
		if key.From == id || key.To == id {
			delete(c.edges, key)
			removed = append(removed, key)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].String() < removed[j].String() })
	return removed
}

func versionOr(v, fallback int64) int64 {
	if v == 0 {
		return fallback
	}
	return v
}
