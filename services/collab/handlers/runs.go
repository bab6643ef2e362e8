// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/canvassync/services/collab/hub"
	"github.com/AleutianAI/canvassync/services/collab/middleware"
	"github.com/AleutianAI/canvassync/services/collab/protocol"
	"github.com/AleutianAI/canvassync/services/collab/runhub"
	"github.com/AleutianAI/canvassync/services/collab/runs"
)

// CreateRun handles POST /v1/runs.
func CreateRun(m *runhub.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req runs.CreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		run, err := m.Create(c.Request.Context(), userID(c), req)
		if err != nil {
			respondRunError(c, err)
			return
		}
		c.JSON(http.StatusCreated, run)
	}
}

// CancelRun handles POST /v1/runs/:id/cancel.
func CancelRun(m *runhub.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, err := m.Cancel(c.Request.Context(), userID(c), c.Param("id"))
		if err != nil {
			respondRunError(c, err)
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

// GetRun handles GET /v1/runs/:id.
func GetRun(m *runhub.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, err := m.Get(c.Param("id"))
		if err != nil {
			respondRunError(c, err)
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

// ListRuns handles GET /v1/workspaces/:workspace/runs.
func ListRuns(m *runhub.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"runs": m.List(c.Param("workspace"))})
	}
}

// PostRunEvent handles POST /v1/runs/:id/events, the ingestion endpoint of
// the agent backend. The body is one run event frame.
func PostRunEvent(m *runhub.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, protocol.MaxFrameBytes))
		if err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "event too large"})
			return
		}
		ev, err := protocol.DecodeRunEvent(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if ev.Run() != c.Param("id") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "run_id does not match path"})
			return
		}

		run, err := m.Ingest(c.Request.Context(), ev)
		if err != nil {
			respondRunError(c, err)
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

// GetCanvas handles GET /v1/workspaces/:workspace/canvas, the authoritative
// graph of a workspace.
func GetCanvas(h *hub.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		workspaceID := c.Param("workspace")
		if !validID(workspaceID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workspace id"})
			return
		}
		nodes, edges, err := h.Snapshot(c.Request.Context(), workspaceID)
		if err != nil {
			slog.Error("failed to load canvas", "workspace_id", workspaceID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load canvas"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"nodes": nodes, "edges": edges})
	}
}

func userID(c *gin.Context) string {
	if info := middleware.GetAuthInfo(c); info != nil {
		return info.UserID
	}
	return ""
}

func respondRunError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, runhub.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
	case errors.Is(err, runhub.ErrInvalidRequest), errors.Is(err, runhub.ErrServerEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, runs.ErrRunTerminal),
		errors.Is(err, runs.ErrInvalidTransition),
		errors.Is(err, runs.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		slog.Error("run request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
