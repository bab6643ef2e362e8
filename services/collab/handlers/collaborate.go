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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/canvassync/services/collab/hub"
	"github.com/AleutianAI/canvassync/services/collab/middleware"
	"github.com/AleutianAI/canvassync/services/collab/runhub"
	"github.com/AleutianAI/canvassync/services/collab/wsutil"
)

// HandleCollaborate upgrades GET /collaborate/:workspace and joins the
// caller to the workspace room until the socket closes.
func HandleCollaborate(h *hub.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		workspaceID := c.Param("workspace")
		if !validID(workspaceID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workspace id"})
			return
		}
		info := middleware.GetAuthInfo(c)
		if info == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}

		peer, err := wsutil.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Warn("failed to upgrade collaboration socket", "workspace_id", workspaceID, "error", err)
			return
		}
		if err := h.Serve(c.Request.Context(), workspaceID, info, peer); err != nil {
			slog.Debug("collaboration socket ended", "workspace_id", workspaceID, "user_id", info.UserID, "error", err)
		}
	}
}

// HandleRunStream upgrades GET /runs/:id/stream. Unknown runs are answered
// with 404 before the upgrade.
func HandleRunStream(m *runhub.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := c.Param("id")
		if !validID(runID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}
		if _, err := m.Get(runID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}

		peer, err := wsutil.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Warn("failed to upgrade run stream", "run_id", runID, "error", err)
			return
		}
		if err := m.ServeRun(c.Request.Context(), runID, peer); err != nil {
			slog.Debug("run stream ended", "run_id", runID, "error", err)
		}
	}
}

// HandleWorkspaceStream upgrades GET /problems/:workspace/ws, the
// workspace-wide run status stream.
func HandleWorkspaceStream(m *runhub.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		workspaceID := c.Param("workspace")
		if !validID(workspaceID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workspace id"})
			return
		}

		peer, err := wsutil.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Warn("failed to upgrade workspace stream", "workspace_id", workspaceID, "error", err)
			return
		}
		if err := m.ServeWorkspace(c.Request.Context(), workspaceID, peer); err != nil {
			slog.Debug("workspace stream ended", "workspace_id", workspaceID, "error", err)
		}
	}
}
