// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/canvassync/pkg/extensions"
	"github.com/AleutianAI/canvassync/services/collab/handlers"
	"github.com/AleutianAI/canvassync/services/collab/hub"
	"github.com/AleutianAI/canvassync/services/collab/middleware"
	"github.com/AleutianAI/canvassync/services/collab/runhub"
)

// SetupRoutes registers every endpoint of the collaboration service.
//
// Health and metrics are public. The three websocket endpoints and the v1
// REST group go through the auth middleware; websocket clients pass their
// token in the "token" query parameter.
func SetupRoutes(router *gin.Engine, h *hub.Hub, runs *runhub.Manager, opts extensions.ServiceOptions) {
	opts = opts.Normalize()
	auth := middleware.AuthMiddleware(opts.AuthProvider, opts.AuditLogger)

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Websocket channels
	sockets := router.Group("", auth)
	{
		sockets.GET("/collaborate/:workspace", handlers.HandleCollaborate(h))
		sockets.GET("/runs/:id/stream", handlers.HandleRunStream(runs))
		sockets.GET("/problems/:workspace/ws", handlers.HandleWorkspaceStream(runs))
	}

	// API version 1 group
	v1 := router.Group("/v1", auth)
	{
		v1.POST("/runs", handlers.CreateRun(runs))
		v1.GET("/runs/:id", handlers.GetRun(runs))
		v1.POST("/runs/:id/cancel", handlers.CancelRun(runs))
		v1.POST("/runs/:id/events", handlers.PostRunEvent(runs))

		workspaces := v1.Group("/workspaces/:workspace")
		{
			workspaces.GET("/runs", handlers.ListRuns(runs))
			workspaces.GET("/canvas", handlers.GetCanvas(h))
		}
	}
}
