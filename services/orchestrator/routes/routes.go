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
	"github.com/AleutianAI/Tidewater/services/orchestrator/handlers"
	"github.com/AleutianAI/Tidewater/services/orchestrator/middleware"
	"github.com/AleutianAI/Tidewater/services/orchestrator/observability"
	"github.com/AleutianAI/Tidewater/services/orchestrator/services"
	"github.com/AleutianAI/Tidewater/services/orchestrator/store"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes registers all HTTP routes. Health and metrics are
// unauthenticated for probes and scrapers; everything under /v1 goes
// through the auth middleware.
func SetupRoutes(router *gin.Engine, orchestrator *services.Orchestrator, st store.Store,
	auth middleware.AuthProvider, metrics *observability.StreamingMetrics) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(auth))
	{
		v1.POST("/chat/stream", handlers.HandleChatStream(orchestrator, metrics))

		conversations := v1.Group("/conversations")
		{
			conversations.POST("", handlers.CreateConversation(st))
			conversations.GET("/:id", handlers.GetConversation(st))
			conversations.GET("/:id/messages", handlers.ListConversationMessages(st))
			conversations.GET("/:id/topics", handlers.ListConversationTopics(st))
		}

		memories := v1.Group("/memories")
		{
			memories.GET("", handlers.ListMemories(st))
			memories.DELETE("/:id", handlers.DeleteMemory(st))
		}

		v1.GET("/instructions", handlers.ListInstructions(st))
	}
}
