// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/DealerLens/dealerlens/services/llm"
	"github.com/DealerLens/dealerlens/services/orchestrator/handlers"
	"github.com/DealerLens/dealerlens/services/orchestrator/memory"
	"github.com/DealerLens/dealerlens/services/orchestrator/observability"
	"github.com/DealerLens/dealerlens/services/orchestrator/pipeline"
)

// SetupRoutes wires the HTTP surface: the streaming answer endpoint,
// session administration, stats, health, and Prometheus metrics.
func SetupRoutes(router *gin.Engine, ctrl *pipeline.Controller, store *memory.Store,
	registry *llm.Registry, metrics *observability.PipelineMetrics) {

	router.Use(otelgin.Middleware("dealerlens-orchestrator"))

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/answers", handlers.HandleAnswer(ctrl, metrics))
		v1.GET("/stats", handlers.HandleStats(store, registry))

		sessions := v1.Group("/sessions")
		{
			sessions.DELETE("/:sessionId", handlers.HandleClearSession(store))
		}
	}
}
