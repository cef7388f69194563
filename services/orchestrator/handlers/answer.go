// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the HTTP surface of the orchestrator: the
// streaming answer endpoint plus health and stats.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/DealerLens/dealerlens/services/llm"
	"github.com/DealerLens/dealerlens/services/orchestrator/datatypes"
	"github.com/DealerLens/dealerlens/services/orchestrator/memory"
	"github.com/DealerLens/dealerlens/services/orchestrator/observability"
	"github.com/DealerLens/dealerlens/services/orchestrator/pipeline"
	"github.com/DealerLens/dealerlens/services/orchestrator/sqlpath"
)

var answerTracer = otel.Tracer("dealerlens.orchestrator.handlers")

const keepAliveInterval = 15 * time.Second

// HandleAnswer returns the streaming answer endpoint.
//
// # Description
//
// Binds an AnswerRequest, runs the conversational pipeline, and streams
// the answer over SSE: status, token*, citations?, done. Failures after
// the stream has opened are reported as an SSE error event with a
// sanitized message; internal details stay in the logs.
//
// # Inputs
//
//   - ctrl: Answer pipeline controller.
//   - metrics: Pipeline metrics. May be nil.
//
// # Outputs
//
//   - gin.HandlerFunc streaming text/event-stream.
//
// # Limitations
//
//   - The request body is fully read before streaming begins; there is
//     no request-side streaming.
func HandleAnswer(ctrl *pipeline.Controller, metrics *observability.PipelineMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := answerTracer.Start(c.Request.Context(), "HandleAnswer")
		defer span.End()

		var req datatypes.AnswerRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to parse answer request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		req.EnsureDefaults()
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		SetSSEHeaders(c.Writer)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
			return
		}

		if metrics != nil {
			metrics.StreamStarted()
			defer metrics.StreamEnded()
		}

		// Keep-alive pings while the pipeline is between tokens.
		done := make(chan struct{})
		defer close(done)
		go func() {
			ticker := time.NewTicker(keepAliveInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					_ = writer.WriteKeepAlive()
				case <-done:
					return
				}
			}
		}()

		_ = writer.WriteStatus("Working on it...")

		start := time.Now()
		firstToken := time.Time{}
		sink := func(token string) error {
			if firstToken.IsZero() {
				firstToken = time.Now()
			}
			return writer.WriteToken(token)
		}

		result, err := ctrl.Answer(ctx, &req, sink)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Answer pipeline failed",
				"request_id", req.ID,
				"session_id", req.SessionID,
				"error", err,
			)
			if metrics != nil {
				metrics.RecordError(errorKind(err))
				metrics.RecordRequest(failureRoute(result.Route), false, time.Since(start).Seconds())
			}
			_ = writer.WriteError("The answer could not be generated. Please try again.")
			return
		}

		if metrics != nil {
			if !firstToken.IsZero() {
				metrics.RecordTimeToFirstToken(result.Route, firstToken.Sub(start).Seconds())
			}
			metrics.RecordRequest(result.Route, true, time.Since(start).Seconds())
		}

		if len(result.Citations) > 0 {
			_ = writer.WriteCitations(result.Citations)
		}
		_ = writer.WriteDone(result.SessionID, result.Route, result.Cached)
	}
}

// failureRoute labels the route of a failed request. Requests that die
// before routing carry no route; they bucket under "unknown" rather
// than an empty label.
func failureRoute(route string) string {
	if route == "" {
		return "unknown"
	}
	return route
}

// errorKind buckets a pipeline failure for the errors_total metric.
func errorKind(err error) string {
	switch {
	case llm.IsProviderError(err):
		return "provider"
	case sqlpath.IsSQLInvalid(err):
		return "sql_invalid"
	case sqlpath.IsSQLCapacity(err):
		return "sql_capacity"
	case memory.IsUnavailable(err):
		return "memory"
	default:
		return "internal"
	}
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// taskLister exposes the configured registry tasks.
type taskLister interface {
	Tasks() []string
}

// HandleStats returns session store statistics and the configured LLM
// task names. Intended for operators, not end users.
func HandleStats(store *memory.Store, registry taskLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := answerTracer.Start(c.Request.Context(), "HandleStats")
		defer span.End()

		stats, err := store.Stats(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Session stats failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"sessions": stats,
			"tasks":    registry.Tasks(),
		})
	}
}

// HandleClearSession deletes the history of one session.
func HandleClearSession(store *memory.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := answerTracer.Start(c.Request.Context(), "HandleClearSession")
		defer span.End()

		sessionID := c.Param("sessionId")
		if sessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing session id"})
			return
		}

		if err := store.Clear(ctx, sessionID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Session clear failed", "session_id", sessionID, "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"cleared": sessionID})
	}
}
