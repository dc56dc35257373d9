// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// =============================================================================
// STREAMING CHAT MODULE
// =============================================================================
//
// This module implements the NDJSON streaming chat endpoint. One POST turns
// one user turn into a streamed assistant reply; the wire contract is:
//
//   model_info  - once, first
//   status      - zero or more (tool lifecycle, search domains, pings)
//   preamble    - zero or more (reasoning summaries)
//   token       - zero or more (assistant text deltas)
//   error       - at most one (mid-stream failures surface in-band)
//   meta        - exactly once on success, immediately before done
//   done        - exactly once, always last
//
// Pre-stream failures (validation, ownership) never start the stream; they
// map to plain HTTP statuses instead, which is why the orchestrator runs its
// gate phases before the first line is written.
//
// =============================================================================

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/Tidewater/services/orchestrator/datatypes"
	"github.com/AleutianAI/Tidewater/services/orchestrator/middleware"
	"github.com/AleutianAI/Tidewater/services/orchestrator/observability"
	"github.com/AleutianAI/Tidewater/services/orchestrator/services"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("tidewater.orchestrator.handlers")

// HandleChatStream returns the handler for POST /v1/chat/stream.
//
// # Description
//
// Binds and validates the turn request, resolves the authenticated user,
// switches the response to NDJSON, and hands the connection to the
// orchestrator. Errors that occur before the first wire event become HTTP
// statuses; everything after surfaces in-band through error and done events.
//
// # Inputs
//
//   - orchestrator: The turn pipeline.
//   - metrics: Streaming metrics; nil disables recording.
//
// # Outputs
//
//   - gin.HandlerFunc: Route handler.
func HandleChatStream(orchestrator *services.Orchestrator, metrics *observability.StreamingMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleChatStream")
		defer span.End()

		// Step 1: Bind and validate before touching anything durable.
		var req datatypes.TurnRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			recordValidation(metrics)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		req.EnsureDefaults()
		if err := req.Validate(); err != nil {
			recordValidation(metrics)
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed: " + err.Error()})
			return
		}
		span.SetAttributes(
			attribute.String("chat.request_id", req.RequestID),
			attribute.String("chat.conversation_id", req.ConversationID),
		)

		// Step 2: The auth middleware already ran; absence here is a wiring
		// bug, not a client error.
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		// Step 3: Switch to streaming. Headers are not committed until the
		// first body write, so pre-stream errors below can still override
		// them with a JSON status response.
		SetStreamHeaders(c.Writer)
		writer, err := NewStreamWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
			return
		}

		// Step 4: Run the turn. The engine records terminal request metrics
		// for every stream it starts; the handler only counts failures that
		// never reached it.
		err = orchestrator.StreamTurn(ctx, userID, &req, writer)
		switch {
		case err == nil:
		case errors.Is(err, services.ErrConversationNotFound):
			recordRequest(metrics, "error")
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		case errors.Is(err, services.ErrForbidden):
			recordRequest(metrics, "error")
			c.JSON(http.StatusForbidden, gin.H{"error": "conversation belongs to another user"})
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Chat stream failed",
				"request_id", req.RequestID,
				"conversation_id", req.ConversationID,
				"error", err,
			)
			// After the first NDJSON line the status is committed, the
			// failure has already been reported in-band, and the engine has
			// already counted it.
			if !c.Writer.Written() {
				recordRequest(metrics, "error")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}
	}
}

func recordRequest(metrics *observability.StreamingMetrics, status string) {
	if metrics != nil {
		metrics.RecordRequest(status)
	}
}

func recordValidation(metrics *observability.StreamingMetrics) {
	if metrics != nil {
		metrics.RecordError(observability.ErrorCodeValidation)
	}
}
