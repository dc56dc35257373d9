// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains the non-streaming read endpoints. Every conversation
// read goes through the same ownership gate as the streaming path: a
// conversation owned by another user is a 403, never leaked content.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/AleutianAI/Tidewater/services/orchestrator/datatypes"
	"github.com/AleutianAI/Tidewater/services/orchestrator/middleware"
	"github.com/AleutianAI/Tidewater/services/orchestrator/store"
	"github.com/gin-gonic/gin"
)

// defaultMessagePageSize bounds GET message listings when the client does not
// say how many it wants.
const defaultMessagePageSize = 50

// gateConversation loads the conversation and enforces ownership. A non-nil
// return means the response has already been written.
func gateConversation(c *gin.Context, st store.Store, conversationID string) *datatypes.Conversation {
	conv, err := st.GetConversation(c.Request.Context(), conversationID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return nil
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "loading conversation failed"})
		return nil
	}
	if conv.UserID != middleware.GetUserID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "conversation belongs to another user"})
		return nil
	}
	return conv
}

// GetConversation returns the handler for GET /v1/conversations/:id.
func GetConversation(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		conv := gateConversation(c, st, c.Param("id"))
		if conv == nil {
			return
		}
		c.JSON(http.StatusOK, conv)
	}
}

// CreateConversation returns the handler for POST /v1/conversations. The new
// conversation belongs to the authenticated user regardless of the body.
func CreateConversation(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Title string `json:"title"`
		}
		// An empty body is a valid untitled conversation.
		_ = c.ShouldBindJSON(&body)

		conv := &datatypes.Conversation{
			ID:        datatypes.NewID(),
			UserID:    middleware.GetUserID(c),
			Title:     body.Title,
			CreatedAt: datatypes.NowMillis(),
		}
		if err := st.CreateConversation(c.Request.Context(), conv); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "creating conversation failed"})
			return
		}
		c.JSON(http.StatusCreated, conv)
	}
}

// ListConversationMessages returns the handler for
// GET /v1/conversations/:id/messages. Results are newest first; ?limit caps
// the page.
func ListConversationMessages(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		conv := gateConversation(c, st, c.Param("id"))
		if conv == nil {
			return
		}
		limit := defaultMessagePageSize
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = parsed
		}
		msgs, err := st.ListMessages(c.Request.Context(), conv.ID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "listing messages failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
	}
}

// ListConversationTopics returns the handler for
// GET /v1/conversations/:id/topics.
func ListConversationTopics(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		conv := gateConversation(c, st, c.Param("id"))
		if conv == nil {
			return
		}
		topics, err := st.ListTopics(c.Request.Context(), conv.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "listing topics failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"topics": topics, "count": len(topics)})
	}
}

// ListMemories returns the handler for GET /v1/memories. ?types filters by a
// comma-separated list of memory types; absent means all.
func ListMemories(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var types []datatypes.MemoryType
		if raw := c.Query("types"); raw != "" {
			for _, t := range strings.Split(raw, ",") {
				types = append(types, datatypes.MemoryType(strings.TrimSpace(t)))
			}
		}
		memories, err := st.ListMemories(c.Request.Context(), middleware.GetUserID(c), types)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "listing memories failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"memories": memories, "count": len(memories)})
	}
}

// DeleteMemory returns the handler for DELETE /v1/memories/:id. Only the
// owner's memories are reachable.
func DeleteMemory(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		id := c.Param("id")

		memories, err := st.ListMemories(c.Request.Context(), userID, nil)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "loading memories failed"})
			return
		}
		owned := false
		for _, m := range memories {
			if m.ID == id {
				owned = true
				break
			}
		}
		if !owned {
			c.JSON(http.StatusNotFound, gin.H{"error": "memory not found"})
			return
		}
		if err := st.DeleteMemory(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "deleting memory failed"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// ListInstructions returns the handler for GET /v1/instructions.
// ?conversation_id scopes to one conversation's instructions in addition to
// the user's global ones.
func ListInstructions(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		conversationID := c.Query("conversation_id")
		if conversationID != "" {
			if conv := gateConversation(c, st, conversationID); conv == nil {
				return
			}
		}
		instructions, err := st.ListInstructions(c.Request.Context(), middleware.GetUserID(c), conversationID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "listing instructions failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"instructions": instructions, "count": len(instructions)})
	}
}

// HealthCheck reports process liveness for load balancers and probes.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
