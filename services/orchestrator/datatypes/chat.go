// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains request types for the streaming chat endpoint. Durable
// entities live in entities.go; wire events in events.go.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single user message.
	// Per SEC-003: Unbounded message input mitigation.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxAttachmentRefs bounds attachment references per turn.
	MaxAttachmentRefs = 16

	// MaxExternalConversations bounds the explicit cross-conversation
	// inclusion list a client may supply.
	MaxExternalConversations = 32
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	// Register custom validator for message content size (SEC-003)
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length (not rune count) against
// MaxMessageContentBytes to prevent memory exhaustion with large payloads.
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxMessageContentBytes
}

// =============================================================================
// Turn Request
// =============================================================================

// SpeedPreference hints the Decision Router toward latency or quality.
type SpeedPreference string

const (
	SpeedPreferenceAuto    SpeedPreference = "auto"
	SpeedPreferenceFast    SpeedPreference = "fast"
	SpeedPreferenceQuality SpeedPreference = "quality"
)

// TurnRequest is the body of POST /v1/chat/stream: one user turn to be
// orchestrated into a streamed assistant reply.
//
// # Fields
//
//   - RequestID: Required. UUID v4 identifier for tracing and idempotent
//     retry. On retry the user message inserted for this id is reused.
//   - Timestamp: Required. Unix timestamp in milliseconds (UTC).
//   - ConversationID: Required. The conversation this turn belongs to.
//   - Message: Required. The user's input, max 32KB (SEC-003).
//   - AttachmentRefs: Optional. Durable references to uploaded attachments.
//   - SpeedPreference: Optional. "auto" (default), "fast", or "quality".
//   - ForceLiveSearch: Optional. Overrides the Evidence Gate's skip logic and
//     requires a live search tool call even when evidence is weak. Never
//     overrides a sufficient-evidence prohibition on double searching.
//   - ExternalConversations: Optional. Explicit cross-conversation inclusion
//     list. nil means "use default inclusion"; an empty list means
//     "include none". The distinction is load-bearing (see conversation
//     package).
//   - Locale: Optional. BCP-47 locale for the evidence pipeline.
type TurnRequest struct {
	RequestID             string          `json:"request_id" validate:"required,uuid4"`
	Timestamp             int64           `json:"timestamp" validate:"required,gt=0"`
	ConversationID        string          `json:"conversation_id" validate:"required,uuid4"`
	Message               string          `json:"message" validate:"required,maxbytes"`
	AttachmentRefs        []string        `json:"attachment_refs,omitempty" validate:"omitempty,max=16"`
	SpeedPreference       SpeedPreference `json:"speed_preference,omitempty" validate:"omitempty,oneof=auto fast quality"`
	ForceLiveSearch       bool            `json:"force_live_search,omitempty"`
	ExternalConversations []string        `json:"external_conversations,omitempty" validate:"omitempty,max=32,dive,uuid4"`
	Locale                string          `json:"locale,omitempty"`
}

// Validate validates the TurnRequest fields using go-playground/validator
// tags and the custom maxbytes validator. Call after binding the JSON body.
func (r *TurnRequest) Validate() error {
	return chatValidate.Struct(r)
}

// EnsureDefaults populates RequestID, Timestamp, and SpeedPreference if the
// client omitted them, so every request has proper identifiers for tracing.
func (r *TurnRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
	if r.SpeedPreference == "" {
		r.SpeedPreference = SpeedPreferenceAuto
	}
}

// =============================================================================
// Token Usage
// =============================================================================

// TokenUsage contains token consumption statistics for one request.
type TokenUsage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
	CachedTokens    int `json:"cached_tokens,omitempty"`
}
