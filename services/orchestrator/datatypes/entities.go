// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains the durable entities the orchestrator reads and writes:
// conversations, messages, topics, artifacts, memories, and permanent
// instructions. Request/response types live in chat.go; wire events in
// events.go.
package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Roles and Enumerations
// =============================================================================

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MemoryType tags a durable memory so the Decision Router can load only the
// categories relevant to the current turn.
type MemoryType string

const (
	MemoryTypeFact       MemoryType = "fact"
	MemoryTypePreference MemoryType = "preference"
	MemoryTypeProject    MemoryType = "project"
	MemoryTypePersona    MemoryType = "persona"
)

// InstructionScope determines where a permanent instruction applies.
type InstructionScope string

const (
	InstructionScopeUser         InstructionScope = "user"
	InstructionScopeConversation InstructionScope = "conversation"
)

// Well-known conversation metadata keys. These hold durable session
// references created lazily during a request and reused on later turns.
const (
	// MetaKeySandboxContainer is the reusable code-execution container id.
	MetaKeySandboxContainer = "sandbox_container_id"

	// MetaKeyEvidenceIndex is the durable evidence/document index id.
	MetaKeyEvidenceIndex = "evidence_index_id"
)

// =============================================================================
// Conversation
// =============================================================================

// Conversation is the durable container for a chat thread.
//
// # Description
//
// The orchestrator never deletes conversations; it only patches the Metadata
// map when durable session references (sandbox container id, evidence index
// id) are first created. Those writes are idempotent upserts keyed by
// conversation id with last-writer-wins semantics, so duplicate requests for
// the same conversation may race safely.
//
// # Fields
//
//   - ID: Conversation identifier (UUID v4).
//   - UserID: Owning user; every request is checked against this before any
//     streaming begins.
//   - ProjectID: Optional project association used by the topic-structured
//     context strategy.
//   - Title: Display title.
//   - Metadata: Free-form map; see MetaKey* constants for well-known keys.
//   - CreatedAt: Unix milliseconds (UTC).
type Conversation struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	ProjectID string         `json:"project_id,omitempty"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

// =============================================================================
// Message
// =============================================================================

// MessageMetadata is the structured metadata finalized onto an assistant row.
//
// Assistant messages begin as a placeholder row with empty metadata; the
// Streaming Engine fills this in during FINALIZING. User messages carry only
// AttachmentRefs.
type MessageMetadata struct {
	Model           string   `json:"model,omitempty"`
	ReasoningEffort string   `json:"reasoning_effort,omitempty"`
	Reasoning       string   `json:"reasoning,omitempty"`
	EvidenceSources []string `json:"evidence_sources,omitempty"`
	AttachmentRefs  []string `json:"attachment_refs,omitempty"`
	ContentHash     string   `json:"content_hash,omitempty"`
	InputTokens     int      `json:"input_tokens,omitempty"`
	OutputTokens    int      `json:"output_tokens,omitempty"`
	DurationMs      int64    `json:"duration_ms,omitempty"`
	TimeToFirstMs   int64    `json:"time_to_first_ms,omitempty"`
	Partial         bool     `json:"partial,omitempty"`
}

// Message is a single turn in a conversation.
//
// # Description
//
// User messages are inserted before orchestration begins (or are pre-existing
// on retry). Assistant messages are inserted as a placeholder at first-token
// time and finalized in place once streaming completes. The placeholder row is
// the unit of idempotent re-entry: if a client disconnects mid-stream, the row
// remains queryable with whatever partial content was received.
//
// # Invariant
//
// A message's TopicID, once assigned, is only ever reassigned by the Writer
// Router reconciling a stub topic into a fully-described one. It is never
// cleared while an Artifact references the topic.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	Metadata       MessageMetadata `json:"metadata,omitempty"`
	TopicID        string          `json:"topic_id,omitempty"`
	CreatedAt      int64           `json:"created_at"`
}

// =============================================================================
// Topic
// =============================================================================

// Topic is a conversation-scoped node in a topic tree.
//
// A topic is created lazily as a stub (Label only, Stub=true) the moment the
// Decision Router calls for a new topic, so every downstream component has a
// concrete id to reference. The Writer Router later refines the stub with a
// real label, description, and running summary once the reply is known.
type Topic struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	ParentTopicID  string `json:"parent_topic_id,omitempty"`
	Label          string `json:"label"`
	Description    string `json:"description,omitempty"`
	Summary        string `json:"summary,omitempty"`

	// TokenEstimate bounds cross-reference inclusion: the Context Assembler
	// uses it to decide whether a summarized topic fits the remaining budget.
	TokenEstimate int   `json:"token_estimate,omitempty"`
	Stub          bool  `json:"stub,omitempty"`
	CreatedAt     int64 `json:"created_at"`
}

// =============================================================================
// Artifact
// =============================================================================

// ArtifactKind categorizes derived content objects.
type ArtifactKind string

const (
	ArtifactKindCode     ArtifactKind = "code"
	ArtifactKindDocument ArtifactKind = "document"
	ArtifactKindData     ArtifactKind = "data"
)

// Artifact is a derived content object attached to a topic and to the message
// that produced it. Artifacts are append-only; they are never updated or
// deleted by this subsystem.
type Artifact struct {
	ID        string       `json:"id"`
	TopicID   string       `json:"topic_id"`
	MessageID string       `json:"message_id"`
	Kind      ArtifactKind `json:"kind"`
	Title     string       `json:"title"`
	Content   string       `json:"content"`
	Summary   string       `json:"summary,omitempty"`
	Keywords  []string     `json:"keywords,omitempty"`
	CreatedAt int64        `json:"created_at"`
}

// =============================================================================
// Memory
// =============================================================================

// Memory is a durable, user-scoped fact or preference.
//
// Memories are written and deleted only through explicit, reasoned decisions
// from the Writer Router; they are never silently overwritten.
type Memory struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Type      MemoryType `json:"type"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Enabled   bool       `json:"enabled"`
	CreatedAt int64      `json:"created_at"`
}

// =============================================================================
// PermanentInstruction
// =============================================================================

// PermanentInstruction is a standing instruction injected into every future
// system prompt until explicitly revoked. Scope is either the whole user or a
// single conversation.
type PermanentInstruction struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	Scope          InstructionScope `json:"scope"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Content        string           `json:"content"`
	CreatedAt      int64            `json:"created_at"`
}

// =============================================================================
// Helpers
// =============================================================================

// NewID returns a fresh UUID v4 string for entity identifiers.
func NewID() string {
	return uuid.NewString()
}

// NowMillis returns the current Unix timestamp in milliseconds (UTC).
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
