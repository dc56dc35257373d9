// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides the durable-store collaborator contract for the
// orchestrator, plus two implementations: a Weaviate-backed production store
// and an in-memory store used in tests and lightweight mode (no Weaviate
// configured).
package store

import (
	"context"
	"errors"

	"github.com/AleutianAI/Tidewater/services/orchestrator/datatypes"
)

// =============================================================================
// Errors
// =============================================================================

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// =============================================================================
// Patch Types
// =============================================================================

// MessagePatch is a partial-field update for a message. Nil fields are left
// untouched, so concurrent writers never clobber each other's fields.
type MessagePatch struct {
	Content  *string
	Metadata *datatypes.MessageMetadata
	TopicID  *string
}

// TopicPatch is a partial-field update for a topic.
type TopicPatch struct {
	Label         *string
	Description   *string
	Summary       *string
	TokenEstimate *int
	Stub          *bool
}

// =============================================================================
// Store Interface
// =============================================================================

// Store is the durable-store contract the orchestrator depends on.
//
// # Description
//
// CRUD over Conversation/Message/Topic/Artifact/Memory/PermanentInstruction,
// queryable by conversation id and ordered by creation time. Updates are
// partial (patch semantics); MergeConversationMetadata is an idempotent
// last-writer-wins upsert keyed by conversation id, safe to race across
// duplicate requests.
//
// # Conventions
//
//   - User message ids equal the originating request id, which makes retry
//     idempotent: a pre-existing row for the same request id is reused.
//   - List methods return newest-first unless documented otherwise.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Conversations
	GetConversation(ctx context.Context, id string) (*datatypes.Conversation, error)
	CreateConversation(ctx context.Context, c *datatypes.Conversation) error
	MergeConversationMetadata(ctx context.Context, id string, patch map[string]any) error

	// Messages
	InsertMessage(ctx context.Context, m *datatypes.Message) error
	GetMessage(ctx context.Context, id string) (*datatypes.Message, error)
	UpdateMessage(ctx context.Context, id string, patch MessagePatch) error
	DeleteMessage(ctx context.Context, id string) error
	// ListMessages returns up to limit messages of the conversation,
	// newest first. limit <= 0 means no limit.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]datatypes.Message, error)
	// ListUserMessagesAcross returns messages from the user's other
	// conversations created at or after since (Unix millis), newest first.
	ListUserMessagesAcross(ctx context.Context, userID, excludeConversationID string, since int64, limit int) ([]datatypes.Message, error)

	// Topics
	CreateTopic(ctx context.Context, t *datatypes.Topic) error
	GetTopic(ctx context.Context, id string) (*datatypes.Topic, error)
	UpdateTopic(ctx context.Context, id string, patch TopicPatch) error
	ListTopics(ctx context.Context, conversationID string) ([]datatypes.Topic, error)
	// ListProjectTopics returns topics from other conversations in the same
	// project, for cross-conversation topic context.
	ListProjectTopics(ctx context.Context, projectID, excludeConversationID string) ([]datatypes.Topic, error)

	// Artifacts (append-only)
	CreateArtifact(ctx context.Context, a *datatypes.Artifact) error
	ListTopicArtifacts(ctx context.Context, topicID string) ([]datatypes.Artifact, error)

	// Memories
	ListMemories(ctx context.Context, userID string, types []datatypes.MemoryType) ([]datatypes.Memory, error)
	CreateMemory(ctx context.Context, m *datatypes.Memory) error
	DeleteMemory(ctx context.Context, id string) error

	// Permanent instructions, user-scoped plus conversation-scoped.
	ListInstructions(ctx context.Context, userID, conversationID string) ([]datatypes.PermanentInstruction, error)
}
