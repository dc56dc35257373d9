// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"testing"

	"github.com/AleutianAI/Tidewater/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ConversationRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	conv := &datatypes.Conversation{
		UserID:   "user-1",
		Title:    "release planning",
		Metadata: map[string]any{"origin": "test"},
	}
	require.NoError(t, s.CreateConversation(ctx, conv))
	require.NotEmpty(t, conv.ID, "create must assign an id")

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "release planning", got.Title)

	// Reads return copies; mutating one must not leak into the store.
	got.Metadata["origin"] = "mutated"
	again, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "test", again.Metadata["origin"])

	_, err = s.GetConversation(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_MergeConversationMetadata_Upserts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	conv := &datatypes.Conversation{UserID: "user-1"}
	require.NoError(t, s.CreateConversation(ctx, conv))

	require.NoError(t, s.MergeConversationMetadata(ctx, conv.ID, map[string]any{
		datatypes.MetaKeyEvidenceIndex: "idx-1",
	}))
	require.NoError(t, s.MergeConversationMetadata(ctx, conv.ID, map[string]any{
		datatypes.MetaKeyEvidenceIndex:    "idx-2",
		datatypes.MetaKeySandboxContainer: "ctr-1",
	}))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "idx-2", got.Metadata[datatypes.MetaKeyEvidenceIndex], "last writer wins")
	assert.Equal(t, "ctr-1", got.Metadata[datatypes.MetaKeySandboxContainer])

	require.ErrorIs(t, s.MergeConversationMetadata(ctx, "missing", map[string]any{"k": "v"}), ErrNotFound)
}

func TestMemoryStore_ListMessages_NewestFirstWithLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	conv := &datatypes.Conversation{UserID: "user-1"}
	require.NoError(t, s.CreateConversation(ctx, conv))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertMessage(ctx, &datatypes.Message{
			ConversationID: conv.ID,
			Role:           datatypes.RoleUser,
			Content:        "m",
			CreatedAt:      int64(1000 + i),
		}))
	}

	msgs, err := s.ListMessages(ctx, conv.ID, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.EqualValues(t, 1004, msgs[0].CreatedAt)
	assert.EqualValues(t, 1002, msgs[2].CreatedAt)
}

func TestMemoryStore_UpdateMessage_PatchesOnlySetFields(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	msg := &datatypes.Message{
		ConversationID: "conv-1",
		Role:           datatypes.RoleAssistant,
		Content:        "partial reply",
		TopicID:        "topic-1",
	}
	require.NoError(t, s.InsertMessage(ctx, msg))

	content := "full reply"
	require.NoError(t, s.UpdateMessage(ctx, msg.ID, MessagePatch{Content: &content}))

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "full reply", got.Content)
	assert.Equal(t, "topic-1", got.TopicID, "unset patch fields stay untouched")
}

func TestMemoryStore_ListUserMessagesAcross_ScopesAndExcludes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mine := &datatypes.Conversation{UserID: "user-1"}
	other := &datatypes.Conversation{UserID: "user-1"}
	theirs := &datatypes.Conversation{UserID: "user-2"}
	require.NoError(t, s.CreateConversation(ctx, mine))
	require.NoError(t, s.CreateConversation(ctx, other))
	require.NoError(t, s.CreateConversation(ctx, theirs))

	insert := func(convID string, at int64) {
		require.NoError(t, s.InsertMessage(ctx, &datatypes.Message{
			ConversationID: convID,
			Role:           datatypes.RoleUser,
			Content:        "x",
			CreatedAt:      at,
		}))
	}
	insert(mine.ID, 100)   // excluded conversation
	insert(other.ID, 50)   // too old
	insert(other.ID, 200)  // wanted
	insert(theirs.ID, 300) // other tenant

	msgs, err := s.ListUserMessagesAcross(ctx, "user-1", mine.ID, 100, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, other.ID, msgs[0].ConversationID)
}

func TestMemoryStore_ListMemories_FiltersDisabledAndType(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateMemory(ctx, &datatypes.Memory{
		UserID: "user-1", Type: datatypes.MemoryTypeFact, Title: "enabled fact", Enabled: true,
	}))
	require.NoError(t, s.CreateMemory(ctx, &datatypes.Memory{
		UserID: "user-1", Type: datatypes.MemoryTypeFact, Title: "disabled fact", Enabled: false,
	}))
	require.NoError(t, s.CreateMemory(ctx, &datatypes.Memory{
		UserID: "user-1", Type: datatypes.MemoryTypePreference, Title: "pref", Enabled: true,
	}))

	facts, err := s.ListMemories(ctx, "user-1", []datatypes.MemoryType{datatypes.MemoryTypeFact})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "enabled fact", facts[0].Title)

	all, err := s.ListMemories(ctx, "user-1", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2, "nil types means all enabled memories")
}

func TestMemoryStore_ListInstructions_RespectsScope(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateInstruction(ctx, &datatypes.PermanentInstruction{
		UserID: "user-1", Scope: datatypes.InstructionScopeUser, Content: "always cite sources",
	}))
	require.NoError(t, s.CreateInstruction(ctx, &datatypes.PermanentInstruction{
		UserID: "user-1", Scope: datatypes.InstructionScopeConversation,
		ConversationID: "conv-1", Content: "speak French here",
	}))

	inConv, err := s.ListInstructions(ctx, "user-1", "conv-1")
	require.NoError(t, err)
	assert.Len(t, inConv, 2)

	elsewhere, err := s.ListInstructions(ctx, "user-1", "conv-2")
	require.NoError(t, err)
	require.Len(t, elsewhere, 1)
	assert.Equal(t, "always cite sources", elsewhere[0].Content)
}
