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
	"sort"
	"sync"

	"github.com/AleutianAI/Tidewater/services/orchestrator/datatypes"
)

// MemoryStore is an in-process Store used in tests and in lightweight mode
// when no Weaviate endpoint is configured. All data is lost on restart.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*datatypes.Conversation
	messages      map[string]*datatypes.Message
	topics        map[string]*datatypes.Topic
	artifacts     map[string]*datatypes.Artifact
	memories      map[string]*datatypes.Memory
	instructions  map[string]*datatypes.PermanentInstruction
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*datatypes.Conversation),
		messages:      make(map[string]*datatypes.Message),
		topics:        make(map[string]*datatypes.Topic),
		artifacts:     make(map[string]*datatypes.Artifact),
		memories:      make(map[string]*datatypes.Memory),
		instructions:  make(map[string]*datatypes.PermanentInstruction),
	}
}

var _ Store = (*MemoryStore)(nil)

// =============================================================================
// Conversations
// =============================================================================

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*datatypes.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	if c.Metadata != nil {
		cp.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp, nil
}

func (s *MemoryStore) CreateConversation(_ context.Context, c *datatypes.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = datatypes.NewID()
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = datatypes.NowMillis()
	}
	cp := *c
	s.conversations[c.ID] = &cp
	return nil
}

func (s *MemoryStore) MergeConversationMetadata(_ context.Context, id string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if c.Metadata == nil {
		c.Metadata = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		c.Metadata[k] = v
	}
	return nil
}

// =============================================================================
// Messages
// =============================================================================

func (s *MemoryStore) InsertMessage(_ context.Context, m *datatypes.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = datatypes.NewID()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = datatypes.NowMillis()
	}
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*datatypes.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, id string, patch MessagePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Content != nil {
		m.Content = *patch.Content
	}
	if patch.Metadata != nil {
		m.Metadata = *patch.Metadata
	}
	if patch.TopicID != nil {
		m.TopicID = *patch.TopicID
	}
	return nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string, limit int) ([]datatypes.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []datatypes.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, *m)
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListUserMessagesAcross(ctx context.Context, userID, excludeConversationID string, since int64, limit int) ([]datatypes.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owned := make(map[string]bool)
	for id, c := range s.conversations {
		if c.UserID == userID && id != excludeConversationID {
			owned[id] = true
		}
	}
	var out []datatypes.Message
	for _, m := range s.messages {
		if owned[m.ConversationID] && m.CreatedAt >= since {
			out = append(out, *m)
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// Topics
// =============================================================================

func (s *MemoryStore) CreateTopic(_ context.Context, t *datatypes.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = datatypes.NewID()
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = datatypes.NowMillis()
	}
	cp := *t
	s.topics[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTopic(_ context.Context, id string) (*datatypes.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.topics[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) UpdateTopic(_ context.Context, id string, patch TopicPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Label != nil {
		t.Label = *patch.Label
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Summary != nil {
		t.Summary = *patch.Summary
	}
	if patch.TokenEstimate != nil {
		t.TokenEstimate = *patch.TokenEstimate
	}
	if patch.Stub != nil {
		t.Stub = *patch.Stub
	}
	return nil
}

func (s *MemoryStore) ListTopics(_ context.Context, conversationID string) ([]datatypes.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []datatypes.Topic
	for _, t := range s.topics {
		if t.ConversationID == conversationID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

func (s *MemoryStore) ListProjectTopics(_ context.Context, projectID, excludeConversationID string) ([]datatypes.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if projectID == "" {
		return nil, nil
	}
	inProject := make(map[string]bool)
	for id, c := range s.conversations {
		if c.ProjectID == projectID && id != excludeConversationID {
			inProject[id] = true
		}
	}
	var out []datatypes.Topic
	for _, t := range s.topics {
		if inProject[t.ConversationID] {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// =============================================================================
// Artifacts
// =============================================================================

func (s *MemoryStore) CreateArtifact(_ context.Context, a *datatypes.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = datatypes.NewID()
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = datatypes.NowMillis()
	}
	cp := *a
	s.artifacts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) ListTopicArtifacts(_ context.Context, topicID string) ([]datatypes.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []datatypes.Artifact
	for _, a := range s.artifacts {
		if a.TopicID == topicID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// =============================================================================
// Memories
// =============================================================================

func (s *MemoryStore) ListMemories(_ context.Context, userID string, types []datatypes.MemoryType) ([]datatypes.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[datatypes.MemoryType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	var out []datatypes.Memory
	for _, m := range s.memories {
		if m.UserID != userID || !m.Enabled {
			continue
		}
		if len(types) > 0 && !wanted[m.Type] {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

func (s *MemoryStore) CreateMemory(_ context.Context, m *datatypes.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = datatypes.NewID()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = datatypes.NowMillis()
	}
	cp := *m
	s.memories[m.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteMemory(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[id]; !ok {
		return ErrNotFound
	}
	delete(s.memories, id)
	return nil
}

// =============================================================================
// Instructions
// =============================================================================

func (s *MemoryStore) ListInstructions(_ context.Context, userID, conversationID string) ([]datatypes.PermanentInstruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []datatypes.PermanentInstruction
	for _, in := range s.instructions {
		if in.UserID != userID {
			continue
		}
		if in.Scope == datatypes.InstructionScopeConversation && in.ConversationID != conversationID {
			continue
		}
		out = append(out, *in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// CreateInstruction is used by handlers and tests; not part of the core Store
// contract the orchestrator needs.
func (s *MemoryStore) CreateInstruction(_ context.Context, in *datatypes.PermanentInstruction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.ID == "" {
		in.ID = datatypes.NewID()
	}
	if in.CreatedAt == 0 {
		in.CreatedAt = datatypes.NowMillis()
	}
	cp := *in
	s.instructions[in.ID] = &cp
	return nil
}

func sortNewestFirst(msgs []datatypes.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt == msgs[j].CreatedAt {
			return msgs[i].ID > msgs[j].ID
		}
		return msgs[i].CreatedAt > msgs[j].CreatedAt
	})
}
