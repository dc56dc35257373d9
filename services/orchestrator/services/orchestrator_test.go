// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/Tidewater/services/llm"
	"github.com/AleutianAI/Tidewater/services/orchestrator/config"
	"github.com/AleutianAI/Tidewater/services/orchestrator/datatypes"
	"github.com/AleutianAI/Tidewater/services/orchestrator/engine"
	"github.com/AleutianAI/Tidewater/services/orchestrator/store"
	"github.com/AleutianAI/Tidewater/services/searchpipe"
	"github.com/google/uuid"
)

// =============================================================================
// Fakes
// =============================================================================

// captureClient records the request it was invoked with, then plays a fixed
// event sequence.
type captureClient struct {
	mu      sync.Mutex
	lastReq llm.ResponseRequest
	events  []llm.ProviderEvent
}

func (c *captureClient) StreamResponse(_ context.Context, req llm.ResponseRequest, cb llm.StreamCallback) error {
	c.mu.Lock()
	c.lastReq = req
	c.mu.Unlock()
	for _, ev := range c.events {
		cb(ev)
	}
	return nil
}

func (c *captureClient) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	return "", errors.New("not used")
}

func (c *captureClient) request() llm.ResponseRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReq
}

type memorySink struct {
	mu     sync.Mutex
	events []datatypes.WireEvent
}

func (s *memorySink) Send(ev *datatypes.WireEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type stubRetriever struct {
	result *searchpipe.RetrievalResult
}

func (r *stubRetriever) EnsureIndex(_ context.Context, conversationID string) (string, error) {
	return "idx-" + conversationID, nil
}

func (r *stubRetriever) Retrieve(_ context.Context, _ *searchpipe.RetrievalRequest, _ searchpipe.ProgressFunc) (*searchpipe.RetrievalResult, error) {
	return r.result, nil
}

// =============================================================================
// Helpers
// =============================================================================

func replyEvents(text string) []llm.ProviderEvent {
	return []llm.ProviderEvent{
		{Kind: llm.EventTextDelta, Text: text},
		{Kind: llm.EventFinalResponse, FinalText: text, Usage: llm.Usage{InputTokens: 5, OutputTokens: 1}},
	}
}

func newTestOrchestrator(t *testing.T, st store.Store, client llm.ModelClient, retriever searchpipe.Retriever) *Orchestrator {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	return NewOrchestrator(Deps{
		Store:     st,
		LLM:       client,
		Retriever: retriever,
		Config:    cfg,
		Accumulators: func() (engine.TokenAccumulator, error) {
			return engine.NewInsecureTokenAccumulator(), nil
		},
	})
}

func seedConversation(t *testing.T, st store.Store, userID string) *datatypes.Conversation {
	t.Helper()
	conv := &datatypes.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: datatypes.NowMillis(),
	}
	if err := st.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("seeding conversation: %v", err)
	}
	return conv
}

func turnRequest(conversationID, message string) *datatypes.TurnRequest {
	return &datatypes.TurnRequest{
		RequestID:      uuid.NewString(),
		Timestamp:      datatypes.NowMillis(),
		ConversationID: conversationID,
		Message:        message,
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestStreamTurn_UnknownConversationIs404(t *testing.T) {
	st := store.NewMemoryStore()
	o := newTestOrchestrator(t, st, &captureClient{events: replyEvents("hi")}, nil)
	sink := &memorySink{}

	err := o.StreamTurn(context.Background(), "user-1", turnRequest(uuid.NewString(), "hello"), sink)
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
	if sink.count() != 0 {
		t.Errorf("nothing may be streamed before validation, got %d events", sink.count())
	}
}

func TestStreamTurn_CrossTenantRejectedBeforeStreaming(t *testing.T) {
	st := store.NewMemoryStore()
	conv := seedConversation(t, st, "owner-user")
	o := newTestOrchestrator(t, st, &captureClient{events: replyEvents("hi")}, nil)
	sink := &memorySink{}

	err := o.StreamTurn(context.Background(), "intruder", turnRequest(conv.ID, "hello"), sink)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if sink.count() != 0 {
		t.Errorf("cross-tenant request must not stream, got %d events", sink.count())
	}
	msgs, _ := st.ListMessages(context.Background(), conv.ID, 0)
	if len(msgs) != 0 {
		t.Errorf("cross-tenant request must not persist, got %d messages", len(msgs))
	}
}

func TestStreamTurn_HappyPathPersistsBothRows(t *testing.T) {
	st := store.NewMemoryStore()
	conv := seedConversation(t, st, "user-1")
	o := newTestOrchestrator(t, st, &captureClient{events: replyEvents("the answer")}, nil)
	sink := &memorySink{}
	req := turnRequest(conv.ID, "hello there")

	if err := o.StreamTurn(context.Background(), "user-1", req, sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs, err := st.ListMessages(context.Background(), conv.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	var user, assistant int
	for _, m := range msgs {
		switch m.Role {
		case datatypes.RoleUser:
			user++
			if m.ID != req.RequestID {
				t.Errorf("user message id must equal request id, got %q", m.ID)
			}
		case datatypes.RoleAssistant:
			assistant++
			if m.Content != "the answer" {
				t.Errorf("assistant content: %q", m.Content)
			}
		}
	}
	if user != 1 || assistant != 1 {
		t.Errorf("expected 1 user + 1 assistant row, got %d + %d", user, assistant)
	}
}

func TestStreamTurn_RetryReusesUserMessage(t *testing.T) {
	st := store.NewMemoryStore()
	conv := seedConversation(t, st, "user-1")
	o := newTestOrchestrator(t, st, &captureClient{events: replyEvents("ok")}, nil)
	req := turnRequest(conv.ID, "same turn retried")

	if err := o.StreamTurn(context.Background(), "user-1", req, &memorySink{}); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if err := o.StreamTurn(context.Background(), "user-1", req, &memorySink{}); err != nil {
		t.Fatalf("retry: %v", err)
	}

	msgs, _ := st.ListMessages(context.Background(), conv.ID, 0)
	var user int
	for _, m := range msgs {
		if m.Role == datatypes.RoleUser {
			user++
		}
	}
	if user != 1 {
		t.Errorf("retry must reuse the user row, got %d user rows", user)
	}
}

func TestStreamTurn_SufficientEvidenceDisablesSearchTool(t *testing.T) {
	st := store.NewMemoryStore()
	conv := seedConversation(t, st, "user-1")
	client := &captureClient{events: replyEvents("grounded answer")}
	retriever := &stubRetriever{result: &searchpipe.RetrievalResult{
		Chunks: []searchpipe.Chunk{
			{Source: "https://example.org/a", Content: "fact", Score: 0.9},
			{Source: "https://example.org/b", Content: "fact", Score: 0.8},
		},
		TopScore: 0.9,
	}}
	o := newTestOrchestrator(t, st, client, retriever)

	req := turnRequest(conv.ID, "what is the latest release version")
	if err := o.StreamTurn(context.Background(), "user-1", req, &memorySink{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := client.request()
	if got.ToolChoice != llm.ToolChoiceNoSearch {
		t.Errorf("sufficient evidence must forbid the search tool, got %q", got.ToolChoice)
	}
	if got.Instructions == "" {
		t.Error("system prompt must not be empty")
	}
}

func TestStreamTurn_EnrichmentWritesMemory(t *testing.T) {
	st := store.NewMemoryStore()
	conv := seedConversation(t, st, "user-1")
	o := newTestOrchestrator(t, st, &captureClient{events: replyEvents("Noted.")}, nil)

	req := turnRequest(conv.ID, "Remember that I prefer tabs over spaces.")
	if err := o.StreamTurn(context.Background(), "user-1", req, &memorySink{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Enrichment is detached; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		memories, err := st.ListMemories(context.Background(), "user-1", nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(memories) == 1 {
			if memories[0].Type != datatypes.MemoryTypePreference {
				t.Errorf("expected a preference memory, got %q", memories[0].Type)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("enrichment never wrote the memory")
}

func TestStreamTurn_NewTopicGetsStubRow(t *testing.T) {
	st := store.NewMemoryStore()
	conv := seedConversation(t, st, "user-1")
	o := newTestOrchestrator(t, st, &captureClient{events: replyEvents("ok")}, nil)

	req := turnRequest(conv.ID, "how do kubernetes liveness probes work")
	if err := o.StreamTurn(context.Background(), "user-1", req, &memorySink{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	topics, err := st.ListTopics(context.Background(), conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(topics) != 1 {
		t.Fatalf("expected a stub topic for a fresh conversation, got %d", len(topics))
	}
	if topics[0].Label == "" {
		t.Error("stub topic must carry a provisional label")
	}
}
