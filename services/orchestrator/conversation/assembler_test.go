// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/Tidewater/services/orchestrator/budget"
	"github.com/AleutianAI/Tidewater/services/orchestrator/datatypes"
	"github.com/AleutianAI/Tidewater/services/orchestrator/store"
)

func seedConversation(t *testing.T, s *store.MemoryStore, userID string, n int) string {
	t.Helper()
	conv := &datatypes.Conversation{UserID: userID}
	if err := s.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}
	base := time.Now().Add(-time.Hour).UnixMilli()
	for i := 0; i < n; i++ {
		role := datatypes.RoleUser
		if i%2 == 1 {
			role = datatypes.RoleAssistant
		}
		m := &datatypes.Message{
			ConversationID: conv.ID,
			Role:           role,
			Content:        fmt.Sprintf("turn %03d with some moderately sized content to count against budget", i),
			CreatedAt:      base + int64(i),
		}
		if err := s.InsertMessage(context.Background(), m); err != nil {
			t.Fatalf("failed to insert message: %v", err)
		}
	}
	return conv.ID
}

func totalEstimate(turns []Turn) int {
	total := 0
	for _, turn := range turns {
		total += budget.Estimate(turn.Content)
	}
	return total
}

func TestRecency_NeverExceedsCeiling(t *testing.T) {
	s := store.NewMemoryStore()
	convID := seedConversation(t, s, "user-1", 40)
	a := NewRecencyAssembler(s)

	for _, ceiling := range []int{0, 10, 50, 100, 500, 5000} {
		result, err := a.Assemble(context.Background(), convID, ceiling, Options{})
		if err != nil {
			t.Fatalf("assemble failed at ceiling %d: %v", ceiling, err)
		}
		if got := totalEstimate(result.Turns); got > ceiling {
			t.Errorf("ceiling %d exceeded: estimated %d tokens", ceiling, got)
		}
	}
}

func TestRecency_EmptyConversation(t *testing.T) {
	s := store.NewMemoryStore()
	convID := seedConversation(t, s, "user-1", 0)
	a := NewRecencyAssembler(s)

	result, err := a.Assemble(context.Background(), convID, 1000, Options{})
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	if len(result.Turns) != 0 {
		t.Errorf("expected no turns, got %d", len(result.Turns))
	}
	if result.SourceTag != "recency" {
		t.Errorf("expected sourceTag %q, got %q", "recency", result.SourceTag)
	}
}

func TestRecency_ChronologicalOrder(t *testing.T) {
	s := store.NewMemoryStore()
	convID := seedConversation(t, s, "user-1", 6)
	a := NewRecencyAssembler(s)

	result, err := a.Assemble(context.Background(), convID, 100000, Options{})
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	if len(result.Turns) != 6 {
		t.Fatalf("expected all 6 turns kept, got %d", len(result.Turns))
	}
	for i, turn := range result.Turns {
		want := fmt.Sprintf("turn %03d", i)
		if !strings.HasPrefix(turn.Content, want) {
			t.Errorf("turn %d out of order: got %q", i, turn.Content)
		}
	}
}

func TestRecency_SkipsOversizedWithoutAborting(t *testing.T) {
	s := store.NewMemoryStore()
	conv := &datatypes.Conversation{UserID: "user-1"}
	s.CreateConversation(context.Background(), conv)
	s.InsertMessage(context.Background(), &datatypes.Message{
		ConversationID: conv.ID, Role: datatypes.RoleUser, Content: "small old turn", CreatedAt: 1,
	})
	s.InsertMessage(context.Background(), &datatypes.Message{
		ConversationID: conv.ID, Role: datatypes.RoleAssistant,
		Content: strings.Repeat("oversized ", 2000), CreatedAt: 2,
	})
	s.InsertMessage(context.Background(), &datatypes.Message{
		ConversationID: conv.ID, Role: datatypes.RoleUser, Content: "small new turn", CreatedAt: 3,
	})

	a := NewRecencyAssembler(s)
	result, err := a.Assemble(context.Background(), conv.ID, 50, Options{})
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	if result.KeptMessages != 2 {
		t.Fatalf("expected 2 kept messages around the oversized one, got %d", result.KeptMessages)
	}
	if result.Turns[0].Content != "small old turn" || result.Turns[1].Content != "small new turn" {
		t.Errorf("unexpected kept turns: %+v", result.Turns)
	}
}

func TestRecency_EmptyExternalListMeansNone(t *testing.T) {
	s := store.NewMemoryStore()
	convID := seedConversation(t, s, "user-1", 2)
	otherID := seedConversation(t, s, "user-1", 5)
	_ = otherID

	a := NewRecencyAssembler(s)
	result, err := a.Assemble(context.Background(), convID, 100000, Options{
		UserID:                "user-1",
		ExternalConversations: []string{},
	})
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	for _, turn := range result.Turns {
		if strings.Contains(turn.Content, "other chats") {
			t.Errorf("explicit empty inclusion list still produced external block: %q", turn.Content)
		}
	}
	if len(result.Turns) != 2 {
		t.Errorf("expected only the conversation's own 2 turns, got %d", len(result.Turns))
	}
}

func TestRecency_DefaultInclusionAddsDelimitedBlock(t *testing.T) {
	s := store.NewMemoryStore()
	convID := seedConversation(t, s, "user-1", 2)
	seedConversation(t, s, "user-1", 4)

	a := NewRecencyAssembler(s)
	result, err := a.Assemble(context.Background(), convID, 100000, Options{UserID: "user-1"})
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	if len(result.Turns) != 3 {
		t.Fatalf("expected 2 own turns plus 1 external block, got %d", len(result.Turns))
	}
	block := result.Turns[0].Content
	if !strings.Contains(block, "other chats") || !strings.Contains(block, "End of other-chat context") {
		t.Errorf("external block missing delimiters: %q", block)
	}
	if got := totalEstimate(result.Turns); got > 100000 {
		t.Errorf("ceiling exceeded with external block: %d", got)
	}
}

func TestRecency_PerChatCapBoundsExternalBlock(t *testing.T) {
	s := store.NewMemoryStore()
	convID := seedConversation(t, s, "user-1", 1)
	seedConversation(t, s, "user-1", 50)

	a := NewRecencyAssembler(s)
	result, err := a.Assemble(context.Background(), convID, 100000, Options{
		UserID:          "user-1",
		PerChatTokenCap: 40,
	})
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	for _, turn := range result.Turns {
		if strings.Contains(turn.Content, "other chats") {
			if cost := budget.Estimate(turn.Content); cost > 100 {
				t.Errorf("external block %d tokens, expected capped well below candidate total", cost)
			}
			return
		}
	}
	t.Fatal("expected an external block")
}

func TestTopics_SelectsRelevantTopicSummaries(t *testing.T) {
	s := store.NewMemoryStore()
	conv := &datatypes.Conversation{UserID: "user-1"}
	s.CreateConversation(context.Background(), conv)
	s.CreateTopic(context.Background(), &datatypes.Topic{
		ConversationID: conv.ID, Label: "kubernetes deployment",
		Summary: "Discussed rolling updates and liveness probes.", CreatedAt: 1,
	})
	s.CreateTopic(context.Background(), &datatypes.Topic{
		ConversationID: conv.ID, Label: "vacation planning",
		Summary: "Compared flight prices for October.", CreatedAt: 2,
	})

	a := NewTopicAssembler(s)
	result, err := a.Assemble(context.Background(), conv.ID, 1000, Options{
		Prompt: "how do I fix my kubernetes deployment probes",
	})
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	if result.SourceTag != "topics" {
		t.Errorf("expected sourceTag %q, got %q", "topics", result.SourceTag)
	}
	if len(result.Turns) == 0 {
		t.Fatal("expected a topic context turn")
	}
	block := result.Turns[0].Content
	k8s := strings.Index(block, "kubernetes deployment")
	vacation := strings.Index(block, "vacation planning")
	if k8s == -1 {
		t.Fatalf("relevant topic missing from context: %q", block)
	}
	if vacation != -1 && vacation < k8s {
		t.Errorf("less relevant topic ranked first: %q", block)
	}
}

func TestTopics_RespectsCeiling(t *testing.T) {
	s := store.NewMemoryStore()
	conv := &datatypes.Conversation{UserID: "user-1"}
	s.CreateConversation(context.Background(), conv)
	for i := 0; i < 10; i++ {
		s.CreateTopic(context.Background(), &datatypes.Topic{
			ConversationID: conv.ID,
			Label:          fmt.Sprintf("topic %d", i),
			Summary:        strings.Repeat("summary content ", 30),
			CreatedAt:      int64(i),
		})
	}
	for i := 0; i < 20; i++ {
		s.InsertMessage(context.Background(), &datatypes.Message{
			ConversationID: conv.ID, Role: datatypes.RoleUser,
			Content: strings.Repeat("message content ", 10), CreatedAt: int64(100 + i),
		})
	}

	a := NewTopicAssembler(s)
	for _, ceiling := range []int{10, 100, 400} {
		result, err := a.Assemble(context.Background(), conv.ID, ceiling, Options{Prompt: "topic"})
		if err != nil {
			t.Fatalf("assemble failed: %v", err)
		}
		if got := totalEstimate(result.Turns); got > ceiling {
			t.Errorf("ceiling %d exceeded: %d", ceiling, got)
		}
	}
}
