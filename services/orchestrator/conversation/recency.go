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
	"time"

	"github.com/AleutianAI/Tidewater/services/orchestrator/budget"
	"github.com/AleutianAI/Tidewater/services/orchestrator/datatypes"
	"github.com/AleutianAI/Tidewater/services/orchestrator/store"
	"go.opentelemetry.io/otel/attribute"
)

// RecencyAssembler keeps the newest messages that fit the ceiling.
//
// # Description
//
// Messages are considered newest-first. Each one is kept if it fits the
// remaining budget and skipped otherwise; a skip never aborts the scan, so a
// single oversized message in the middle of history does not cut off
// everything older than it. The kept set is then reversed into chronological
// order. Whatever budget remains afterward may be spent on a clearly
// delimited read-only block of messages from the user's other conversations,
// bounded by a lookback window and a per-chat token cap.
type RecencyAssembler struct {
	store store.Store
}

// NewRecencyAssembler builds the default context strategy.
func NewRecencyAssembler(s store.Store) *RecencyAssembler {
	return &RecencyAssembler{store: s}
}

var _ Assembler = (*RecencyAssembler)(nil)

// Assemble implements Assembler with the recency-window strategy.
func (a *RecencyAssembler) Assemble(ctx context.Context, conversationID string, ceilingTokens int, opts Options) (*Assembly, error) {
	ctx, span := tracer.Start(ctx, "RecencyAssembler.Assemble")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.Int("context.ceiling_tokens", ceilingTokens),
	)

	messages, err := a.store.ListMessages(ctx, conversationID, 0)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	result := &Assembly{
		SourceTag:     "recency",
		TotalMessages: len(messages),
	}

	// Step 1: Greedy newest-first selection. Skip, never abort.
	remaining := ceilingTokens
	var kept []datatypes.Message
	for _, m := range messages {
		cost := budget.Estimate(m.Content)
		if cost > remaining {
			continue
		}
		remaining -= cost
		result.UsedTokens += cost
		kept = append(kept, m)
	}

	// Step 2: Reverse into chronological order.
	for i := len(kept) - 1; i >= 0; i-- {
		result.Turns = append(result.Turns, Turn{Role: kept[i].Role, Content: kept[i].Content})
		result.IncludedMessageIDs = append(result.IncludedMessageIDs, kept[i].ID)
	}
	result.KeptMessages = len(kept)

	// Step 3: Spend leftover budget on cross-conversation context.
	if includeExternal(opts) {
		external, used, err := a.externalBlock(ctx, conversationID, remaining, opts)
		if err != nil {
			// Soft failure: the primary conversation context already stands.
			span.RecordError(err)
		} else if external != "" {
			result.Turns = append([]Turn{{Role: datatypes.RoleUser, Content: external}}, result.Turns...)
			result.UsedTokens += used
		}
	}

	span.SetAttributes(
		attribute.Int("context.total_messages", result.TotalMessages),
		attribute.Int("context.kept_messages", result.KeptMessages),
		attribute.Int("context.used_tokens", result.UsedTokens),
	)
	return result, nil
}

// includeExternal applies the nil-vs-empty convention: nil means default
// inclusion, an explicit empty list means none.
func includeExternal(opts Options) bool {
	if opts.UserID == "" {
		return false
	}
	if opts.ExternalConversations == nil {
		return true
	}
	return len(opts.ExternalConversations) > 0
}

// externalBlock renders a delimited read-only block of recent messages from
// the user's other conversations. Each source chat is capped so one chatty
// conversation cannot crowd out the rest.
func (a *RecencyAssembler) externalBlock(ctx context.Context, conversationID string, budgetTokens int, opts Options) (string, int, error) {
	if budgetTokens <= 0 {
		return "", 0, nil
	}
	lookbackDays := opts.LookbackDays
	if lookbackDays <= 0 {
		lookbackDays = defaultLookbackDays
	}
	perChatCap := opts.PerChatTokenCap
	if perChatCap <= 0 {
		perChatCap = defaultPerChatTokenCap
	}
	since := time.Now().AddDate(0, 0, -lookbackDays).UnixMilli()

	candidates, err := a.store.ListUserMessagesAcross(ctx, opts.UserID, conversationID, since, externalMessageFetchLimit)
	if err != nil {
		return "", 0, fmt.Errorf("failed to list cross-conversation messages: %w", err)
	}

	allowed := func(string) bool { return true }
	if opts.ExternalConversations != nil {
		allowSet := make(map[string]bool, len(opts.ExternalConversations))
		for _, id := range opts.ExternalConversations {
			allowSet[id] = true
		}
		allowed = func(id string) bool { return allowSet[id] }
	}

	const header = "[Context from your other chats. Treat as background only.]\n"
	const footer = "[End of other-chat context.]"
	overhead := budget.EstimateAll(header, footer)
	if overhead >= budgetTokens {
		return "", 0, nil
	}
	remaining := budgetTokens - overhead

	perChatUsed := make(map[string]int)
	used := overhead
	block := header
	included := 0
	for _, m := range candidates {
		if !allowed(m.ConversationID) {
			continue
		}
		line := fmt.Sprintf("(chat %s, %s) %s\n", shortID(m.ConversationID), m.Role, m.Content)
		cost := budget.Estimate(line)
		if cost > remaining || perChatUsed[m.ConversationID]+cost > perChatCap {
			continue
		}
		perChatUsed[m.ConversationID] += cost
		remaining -= cost
		used += cost
		block += line
		included++
	}
	if included == 0 {
		return "", 0, nil
	}
	return block + footer, used, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
