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
	"sort"
	"strings"

	"github.com/AleutianAI/Tidewater/services/orchestrator/budget"
	"github.com/AleutianAI/Tidewater/services/orchestrator/datatypes"
	"github.com/AleutianAI/Tidewater/services/orchestrator/store"
	"go.opentelemetry.io/otel/attribute"
)

// TopicAssembler selects context by topic and artifact relevance instead of
// raw recency.
//
// Topic summaries for the most relevant topics come first, then artifact
// summaries for the best topic, then the messages that belong to the selected
// topics under the same greedy keep-if-fits discipline as the recency
// strategy. When the conversation belongs to a project, summarized topics
// from the project's other conversations are appended while their recorded
// token-size estimates fit the remaining budget.
type TopicAssembler struct {
	store store.Store
}

func NewTopicAssembler(s store.Store) *TopicAssembler {
	return &TopicAssembler{store: s}
}

var _ Assembler = (*TopicAssembler)(nil)

// scoredTopic pairs a topic with its relevance to the current prompt.
type scoredTopic struct {
	topic datatypes.Topic
	score float64
}

// Assemble implements Assembler with the topic-structured strategy.
func (a *TopicAssembler) Assemble(ctx context.Context, conversationID string, ceilingTokens int, opts Options) (*Assembly, error) {
	ctx, span := tracer.Start(ctx, "TopicAssembler.Assemble")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.Int("context.ceiling_tokens", ceilingTokens),
	)

	topics, err := a.store.ListTopics(ctx, conversationID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	messages, err := a.store.ListMessages(ctx, conversationID, 0)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	result := &Assembly{
		SourceTag:     "topics",
		TotalMessages: len(messages),
	}
	remaining := ceilingTokens

	ranked := rankTopics(topics, opts.Prompt)

	// Topic summaries, best first, while they fit.
	var summaryLines []string
	selected := make(map[string]bool)
	for _, st := range ranked {
		if st.topic.Summary == "" {
			selected[st.topic.ID] = true
			result.IncludedTopicIDs = append(result.IncludedTopicIDs, st.topic.ID)
			continue
		}
		line := fmt.Sprintf("Topic %q: %s", st.topic.Label, st.topic.Summary)
		cost := budget.Estimate(line)
		if cost > remaining {
			continue
		}
		remaining -= cost
		result.UsedTokens += cost
		summaryLines = append(summaryLines, line)
		selected[st.topic.ID] = true
		result.IncludedTopicIDs = append(result.IncludedTopicIDs, st.topic.ID)
	}

	// Artifact summaries for the strongest topic only.
	if len(ranked) > 0 && ranked[0].score > 0 {
		artifacts, err := a.store.ListTopicArtifacts(ctx, ranked[0].topic.ID)
		if err != nil {
			span.RecordError(err)
		} else {
			for _, art := range artifacts {
				if art.Summary == "" {
					continue
				}
				line := fmt.Sprintf("Artifact %q (%s): %s", art.Title, art.Kind, art.Summary)
				cost := budget.Estimate(line)
				if cost > remaining {
					continue
				}
				remaining -= cost
				result.UsedTokens += cost
				summaryLines = append(summaryLines, line)
			}
		}
	}

	// Project-scoped topic summaries from sibling conversations, bounded by
	// each topic's recorded token estimate.
	if conv, err := a.store.GetConversation(ctx, conversationID); err == nil && conv.ProjectID != "" {
		projectTopics, err := a.store.ListProjectTopics(ctx, conv.ProjectID, conversationID)
		if err != nil {
			span.RecordError(err)
		} else {
			for _, t := range projectTopics {
				if t.Summary == "" || t.TokenEstimate > remaining {
					continue
				}
				line := fmt.Sprintf("Related topic from another chat in this project, %q: %s", t.Label, t.Summary)
				cost := budget.Estimate(line)
				if cost > remaining {
					continue
				}
				remaining -= cost
				result.UsedTokens += cost
				summaryLines = append(summaryLines, line)
				result.IncludedTopicIDs = append(result.IncludedTopicIDs, t.ID)
			}
		}
	}

	if len(summaryLines) > 0 {
		result.Turns = append(result.Turns, Turn{
			Role:    datatypes.RoleUser,
			Content: "[Topic context]\n" + strings.Join(summaryLines, "\n"),
		})
	}

	// Messages of the selected topics, greedy newest-first, reversed into
	// chronological order. Untagged messages ride along so young
	// conversations without topic assignments still get context.
	var kept []datatypes.Message
	for _, m := range messages {
		if m.TopicID != "" && !selected[m.TopicID] {
			continue
		}
		cost := budget.Estimate(m.Content)
		if cost > remaining {
			continue
		}
		remaining -= cost
		result.UsedTokens += cost
		kept = append(kept, m)
	}
	for i := len(kept) - 1; i >= 0; i-- {
		result.Turns = append(result.Turns, Turn{Role: kept[i].Role, Content: kept[i].Content})
		result.IncludedMessageIDs = append(result.IncludedMessageIDs, kept[i].ID)
	}
	result.KeptMessages = len(kept)

	span.SetAttributes(
		attribute.Int("context.kept_messages", result.KeptMessages),
		attribute.Int("context.included_topics", len(result.IncludedTopicIDs)),
		attribute.Int("context.used_tokens", result.UsedTokens),
	)
	return result, nil
}

// rankTopics orders topics by keyword overlap with the prompt, breaking ties
// by recency. A zero-score topic still ranks; relevance only reorders.
func rankTopics(topics []datatypes.Topic, prompt string) []scoredTopic {
	promptWords := tokenize(prompt)
	ranked := make([]scoredTopic, 0, len(topics))
	for _, t := range topics {
		ranked = append(ranked, scoredTopic{topic: t, score: overlap(promptWords, tokenize(t.Label+" "+t.Description))})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].topic.CreatedAt > ranked[j].topic.CreatedAt
	})
	return ranked
}

func tokenize(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if len(w) > 2 {
			words[w] = true
		}
	}
	return words
}

func overlap(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	matches := 0
	for w := range a {
		if b[w] {
			matches++
		}
	}
	return float64(matches) / float64(len(a))
}
