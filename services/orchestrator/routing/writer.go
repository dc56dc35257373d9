// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/Tidewater/services/orchestrator/budget"
	"github.com/AleutianAI/Tidewater/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel/attribute"
)

// TopicWrite refines the turn's topic: either the stub created by the
// Decision Router or an update to an existing topic's running summary.
type TopicWrite struct {
	TopicID       string
	Label         string
	Description   string
	Summary       string
	TokenEstimate int
	Stub          bool
}

// MemoryWrite is one durable memory to create. Reason is required; writes
// without one are dropped during normalization.
type MemoryWrite struct {
	Type    datatypes.MemoryType
	Title   string
	Content string
	Reason  string
}

// MemoryDelete removes one existing memory. A delete without a reason is
// never applied.
type MemoryDelete struct {
	MemoryID string
	Reason   string
}

// ArtifactWrite is one derived content object to append.
type ArtifactWrite struct {
	Kind     datatypes.ArtifactKind
	Title    string
	Content  string
	Summary  string
	Keywords []string
}

// WriteInput is the completed turn the Writer Router reasons over.
type WriteInput struct {
	UserText      string
	AssistantText string
	RecentTurns   []WriteTurn

	CurrentTopic     *datatypes.Topic
	CandidateTopics  []datatypes.Topic
	ExistingMemories []datatypes.Memory
}

// WriteTurn keeps WriteInput self-describing without re-exporting the
// conversation package's Turn type at this boundary.
type WriteTurn struct {
	Role    datatypes.Role
	Content string
}

// WriteDecision is the durable bookkeeping plan for one finished turn. It is
// applied best-effort per item after the assistant row is finalized; it never
// affects what was streamed.
type WriteDecision struct {
	TopicWrite       *TopicWrite
	MemoriesToWrite  []MemoryWrite
	MemoriesToDelete []MemoryDelete
	ArtifactsToWrite []ArtifactWrite
}

// WriterRouter decides post-stream durable writes from the completed turn.
type WriterRouter struct{}

func NewWriterRouter() *WriterRouter {
	return &WriterRouter{}
}

var (
	rememberPattern = regexp.MustCompile(`(?i)\bremember (?:that )?(.{4,200}?)(?:[.!?\n]|$)`)
	forgetPattern   = regexp.MustCompile(`(?i)\bforget (?:that |about )?(.{3,200}?)(?:[.!?\n]|$)`)
	codeFencePattern = regexp.MustCompile("(?s)```([a-zA-Z0-9+-]*)\n(.*?)```")
)

// DecideWrites computes the write plan. It is deterministic and never fails;
// an empty decision is a valid outcome.
func (w *WriterRouter) DecideWrites(ctx context.Context, in WriteInput) WriteDecision {
	_, span := tracer.Start(ctx, "WriterRouter.DecideWrites")
	defer span.End()

	var decision WriteDecision
	decision.TopicWrite = w.decideTopicWrite(in)
	decision.MemoriesToWrite = w.decideMemoryWrites(in)
	decision.MemoriesToDelete = w.decideMemoryDeletes(in)
	decision.ArtifactsToWrite = w.decideArtifactWrites(in)
	normalize(&decision)

	span.SetAttributes(
		attribute.Bool("writer.topic_write", decision.TopicWrite != nil),
		attribute.Int("writer.memory_writes", len(decision.MemoriesToWrite)),
		attribute.Int("writer.memory_deletes", len(decision.MemoriesToDelete)),
		attribute.Int("writer.artifact_writes", len(decision.ArtifactsToWrite)),
	)
	return decision
}

// decideTopicWrite refines a stub topic into a described one, or extends an
// established topic's running summary with this turn.
func (w *WriterRouter) decideTopicWrite(in WriteInput) *TopicWrite {
	if in.CurrentTopic == nil {
		return nil
	}
	summaryLine := summarizeTurn(in.UserText, in.AssistantText)
	estimate := in.CurrentTopic.TokenEstimate + budget.EstimateAll(in.UserText, in.AssistantText)

	if in.CurrentTopic.Stub {
		return &TopicWrite{
			TopicID:       in.CurrentTopic.ID,
			Label:         deriveLabel(in.UserText),
			Description:   truncate(strings.TrimSpace(in.UserText), 200),
			Summary:       summaryLine,
			TokenEstimate: estimate,
			Stub:          false,
		}
	}
	summary := in.CurrentTopic.Summary
	if summary != "" {
		summary += "\n"
	}
	return &TopicWrite{
		TopicID:       in.CurrentTopic.ID,
		Label:         in.CurrentTopic.Label,
		Description:   in.CurrentTopic.Description,
		Summary:       truncate(summary+summaryLine, 2000),
		TokenEstimate: estimate,
		Stub:          false,
	}
}

func (w *WriterRouter) decideMemoryWrites(in WriteInput) []MemoryWrite {
	var out []MemoryWrite
	for _, match := range rememberPattern.FindAllStringSubmatch(in.UserText, 4) {
		content := strings.TrimSpace(match[1])
		if content == "" {
			continue
		}
		mType := datatypes.MemoryTypeFact
		if strings.Contains(strings.ToLower(content), "prefer") || strings.Contains(strings.ToLower(content), "always ") {
			mType = datatypes.MemoryTypePreference
		}
		out = append(out, MemoryWrite{
			Type:    mType,
			Title:   deriveLabel(content),
			Content: content,
			Reason:  "user explicitly asked to remember this",
		})
	}
	return out
}

func (w *WriterRouter) decideMemoryDeletes(in WriteInput) []MemoryDelete {
	var out []MemoryDelete
	for _, match := range forgetPattern.FindAllStringSubmatch(in.UserText, 4) {
		target := strings.ToLower(strings.TrimSpace(match[1]))
		if target == "" {
			continue
		}
		for _, m := range in.ExistingMemories {
			haystack := strings.ToLower(m.Title + " " + m.Content)
			if wordOverlap(target, haystack) > 0 {
				out = append(out, MemoryDelete{
					MemoryID: m.ID,
					Reason:   "user asked to forget: " + truncate(target, 120),
				})
			}
		}
	}
	return out
}

func (w *WriterRouter) decideArtifactWrites(in WriteInput) []ArtifactWrite {
	var out []ArtifactWrite
	for _, match := range codeFencePattern.FindAllStringSubmatch(in.AssistantText, 8) {
		lang, body := match[1], strings.TrimSpace(match[2])
		// Tiny snippets are illustrations, not artifacts worth indexing.
		if len(body) < 120 {
			continue
		}
		kind := datatypes.ArtifactKindCode
		if lang == "json" || lang == "csv" || lang == "yaml" {
			kind = datatypes.ArtifactKindData
		}
		title := deriveLabel(in.UserText)
		if lang != "" {
			title = title + " (" + lang + ")"
		}
		out = append(out, ArtifactWrite{
			Kind:     kind,
			Title:    title,
			Content:  body,
			Summary:  summarizeTurn(in.UserText, firstLine(body)),
			Keywords: keywords(in.UserText+" "+lang, 8),
		})
	}
	return out
}

// normalize enforces the reasoned-write contract: memory writes and deletes
// without a reason, or with empty content, are dropped rather than applied.
func normalize(d *WriteDecision) {
	writes := d.MemoriesToWrite[:0]
	for _, mw := range d.MemoriesToWrite {
		if mw.Reason != "" && mw.Content != "" && mw.Title != "" {
			writes = append(writes, mw)
		}
	}
	d.MemoriesToWrite = writes

	deletes := d.MemoriesToDelete[:0]
	seen := make(map[string]bool)
	for _, md := range d.MemoriesToDelete {
		if md.Reason == "" || md.MemoryID == "" || seen[md.MemoryID] {
			continue
		}
		seen[md.MemoryID] = true
		deletes = append(deletes, md)
	}
	d.MemoriesToDelete = deletes
}

func summarizeTurn(userText, assistantText string) string {
	return truncate("Asked: "+strings.TrimSpace(firstLine(userText))+
		" / Answered: "+strings.TrimSpace(firstLine(assistantText)), 400)
}

// deriveLabel produces a short topic-style label from free text.
func deriveLabel(text string) string {
	words := strings.Fields(strings.TrimSpace(firstLine(text)))
	if len(words) > 6 {
		words = words[:6]
	}
	label := strings.Join(words, " ")
	label = strings.Trim(label, ".,;:!?")
	if label == "" {
		label = "Untitled"
	}
	return label
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}

func keywords(text string, max int) []string {
	freq := make(map[string]int)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}`")
		if len(w) > 3 {
			freq[w]++
		}
	}
	out := make([]string, 0, len(freq))
	for w := range freq {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if freq[out[i]] != freq[out[j]] {
			return freq[out[i]] > freq[out[j]]
		}
		return out[i] < out[j]
	})
	if len(out) > max {
		out = out[:max]
	}
	return out
}
