// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evidence decides whether retrieved web evidence is strong enough
// to answer the turn without live tool use.
//
// Three outcomes: sufficient evidence found (inject the evidence block and
// forbid the model's own search tool this turn), pipeline skipped (the query
// was judged non-factual, model decides for itself), or pipeline ran but the
// evidence was weak (same freedom as skipped). A forced live search from the
// caller overrides the skip judgment and demands a search tool call under
// weak evidence, but never re-enables the model's search tool once strong
// evidence was already injected.
package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/AleutianAI/Tidewater/services/orchestrator/budget"
	"github.com/AleutianAI/Tidewater/services/searchpipe"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("tidewater.orchestrator.evidence")

// Sufficiency tuning. TopScore is the pipeline's best chunk relevance in
// [0,1].
const (
	sufficientTopScore  = 0.6
	sufficientMinChunks = 2
	maxChunksPerQuery   = 8

	// maxEvidenceBlockTokens caps the injected block so one verbose
	// retrieval cannot crowd the history out of the context ceiling.
	maxEvidenceBlockTokens = 1500
)

// GateInput carries the turn and its retrieval context.
type GateInput struct {
	Prompt        string
	RecentContext []string
	Locale        string
	CurrentDate   string

	// IndexID is the conversation's durable evidence index.
	IndexID string

	// ForceLiveSearch is the caller's override: run the pipeline even for a
	// non-factual query and require a live search tool call if the evidence
	// comes back weak.
	ForceLiveSearch bool
}

// GateResult is the gate's judgment.
//
// Exactly one of these shapes holds: Sufficient with a non-empty
// EvidenceBlock; Skipped; or neither (pipeline ran, evidence weak).
// RequireSearch is set only on the forced-weak path.
type GateResult struct {
	Sufficient    bool
	Skipped       bool
	EvidenceBlock string
	SourceDomains []string
	Queries       []string
	RequireSearch bool
}

// Gate runs the sufficiency judgment for one turn.
//
// Pipeline failures are soft: the result degrades to the skipped shape so
// the reply can proceed without evidence.
func Gate(ctx context.Context, retriever searchpipe.Retriever, in GateInput, onProgress searchpipe.ProgressFunc) GateResult {
	ctx, span := tracer.Start(ctx, "evidence.Gate")
	defer span.End()
	span.SetAttributes(
		attribute.Bool("evidence.forced", in.ForceLiveSearch),
		attribute.String("evidence.index_id", in.IndexID),
	)

	if !in.ForceLiveSearch && !looksFactual(in.Prompt) {
		span.SetAttributes(attribute.String("evidence.outcome", "skipped"))
		return GateResult{Skipped: true}
	}
	if retriever == nil {
		span.SetAttributes(attribute.String("evidence.outcome", "skipped_no_pipeline"))
		return GateResult{Skipped: true, RequireSearch: in.ForceLiveSearch}
	}

	queries := buildQueries(in)
	result, err := retriever.Retrieve(ctx, &searchpipe.RetrievalRequest{
		Query:     queries[0],
		IndexID:   in.IndexID,
		MaxChunks: maxChunksPerQuery,
	}, onProgress)
	if err != nil {
		// Soft failure: the reply proceeds without evidence.
		slog.Warn("Evidence pipeline failed, continuing without evidence", "error", err)
		span.RecordError(err)
		span.SetAttributes(attribute.String("evidence.outcome", "pipeline_failed"))
		return GateResult{Skipped: true, Queries: queries, RequireSearch: in.ForceLiveSearch}
	}

	domains := sourceDomains(result)
	if result.TopScore >= sufficientTopScore && len(result.Chunks) >= sufficientMinChunks {
		span.SetAttributes(
			attribute.String("evidence.outcome", "sufficient"),
			attribute.Float64("evidence.top_score", result.TopScore),
		)
		return GateResult{
			Sufficient:    true,
			EvidenceBlock: buildEvidenceBlock(in, result),
			SourceDomains: domains,
			Queries:       queries,
		}
	}

	span.SetAttributes(
		attribute.String("evidence.outcome", "weak"),
		attribute.Float64("evidence.top_score", result.TopScore),
	)
	return GateResult{
		SourceDomains: domains,
		Queries:       queries,
		RequireSearch: in.ForceLiveSearch,
	}
}

// factual markers: freshness words, quantitative questions, and named-entity
// question forms all suggest the answer lives outside the model.
var factualMarkers = []string{
	"latest", "current", "today", "yesterday", "this week", "this year",
	"price", "cost", "release", "version", "news", "score", "weather",
	"who is", "who won", "when did", "when is", "where is", "how many",
	"how much", "what happened", "population", "statistics",
}

func looksFactual(prompt string) bool {
	lower := strings.ToLower(prompt)
	for _, marker := range factualMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func buildQueries(in GateInput) []string {
	primary := strings.TrimSpace(in.Prompt)
	if len(primary) > 300 {
		primary = primary[:300]
	}
	queries := []string{primary}
	if in.CurrentDate != "" && strings.Contains(strings.ToLower(in.Prompt), "latest") {
		queries = append(queries, primary+" "+in.CurrentDate)
	}
	return queries
}

func buildEvidenceBlock(in GateInput, result *searchpipe.RetrievalResult) string {
	var b strings.Builder
	b.WriteString("[Web evidence")
	if in.CurrentDate != "" {
		b.WriteString(", retrieved " + in.CurrentDate)
	}
	b.WriteString(". Answer from this evidence and cite sources. Do not search again.]\n")
	var body strings.Builder
	if result.ContextText != "" {
		body.WriteString(result.ContextText)
	} else {
		for i, chunk := range result.Chunks {
			body.WriteString(fmt.Sprintf("[%d] %s: %s\n", i+1, chunk.Source, chunk.Content))
		}
	}
	b.WriteString(budget.TrimToBudget(body.String(), maxEvidenceBlockTokens))
	return b.String()
}

// sourceDomains reduces chunk sources to distinct hostnames in first-seen
// order.
func sourceDomains(result *searchpipe.RetrievalResult) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(source string) {
		domain := source
		if u, err := url.Parse(source); err == nil && u.Hostname() != "" {
			domain = u.Hostname()
		}
		if domain == "" || seen[domain] {
			return
		}
		seen[domain] = true
		out = append(out, domain)
	}
	for _, s := range result.Sources {
		add(s)
	}
	for _, chunk := range result.Chunks {
		add(chunk.Source)
	}
	return out
}
