// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routing holds the two routing decisions of a chat turn: the
// pre-stream Decision Router (model, effort, topic action, memory categories)
// and the post-stream Writer Router (durable bookkeeping writes).
//
// Both routers are heuristics-first with an optional policy-model refinement.
// The policy call is rate limited and strictly best-effort: if it is
// disabled, throttled, or fails, the deterministic heuristic result stands.
// Routing never returns an error to the caller.
package routing

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/AleutianAI/Tidewater/services/llm"
	"github.com/AleutianAI/Tidewater/services/orchestrator/conversation"
	"github.com/AleutianAI/Tidewater/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("tidewater.orchestrator.routing")

// TopicAction says whether this turn continues the active topic or opens a
// new one.
type TopicAction string

const (
	TopicActionReuse TopicAction = "reuse"
	TopicActionNew   TopicAction = "new"
)

// RouteInput carries everything the Decision Router may consider.
type RouteInput struct {
	UserText             string
	RecentTurns          []conversation.Turn
	ActiveTopicID        string
	AvailableMemoryTypes []datatypes.MemoryType
	AvailableTopics      []datatypes.Topic
	AvailableArtifacts   []datatypes.Artifact
	Speed                datatypes.SpeedPreference
}

// Decision is the routing outcome for one turn. PrimaryTopicID is empty when
// TopicAction is new; the orchestrator creates the stub topic and fills the
// id in before anything downstream runs.
type Decision struct {
	Model             string
	ReasoningEffort   string
	TopicAction       TopicAction
	PrimaryTopicID    string
	SecondaryTopicIDs []string
	MemoryTypesToLoad []datatypes.MemoryType
}

// ModelConfig names the model families the router chooses between.
type ModelConfig struct {
	Default string
	Fast    string
	Quality string
	Policy  string
}

// Router is the Decision Router.
type Router struct {
	models ModelConfig

	// policy is the optional refinement model; nil disables refinement.
	policy  llm.ModelClient
	limiter *rate.Limiter
}

// NewRouter builds a Decision Router. policy may be nil. The rate limiter
// bounds policy-model calls across all requests sharing this router.
func NewRouter(models ModelConfig, policy llm.ModelClient, policyCallsPerSecond float64) *Router {
	var limiter *rate.Limiter
	if policy != nil && policyCallsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(policyCallsPerSecond), 1)
	}
	return &Router{models: models, policy: policy, limiter: limiter}
}

// complexity markers that push a turn toward the quality model with higher
// reasoning effort.
var complexityMarkers = []string{
	"prove", "derive", "analyze", "compare", "trade-off", "tradeoff",
	"architecture", "design a", "step by step", "debug", "refactor",
}

// Route decides model, effort, topic action, and memory categories for one
// turn. It never fails: a broken or throttled policy call falls back to the
// deterministic heuristic decision.
func (r *Router) Route(ctx context.Context, in RouteInput) Decision {
	ctx, span := tracer.Start(ctx, "Router.Route")
	defer span.End()

	decision := r.heuristic(in)

	if r.policy != nil && (r.limiter == nil || r.limiter.Allow()) {
		if refined, ok := r.refine(ctx, in, decision); ok {
			decision = refined
			span.SetAttributes(attribute.Bool("routing.refined", true))
		}
	}

	span.SetAttributes(
		attribute.String("routing.model", decision.Model),
		attribute.String("routing.effort", decision.ReasoningEffort),
		attribute.String("routing.topic_action", string(decision.TopicAction)),
	)
	return decision
}

func (r *Router) heuristic(in RouteInput) Decision {
	d := Decision{
		Model:           r.models.Default,
		ReasoningEffort: "medium",
		TopicAction:     TopicActionReuse,
		PrimaryTopicID:  in.ActiveTopicID,
	}

	lower := strings.ToLower(in.UserText)
	complex := len(in.UserText) > 600 || strings.Contains(in.UserText, "```")
	for _, marker := range complexityMarkers {
		if strings.Contains(lower, marker) {
			complex = true
			break
		}
	}

	switch in.Speed {
	case datatypes.SpeedPreferenceFast:
		d.Model = r.models.Fast
		d.ReasoningEffort = "low"
	case datatypes.SpeedPreferenceQuality:
		d.Model = r.models.Quality
		d.ReasoningEffort = "high"
	default:
		if complex {
			d.Model = r.models.Quality
			d.ReasoningEffort = "high"
		}
	}
	if d.Model == "" {
		d.Model = r.models.Default
	}

	// No active topic always means a new one. With an active topic, open a
	// new one only on a clear subject change: a substantial prompt sharing no
	// vocabulary with the active topic's label or description.
	if in.ActiveTopicID == "" {
		d.TopicAction = TopicActionNew
		d.PrimaryTopicID = ""
	} else if len(in.UserText) > 80 {
		if active := findTopic(in.AvailableTopics, in.ActiveTopicID); active != nil {
			if wordOverlap(lower, strings.ToLower(active.Label+" "+active.Description)) == 0 {
				d.TopicAction = TopicActionNew
				d.PrimaryTopicID = ""
			}
		}
	}

	// Secondary topics: other available topics whose labels intersect the
	// prompt vocabulary.
	for _, t := range in.AvailableTopics {
		if t.ID == d.PrimaryTopicID {
			continue
		}
		if wordOverlap(lower, strings.ToLower(t.Label)) > 0 {
			d.SecondaryTopicIDs = append(d.SecondaryTopicIDs, t.ID)
		}
	}

	// Minimal memory set: persona and preferences always shape tone; facts
	// and project memories only when the prompt reaches for them.
	d.MemoryTypesToLoad = []datatypes.MemoryType{
		datatypes.MemoryTypePersona, datatypes.MemoryTypePreference,
	}
	if strings.Contains(lower, "remember") || strings.Contains(lower, "my ") {
		d.MemoryTypesToLoad = append(d.MemoryTypesToLoad, datatypes.MemoryTypeFact)
	}
	if strings.Contains(lower, "project") || strings.Contains(lower, "we ") {
		d.MemoryTypesToLoad = append(d.MemoryTypesToLoad, datatypes.MemoryTypeProject)
	}
	return d
}

// policyDecision is the JSON shape the policy model is asked to return.
type policyDecision struct {
	Model           string   `json:"model"`
	ReasoningEffort string   `json:"reasoning_effort"`
	TopicAction     string   `json:"topic_action"`
	MemoryTypes     []string `json:"memory_types"`
}

func (r *Router) refine(ctx context.Context, in RouteInput, base Decision) (Decision, bool) {
	ctx, span := tracer.Start(ctx, "Router.refine")
	defer span.End()

	prompt := buildPolicyPrompt(in, base)
	maxTokens := 200
	raw, err := r.policy.Generate(ctx, prompt, llm.GenerationParams{MaxTokens: &maxTokens})
	if err != nil {
		slog.Warn("Routing policy call failed, keeping heuristic decision", "error", err)
		span.RecordError(err)
		return base, false
	}
	var parsed policyDecision
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		slog.Warn("Routing policy returned unparseable output", "error", err)
		return base, false
	}

	refined := base
	if isKnownModel(parsed.Model, r.models) {
		refined.Model = parsed.Model
	}
	switch parsed.ReasoningEffort {
	case "low", "medium", "high":
		refined.ReasoningEffort = parsed.ReasoningEffort
	}
	switch TopicAction(parsed.TopicAction) {
	case TopicActionReuse:
		if in.ActiveTopicID != "" {
			refined.TopicAction = TopicActionReuse
			refined.PrimaryTopicID = in.ActiveTopicID
		}
	case TopicActionNew:
		refined.TopicAction = TopicActionNew
		refined.PrimaryTopicID = ""
	}
	if types := validMemoryTypes(parsed.MemoryTypes); len(types) > 0 {
		refined.MemoryTypesToLoad = types
	}
	return refined, true
}

func buildPolicyPrompt(in RouteInput, base Decision) string {
	var b strings.Builder
	b.WriteString("Classify this chat turn for routing. Reply with one JSON object with keys ")
	b.WriteString(`"model", "reasoning_effort" (low|medium|high), "topic_action" (reuse|new), "memory_types".` + "\n")
	b.WriteString("Current heuristic choice: " + base.Model + "/" + base.ReasoningEffort + "\n")
	if len(in.RecentTurns) > 0 {
		b.WriteString("Recent context:\n")
		start := len(in.RecentTurns) - 4
		if start < 0 {
			start = 0
		}
		for _, turn := range in.RecentTurns[start:] {
			b.WriteString(string(turn.Role) + ": " + truncate(turn.Content, 200) + "\n")
		}
	}
	b.WriteString("User turn: " + truncate(in.UserText, 500))
	return b.String()
}

func isKnownModel(model string, cfg ModelConfig) bool {
	switch model {
	case "":
		return false
	case cfg.Default, cfg.Fast, cfg.Quality:
		return true
	}
	return false
}

func validMemoryTypes(raw []string) []datatypes.MemoryType {
	var out []datatypes.MemoryType
	for _, t := range raw {
		switch mt := datatypes.MemoryType(t); mt {
		case datatypes.MemoryTypeFact, datatypes.MemoryTypePreference,
			datatypes.MemoryTypeProject, datatypes.MemoryTypePersona:
			out = append(out, mt)
		}
	}
	return out
}

// extractJSON pulls the first {...} object out of model output that may be
// wrapped in prose or a code fence.
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end <= start {
		return raw
	}
	return raw[start : end+1]
}

func findTopic(topics []datatypes.Topic, id string) *datatypes.Topic {
	for i := range topics {
		if topics[i].ID == id {
			return &topics[i]
		}
	}
	return nil
}

func wordOverlap(a, b string) int {
	bWords := make(map[string]bool)
	for _, w := range strings.Fields(b) {
		if len(w) > 3 {
			bWords[w] = true
		}
	}
	matches := 0
	for _, w := range strings.Fields(a) {
		if bWords[strings.Trim(w, ".,;:!?")] {
			matches++
		}
	}
	return matches
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
