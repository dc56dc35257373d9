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
	"errors"
	"testing"

	"github.com/AleutianAI/Tidewater/services/llm"
	"github.com/AleutianAI/Tidewater/services/orchestrator/datatypes"
)

var testModels = ModelConfig{
	Default: "tide-default",
	Fast:    "tide-fast",
	Quality: "tide-quality",
	Policy:  "tide-policy",
}

// scriptedPolicy returns a fixed response or error from Generate.
type scriptedPolicy struct {
	response string
	err      error
	calls    int
}

func (p *scriptedPolicy) StreamResponse(_ context.Context, _ llm.ResponseRequest, _ llm.StreamCallback) error {
	return errors.New("not used")
}

func (p *scriptedPolicy) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	p.calls++
	return p.response, p.err
}

func TestRoute_PolicyDisabledUsesDefaults(t *testing.T) {
	r := NewRouter(testModels, nil, 0)
	d := r.Route(context.Background(), RouteInput{
		UserText:      "what time zone is Lisbon in",
		ActiveTopicID: "topic-1",
	})
	if d.Model != testModels.Default {
		t.Errorf("expected default model, got %q", d.Model)
	}
	if d.TopicAction != TopicActionReuse {
		t.Errorf("expected topic reuse with an active topic, got %q", d.TopicAction)
	}
	if d.PrimaryTopicID != "topic-1" {
		t.Errorf("expected primary topic preserved, got %q", d.PrimaryTopicID)
	}
	if len(d.MemoryTypesToLoad) == 0 {
		t.Error("expected a minimal non-empty memory set")
	}
}

func TestRoute_NoActiveTopicMeansNew(t *testing.T) {
	r := NewRouter(testModels, nil, 0)
	d := r.Route(context.Background(), RouteInput{UserText: "hello there"})
	if d.TopicAction != TopicActionNew {
		t.Errorf("expected new topic without an active one, got %q", d.TopicAction)
	}
	if d.PrimaryTopicID != "" {
		t.Errorf("expected empty primary topic id before stub creation, got %q", d.PrimaryTopicID)
	}
}

func TestRoute_SpeedPreferenceSelectsModel(t *testing.T) {
	r := NewRouter(testModels, nil, 0)

	fast := r.Route(context.Background(), RouteInput{UserText: "quick one", Speed: datatypes.SpeedPreferenceFast})
	if fast.Model != testModels.Fast || fast.ReasoningEffort != "low" {
		t.Errorf("fast preference routed to %q/%q", fast.Model, fast.ReasoningEffort)
	}

	quality := r.Route(context.Background(), RouteInput{UserText: "quick one", Speed: datatypes.SpeedPreferenceQuality})
	if quality.Model != testModels.Quality || quality.ReasoningEffort != "high" {
		t.Errorf("quality preference routed to %q/%q", quality.Model, quality.ReasoningEffort)
	}
}

func TestRoute_ComplexPromptEscalates(t *testing.T) {
	r := NewRouter(testModels, nil, 0)
	d := r.Route(context.Background(), RouteInput{
		UserText: "Please analyze the trade-off between these two architecture options step by step.",
	})
	if d.Model != testModels.Quality {
		t.Errorf("expected quality model for complex prompt, got %q", d.Model)
	}
	if d.ReasoningEffort != "high" {
		t.Errorf("expected high effort, got %q", d.ReasoningEffort)
	}
}

func TestRoute_PolicyFailureFallsBackToHeuristic(t *testing.T) {
	policy := &scriptedPolicy{err: errors.New("upstream down")}
	r := NewRouter(testModels, policy, 100)
	d := r.Route(context.Background(), RouteInput{
		UserText:      "what time is it",
		ActiveTopicID: "topic-1",
	})
	if policy.calls != 1 {
		t.Fatalf("expected one policy attempt, got %d", policy.calls)
	}
	if d.Model != testModels.Default || d.TopicAction != TopicActionReuse {
		t.Errorf("fallback decision wrong: %+v", d)
	}
}

func TestRoute_PolicyRefinementApplies(t *testing.T) {
	policy := &scriptedPolicy{
		response: `Here you go: {"model":"tide-quality","reasoning_effort":"high","topic_action":"reuse","memory_types":["fact"]}`,
	}
	r := NewRouter(testModels, policy, 100)
	d := r.Route(context.Background(), RouteInput{
		UserText:      "short question",
		ActiveTopicID: "topic-1",
	})
	if d.Model != testModels.Quality {
		t.Errorf("expected refined model, got %q", d.Model)
	}
	if d.ReasoningEffort != "high" {
		t.Errorf("expected refined effort, got %q", d.ReasoningEffort)
	}
	if len(d.MemoryTypesToLoad) != 1 || d.MemoryTypesToLoad[0] != datatypes.MemoryTypeFact {
		t.Errorf("expected refined memory set, got %v", d.MemoryTypesToLoad)
	}
}

func TestRoute_PolicyCannotInventModels(t *testing.T) {
	policy := &scriptedPolicy{
		response: `{"model":"gpt-99-ultra","reasoning_effort":"extreme","topic_action":"reuse"}`,
	}
	r := NewRouter(testModels, policy, 100)
	d := r.Route(context.Background(), RouteInput{UserText: "hi", ActiveTopicID: "t1"})
	if d.Model != testModels.Default {
		t.Errorf("unknown policy model should be rejected, got %q", d.Model)
	}
	if d.ReasoningEffort != "medium" {
		t.Errorf("invalid effort should be rejected, got %q", d.ReasoningEffort)
	}
}

func TestRoute_PolicyRateLimited(t *testing.T) {
	policy := &scriptedPolicy{response: `{"model":"tide-fast"}`}
	// Burst of 1: the second immediate call must not hit the policy model.
	r := NewRouter(testModels, policy, 0.001)
	r.Route(context.Background(), RouteInput{UserText: "one"})
	r.Route(context.Background(), RouteInput{UserText: "two"})
	if policy.calls != 1 {
		t.Errorf("expected rate limiter to allow exactly 1 call, got %d", policy.calls)
	}
}
