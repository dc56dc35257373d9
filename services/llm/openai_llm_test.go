// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"testing"

	"github.com/sashabaranov/go-openai"
)

func intPtr(i int) *int { return &i }

func TestToolCallTracker_ParallelContinuationsRoutedByIndex(t *testing.T) {
	tr := newToolCallTracker()
	var events []ProviderEvent
	cb := func(ev ProviderEvent) { events = append(events, ev) }

	// Two parallel searches open with ids, then their argument fragments
	// interleave carrying only the slot index.
	tr.observe(openai.ToolCall{Index: intPtr(0), ID: "c1",
		Function: openai.FunctionCall{Name: "web_search", Arguments: `{"query":"a",`}}, cb)
	tr.observe(openai.ToolCall{Index: intPtr(1), ID: "c2",
		Function: openai.FunctionCall{Name: "web_search", Arguments: `{"query":"b",`}}, cb)
	tr.observe(openai.ToolCall{Index: intPtr(0),
		Function: openai.FunctionCall{Arguments: `"url":"https://a.example/x"}`}}, cb)
	tr.observe(openai.ToolCall{Index: intPtr(1),
		Function: openai.FunctionCall{Arguments: `"url":"https://b.example/y"}`}}, cb)
	tr.close(ToolPhaseCompleted, cb)

	started := 0
	domains := make(map[string]string)
	for _, ev := range events {
		switch ev.Phase {
		case ToolPhaseStarted:
			started++
		case ToolPhaseCompleted:
			domains[ev.CallID] = ev.Domain
		}
	}
	if started != 2 {
		t.Fatalf("expected 2 started events, got %d", started)
	}
	if domains["c1"] != "a.example" {
		t.Errorf("c1 domain: expected a.example, got %q", domains["c1"])
	}
	if domains["c2"] != "b.example" {
		t.Errorf("c2 domain: expected b.example, got %q", domains["c2"])
	}
}

func TestToolCallTracker_MissingIndexFallsBackToLastCall(t *testing.T) {
	tr := newToolCallTracker()
	var events []ProviderEvent
	cb := func(ev ProviderEvent) { events = append(events, ev) }

	tr.observe(openai.ToolCall{ID: "c1",
		Function: openai.FunctionCall{Name: "web_search", Arguments: `{"query":"a",`}}, cb)
	tr.observe(openai.ToolCall{
		Function: openai.FunctionCall{Arguments: `"url":"https://a.example/z"}`}}, cb)
	tr.close(ToolPhaseCompleted, cb)

	var domain string
	for _, ev := range events {
		if ev.Phase == ToolPhaseCompleted {
			domain = ev.Domain
		}
	}
	if domain != "a.example" {
		t.Errorf("expected fallback continuation to reach c1, domain %q", domain)
	}
}

func TestToolCallTracker_OrphanContinuationIsDropped(t *testing.T) {
	tr := newToolCallTracker()
	var events []ProviderEvent
	cb := func(ev ProviderEvent) { events = append(events, ev) }

	tr.observe(openai.ToolCall{Index: intPtr(3),
		Function: openai.FunctionCall{Arguments: `{"garbage":true}`}}, cb)

	if len(events) != 0 {
		t.Fatalf("orphan continuation must emit nothing, got %d events", len(events))
	}
}
