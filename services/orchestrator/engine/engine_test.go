// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/Tidewater/services/llm"
	"github.com/AleutianAI/Tidewater/services/orchestrator/datatypes"
	"github.com/AleutianAI/Tidewater/services/orchestrator/store"
)

// =============================================================================
// Fakes
// =============================================================================

// scriptedClient plays a fixed event sequence, then returns err or blocks
// until the context is cancelled.
type scriptedClient struct {
	events []llm.ProviderEvent
	err    error
	block  bool
}

func (c *scriptedClient) StreamResponse(ctx context.Context, _ llm.ResponseRequest, cb llm.StreamCallback) error {
	for _, ev := range c.events {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		cb(ev)
	}
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return c.err
}

func (c *scriptedClient) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	return "", errors.New("not used")
}

// fakeRunner hands out a fixed container id and counts provisioning calls.
type fakeRunner struct {
	id    string
	calls int
}

func (r *fakeRunner) EnsureContainer(_ context.Context, _ string) (string, error) {
	r.calls++
	return r.id, nil
}

func (r *fakeRunner) FetchFile(_ context.Context, _, _ string) (io.ReadCloser, error) {
	return nil, errors.New("not used")
}

// collectSink records wire events. onToken, if set, runs synchronously after
// each token event, which lets tests cancel deterministically mid-stream.
type collectSink struct {
	mu      sync.Mutex
	events  []datatypes.WireEvent
	tokens  int
	onToken func(count int)
}

func (s *collectSink) Send(ev *datatypes.WireEvent) error {
	s.mu.Lock()
	s.events = append(s.events, *ev)
	count := s.tokens
	if ev.Type == datatypes.WireEventToken {
		s.tokens++
		count = s.tokens
	}
	cb := s.onToken
	s.mu.Unlock()

	if ev.Type == datatypes.WireEventToken && cb != nil {
		cb(count)
	}
	return nil
}

func (s *collectSink) all() []datatypes.WireEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]datatypes.WireEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *collectSink) byType(t datatypes.WireEventType) []datatypes.WireEvent {
	var out []datatypes.WireEvent
	for _, ev := range s.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestEngine(st store.Store) *Engine {
	return New(Config{
		Store:        st,
		StartTimeout: 2 * time.Second,
		NewAccumulator: func() (TokenAccumulator, error) {
			return NewInsecureTokenAccumulator(), nil
		},
	})
}

func testInput(client llm.ModelClient) RunInput {
	return RunInput{
		RequestID:      "req-1",
		UserID:         "user-1",
		ConversationID: "conv-1",
		UserMessageID:  "req-1",
		TopicID:        "topic-1",
		Client:         client,
		Request: llm.ResponseRequest{
			Model:           "tide-default",
			ReasoningEffort: "medium",
		},
	}
}

func assistantMessages(t *testing.T, st store.Store) []datatypes.Message {
	t.Helper()
	msgs, err := st.ListMessages(context.Background(), "conv-1", 0)
	if err != nil {
		t.Fatalf("listing messages: %v", err)
	}
	var out []datatypes.Message
	for _, m := range msgs {
		if m.Role == datatypes.RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}

// =============================================================================
// Tests
// =============================================================================

func TestRun_HappyPathFinalizesRow(t *testing.T) {
	st := store.NewMemoryStore()
	client := &scriptedClient{events: []llm.ProviderEvent{
		{Kind: llm.EventReasoningDelta, Text: "thinking "},
		{Kind: llm.EventTextDelta, Text: "Hello "},
		{Kind: llm.EventTextDelta, Text: "world."},
		{Kind: llm.EventFinalResponse, FinalText: "Hello world.", Usage: llm.Usage{InputTokens: 10, OutputTokens: 2}},
	}}
	sink := &collectSink{}

	res, err := newTestEngine(st).Run(context.Background(), testInput(client), sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StateDone {
		t.Errorf("expected done, got %q", res.Status)
	}
	if res.FinalText != "Hello world." {
		t.Errorf("wrong final text: %q", res.FinalText)
	}
	if res.Usage.OutputTokens != 2 {
		t.Errorf("usage not captured: %+v", res.Usage)
	}

	rows := assistantMessages(t, st)
	if len(rows) != 1 {
		t.Fatalf("expected exactly one assistant row, got %d", len(rows))
	}
	row := rows[0]
	if row.Content != "Hello world." {
		t.Errorf("row content: %q", row.Content)
	}
	if row.Metadata.Partial {
		t.Error("finalized row must not be partial")
	}
	if row.Metadata.Reasoning != "thinking " {
		t.Errorf("reasoning not merged: %q", row.Metadata.Reasoning)
	}
	sum := sha256.Sum256([]byte("Hello world."))
	if row.Metadata.ContentHash != hex.EncodeToString(sum[:]) {
		t.Errorf("content hash mismatch: %q", row.Metadata.ContentHash)
	}
}

func TestRun_WireOrderModelInfoFirstDoneLastMetaOnce(t *testing.T) {
	st := store.NewMemoryStore()
	client := &scriptedClient{events: []llm.ProviderEvent{
		{Kind: llm.EventTextDelta, Text: "hi"},
		{Kind: llm.EventFinalResponse, FinalText: "hi"},
	}}
	sink := &collectSink{}

	if _, err := newTestEngine(st).Run(context.Background(), testInput(client), sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events := sink.all()
	if len(events) < 4 {
		t.Fatalf("too few events: %d", len(events))
	}
	if events[0].Type != datatypes.WireEventModelInfo {
		t.Errorf("first event must be model_info, got %q", events[0].Type)
	}
	if events[len(events)-1].Type != datatypes.WireEventDone {
		t.Errorf("last event must be done, got %q", events[len(events)-1].Type)
	}
	if got := len(sink.byType(datatypes.WireEventDone)); got != 1 {
		t.Errorf("done must be emitted exactly once, got %d", got)
	}
	metas := sink.byType(datatypes.WireEventMeta)
	if len(metas) != 1 {
		t.Fatalf("meta must be emitted exactly once, got %d", len(metas))
	}
	if events[len(events)-2].Type != datatypes.WireEventMeta {
		t.Errorf("meta must immediately precede done, got %q", events[len(events)-2].Type)
	}
}

func TestRun_AbortBeforeFirstTokenLeavesNoRow(t *testing.T) {
	st := store.NewMemoryStore()
	client := &scriptedClient{block: true}
	sink := &collectSink{}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	res, err := newTestEngine(st).Run(ctx, testInput(client), sink)
	if err != nil {
		t.Fatalf("abort must not be an error: %v", err)
	}
	if res.Status != StateAborted {
		t.Errorf("expected aborted, got %q", res.Status)
	}
	if rows := assistantMessages(t, st); len(rows) != 0 {
		t.Errorf("no assistant row may exist before the first token, got %d", len(rows))
	}
}

func TestRun_AbortMidStreamKeepsOnePartialRow(t *testing.T) {
	st := store.NewMemoryStore()
	client := &scriptedClient{
		events: []llm.ProviderEvent{
			{Kind: llm.EventTextDelta, Text: "partial "},
			{Kind: llm.EventTextDelta, Text: "answer"},
		},
		block: true,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sink := &collectSink{onToken: func(count int) {
		if count == 2 {
			cancel()
		}
	}}

	res, err := newTestEngine(st).Run(ctx, testInput(client), sink)
	if err != nil {
		t.Fatalf("abort must not be an error: %v", err)
	}
	if res.Status != StateAborted {
		t.Errorf("expected aborted, got %q", res.Status)
	}

	rows := assistantMessages(t, st)
	if len(rows) != 1 {
		t.Fatalf("expected exactly one partial row, got %d", len(rows))
	}
	if !rows[0].Metadata.Partial {
		t.Error("aborted row must be marked partial")
	}
	if rows[0].Content == "" {
		t.Error("aborted row must keep the received content")
	}
	if got := len(sink.byType(datatypes.WireEventMeta)); got != 0 {
		t.Errorf("aborted stream must not emit meta, got %d", got)
	}
}

func TestRun_StartTimeoutEmitsFallbackThenDone(t *testing.T) {
	st := store.NewMemoryStore()
	client := &scriptedClient{block: true}
	sink := &collectSink{}

	e := New(Config{
		Store:        st,
		StartTimeout: 20 * time.Millisecond,
		NewAccumulator: func() (TokenAccumulator, error) {
			return NewInsecureTokenAccumulator(), nil
		},
	})
	_, err := e.Run(context.Background(), testInput(client), sink)
	if err == nil {
		t.Fatal("start timeout must surface as an error")
	}

	events := sink.all()
	if events[len(events)-1].Type != datatypes.WireEventDone {
		t.Errorf("last event must be done, got %q", events[len(events)-1].Type)
	}
	if got := len(sink.byType(datatypes.WireEventToken)); got != 1 {
		t.Errorf("expected exactly one fallback token, got %d", got)
	}
	if got := len(sink.byType(datatypes.WireEventError)); got != 0 {
		t.Errorf("graceful fallback must not emit an error event, got %d", got)
	}
	if rows := assistantMessages(t, st); len(rows) != 0 {
		t.Errorf("start timeout must not persist a row, got %d", len(rows))
	}
}

func TestRun_MidStreamErrorPersistsPartialAndEndsWithDone(t *testing.T) {
	st := store.NewMemoryStore()
	client := &scriptedClient{
		events: []llm.ProviderEvent{
			{Kind: llm.EventTextDelta, Text: "half an "},
			{Kind: llm.EventTextDelta, Text: "answer"},
		},
		err: errors.New("connection reset"),
	}
	sink := &collectSink{}

	res, err := newTestEngine(st).Run(context.Background(), testInput(client), sink)
	if err == nil {
		t.Fatal("mid-stream failure must surface as an error")
	}
	if res == nil || res.Status != StateDone {
		t.Fatalf("expected terminal done result, got %+v", res)
	}

	rows := assistantMessages(t, st)
	if len(rows) != 1 {
		t.Fatalf("expected one partial row, got %d", len(rows))
	}
	if !rows[0].Metadata.Partial {
		t.Error("failed stream must leave a partial row")
	}

	events := sink.all()
	if events[len(events)-1].Type != datatypes.WireEventDone {
		t.Errorf("last event must be done, got %q", events[len(events)-1].Type)
	}
	if got := len(sink.byType(datatypes.WireEventError)); got != 1 {
		t.Errorf("expected exactly one error event, got %d", got)
	}
}

func TestRun_SearchDomainsFirstSeenOrderNoDuplicates(t *testing.T) {
	st := store.NewMemoryStore()
	client := &scriptedClient{events: []llm.ProviderEvent{
		{Kind: llm.EventToolLifecycle, CallID: "c1", Tool: llm.ToolWebSearch, Phase: llm.ToolPhaseStarted},
		{Kind: llm.EventToolLifecycle, CallID: "c1", Tool: llm.ToolWebSearch, Phase: llm.ToolPhaseProgress, Domain: "a.example"},
		{Kind: llm.EventToolLifecycle, CallID: "c1", Tool: llm.ToolWebSearch, Phase: llm.ToolPhaseProgress, Domain: "b.example"},
		{Kind: llm.EventToolLifecycle, CallID: "c2", Tool: llm.ToolWebSearch, Phase: llm.ToolPhaseProgress, Domain: "a.example"},
		{Kind: llm.EventTextDelta, Text: "done"},
		{Kind: llm.EventFinalResponse, FinalText: "done"},
	}}
	sink := &collectSink{}

	if _, err := newTestEngine(st).Run(context.Background(), testInput(client), sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var domains []string
	for _, ev := range sink.byType(datatypes.WireEventStatus) {
		if ev.Status.Type == datatypes.StatusSearchDomain {
			domains = append(domains, ev.Status.Domain)
		}
	}
	want := []string{"a.example", "b.example"}
	if len(domains) != len(want) {
		t.Fatalf("expected %v, got %v", want, domains)
	}
	for i := range want {
		if domains[i] != want[i] {
			t.Errorf("domain %d: expected %q, got %q", i, want[i], domains[i])
		}
	}
}

func TestRun_ToolCompletedRelayedOncePerCall(t *testing.T) {
	st := store.NewMemoryStore()
	client := &scriptedClient{events: []llm.ProviderEvent{
		{Kind: llm.EventToolLifecycle, CallID: "c1", Tool: llm.ToolWebSearch, Phase: llm.ToolPhaseStarted},
		{Kind: llm.EventToolLifecycle, CallID: "c1", Tool: llm.ToolWebSearch, Phase: llm.ToolPhaseCompleted},
		{Kind: llm.EventToolLifecycle, CallID: "c1", Tool: llm.ToolWebSearch, Phase: llm.ToolPhaseCompleted},
		{Kind: llm.EventTextDelta, Text: "ok"},
		{Kind: llm.EventFinalResponse, FinalText: "ok"},
	}}
	sink := &collectSink{}

	if _, err := newTestEngine(st).Run(context.Background(), testInput(client), sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	completes := 0
	for _, ev := range sink.byType(datatypes.WireEventStatus) {
		if ev.Status.Type == datatypes.StatusSearchComplete {
			completes++
		}
	}
	if completes != 1 {
		t.Errorf("completed must be relayed once per call id, got %d", completes)
	}
}

func TestRun_CodeExecProvisionsAndPersistsContainer(t *testing.T) {
	st := store.NewMemoryStore()
	if err := st.CreateConversation(context.Background(), &datatypes.Conversation{
		ID:     "conv-1",
		UserID: "user-1",
	}); err != nil {
		t.Fatalf("seeding conversation: %v", err)
	}

	runner := &fakeRunner{id: "ctr-42"}
	client := &scriptedClient{events: []llm.ProviderEvent{
		{Kind: llm.EventToolLifecycle, CallID: "c1", Tool: llm.ToolCodeExec, Phase: llm.ToolPhaseStarted},
		{Kind: llm.EventToolLifecycle, CallID: "c1", Tool: llm.ToolCodeExec, Phase: llm.ToolPhaseCompleted},
		{Kind: llm.EventToolLifecycle, CallID: "c2", Tool: llm.ToolCodeExec, Phase: llm.ToolPhaseStarted},
		{Kind: llm.EventTextDelta, Text: "ran it"},
		{Kind: llm.EventFinalResponse, FinalText: "ran it"},
	}}
	sink := &collectSink{}

	e := New(Config{
		Store:        st,
		Runner:       runner,
		StartTimeout: 2 * time.Second,
		NewAccumulator: func() (TokenAccumulator, error) {
			return NewInsecureTokenAccumulator(), nil
		},
	})
	if _, err := e.Run(context.Background(), testInput(client), sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if runner.calls != 1 {
		t.Errorf("container must be provisioned once per run, got %d calls", runner.calls)
	}
	conv, err := st.GetConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("loading conversation: %v", err)
	}
	if got, _ := conv.Metadata[datatypes.MetaKeySandboxContainer].(string); got != "ctr-42" {
		t.Errorf("container id not persisted on conversation metadata, got %q", got)
	}
}

func TestRun_ExistingContainerIsNotReprovisioned(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{id: "ctr-new"}
	client := &scriptedClient{events: []llm.ProviderEvent{
		{Kind: llm.EventToolLifecycle, CallID: "c1", Tool: llm.ToolCodeExec, Phase: llm.ToolPhaseStarted},
		{Kind: llm.EventTextDelta, Text: "ok"},
		{Kind: llm.EventFinalResponse, FinalText: "ok"},
	}}
	sink := &collectSink{}

	e := New(Config{
		Store:        st,
		Runner:       runner,
		StartTimeout: 2 * time.Second,
		NewAccumulator: func() (TokenAccumulator, error) {
			return NewInsecureTokenAccumulator(), nil
		},
	})
	in := testInput(client)
	in.ContainerID = "ctr-old"
	if _, err := e.Run(context.Background(), in, sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if runner.calls != 0 {
		t.Errorf("a turn with a known container must not provision another, got %d calls", runner.calls)
	}
}

func TestRun_ReasoningDeltasRelayedAsPreamble(t *testing.T) {
	st := store.NewMemoryStore()
	client := &scriptedClient{events: []llm.ProviderEvent{
		{Kind: llm.EventReasoningDelta, Text: "step one. "},
		{Kind: llm.EventReasoningDelta, Text: "step two."},
		{Kind: llm.EventTextDelta, Text: "answer"},
		{Kind: llm.EventFinalResponse, FinalText: "answer"},
	}}
	sink := &collectSink{}

	res, err := newTestEngine(st).Run(context.Background(), testInput(client), sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Reasoning != "step one. step two." {
		t.Errorf("reasoning not accumulated: %q", res.Reasoning)
	}
	if got := len(sink.byType(datatypes.WireEventPreamble)); got != 2 {
		t.Errorf("expected 2 preamble deltas, got %d", got)
	}
}
