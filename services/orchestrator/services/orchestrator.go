// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services contains the turn orchestration service: the pipeline
// that transforms one validated user turn into a routed, context-bounded,
// tool-augmented, streamed assistant reply with post-stream enrichment.
//
// # Description
//
// One turn proceeds through fixed phases:
//
//	ownership gate -> user row insert-or-reuse -> routing -> stub topic ->
//	parallel preparation (context assembly, evidence gate, memories,
//	instructions) -> prompt build -> streaming engine -> detached enrichment
//
// Collaborator failures during preparation are soft: the turn proceeds with
// whatever was gathered, and the degradation is logged and counted. Only the
// durable store writes for the user's own message and the ownership gate are
// hard failures, because replying to a message that was never persisted (or
// to someone else's conversation) would be worse than not replying.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/Tidewater/services/llm"
	"github.com/AleutianAI/Tidewater/services/orchestrator/config"
	"github.com/AleutianAI/Tidewater/services/orchestrator/conversation"
	"github.com/AleutianAI/Tidewater/services/orchestrator/datatypes"
	"github.com/AleutianAI/Tidewater/services/orchestrator/engine"
	"github.com/AleutianAI/Tidewater/services/orchestrator/evidence"
	"github.com/AleutianAI/Tidewater/services/orchestrator/observability"
	"github.com/AleutianAI/Tidewater/services/orchestrator/routing"
	"github.com/AleutianAI/Tidewater/services/orchestrator/store"
	"github.com/AleutianAI/Tidewater/services/sandbox"
	"github.com/AleutianAI/Tidewater/services/searchpipe"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("tidewater.orchestrator.services")

// =============================================================================
// Errors
// =============================================================================

// Pre-stream failures, mapped to HTTP status codes by the handler before any
// NDJSON line is written.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrForbidden            = errors.New("conversation belongs to another user")
)

// =============================================================================
// Orchestrator
// =============================================================================

// Deps wires the orchestrator's collaborators. Store, LLM, and Config are
// required; everything else degrades gracefully when nil.
type Deps struct {
	Store     store.Store
	LLM       llm.ModelClient
	Policy    llm.ModelClient
	Retriever searchpipe.Retriever
	Runner    sandbox.Runner
	Links     *sandbox.LinkMap
	Usage     engine.UsageRecorder
	Metrics   *observability.StreamingMetrics
	Config    *config.Manager

	// Accumulators overrides the engine's secure accumulator factory.
	// Nil means mlocked buffers.
	Accumulators engine.AccumulatorFactory
}

// Orchestrator is the streaming chat turn pipeline.
type Orchestrator struct {
	deps    Deps
	router  *routing.Router
	writer  *routing.WriterRouter
	recency *conversation.RecencyAssembler
	topics  *conversation.TopicAssembler
	engine  *engine.Engine
}

// NewOrchestrator builds the pipeline from its collaborators. The Decision
// Router's model tiers and rate limiter are fixed at construction; budget
// and timeout tunables are re-read from Config on every turn.
func NewOrchestrator(deps Deps) *Orchestrator {
	tun := deps.Config.Current()

	router := routing.NewRouter(routing.ModelConfig{
		Default: tun.Models.Default,
		Fast:    tun.Models.Fast,
		Quality: tun.Models.Quality,
		Policy:  tun.Models.Policy,
	}, deps.Policy, tun.PolicyCallsPerSecond)

	eng := engine.New(engine.Config{
		Store:             deps.Store,
		Links:             deps.Links,
		Runner:            deps.Runner,
		Usage:             deps.Usage,
		Metrics:           deps.Metrics,
		StartTimeout:      time.Duration(tun.StartTimeoutSeconds) * time.Second,
		KeepAliveInterval: time.Duration(tun.KeepAliveSeconds) * time.Second,
		NewAccumulator:    deps.Accumulators,
	})

	return &Orchestrator{
		deps:    deps,
		router:  router,
		writer:  routing.NewWriterRouter(),
		recency: conversation.NewRecencyAssembler(deps.Store),
		topics:  conversation.NewTopicAssembler(deps.Store),
		engine:  eng,
	}
}

// preparation is everything the parallel phase gathers before streaming.
type preparation struct {
	assembly     *conversation.Assembly
	gate         evidence.GateResult
	memories     []datatypes.Memory
	instructions []datatypes.PermanentInstruction

	// newIndexID is set when the evidence pipeline created a fresh index
	// for this conversation; enrichment persists it onto the metadata.
	newIndexID string
}

// StreamTurn orchestrates one user turn into a streamed reply.
//
// # Description
//
// Validation-order guarantee: the ownership gate and the user-row write
// happen before any wire event, so a 403/404/500 can still be an HTTP status
// instead of a broken stream. After the first NDJSON line, all failures
// surface in-band through the engine's error events.
//
// # Inputs
//
//   - userID: The authenticated user, from the auth middleware.
//   - req: Validated turn request; req.RequestID doubles as the user
//     message id, making client retries idempotent.
//   - sink: The NDJSON event sink for this response.
//
// # Outputs
//
//   - error: ErrConversationNotFound, ErrForbidden, or a wrapped store or
//     provider failure. Nil on success and on client aborts.
func (o *Orchestrator) StreamTurn(ctx context.Context, userID string, req *datatypes.TurnRequest, sink engine.EventSink) error {
	ctx, span := tracer.Start(ctx, "Orchestrator.StreamTurn")
	defer span.End()
	span.SetAttributes(
		attribute.String("chat.request_id", req.RequestID),
		attribute.String("chat.conversation_id", req.ConversationID),
	)
	tun := o.deps.Config.Current()

	// Step 1: Ownership gate before anything is written anywhere.
	conv, err := o.deps.Store.GetConversation(ctx, req.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}
	if conv.UserID != userID {
		slog.Warn("Cross-tenant access rejected",
			"conversation_id", req.ConversationID,
			"owner", conv.UserID,
			"requester", userID,
		)
		return ErrForbidden
	}

	// Step 2: Insert-or-reuse the user message keyed by request id.
	if err := o.ensureUserMessage(ctx, conv, req); err != nil {
		return err
	}

	// Step 3: Route the turn.
	decision := o.route(ctx, conv, req)

	// Step 4: A new topic gets its stub row immediately so every downstream
	// component has a concrete id.
	if decision.TopicAction == routing.TopicActionNew {
		decision.PrimaryTopicID = o.createStubTopic(ctx, conv.ID, req.Message)
	}

	// Step 5: Parallel preparation. Each branch is soft.
	prep := o.prepare(ctx, tun, conv, req, decision, sink)

	// Step 6: Build the model invocation.
	request := o.buildRequest(tun, conv, req, decision, prep)

	containerID, _ := conv.Metadata[datatypes.MetaKeySandboxContainer].(string)

	var contextUsage *datatypes.ContextUsage
	if prep.assembly != nil {
		contextUsage = &datatypes.ContextUsage{
			CeilingTokens: tun.ContextCeilingTokens,
			UsedTokens:    prep.assembly.UsedTokens,
			KeptMessages:  prep.assembly.KeptMessages,
			TotalMessages: prep.assembly.TotalMessages,
			SourceTag:     prep.assembly.SourceTag,
		}
	}

	// Step 7: Stream.
	res, runErr := o.engine.Run(ctx, engine.RunInput{
		RequestID:       req.RequestID,
		UserID:          userID,
		ConversationID:  conv.ID,
		UserMessageID:   req.RequestID,
		TopicID:         decision.PrimaryTopicID,
		ContainerID:     containerID,
		EvidenceSources: prep.gate.SourceDomains,
		ContextUsage:    contextUsage,
		Client:          o.deps.LLM,
		Request:         request,
	}, sink)

	// Step 8: Post-stream enrichment runs detached; the response is already
	// complete and must not wait on bookkeeping.
	if runErr == nil && res != nil && res.Status == engine.StateDone && res.FinalText != "" {
		enrichCtx := context.WithoutCancel(ctx)
		go o.enrich(enrichCtx, conv, req, decision, res, prep)
	}
	return runErr
}

// =============================================================================
// Turn Phases
// =============================================================================

// ensureUserMessage persists the user's message, reusing a pre-existing row
// for the same request id so retries stay idempotent.
func (o *Orchestrator) ensureUserMessage(ctx context.Context, conv *datatypes.Conversation, req *datatypes.TurnRequest) error {
	_, err := o.deps.Store.GetMessage(ctx, req.RequestID)
	if err == nil {
		slog.Info("Reusing user message for retried request", "request_id", req.RequestID)
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("checking user message: %w", err)
	}

	msg := &datatypes.Message{
		ID:             req.RequestID,
		ConversationID: conv.ID,
		Role:           datatypes.RoleUser,
		Content:        req.Message,
		Metadata:       datatypes.MessageMetadata{AttachmentRefs: req.AttachmentRefs},
		CreatedAt:      req.Timestamp,
	}
	if err := o.deps.Store.InsertMessage(ctx, msg); err != nil {
		return fmt.Errorf("persisting user message: %w", err)
	}
	return nil
}

// route gathers the Decision Router's inputs and runs it. Input gathering is
// soft; routing itself never fails.
func (o *Orchestrator) route(ctx context.Context, conv *datatypes.Conversation, req *datatypes.TurnRequest) routing.Decision {
	topics, err := o.deps.Store.ListTopics(ctx, conv.ID)
	if err != nil {
		o.softFailure("listing topics", err)
	}

	// The active topic is whatever the latest tagged message was filed
	// under. The current turn's own user row is untagged and skipped.
	var activeTopicID string
	var recentTurns []conversation.Turn
	if recent, err := o.deps.Store.ListMessages(ctx, conv.ID, 8); err != nil {
		o.softFailure("listing recent messages", err)
	} else {
		for _, m := range recent {
			if m.TopicID != "" {
				activeTopicID = m.TopicID
				break
			}
		}
		for i := len(recent) - 1; i >= 0; i-- {
			if recent[i].ID == req.RequestID {
				continue
			}
			recentTurns = append(recentTurns, conversation.Turn{
				Role:    recent[i].Role,
				Content: recent[i].Content,
			})
		}
	}

	return o.router.Route(ctx, routing.RouteInput{
		UserText:        req.Message,
		RecentTurns:     recentTurns,
		ActiveTopicID:   activeTopicID,
		AvailableTopics: topics,
		Speed:           req.SpeedPreference,
	})
}

// createStubTopic writes the label-only stub row. On failure the turn
// proceeds untagged; the Writer Router simply has nothing to refine.
func (o *Orchestrator) createStubTopic(ctx context.Context, conversationID, userText string) string {
	stub := &datatypes.Topic{
		ID:             datatypes.NewID(),
		ConversationID: conversationID,
		Label:          stubLabel(userText),
		Stub:           true,
		CreatedAt:      datatypes.NowMillis(),
	}
	if err := o.deps.Store.CreateTopic(ctx, stub); err != nil {
		o.softFailure("creating stub topic", err)
		return ""
	}
	return stub.ID
}

// prepare fans out context assembly, the evidence gate, memory loading, and
// instruction loading. Every branch is soft; the turn proceeds with whatever
// was gathered.
func (o *Orchestrator) prepare(ctx context.Context, tun config.Tunables, conv *datatypes.Conversation, req *datatypes.TurnRequest, decision routing.Decision, sink engine.EventSink) *preparation {
	ctx, span := tracer.Start(ctx, "Orchestrator.prepare")
	defer span.End()

	prep := &preparation{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		assembler := conversation.Assembler(o.recency)
		if tun.ContextStrategy == "topics" {
			assembler = o.topics
		}
		assembly, err := assembler.Assemble(gctx, conv.ID, tun.ContextCeilingTokens, conversation.Options{
			UserID:                conv.UserID,
			Prompt:                req.Message,
			ExternalConversations: req.ExternalConversations,
			LookbackDays:          tun.LookbackDays,
			PerChatTokenCap:       tun.PerChatTokenCap,
		})
		if err != nil {
			o.softFailure("assembling context", err)
			return nil
		}
		prep.assembly = assembly
		return nil
	})

	g.Go(func() error {
		indexID, _ := conv.Metadata[datatypes.MetaKeyEvidenceIndex].(string)
		if indexID == "" && o.deps.Retriever != nil {
			created, err := o.deps.Retriever.EnsureIndex(gctx, conv.ID)
			if err != nil {
				o.softFailure("ensuring evidence index", err)
			} else {
				indexID = created
				prep.newIndexID = created
			}
		}
		prep.gate = evidence.Gate(gctx, o.deps.Retriever, evidence.GateInput{
			Prompt:          req.Message,
			Locale:          req.Locale,
			CurrentDate:     time.Now().UTC().Format("2006-01-02"),
			IndexID:         indexID,
			ForceLiveSearch: req.ForceLiveSearch,
		}, func(p searchpipe.Progress) {
			// Retrieval progress doubles as liveness for the client.
			_ = sink.Send(&datatypes.WireEvent{
				Type: datatypes.WireEventStatus,
				Status: &datatypes.StatusEvent{
					Type:   datatypes.StatusSearchProgress,
					Detail: p.Stage,
				},
			})
		})
		return nil
	})

	g.Go(func() error {
		memories, err := o.deps.Store.ListMemories(gctx, conv.UserID, decision.MemoryTypesToLoad)
		if err != nil {
			o.softFailure("loading memories", err)
			return nil
		}
		prep.memories = memories
		return nil
	})

	g.Go(func() error {
		instructions, err := o.deps.Store.ListInstructions(gctx, conv.UserID, conv.ID)
		if err != nil {
			o.softFailure("loading instructions", err)
			return nil
		}
		prep.instructions = instructions
		return nil
	})

	_ = g.Wait()
	return prep
}

// buildRequest assembles the model invocation from the prepared pieces.
func (o *Orchestrator) buildRequest(tun config.Tunables, conv *datatypes.Conversation, req *datatypes.TurnRequest, decision routing.Decision, prep *preparation) llm.ResponseRequest {
	turns := make([]llm.Turn, 0, 16)
	if prep.assembly != nil {
		for _, t := range prep.assembly.Turns {
			turns = append(turns, llm.Turn{Role: string(t.Role), Content: t.Content})
		}
	}
	// The current user row is already durable, so assembly may have picked
	// it up as the newest message. Append it only if it is not already last.
	if n := len(turns); n == 0 ||
		turns[n-1].Role != string(datatypes.RoleUser) || turns[n-1].Content != req.Message {
		turns = append(turns, llm.Turn{Role: string(datatypes.RoleUser), Content: req.Message})
	}

	tools := []llm.Tool{llm.ToolWebSearch, llm.ToolFileOps, llm.ToolCodeExec}
	choice := llm.ToolChoiceAuto
	switch {
	case prep.gate.Sufficient:
		// Injected evidence forbids a second search this turn.
		choice = llm.ToolChoiceNoSearch
	case prep.gate.RequireSearch:
		choice = llm.ToolChoiceRequireSearch
	}

	return llm.ResponseRequest{
		Instructions:    o.buildSystemPrompt(prep),
		Turns:           turns,
		Tools:           tools,
		ToolChoice:      choice,
		ReasoningEffort: decision.ReasoningEffort,
		Model:           decision.Model,
		CacheKey:        conv.ID,
	}
}

// buildSystemPrompt layers standing instructions, memories, and evidence
// into the system prompt, most stable content first for prompt-cache reuse.
func (o *Orchestrator) buildSystemPrompt(prep *preparation) string {
	var b strings.Builder
	b.WriteString("You are a careful, direct assistant. Answer from the conversation and the context below.\n")
	b.WriteString("Current date: " + time.Now().UTC().Format("2006-01-02") + "\n")

	if len(prep.instructions) > 0 {
		b.WriteString("\n[Standing instructions]\n")
		for _, ins := range prep.instructions {
			b.WriteString("- " + ins.Content + "\n")
		}
	}
	if len(prep.memories) > 0 {
		b.WriteString("\n[What you know about the user]\n")
		for _, m := range prep.memories {
			b.WriteString(fmt.Sprintf("- (%s) %s: %s\n", m.Type, m.Title, m.Content))
		}
	}
	if prep.gate.EvidenceBlock != "" {
		b.WriteString("\n" + prep.gate.EvidenceBlock + "\n")
	}
	if prep.gate.RequireSearch {
		b.WriteString("\nPerform a live web search before answering; do not answer from memory alone.\n")
	}
	return b.String()
}

// =============================================================================
// Post-Stream Enrichment
// =============================================================================

// enrich runs the detached bookkeeping after a successful stream: durable
// session references, then the Writer Router's write plan. Every item is
// best effort and independently logged.
func (o *Orchestrator) enrich(ctx context.Context, conv *datatypes.Conversation, req *datatypes.TurnRequest, decision routing.Decision, res *engine.Result, prep *preparation) {
	ctx, span := tracer.Start(ctx, "Orchestrator.enrich")
	defer span.End()

	if prep.newIndexID != "" {
		if err := o.deps.Store.MergeConversationMetadata(ctx, conv.ID, map[string]any{
			datatypes.MetaKeyEvidenceIndex: prep.newIndexID,
		}); err != nil {
			o.softFailure("persisting evidence index id", err)
		}
	}

	var currentTopic *datatypes.Topic
	if decision.PrimaryTopicID != "" {
		topic, err := o.deps.Store.GetTopic(ctx, decision.PrimaryTopicID)
		if err != nil {
			o.softFailure("loading current topic", err)
		} else {
			currentTopic = topic
		}
	}
	candidates, err := o.deps.Store.ListTopics(ctx, conv.ID)
	if err != nil {
		o.softFailure("listing candidate topics", err)
	}

	plan := o.writer.DecideWrites(ctx, routing.WriteInput{
		UserText:         req.Message,
		AssistantText:    res.FinalText,
		CurrentTopic:     currentTopic,
		CandidateTopics:  candidates,
		ExistingMemories: prep.memories,
	})
	written := o.applyWrites(ctx, conv, decision, res, plan)

	indexID := prep.newIndexID
	if indexID == "" {
		indexID, _ = conv.Metadata[datatypes.MetaKeyEvidenceIndex].(string)
	}
	o.indexArtifacts(ctx, indexID, written)
}

// applyWrites persists the Writer Router's plan item by item and returns the
// artifacts that made it to the store.
func (o *Orchestrator) applyWrites(ctx context.Context, conv *datatypes.Conversation, decision routing.Decision, res *engine.Result, plan routing.WriteDecision) []indexableArtifact {
	if tw := plan.TopicWrite; tw != nil {
		if err := o.deps.Store.UpdateTopic(ctx, tw.TopicID, store.TopicPatch{
			Label:         &tw.Label,
			Description:   &tw.Description,
			Summary:       &tw.Summary,
			TokenEstimate: &tw.TokenEstimate,
			Stub:          &tw.Stub,
		}); err != nil {
			o.softFailure("applying topic write", err)
		}
	}

	for _, mw := range plan.MemoriesToWrite {
		slog.Info("Writing memory", "type", mw.Type, "title", mw.Title, "reason", mw.Reason)
		if err := o.deps.Store.CreateMemory(ctx, &datatypes.Memory{
			ID:        datatypes.NewID(),
			UserID:    conv.UserID,
			Type:      mw.Type,
			Title:     mw.Title,
			Content:   mw.Content,
			Enabled:   true,
			CreatedAt: datatypes.NowMillis(),
		}); err != nil {
			o.softFailure("creating memory", err)
		}
	}

	for _, md := range plan.MemoriesToDelete {
		slog.Info("Deleting memory", "memory_id", md.MemoryID, "reason", md.Reason)
		if err := o.deps.Store.DeleteMemory(ctx, md.MemoryID); err != nil {
			o.softFailure("deleting memory", err)
		}
	}

	var written []indexableArtifact
	for _, aw := range plan.ArtifactsToWrite {
		artifact := &datatypes.Artifact{
			ID:        datatypes.NewID(),
			TopicID:   decision.PrimaryTopicID,
			MessageID: res.AssistantMessageID,
			Kind:      aw.Kind,
			Title:     aw.Title,
			Content:   aw.Content,
			Summary:   aw.Summary,
			Keywords:  aw.Keywords,
			CreatedAt: datatypes.NowMillis(),
		}
		if err := o.deps.Store.CreateArtifact(ctx, artifact); err != nil {
			o.softFailure("creating artifact", err)
			continue
		}
		written = append(written, indexableArtifact{id: artifact.ID, content: artifact.Content})
	}
	return written
}

// =============================================================================
// Helpers
// =============================================================================

// softFailure logs and counts a degraded collaborator without failing the
// turn.
func (o *Orchestrator) softFailure(what string, err error) {
	slog.Warn("Collaborator degraded, continuing", "operation", what, "error", err)
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordError(observability.ErrorCodeCollaboratorSoft)
	}
}

// stubLabel derives a provisional topic label from the first words of the
// user's message.
func stubLabel(userText string) string {
	words := strings.Fields(userText)
	if len(words) > 6 {
		words = words[:6]
	}
	label := strings.Join(words, " ")
	if label == "" {
		label = "New topic"
	}
	return label
}
